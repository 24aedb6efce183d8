package store

import (
	"context"

	"github.com/punchamoorthee/tgpay/internal/domain"
)

// Store persists accounts, orders, payment intents and the audit log.
// Every implementation must make UpdateIntent atomic: the intent write,
// its history/refund appends, the balance deltas and audit events it
// stages either all commit or none do.
type Store interface {
	UpsertProfile(ctx context.Context, externalID string, upd domain.ProfileUpdate) (*domain.Account, error)
	GetAccount(ctx context.Context, externalID string) (*domain.Account, error)
	Credit(ctx context.Context, externalID string, amount int64) (int64, error)
	Debit(ctx context.Context, externalID string, amount int64) (int64, error)
	Adjust(ctx context.Context, externalID string, delta int64, ev domain.PaymentEvent) (int64, error)

	// CreateIntent writes the order, the intent and its idempotency mapping
	// together, creating the owning account if needed.
	CreateIntent(ctx context.Context, in *domain.Intent, order *domain.Order) error
	FindByOrderID(ctx context.Context, orderID string) (*domain.Intent, error)
	FindByGatewayPaymentID(ctx context.Context, paymentID string) (*domain.Intent, error)
	// FindByIdempotencyKey looks a key up within one account's keys.
	FindByIdempotencyKey(ctx context.Context, externalID, key string) (*domain.Intent, error)
	// UpdateIntent fails with domain.ErrGatewayIDConflict when fn binds a
	// gateway payment id that another intent already holds.
	UpdateIntent(ctx context.Context, orderID string, fn func(tx IntentTx) error) (*domain.Intent, error)

	AppendEvent(ctx context.Context, ev domain.PaymentEvent) error
	ListEvents(ctx context.Context, limit int) ([]domain.PaymentEvent, error)
	PruneEvents(ctx context.Context, keep int) (int, error)

	Close()
}

// IntentTx is the unit of work handed to UpdateIntent callbacks.
// Intent returns a private copy; changes to it are persisted on commit.
type IntentTx interface {
	Intent() *domain.Intent
	// Credit adds amount to the account balance on commit.
	Credit(externalID string, amount int64)
	// DebitFloor subtracts amount on commit, stopping at zero.
	DebitFloor(externalID string, amount int64)
	// Event stages an audit log entry.
	Event(ev domain.PaymentEvent)
}

type balanceOp struct {
	externalID string
	delta      int64
	floor      bool
}

// stagedTx is the IntentTx shared by the store implementations.
type stagedTx struct {
	intent *domain.Intent
	ops    []balanceOp
	events []domain.PaymentEvent
}

func newStagedTx(in *domain.Intent) *stagedTx {
	return &stagedTx{intent: in}
}

func (t *stagedTx) Intent() *domain.Intent { return t.intent }

func (t *stagedTx) Credit(externalID string, amount int64) {
	t.ops = append(t.ops, balanceOp{externalID: externalID, delta: amount})
}

func (t *stagedTx) DebitFloor(externalID string, amount int64) {
	t.ops = append(t.ops, balanceOp{externalID: externalID, delta: -amount, floor: true})
}

func (t *stagedTx) Event(ev domain.PaymentEvent) {
	t.events = append(t.events, ev)
}
