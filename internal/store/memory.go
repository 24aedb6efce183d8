package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tgpay/internal/domain"
)

// MemoryStore keeps everything in process memory. It can be snapshotted to
// a JSON file so that a single-node deployment survives restarts.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*domain.Account
	orders    map[string]*domain.Order
	intents   map[string]*domain.Intent
	byGateway map[string]string
	byKey     map[string]string
	events    []domain.PaymentEvent

	intentLocks *KeyMutex
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*domain.Account),
		orders:      make(map[string]*domain.Order),
		intents:     make(map[string]*domain.Intent),
		byGateway:   make(map[string]string),
		byKey:       make(map[string]string),
		intentLocks: NewKeyMutex(),
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() {}

// account returns the account for id, creating it when absent. Caller holds mu.
func (s *MemoryStore) account(externalID string) *domain.Account {
	acc, ok := s.accounts[externalID]
	if !ok {
		now := s.now()
		acc = &domain.Account{
			ExternalID: externalID,
			Level:      domain.LevelBronze,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.accounts[externalID] = acc
	}
	return acc
}

func (s *MemoryStore) UpsertProfile(ctx context.Context, externalID string, upd domain.ProfileUpdate) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.account(externalID)
	if upd.DisplayName != nil {
		acc.DisplayName = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		acc.AvatarURL = *upd.AvatarURL
	}
	if upd.Level != nil {
		acc.Level = *upd.Level
	}
	acc.UpdatedAt = s.now()
	out := *acc
	return &out, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, externalID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[externalID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (s *MemoryStore) Credit(ctx context.Context, externalID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.account(externalID)
	acc.Balance += amount
	acc.UpdatedAt = s.now()
	return acc.Balance, nil
}

func (s *MemoryStore) Debit(ctx context.Context, externalID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[externalID]
	if !ok || acc.Balance < amount {
		return 0, domain.ErrInsufficientFunds
	}
	acc.Balance -= amount
	acc.UpdatedAt = s.now()
	return acc.Balance, nil
}

func (s *MemoryStore) Adjust(ctx context.Context, externalID string, delta int64, ev domain.PaymentEvent) (int64, error) {
	if delta == 0 {
		return 0, domain.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.account(externalID)
	if acc.Balance+delta < 0 {
		return 0, domain.ErrInsufficientFunds
	}
	acc.Balance += delta
	acc.UpdatedAt = s.now()
	s.appendEvent(ev)
	return acc.Balance, nil
}

func (s *MemoryStore) CreateIntent(ctx context.Context, in *domain.Intent, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[in.OrderID]; exists {
		return fmt.Errorf("intent %s already exists", in.OrderID)
	}
	s.account(in.ExternalID)
	o := *order
	s.orders[order.ID] = &o
	s.intents[in.OrderID] = in.Clone()
	if in.GatewayPaymentID != "" {
		s.byGateway[in.GatewayPaymentID] = in.OrderID
	}
	if in.IdempotencyKey != "" {
		s.byKey[idempotencyIndex(in.ExternalID, in.IdempotencyKey)] = in.OrderID
	}
	return nil
}

func (s *MemoryStore) FindByOrderID(ctx context.Context, orderID string) (*domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(orderID)
}

func (s *MemoryStore) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byGateway[paymentID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return s.lookup(orderID)
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, externalID, key string) (*domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byKey[idempotencyIndex(externalID, key)]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return s.lookup(orderID)
}

// idempotencyIndex scopes a client key to the account that sent it.
func idempotencyIndex(externalID, key string) string {
	return externalID + "\x00" + key
}

func (s *MemoryStore) lookup(orderID string) (*domain.Intent, error) {
	in, ok := s.intents[orderID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return in.Clone(), nil
}

// UpdateIntent runs fn against a copy of the intent while holding the
// intent's key lock, then applies the copy and the staged work under the
// store mutex in one step.
func (s *MemoryStore) UpdateIntent(ctx context.Context, orderID string, fn func(tx IntentTx) error) (*domain.Intent, error) {
	unlock := s.intentLocks.Lock(orderID)
	defer unlock()

	s.mu.Lock()
	current, ok := s.intents[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrIntentNotFound
	}
	tx := newStagedTx(current.Clone())
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := tx.intent
	next.ID, next.OrderID = current.ID, current.OrderID
	next.UpdatedAt = s.now()
	if next.GatewayPaymentID != "" && next.GatewayPaymentID != current.GatewayPaymentID {
		if owner, taken := s.byGateway[next.GatewayPaymentID]; taken && owner != orderID {
			return nil, fmt.Errorf("intent %s: payment id %s: %w", orderID, next.GatewayPaymentID, domain.ErrGatewayIDConflict)
		}
		s.byGateway[next.GatewayPaymentID] = orderID
	}
	for _, op := range tx.ops {
		acc := s.account(op.externalID)
		acc.Balance += op.delta
		if op.floor && acc.Balance < 0 {
			acc.Balance = 0
		}
		acc.UpdatedAt = next.UpdatedAt
	}
	if o, ok := s.orders[orderID]; ok {
		o.Status = next.Status
	}
	for _, ev := range tx.events {
		s.appendEvent(ev)
	}
	s.intents[orderID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev domain.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEvent(ev)
	return nil
}

func (s *MemoryStore) appendEvent(ev domain.PaymentEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events = append(s.events, ev)
}

// ListEvents returns up to limit events, newest first.
func (s *MemoryStore) ListEvents(ctx context.Context, limit int) ([]domain.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PaymentEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// PruneEvents drops the oldest events so that at most keep remain.
func (s *MemoryStore) PruneEvents(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.events) - keep
	if excess <= 0 {
		return 0, nil
	}
	s.events = append([]domain.PaymentEvent(nil), s.events[excess:]...)
	return excess, nil
}

type snapshot struct {
	Accounts    []*domain.Account     `json:"accounts"`
	Orders      []*domain.Order       `json:"orders"`
	Intents     []*domain.Intent      `json:"intents"`
	Idempotency map[string]string     `json:"idempotency"`
	Events      []domain.PaymentEvent `json:"events"`
}

// SaveSnapshot writes the store contents to path via a temp file and rename.
func (s *MemoryStore) SaveSnapshot(path string) error {
	s.mu.Lock()
	snap := snapshot{Idempotency: make(map[string]string, len(s.byKey))}
	for _, a := range s.accounts {
		acc := *a
		snap.Accounts = append(snap.Accounts, &acc)
	}
	for _, o := range s.orders {
		ord := *o
		snap.Orders = append(snap.Orders, &ord)
	}
	for _, in := range s.intents {
		snap.Intents = append(snap.Intents, in.Clone())
	}
	for k, v := range s.byKey {
		snap.Idempotency[k] = v
	}
	snap.Events = append(snap.Events, s.events...)
	s.mu.Unlock()

	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ExternalID < snap.Accounts[j].ExternalID })
	sort.Slice(snap.Intents, func(i, j int) bool { return snap.Intents[i].CreatedAt.Before(snap.Intents[j].CreatedAt) })

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot encode failed: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file failed: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("snapshot write failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("snapshot close failed: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot replaces the store contents with the snapshot at path.
// A missing file is not an error.
func (s *MemoryStore) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot read failed: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("snapshot decode failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*domain.Account, len(snap.Accounts))
	s.orders = make(map[string]*domain.Order, len(snap.Orders))
	s.intents = make(map[string]*domain.Intent, len(snap.Intents))
	s.byGateway = make(map[string]string)
	s.byKey = make(map[string]string, len(snap.Idempotency))
	for _, a := range snap.Accounts {
		s.accounts[a.ExternalID] = a
	}
	for _, o := range snap.Orders {
		s.orders[o.ID] = o
	}
	for _, in := range snap.Intents {
		s.intents[in.OrderID] = in
		if in.GatewayPaymentID != "" {
			s.byGateway[in.GatewayPaymentID] = in.OrderID
		}
	}
	for k, v := range snap.Idempotency {
		s.byKey[k] = v
	}
	s.events = snap.Events
	return nil
}
