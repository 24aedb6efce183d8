package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tgpay/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const maxTxAttempts = 3

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the durable Store backed by pgx.
type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// withTx runs fn in a RepeatableRead transaction, retrying serialization failures.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func ensureAccount(ctx context.Context, q querier, externalID string) error {
	_, err := q.Exec(ctx,
		"INSERT INTO accounts (external_id) VALUES ($1) ON CONFLICT (external_id) DO NOTHING",
		externalID)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

// lockBalance returns the current balance with the row locked for update.
func lockBalance(ctx context.Context, q querier, externalID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, "SELECT balance FROM accounts WHERE external_id = $1 FOR UPDATE", externalID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return balance, nil
}

func setBalance(ctx context.Context, q querier, externalID string, balance int64) error {
	_, err := q.Exec(ctx,
		"UPDATE accounts SET balance = $1, updated_at = now() WHERE external_id = $2",
		balance, externalID)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, externalID string, upd domain.ProfileUpdate) (*domain.Account, error) {
	var level *string
	if upd.Level != nil {
		l := string(*upd.Level)
		level = &l
	}
	row := s.Db.QueryRow(ctx, `
		INSERT INTO accounts (external_id, display_name, avatar_url, level)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, 'bronze'))
		ON CONFLICT (external_id) DO UPDATE SET
			display_name = COALESCE($2, accounts.display_name),
			avatar_url   = COALESCE($3, accounts.avatar_url),
			level        = COALESCE($4, accounts.level),
			updated_at   = now()
		RETURNING external_id, balance, display_name, avatar_url, level, created_at, updated_at`,
		externalID, upd.DisplayName, upd.AvatarURL, level)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("profile upsert failed: %w", err)
	}
	return acc, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var level string
	err := row.Scan(&acc.ExternalID, &acc.Balance, &acc.DisplayName, &acc.AvatarURL, &level, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acc.Level = domain.Level(level)
	return &acc, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, externalID string) (*domain.Account, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT external_id, balance, display_name, avatar_url, level, created_at, updated_at FROM accounts WHERE external_id = $1",
		externalID)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

func (s *PostgresStore) Credit(ctx context.Context, externalID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return s.applyDelta(ctx, externalID, amount, nil)
}

func (s *PostgresStore) Debit(ctx context.Context, externalID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return s.applyDelta(ctx, externalID, -amount, nil)
}

func (s *PostgresStore) Adjust(ctx context.Context, externalID string, delta int64, ev domain.PaymentEvent) (int64, error) {
	if delta == 0 {
		return 0, domain.ErrInvalidAmount
	}
	return s.applyDelta(ctx, externalID, delta, &ev)
}

func (s *PostgresStore) applyDelta(ctx context.Context, externalID string, delta int64, ev *domain.PaymentEvent) (int64, error) {
	if delta == 0 {
		return 0, domain.ErrInvalidAmount
	}
	var balance int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, externalID); err != nil {
			return err
		}
		current, err := lockBalance(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if current+delta < 0 {
			return domain.ErrInsufficientFunds
		}
		balance = current + delta
		if err := setBalance(ctx, tx, externalID, balance); err != nil {
			return err
		}
		if ev != nil {
			return insertEvent(ctx, tx, *ev)
		}
		return nil
	})
	return balance, err
}

func (s *PostgresStore) CreateIntent(ctx context.Context, in *domain.Intent, order *domain.Order) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, in.ExternalID); err != nil {
			return err
		}
		items := order.Items
		if items == nil {
			items = []domain.LineItem{}
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO orders (id, external_id, items, total, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
			order.ID, order.ExternalID, items, order.Total, string(order.Status), order.CreatedAt)
		if err != nil {
			return fmt.Errorf("order insert failed: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO payment_intents (order_id, gateway_payment_id, external_id, amount, status, payment_url, idempotency_key, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $8)`,
			in.OrderID, in.GatewayPaymentID, in.ExternalID, in.Amount, string(in.Status), in.PaymentURL, in.IdempotencyKey, in.CreatedAt)
		if err != nil {
			return fmt.Errorf("intent insert failed: %w", err)
		}
		if err := insertHistory(ctx, tx, in.OrderID, in.History); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			_, err = tx.Exec(ctx,
				`INSERT INTO idempotency_keys (external_id, key, order_id) VALUES ($1, $2, $3)
				ON CONFLICT (external_id, key) DO UPDATE SET order_id = EXCLUDED.order_id`,
				in.ExternalID, in.IdempotencyKey, in.OrderID)
			if err != nil {
				return fmt.Errorf("idempotency key insert failed: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) FindByOrderID(ctx context.Context, orderID string) (*domain.Intent, error) {
	return loadIntent(ctx, s.Db, orderID, false)
}

func (s *PostgresStore) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*domain.Intent, error) {
	return s.findVia(ctx, "SELECT order_id FROM payment_intents WHERE gateway_payment_id = $1", paymentID)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, externalID, key string) (*domain.Intent, error) {
	return s.findVia(ctx, "SELECT order_id FROM idempotency_keys WHERE external_id = $1 AND key = $2", externalID, key)
}

func (s *PostgresStore) findVia(ctx context.Context, sql string, args ...any) (*domain.Intent, error) {
	var orderID string
	if err := s.Db.QueryRow(ctx, sql, args...).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, err
	}
	return loadIntent(ctx, s.Db, orderID, false)
}

func loadIntent(ctx context.Context, q querier, orderID string, forUpdate bool) (*domain.Intent, error) {
	sql := `SELECT order_id, gateway_payment_id, external_id, amount, status, payment_url, idempotency_key, created_at, updated_at, completed_at
		FROM payment_intents WHERE order_id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var in domain.Intent
	var gatewayID *string
	var status string
	err := q.QueryRow(ctx, sql, orderID).Scan(
		&in.OrderID, &gatewayID, &in.ExternalID, &in.Amount, &status, &in.PaymentURL,
		&in.IdempotencyKey, &in.CreatedAt, &in.UpdatedAt, &in.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("intent query failed: %w", err)
	}
	in.ID = in.OrderID
	in.Status = domain.Status(status)
	if gatewayID != nil {
		in.GatewayPaymentID = *gatewayID
	}

	rows, err := q.Query(ctx,
		"SELECT status, raw_status, amount, source, applied, at FROM intent_history WHERE order_id = $1 ORDER BY id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	in.History, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HistoryEntry, error) {
		var h domain.HistoryEntry
		var st string
		err := row.Scan(&st, &h.RawStatus, &h.Amount, &h.Source, &h.Applied, &h.At)
		h.Status = domain.Status(st)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("history scan failed: %w", err)
	}

	rows, err = q.Query(ctx, "SELECT amount, source, at FROM intent_refunds WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("refund query failed: %w", err)
	}
	in.Refunds, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Refund, error) {
		var r domain.Refund
		err := row.Scan(&r.Amount, &r.Source, &r.At)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("refund scan failed: %w", err)
	}
	return &in, nil
}

func insertHistory(ctx context.Context, q querier, orderID string, entries []domain.HistoryEntry) error {
	for _, h := range entries {
		_, err := q.Exec(ctx,
			"INSERT INTO intent_history (order_id, status, raw_status, amount, source, applied, at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			orderID, string(h.Status), h.RawStatus, h.Amount, h.Source, h.Applied, h.At)
		if err != nil {
			return fmt.Errorf("history insert failed: %w", err)
		}
	}
	return nil
}

// UpdateIntent locks the intent row, runs fn, and persists the result with
// the staged balance changes in the same transaction. Account rows are
// locked in external id order to avoid deadlocks.
func (s *PostgresStore) UpdateIntent(ctx context.Context, orderID string, fn func(tx IntentTx) error) (*domain.Intent, error) {
	var out *domain.Intent
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := loadIntent(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		staged := newStagedTx(current.Clone())
		if err := fn(staged); err != nil {
			return err
		}
		next := staged.intent
		next.ID, next.OrderID = current.ID, current.OrderID
		next.UpdatedAt = time.Now()

		if len(next.History) < len(current.History) || len(next.Refunds) < len(current.Refunds) {
			return fmt.Errorf("intent %s: history and refunds are append-only", orderID)
		}

		_, err = tx.Exec(ctx, `
			UPDATE payment_intents SET gateway_payment_id = NULLIF($2, ''), status = $3, payment_url = $4, updated_at = $5, completed_at = $6
			WHERE order_id = $1`,
			orderID, next.GatewayPaymentID, string(next.Status), next.PaymentURL, next.UpdatedAt, next.CompletedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("intent %s: payment id %s: %w", orderID, next.GatewayPaymentID, domain.ErrGatewayIDConflict)
		}
		if err != nil {
			return fmt.Errorf("intent update failed: %w", err)
		}
		if _, err := tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", string(next.Status), orderID); err != nil {
			return fmt.Errorf("order update failed: %w", err)
		}
		if err := insertHistory(ctx, tx, orderID, next.History[len(current.History):]); err != nil {
			return err
		}
		for _, r := range next.Refunds[len(current.Refunds):] {
			_, err := tx.Exec(ctx, "INSERT INTO intent_refunds (order_id, amount, source, at) VALUES ($1, $2, $3, $4)", orderID, r.Amount, r.Source, r.At)
			if err != nil {
				return fmt.Errorf("refund insert failed: %w", err)
			}
		}

		ops := append([]balanceOp(nil), staged.ops...)
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].externalID < ops[j].externalID })
		for _, op := range ops {
			if err := ensureAccount(ctx, tx, op.externalID); err != nil {
				return err
			}
			balance, err := lockBalance(ctx, tx, op.externalID)
			if err != nil {
				return err
			}
			balance += op.delta
			if balance < 0 {
				if !op.floor {
					return domain.ErrInsufficientFunds
				}
				balance = 0
			}
			if err := setBalance(ctx, tx, op.externalID, balance); err != nil {
				return err
			}
		}

		for _, ev := range staged.events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertEvent(ctx context.Context, q querier, ev domain.PaymentEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := q.Exec(ctx,
		"INSERT INTO payment_events (id, at, kind, order_id, payment_id, payload) VALUES ($1, $2, $3, $4, $5, $6)",
		ev.ID, ev.At, ev.Kind, ev.OrderID, ev.PaymentID, ev.Payload)
	if err != nil {
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev domain.PaymentEvent) error {
	return insertEvent(ctx, s.Db, ev)
}

// ListEvents returns up to limit events, newest first.
func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]domain.PaymentEvent, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT id::text, at, kind, order_id, payment_id, payload FROM payment_events ORDER BY seq DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PaymentEvent, error) {
		var ev domain.PaymentEvent
		err := row.Scan(&ev.ID, &ev.At, &ev.Kind, &ev.OrderID, &ev.PaymentID, &ev.Payload)
		return ev, err
	})
}

// PruneEvents deletes the oldest events so that at most keep remain.
func (s *PostgresStore) PruneEvents(ctx context.Context, keep int) (int, error) {
	tag, err := s.Db.Exec(ctx, `
		DELETE FROM payment_events
		WHERE seq <= (SELECT seq FROM payment_events ORDER BY seq DESC OFFSET $1 LIMIT 1)`,
		keep)
	if err != nil {
		return 0, fmt.Errorf("event prune failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
