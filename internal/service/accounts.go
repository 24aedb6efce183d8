package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/punchamoorthee/tgpay/internal/store"
)

type AccountService struct {
	store  store.Store
	logger *slog.Logger
}

func NewAccountService(st store.Store, logger *slog.Logger) *AccountService {
	return &AccountService{store: st, logger: logger.With("component", "accounts")}
}

// SyncProfile creates or updates the profile half of an account. Balance
// is not reachable from here; only payments and admin adjustments move it.
func (s *AccountService) SyncProfile(ctx context.Context, externalID string, upd domain.ProfileUpdate) (*domain.Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: externalId is required", domain.ErrInvalidRequest)
	}
	if upd.Level != nil && !upd.Level.Valid() {
		return nil, fmt.Errorf("%w: unknown level %q", domain.ErrInvalidRequest, *upd.Level)
	}
	return s.store.UpsertProfile(ctx, externalID, upd)
}

// GetBalance never fails for unknown accounts: they read as a fresh
// bronze account with zero balance.
func (s *AccountService) GetBalance(ctx context.Context, externalID string) (*domain.Account, error) {
	acc, err := s.store.GetAccount(ctx, externalID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return &domain.Account{ExternalID: externalID, Level: domain.LevelBronze}, nil
	}
	return acc, err
}

// Adjust applies a manual correction and records who made it and why.
func (s *AccountService) Adjust(ctx context.Context, externalID string, delta int64, reason, actor string) (int64, error) {
	if delta == 0 {
		return 0, domain.InvalidAmount("delta must not be zero")
	}
	if strings.TrimSpace(reason) == "" {
		return 0, fmt.Errorf("%w: reason is required", domain.ErrInvalidRequest)
	}
	balance, err := s.store.Adjust(ctx, externalID, delta, domain.PaymentEvent{
		Kind: domain.EventAdminAdjustment,
		Payload: map[string]any{
			"external_id": externalID,
			"delta":       delta,
			"reason":      reason,
			"actor":       actor,
		},
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("balance adjusted", "external_id", externalID, "delta", delta, "actor", actor, "balance", balance)
	return balance, nil
}

// Events lists the newest audit log entries.
func (s *AccountService) Events(ctx context.Context, limit int) ([]domain.PaymentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListEvents(ctx, limit)
}
