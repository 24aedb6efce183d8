package service

import (
	"context"
	"testing"

	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccounts_SyncNeverTouchesBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.topUp(t, "42", 500)
	h.deliver(t, notification(t, in, "CONFIRMED", 50000))

	name := "Ann"
	gold := domain.LevelGold
	acc, err := h.accounts.SyncProfile(ctx, "42", domain.ProfileUpdate{DisplayName: &name, Level: &gold})
	require.NoError(t, err)
	assert.Equal(t, "Ann", acc.DisplayName)
	assert.Equal(t, domain.LevelGold, acc.Level)
	assert.Equal(t, int64(500), acc.Balance)

	bad := domain.Level("diamond")
	_, err = h.accounts.SyncProfile(ctx, "42", domain.ProfileUpdate{Level: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestAccounts_UnknownBalanceIsZero(t *testing.T) {
	h := newHarness(t)
	acc, err := h.accounts.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance)
	assert.Equal(t, domain.LevelBronze, acc.Level)
}

func TestAccounts_Adjust(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	balance, err := h.accounts.Adjust(ctx, "42", 150, "goodwill credit", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	_, err = h.accounts.Adjust(ctx, "42", -200, "chargeback", "admin")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.accounts.Adjust(ctx, "42", 10, " ", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	events, err := h.accounts.Events(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventAdminAdjustment, events[0].Kind)
	assert.Equal(t, "goodwill credit", events[0].Payload["reason"])
}
