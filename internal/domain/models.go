package domain

import (
	"time"
)

// Level is the loyalty tier of an account.
type Level string

const (
	LevelBronze   Level = "bronze"
	LevelSilver   Level = "silver"
	LevelGold     Level = "gold"
	LevelPlatinum Level = "platinum"
)

// Valid reports whether l is one of the known tiers.
func (l Level) Valid() bool {
	switch l {
	case LevelBronze, LevelSilver, LevelGold, LevelPlatinum:
		return true
	}
	return false
}

// Account represents a storefront user's balance and profile.
// Balance is in whole currency units and is never negative.
type Account struct {
	ExternalID  string    `json:"external_id"`
	Balance     int64     `json:"balance"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Level       Level     `json:"level"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileUpdate carries the fields a profile sync may change.
// Nil fields are left untouched. Balance is never set through a profile.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
	Level       *Level
}

// LineItem is opaque to the payment core.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Order is created together with its Intent and mirrors the Intent status.
type Order struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"`
	Items      []LineItem `json:"items,omitempty"`
	Total      int64      `json:"total"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Sources of history entries and refunds.
const (
	SourceInit     = "init"
	SourceWebhook  = "webhook"
	SourceMerchant = "merchant"
)

// HistoryEntry records one inbound or outbound status report for an Intent.
// Applied is false when the report was recorded but did not change state.
// Amount is the reported amount in whole units, zero when none was given.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	RawStatus string    `json:"raw_status"`
	Amount    int64     `json:"amount,omitempty"`
	Source    string    `json:"source"`
	Applied   bool      `json:"applied"`
	At        time.Time `json:"at"`
}

// Refund is one partial or complete refund of a confirmed Intent.
type Refund struct {
	Amount int64     `json:"amount"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Intent is one payment attempt from creation through terminal resolution.
// ID equals OrderID.
type Intent struct {
	ID               string         `json:"id"`
	OrderID          string         `json:"order_id"`
	GatewayPaymentID string         `json:"gateway_payment_id,omitempty"`
	ExternalID       string         `json:"external_id"`
	Amount           int64          `json:"amount"`
	Status           Status         `json:"status"`
	PaymentURL       string         `json:"payment_url,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	History          []HistoryEntry `json:"history"`
	Refunds          []Refund       `json:"refunds"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Refunded returns the sum of all refund records.
func (i *Intent) Refunded() int64 {
	var sum int64
	for _, r := range i.Refunds {
		sum += r.Amount
	}
	return sum
}

// Refundable returns the confirmed amount not yet refunded, never below zero.
func (i *Intent) Refundable() int64 {
	if i.Status != StatusConfirmed && i.Status != StatusRefunded {
		return 0
	}
	left := i.Amount - i.Refunded()
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (i *Intent) Clone() *Intent {
	c := *i
	c.History = append([]HistoryEntry(nil), i.History...)
	c.Refunds = append([]Refund(nil), i.Refunds...)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Audit event kinds.
const (
	EventIntentCreated         = "INTENT_CREATED"
	EventGatewayInit           = "GATEWAY_INIT"
	EventGatewayError          = "GATEWAY_ERROR"
	EventInvalidSignature      = "INVALID_SIGNATURE"
	EventMalformedNotification = "MALFORMED_NOTIFICATION"
	EventUnmatchedNotification = "UNMATCHED_NOTIFICATION"
	EventAmountMismatch        = "AMOUNT_MISMATCH"
	EventAnomalyTerminal       = "ANOMALY_TERMINAL"
	EventAnomalyOverRefund     = "ANOMALY_OVER_REFUND"
	EventAnomalyGatewayID      = "ANOMALY_GATEWAY_ID"
	EventTransitionApplied     = "TRANSITION_APPLIED"
	EventMerchantCancel        = "MERCHANT_CANCEL"
	EventMerchantRefund        = "MERCHANT_REFUND"
	EventAdminAdjustment       = "ADMIN_ADJUSTMENT"
)

// PaymentEvent is an append-only audit log entry.
type PaymentEvent struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"at"`
	Kind      string         `json:"kind"`
	OrderID   string         `json:"order_id,omitempty"`
	PaymentID string         `json:"payment_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
