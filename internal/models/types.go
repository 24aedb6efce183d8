package models

import (
	"time"

	"github.com/punchamoorthee/tgpay/internal/domain"
)

// CreatePaymentRequest is the payload from the Mini App.
type CreatePaymentRequest struct {
	ExternalID     string            `json:"externalId"`
	Amount         int64             `json:"amount"`
	LineItems      []domain.LineItem `json:"lineItems,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

type CreatePaymentResponse struct {
	PaymentID  string        `json:"paymentId"`
	OrderID    string        `json:"orderId"`
	PaymentURL string        `json:"paymentUrl"`
	Status     domain.Status `json:"status"`
}

type RefundView struct {
	Amount int64     `json:"amount"`
	At     time.Time `json:"at"`
}

type PaymentStatusResponse struct {
	PaymentID   string        `json:"paymentId"`
	OrderID     string        `json:"orderId"`
	Status      domain.Status `json:"status"`
	Amount      int64         `json:"amount"`
	Refunded    int64         `json:"refunded"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Refunds     []RefundView  `json:"refunds"`
}

// NewPaymentStatus flattens an intent for clients.
func NewPaymentStatus(in *domain.Intent) PaymentStatusResponse {
	out := PaymentStatusResponse{
		PaymentID:   in.GatewayPaymentID,
		OrderID:     in.OrderID,
		Status:      in.Status,
		Amount:      in.Amount,
		Refunded:    in.Refunded(),
		CompletedAt: in.CompletedAt,
		Refunds:     make([]RefundView, 0, len(in.Refunds)),
	}
	if out.PaymentID == "" {
		out.PaymentID = in.OrderID
	}
	for _, r := range in.Refunds {
		out.Refunds = append(out.Refunds, RefundView{Amount: r.Amount, At: r.At})
	}
	return out
}

// RefundRequest omits Amount to refund everything left.
type RefundRequest struct {
	Amount int64 `json:"amount,omitempty"`
}

// AlreadyFinalResponse lets the client resync its UI with the real status.
type AlreadyFinalResponse struct {
	Error  string        `json:"error"`
	Status domain.Status `json:"status"`
}

// SyncUserRequest carries profile fields only; a balance field sent by a
// client is ignored.
type SyncUserRequest struct {
	ExternalID  string  `json:"externalId"`
	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	Level       *string `json:"level,omitempty"`
}

type UserResponse struct {
	ExternalID  string       `json:"externalId"`
	DisplayName string       `json:"displayName,omitempty"`
	AvatarURL   string       `json:"avatarUrl,omitempty"`
	Level       domain.Level `json:"level"`
	Balance     int64        `json:"balance"`
}

type BalanceResponse struct {
	ExternalID string       `json:"externalId"`
	Balance    int64        `json:"balance"`
	Level      domain.Level `json:"level"`
}

type AdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type AdjustResponse struct {
	ExternalID string `json:"externalId"`
	Balance    int64  `json:"balance"`
}

// WebhookResponse is always sent with HTTP 200.
type WebhookResponse struct {
	Success bool `json:"success"`
}
