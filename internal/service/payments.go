package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/punchamoorthee/tgpay/internal/gateway"
	"github.com/punchamoorthee/tgpay/internal/notify"
	"github.com/punchamoorthee/tgpay/internal/store"
)

// Gateway is the part of gateway.Client the payment flows depend on.
type Gateway interface {
	Init(ctx context.Context, in *domain.Intent) (*gateway.InitResult, error)
	Cancel(ctx context.Context, in *domain.Intent) (*gateway.Result, error)
	Refund(ctx context.Context, in *domain.Intent, amount int64) (*gateway.Result, error)
}

// Sender queues a user notification. notify.Dispatcher implements it.
type Sender interface {
	Send(msg notify.Message)
}

type TopUpRequest struct {
	ExternalID     string
	Amount         int64
	LineItems      []domain.LineItem
	IdempotencyKey string
}

type TopUpResult struct {
	Intent *domain.Intent
	// Reused is true when an earlier intent was returned for the idempotency key.
	Reused bool
}

type PaymentService struct {
	store     store.Store
	gw        Gateway
	sender    Sender
	minAmount int64
	logger    *slog.Logger

	// createLocks serialises creation per idempotency key, opLocks
	// serialises merchant cancel/refund per intent. Neither is taken by
	// the reconciler.
	createLocks *store.KeyMutex
	opLocks     *store.KeyMutex

	now        func() time.Time
	newOrderID func() string
}

func NewPaymentService(st store.Store, gw Gateway, sender Sender, minAmount int64, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		store:       st,
		gw:          gw,
		sender:      sender,
		minAmount:   minAmount,
		logger:      logger.With("component", "payments"),
		createLocks: store.NewKeyMutex(),
		opLocks:     store.NewKeyMutex(),
		now:         time.Now,
		newOrderID:  uuid.NewString,
	}
}

// CreateTopUp opens a balance top-up with the gateway and returns the intent
// carrying the payment URL. A retry with the same idempotency key, account
// and amount returns the intent created the first time.
func (s *PaymentService) CreateTopUp(ctx context.Context, req TopUpRequest) (*TopUpResult, error) {
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		return nil, fmt.Errorf("%w: externalId is required", domain.ErrInvalidRequest)
	}
	if req.Amount < s.minAmount {
		return nil, domain.InvalidAmount("minimum amount is %d", s.minAmount)
	}

	if req.IdempotencyKey != "" {
		// Keys are scoped to the account that sent them.
		unlock := s.createLocks.Lock(req.ExternalID + "\x00" + req.IdempotencyKey)
		defer unlock()

		existing, err := s.store.FindByIdempotencyKey(ctx, req.ExternalID, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.Amount == req.Amount && existing.Status == domain.StatusNew {
				if existing.PaymentURL != "" {
					topUpsTotal.WithLabelValues("reused").Inc()
					return &TopUpResult{Intent: existing, Reused: true}, nil
				}
				in, err := s.initIntent(ctx, existing)
				if err != nil {
					return nil, err
				}
				topUpsTotal.WithLabelValues("reused").Inc()
				return &TopUpResult{Intent: in, Reused: true}, nil
			}
			s.logger.Info("idempotency key reused with different request, creating new intent",
				"key", req.IdempotencyKey, "previous_order_id", existing.OrderID, "previous_status", existing.Status)
		case !errors.Is(err, domain.ErrIntentNotFound):
			return nil, err
		}
	}

	now := s.now()
	orderID := s.newOrderID()
	in := &domain.Intent{
		ID:             orderID,
		OrderID:        orderID,
		ExternalID:     req.ExternalID,
		Amount:         req.Amount,
		Status:         domain.StatusNew,
		IdempotencyKey: req.IdempotencyKey,
		History: []domain.HistoryEntry{{
			Status: domain.StatusNew, RawStatus: string(domain.StatusNew), Amount: req.Amount,
			Source: domain.SourceInit, Applied: true, At: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	order := &domain.Order{
		ID:         orderID,
		ExternalID: req.ExternalID,
		Items:      req.LineItems,
		Total:      req.Amount,
		Status:     domain.StatusNew,
		CreatedAt:  now,
	}
	if err := s.store.CreateIntent(ctx, in, order); err != nil {
		return nil, fmt.Errorf("create intent failed: %w", err)
	}
	s.audit(ctx, newEvent(domain.EventIntentCreated, in, map[string]any{
		"external_id":     in.ExternalID,
		"amount":          in.Amount,
		"idempotency_key": in.IdempotencyKey,
	}))

	out, err := s.initIntent(ctx, in)
	if err != nil {
		return nil, err
	}
	topUpsTotal.WithLabelValues("created").Inc()
	return &TopUpResult{Intent: out}, nil
}

// initIntent calls the gateway with no ledger lock held, then records the
// outcome. A rejection finalises the intent as REJECTED; an unreachable
// gateway leaves it NEW so the caller can retry with the same key. If the
// intent was canceled while the call was in flight, the new gateway payment
// is voided and its URL is never handed out.
func (s *PaymentService) initIntent(ctx context.Context, in *domain.Intent) (*domain.Intent, error) {
	res, err := s.gw.Init(ctx, in)
	if err != nil {
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			topUpsTotal.WithLabelValues("rejected").Inc()
			_, uerr := s.store.UpdateIntent(ctx, in.OrderID, func(tx store.IntentTx) error {
				cur := tx.Intent()
				entry := domain.HistoryEntry{
					Status: domain.StatusRejected, RawStatus: "INIT_" + rejected.Code,
					Source: domain.SourceInit, At: s.now(),
				}
				if domain.CanTransition(cur.Status, domain.StatusRejected) {
					completed := entry.At
					cur.Status = domain.StatusRejected
					cur.CompletedAt = &completed
					entry.Applied = true
				}
				cur.History = append(cur.History, entry)
				tx.Event(newEvent(domain.EventGatewayError, cur, rejectionPayload("Init", rejected)))
				return nil
			})
			if uerr != nil {
				s.logger.Error("failed to record init rejection", "order_id", in.OrderID, "error", uerr)
			}
			return nil, err
		}
		topUpsTotal.WithLabelValues("unreachable").Inc()
		s.audit(ctx, newEvent(domain.EventGatewayError, in, map[string]any{"operation": "Init", "error": err.Error()}))
		return nil, err
	}

	var final domain.Status
	out, err := s.store.UpdateIntent(ctx, in.OrderID, func(tx store.IntentTx) error {
		cur := tx.Intent()
		if cur.GatewayPaymentID == "" {
			cur.GatewayPaymentID = res.GatewayPaymentID
		}
		switch cur.Status {
		case domain.StatusCanceled, domain.StatusRejected:
			final = cur.Status
			tx.Event(newEvent(domain.EventAnomalyTerminal, cur, map[string]any{
				"operation":          "Init",
				"current":            cur.Status,
				"gateway_payment_id": res.GatewayPaymentID,
			}))
			return nil
		}
		if cur.PaymentURL == "" {
			cur.PaymentURL = res.PaymentURL
		}
		tx.Event(newEvent(domain.EventGatewayInit, cur, map[string]any{
			"gateway_status": res.Status,
			"payment_url":    res.PaymentURL,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final != "" {
		orphan := out.Clone()
		orphan.GatewayPaymentID = res.GatewayPaymentID
		s.voidGatewayPayment(ctx, orphan)
		return nil, &domain.AlreadyFinalError{Status: final}
	}
	return out, nil
}

// voidGatewayPayment cancels a gateway payment the ledger no longer offers.
// Failures are audited; the intent itself is already final.
func (s *PaymentService) voidGatewayPayment(ctx context.Context, in *domain.Intent) {
	s.logger.Warn("voiding gateway payment of a final intent", "order_id", in.OrderID, "payment_id", in.GatewayPaymentID, "status", in.Status)
	if _, err := s.gw.Cancel(ctx, in); err != nil {
		s.recordGatewayError(ctx, "Cancel", in, err)
	}
}

// Status resolves id as an order id first, then as a gateway payment id.
func (s *PaymentService) Status(ctx context.Context, id string) (*domain.Intent, error) {
	return resolveIntent(ctx, s.store, id, id)
}

// Cancel voids an unpaid intent at the gateway and records the result.
func (s *PaymentService) Cancel(ctx context.Context, id string) (*domain.Intent, error) {
	in, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.opLocks.Lock(in.OrderID)
	defer unlock()

	// Re-read under the op lock: a concurrent cancel may have finished.
	if in, err = s.store.FindByOrderID(ctx, in.OrderID); err != nil {
		return nil, err
	}
	if !domain.CanTransition(in.Status, domain.StatusCanceled) {
		return nil, &domain.AlreadyFinalError{Status: in.Status}
	}

	rawStatus := "CANCELED"
	if in.GatewayPaymentID != "" {
		res, err := s.gw.Cancel(ctx, in)
		if err != nil {
			s.recordGatewayError(ctx, "Cancel", in, err)
			return nil, err
		}
		if res.Status != "" {
			rawStatus = res.Status
		}
	}

	var final domain.Status
	out, err := s.store.UpdateIntent(ctx, in.OrderID, func(tx store.IntentTx) error {
		cur := tx.Intent()
		entry := domain.HistoryEntry{Status: domain.StatusCanceled, RawStatus: rawStatus, Source: domain.SourceMerchant, At: s.now()}
		if !domain.CanTransition(cur.Status, domain.StatusCanceled) {
			// A webhook moved the intent while the gateway call was in flight.
			cur.History = append(cur.History, entry)
			tx.Event(newEvent(domain.EventAnomalyTerminal, cur, map[string]any{
				"current":  cur.Status,
				"reported": domain.StatusCanceled,
				"source":   domain.SourceMerchant,
			}))
			final = cur.Status
			return nil
		}
		completed := entry.At
		entry.Applied = true
		cur.Status = domain.StatusCanceled
		cur.CompletedAt = &completed
		cur.History = append(cur.History, entry)
		tx.Event(newEvent(domain.EventMerchantCancel, cur, map[string]any{"gateway_status": rawStatus}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final != "" {
		return nil, &domain.AlreadyFinalError{Status: final}
	}
	if in.GatewayPaymentID == "" && out.GatewayPaymentID != "" {
		// Init completed between our read and the cancel; void what it opened.
		s.voidGatewayPayment(ctx, out)
	}
	s.sender.Send(messageFor(out, out.Amount))
	return out, nil
}

// Refund returns amount of a confirmed intent to the payer and debits the
// account. amount zero means everything not yet refunded.
func (s *PaymentService) Refund(ctx context.Context, id string, amount int64) (*domain.Intent, error) {
	if amount < 0 {
		return nil, domain.InvalidAmount("refund amount must be positive")
	}
	in, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.opLocks.Lock(in.OrderID)
	defer unlock()

	if in, err = s.store.FindByOrderID(ctx, in.OrderID); err != nil {
		return nil, err
	}
	if !domain.CanTransition(in.Status, domain.StatusRefunded) {
		return nil, &domain.AlreadyFinalError{Status: in.Status}
	}
	refundable := in.Refundable()
	if refundable == 0 {
		return nil, &domain.AlreadyFinalError{Status: in.Status}
	}
	if amount == 0 {
		amount = refundable
	}
	if amount > refundable {
		return nil, domain.InvalidAmount("refund amount %d exceeds refundable %d", amount, refundable)
	}

	submitted := s.now()
	res, err := s.gw.Refund(ctx, in, amount)
	if err != nil {
		s.recordGatewayError(ctx, "Refund", in, err)
		return nil, err
	}
	rawStatus := res.Status
	if rawStatus == "" {
		rawStatus = string(domain.StatusRefunded)
	}

	out, err := s.store.UpdateIntent(ctx, in.OrderID, func(tx store.IntentTx) error {
		cur := tx.Intent()
		at := s.now()
		entry := domain.HistoryEntry{
			Status: domain.StatusRefunded, RawStatus: rawStatus, Amount: amount,
			Source: domain.SourceMerchant, At: at,
		}
		if webhookRefundSince(cur, amount, submitted) {
			// The gateway's callback for this refund won the race and
			// already debited the account.
			cur.History = append(cur.History, entry)
			return nil
		}
		// The gateway has moved the money; book it even if it overshoots.
		if amount > cur.Refundable() {
			tx.Event(newEvent(domain.EventAnomalyOverRefund, cur, map[string]any{
				"amount":     amount,
				"refundable": cur.Refundable(),
				"source":     domain.SourceMerchant,
			}))
		}
		entry.Applied = true
		cur.Refunds = append(cur.Refunds, domain.Refund{Amount: amount, Source: domain.SourceMerchant, At: at})
		cur.History = append(cur.History, entry)
		cur.Status = domain.StatusRefunded
		tx.DebitFloor(cur.ExternalID, amount)
		tx.Event(newEvent(domain.EventMerchantRefund, cur, map[string]any{
			"amount":         amount,
			"gateway_status": rawStatus,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sender.Send(messageFor(out, amount))
	return out, nil
}

// webhookRefundSince reports whether a gateway callback booked a refund of
// amount at or after since.
func webhookRefundSince(in *domain.Intent, amount int64, since time.Time) bool {
	for _, rf := range in.Refunds {
		if rf.Source == domain.SourceWebhook && rf.Amount == amount && !rf.At.Before(since) {
			return true
		}
	}
	return false
}

func (s *PaymentService) recordGatewayError(ctx context.Context, op string, in *domain.Intent, err error) {
	payload := map[string]any{"operation": op, "error": err.Error()}
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		payload = rejectionPayload(op, rejected)
	}
	s.audit(ctx, newEvent(domain.EventGatewayError, in, payload))
}

func (s *PaymentService) audit(ctx context.Context, ev domain.PaymentEvent) {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("failed to append audit event", "kind", ev.Kind, "order_id", ev.OrderID, "error", err)
	}
}

func rejectionPayload(op string, r *gateway.RejectedError) map[string]any {
	return map[string]any{
		"operation": op,
		"code":      r.Code,
		"message":   r.Message,
		"details":   r.Details,
		"raw":       string(r.Raw),
	}
}

func newEvent(kind string, in *domain.Intent, payload map[string]any) domain.PaymentEvent {
	ev := domain.PaymentEvent{Kind: kind, Payload: payload}
	if in != nil {
		ev.OrderID = in.OrderID
		ev.PaymentID = in.GatewayPaymentID
	}
	return ev
}

func messageFor(in *domain.Intent, amount int64) notify.Message {
	return notify.Message{ExternalID: in.ExternalID, OrderID: in.OrderID, Status: in.Status, Amount: amount}
}

// resolveIntent looks up by order id, falling back to the gateway payment id.
func resolveIntent(ctx context.Context, st store.Store, orderID, paymentID string) (*domain.Intent, error) {
	if orderID != "" {
		in, err := st.FindByOrderID(ctx, orderID)
		if err == nil || !errors.Is(err, domain.ErrIntentNotFound) {
			return in, err
		}
	}
	if paymentID != "" {
		return st.FindByGatewayPaymentID(ctx, paymentID)
	}
	return nil, domain.ErrIntentNotFound
}
