package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/punchamoorthee/tgpay/internal/gateway"
	"github.com/punchamoorthee/tgpay/internal/store"
)

// Webhook results, also used as the metric label.
const (
	ResultApplied          = "applied"
	ResultAcknowledged     = "acknowledged"
	ResultDuplicate        = "duplicate"
	ResultDiscarded        = "discarded"
	ResultRecorded         = "recorded"
	ResultAmountMismatch   = "amount_mismatch"
	ResultUnmatched        = "unmatched"
	ResultInvalidSignature = "invalid_signature"
	ResultMalformed        = "malformed"
)

// Outcome is what the webhook endpoint reports back to the gateway.
// Success is false when the notification could not be parsed or trusted,
// including a reported amount that fails verification.
type Outcome struct {
	Success bool
	Result  string
	OrderID string
	Status  domain.Status
}

type Reconciler struct {
	store       store.Store
	signer      gateway.Signer
	terminalKey string
	minorUnits  int64
	sender      Sender
	logger      *slog.Logger
	now         func() time.Time
}

func NewReconciler(st store.Store, signer gateway.Signer, terminalKey string, minorUnits int64, sender Sender, logger *slog.Logger) *Reconciler {
	if minorUnits <= 0 {
		minorUnits = 100
	}
	return &Reconciler{
		store:       st,
		signer:      signer,
		terminalKey: terminalKey,
		minorUnits:  minorUnits,
		sender:      sender,
		logger:      logger.With("component", "reconciler"),
		now:         time.Now,
	}
}

// HandleNotification verifies one gateway callback and applies it to its
// intent at most once. Store failures are returned so the caller can ask
// the gateway to redeliver.
func (r *Reconciler) HandleNotification(ctx context.Context, body []byte) (Outcome, error) {
	params, err := gateway.ParseParams(body)
	if err != nil {
		r.reject(ctx, domain.EventMalformedNotification, ResultMalformed, body, map[string]any{"reason": err.Error()})
		return Outcome{Result: ResultMalformed}, nil
	}

	expected, received, ok := r.signer.Verify(params)
	if !ok {
		r.reject(ctx, domain.EventInvalidSignature, ResultInvalidSignature, body, map[string]any{
			"expected_token": expected,
			"received_token": received,
		})
		return Outcome{Result: ResultInvalidSignature}, nil
	}

	n, err := gateway.NotificationFrom(params)
	if err != nil {
		r.reject(ctx, domain.EventMalformedNotification, ResultMalformed, body, map[string]any{"reason": err.Error()})
		return Outcome{Result: ResultMalformed}, nil
	}
	if r.terminalKey != "" && n.TerminalKey != r.terminalKey {
		r.reject(ctx, domain.EventInvalidSignature, ResultInvalidSignature, body, map[string]any{"reason": "terminal key mismatch", "terminal_key": n.TerminalKey})
		return Outcome{Result: ResultInvalidSignature}, nil
	}

	in, err := resolveIntent(ctx, r.store, n.OrderID, n.PaymentID)
	if errors.Is(err, domain.ErrIntentNotFound) {
		webhooksTotal.WithLabelValues(ResultUnmatched).Inc()
		r.logger.Warn("notification for unknown intent", "order_id", n.OrderID, "payment_id", n.PaymentID, "status", n.Status)
		r.audit(ctx, domain.PaymentEvent{
			Kind:      domain.EventUnmatchedNotification,
			OrderID:   n.OrderID,
			PaymentID: n.PaymentID,
			Payload:   map[string]any{"status": n.Status, "amount": n.Amount, "raw": string(body)},
		})
		return Outcome{Success: true, Result: ResultUnmatched, OrderID: n.OrderID}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var result string
	var notifyAmount int64
	update := func(adoptPaymentID bool) (*domain.Intent, error) {
		return r.store.UpdateIntent(ctx, in.OrderID, func(tx store.IntentTx) error {
			result, notifyAmount = r.apply(tx, n, adoptPaymentID)
			return nil
		})
	}
	out, err := update(true)
	if errors.Is(err, domain.ErrGatewayIDConflict) {
		// The reported PaymentId is bound to another intent. Apply the
		// notification to the intent named by OrderId without taking the id.
		r.logger.Warn("notification payment id belongs to another intent", "order_id", in.OrderID, "payment_id", n.PaymentID)
		r.audit(ctx, newEvent(domain.EventAnomalyGatewayID, in, map[string]any{
			"reported_payment_id": n.PaymentID,
			"raw_status":          n.Status,
		}))
		out, err = update(false)
	}
	if err != nil {
		return Outcome{}, err
	}

	webhooksTotal.WithLabelValues(result).Inc()
	r.logger.Info("notification reconciled", "order_id", out.OrderID, "payment_id", n.PaymentID,
		"raw_status", n.Status, "result", result, "status", out.Status)
	if result == ResultApplied {
		r.sender.Send(messageFor(out, notifyAmount))
	}
	return Outcome{Success: result != ResultAmountMismatch, Result: result, OrderID: out.OrderID, Status: out.Status}, nil
}

// apply runs inside the intent's transaction. The notification is always
// appended to history; only a legal transition changes status or balance.
func (r *Reconciler) apply(tx store.IntentTx, n gateway.Notification, adoptPaymentID bool) (string, int64) {
	cur := tx.Intent()
	if adoptPaymentID && cur.GatewayPaymentID == "" && n.PaymentID != "" {
		cur.GatewayPaymentID = n.PaymentID
	}

	at := r.now()
	target, known := domain.MapGatewayStatus(n.Status)
	amount, whole := gateway.FromMinor(n.Amount, r.minorUnits)
	entry := domain.HistoryEntry{Status: target, RawStatus: n.Status, Amount: amount, Source: domain.SourceWebhook, At: at}
	record := func(applied bool) {
		entry.Applied = applied
		cur.History = append(cur.History, entry)
	}

	if !known {
		record(false)
		return ResultRecorded, 0
	}
	if !whole {
		record(false)
		tx.Event(newEvent(domain.EventAmountMismatch, cur, map[string]any{
			"reported_minor": n.Amount,
			"reason":         "amount is not a non-negative whole number of units",
		}))
		return ResultAmountMismatch, 0
	}

	if !domain.CanTransition(cur.Status, target) {
		record(false)
		if cur.Status == target {
			return ResultDuplicate, 0
		}
		tx.Event(newEvent(domain.EventAnomalyTerminal, cur, map[string]any{
			"current":    cur.Status,
			"reported":   target,
			"raw_status": n.Status,
		}))
		return ResultDiscarded, 0
	}

	switch target {
	case domain.StatusConfirmed:
		if amount != cur.Amount {
			record(false)
			tx.Event(newEvent(domain.EventAmountMismatch, cur, map[string]any{
				"expected": cur.Amount,
				"reported": amount,
			}))
			return ResultAmountMismatch, 0
		}
		cur.Status = domain.StatusConfirmed
		cur.CompletedAt = &at
		tx.Credit(cur.ExternalID, amount)

	case domain.StatusRejected, domain.StatusCanceled:
		cur.Status = target
		cur.CompletedAt = &at

	case domain.StatusRefunded:
		if amount == 0 {
			amount = cur.Refundable()
			entry.Amount = amount
		}
		if amount == 0 {
			record(false)
			return ResultDuplicate, 0
		}
		switch refundSeen(cur, amount) {
		case refundEcho:
			record(true)
			return ResultAcknowledged, 0
		case refundRedelivered:
			record(false)
			return ResultDuplicate, 0
		}
		if refundable := cur.Refundable(); amount > refundable {
			r.logger.Warn("gateway refund exceeds refundable amount", "order_id", cur.OrderID, "amount", amount, "refundable", refundable)
			tx.Event(newEvent(domain.EventAnomalyOverRefund, cur, map[string]any{
				"amount":     amount,
				"refundable": refundable,
				"source":     domain.SourceWebhook,
			}))
		}
		cur.Refunds = append(cur.Refunds, domain.Refund{Amount: amount, Source: domain.SourceWebhook, At: at})
		cur.Status = domain.StatusRefunded
		tx.DebitFloor(cur.ExternalID, amount)
	}

	record(true)
	tx.Event(newEvent(domain.EventTransitionApplied, cur, map[string]any{
		"status":     cur.Status,
		"raw_status": n.Status,
		"amount":     amount,
	}))
	return ResultApplied, amount
}

type refundMatch int

const (
	refundNew refundMatch = iota
	refundEcho
	refundRedelivered
)

// refundSeen matches a REFUNDED notification for amount against what the
// intent already booked. Notifications carry no refund id, so a second
// callback for an amount already seen from the gateway is treated as a
// redelivery unless a merchant refund of that amount is still unmatched.
func refundSeen(in *domain.Intent, amount int64) refundMatch {
	var merchant, seen int
	for _, rf := range in.Refunds {
		if rf.Source == domain.SourceMerchant && rf.Amount == amount {
			merchant++
		}
	}
	for _, h := range in.History {
		if h.Source == domain.SourceWebhook && h.Status == domain.StatusRefunded && h.Applied && h.Amount == amount {
			seen++
		}
	}
	switch {
	case seen < merchant:
		return refundEcho
	case seen > 0:
		return refundRedelivered
	}
	return refundNew
}

func (r *Reconciler) reject(ctx context.Context, kind, result string, body []byte, payload map[string]any) {
	webhooksTotal.WithLabelValues(result).Inc()
	payload["raw"] = string(body)
	ev := domain.PaymentEvent{Kind: kind, Payload: payload}
	if params, err := gateway.ParseParams(body); err == nil {
		// Partial fields still tie the entry to an order.
		n, _ := gateway.NotificationFrom(params)
		ev.OrderID, ev.PaymentID = n.OrderID, n.PaymentID
	}
	r.logger.Warn("rejected gateway notification", "result", result, "order_id", ev.OrderID)
	r.audit(ctx, ev)
}

func (r *Reconciler) audit(ctx context.Context, ev domain.PaymentEvent) {
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Error("failed to append audit event", "kind", ev.Kind, "order_id", ev.OrderID, "error", err)
	}
}
