// Package notify delivers best-effort payment status messages to users.
// Delivery never blocks or fails reconciliation: the Dispatcher queues
// messages for background workers and only logs failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/shopspring/decimal"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tgpay_notifications_total",
	Help: "User notifications by outcome",
}, []string{"outcome"})

// Message is one status change worth telling the user about.
type Message struct {
	ExternalID string        `json:"external_id"`
	OrderID    string        `json:"order_id"`
	Status     domain.Status `json:"status"`
	Amount     int64         `json:"amount"`
}

// Text renders the message for a chat.
func (m Message) Text() string {
	amount := decimal.NewFromInt(m.Amount).StringFixed(2)
	switch m.Status {
	case domain.StatusConfirmed:
		return fmt.Sprintf("Your balance was topped up by %s.", amount)
	case domain.StatusRefunded:
		return fmt.Sprintf("%s was refunded from your top-up.", amount)
	case domain.StatusCanceled:
		return fmt.Sprintf("Your top-up of %s was canceled.", amount)
	case domain.StatusRejected:
		return fmt.Sprintf("Your top-up of %s was declined.", amount)
	}
	return fmt.Sprintf("Payment %s is now %s.", m.OrderID, m.Status)
}

// Notifier sends a Message somewhere.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher runs a Notifier on background workers.
type Dispatcher struct {
	notifier Notifier
	queue    chan Message
	timeout  time.Duration
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher starts workers goroutines draining a queue of size buffer.
func NewDispatcher(n Notifier, workers, buffer int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		notifier: n,
		queue:    make(chan Message, buffer),
		timeout:  timeout,
		logger:   logger.With("component", "notify"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Send enqueues msg without blocking. A full queue drops the message.
func (d *Dispatcher) Send(msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		notificationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case d.queue <- msg:
	default:
		notificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping", "order_id", msg.OrderID, "external_id", msg.ExternalID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			notificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("notifier panicked", "order_id", msg.OrderID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, msg); err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("notification failed", "order_id", msg.OrderID, "external_id", msg.ExternalID, "error", err)
		return
	}
	notificationsTotal.WithLabelValues("sent").Inc()
}

// Close stops accepting messages and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// LogNotifier only logs; used when no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, msg Message) error {
	l.Logger.Info("user notification", "external_id", msg.ExternalID, "order_id", msg.OrderID, "status", msg.Status, "text", msg.Text())
	return nil
}
