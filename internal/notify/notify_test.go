package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type recordingPublisher struct {
	exchange, key string
	body          any
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	p.exchange, p.key, p.body = exchange, routingKey, body
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMessageText(t *testing.T) {
	msg := Message{ExternalID: "42", OrderID: "o1", Status: domain.StatusConfirmed, Amount: 500}
	assert.Equal(t, "Your balance was topped up by 500.00.", msg.Text())

	msg.Status = domain.StatusRejected
	assert.Contains(t, msg.Text(), "declined")
}

func TestDispatcher_DeliversAndSurvivesFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("chat not found")}
	d := NewDispatcher(rec, 2, 8, time.Second, discardLogger())

	for i := 0; i < 5; i++ {
		d.Send(Message{ExternalID: "42", OrderID: "o1", Status: domain.StatusConfirmed, Amount: 10})
	}
	d.Close()

	assert.Equal(t, 5, rec.count())

	// Sending after Close is a silent drop.
	d.Send(Message{OrderID: "late"})
	assert.Equal(t, 5, rec.count())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := Multi{ok, bad}.Notify(context.Background(), Message{OrderID: "o1"})
	require.Error(t, err)
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}

func TestQueueNotifier_RoutingKey(t *testing.T) {
	pub := &recordingPublisher{}
	q := QueueNotifier{Publisher: pub, Exchange: "payment_events"}
	require.NoError(t, q.Notify(context.Background(), Message{OrderID: "o1", Status: domain.StatusRefunded}))
	assert.Equal(t, "payment_events", pub.exchange)
	assert.Equal(t, "payment.refunded", pub.key)
}

func TestTelegramNotifier(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botsecret/sendMessage" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"ok":false,"description":"Not Found"}`))
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(srv.URL, "secret")
	require.NoError(t, tg.Notify(context.Background(), Message{ExternalID: "12345", Status: domain.StatusConfirmed, Amount: 250}))
	assert.Equal(t, "12345", got.ChatID)
	assert.Equal(t, "Your balance was topped up by 250.00.", got.Text)

	bad := NewTelegramNotifier(srv.URL, "wrong")
	assert.Error(t, bad.Notify(context.Background(), Message{ExternalID: "1"}))
}
