package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/punchamoorthee/tgpay/internal/gateway"
	"github.com/punchamoorthee/tgpay/internal/models"
	"github.com/punchamoorthee/tgpay/internal/notify"
	"github.com/punchamoorthee/tgpay/internal/ratelimit"
	"github.com/punchamoorthee/tgpay/internal/service"
	"github.com/punchamoorthee/tgpay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	terminalKey = "TestTerminal"
	password    = "secret"
	adminSecret = "admin-secret"
)

type testEnv struct {
	server    *httptest.Server
	store     *store.MemoryStore
	initCalls *atomic.Int32
}

// fakeAcquirer answers Init and Cancel the way the real gateway does.
func fakeAcquirer(t *testing.T, initCalls *atomic.Int32) *httptest.Server {
	var seq atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := gateway.ParseParams(mustRead(t, r.Body))
		require.NoError(t, err)
		if _, _, ok := (gateway.Signer{Password: password}).Verify(params); !ok {
			w.Write([]byte(`{"Success":false,"ErrorCode":"204","Message":"Неверный токен"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/Init":
			initCalls.Add(1)
			id := 1000 + seq.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"Success": true, "ErrorCode": "0", "Status": "NEW",
				"PaymentId": id, "OrderId": params["OrderId"],
				"PaymentURL": "https://pay.example/" + params["OrderId"].(string),
			})
		case "/Cancel":
			status := "CANCELED"
			if _, ok := params["Amount"]; ok {
				status = "PARTIAL_REFUNDED"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"Success": true, "ErrorCode": "0", "Status": status, "PaymentId": params["PaymentId"],
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func mustRead(t *testing.T, r io.Reader) []byte {
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	initCalls := &atomic.Int32{}
	acq := fakeAcquirer(t, initCalls)
	t.Cleanup(acq.Close)

	client := gateway.NewClient(gateway.Config{
		BaseURL: acq.URL, TerminalKey: terminalKey, Password: password,
		Timeout: 2 * time.Second, MinorUnits: 100,
	}, logger)

	st := store.NewMemoryStore()
	dispatcher := notify.NewDispatcher(notify.LogNotifier{Logger: logger}, 1, 16, time.Second, logger)
	t.Cleanup(dispatcher.Close)

	payments := service.NewPaymentService(st, client, dispatcher, 10, logger)
	reconciler := service.NewReconciler(st, client.Signer(), terminalKey, 100, dispatcher, logger)
	accounts := service.NewAccountService(st, logger)

	h := NewHandler(payments, reconciler, accounts, limiter, logger)
	srv := httptest.NewServer(NewRouter(h, []byte(adminSecret)))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: st, initCalls: initCalls}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, mustRead(t, resp.Body)
}

func (e *testEnv) createPayment(t *testing.T, externalID string, amount int64) models.CreatePaymentResponse {
	t.Helper()
	resp, body := e.do(t, "POST", "/payments/create", map[string]any{"externalId": externalID, "amount": amount}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out models.CreatePaymentResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (e *testEnv) webhook(t *testing.T, p models.CreatePaymentResponse, status string, amountMinor int64, tamper bool) bool {
	t.Helper()
	params := map[string]any{
		"TerminalKey": terminalKey, "OrderId": p.OrderID, "PaymentId": p.PaymentID,
		"Status": status, "Success": true, "ErrorCode": "0", "Amount": amountMinor,
	}
	params[gateway.TokenField] = gateway.Signer{Password: password}.Sign(params)
	if tamper {
		params[gateway.TokenField] = strings.Repeat("0", 64)
	}
	raw, _ := json.Marshal(params)
	resp, body := e.do(t, "POST", "/payments/webhook", raw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.WebhookResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Success
}

func (e *testEnv) balance(t *testing.T, externalID string) int64 {
	t.Helper()
	resp, body := e.do(t, "GET", "/users/"+externalID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.BalanceResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Balance
}

func adminToken(t *testing.T, roles ...string) map[string]string {
	t.Helper()
	claims := AdminClaims{Role: roles, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + signed}
}

func TestTopUpCreditedOnConfirmation(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)
	assert.NotEmpty(t, p.PaymentURL)
	assert.Equal(t, domain.StatusNew, p.Status)

	assert.True(t, env.webhook(t, p, "CONFIRMED", 50000, false))
	assert.Equal(t, int64(500), env.balance(t, "42"))

	resp, body := env.do(t, "GET", "/payments/status/"+p.PaymentID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st models.PaymentStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, domain.StatusConfirmed, st.Status)
	assert.NotNil(t, st.CompletedAt)
}

func TestDuplicateWebhookCreditsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)
	assert.True(t, env.webhook(t, p, "CONFIRMED", 50000, false))
	assert.True(t, env.webhook(t, p, "CONFIRMED", 50000, false))
	assert.Equal(t, int64(500), env.balance(t, "42"))
}

func TestWebhookWrongAmountIsNotAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)

	assert.False(t, env.webhook(t, p, "CONFIRMED", 40000, false))
	assert.False(t, env.webhook(t, p, "CONFIRMED", 50050, false))
	assert.Equal(t, int64(0), env.balance(t, "42"))

	resp, body := env.do(t, "GET", "/payments/status/"+p.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st models.PaymentStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, domain.StatusNew, st.Status)
}

func TestPartialRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 1000)
	env.webhook(t, p, "CONFIRMED", 100000, false)

	resp, body := env.do(t, "POST", "/payments/"+p.OrderID+"/refund", map[string]any{"amount": 400}, adminToken(t, "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st models.PaymentStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, domain.StatusRefunded, st.Status)
	require.Len(t, st.Refunds, 1)
	assert.Equal(t, int64(400), st.Refunds[0].Amount)
	assert.Equal(t, int64(600), env.balance(t, "42"))
}

func TestTamperedWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)

	assert.False(t, env.webhook(t, p, "CONFIRMED", 50000, true))
	assert.Equal(t, int64(0), env.balance(t, "42"))

	resp, body := env.do(t, "GET", "/admin/events?limit=50", nil, adminToken(t, "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []domain.PaymentEvent
	require.NoError(t, json.Unmarshal(body, &events))
	var found bool
	for _, ev := range events {
		if ev.Kind == domain.EventInvalidSignature {
			found = true
			assert.Equal(t, p.OrderID, ev.OrderID)
			assert.NotEmpty(t, ev.Payload["expected_token"])
		}
	}
	assert.True(t, found, "audit log must record the invalid signature")
}

func TestWebhookGarbageStillReturns200(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "POST", "/payments/webhook", []byte("garbage"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":false}`, string(body))
}

func TestCreatePayment_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/payments/create", map[string]any{"externalId": "42", "amount": 5}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.JSONEq(t, `{"error":"minimum amount is 10"}`, string(body))

	resp, _ = env.do(t, "POST", "/payments/create", []byte(`{"amount":`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/payments/create", map[string]any{"amount": 100}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePayment_IdempotencyHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	hdr := map[string]string{"Idempotency-Key": "tap-7"}
	req := map[string]any{"externalId": "42", "amount": 300}

	resp1, body1 := env.do(t, "POST", "/payments/create", req, hdr)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)
	resp2, body2 := env.do(t, "POST", "/payments/create", req, hdr)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var first, second models.CreatePaymentResponse
	require.NoError(t, json.Unmarshal(body1, &first))
	require.NoError(t, json.Unmarshal(body2, &second))
	assert.Equal(t, first.PaymentURL, second.PaymentURL)
	assert.Equal(t, int32(1), env.initCalls.Load())
}

func TestCreatePayment_RateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.NewLocalLimiter(1))
	env.createPayment(t, "42", 100)

	resp, _ := env.do(t, "POST", "/payments/create", map[string]any{"externalId": "42", "amount": 100}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestMerchantRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)

	resp, _ := env.do(t, "POST", "/payments/"+p.OrderID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/payments/"+p.OrderID+"/cancel", nil, adminToken(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/payments/"+p.OrderID+"/cancel", nil, map[string]string{"Authorization": "Bearer not.a.jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelThenAlreadyFinal(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 500)
	admin := adminToken(t, "admin")

	resp, _ := env.do(t, "POST", "/payments/"+p.OrderID+"/cancel", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, "POST", "/payments/"+p.OrderID+"/cancel", nil, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var final models.AlreadyFinalResponse
	require.NoError(t, json.Unmarshal(body, &final))
	assert.Equal(t, domain.StatusCanceled, final.Status)

	resp, _ = env.do(t, "POST", "/payments/"+p.OrderID+"/refund", nil, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRefundOverCapIsRejectedLocally(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createPayment(t, "42", 1000)
	env.webhook(t, p, "CONFIRMED", 100000, false)

	resp, _ := env.do(t, "POST", "/payments/"+p.OrderID+"/refund", map[string]any{"amount": 1001}, adminToken(t, "admin"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, int64(1000), env.balance(t, "42"))
}

func TestUserSyncCannotSetBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "POST", "/users/sync", map[string]any{
		"externalId": "77", "displayName": "Bob", "level": "silver", "balance": 1000000,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var user models.UserResponse
	require.NoError(t, json.Unmarshal(body, &user))
	assert.Equal(t, "Bob", user.DisplayName)
	assert.Equal(t, domain.LevelSilver, user.Level)
	assert.Equal(t, int64(0), user.Balance)

	resp, _ = env.do(t, "POST", "/users/sync", map[string]any{"externalId": "77", "level": "mythic"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminAdjust(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := adminToken(t, "admin")

	resp, body := env.do(t, "POST", "/admin/accounts/42/adjust", map[string]any{"delta": 250, "reason": "support credit"}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, int64(250), env.balance(t, "42"))

	resp, _ = env.do(t, "POST", "/admin/accounts/42/adjust", map[string]any{"delta": -300, "reason": "chargeback"}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestStatusNotFoundAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/payments/status/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = env.do(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
