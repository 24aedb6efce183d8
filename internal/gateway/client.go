package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tgpay/internal/domain"
)

var gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tgpay_gateway_request_duration_seconds",
	Help:    "Latency of payment gateway calls",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"operation", "outcome"})

// Config describes the merchant terminal and redirect targets.
type Config struct {
	BaseURL         string
	TerminalKey     string
	Password        string
	Timeout         time.Duration
	MinorUnits      int64
	SuccessURL      string
	FailURL         string
	NotificationURL string
}

// Client talks to the acquiring gateway's Init and Cancel endpoints.
type Client struct {
	cfg        Config
	signer     Signer
	HTTPClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinorUnits <= 0 {
		cfg.MinorUnits = 100
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		signer:     Signer{Password: cfg.Password},
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "gateway_client"),
	}
}

// Signer returns the signer sharing this client's secret.
func (c *Client) Signer() Signer { return c.signer }

// ToMinor converts whole units into gateway minor units.
func (c *Client) ToMinor(amount int64) int64 { return amount * c.cfg.MinorUnits }

// FromMinor converts a gateway figure in minor units into whole units. ok
// is false for negative figures and for ones that are not a whole number
// of units.
func FromMinor(minor, minorUnits int64) (int64, bool) {
	if minorUnits <= 0 {
		minorUnits = 100
	}
	return minor / minorUnits, minor >= 0 && minor%minorUnits == 0
}

// InitResult is what the caller stores on the intent after a successful Init.
type InitResult struct {
	PaymentURL       string
	GatewayPaymentID string
	Status           string
}

// Result is the outcome of Cancel/Refund.
type Result struct {
	GatewayPaymentID string
	Status           string
	OriginalAmount   int64
	NewAmount        int64
}

type response struct {
	Success        bool       `json:"Success"`
	ErrorCode      string     `json:"ErrorCode"`
	Message        string     `json:"Message"`
	Details        string     `json:"Details"`
	Status         string     `json:"Status"`
	PaymentID      flexString `json:"PaymentId"`
	OrderID        string     `json:"OrderId"`
	PaymentURL     string     `json:"PaymentURL"`
	OriginalAmount int64      `json:"OriginalAmount"`
	NewAmount      int64      `json:"NewAmount"`
}

// RejectedError is returned when the gateway answered but refused the request.
type RejectedError struct {
	Operation string
	Code      string
	Message   string
	Details   string
	Raw       []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway %s rejected: code=%s message=%s details=%s", e.Operation, e.Code, e.Message, e.Details)
}

func (e *RejectedError) Unwrap() error { return domain.ErrGatewayRejected }

// Init registers the payment with the gateway. It does not touch the intent.
func (c *Client) Init(ctx context.Context, in *domain.Intent) (*InitResult, error) {
	params := map[string]any{
		"TerminalKey": c.cfg.TerminalKey,
		"Amount":      c.ToMinor(in.Amount),
		"OrderId":     in.OrderID,
		"Description": fmt.Sprintf("Balance top-up %d", in.Amount),
	}
	if c.cfg.SuccessURL != "" {
		params["SuccessURL"] = c.cfg.SuccessURL
	}
	if c.cfg.FailURL != "" {
		params["FailURL"] = c.cfg.FailURL
	}
	if c.cfg.NotificationURL != "" {
		params["NotificationURL"] = c.cfg.NotificationURL
	}
	params["DATA"] = map[string]string{"externalId": in.ExternalID}

	resp, err := c.call(ctx, "Init", params)
	if err != nil {
		return nil, err
	}
	if resp.PaymentURL == "" || resp.PaymentID == "" {
		return nil, fmt.Errorf("%w: init response without PaymentURL/PaymentId", domain.ErrGatewayUnreachable)
	}
	return &InitResult{PaymentURL: resp.PaymentURL, GatewayPaymentID: string(resp.PaymentID), Status: resp.Status}, nil
}

// Cancel voids an unpaid payment.
func (c *Client) Cancel(ctx context.Context, in *domain.Intent) (*Result, error) {
	params := map[string]any{
		"TerminalKey": c.cfg.TerminalKey,
		"PaymentId":   in.GatewayPaymentID,
	}
	resp, err := c.call(ctx, "Cancel", params)
	if err != nil {
		return nil, err
	}
	return toResult(resp), nil
}

// Refund returns amount (whole units) of a confirmed payment.
func (c *Client) Refund(ctx context.Context, in *domain.Intent, amount int64) (*Result, error) {
	params := map[string]any{
		"TerminalKey": c.cfg.TerminalKey,
		"PaymentId":   in.GatewayPaymentID,
		"Amount":      c.ToMinor(amount),
	}
	resp, err := c.call(ctx, "Cancel", params)
	if err != nil {
		return nil, err
	}
	return toResult(resp), nil
}

func toResult(resp *response) *Result {
	return &Result{
		GatewayPaymentID: string(resp.PaymentID),
		Status:           resp.Status,
		OriginalAmount:   resp.OriginalAmount,
		NewAmount:        resp.NewAmount,
	}
}

// call signs params, posts them to /<op> and classifies the outcome.
func (c *Client) call(ctx context.Context, op string, params map[string]any) (*response, error) {
	params[TokenField] = c.signer.Sign(params)
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	start := time.Now()
	outcome := "ok"
	defer func() {
		gatewayLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		outcome = "unreachable"
		c.logger.Warn("gateway call failed", "op", op, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnreachable, op, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		outcome = "unreachable"
		return nil, fmt.Errorf("%w: %s: reading response: %v", domain.ErrGatewayUnreachable, op, err)
	}

	if httpResp.StatusCode >= 500 {
		outcome = "unreachable"
		c.logger.Warn("gateway returned server error", "op", op, "status", httpResp.StatusCode)
		return nil, fmt.Errorf("%w: %s: status %d", domain.ErrGatewayUnreachable, op, httpResp.StatusCode)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			outcome = "rejected"
			return nil, &RejectedError{Operation: op, Code: fmt.Sprint(httpResp.StatusCode), Raw: raw}
		}
		outcome = "unreachable"
		return nil, fmt.Errorf("%w: %s: undecodable response: %v", domain.ErrGatewayUnreachable, op, err)
	}

	if httpResp.StatusCode >= 400 || !resp.Success || (resp.ErrorCode != "" && resp.ErrorCode != "0") {
		outcome = "rejected"
		c.logger.Warn("gateway rejected request", "op", op, "status", httpResp.StatusCode,
			"error_code", resp.ErrorCode, "message", resp.Message, "details", resp.Details)
		return nil, &RejectedError{Operation: op, Code: resp.ErrorCode, Message: resp.Message, Details: resp.Details, Raw: raw}
	}
	return &resp, nil
}
