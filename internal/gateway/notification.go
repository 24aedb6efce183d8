package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Notification is the typed view of a webhook payload.
// Amount is in minor units as reported by the gateway.
type Notification struct {
	TerminalKey string
	OrderID     string
	PaymentID   string
	Status      string
	Success     bool
	ErrorCode   string
	Amount      int64
}

// ParseParams decodes a webhook body into its raw field map. Numbers are
// kept as json.Number so the token is computed over their exact text.
func ParseParams(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("malformed notification: %w", err)
	}
	if params == nil {
		return nil, fmt.Errorf("malformed notification: empty body")
	}
	return params, nil
}

// NotificationFrom extracts the typed fields from raw params.
func NotificationFrom(params map[string]any) (Notification, error) {
	n := Notification{
		TerminalKey: stringField(params, "TerminalKey"),
		OrderID:     stringField(params, "OrderId"),
		PaymentID:   stringField(params, "PaymentId"),
		Status:      stringField(params, "Status"),
		ErrorCode:   stringField(params, "ErrorCode"),
	}
	switch v := params["Success"].(type) {
	case bool:
		n.Success = v
	case string:
		n.Success = v == "true"
	}
	if raw := stringField(params, "Amount"); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return n, fmt.Errorf("malformed notification amount %q: %w", raw, err)
		}
		n.Amount = amount
	}
	if n.Status == "" {
		return n, fmt.Errorf("malformed notification: missing Status")
	}
	return n, nil
}

func stringField(params map[string]any, key string) string {
	s, _ := scalarString(params[key])
	return s
}

// flexString accepts both JSON strings and numbers; the gateway sends
// PaymentId as either depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}
