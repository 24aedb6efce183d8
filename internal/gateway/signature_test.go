package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SortedConcatenation(t *testing.T) {
	params := map[string]any{
		"TerminalKey": "T",
		"Amount":      json.Number("19200"),
		"OrderId":     "21090",
		"Description": "Gift",
		"DATA":        map[string]any{"Phone": "+71234567890"},
	}
	// Amount, Description, OrderId, Password, TerminalKey
	sum := sha256.Sum256([]byte("19200" + "Gift" + "21090" + "pw" + "T"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Signer{Password: "pw"}.Sign(params))
}

func TestSigner_VerifyRejectsAnyAlteredField(t *testing.T) {
	body := []byte(`{"TerminalKey":"T","OrderId":"o1","Success":true,"Status":"CONFIRMED","PaymentId":8742591,"ErrorCode":"0","Amount":50000}`)
	signer := Signer{Password: "pw"}

	params, err := ParseParams(body)
	require.NoError(t, err)
	params[TokenField] = signer.Sign(params)

	_, _, ok := signer.Verify(params)
	require.True(t, ok)

	for _, field := range []string{"TerminalKey", "OrderId", "Success", "Status", "PaymentId", "ErrorCode", "Amount"} {
		tampered := make(map[string]any, len(params))
		for k, v := range params {
			tampered[k] = v
		}
		switch tampered[field].(type) {
		case bool:
			tampered[field] = false
		case json.Number:
			tampered[field] = json.Number("1")
		default:
			tampered[field] = "x"
		}
		_, _, ok := signer.Verify(tampered)
		assert.False(t, ok, "altering %s must break the token", field)
	}

	delete(params, TokenField)
	_, _, ok = signer.Verify(params)
	assert.False(t, ok, "missing token must not verify")
}

func TestNotificationFrom(t *testing.T) {
	params, err := ParseParams([]byte(`{"OrderId":"o1","PaymentId":8742591,"Status":"CONFIRMED","Success":true,"Amount":50000}`))
	require.NoError(t, err)

	n, err := NotificationFrom(params)
	require.NoError(t, err)
	assert.Equal(t, "o1", n.OrderID)
	assert.Equal(t, "8742591", n.PaymentID)
	assert.Equal(t, int64(50000), n.Amount)
	assert.True(t, n.Success)

	params, err = ParseParams([]byte(`{"OrderId":"o1","Amount":1}`))
	require.NoError(t, err)
	_, err = NotificationFrom(params)
	assert.Error(t, err)

	_, err = ParseParams([]byte(`not json`))
	assert.Error(t, err)
}
