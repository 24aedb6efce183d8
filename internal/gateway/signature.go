package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// TokenField is the request/notification field carrying the signature.
const TokenField = "Token"

// Signer computes the gateway's Token: the root-level scalar fields plus
// Password, ordered by key, values concatenated, SHA-256, lower-case hex.
type Signer struct {
	Password string
}

// Sign returns the token for params. TokenField and nested values are ignored.
func (s Signer) Sign(params map[string]any) string {
	values := map[string]string{"Password": s.Password}
	for k, v := range params {
		if k == TokenField {
			continue
		}
		if str, ok := scalarString(v); ok {
			values[k] = str
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(values[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the token and compares it with the supplied one in
// constant time. It returns the expected and received tokens for auditing.
func (s Signer) Verify(params map[string]any) (expected, received string, ok bool) {
	received, _ = params[TokenField].(string)
	expected = s.Sign(params)
	if received == "" {
		return expected, received, false
	}
	ok = subtle.ConstantTimeCompare([]byte(strings.ToLower(received)), []byte(expected)) == 1
	return expected, received, ok
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}
