package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/agentworkforce/relayhub/internal/auth"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer verifies the bearer token. A privileged route also needs
// the admin scope; on that failure the verified principal is still returned
// so the rejection can be audited.
func authorizeBearer(authenticator *auth.Authenticator, authHeader string, privileged bool) (auth.Principal, *authError) {
	if authenticator == nil {
		return auth.Principal{}, &authError{status: 401, code: "unauthorized", message: "authentication is not configured"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return auth.Principal{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	principal, err := authenticator.Verify(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
	if err != nil {
		return auth.Principal{}, &authError{status: 401, code: "unauthorized", message: err.Error()}
	}
	if privileged && !principal.Admin {
		return principal, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + authenticator.AdminScope(),
		}
	}
	return principal, nil
}

// verifyInternalHMAC checks X-Relay-Signature = hex(hmac_sha256(secret,
// timestamp + "\n" + body)) and that the RFC3339 timestamp is within maxSkew.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: 401, code: "unauthorized", message: "internal ingress is disabled"}
	}
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "internal request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
