package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Webhook signature headers carried on every mediated request.
const (
	HeaderID        = "X-FlowCatalyst-ID"
	HeaderSignature = "X-FlowCatalyst-SIGNATURE"
	HeaderTimestamp = "X-FlowCatalyst-TIMESTAMP"
)

// MaxSignatureSkew is the window within which receivers should accept a
// signed timestamp.
const MaxSignatureSkew = 300 * time.Second

// WebhookSigner signs outbound webhook bodies with HMAC-SHA256 over
// timestamp || body. Receivers recompute the digest and compare.
type WebhookSigner struct {
	secret []byte
}

func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret)}
}

// Sign returns the hex signature and the decimal-seconds timestamp to place
// in the request headers.
func (s *WebhookSigner) Sign(body []byte, now time.Time) (signature, timestamp string) {
	timestamp = strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), timestamp
}

// Verify checks a signature in constant time and enforces the skew window.
func (s *WebhookSigner) Verify(body []byte, signature, timestamp string, now time.Time) bool {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(secs, 0))
	if drift > MaxSignatureSkew || drift < -MaxSignatureSkew {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
