// Package webhooks implements signed at-least-once event delivery to tenant
// endpoints: pattern-matched dispatch into a durable delivery queue, a retry
// worker pool, HMAC request signing, and the subscription challenge.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery request headers.
const (
	SignatureHeader = "X-Ruche-Signature"
	TimestampHeader = "X-Ruche-Timestamp"
	EventTypeHeader = "X-Ruche-Event"
	DeliveryHeader  = "X-Ruche-Delivery"
)

// signatureVersion prefixes every signature so the scheme can rotate.
const signatureVersion = "v1"

// Signature verification errors.
var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTimestampSkew     = errors.New("signature timestamp outside tolerance")
	ErrMalformedHeader   = errors.New("malformed signature header")
)

// Sign computes the signature header value for a request body: an
// HMAC-SHA256 over "{unix_ts}.{body}" keyed with the subscription secret.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body. Receivers call this
// with the X-Ruche-Signature and X-Ruche-Timestamp header values; the
// timestamp must fall within tolerance of now, and the comparison is
// constant-time.
func Verify(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if !strings.HasPrefix(signature, signatureVersion+"=") {
		return ErrMalformedHeader
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedHeader, err)
	}
	ts := time.Unix(unix, 0)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestampSkew
	}
	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
