// Package webhook signs and delivers job outcomes to caller callbacks and
// verifies signed inbound triggers.
package webhook

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

// Header names carried on every signed request.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderJobID     = "X-Job-Id"
	HeaderSource    = "X-Source"

	signaturePrefix = "sha256="
)

// Verification errors.
var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrInvalidSignature = errors.New("signature mismatch")
	ErrTimestampExpired = errors.New("timestamp outside tolerance")
)

// Signer computes HMAC-SHA256 over "<timestamp>.<body>".
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for secret.
func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// Sign returns the X-Signature value for body sent at ts (unix seconds).
func (s Signer) Sign(ts int64, body []byte) string {
	return signaturePrefix + hex.EncodeToString(s.mac(strconv.FormatInt(ts, 10), body))
}

// Verify checks signature and timestamp headers against body. A zero
// tolerance disables the replay window.
func (s Signer) Verify(signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, timestamp)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampExpired
		}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, s.mac(strconv.FormatInt(ts, 10), body)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s Signer) mac(ts string, body []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}
