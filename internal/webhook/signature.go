// Package webhook authenticates and normalizes inbound email webhook calls.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Error types for signature verification.
var (
	ErrMissingAuth    = errors.New("missing authentication material")
	ErrStaleTimestamp = errors.New("timestamp outside replay window")
	ErrBadSignature   = errors.New("signature mismatch")
	ErrBadSecret      = errors.New("webhook secret is not valid base64")
)

// secretPrefix marks provider-issued signing secrets and is stripped before
// base64 decoding.
const secretPrefix = "whsec_"

// replayWindow bounds how far a delivery timestamp may drift from now.
const replayWindow = 5 * time.Minute

// SignatureHeaders carries the three signed-webhook headers from a delivery.
type SignatureHeaders struct {
	// ID is the opaque per-delivery identifier.
	ID string
	// Timestamp is the Unix-seconds delivery timestamp.
	Timestamp string
	// Signatures holds whitespace-separated "version,base64sig" entries.
	// Multiple entries appear during secret rotation.
	Signatures string
}

// Present reports whether any signed-webhook header was supplied.
func (h SignatureHeaders) Present() bool {
	return h.ID != "" || h.Timestamp != "" || h.Signatures != ""
}

// Verifier validates signed-webhook deliveries.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a Verifier using the real clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierAt creates a Verifier with an injected clock for tests.
func NewVerifierAt(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// Verify checks a timestamped-HMAC signature over the byte-exact raw request
// body. The signed payload is "{id}.{timestamp}.{body}", signed with
// HMAC-SHA256 under the base64-decoded secret. Only "v1" signature entries
// are considered; any one matching (constant-time) accepts the delivery.
func (v *Verifier) Verify(secret string, hdr SignatureHeaders, rawBody []byte) error {
	if secret == "" || hdr.ID == "" || hdr.Timestamp == "" || hdr.Signatures == "" {
		return ErrMissingAuth
	}

	ts, err := strconv.ParseInt(hdr.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrStaleTimestamp, hdr.Timestamp)
	}
	drift := v.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(replayWindow/time.Second) {
		return ErrStaleTimestamp
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return ErrBadSecret
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hdr.ID))
	mac.Write([]byte("."))
	mac.Write([]byte(hdr.Timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	for _, entry := range strings.Fields(hdr.Signatures) {
		version, value, found := strings.Cut(entry, ",")
		if !found || version != "v1" {
			continue
		}
		candidate, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}

	return ErrBadSignature
}

// VerifyLegacy checks the legacy shared-secret header mode.
func (v *Verifier) VerifyLegacy(secret, presented string) error {
	if secret == "" || presented == "" {
		return ErrMissingAuth
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) != 1 {
		return ErrBadSignature
	}
	return nil
}
