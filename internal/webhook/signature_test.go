package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const testKey = "super-secret-signing-key"

func testSecret() string {
	return "whsec_" + base64.StdEncoding.EncodeToString([]byte(testKey))
}

func sign(id string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(testKey))
	mac.Write([]byte(id + "." + strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func headersFor(id string, ts int64, body []byte) SignatureHeaders {
	return SignatureHeaders{
		ID:         id,
		Timestamp:  strconv.FormatInt(ts, 10),
		Signatures: "v1," + sign(id, ts, body),
	}
}

func TestVerifyValidSignature(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{"type":"email.received"}`)

	err := v.Verify(testSecret(), headersFor("msg_1", testNow.Unix(), body), body)
	if err != nil {
		t.Fatalf("Verify returned %v", err)
	}
}

func TestVerifySecretWithoutPrefix(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	secret := base64.StdEncoding.EncodeToString([]byte(testKey))

	if err := v.Verify(secret, headersFor("msg_2", testNow.Unix(), body), body); err != nil {
		t.Fatalf("Verify returned %v", err)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	stale := testNow.Unix() - 301

	err := v.Verify(testSecret(), headersFor("msg_3", stale, body), body)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("Verify returned %v, want ErrStaleTimestamp", err)
	}
}

func TestVerifyTimestampAtWindowEdge(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	edge := testNow.Unix() - 300

	if err := v.Verify(testSecret(), headersFor("msg_4", edge, body), body); err != nil {
		t.Fatalf("Verify returned %v, want nil at window edge", err)
	}
}

func TestVerifyFutureTimestampRejected(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	future := testNow.Unix() + 301

	err := v.Verify(testSecret(), headersFor("msg_5", future, body), body)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("Verify returned %v, want ErrStaleTimestamp", err)
	}
}

func TestVerifyWrongSignature(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	hdr := headersFor("msg_6", testNow.Unix(), body)

	err := v.Verify(testSecret(), hdr, []byte(`{"tampered":true}`))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify returned %v, want ErrBadSignature", err)
	}
}

func TestVerifyMultipleSignaturesRotation(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	ts := testNow.Unix()

	// Old-secret signature first, valid one second: rotation keeps both live.
	hdr := SignatureHeaders{
		ID:         "msg_7",
		Timestamp:  strconv.FormatInt(ts, 10),
		Signatures: "v1,AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA= v1," + sign("msg_7", ts, body),
	}
	if err := v.Verify(testSecret(), hdr, body); err != nil {
		t.Fatalf("Verify returned %v", err)
	}
}

func TestVerifyIgnoresNonV1Entries(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)
	ts := testNow.Unix()

	hdr := SignatureHeaders{
		ID:         "msg_8",
		Timestamp:  strconv.FormatInt(ts, 10),
		Signatures: "v2," + sign("msg_8", ts, body),
	}
	err := v.Verify(testSecret(), hdr, body)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify returned %v, want ErrBadSignature", err)
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })

	err := v.Verify(testSecret(), SignatureHeaders{}, []byte(`{}`))
	if !errors.Is(err, ErrMissingAuth) {
		t.Fatalf("Verify returned %v, want ErrMissingAuth", err)
	}
}

func TestVerifyMissingSecret(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)

	err := v.Verify("", headersFor("msg_9", testNow.Unix(), body), body)
	if !errors.Is(err, ErrMissingAuth) {
		t.Fatalf("Verify returned %v, want ErrMissingAuth", err)
	}
}

func TestVerifyBadSecretEncoding(t *testing.T) {
	v := NewVerifierAt(func() time.Time { return testNow })
	body := []byte(`{}`)

	err := v.Verify("whsec_!!!not-base64!!!", headersFor("msg_10", testNow.Unix(), body), body)
	if !errors.Is(err, ErrBadSecret) {
		t.Fatalf("Verify returned %v, want ErrBadSecret", err)
	}
}

func TestVerifyLegacy(t *testing.T) {
	v := NewVerifier()

	if err := v.VerifyLegacy("shared", "shared"); err != nil {
		t.Errorf("matching legacy secret rejected: %v", err)
	}
	if err := v.VerifyLegacy("shared", "wrong"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("mismatched legacy secret returned %v", err)
	}
	if err := v.VerifyLegacy("shared", ""); !errors.Is(err, ErrMissingAuth) {
		t.Errorf("empty presented secret returned %v", err)
	}
}
