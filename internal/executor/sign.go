package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderTS        = "X-TrustGate-Ts"
	HeaderNonce     = "X-TrustGate-Nonce"
	HeaderSignature = "X-TrustGate-Signature"

	// SignatureWindow bounds the clock skew a seller should accept.
	SignatureWindow = 5 * time.Minute
)

func canonicalString(ts, method, path, nonce string, body []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + strings.TrimSpace(nonce) + "\n" + string(body)
}

func signHMAC(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign stamps req with a timestamp, a nonce and an HMAC-SHA256 signature over
// both plus the method, path and body.
func Sign(req *http.Request, body []byte, secret []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := uuid.NewString()
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	req.Header.Set(HeaderTS, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, signHMAC(secret, canonicalString(ts, req.Method, path, nonce, body)))
}

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrStaleSignature   = errors.New("timestamp outside window")
	ErrBadSignature     = errors.New("bad signature")
)

// Verify checks a signed request as a seller would. body is the raw request
// body.
func Verify(r *http.Request, body []byte, secret []byte, now time.Time) error {
	ts := strings.TrimSpace(r.Header.Get(HeaderTS))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if ts == "" || nonce == "" || sig == "" {
		return ErrMissingSignature
	}
	tsMS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrStaleSignature
	}
	if d := now.UnixMilli() - tsMS; d > SignatureWindow.Milliseconds() || d < -SignatureWindow.Milliseconds() {
		return ErrStaleSignature
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	exp := signHMAC(secret, canonicalString(ts, r.Method, path, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(exp)) {
		return ErrBadSignature
	}
	return nil
}
