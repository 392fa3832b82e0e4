// Package auth implements the HMAC request-signing protocol spoken by every
// client and worker, plus the CIDR source filtering applied per identity.
//
// Every non-public request carries three headers: the peer identity, an
// integer Unix-second timestamp, and a base64 HMAC-SHA256 signature over
//
//	METHOD|PATH|TIMESTAMP|HEX(SHA256(BODY))
//
// where METHOD is uppercase, PATH is the request path including the query
// string, and BODY is the raw request bytes (empty for GET). Signatures are
// compared in constant time. There is no nonce store: the timestamp window
// is the only replay bound.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names carried on every signed request.
const (
	HeaderClientID  = "X-DFFmpeg-Client-ID"
	HeaderTimestamp = "X-DFFmpeg-Timestamp"
	HeaderSignature = "X-DFFmpeg-Signature"
)

// DefaultMaxSkew is the accepted clock drift between peer and Coordinator.
// A request older (or newer) than this is rejected, which also bounds the
// replay window.
const DefaultMaxSkew = 30 * time.Second

// Verification failures. All of them surface to peers as the same 401; the
// distinct values exist so the middleware can log the real reason.
var (
	ErrMissingHeaders = errors.New("auth: missing signature headers")
	ErrBadTimestamp   = errors.New("auth: timestamp is not an integer")
	ErrClockSkew      = errors.New("auth: timestamp outside accepted window")
	ErrBadSignature   = errors.New("auth: signature mismatch")
)

// CanonicalString builds the exact byte string that is signed.
func CanonicalString(method, path string, timestamp int64, body []byte) string {
	bodyHash := sha256.Sum256(body)
	return strings.ToUpper(method) + "|" + path + "|" +
		strconv.FormatInt(timestamp, 10) + "|" + hex.EncodeToString(bodyHash[:])
}

// Sign computes the base64 signature for one request. The key is the
// identity's HMAC key exactly as issued (the base64 text itself is the key
// material; it is never decoded).
func Sign(key []byte, method, path string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(CanonicalString(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature against the expected one for the given
// request parts. The timestamp is validated against now ± maxSkew first, so
// an expired request fails before any HMAC work.
func Verify(key []byte, method, path string, timestamp int64, body []byte, signature string, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	drift := now.Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > maxSkew {
		return ErrClockSkew
	}

	presented, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: not valid base64", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(CanonicalString(method, path, timestamp, body)))
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(presented, expected) != 1 {
		return ErrBadSignature
	}
	return nil
}

// SignRequest stamps the three signature headers onto req. body must be the
// exact bytes the request will carry (nil for body-less requests). Used by
// tests and by any Go peer implementation.
func SignRequest(req *http.Request, clientID string, key []byte, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set(HeaderClientID, clientID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(key, req.Method, req.URL.RequestURI(), ts, body))
}

// GenerateKey issues a new identity HMAC key: 32 random bytes in base64.
// The base64 string is the key; peers use its bytes directly as HMAC input.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
