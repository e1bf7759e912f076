package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Relayer authentication header names.
const (
	HeaderAPIKey     = "RELAYER_API_KEY"
	HeaderTimestamp  = "RELAYER_TIMESTAMP"
	HeaderPassphrase = "RELAYER_PASSPHRASE"
	HeaderSignature  = "RELAYER_SIGNATURE"
	HeaderAddress    = "RELAYER_ADDRESS"
)

// HMACAuth holds the credentials required for HMAC-authenticated relayer
// requests.
type HMACAuth struct {
	Key        string
	Secret     string // base64-encoded; raw bytes are used if decoding fails
	Passphrase string
}

// Headers returns the authentication headers for a relayer request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
func (h *HMACAuth) Headers(address, method, path, body string) map[string]string {
	return h.HeadersAt(address, method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		// Fall back to raw bytes so the caller gets an obviously-wrong
		// signature rather than a panic.
		secretBytes = []byte(h.Secret)
	}

	headers := map[string]string{
		HeaderAPIKey:     h.Key,
		HeaderTimestamp:  ts,
		HeaderPassphrase: h.Passphrase,
		HeaderSignature:  hmacSHA256Base64(secretBytes, ts+method+path+body),
	}
	if address != "" {
		headers[HeaderAddress] = address
	}
	return headers
}

// Enabled reports whether credentials are configured.
func (h *HMACAuth) Enabled() bool {
	return h != nil && h.Key != "" && h.Secret != ""
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
