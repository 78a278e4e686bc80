// Package signer issues and verifies the opaque tokens that stand in for upstream
// sub-resource URLs inside rewritten playlists.
//
// A token is base64url(url) + "." + base64url(HMAC-SHA256(key, base64url(url))), both parts
// unpadded, with key = SHA-256(secret). Tokens carry no expiry; their lifetime is bounded by
// the session they are presented with.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidToken covers every verification failure; callers never learn which check failed.
var ErrInvalidToken = errors.New("invalid token")

var b64 = base64.RawURLEncoding

// Signer is stateless after construction and safe for concurrent use.
type Signer struct {
	key []byte
}

func New(secret string) *Signer {
	sum := sha256.Sum256([]byte(secret))
	return &Signer{key: sum[:]}
}

// Sign is deterministic for a given secret and URL.
func (s *Signer) Sign(upstreamURL string) string {
	payload := b64.EncodeToString([]byte(upstreamURL))
	return payload + "." + s.mac(payload)
}

// Verify returns the URL a token was issued for.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidToken
	}

	if !hmac.Equal([]byte(s.mac(parts[0])), []byte(parts[1])) {
		return "", ErrInvalidToken
	}

	raw, err := b64.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(raw), nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return b64.EncodeToString(h.Sum(nil))
}
