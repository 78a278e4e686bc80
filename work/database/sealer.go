package database

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "playback-proxy/session-headers"

var ErrUnseal = errors.New("failed to unseal session headers")

// Sealer encrypts session headers before they are written to disk. Upstream
// headers routinely carry credentials (cookies, bearer tokens), so they are
// never stored in clear.
//
// Sealed form: base64url(nonce | ciphertext+tag), XChaCha20-Poly1305. The
// session id is bound as associated data so a row's headers cannot be
// transplanted onto another row.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from a 64-char hex key, or derives one from the
// signing secret with HKDF-SHA256 when keyHex is empty.
func NewSealer(keyHex, secret string) (*Sealer, error) {
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, errors.New("credential key must be 64 hex characters")
		}
		return &Sealer{key: key}, nil
	}

	if secret == "" {
		return nil, errors.New("either a credential key or a signing secret is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealerInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encodes headers as JSON and encrypts them.
func (s *Sealer) Seal(sessionID string, headers map[string]string) (string, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	plain, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plain, []byte(sessionID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any tampering, wrong key or wrong session id fails with ErrUnseal.
func (s *Sealer) Open(sessionID, sealed string) (map[string]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrUnseal
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnseal
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, ErrUnseal
	}

	headers := map[string]string{}
	if err := json.Unmarshal(plain, &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return headers, nil
}
