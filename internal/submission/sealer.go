package submission

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/claims-intake-back/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// IdentitySealer encrypts identity fields that travel inside queued work
// items, so queue storage never holds them in clear text.
type IdentitySealer struct {
	aead cipher.AEAD
}

// NewIdentitySealer takes a base64 encoded 32 byte key. An empty key returns
// a nil sealer and identity travels unsealed.
func NewIdentitySealer(keyB64 string) (*IdentitySealer, error) {
	keyB64 = strings.TrimSpace(keyB64)
	if keyB64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode identity seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create identity sealer: %w", err)
	}
	return &IdentitySealer{aead: aead}, nil
}

func (s *IdentitySealer) Seal(identity domain.IdentityFields) ([]byte, error) {
	plaintext, err := json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *IdentitySealer) Open(sealed []byte) (domain.IdentityFields, error) {
	if len(sealed) < s.aead.NonceSize() {
		return domain.IdentityFields{}, errors.New("sealed identity too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.IdentityFields{}, fmt.Errorf("open sealed identity: %w", err)
	}
	var identity domain.IdentityFields
	if err := json.Unmarshal(plaintext, &identity); err != nil {
		return domain.IdentityFields{}, fmt.Errorf("decode identity: %w", err)
	}
	return identity, nil
}
