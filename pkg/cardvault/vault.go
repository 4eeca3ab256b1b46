package cardvault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

var (
	ErrKeyMissing    = errors.New("card_vault_key_missing")
	ErrInvalidSealed = errors.New("invalid_sealed_payload")
)

// Vault seals card data with XChaCha20-Poly1305.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from CARD_VAULT_KEY. A base64 value that decodes to 32
// bytes is used as the key directly; any other value is hashed with SHA-256.
func New(secret string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrKeyMissing
	}
	aead, err := chacha20poly1305.NewX(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

func deriveKey(secret string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return raw
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Seal encrypts plaintext and returns "v1:" + base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext []byte) (string, error) {
	if v == nil || v.aead == nil {
		return "", ErrKeyMissing
	}
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := v.aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (v *Vault) Open(sealed string) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, ErrKeyMissing
	}
	encoded, ok := strings.CutPrefix(strings.TrimSpace(sealed), sealedPrefix)
	if !ok {
		return nil, ErrInvalidSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidSealed
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, ErrInvalidSealed
	}
	nonce, ciphertext := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSealed, err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (v *Vault) SealJSON(value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return v.Seal(payload)
}

func (v *Vault) OpenJSON(sealed string, out any) error {
	payload, err := v.Open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
