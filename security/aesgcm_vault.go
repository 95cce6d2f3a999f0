package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
)

const keySize = 32

type Option func(*AESGCMVault)

// WithRotationWindow limits when the vault may seal new secrets. Opening is
// never gated so rows written under an old window stay readable.
func WithRotationWindow(window KeyRotationWindow) Option {
	return func(vault *AESGCMVault) {
		vault.window = window
	}
}

func WithClock(clock func() time.Time) Option {
	return func(vault *AESGCMVault) {
		if clock != nil {
			vault.now = clock
		}
	}
}

func WithRandom(reader io.Reader) Option {
	return func(vault *AESGCMVault) {
		if reader != nil {
			vault.random = reader
		}
	}
}

// AESGCMVault seals secrets with AES-256-GCM under a single 32 byte key.
type AESGCMVault struct {
	aead   cipher.AEAD
	window KeyRotationWindow
	now    func() time.Time
	random io.Reader
}

func NewAESGCMVault(key []byte, opts ...Option) (*AESGCMVault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("security: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	vault := &AESGCMVault{
		aead:   aead,
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(vault)
	}
	return vault, nil
}

// NewAESGCMVaultFromString accepts the key as 32 raw bytes, 64 hex
// characters or base64 of 32 bytes.
func NewAESGCMVaultFromString(material string, opts ...Option) (*AESGCMVault, error) {
	key, err := ParseKey(material)
	if err != nil {
		return nil, err
	}
	return NewAESGCMVault(key, opts...)
}

func ParseKey(material string) ([]byte, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, fmt.Errorf("security: key material is required")
	}
	if len(trimmed) == keySize {
		return []byte(trimmed), nil
	}
	if len(trimmed) == keySize*2 {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
	}
	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := encoding.DecodeString(trimmed)
		if err == nil && len(decoded) == keySize {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("security: key must be 32 bytes as raw, hex or base64")
}

// GenerateKey returns a fresh key in hex, suitable for ParseKey.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("security: key generation failed: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func (v *AESGCMVault) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	if v == nil || v.aead == nil {
		return "", core.NewEncryptionError(nil, "security: vault is not configured")
	}
	if !v.window.Allows(v.now()) {
		return "", core.NewEncryptionError(nil, "security: key is outside its rotation window")
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return "", core.NewEncryptionError(err, "security: iv generation failed")
	}
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	return splitSealed(iv, sealed).String(), nil
}

func (v *AESGCMVault) Decrypt(_ context.Context, blob string) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, core.NewEncryptionError(nil, "security: vault is not configured")
	}
	secret, err := ParseSealedSecret(blob)
	if err != nil {
		return nil, core.NewEncryptionError(err, "security: malformed sealed secret")
	}
	plaintext, err := v.aead.Open(nil, secret.IV, secret.sealed(), nil)
	if err != nil {
		return nil, core.NewEncryptionError(err, "security: authentication tag mismatch")
	}
	return plaintext, nil
}

func (v *AESGCMVault) CanDecrypt(blob string) bool {
	_, err := ParseSealedSecret(blob)
	return err == nil
}

var _ core.CredentialVault = (*AESGCMVault)(nil)
