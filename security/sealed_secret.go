package security

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

// SealedSecret is an AES-256-GCM ciphertext split into its IV, auth tag and
// payload. The persisted form is "iv:tag:ciphertext", each segment hex.
type SealedSecret struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// ParseSealedSecret validates the persisted form without decrypting it.
func ParseSealedSecret(blob string) (SealedSecret, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return SealedSecret{}, fmt.Errorf("security: sealed secret must have 3 segments, got %d", len(parts))
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return SealedSecret{}, fmt.Errorf("security: decode iv: %w", err)
	}
	if len(iv) != ivSize {
		return SealedSecret{}, fmt.Errorf("security: iv must be %d bytes, got %d", ivSize, len(iv))
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return SealedSecret{}, fmt.Errorf("security: decode auth tag: %w", err)
	}
	if len(tag) != tagSize {
		return SealedSecret{}, fmt.Errorf("security: auth tag must be %d bytes, got %d", tagSize, len(tag))
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return SealedSecret{}, fmt.Errorf("security: decode ciphertext: %w", err)
	}
	return SealedSecret{IV: iv, Tag: tag, Ciphertext: ciphertext}, nil
}

func (s SealedSecret) String() string {
	return hex.EncodeToString(s.IV) + ":" + hex.EncodeToString(s.Tag) + ":" + hex.EncodeToString(s.Ciphertext)
}

// sealed returns ciphertext||tag, the layout crypto/cipher expects.
func (s SealedSecret) sealed() []byte {
	out := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	out = append(out, s.Ciphertext...)
	return append(out, s.Tag...)
}

func splitSealed(iv, sealed []byte) SealedSecret {
	cut := len(sealed) - tagSize
	return SealedSecret{
		IV:         append([]byte(nil), iv...),
		Tag:        append([]byte(nil), sealed[cut:]...),
		Ciphertext: append([]byte(nil), sealed[:cut]...),
	}
}
