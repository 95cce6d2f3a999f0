package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-channels/core"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// HMACVerifier checks an HMAC-SHA256 signature computed over the raw body.
type HMACVerifier struct {
	Prefix   string
	Encoding string // hex | base64
}

// DefaultHMACVerifier matches the X-Hub-Signature-256 "sha256=<hex>" form.
func DefaultHMACVerifier() HMACVerifier {
	return HMACVerifier{Prefix: signaturePrefix, Encoding: "hex"}
}

func (v HMACVerifier) Verify(secret string, signature string, body []byte) error {
	if secret == "" {
		return core.NewSignatureError("webhooks: signature secret is not configured")
	}
	signature = strings.TrimSpace(signature)
	if prefix := strings.TrimSpace(v.Prefix); prefix != "" {
		if !strings.HasPrefix(signature, prefix) {
			return core.NewSignatureError("webhooks: signature header must start with " + prefix)
		}
		signature = strings.TrimPrefix(signature, prefix)
	}
	if signature == "" {
		return core.NewSignatureError("webhooks: signature value is required")
	}

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return core.NewSignatureError("webhooks: signature is not decodable")
	}
	if !hmac.Equal(decoded, Sign(secret, body)) {
		return core.NewSignatureError("webhooks: signature verification failed")
	}
	return nil
}

// ValidSignature reports whether header is a valid sha256=<hex> signature of
// body under secret.
func ValidSignature(secret string, header string, body []byte) bool {
	return DefaultHMACVerifier().Verify(secret, header, body) == nil
}

func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue renders the header a provider would send for body.
func SignatureHeaderValue(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}

// VerifyChallenge answers the subscription handshake. The challenge is echoed
// only for mode "subscribe" and an exact token match; neither side is trimmed.
func VerifyChallenge(expectedToken, mode, token, challenge string) (string, error) {
	if expectedToken == "" {
		return "", core.NewVerificationFailedError("webhooks: verify token is not configured")
	}
	if mode != "subscribe" {
		return "", core.NewVerificationFailedError("webhooks: unsupported hub.mode")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return "", core.NewVerificationFailedError("webhooks: verify token mismatch")
	}
	return challenge, nil
}
