package notifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the HMAC-SHA256 signature of body in "sha256=<hex>" form.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign using a constant-time compare.
// Plain hex without the prefix is accepted as well.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
