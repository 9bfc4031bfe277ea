package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256 of the body>" on
// inbound captures when a shared secret is configured.
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body. The
// comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) bool {
	if len(header) <= len(signaturePrefix) || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	received, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}
