package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHMAC returns the hex encoded HMAC-SHA256 of message.
func ComputeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyHMAC(message []byte, secret string, signature string) bool {
	expected := ComputeHMAC(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
