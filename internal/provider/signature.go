package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyHMACSHA256 checks an HMAC-SHA256 signature of body. The signature may be hex or
// base64 encoded and may carry a "sha256=" prefix.
func VerifyHMACSHA256(body []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if got, err := hex.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	if got, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	return false
}

// SignHex returns the hex HMAC-SHA256 of body, the format the provider sends.
func SignHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 returns the base64 HMAC-SHA256 of body, the format commerce platforms send.
func SignBase64(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
