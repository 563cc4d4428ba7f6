// Package security signs outgoing panel requests and compares API keys.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

const SignatureHeader = "X-Provisioner-Signature"
const TimestampHeader = "X-Provisioner-Timestamp"

func ComputeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyHMAC(message []byte, secret string, signature string) bool {
	expected := ComputeHMAC(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func requestMessage(method, path string, timestamp int64, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+24)
	msg = append(msg, method...)
	msg = append(msg, '\n')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, timestamp, 10)
	msg = append(msg, '\n')
	return append(msg, body...)
}

// SignRequest signs "METHOD\nPATH\nTIMESTAMP\nBODY".
func SignRequest(method, path string, timestamp int64, body []byte, secret string) string {
	return ComputeHMAC(requestMessage(method, path, timestamp, body), secret)
}

// VerifyRequest checks a signature produced by SignRequest. This is what a
// panel runs on the X-Provisioner-* headers.
func VerifyRequest(method, path string, timestamp int64, body []byte, secret, signature string) bool {
	return VerifyHMAC(requestMessage(method, path, timestamp, body), secret, signature)
}

// KeysEqual compares two API keys in constant time.
func KeysEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateSecret returns bytesLen random bytes hex-encoded.
func GenerateSecret(bytesLen int) (string, error) {
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
