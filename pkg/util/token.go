package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func GenerateRequestID() string {
	return RandomHex(8)
}
