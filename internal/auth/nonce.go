package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	nonceLength   = 17
)

// GenerateNonce returns a random alphanumeric nonce suitable for a SIWE message
func GenerateNonce() (string, error) {
	max := big.NewInt(int64(len(nonceAlphabet)))
	out := make([]byte, nonceLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		out[i] = nonceAlphabet[n.Int64()]
	}
	return string(out), nil
}

// IsValidNonce reports whether s is at least 8 alphanumeric characters
func IsValidNonce(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
