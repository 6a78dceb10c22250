package alerting

import (
	"crypto/rand"
	"math/big"
)

const (
	claimCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	ClaimCodeLength   = 5
)

// NewClaimCode returns a random case-sensitive alphanumeric code.
func NewClaimCode() (string, error) {
	max := big.NewInt(int64(len(claimCodeAlphabet)))
	code := make([]byte, ClaimCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = claimCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
