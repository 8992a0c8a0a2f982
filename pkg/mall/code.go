package mall

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	codePrefix       = "RD"
	codeRandomLength = 8
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeSuffixModulo = 10000
)

// GenerateCode produces a redemption code: a fixed prefix, eight uniform
// uppercase alphanumerics, and the low four digits of the supplied epoch
// second. Uniqueness is statistical; the persistence layer enforces it with
// a unique index and callers retry on conflict.
func GenerateCode(nowUnixUTC int64) (string, error) {
	random := make([]byte, codeRandomLength)
	alphabetSize := big.NewInt(int64(len(codeAlphabet)))
	for position := range random {
		index, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("redemption code entropy: %w", err)
		}
		random[position] = codeAlphabet[index.Int64()]
	}
	suffix := nowUnixUTC % codeSuffixModulo
	if suffix < 0 {
		suffix = -suffix
	}
	return fmt.Sprintf("%s%s%04d", codePrefix, random, suffix), nil
}
