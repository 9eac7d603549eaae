package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of specified length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	var result strings.Builder
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// ContentHash derives a stable, collision-resistant short id from
// content's bytes, optionally prefixed. Identical content under the same
// prefix always yields the same id — used for blob-chunk keys, where
// re-uploading an identical chunk must land on the key already storing
// it instead of duplicating it.
func ContentHash(prefix string, content []byte, length int) string {
	hash := sha256.Sum256(content)

	var numBytes int
	switch {
	case length <= 3:
		numBytes = 2
	case length <= 5:
		numBytes = 4
	default:
		numBytes = 5
	}

	short := EncodeBase36(hash[:numBytes], length)
	if prefix == "" {
		return short
	}
	return fmt.Sprintf("%s-%s", prefix, short)
}
