package util

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentDigest returns a quoted strong ETag for content.
func ContentDigest(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
