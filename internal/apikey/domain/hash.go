package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

const TokenPrefix = "clk_live_"

// DisplayPrefixLength is how much of the plaintext is kept for display.
const DisplayPrefixLength = 16

var tokenPattern = regexp.MustCompile(`^clk_live_[0-9a-z]{1,13}_[0-9a-f]{64}$`)

// HashAPIKey hashes the raw API key using the same strategy as key creation.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether raw has the shape of an issued key.
func WellFormed(raw string) bool {
	return tokenPattern.MatchString(raw)
}
