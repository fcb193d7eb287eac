// Package location derives concentration-risk bucketing keys from raw
// textual coordinates.
//
// Coordinates arrive as free text from quote requests. Textually different
// but numerically equal coordinates ("40.7128" vs "40.71280") must collide
// to the same key, otherwise per-location exposure limits could be bypassed
// by appending zeros. Normalization trims whitespace and strips
// insignificant trailing zero digits after a decimal point before hashing.
package location

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyLen is the number of hex characters kept from the coordinate hash.
const KeyLen = 16

// Normalize canonicalizes a single coordinate string: surrounding whitespace
// is trimmed, and if the value contains a decimal point, trailing zeros (and
// a then-trailing point) are removed. Values without a decimal point are
// returned as-is so "100" and "1" stay distinct.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Key returns the location key for a latitude/longitude pair: the first
// KeyLen hex characters of the SHA-256 of the normalized pair.
func Key(lat, lon string) string {
	canonical := Normalize(lat) + ":" + Normalize(lon)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:KeyLen]
}
