package domain

import (
	"math/rand"
	"strings"
)

// codeAlphabet omits 0/O/1/I so codes survive being read aloud or typed
// from a projector screen.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// MinCodeLength is enforced on join input before any lookup.
const MinCodeLength = 4

// NewJoinCode generates a join code of n characters (minimum 4) from the
// unambiguous alphabet. Uniqueness is the store's job; callers retry on
// ErrCodeConflict.
func NewJoinCode(n int, rnd *rand.Rand) string {
	if n < MinCodeLength {
		n = MinCodeLength
	}
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(codeAlphabet[rnd.Intn(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeCode canonicalizes user input: codes are case-insensitive on
// the way in and stored uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
