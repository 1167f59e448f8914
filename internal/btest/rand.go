package btest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns a byte slice of size sz
// containing pseudorandom data, derived from a seed based on the test name.
func RandomDataForTest(t testing.TB, sz int) []byte {
	out := make([]byte, sz)
	if _, err := NewChaCha8ForTest(t).Read(out); err != nil {
		panic(err)
	}

	return out
}

// NewChaCha8ForTest returns a deterministic source seeded from the test name,
// so that failing property checks can be reproduced by rerunning the test.
func NewChaCha8ForTest(t testing.TB) *rand.ChaCha8 {
	// Sha256 happens to be the right size for the chacha8 seed,
	// and this fits well anyway since that means
	// we are not limited by the length of any particular test name.
	seed := sha256.Sum256([]byte(t.Name()))
	return rand.NewChaCha8(seed)
}
