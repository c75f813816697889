// Package obfrand provides the seeded pseudo-random generators the core
// passes use to make obfuscation choices (cipher scheme selection, junk
// block counts, dispatcher key material). Each pass gets its own generator,
// seeded from a true-random source at construction, mirroring garble's
// cli.go seedFlag: a process that always decrypts the same strings and
// flattens the same blocks the same way is not meaningfully obfuscated.
package obfrand

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
)

// New returns a math/rand generator seeded from a cryptographically random
// 64-bit value. Determinism is never required for correctness (spec.md §5);
// passing a non-zero seed is only useful for reproducing a test failure.
func New(seed int64) *mathrand.Rand {
	if seed == 0 {
		seed = trueRandomSeed()
	}
	return mathrand.New(mathrand.NewSource(seed))
}

func trueRandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("obfrand: couldn't read a true-random seed: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
