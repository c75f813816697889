package main

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
)

var flagSet = flag.NewFlagSet("chakravyuha", flag.ContinueOnError)

func init() {
	flagSet.Usage = usage
	flagSet.StringVar(&obfuscationLevel, "obfuscation-level", "medium", "value recorded in the report's inputParameters.obfuscationLevel")
	flagSet.Var(&seed, "seed", `random seed, or "random" (base64, at least 8 bytes); default: a fresh true-random seed each run`)
}

// obfuscationLevel is recorded verbatim into the report's inputParameters
// (spec.md §6); the core passes themselves have no notion of "levels" — it
// is host-supplied metadata.
var obfuscationLevel string

// seed is the -seed flag; 0 (its zero value) tells obfrand.New to draw a
// fresh true-random seed, mirroring the teacher's seedFlag default.
var seed seedValue

// seedValue implements flag.Value, parsing a base64-encoded seed the same
// way the teacher's cli.go seedFlag does, simplified to a plain int64 (the
// core's rng needs no more than math/rand's 64-bit state).
type seedValue int64

func (s seedValue) String() string {
	if s == 0 {
		return ""
	}
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(int64(s) >> (8 * i))
	}
	return base64.RawStdEncoding.EncodeToString(buf[:])
}

func (s *seedValue) Set(v string) error {
	if v == "random" {
		var buf [8]byte
		if _, err := cryptorand.Read(buf[:]); err != nil {
			return fmt.Errorf("error generating random seed: %v", err)
		}
		*s = seedValue(decodeLE(buf[:]))
		return nil
	}
	v = strings.TrimRight(v, "=")
	decoded, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("error decoding seed: %v", err)
	}
	if len(decoded) < 8 {
		return fmt.Errorf("-seed needs at least 8 bytes, have %d", len(decoded))
	}
	*s = seedValue(decodeLE(decoded[:8]))
	return nil
}

func decodeLE(b []byte) int64 {
	var v int64
	for i, x := range b {
		v |= int64(x) << (8 * i)
	}
	return v
}

func usage() {
	fmt.Fprint(os.Stderr, `
chakravyuha obfuscates an LLVM IR module by rewriting it in place.

	chakravyuha [flags] <input.ll> <output.ll> <pass> [pass...]

Passes:

	chakravyuha-string-encrypt           string encryption (SE)
	chakravyuha-control-flow-flatten     control-flow flattening (CFF)
	chakravyuha-fake-code-insertion      fake code insertion (FCI)
	chakravyuha-emit-report              emit the final JSON report on stderr
	chakravyuha-all                      the above four, in that order

Flags:

`[1:])
	flagSet.PrintDefaults()
}
