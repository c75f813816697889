// Package cff implements Control-Flow Flattening (spec.md §4.2): rebuilds a
// function's CFG as a dispatcher that switches on a stack-resident state
// integer, after first demoting every SSA phi node (and any other
// cross-block value) to memory traffic.
package cff

import (
	mathrand "math/rand"

	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/oracle"
)

// Metrics mirrors the CFF_METRICS optional stderr line and
// obfuscationMetrics.controlFlowFlattening from spec.md §6.
type Metrics struct {
	FlattenedFunctions int
	FlattenedBlocks    int
	SkippedFunctions   int
}

// Obfuscate runs CFF over every function in mod that the Safety Oracle
// accepts. Functions the oracle rejects, or for which Flatten detects an
// unmappable successor, are left untouched and counted as skipped — CFF
// never partially rewrites a function (spec.md §4.2 "Failure semantics").
func Obfuscate(mod *ir.Module, o *oracle.Oracle, rng *mathrand.Rand) Metrics {
	var m Metrics
	for _, fn := range mod.Funcs {
		if !o.MayTransformCFF(fn) {
			m.SkippedFunctions++
			continue
		}
		result, ok := Flatten(mod, fn, rng)
		if !ok {
			m.SkippedFunctions++
			continue
		}
		m.FlattenedFunctions++
		m.FlattenedBlocks += result.flattenedBlocks
	}
	return m
}
