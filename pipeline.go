package main

import (
	"fmt"
	"io"
	mathrand "math/rand"

	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/cff"
	"github.com/chakravyuha/chakravyuha/internal/fci"
	"github.com/chakravyuha/chakravyuha/internal/oracle"
	"github.com/chakravyuha/chakravyuha/internal/report"
	"github.com/chakravyuha/chakravyuha/internal/se"
)

// runPipeline runs passes, in order, over mod, recording every pass's
// outcome into rpt and writing the optional per-pass metric line (spec.md
// §6 point 1) to metricsOut. It is the host pass-manager's entire job
// (spec.md §2 "Data flow for a single module"): invoke passes in the
// caller's chosen order, consult the oracle per function inside each pass,
// mutate in place, and update counters.
func runPipeline(mod *ir.Module, passes []string, rpt *report.Report, rng *mathrand.Rand, metricsOut io.Writer) {
	for _, name := range passes {
		switch name {
		case passStringEncrypt:
			o := oracle.New(mod)
			m := se.Obfuscate(mod, o, rng)
			rpt.RecordPassRun(name)
			for i := 0; i < m.Count; i++ {
				rpt.AddStringEncryption(m.Method)
			}
			fmt.Fprintln(metricsOut, rpt.MetricLine("SE_METRICS", map[string]int{
				"count": m.Count,
			}))
		case passFlattenCFG:
			o := oracle.New(mod)
			m := cff.Obfuscate(mod, o, rng)
			rpt.RecordPassRun(name)
			rpt.AddCFFTotals(m.FlattenedFunctions, m.FlattenedBlocks, m.SkippedFunctions)
			fmt.Fprintln(metricsOut, rpt.MetricLine("CFF_METRICS", map[string]int{
				"flattenedFunctions": m.FlattenedFunctions,
				"flattenedBlocks":    m.FlattenedBlocks,
				"skippedFunctions":   m.SkippedFunctions,
			}))
		case passFakeCode:
			o := oracle.New(mod)
			m := fci.Obfuscate(mod, o, rng)
			rpt.RecordPassRun(name)
			rpt.AddFCIBlocks(m.BlocksInserted)
			fmt.Fprintln(metricsOut, rpt.MetricLine("FCI_METRICS", map[string]int{
				"functionsTouched": m.FunctionsTouched,
				"insertedBlocks":   m.BlocksInserted,
			}))
		case passEmitReport:
			rpt.RecordPassRun(name)
		}
	}
}
