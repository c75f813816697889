// Copyright (c) 2019, Daniel Martí <mvdan@mvdan.cc>
// See LICENSE for licensing information

package main

import (
	"fmt"
	"os"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/obfrand"
	"github.com/chakravyuha/chakravyuha/internal/report"
)

func main() { os.Exit(main1()) }

func main1() int {
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return 2
	}
	args := flagSet.Args()
	if len(args) < 3 {
		flagSet.Usage()
		return 2
	}
	inputFile, outputFile, passArgs := args[0], args[1], args[2:]

	passes, err := resolvePasses(passArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	mod, err := asm.ParseFile(inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing %s: %v\n", inputFile, err)
		return 1
	}

	rng := obfrand.New(int64(seed))

	rpt := report.New(inputFile, outputFile, buildParams(mod, passes, obfuscationLevel))
	rpt.SnapshotInitial(mod)

	runPipeline(mod, passes, rpt, rng, os.Stderr)

	rpt.SnapshotFinal(mod)

	if err := writeModule(mod, outputFile); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s: %v\n", outputFile, err)
		return 1
	}

	if containsPass(passes, passEmitReport) {
		if err := emitFinalReport(rpt); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	return 0
}

func containsPass(passes []string, name string) bool {
	for _, p := range passes {
		if p == name {
			return true
		}
	}
	return false
}

// writeModule prints mod's textual IR form to outputFile — the "file I/O of
// the IR module" spec.md §1 explicitly places out of the core's scope; this
// is thin host glue, not a core pass.
func writeModule(mod *ir.Module, outputFile string) error {
	return os.WriteFile(outputFile, []byte(mod.String()), 0o644)
}
