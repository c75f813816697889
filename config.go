package main

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/report"
)

// passNames are the literal pass names the host pass-manager accepts
// (spec.md §6 "Pass names").
const (
	passStringEncrypt = "chakravyuha-string-encrypt"
	passFlattenCFG    = "chakravyuha-control-flow-flatten"
	passFakeCode      = "chakravyuha-fake-code-insertion"
	passEmitReport    = "chakravyuha-emit-report"
	passAll           = "chakravyuha-all"
)

// allPasses is the expansion of chakravyuha-all, run in the order spec.md §2
// calls "typical": SE → CFF → FCI → report.
var allPasses = []string{passStringEncrypt, passFlattenCFG, passFakeCode, passEmitReport}

// resolvePasses expands "chakravyuha-all" and validates every requested name
// against passNames, returning an error naming the first unknown one.
func resolvePasses(requested []string) ([]string, error) {
	var out []string
	for _, name := range requested {
		if name == passAll {
			out = append(out, allPasses...)
			continue
		}
		if !isKnownPass(name) {
			return nil, fmt.Errorf("unknown pass: %s", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func isKnownPass(name string) bool {
	switch name {
	case passStringEncrypt, passFlattenCFG, passFakeCode, passEmitReport:
		return true
	default:
		return false
	}
}

// targetPlatform inspects a module's target triple and classifies it per
// spec.md §6's "targetPlatform defaults by inspecting the module's target
// triple" — windows if the triple mentions it, linux otherwise (the only two
// values the schema allows).
func targetPlatform(mod *ir.Module) string {
	if strings.Contains(strings.ToLower(mod.TargetTriple), "windows") {
		return "windows"
	}
	return "linux"
}

// buildParams derives the inputParameters block from which passes were
// requested and the module itself.
func buildParams(mod *ir.Module, passes []string, obfuscationLevel string) report.InputParameters {
	params := report.InputParameters{
		ObfuscationLevel: obfuscationLevel,
		TargetPlatform:   targetPlatform(mod),
	}
	for _, p := range passes {
		switch p {
		case passStringEncrypt:
			params.EnableStringEncryption = true
		case passFlattenCFG:
			params.EnableControlFlowFlattening = true
		case passFakeCode:
			params.EnableFakeCodeInsertion = true
		}
	}
	return params
}
