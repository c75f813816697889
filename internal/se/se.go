// Package se implements String Encryption (spec.md §4.3): replaces every
// eligible constant string global with a ciphertext global plus a lazy
// self-modifying dispatch trampoline, and rewrites every user to call
// through the dispatch pointer instead of referencing the plaintext
// directly.
package se

import (
	mathrand "math/rand"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
	"github.com/chakravyuha/chakravyuha/internal/oracle"
)

// Metrics mirrors the SE_METRICS optional stderr line and
// obfuscationMetrics.stringEncryption from spec.md §6.
type Metrics struct {
	Count  int
	Method string
}

// Obfuscate discovers every string global in mod, skips any whose users
// live in a function the Safety Oracle rejects (spec.md §4.3 "Safety
// filter"), and replaces the rest with an encrypted trampoline. Running
// Obfuscate again on an already-obfuscated module is a no-op (spec.md §8
// "Idempotence"): once a string global is erased in favor of a ciphertext
// global, IsStringGlobal no longer recognizes the ciphertext global (it is
// not immutable), and snapshotStringGlobals skips every global this pass
// created (all named with a ".se." prefix, including the immutable key
// globals), so there is nothing left to re-encrypt.
func Obfuscate(mod *ir.Module, o *oracle.Oracle, rng *mathrand.Rand) Metrics {
	var m Metrics

	for _, g := range snapshotStringGlobals(mod) {
		users := findGlobalUsers(mod, g)
		if !o.MayTransformString(users) {
			continue
		}

		plain, ok := irfacade.StringGlobalBytes(g)
		if !ok {
			continue
		}

		scheme := RandomScheme(rng.Intn(4))
		cipher := Cipher{Scheme: scheme, Key: randomKeyMaterial(scheme, rng)}

		tramp := buildTrampoline(mod, cipher, plain)
		rewriteUsers(mod, g, tramp)
		removeGlobal(mod, g)

		m.Count++
		m.Method = scheme.String()
	}

	return m
}

func randomKeyMaterial(scheme Scheme, rng *mathrand.Rand) []byte {
	if scheme == SchemeSBox {
		return RandomPermutation(rng.Shuffle)
	}
	key := make([]byte, KeyLength)
	rng.Read(key)
	return key
}

// snapshotStringGlobals returns every string global currently in mod other
// than the ".se."-prefixed globals an earlier run of this pass created,
// taken up front so the loop that erases and replaces globals doesn't walk
// a slice it's mutating.
func snapshotStringGlobals(mod *ir.Module) []*ir.Global {
	var out []*ir.Global
	for _, g := range mod.Globals {
		if strings.HasPrefix(g.Name(), ".se.") {
			continue
		}
		if irfacade.IsStringGlobal(g) {
			out = append(out, g)
		}
	}
	return out
}

// findGlobalUsers returns the set of functions containing an instruction or
// terminator that references g, directly or through a getelementptr rooted
// at g.
func findGlobalUsers(mod *ir.Module, g *ir.Global) map[*ir.Func]bool {
	users := make(map[*ir.Func]bool)
	for _, fn := range mod.Funcs {
		if functionReferencesGlobal(fn, g) {
			users[fn] = true
		}
	}
	return users
}

func functionReferencesGlobal(fn *ir.Func, g *ir.Global) bool {
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			for _, op := range irfacade.Operands(inst) {
				if referencesGlobal(op, g) {
					return true
				}
			}
		}
		for _, op := range irfacade.TermOperands(block.Term) {
			if referencesGlobal(op, g) {
				return true
			}
		}
	}
	return false
}

func referencesGlobal(v value.Value, g *ir.Global) bool {
	switch x := v.(type) {
	case *ir.Global:
		return x == g
	case *ir.InstGetElementPtr:
		return x.Src == g
	default:
		return false
	}
}

// rewriteUsers implements spec.md §4.3's "Every instruction that previously
// used the plaintext global is rewritten to: load the dispatch pointer,
// call through it, and use the returned pointer in place of the original
// operand." Each distinct using instruction gets its own call so that, per
// spec, first access is resolved by whichever dispatch function the
// pointer currently holds at the moment of that particular call. A block's
// terminator can reference g too (a ret or switch fed straight from the
// global, say) — findGlobalUsers/functionReferencesGlobal already count
// those as uses via irfacade.TermOperands, so the rewrite has to cover them
// the same way or removeGlobal would delete a global the terminator still
// points at.
func rewriteUsers(mod *ir.Module, g *ir.Global, tramp *trampoline) {
	for _, fn := range mod.Funcs {
		for _, block := range fn.Blocks {
			insts := append([]ir.Instruction(nil), block.Insts...)
			for _, inst := range insts {
				rewriteInstructionUses(block, inst, g, tramp)
			}
			rewriteTerminatorUses(block, g, tramp)
		}
	}
}

func rewriteInstructionUses(block *ir.Block, inst ir.Instruction, g *ir.Global, tramp *trampoline) {
	replaced := false
	for _, op := range irfacade.Operands(inst) {
		if !referencesGlobal(op, g) || replaced {
			continue
		}
		replacement := insertDispatchCall(block, inst, tramp)
		irfacade.ReplaceOperand(inst, op, replacement)
		// ReplaceOperand rewrites every matching operand slot on inst in one
		// call, so a second occurrence of the same op in this instruction's
		// operand list (e.g. an instruction using g twice) is already gone;
		// looping again would only insert an unused extra dispatch call.
		replaced = true
	}
}

func rewriteTerminatorUses(block *ir.Block, g *ir.Global, tramp *trampoline) {
	replaced := false
	for _, op := range irfacade.TermOperands(block.Term) {
		if !referencesGlobal(op, g) || replaced {
			continue
		}
		replacement := insertDispatchCallBeforeTerm(block, tramp)
		irfacade.ReplaceTermOperand(block.Term, op, replacement)
		replaced = true
	}
}

// insertDispatchCall loads the dispatch pointer and calls through it,
// inserting the load+call immediately before before.
func insertDispatchCall(block *ir.Block, before ir.Instruction, tramp *trampoline) *ir.InstCall {
	pos := irfacade.IndexOf(block, before)
	if pos < 0 {
		pos = len(block.Insts)
	}
	return insertDispatchCallAt(block, pos, tramp)
}

// insertDispatchCallBeforeTerm is insertDispatchCall's terminator-operand
// counterpart: the terminator isn't in block.Insts, so the load+call simply
// goes at the end of the instruction list, immediately before it.
func insertDispatchCallBeforeTerm(block *ir.Block, tramp *trampoline) *ir.InstCall {
	return insertDispatchCallAt(block, len(block.Insts), tramp)
}

func insertDispatchCallAt(block *ir.Block, pos int, tramp *trampoline) *ir.InstCall {
	ptrLoad := ir.NewLoad(tramp.dispatchType, tramp.dispatchPtr)
	irfacade.AppendBefore(block, pos, ptrLoad)
	call := ir.NewCall(ptrLoad)
	irfacade.AppendBefore(block, pos+1, call)
	return call
}

func removeGlobal(mod *ir.Module, g *ir.Global) {
	kept := mod.Globals[:0]
	for _, cand := range mod.Globals {
		if cand != g {
			kept = append(kept, cand)
		}
	}
	mod.Globals = kept
}
