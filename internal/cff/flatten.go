package cff

import (
	mathrand "math/rand"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
)

// flattenResult reports what Flatten did to one function, feeding
// internal/report's CFF counters.
type flattenResult struct {
	flattenedBlocks int
}

// Flatten implements CFF's Steps B-F (spec.md §4.2) against a function
// already run through demoteSSA. It returns ok=false, with fn left
// untouched, if any non-entry block's terminator references a successor
// that would not end up in the block-identifier map (the entry block
// itself, reached by some back edge) — the "abort without partial changes"
// failure mode. Grounded on the teacher's internal/ctrlflow/transform.go
// applyFlattening (dispatcher construction, per-terminator block shuffling)
// and flattening.go, generalized from a phi-based "which fake block did we
// arrive from" scheme (the only rewrite Go SSA phis allow) to the
// stack-slot "switch on stored state" scheme spec.md §4.2 Step D
// prescribes, which demoteSSA already made possible by eliminating phis.
func Flatten(mod *ir.Module, fn *ir.Func, rng *mathrand.Rand) (flattenResult, bool) {
	entry := irfacade.EntryBlock(fn)
	if entry == nil || len(fn.Blocks) < 2 {
		return flattenResult{}, false
	}
	// An entry that already terminates in ret/unreachable has no next
	// state to dispatch to — rewriteTerminatorToState has no arm for that
	// terminator, so Step C's "translate the entry's terminator" would
	// silently store nothing into stateSlot before overwriting the ret
	// with a jump to the dispatcher, losing the function's return value.
	// Abort instead, same as the successor-mapping precondition below.
	if irfacade.IsExitTerminator(entry.Term) {
		return flattenResult{}, false
	}

	nonEntry := fn.Blocks[1:]

	// Step B — block enumeration.
	ids := make(map[*ir.Block]uint32, len(nonEntry))
	for i, block := range nonEntry {
		ids[block] = uint32(i + 1) // 0 reserved: "not a valid case", never stored
	}

	// Precondition check, so a failure never leaves partial rewrites
	// behind: every successor reachable from a non-entry terminator, and
	// from the entry terminator, must either be a supported exit (no
	// successors) or present in ids.
	for _, block := range fn.Blocks {
		if irfacade.IsExitTerminator(block.Term) {
			continue
		}
		for _, succ := range irfacade.Successors(block.Term) {
			if _, ok := ids[succ]; !ok {
				return flattenResult{}, false
			}
		}
	}

	demoteSSA(fn)

	stateSlot := irfacade.InsertAlloca(entry, types.I32, "")
	hardener := NewHardener(mod, rng)

	dispatcher := fn.NewBlock("")
	unreachableBlk := fn.NewBlock("")
	unreachableBlk.NewUnreachable()

	// Step C — state initialization: translate the entry's own terminator
	// using the same rules as Step E, then replace it with a jump to the
	// dispatcher.
	rewriteTerminatorToState(entry, stateSlot, ids, hardener)
	entry.Term = ir.NewBr(dispatcher)

	// Step D — dispatcher.
	loaded := dispatcher.NewLoad(types.I32, stateSlot)
	cases := make([]*ir.Case, 0, len(nonEntry))
	for _, block := range nonEntry {
		cases = append(cases, ir.NewCase(hardener.CaseLabel(ids[block]), block))
	}
	dispatcher.Term = ir.NewSwitch(loaded, unreachableBlk, cases...)

	// Step E — terminator rewriting for every original non-entry block.
	for _, block := range nonEntry {
		if irfacade.IsExitTerminator(block.Term) {
			continue
		}
		rewriteTerminatorToState(block, stateSlot, ids, hardener)
		block.Term = ir.NewBr(dispatcher)
	}

	// Step F — cleanup: drop any block no longer reachable from entry.
	removed := pruneUnreachable(fn)

	return flattenResult{flattenedBlocks: len(nonEntry) - removed}, true
}

// rewriteTerminatorToState translates block's terminator per spec.md §4.2
// Step E's mapping rules, storing the resulting next-state value into
// stateSlot. The terminator itself is replaced by the caller immediately
// after (br dispatcher for non-entry blocks; br dispatcher for entry too,
// per Step C).
func rewriteTerminatorToState(block *ir.Block, stateSlot *ir.InstAlloca, ids map[*ir.Block]uint32, h *Hardener) {
	switch term := block.Term.(type) {
	case *ir.TermBr:
		block.NewStore(h.EncodeStore(block, ids[term.Target.(*ir.Block)]), stateSlot)
	case *ir.TermCondBr:
		sel := block.NewSelect(term.Cond, h.EncodeStore(block, ids[term.TargetTrue.(*ir.Block)]), h.EncodeStore(block, ids[term.TargetFalse.(*ir.Block)]))
		block.NewStore(sel, stateSlot)
	case *ir.TermSwitch:
		acc := value.Value(h.EncodeStore(block, ids[term.TargetDefault.(*ir.Block)]))
		for _, c := range term.Cases {
			cmp := irfacade.ICmpEq(block, term.X, c.X)
			acc = block.NewSelect(cmp, h.EncodeStore(block, ids[c.Target.(*ir.Block)]), acc)
		}
		block.NewStore(acc, stateSlot)
	}
}

// pruneUnreachable removes any block not reachable from fn's entry via the
// current successor graph, returning the number removed.
func pruneUnreachable(fn *ir.Func) int {
	entry := fn.Blocks[0]
	reachable := map[*ir.Block]bool{entry: true}
	queue := []*ir.Block{entry}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, succ := range irfacade.Successors(b.Term) {
			if !reachable[succ] {
				reachable[succ] = true
				queue = append(queue, succ)
			}
		}
	}

	kept := fn.Blocks[:0]
	removed := 0
	for _, b := range fn.Blocks {
		if reachable[b] {
			kept = append(kept, b)
		} else {
			removed++
		}
	}
	fn.Blocks = kept
	return removed
}
