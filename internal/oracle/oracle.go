// Package oracle implements the Safety Oracle (spec.md §4.1): the single
// shared decision of whether a function may be transformed by CFF, SE, or
// FCI. The oracle is pure — it reports, it never mutates the module.
package oracle

import (
	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
)

// nonLocalJumpNames are the by-name call targets that mark a function as
// using non-local control transfer, per spec.md §4.1 rule 4.
var nonLocalJumpNames = []string{"setjmp", "_setjmp", "longjmp"}

// Oracle answers may-transform queries for a single module. Construct one
// per module per pass via New; the transitive closure is computed once and
// cached for the lifetime of the Oracle, per spec.md §4.1 ("computed once
// per pass over a module").
type Oracle struct {
	mod    *ir.Module
	unsafe map[*ir.Func]bool
}

// New builds an Oracle for mod, eagerly computing the rule-3/rule-4
// transitive-unsafe closure over the call graph.
func New(mod *ir.Module) *Oracle {
	o := &Oracle{mod: mod}
	o.unsafe = computeUnsafeClosure(mod)
	return o
}

// MayTransformCFF reports whether fn may be rewritten by Control-Flow
// Flattening: not a declaration, at least two blocks, no inline asm or
// setjmp/longjmp call (transitively), and every terminator in the function
// is one CFF understands.
func (o *Oracle) MayTransformCFF(fn *ir.Func) bool {
	if o.isDeclOrIntrinsic(fn) {
		return false
	}
	if len(fn.Blocks) < 2 {
		return false
	}
	if o.unsafe[fn] {
		return false
	}
	for _, block := range fn.Blocks {
		if !irfacade.IsSupportedTerminator(block.Term) {
			return false
		}
	}
	return true
}

// MayTransformFCI reports whether fn is eligible for Fake Code Insertion:
// same rules as CFF minus the two-block-minimum (a single supported block
// still has eligible predecessor edges once FCI considers intra-function
// edges, though in practice a one-block function has none).
func (o *Oracle) MayTransformFCI(fn *ir.Func) bool {
	if o.isDeclOrIntrinsic(fn) {
		return false
	}
	if o.unsafe[fn] {
		return false
	}
	for _, block := range fn.Blocks {
		if !irfacade.IsSupportedTerminator(block.Term) {
			return false
		}
	}
	return true
}

// MayTransformString reports whether every user of g lives in a function
// the oracle considers safe (spec.md §4.1 rule 6, and §4.3 "Safety
// filter"). users is the set of functions that contain an instruction
// referencing g; it is the caller's responsibility to gather it (SE already
// walks every function to find string users for rewriting, so it builds
// this set for free).
func (o *Oracle) MayTransformString(users map[*ir.Func]bool) bool {
	for fn := range users {
		if o.unsafe[fn] {
			return false
		}
	}
	return true
}

func (o *Oracle) isDeclOrIntrinsic(fn *ir.Func) bool {
	if len(fn.Blocks) == 0 {
		return true // declaration-only
	}
	return isIntrinsicName(fn.Name())
}

func isIntrinsicName(name string) bool {
	// LLVM reserves the "llvm." namespace for intrinsics; a front end never
	// hands us a definition for one, but we check defensively since the
	// oracle must never transform an intrinsic.
	const prefix = "llvm."
	if len(name) < len(prefix) {
		return false
	}
	return name[:len(prefix)] == prefix
}

// isUnsafeLeaf reports whether fn is unsafe independent of its callees:
// inline asm, or a by-name call to setjmp/_setjmp/longjmp (spec.md §4.1
// rules 3-4).
func isUnsafeLeaf(fn *ir.Func) bool {
	if irfacade.HasInlineAsmCall(fn) {
		return true
	}
	return irfacade.CallsByName(fn, nonLocalJumpNames...)
}

// hasUnsupportedControlFlow reports rule 5: an exception landing/dispatch
// block or an unsupported terminator anywhere in fn.
func hasUnsupportedControlFlow(fn *ir.Func) bool {
	for _, block := range fn.Blocks {
		if !irfacade.IsSupportedTerminator(block.Term) {
			return true
		}
	}
	return false
}

// computeUnsafeClosure computes the set of functions that are unsafe either
// directly (isUnsafeLeaf) or transitively, because they call (directly or
// through any chain of direct calls) a function that is unsafe. This is a
// backwards-reachability fixed point: start from the leaves, then
// repeatedly pull in any caller of a newly-marked function, until no more
// functions are added. Mutual recursion resolves correctly: if A calls B
// and B calls A, and either is a leaf-unsafe, both end up in the set in the
// same or a subsequent round; if neither is leaf-unsafe, neither is ever
// added, which matches spec.md §4.1's "become unsafe" tie-break (there is
// nothing unsafe to propagate).
func computeUnsafeClosure(mod *ir.Module) map[*ir.Func]bool {
	unsafe := make(map[*ir.Func]bool)

	// callers[callee] = set of functions that directly call callee.
	callers := make(map[*ir.Func][]*ir.Func)
	for _, fn := range mod.Funcs {
		direct, hasIndirect := irfacade.CalledFuncs(fn)
		if hasIndirect {
			// A call through an unresolved function pointer could reach
			// anything, including an unsafe function; conservatively mark
			// the caller unsafe up front rather than trying to track it
			// through the fixed point.
			unsafe[fn] = true
		}
		for _, callee := range direct {
			callers[callee] = append(callers[callee], fn)
		}
	}

	var worklist []*ir.Func
	for _, fn := range mod.Funcs {
		if !unsafe[fn] && isUnsafeLeaf(fn) {
			unsafe[fn] = true
			worklist = append(worklist, fn)
		}
	}
	// Seed the worklist with the conservatively-marked indirect-call
	// functions too, so their callers inherit unsafety.
	for _, fn := range mod.Funcs {
		if unsafe[fn] {
			alreadyQueued := false
			for _, w := range worklist {
				if w == fn {
					alreadyQueued = true
					break
				}
			}
			if !alreadyQueued {
				worklist = append(worklist, fn)
			}
		}
	}

	for len(worklist) > 0 {
		fn := worklist[0]
		worklist = worklist[1:]
		for _, caller := range callers[fn] {
			if !unsafe[caller] {
				unsafe[caller] = true
				worklist = append(worklist, caller)
			}
		}
	}

	return unsafe
}
