// Package fci implements Fake Code Insertion (spec.md §4.4): splices
// never-executed junk blocks behind a literal-false conditional branch.
package fci

import (
	mathrand "math/rand"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
	"github.com/chakravyuha/chakravyuha/internal/oracle"
)

// Nmax bounds how many predecessor edges a single function gets spliced on
// (spec.md §4.4 "pick up to Nmax = 15").
const Nmax = 15

// Metrics mirrors the FCI_METRICS optional stderr line and
// obfuscationMetrics.fakeCodeInsertion from spec.md §6.
type Metrics struct {
	FunctionsTouched int
	BlocksInserted   int
}

// Obfuscate splices fake blocks into every function the Safety Oracle
// accepts for FCI.
func Obfuscate(mod *ir.Module, o *oracle.Oracle, rng *mathrand.Rand) Metrics {
	var m Metrics
	for _, fn := range mod.Funcs {
		if !o.MayTransformFCI(fn) {
			continue
		}
		inserted := spliceFunc(fn, rng)
		if inserted > 0 {
			m.FunctionsTouched++
			m.BlocksInserted += inserted
		}
	}
	return m
}

// eligiblePredecessors returns every block in fn whose terminator has
// exactly one successor, and whose successor's first instruction is not a
// phi (spec.md §4.4 "An eligible predecessor is a block whose terminator has
// exactly one successor and whose successor's first instruction is not a
// phi").
func eligiblePredecessors(fn *ir.Func) []*ir.Block {
	var out []*ir.Block
	for _, block := range fn.Blocks {
		succs := irfacade.Successors(block.Term)
		if len(succs) != 1 {
			continue
		}
		succ := succs[0]
		if len(succ.Insts) > 0 {
			if _, isPhi := succ.Insts[0].(*ir.InstPhi); isPhi {
				continue
			}
		}
		out = append(out, block)
	}
	return out
}

// spliceFunc picks up to Nmax eligible predecessors uniformly at random and
// splices a fake block behind each, returning the number of fake blocks
// inserted.
func spliceFunc(fn *ir.Func, rng *mathrand.Rand) int {
	eligible := eligiblePredecessors(fn)
	if len(eligible) == 0 {
		return 0
	}

	rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	count := rng.Intn(Nmax + 1)
	if count > len(eligible) {
		count = len(eligible)
	}

	var sink *ir.InstAlloca
	inserted := 0
	for _, pred := range eligible[:count] {
		if sink == nil {
			sink = irfacade.InsertAlloca(irfacade.EntryBlock(fn), types.I32, "")
		}
		spliceOne(fn, pred, rng, sink)
		inserted++
	}
	return inserted
}

// spliceOne implements spec.md §4.4 steps 1-4 for a single chosen
// predecessor: synthesize a fake block terminated by a branch back to the
// original successor, then replace pred's terminator with a conditional
// branch on literal false, fake block on the true arm, original successor on
// the false arm. The true-arm placement looks backwards — a constant-folder
// would prune the fake block as unreachable — but it is specified behavior,
// not a bug, and is preserved as-is rather than swapped.
func spliceOne(fn *ir.Func, pred *ir.Block, rng *mathrand.Rand, sink *ir.InstAlloca) {
	succ := irfacade.Successors(pred.Term)[0]

	// NewBlock appends fake to fn.Blocks; block order has no effect on
	// control flow (that's entirely terminator-driven), so no further
	// reordering is needed to place it "before" succ in any meaningful sense.
	fake := fn.NewBlock("")

	last := generateJunkInsts(fake, rng)
	store := fake.NewStore(last, sink)
	store.Volatile = true
	fake.NewBr(succ)

	falseConst := constant.NewInt(types.I1, 0)
	pred.Term = ir.NewCondBr(falseConst, fake, succ)
}
