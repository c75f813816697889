package cff

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/chakravyuha/chakravyuha/internal/oracle"
)

// buildAbs builds `int abs(int x){ return x<0 ? -x : x; }` (spec.md §8
// scenario 2) as three blocks: entry (condbr), negate (computes -x), exit
// (phi + ret).
func buildAbs(mod *ir.Module) *ir.Func {
	fn := mod.NewFunc("abs", types.I32, ir.NewParam("x", types.I32))
	x := fn.Params[0]

	entry := fn.NewBlock("entry")
	negate := fn.NewBlock("negate")
	exit := fn.NewBlock("exit")

	cond := entry.NewICmp(enum.IPredSLT, x, constant.NewInt(types.I32, 0))
	entry.NewCondBr(cond, negate, exit)

	neg := negate.NewSub(constant.NewInt(types.I32, 0), x)
	negate.NewBr(exit)

	phi := exit.NewPhi(ir.NewIncoming(neg, negate), ir.NewIncoming(x, entry))
	exit.NewRet(phi)

	return fn
}

// buildSwitchFn builds the switch-flattening scenario from spec.md §8
// scenario 3: cases 1/2/3/4/5 return 100/200/300/500/500 (4 falls through
// to 5's block, so both cases target ret500), default (anything else)
// returns -1.
func buildSwitchFn(mod *ir.Module) *ir.Func {
	fn := mod.NewFunc("classify", types.I32, ir.NewParam("v", types.I32))
	v := fn.Params[0]

	entry := fn.NewBlock("entry")
	ret100 := fn.NewBlock("ret100")
	ret200 := fn.NewBlock("ret200")
	ret300 := fn.NewBlock("ret300")
	ret500 := fn.NewBlock("ret500")
	retDefault := fn.NewBlock("retDefault")

	entry.Term = ir.NewSwitch(v, retDefault,
		ir.NewCase(constant.NewInt(types.I32, 1), ret100),
		ir.NewCase(constant.NewInt(types.I32, 2), ret200),
		ir.NewCase(constant.NewInt(types.I32, 3), ret300),
		ir.NewCase(constant.NewInt(types.I32, 4), ret500),
		ir.NewCase(constant.NewInt(types.I32, 5), ret500),
	)
	ret100.NewRet(constant.NewInt(types.I32, 100))
	ret200.NewRet(constant.NewInt(types.I32, 200))
	ret300.NewRet(constant.NewInt(types.I32, 300))
	ret500.NewRet(constant.NewInt(types.I32, 500))
	retDefault.NewRet(constant.NewInt(types.I32, -1))

	return fn
}

func TestFlatten_abs_cfgShape(t *testing.T) {
	mod := ir.NewModule()
	fn := buildAbs(mod)
	rng := mathrand.New(mathrand.NewSource(1))

	result, ok := Flatten(mod, fn, rng)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(result.flattenedBlocks, 2)) // negate, exit (entry excluded)

	assertFlattenedShape(t, fn)
}

func TestFlatten_switch_cfgShape(t *testing.T) {
	mod := ir.NewModule()
	fn := buildSwitchFn(mod)
	rng := mathrand.New(mathrand.NewSource(2))

	_, ok := Flatten(mod, fn, rng)
	qt.Assert(t, qt.IsTrue(ok))

	assertFlattenedShape(t, fn)
}

// assertFlattenedShape checks the CFG-shape invariants from spec.md §8:
// exactly one dispatcher reachable from entry, every non-exit non-dispatcher
// block ends in store-state+br-dispatcher, and no phi nodes remain.
func assertFlattenedShape(t *testing.T, fn *ir.Func) {
	t.Helper()

	var dispatchers []*ir.Block
	for _, block := range fn.Blocks {
		if _, ok := block.Term.(*ir.TermSwitch); ok {
			dispatchers = append(dispatchers, block)
		}
		for _, inst := range block.Insts {
			if _, isPhi := inst.(*ir.InstPhi); isPhi {
				t.Fatalf("block %s still contains a phi node", block.Name())
			}
		}
	}
	qt.Assert(t, qt.Equals(len(dispatchers), 1))
	dispatcher := dispatchers[0]

	for _, block := range fn.Blocks {
		if block == dispatcher {
			continue
		}
		switch term := block.Term.(type) {
		case *ir.TermRet, *ir.TermUnreachable:
			// terminal block, fine
		case *ir.TermBr:
			qt.Assert(t, qt.Equals(term.Target.(*ir.Block), dispatcher))
			lastInst := block.Insts[len(block.Insts)-1]
			_, isStore := lastInst.(*ir.InstStore)
			qt.Assert(t, qt.IsTrue(isStore))
		default:
			t.Fatalf("block %s has unexpected terminator %T after flattening", block.Name(), block.Term)
		}
	}
}

func TestObfuscate_skipsUnsafeFunctions(t *testing.T) {
	mod := ir.NewModule()
	asmFn := mod.NewFunc("uses_asm", types.Void)
	entry := asmFn.NewBlock("entry")
	asmType := types.NewFunc(types.Void)
	asm := ir.NewInlineAsm(types.NewPointer(asmType), "nop", "")
	entry.NewCall(asm)
	second := asmFn.NewBlock("second")
	second.NewRet(nil)
	entry.Term = ir.NewBr(second)

	o := oracle.New(mod)
	rng := mathrand.New(mathrand.NewSource(3))
	metrics := Obfuscate(mod, o, rng)

	qt.Assert(t, qt.Equals(metrics.FlattenedFunctions, 0))
	qt.Assert(t, qt.Equals(metrics.SkippedFunctions, 1)) // oracle rejects it before Flatten runs; still counted as skipped
}

// buildExitTerminatedEntry builds a two-block function whose entry already
// returns, leaving a second block dead code unreachable from it — a
// pathological but well-formed shape Flatten must refuse rather than
// silently drop the return value from.
func buildExitTerminatedEntry(mod *ir.Module) *ir.Func {
	fn := mod.NewFunc("earlyReturn", types.I32, ir.NewParam("x", types.I32))
	entry := fn.NewBlock("entry")
	entry.NewRet(fn.Params[0])
	dead := fn.NewBlock("dead")
	dead.NewRet(constant.NewInt(types.I32, 0))
	return fn
}

func TestFlatten_exitTerminatedEntry_aborts(t *testing.T) {
	mod := ir.NewModule()
	fn := buildExitTerminatedEntry(mod)
	rng := mathrand.New(mathrand.NewSource(5))

	_, ok := Flatten(mod, fn, rng)
	qt.Assert(t, qt.IsFalse(ok))

	ret, isRet := fn.Blocks[0].Term.(*ir.TermRet)
	qt.Assert(t, qt.IsTrue(isRet))
	qt.Assert(t, qt.IsTrue(ret.X == fn.Params[0]))
}

func TestObfuscate_flattensEligibleFunction(t *testing.T) {
	mod := ir.NewModule()
	fn := buildAbs(mod)

	o := oracle.New(mod)
	rng := mathrand.New(mathrand.NewSource(4))
	metrics := Obfuscate(mod, o, rng)

	qt.Assert(t, qt.Equals(metrics.FlattenedFunctions, 1))
	assertFlattenedShape(t, fn)
}
