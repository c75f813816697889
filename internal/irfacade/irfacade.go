// Package irfacade is a thin layer of builder and inspection helpers over
// the host IR library (github.com/llir/llvm). It plays the same role for
// the core passes that internal/asthelper plays for garble's go/ast
// rewrites: nothing here encodes obfuscation policy, it only makes the
// underlying IR library pleasant to drive.
package irfacade

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Successors returns the basic blocks a terminator may transfer control to,
// in a stable order. Unsupported terminators return nil.
func Successors(term ir.Terminator) []*ir.Block {
	switch t := term.(type) {
	case *ir.TermBr:
		return []*ir.Block{t.Target.(*ir.Block)}
	case *ir.TermCondBr:
		return []*ir.Block{t.TargetTrue.(*ir.Block), t.TargetFalse.(*ir.Block)}
	case *ir.TermSwitch:
		succs := make([]*ir.Block, 0, len(t.Cases)+1)
		succs = append(succs, t.TargetDefault.(*ir.Block))
		for _, c := range t.Cases {
			succs = append(succs, c.Target.(*ir.Block))
		}
		return succs
	case *ir.TermRet, *ir.TermUnreachable:
		return nil
	default:
		return nil
	}
}

// IsSupportedTerminator reports whether term is one of the terminator kinds
// the core passes understand: br, condbr, switch, ret, unreachable. Invoke,
// indirectbr, callbr, and landing-pad related terminators are "unsupported
// control flow" per spec.
func IsSupportedTerminator(term ir.Terminator) bool {
	switch term.(type) {
	case *ir.TermBr, *ir.TermCondBr, *ir.TermSwitch, *ir.TermRet, *ir.TermUnreachable:
		return true
	default:
		return false
	}
}

// IsExitTerminator reports whether term ends a block without further
// dispatch: return or unreachable.
func IsExitTerminator(term ir.Terminator) bool {
	switch term.(type) {
	case *ir.TermRet, *ir.TermUnreachable:
		return true
	default:
		return false
	}
}

// HasInlineAsmCall reports whether fn contains a call whose callee operand
// is an inline assembly value.
func HasInlineAsmCall(fn *ir.Func) bool {
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			if _, ok := call.Callee.(*ir.InlineAsm); ok {
				return true
			}
		}
	}
	return false
}

// CalledFuncs returns, in appearance order, the functions directly called
// from fn. Indirect calls (callee is neither a *ir.Func nor inline asm) are
// not listed; hasIndirect reports whether fn makes any, so callers can
// treat them conservatively.
func CalledFuncs(fn *ir.Func) (direct []*ir.Func, hasIndirect bool) {
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			switch callee := call.Callee.(type) {
			case *ir.Func:
				direct = append(direct, callee)
			case *ir.InlineAsm:
				// handled separately by HasInlineAsmCall
			default:
				hasIndirect = true
			}
		}
	}
	return direct, hasIndirect
}

// CallsByName reports whether fn contains a direct call to a function
// literally named one of names (used for setjmp/longjmp detection, which
// is by-name per spec rather than by signature).
func CallsByName(fn *ir.Func, names ...string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			if callee, ok := call.Callee.(*ir.Func); ok && set[callee.Name()] {
				return true
			}
		}
	}
	return false
}

// IsStringGlobal reports whether g is a constant, null-terminated array of
// i8 — the definition of a "string global" a front end emits for a string
// literal.
func IsStringGlobal(g *ir.Global) bool {
	if g.Immutable == false || g.Init == nil {
		return false
	}
	arr, ok := g.ContentType.(*types.ArrayType)
	if !ok {
		return false
	}
	if _, ok := arr.ElemType.(*types.IntType); !ok || arr.ElemType.(*types.IntType).BitSize != 8 {
		return false
	}
	data, ok := StringGlobalBytes(g)
	if !ok || len(data) == 0 {
		return false
	}
	return data[len(data)-1] == 0
}

// StringGlobalBytes extracts the raw byte contents of a constant char-array
// global's initializer.
func StringGlobalBytes(g *ir.Global) ([]byte, bool) {
	switch init := g.Init.(type) {
	case *constant.CharArray:
		return init.X, true
	case *constant.ZeroInitializer:
		arr, ok := g.ContentType.(*types.ArrayType)
		if !ok {
			return nil, false
		}
		return make([]byte, arr.Len), true
	default:
		return nil, false
	}
}

// NewI32 builds an i32 constant.
func NewI32(v int64) *constant.Int {
	return constant.NewInt(types.I32, v)
}

// NewI8 builds an i8 constant.
func NewI8(v int64) *constant.Int {
	return constant.NewInt(types.I8, v)
}

// InsertAlloca inserts a fresh stack slot at the start of block, ahead of
// any existing instructions — used for entry-block allocas so that the
// slot dominates every later use.
func InsertAlloca(block *ir.Block, elemType types.Type, name string) *ir.InstAlloca {
	slot := ir.NewAlloca(elemType)
	if name != "" {
		slot.SetName(name)
	}
	block.Insts = append([]ir.Instruction{slot}, block.Insts...)
	return slot
}

// AppendBefore inserts inst into block immediately before the instruction
// at index pos (0 means "at the very start", len(block.Insts) means "at the
// very end, before the terminator").
func AppendBefore(block *ir.Block, pos int, inst ir.Instruction) {
	block.Insts = append(block.Insts, nil)
	copy(block.Insts[pos+1:], block.Insts[pos:])
	block.Insts[pos] = inst
}

// IndexOf returns the index of inst within block.Insts, or -1.
func IndexOf(block *ir.Block, inst ir.Instruction) int {
	for i, in := range block.Insts {
		if in == inst {
			return i
		}
	}
	return -1
}

// RemoveInst deletes inst from block.Insts.
func RemoveInst(block *ir.Block, inst ir.Instruction) {
	idx := IndexOf(block, inst)
	if idx < 0 {
		return
	}
	block.Insts = append(block.Insts[:idx], block.Insts[idx+1:]...)
}

// ReplaceOperand rewrites every operand of inst that is identical to old,
// replacing it with replacement. It understands exactly the instruction
// kinds the core passes produce or consume: alloca/load/store, phi, the
// integer ALU ops, icmp, select, call, and the cast family. Anything else
// is left untouched (callers are expected to have already rejected
// functions containing unsupported instruction kinds via the Safety
// Oracle).
func ReplaceOperand(inst ir.Instruction, old, replacement value.Value) {
	repl := func(v value.Value) value.Value {
		if v == old {
			return replacement
		}
		return v
	}
	switch x := inst.(type) {
	case *ir.InstLoad:
		x.Src = repl(x.Src)
	case *ir.InstStore:
		x.Src = repl(x.Src)
		x.Dst = repl(x.Dst)
	case *ir.InstPhi:
		for _, inc := range x.Incs {
			inc.X = repl(inc.X)
		}
	case *ir.InstAdd:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstSub:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstMul:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstXor:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstShl:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstAnd:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstOr:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstICmp:
		x.X, x.Y = repl(x.X), repl(x.Y)
	case *ir.InstSelect:
		x.Cond = repl(x.Cond)
		x.ValueTrue = repl(x.ValueTrue)
		x.ValueFalse = repl(x.ValueFalse)
	case *ir.InstCall:
		x.Callee = repl(x.Callee)
		for i, arg := range x.Args {
			x.Args[i] = repl(arg)
		}
	case *ir.InstBitCast:
		x.From = repl(x.From)
	case *ir.InstPtrToInt:
		x.From = repl(x.From)
	case *ir.InstIntToPtr:
		x.From = repl(x.From)
	case *ir.InstTrunc:
		x.From = repl(x.From)
	case *ir.InstZExt:
		x.From = repl(x.From)
	case *ir.InstSExt:
		x.From = repl(x.From)
	case *ir.InstGetElementPtr:
		x.Src = repl(x.Src)
	}
}

// Operands returns the value operands an instruction reads, in the same
// instruction-kind set ReplaceOperand understands. Used by CFF's demotion
// pass to discover cross-block uses without a built-in use-list (unlike Go
// SSA's Referrers, llir/llvm does not track users automatically).
func Operands(inst ir.Instruction) []value.Value {
	switch x := inst.(type) {
	case *ir.InstLoad:
		return []value.Value{x.Src}
	case *ir.InstStore:
		return []value.Value{x.Src, x.Dst}
	case *ir.InstPhi:
		vs := make([]value.Value, len(x.Incs))
		for i, inc := range x.Incs {
			vs[i] = inc.X
		}
		return vs
	case *ir.InstAdd:
		return []value.Value{x.X, x.Y}
	case *ir.InstSub:
		return []value.Value{x.X, x.Y}
	case *ir.InstMul:
		return []value.Value{x.X, x.Y}
	case *ir.InstXor:
		return []value.Value{x.X, x.Y}
	case *ir.InstShl:
		return []value.Value{x.X, x.Y}
	case *ir.InstAnd:
		return []value.Value{x.X, x.Y}
	case *ir.InstOr:
		return []value.Value{x.X, x.Y}
	case *ir.InstICmp:
		return []value.Value{x.X, x.Y}
	case *ir.InstSelect:
		return []value.Value{x.Cond, x.ValueTrue, x.ValueFalse}
	case *ir.InstCall:
		vs := make([]value.Value, 0, len(x.Args)+1)
		vs = append(vs, x.Callee)
		vs = append(vs, x.Args...)
		return vs
	case *ir.InstBitCast:
		return []value.Value{x.From}
	case *ir.InstPtrToInt:
		return []value.Value{x.From}
	case *ir.InstIntToPtr:
		return []value.Value{x.From}
	case *ir.InstTrunc:
		return []value.Value{x.From}
	case *ir.InstZExt:
		return []value.Value{x.From}
	case *ir.InstSExt:
		return []value.Value{x.From}
	case *ir.InstGetElementPtr:
		return []value.Value{x.Src}
	default:
		return nil
	}
}

// TermOperands returns the value operands of a terminator, symmetric with
// Operands.
func TermOperands(term ir.Terminator) []value.Value {
	switch t := term.(type) {
	case *ir.TermCondBr:
		return []value.Value{t.Cond}
	case *ir.TermSwitch:
		return []value.Value{t.X}
	case *ir.TermRet:
		if t.X == nil {
			return nil
		}
		return []value.Value{t.X}
	default:
		return nil
	}
}

// ReplaceTermOperand rewrites value operands of a terminator (the
// condition of a condbr, the scrutinee of a switch, the result of a ret).
func ReplaceTermOperand(term ir.Terminator, old, replacement value.Value) {
	switch t := term.(type) {
	case *ir.TermCondBr:
		if t.Cond == old {
			t.Cond = replacement
		}
	case *ir.TermSwitch:
		if t.X == old {
			t.X = replacement
		}
	case *ir.TermRet:
		if t.X == old {
			t.X = replacement
		}
	}
}

// EntryBlock returns the entry block of fn, which by construction is
// Blocks[0], or nil for a declaration with no blocks.
func EntryBlock(fn *ir.Func) *ir.Block {
	if len(fn.Blocks) == 0 {
		return nil
	}
	return fn.Blocks[0]
}

// ICmpEq builds an `icmp eq` comparing x against y, both i32.
func ICmpEq(block *ir.Block, x, y value.Value) *ir.InstICmp {
	return block.NewICmp(enum.IPredEQ, x, y)
}
