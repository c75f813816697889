package fci

import (
	mathrand "math/rand"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// seedConstant is the operand pool's initial (and only guaranteed) member,
// per spec.md §4.4 "seeded with the constant 42".
const seedConstant = 42

// minJunkInsts and maxJunkInsts bound M, the per-fake-block instruction
// count (spec.md §4.4 "M uniform in [2, 30]").
const (
	minJunkInsts = 2
	maxJunkInsts = 30
)

// junkAluOp identifies one of the five ALU operations fake blocks draw from.
// Grounded on the teacher's valueGenerators table in
// internal/ctrlflow/trash.go, narrowed from "any Go value of any type" down
// to spec.md §4.4's fixed five-op, 32-bit-only set.
type junkAluOp int

const (
	opAdd junkAluOp = iota
	opSub
	opMul
	opXor
	opShl
	numJunkAluOps
)

// pool is the per-fake-block operand pool: a running list of i32 values an
// instruction's operands are drawn from with replacement, growing by one
// entry (the instruction's own result) plus a fresh random constant after
// every instruction generated. Mirrors the teacher's generateRandomValue,
// simplified from "local var, global, or constant chosen by weighted
// probability" to "anything already in the pool, or a fresh constant".
type pool struct {
	values []value.Value
}

func newPool() *pool {
	return &pool{values: []value.Value{constant.NewInt(types.I32, seedConstant)}}
}

func (p *pool) pick(rng *mathrand.Rand) value.Value {
	return p.values[rng.Intn(len(p.values))]
}

func (p *pool) push(v value.Value, rng *mathrand.Rand) {
	p.values = append(p.values, v, constant.NewInt(types.I32, rng.Int63n(1<<31)))
}

// generateJunkInsts appends M instructions (M uniform in [minJunkInsts,
// maxJunkInsts]) to block, each an ALU op over two operands sampled from the
// operand pool, and returns the value of the last one computed — spec.md
// §4.4 step 2's "last computed value", which the caller stores into the
// sink slot.
func generateJunkInsts(block *ir.Block, rng *mathrand.Rand) value.Value {
	p := newPool()
	m := minJunkInsts + rng.Intn(maxJunkInsts-minJunkInsts+1)

	var last value.Value = p.values[0]
	for i := 0; i < m; i++ {
		x := p.pick(rng)
		y := p.pick(rng)
		op := junkAluOp(rng.Intn(int(numJunkAluOps)))

		var result value.Value
		switch op {
		case opAdd:
			result = block.NewAdd(x, y)
		case opSub:
			result = block.NewSub(x, y)
		case opMul:
			result = block.NewMul(x, y)
		case opXor:
			result = block.NewXor(x, y)
		case opShl:
			result = block.NewShl(x, y)
		}

		p.push(result, rng)
		last = result
	}
	return last
}
