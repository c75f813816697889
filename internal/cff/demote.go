package cff

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
)

// demoteSSA is CFF's Step A (spec.md §4.2): eliminate every phi node by
// replacing it with an entry-block stack slot plus predecessor-terminator
// stores and use-site loads, then do the same for any remaining
// instruction whose value crosses a block boundary. After demoteSSA
// returns, every block is self-contained with respect to the values it
// needs, which lets Step D's dispatcher jump directly to any block without
// carrying dominance information.
//
// Grounded on the shape of the teacher's internal/ctrlflow phi/referrer
// surgery in transform.go and hardening.go (rewriting Preds/Instrs/
// Referrers by hand); the direction is reversed here (eliminate phis
// instead of adding a dispatch phi) because llir/llvm has no built-in
// phi-elimination utility and no automatic use-list, so we drive it with
// internal/irfacade's Operands-based use collector instead of SSA's
// Referrers.
func demoteSSA(fn *ir.Func) {
	entry := irfacade.EntryBlock(fn)
	if entry == nil {
		return
	}

	for _, block := range fn.Blocks {
		phis := collectPhis(block)
		for _, phi := range phis {
			demotePhi(fn, entry, block, phi)
		}
	}

	demoteCrossBlockValues(fn, entry)
}

func collectPhis(block *ir.Block) []*ir.InstPhi {
	var phis []*ir.InstPhi
	for _, inst := range block.Insts {
		if phi, ok := inst.(*ir.InstPhi); ok {
			phis = append(phis, phi)
		}
	}
	return phis
}

type instUse struct {
	block *ir.Block
	inst  ir.Instruction
}

// collectUses finds every instruction and terminator in fn whose operands
// reference val, grouped by the block the use lives in.
func collectUses(fn *ir.Func, val value.Value) (instUses []instUse, termUses []*ir.Block) {
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			for _, op := range irfacade.Operands(inst) {
				if op == val {
					instUses = append(instUses, instUse{block, inst})
					break
				}
			}
		}
		for _, op := range irfacade.TermOperands(block.Term) {
			if op == val {
				termUses = append(termUses, block)
				break
			}
		}
	}
	return instUses, termUses
}

func demotePhi(fn *ir.Func, entry, block *ir.Block, phi *ir.InstPhi) {
	elemType := phi.Type()
	slot := irfacade.InsertAlloca(entry, elemType, "")

	for _, inc := range phi.Incs {
		store := ir.NewStore(inc.X, slot)
		pred := inc.Pred.(*ir.Block)
		irfacade.AppendBefore(pred, len(pred.Insts), store)
	}

	instUses, termUses := collectUses(fn, phi)

	loadForBlock := make(map[*ir.Block]*ir.InstLoad)
	needLoad := func(b *ir.Block) *ir.InstLoad {
		if load, ok := loadForBlock[b]; ok {
			return load
		}
		load := ir.NewLoad(elemType, slot)
		irfacade.AppendBefore(b, 0, load)
		loadForBlock[b] = load
		return load
	}

	for _, u := range instUses {
		irfacade.ReplaceOperand(u.inst, phi, needLoad(u.block))
	}
	for _, b := range termUses {
		irfacade.ReplaceTermOperand(b.Term, phi, needLoad(b))
	}

	irfacade.RemoveInst(block, phi)
}

// demoteCrossBlockValues handles the non-phi half of Step A: any
// instruction whose result is consumed outside its own defining block gets
// the same stack-slot treatment, except same-block uses keep referencing
// the instruction directly (only cross-block uses need memory traffic).
func demoteCrossBlockValues(fn *ir.Func, entry *ir.Block) {
	for _, block := range fn.Blocks {
		// Snapshot: demotion inserts stores into block.Insts, which would
		// otherwise be revisited by this same range.
		insts := append([]ir.Instruction(nil), block.Insts...)
		for _, inst := range insts {
			if _, ok := inst.(*ir.InstAlloca); ok {
				continue
			}
			val, ok := inst.(value.Value)
			if !ok {
				continue
			}
			instUses, termUses := collectUses(fn, val)

			var crossInstUses []instUse
			var crossTermUses []*ir.Block
			for _, u := range instUses {
				if u.block != block {
					crossInstUses = append(crossInstUses, u)
				}
			}
			for _, b := range termUses {
				if b != block {
					crossTermUses = append(crossTermUses, b)
				}
			}
			if len(crossInstUses) == 0 && len(crossTermUses) == 0 {
				continue
			}

			elemType := val.Type()
			slot := irfacade.InsertAlloca(entry, elemType, "")
			store := ir.NewStore(val, slot)
			pos := irfacade.IndexOf(block, inst)
			irfacade.AppendBefore(block, pos+1, store)

			loadForBlock := make(map[*ir.Block]*ir.InstLoad)
			needLoad := func(b *ir.Block, before ir.Instruction) *ir.InstLoad {
				if load, ok := loadForBlock[b]; ok {
					return load
				}
				load := ir.NewLoad(elemType, slot)
				idx := irfacade.IndexOf(b, before)
				if idx < 0 {
					idx = len(b.Insts)
				}
				irfacade.AppendBefore(b, idx, load)
				loadForBlock[b] = load
				return load
			}

			for _, u := range crossInstUses {
				irfacade.ReplaceOperand(u.inst, val, needLoad(u.block, u.inst))
			}
			for _, b := range crossTermUses {
				load := ir.NewLoad(elemType, slot)
				irfacade.AppendBefore(b, len(b.Insts), load)
				irfacade.ReplaceTermOperand(b.Term, val, load)
			}
		}
	}
}
