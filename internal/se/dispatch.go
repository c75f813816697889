package se

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
)

// trampoline holds the runtime-visible pieces of one encrypted string's
// lazy self-modifying dispatch (spec.md §4.3 "Lazy self-modifying
// dispatch"): the ciphertext global, the dispatch-pointer global every
// caller is rewritten to call through, the slow- and fast-dispatch
// functions that pointer switches between, and the pointer's type.
type trampoline struct {
	cipherGlobal *ir.Global
	dispatchPtr  *ir.Global
	slowFn       *ir.Func
	fastFn       *ir.Func
	dispatchType *types.PointerType
}

var trampolineSeq int

// buildTrampoline synthesizes the ciphertext/key globals, the decrypt stub,
// fast/slow dispatch functions, and the dispatch-pointer global for one
// string. Grounded on the shape of the teacher's internal/literals
// obfuscator registration (a per-literal synthesized decode closure,
// internal/literals/obfuscators.go), generalized from "decode inline at the
// use site" (fine for Go, which has no separate-compilation-unit globals
// the way C does) to the spec's lazy dispatch-pointer indirection, which is
// necessary here because the plaintext must not exist anywhere statically
// in the ciphertext section (spec.md §8 "String plaintext absence").
func buildTrampoline(mod *ir.Module, cipher Cipher, plain []byte) *trampoline {
	trampolineSeq++
	seq := trampolineSeq

	cipherBytes := cipher.Encrypt(plain)
	cipherGlobal := mod.NewGlobalDef(fmt.Sprintf(".se.cipher.%d", seq), constant.NewCharArrayFromString(string(cipherBytes)))
	cipherGlobal.Immutable = false // may be mutated in place on first decrypt

	obfKey := cipher.ObfuscateKey()
	keyGlobal := mod.NewGlobalDef(fmt.Sprintf(".se.key.%d", seq), constant.NewCharArrayFromString(string(obfKey)))
	keyGlobal.Immutable = true

	decryptStub := buildDecryptStub(mod, cipher, cipherGlobal, keyGlobal, len(cipherBytes), len(obfKey), seq)

	returnType := types.NewPointer(types.I8)
	fastFn := mod.NewFunc(fmt.Sprintf(".se.fast.%d", seq), returnType)
	fastEntry := fastFn.NewBlock("")
	fastPtr := fastEntry.NewGetElementPtr(cipherGlobal.ContentType, cipherGlobal,
		constant.NewInt(types.I32, 0), constant.NewInt(types.I32, 0))
	fastEntry.NewRet(fastPtr)

	dispatchType := types.NewPointer(fastFn.Sig)
	dispatchPtr := mod.NewGlobalDef(fmt.Sprintf(".se.dispatch.%d", seq), constant.NewNull(dispatchType))
	dispatchPtr.Immutable = false

	slowFn := buildSlowDispatch(mod, decryptStub, cipherGlobal, dispatchPtr, fastFn, dispatchType, returnType, seq)
	dispatchPtr.Init = constant.NewBitCast(slowFn, dispatchType)

	return &trampoline{
		cipherGlobal: cipherGlobal,
		dispatchPtr:  dispatchPtr,
		slowFn:       slowFn,
		fastFn:       fastFn,
		dispatchType: dispatchType,
	}
}

// buildDecryptStub emits a function that recomputes the key from its
// obfuscated-at-rest form (spec.md §4.3 "recomputes k from k' at entry")
// and decrypts cipherGlobal in place, one byte per loop iteration. S-Box
// needs no key-recomputation step: the obfuscated form it stores already
// is the inverse permutation the decrypt loop looks values up through.
func buildDecryptStub(mod *ir.Module, cipher Cipher, cipherGlobal, keyGlobal *ir.Global, cipherLen, keyLen int, seq int) *ir.Func {
	fn := mod.NewFunc(fmt.Sprintf(".se.decrypt.%d", seq), types.Void)
	entry := fn.NewBlock("")

	cur := entry
	var plainKeySlot *ir.InstAlloca
	if cipher.Scheme != SchemeSBox {
		keyArrType := types.NewArray(uint64(keyLen), types.I8)
		plainKeySlot = irfacade.InsertAlloca(entry, keyArrType, "")
		cur = emitDeobfuscateKeyLoop(fn, cur, cipher.Scheme, keyGlobal, plainKeySlot, keyLen)
	}

	idxSlot := irfacade.InsertAlloca(entry, types.I32, "")
	cur.NewStore(constant.NewInt(types.I32, 0), idxSlot)

	header := fn.NewBlock("")
	body := fn.NewBlock("")
	exit := fn.NewBlock("")
	cur.NewBr(header)

	idx := header.NewLoad(types.I32, idxSlot)
	cond := header.NewICmp(enum.IPredSLT, idx, constant.NewInt(types.I32, int64(cipherLen)))
	header.NewCondBr(cond, body, exit)

	cipherBytePtr := body.NewGetElementPtr(cipherGlobal.ContentType, cipherGlobal,
		constant.NewInt(types.I32, 0), idx)
	cipherByte := body.NewLoad(types.I8, cipherBytePtr)

	var decoded value.Value
	switch cipher.Scheme {
	case SchemeSBox:
		// keyGlobal here holds the 256-byte inverse permutation directly.
		// Zero-extend the byte so values >= 0x80 index 128..255 rather than
		// being sign-extended into negative offsets.
		invIdx := body.NewZExt(cipherByte, types.I32)
		invPtr := body.NewGetElementPtr(keyGlobal.ContentType, keyGlobal,
			constant.NewInt(types.I32, 0), invIdx)
		decoded = body.NewLoad(types.I8, invPtr)
	default:
		pos := body.NewURem(idx, constant.NewInt(types.I32, int64(keyLen)))
		keyBytePtr := body.NewGetElementPtr(plainKeySlot.ElemType, plainKeySlot,
			constant.NewInt(types.I32, 0), pos)
		keyByte := body.NewLoad(types.I8, keyBytePtr)
		switch cipher.Scheme {
		case SchemeXOR, SchemeSUB:
			decoded = body.NewXor(cipherByte, keyByte)
		case SchemeADD:
			decoded = body.NewSub(cipherByte, keyByte)
		}
	}
	body.NewStore(decoded, cipherBytePtr)

	nextIdx := body.NewAdd(idx, constant.NewInt(types.I32, 1))
	body.NewStore(nextIdx, idxSlot)
	body.NewBr(header)

	exit.NewRet(nil)

	return fn
}

// emitDeobfuscateKeyLoop fills plainKeySlot with ObfuscateKey's inverse,
// computed position-by-position per spec.md §4.3's per-scheme formulas
// (e.g. XOR: k[i] = k'[i] XOR i). pred is the block to branch from into the
// loop; the returned block is left with no terminator so the caller can
// chain the rest of the function onto it.
func emitDeobfuscateKeyLoop(fn *ir.Func, pred *ir.Block, scheme Scheme, keyGlobal *ir.Global, plainKeySlot *ir.InstAlloca, keyLen int) *ir.Block {
	idxSlot := irfacade.InsertAlloca(pred, types.I32, "")
	pred.NewStore(constant.NewInt(types.I32, 0), idxSlot)

	header := fn.NewBlock("")
	body := fn.NewBlock("")
	after := fn.NewBlock("")
	pred.NewBr(header)

	idx := header.NewLoad(types.I32, idxSlot)
	cond := header.NewICmp(enum.IPredSLT, idx, constant.NewInt(types.I32, int64(keyLen)))
	header.NewCondBr(cond, body, after)

	obfPtr := body.NewGetElementPtr(keyGlobal.ContentType, keyGlobal,
		constant.NewInt(types.I32, 0), idx)
	obfByte := body.NewLoad(types.I8, obfPtr)
	idxByte := body.NewTrunc(idx, types.I8)

	var plain value.Value
	switch scheme {
	case SchemeXOR:
		plain = body.NewXor(obfByte, idxByte)
	case SchemeADD:
		plain = body.NewSub(obfByte, idxByte)
	case SchemeSUB:
		plain = body.NewSub(constant.NewInt(types.I8, 0xFF), obfByte)
	}

	plainPtr := body.NewGetElementPtr(plainKeySlot.ElemType, plainKeySlot,
		constant.NewInt(types.I32, 0), idx)
	body.NewStore(plain, plainPtr)

	nextIdx := body.NewAdd(idx, constant.NewInt(types.I32, 1))
	body.NewStore(nextIdx, idxSlot)
	body.NewBr(header)

	return after
}

// buildSlowDispatch emits the slow-dispatch function: decrypts the
// ciphertext via decryptStub exactly once (guarded by a compare-and-swap on
// the dispatch pointer, per spec.md §5's "implementations that expect
// multithreaded first-access must wrap the slow path with a one-shot
// guard"), then returns a pointer to the first byte.
func buildSlowDispatch(mod *ir.Module, decryptStub *ir.Func, cipherGlobal *ir.Global, dispatchPtr *ir.Global, fastFn *ir.Func, dispatchType *types.PointerType, returnType *types.PointerType, seq int) *ir.Func {
	fn := mod.NewFunc(fmt.Sprintf(".se.slow.%d", seq), returnType)
	entry := fn.NewBlock("")

	fastBitCast := constant.NewBitCast(fastFn, dispatchType)
	slowBitCast := constant.NewBitCast(fn, dispatchType)

	cmpxchg := entry.NewCmpXchg(dispatchPtr, slowBitCast, fastBitCast, enum.AtomicOrderingMonotonic, enum.AtomicOrderingMonotonic)
	won := entry.NewExtractValue(cmpxchg, 1)

	decryptBlock := fn.NewBlock("")
	joinBlock := fn.NewBlock("")
	entry.NewCondBr(won, decryptBlock, joinBlock)

	decryptBlock.NewCall(decryptStub)
	decryptBlock.NewBr(joinBlock)

	ptr := joinBlock.NewGetElementPtr(cipherGlobal.ContentType, cipherGlobal,
		constant.NewInt(types.I32, 0), constant.NewInt(types.I32, 0))
	joinBlock.NewRet(ptr)

	return fn
}
