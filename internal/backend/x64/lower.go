package x64

import (
	"go.uber.org/zap"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
)

// lowerFunction lowers the blocks of f in order, binding each label to the position of its block.
func (e *Emitter) lowerFunction(f *hir.Function) {
	e.lastInstr = lastInstr(f)
	for _, b := range f.Blocks {
		for _, l := range b.Labels {
			e.labels[l] = e.assembler.CompileLabel()
		}
		for _, instr := range b.Instrs {
			e.currentInstr = instr
			e.lowerInstr(instr)
		}
	}
	e.currentInstr = nil
}

func lastInstr(f *hir.Function) *hir.Instr {
	for i := len(f.Blocks) - 1; i >= 0; i-- {
		if instrs := f.Blocks[i].Instrs; len(instrs) != 0 {
			return instrs[len(instrs)-1]
		}
	}
	return nil
}

func (e *Emitter) lowerInstr(instr *hir.Instr) {
	switch op := instr.Opcode; op {
	case hir.OpcodeComment:
	case hir.OpcodeNop:
		e.Nop(int(instr.Offset))
	case hir.OpcodeSourceOffset:
		e.MarkSourceOffset(instr)
	case hir.OpcodeDebugBreak:
		e.DebugBreak()
	case hir.OpcodeDebugBreakTrue:
		e.emitIfTrue(instr.Src[0], e.DebugBreak)
	case hir.OpcodeTrap:
		e.guestTrap(TrapType(instr.Offset))
	case hir.OpcodeTrapTrue:
		e.emitIfTrue(instr.Src[0], func() { e.guestTrap(TrapType(instr.Offset)) })
	case hir.OpcodeCall:
		e.Call(instr, instr.Function)
	case hir.OpcodeCallTrue:
		e.emitIfTrue(instr.Src[0], func() { e.Call(instr, instr.Function) })
	case hir.OpcodeCallIndirect:
		e.CallIndirect(instr, instr.Src[0])
	case hir.OpcodeCallIndirectTrue:
		e.emitIfTrue(instr.Src[0], func() { e.CallIndirect(instr, instr.Src[1]) })
	case hir.OpcodeCallExtern:
		e.CallExtern(instr, instr.Function)
	case hir.OpcodeReturn:
		if instr != e.lastInstr {
			e.emitReturn()
		}
	case hir.OpcodeReturnTrue:
		e.lowerReturnTrue(instr.Src[0])
	case hir.OpcodeSetReturnAddress:
		e.SetReturnAddress(instr.Src[0])
	case hir.OpcodeBranch:
		e.jumpTo(amd64.JMP, instr.Label)
	case hir.OpcodeBranchTrue, hir.OpcodeBranchFalse:
		e.lowerBranchCond(instr)

	case hir.OpcodeAssign:
		e.lowerAssign(instr)
	case hir.OpcodeCast:
		e.lowerCast(instr)
	case hir.OpcodeZeroExtend:
		e.lowerZeroExtend(instr)
	case hir.OpcodeSignExtend:
		e.lowerSignExtend(instr)
	case hir.OpcodeTruncate:
		e.lowerTruncate(instr)
	case hir.OpcodeLoadContext:
		e.lowerLoadContext(instr)
	case hir.OpcodeStoreContext:
		e.lowerStoreContext(instr)
	case hir.OpcodeLoad:
		e.lowerLoad(instr)
	case hir.OpcodeStore:
		e.lowerStore(instr)
	case hir.OpcodeSelect:
		e.lowerSelect(instr)
	case hir.OpcodeIsTrue, hir.OpcodeIsFalse:
		e.lowerIsTrue(instr)
	case hir.OpcodeCompareEQ, hir.OpcodeCompareNE,
		hir.OpcodeCompareSLT, hir.OpcodeCompareSLE, hir.OpcodeCompareSGT, hir.OpcodeCompareSGE,
		hir.OpcodeCompareULT, hir.OpcodeCompareULE, hir.OpcodeCompareUGT, hir.OpcodeCompareUGE:
		e.lowerCompare(instr)

	case hir.OpcodeAdd, hir.OpcodeSub, hir.OpcodeMul, hir.OpcodeDiv:
		e.lowerArithmetic(instr)
	case hir.OpcodeMulAdd:
		e.lowerMulAdd(instr)
	case hir.OpcodeNeg:
		e.lowerNeg(instr)
	case hir.OpcodeAbs:
		e.lowerAbs(instr)
	case hir.OpcodeSqrt:
		e.lowerSqrt(instr)
	case hir.OpcodeAnd, hir.OpcodeOr, hir.OpcodeXor:
		e.lowerBitwise(instr)
	case hir.OpcodeNot:
		e.lowerNot(instr)
	case hir.OpcodeShl, hir.OpcodeShr, hir.OpcodeSha:
		e.lowerShift(instr)
	case hir.OpcodeCountLeadingZeros:
		e.lowerCountLeadingZeros(instr)
	case hir.OpcodeByteSwap:
		e.lowerByteSwap(instr)
	case hir.OpcodeSplat:
		e.lowerSplat(instr)
	case hir.OpcodeConvertHalfToFloat:
		e.lowerConvertHalfToFloat(instr)

	case hir.OpcodePack, hir.OpcodeUnpack, hir.OpcodePermute,
		hir.OpcodeAtomicCompareExchange, hir.OpcodeCacheControl:
		e.UnimplementedInstr(instr, "no lowering rule for "+op.String())
	default:
		e.UnimplementedInstr(instr, "unknown opcode")
	}
}

// UnimplementedInstr lowers instr to a trap and records a Diagnostic. The translation continues.
func (e *Emitter) UnimplementedInstr(instr *hir.Instr, reason string) {
	e.trapWithDiagnostic(instr, TrapUnimplemented, reason)
}

func (e *Emitter) trapWithDiagnostic(instr *hir.Instr, t TrapType, reason string) {
	d := Diagnostic{Opcode: instr.Opcode, GuestOffset: e.guestOffset, Reason: reason}
	e.diagnostics = append(e.diagnostics, d)
	e.logger.Warn("instruction lowered to a trap",
		zap.String("function", e.fn.String()),
		zap.Stringer("opcode", instr.Opcode),
		zap.Uint32("guest_offset", e.guestOffset),
		zap.String("reason", reason))
	e.Trap(t)
}

// Trap raises an invalid opcode exception with t in EAX.
func (e *Emitter) Trap(t TrapType) {
	e.assembler.CompileConstToRegister(amd64.MOVL, int64(t), scratchRegister0)
	e.assembler.CompileStandAlone(amd64.UD2)
}

// guestTrap hands a trap of guest code to the host trap routine when one is configured.
func (e *Emitter) guestTrap(t TrapType) {
	if routine := e.backend.hostRoutines.Trap; routine != 0 {
		e.CallNativeWithArg(routine, uint64(t))
		return
	}
	e.Trap(t)
}

// DebugBreak emits a breakpoint.
func (e *Emitter) DebugBreak() {
	e.assembler.CompileStandAloneWithConst(amd64.INT, 3)
}

// nopEncodings are the recommended multi-byte no-ops, indexed by length.
var nopEncodings = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Nop emits length bytes of no-ops using as few instructions as possible.
func (e *Emitter) Nop(length int) {
	for length > 0 {
		n := min(length, len(nopEncodings)-1)
		e.assembler.CompileBytes(nopEncodings[n]...)
		length -= n
	}
}

// emitReturn jumps to the epilogue.
func (e *Emitter) emitReturn() {
	e.epilogJumps = append(e.epilogJumps, e.assembler.CompileJump(amd64.JMP))
}

// jumpTo emits a jump to l, resolved once every label is bound.
func (e *Emitter) jumpTo(inst asm.Instruction, l *hir.Label) {
	e.jumps = append(e.jumps, pendingJump{node: e.assembler.CompileJump(inst), label: l})
}

// testCondition clears ZF if v is non-zero.
func (e *Emitter) testCondition(v *hir.Value) {
	if v.Class() == hir.ClassVector {
		r := XMM(v)
		e.assembler.CompileRegisterToRegister(amd64.PTEST, r, r)
		return
	}
	r := GPR(v)
	e.assembler.CompileRegisterToRegister(intInst(v.Type, testInsts), r, r)
}

// emitIfTrue emits body so that it only runs when cond is non-zero.
func (e *Emitter) emitIfTrue(cond *hir.Value, body func()) {
	if cond.IsConstant() {
		if !cond.IsConstantZero() {
			body()
		}
		return
	}
	e.testCondition(cond)
	skip := e.assembler.CompileJump(amd64.JEQ)
	body()
	skip.AssignJumpTarget(e.assembler.CompileLabel())
}

func (e *Emitter) lowerReturnTrue(cond *hir.Value) {
	if cond.IsConstant() {
		if !cond.IsConstantZero() {
			e.emitReturn()
		}
		return
	}
	e.testCondition(cond)
	e.epilogJumps = append(e.epilogJumps, e.assembler.CompileJump(amd64.JNE))
}

func (e *Emitter) lowerBranchCond(instr *hir.Instr) {
	cond, onTrue := instr.Src[0], instr.Opcode == hir.OpcodeBranchTrue
	if cond.IsConstant() {
		if cond.IsConstantZero() != onTrue {
			e.jumpTo(amd64.JMP, instr.Label)
		}
		return
	}
	e.testCondition(cond)
	if onTrue {
		e.jumpTo(amd64.JNE, instr.Label)
	} else {
		e.jumpTo(amd64.JEQ, instr.Label)
	}
}

func (e *Emitter) lowerAssign(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassVector {
		e.loadXMM(XMM(instr.Dest), instr.Src[0])
		return
	}
	e.loadGPR(instr.Dest.Type, GPR(instr.Dest), instr.Src[0], false)
}

func (e *Emitter) lowerSelect(instr *hir.Instr) {
	cond, onTrue, onFalse := instr.Src[0], instr.Src[1], instr.Src[2]
	if cond.IsConstant() {
		chosen := onFalse
		if !cond.IsConstantZero() {
			chosen = onTrue
		}
		e.lowerAssign(&hir.Instr{Opcode: hir.OpcodeAssign, Dest: instr.Dest, Src: [3]*hir.Value{chosen}})
		return
	}

	if instr.Dest.Class() == hir.ClassGPR {
		t, dst := instr.Dest.Type, GPR(instr.Dest)
		e.testCondition(cond)
		// Loads below must preserve the flags.
		e.loadGPR(t, scratchRegister0, onTrue, true)
		e.loadGPR(t, dst, onFalse, true)
		e.assembler.CompileRegisterToRegister(amd64.CMOVQNE, scratchRegister0, dst)
		return
	}

	dst := XMM(instr.Dest)
	e.loadXMM(scratchVectorRegister0, onTrue)
	e.loadXMM(scratchVectorRegister1, onFalse)
	e.testCondition(cond)
	isFalse := e.assembler.CompileJump(amd64.JEQ)
	e.assembler.CompileRegisterToRegister(amd64.MOVAPS, scratchVectorRegister0, dst)
	done := e.assembler.CompileJump(amd64.JMP)
	e.assembler.SetJumpTargetOnNext(isFalse)
	e.assembler.CompileRegisterToRegister(amd64.MOVAPS, scratchVectorRegister1, dst)
	e.assembler.SetJumpTargetOnNext(done)
	e.assembler.CompileLabel()
}

func (e *Emitter) lowerIsTrue(instr *hir.Instr) {
	src, dst := instr.Src[0], GPR(instr.Dest)
	isTrue := instr.Opcode == hir.OpcodeIsTrue
	if src.IsConstant() {
		var v uint64
		if src.IsConstantZero() != isTrue {
			v = 1
		}
		e.movConstGPR(instr.Dest.Type, dst, v, false)
		return
	}
	e.testCondition(src)
	if isTrue {
		e.setcc(amd64.SETNE, dst)
	} else {
		e.setcc(amd64.SETEQ, dst)
	}
}

// setcc stores the condition inst as 0 or 1 into the whole of dst, like a constant result.
func (e *Emitter) setcc(inst asm.Instruction, dst asm.Register) {
	e.assembler.CompileNoneToRegister(inst, dst)
	e.assembler.CompileRegisterToRegister(amd64.MOVBLZX, dst, dst)
}
