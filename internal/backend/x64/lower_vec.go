package x64

import (
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/platform"
)

// vecInsts are the forms of one operation on hir.TypeFloat32, hir.TypeFloat64 and
// hir.TypeVec128, the latter treated as four floats.
type vecInsts struct {
	ss, sd, ps asm.Instruction
}

func (v vecInsts) of(t hir.TypeName) asm.Instruction {
	switch t {
	case hir.TypeFloat32:
		return v.ss
	case hir.TypeFloat64:
		return v.sd
	case hir.TypeVec128:
		return v.ps
	}
	preconditionf("%s is not a vector type", t)
	return 0
}

var (
	vecAdd    = vecInsts{amd64.ADDSS, amd64.ADDSD, amd64.ADDPS}
	vecSub    = vecInsts{amd64.SUBSS, amd64.SUBSD, amd64.SUBPS}
	vecMul    = vecInsts{amd64.MULSS, amd64.MULSD, amd64.MULPS}
	vecDiv    = vecInsts{amd64.DIVSS, amd64.DIVSD, amd64.DIVPS}
	vecSqrt   = vecInsts{amd64.SQRTSS, amd64.SQRTSD, amd64.SQRTPS}
	vecFMA    = vecInsts{amd64.VFMADD213SS, amd64.VFMADD213SD, amd64.VFMADD213PS}
	vecAnd    = vecInsts{amd64.PAND, amd64.PAND, amd64.PAND}
	vecOr     = vecInsts{amd64.POR, amd64.POR, amd64.POR}
	vecXor    = vecInsts{amd64.PXOR, amd64.PXOR, amd64.PXOR}
	vecSignOp = vecInsts{amd64.XORPS, amd64.XORPD, amd64.XORPS}
	vecAbsOp  = vecInsts{amd64.ANDPS, amd64.ANDPD, amd64.ANDPS}
)

// movXMM copies a whole vector register.
func (e *Emitter) movXMM(from, to asm.Register) {
	if from != to {
		e.assembler.CompileRegisterToRegister(amd64.MOVAPS, from, to)
	}
}

// loadXMM loads the vector value v, register or constant, into dst.
func (e *Emitter) loadXMM(dst asm.Register, v *hir.Value) {
	if v.IsConstant() {
		e.loadConstantValue(dst, v)
		return
	}
	e.movXMM(XMM(v), dst)
}

// xmmOperand returns the register holding v, loading a constant into scratch.
func (e *Emitter) xmmOperand(v *hir.Value, scratch asm.Register) asm.Register {
	if v.IsConstant() {
		e.loadConstantValue(scratch, v)
		return scratch
	}
	return XMM(v)
}

func (e *Emitter) lowerArithmetic(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		switch instr.Opcode {
		case hir.OpcodeAdd:
			e.lowerIntBinary(instr, addInsts, true)
		case hir.OpcodeSub:
			e.lowerIntBinary(instr, subInsts, false)
		case hir.OpcodeMul:
			e.lowerIntMul(instr)
		default:
			e.UnimplementedInstr(instr, "integer division")
		}
		return
	}
	switch instr.Opcode {
	case hir.OpcodeAdd:
		e.lowerVecBinary(instr, vecAdd, true)
	case hir.OpcodeSub:
		e.lowerVecBinary(instr, vecSub, false)
	case hir.OpcodeMul:
		e.lowerVecBinary(instr, vecMul, true)
	default:
		e.lowerVecBinary(instr, vecDiv, false)
	}
}

// lowerVecBinary lowers dst = a op b for two operand SSE instructions.
func (e *Emitter) lowerVecBinary(instr *hir.Instr, insts vecInsts, commutative bool) {
	dst := XMM(instr.Dest)
	op := insts.of(instr.Dest.Type)
	ra := e.xmmOperand(instr.Src[0], scratchVectorRegister1)
	rb := e.xmmOperand(instr.Src[1], scratchVectorRegister2)
	if rb == dst && ra != dst {
		if commutative {
			e.assembler.CompileRegisterToRegister(op, ra, dst)
			return
		}
		e.movXMM(ra, scratchVectorRegister0)
		e.assembler.CompileRegisterToRegister(op, rb, scratchVectorRegister0)
		e.movXMM(scratchVectorRegister0, dst)
		return
	}
	e.movXMM(ra, dst)
	e.assembler.CompileRegisterToRegister(op, rb, dst)
}

func (e *Emitter) lowerBitwise(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		switch instr.Opcode {
		case hir.OpcodeAnd:
			e.lowerIntBinary(instr, andInsts, true)
		case hir.OpcodeOr:
			e.lowerIntBinary(instr, orInsts, true)
		default:
			e.lowerIntBinary(instr, xorInsts, true)
		}
		return
	}
	switch instr.Opcode {
	case hir.OpcodeAnd:
		e.lowerVecBinary(instr, vecAnd, true)
	case hir.OpcodeOr:
		e.lowerVecBinary(instr, vecOr, true)
	default:
		e.lowerVecBinary(instr, vecXor, true)
	}
}

func (e *Emitter) lowerNot(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		e.lowerIntUnary(instr, notInsts)
		return
	}
	dst := XMM(instr.Dest)
	e.assembler.CompileRegisterToRegister(amd64.PCMPEQB, scratchVectorRegister0, scratchVectorRegister0)
	e.loadXMM(dst, instr.Src[0])
	e.assembler.CompileRegisterToRegister(amd64.PXOR, scratchVectorRegister0, dst)
}

func (e *Emitter) lowerNeg(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		e.lowerIntUnary(instr, negInsts)
		return
	}
	e.lowerSignMask(instr, vecSignOp, XMMSignMaskPS, XMMSignMaskPD)
}

func (e *Emitter) lowerAbs(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		e.UnimplementedInstr(instr, "integer absolute value")
		return
	}
	e.lowerSignMask(instr, vecAbsOp, XMMAbsMaskPS, XMMAbsMaskPD)
}

// lowerSignMask applies a sign bit mask from the constant pool.
func (e *Emitter) lowerSignMask(instr *hir.Instr, insts vecInsts, maskPS, maskPD XmmConst) {
	t, dst := instr.Dest.Type, XMM(instr.Dest)
	mask := maskPS
	if t == hir.TypeFloat64 {
		mask = maskPD
	}
	e.loadXMM(dst, instr.Src[0])
	e.memoryToRegister(insts.of(t), e.GetXmmConstPtr(mask), dst)
}

func (e *Emitter) lowerSqrt(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		e.UnimplementedInstr(instr, "integer square root")
		return
	}
	dst := XMM(instr.Dest)
	src := e.xmmOperand(instr.Src[0], scratchVectorRegister1)
	e.assembler.CompileRegisterToRegister(vecSqrt.of(instr.Dest.Type), src, dst)
}

// lowerMulAdd computes Src[0]*Src[1]+Src[2] in X0, so any operand may alias the destination.
func (e *Emitter) lowerMulAdd(instr *hir.Instr) {
	if instr.Dest.Class() == hir.ClassGPR {
		e.UnimplementedInstr(instr, "integer multiply-add")
		return
	}
	t, dst := instr.Dest.Type, XMM(instr.Dest)
	e.loadXMM(scratchVectorRegister0, instr.Src[0])
	mul := e.xmmOperand(instr.Src[1], scratchVectorRegister1)
	add := e.xmmOperand(instr.Src[2], scratchVectorRegister2)
	if e.IsFeatureEnabled(platform.CpuFeatureFMA) {
		e.assembler.CompileThreeRegisters(vecFMA.of(t), add, mul, scratchVectorRegister0)
	} else {
		e.assembler.CompileRegisterToRegister(vecMul.of(t), mul, scratchVectorRegister0)
		e.assembler.CompileRegisterToRegister(vecAdd.of(t), add, scratchVectorRegister0)
	}
	e.movXMM(scratchVectorRegister0, dst)
}

func (e *Emitter) lowerByteSwap(instr *hir.Instr) {
	switch instr.Dest.Type {
	case hir.TypeVec128:
		dst := XMM(instr.Dest)
		e.loadXMM(dst, instr.Src[0])
		e.memoryToRegister(amd64.PSHUFB, e.GetXmmConstPtr(XMMByteSwapMask), dst)
	case hir.TypeFloat32, hir.TypeFloat64:
		e.UnimplementedInstr(instr, "scalar float byte swap")
	default:
		e.lowerIntByteSwap(instr)
	}
}

func (e *Emitter) lowerFloatCompare(instr *hir.Instr) {
	a, b, dst := instr.Src[0], instr.Src[1], GPR(instr.Dest)
	ucomis := amd64.UCOMISS
	if a.Type == hir.TypeFloat64 {
		ucomis = amd64.UCOMISD
	}
	ra := e.xmmOperand(a, scratchVectorRegister1)
	rb := e.xmmOperand(b, scratchVectorRegister2)
	// Operands are swapped in golang-asm: this compares ra with rb.
	e.assembler.CompileRegisterToRegister(ucomis, rb, ra)

	var setcc asm.Instruction
	switch instr.Opcode {
	case hir.OpcodeCompareEQ:
		setcc = amd64.SETEQ
	case hir.OpcodeCompareNE:
		setcc = amd64.SETNE
	case hir.OpcodeCompareSLT, hir.OpcodeCompareULT:
		setcc = amd64.SETCS
	case hir.OpcodeCompareSLE, hir.OpcodeCompareULE:
		setcc = amd64.SETLS
	case hir.OpcodeCompareSGT, hir.OpcodeCompareUGT:
		setcc = amd64.SETHI
	default:
		setcc = amd64.SETCC
	}
	e.setcc(setcc, dst)
}

func (e *Emitter) lowerCompare(instr *hir.Instr) {
	switch t := instr.Src[0].Type; {
	case t.IsInt():
		e.lowerIntCompare(instr)
	case t.IsFloat():
		e.lowerFloatCompare(instr)
	default:
		e.UnimplementedInstr(instr, "vector compare")
	}
}

func (e *Emitter) lowerSplat(instr *hir.Instr) {
	if instr.Dest.Type != hir.TypeVec128 {
		e.UnimplementedInstr(instr, "splat into "+instr.Dest.Type.String())
		return
	}
	src, dst := instr.Src[0], XMM(instr.Dest)
	if src.IsConstant() {
		e.LoadConstantVec128(dst, splatConstant(src))
		return
	}

	switch src.Type {
	case hir.TypeInt8, hir.TypeInt16:
		if src.Type == hir.TypeInt8 {
			e.assembler.CompileRegisterToRegister(amd64.MOVBLZX, GPR(src), scratchRegister0)
			e.assembler.CompileConstModeRegisterToRegister(amd64.IMUL3L, 0x01010101, scratchRegister0, scratchRegister0)
		} else {
			e.assembler.CompileRegisterToRegister(amd64.MOVWLZX, GPR(src), scratchRegister0)
			e.assembler.CompileConstModeRegisterToRegister(amd64.IMUL3L, 0x00010001, scratchRegister0, scratchRegister0)
		}
		e.assembler.CompileRegisterToRegister(amd64.MOVL, scratchRegister0, dst)
		e.broadcast32(dst, dst)
	case hir.TypeInt32:
		e.assembler.CompileRegisterToRegister(amd64.MOVL, GPR(src), dst)
		e.broadcast32(dst, dst)
	case hir.TypeFloat32:
		e.broadcast32(XMM(src), dst)
	case hir.TypeInt64:
		e.assembler.CompileRegisterToRegister(amd64.MOVQ, GPR(src), dst)
		e.assembler.CompileConstModeRegisterToRegister(amd64.PSHUFD, 0x44, dst, dst)
	case hir.TypeFloat64:
		e.assembler.CompileConstModeRegisterToRegister(amd64.PSHUFD, 0x44, XMM(src), dst)
	default:
		e.UnimplementedInstr(instr, "splat of "+src.Type.String())
	}
}

// broadcast32 replicates the low 32-bit lane of src into every lane of dst.
func (e *Emitter) broadcast32(src, dst asm.Register) {
	if e.IsFeatureEnabled(platform.CpuFeatureAVX2) {
		e.assembler.CompileRegisterToRegister(amd64.VPBROADCASTD, src, dst)
		return
	}
	e.assembler.CompileConstModeRegisterToRegister(amd64.PSHUFD, 0, src, dst)
}

func splatConstant(v *hir.Value) hir.Vec128 {
	switch v.Type {
	case hir.TypeInt8:
		return hir.Vec128Bytes(byte(v.Bits()))
	case hir.TypeInt16:
		u := uint32(v.Bits()&0xffff) * 0x00010001
		return hir.Vec128Uint32s(u, u, u, u)
	case hir.TypeInt32, hir.TypeFloat32:
		u := uint32(v.Bits())
		return hir.Vec128Uint32s(u, u, u, u)
	case hir.TypeInt64, hir.TypeFloat64:
		lo, hi := uint32(v.Bits()), uint32(v.Bits()>>32)
		return hir.Vec128Uint32s(lo, hi, lo, hi)
	}
	return v.Vec128()
}

func (e *Emitter) lowerConvertHalfToFloat(instr *hir.Instr) {
	src, dst := instr.Src[0], XMM(instr.Dest)
	if e.IsFeatureEnabled(platform.CpuFeatureF16C) {
		e.assembler.CompileRegisterToRegister(amd64.VCVTPH2PS, e.xmmOperand(src, scratchVectorRegister0), dst)
		return
	}
	routine := e.backend.hostRoutines.ConvertHalfToFloat
	if routine == 0 {
		e.UnimplementedInstr(instr, "half float conversion needs F16C or a host routine")
		return
	}
	stash := e.StashXmm(0, e.xmmOperand(src, scratchVectorRegister0))
	e.memoryToRegister(amd64.LEAQ, stash, amd64.RegSI)
	e.CallNativeSafe(routine)
	e.memoryToRegister(amd64.MOVUPS, stash, dst)
}
