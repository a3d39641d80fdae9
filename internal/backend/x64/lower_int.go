package x64

import (
	"math/bits"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/platform"
)

// Integer instructions indexed by hir.TypeInt8..hir.TypeInt64.
var (
	movInsts  = [4]asm.Instruction{amd64.MOVB, amd64.MOVW, amd64.MOVL, amd64.MOVQ}
	addInsts  = [4]asm.Instruction{amd64.ADDB, amd64.ADDW, amd64.ADDL, amd64.ADDQ}
	subInsts  = [4]asm.Instruction{amd64.SUBB, amd64.SUBW, amd64.SUBL, amd64.SUBQ}
	andInsts  = [4]asm.Instruction{amd64.ANDB, amd64.ANDW, amd64.ANDL, amd64.ANDQ}
	orInsts   = [4]asm.Instruction{amd64.ORB, amd64.ORW, amd64.ORL, amd64.ORQ}
	xorInsts  = [4]asm.Instruction{amd64.XORB, amd64.XORW, amd64.XORL, amd64.XORQ}
	negInsts  = [4]asm.Instruction{amd64.NEGB, amd64.NEGW, amd64.NEGL, amd64.NEGQ}
	notInsts  = [4]asm.Instruction{amd64.NOTB, amd64.NOTW, amd64.NOTL, amd64.NOTQ}
	cmpInsts  = [4]asm.Instruction{amd64.CMPB, amd64.CMPW, amd64.CMPL, amd64.CMPQ}
	testInsts = [4]asm.Instruction{amd64.TESTB, amd64.TESTW, amd64.TESTL, amd64.TESTQ}
	shlInsts  = [4]asm.Instruction{amd64.SHLB, amd64.SHLW, amd64.SHLL, amd64.SHLQ}
	shrInsts  = [4]asm.Instruction{amd64.SHRB, amd64.SHRW, amd64.SHRL, amd64.SHRQ}
	sarInsts  = [4]asm.Instruction{amd64.SARB, amd64.SARW, amd64.SARL, amd64.SARQ}
	// IMUL has no two operand 8-bit form; lowerMul widens i8 operands.
	imulInsts = [4]asm.Instruction{amd64.IMULL, amd64.IMULW, amd64.IMULL, amd64.IMULQ}
)

func intInst(t hir.TypeName, insts [4]asm.Instruction) asm.Instruction {
	if !t.IsInt() {
		preconditionf("%s is not an integer type", t)
	}
	return insts[t]
}

// immediate returns the sign normalized immediate of bits for an instruction on t. 64-bit
// instructions only take immediates that sign extend from 32 bits.
func immediate(t hir.TypeName, bits uint64) (int64, bool) {
	switch t {
	case hir.TypeInt8:
		return int64(int8(bits)), true
	case hir.TypeInt16:
		return int64(int16(bits)), true
	case hir.TypeInt32:
		return int64(int32(bits)), true
	}
	return int64(bits), ConstantFitsIn32Reg(bits)
}

// movGPR copies a value of type t between registers. Narrow values are copied with 32-bit moves.
func (e *Emitter) movGPR(t hir.TypeName, from, to asm.Register) {
	if from == to {
		return
	}
	if t == hir.TypeInt64 {
		e.assembler.CompileRegisterToRegister(amd64.MOVQ, from, to)
	} else {
		e.assembler.CompileRegisterToRegister(amd64.MOVL, from, to)
	}
}

// movConstGPR loads bits into dst. With preserveFlags, zero is not loaded with XOR.
func (e *Emitter) movConstGPR(t hir.TypeName, dst asm.Register, bits uint64, preserveFlags bool) {
	switch {
	case bits == 0 && !preserveFlags:
		e.assembler.CompileRegisterToRegister(amd64.XORL, dst, dst)
	case t == hir.TypeInt64 && bits>>32 != 0:
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(bits), dst)
	default:
		e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(uint32(bits))), dst)
	}
}

// loadGPR loads the general purpose value v, register or constant, into dst.
func (e *Emitter) loadGPR(t hir.TypeName, dst asm.Register, v *hir.Value, preserveFlags bool) {
	if v.IsConstant() {
		e.movConstGPR(t, dst, v.Bits(), preserveFlags)
		return
	}
	e.movGPR(t, GPR(v), dst)
}

// gprOperand returns the register holding v, loading a constant into scratch.
func (e *Emitter) gprOperand(v *hir.Value, scratch asm.Register) asm.Register {
	if v.IsConstant() {
		e.movConstGPR(v.Type, scratch, v.Bits(), false)
		return scratch
	}
	return GPR(v)
}

// lowerIntBinary lowers dst = a op b for two operand instructions.
func (e *Emitter) lowerIntBinary(instr *hir.Instr, insts [4]asm.Instruction, commutative bool) {
	t, dst := instr.Dest.Type, GPR(instr.Dest)
	a, b := instr.Src[0], instr.Src[1]
	op := intInst(t, insts)
	if commutative && a.IsConstant() && !b.IsConstant() {
		a, b = b, a
	}

	if !b.IsConstant() && GPR(b) == dst && (a.IsConstant() || GPR(a) != dst) {
		if commutative {
			e.binaryOperand(t, op, a, dst)
			return
		}
		// dst would be overwritten before it is read as b.
		e.loadGPR(t, scratchRegister0, a, false)
		e.assembler.CompileRegisterToRegister(op, dst, scratchRegister0)
		e.movGPR(t, scratchRegister0, dst)
		return
	}
	e.loadGPR(t, dst, a, false)
	e.binaryOperand(t, op, b, dst)
}

// binaryOperand emits dst = dst op v.
func (e *Emitter) binaryOperand(t hir.TypeName, op asm.Instruction, v *hir.Value, dst asm.Register) {
	if !v.IsConstant() {
		e.assembler.CompileRegisterToRegister(op, GPR(v), dst)
		return
	}
	if imm, ok := immediate(t, v.Bits()); ok {
		e.assembler.CompileConstToRegister(op, imm, dst)
		return
	}
	e.movConstGPR(t, scratchRegister0, v.Bits(), false)
	e.assembler.CompileRegisterToRegister(op, scratchRegister0, dst)
}

// lowerIntMul multiplies with IMUL, which takes no immediate in its two operand form.
func (e *Emitter) lowerIntMul(instr *hir.Instr) {
	t, dst := instr.Dest.Type, GPR(instr.Dest)
	a, b := instr.Src[0], instr.Src[1]
	if t == hir.TypeInt8 {
		e.zeroExtendByteOperand(a, scratchRegister0)
		e.zeroExtendByteOperand(b, scratchRegister1)
		e.assembler.CompileRegisterToRegister(amd64.IMULL, scratchRegister1, scratchRegister0)
		e.movGPR(t, scratchRegister0, dst)
		return
	}
	op := intInst(t, imulInsts)
	if a.IsConstant() && !b.IsConstant() {
		a, b = b, a
	}
	rb := e.gprOperand(b, scratchRegister1)
	if rb == dst {
		e.assembler.CompileRegisterToRegister(op, e.gprOperand(a, scratchRegister0), dst)
		return
	}
	e.loadGPR(t, dst, a, false)
	e.assembler.CompileRegisterToRegister(op, rb, dst)
}

func (e *Emitter) zeroExtendByteOperand(v *hir.Value, dst asm.Register) {
	if v.IsConstant() {
		e.movConstGPR(hir.TypeInt32, dst, v.Bits()&0xff, false)
		return
	}
	e.assembler.CompileRegisterToRegister(amd64.MOVBLZX, GPR(v), dst)
}

func (e *Emitter) lowerIntUnary(instr *hir.Instr, insts [4]asm.Instruction) {
	t, dst := instr.Dest.Type, GPR(instr.Dest)
	e.loadGPR(t, dst, instr.Src[0], false)
	e.assembler.CompileNoneToRegister(intInst(t, insts), dst)
}

func (e *Emitter) lowerShift(instr *hir.Instr) {
	if instr.Dest.Class() != hir.ClassGPR {
		e.UnimplementedInstr(instr, "vector shift")
		return
	}
	t, dst := instr.Dest.Type, GPR(instr.Dest)
	value, count := instr.Src[0], instr.Src[1]

	var insts, bmi2Insts [4]asm.Instruction
	switch instr.Opcode {
	case hir.OpcodeShl:
		insts, bmi2Insts = shlInsts, [4]asm.Instruction{2: amd64.SHLXL, 3: amd64.SHLXQ}
	case hir.OpcodeShr:
		insts, bmi2Insts = shrInsts, [4]asm.Instruction{2: amd64.SHRXL, 3: amd64.SHRXQ}
	default:
		insts, bmi2Insts = sarInsts, [4]asm.Instruction{2: amd64.SARXL, 3: amd64.SARXQ}
	}
	op := intInst(t, insts)

	if count.IsConstant() {
		// Same masking as a count in CL: 5 bits below 64-bit operands.
		n := count.Bits() & 31
		if t == hir.TypeInt64 {
			n = count.Bits() & 63
		}
		e.loadGPR(t, dst, value, false)
		e.assembler.CompileConstToRegister(op, int64(n), dst)
		return
	}
	if bmi2 := bmi2Insts[t]; bmi2 != 0 && e.IsFeatureEnabled(platform.CpuFeatureBMI2) {
		e.assembler.CompileThreeRegisters(bmi2, GPR(count), e.gprOperand(value, scratchRegister0), dst)
		return
	}
	// The count is moved to CL first: dst may be the count register.
	e.assembler.CompileRegisterToRegister(amd64.MOVL, GPR(count), scratchRegister1)
	e.loadGPR(t, dst, value, false)
	e.assembler.CompileRegisterToRegister(op, scratchRegister1, dst)
}

func (e *Emitter) lowerCountLeadingZeros(instr *hir.Instr) {
	src, dst := instr.Src[0], GPR(instr.Dest)
	t := src.Type
	width := t.Size() * 8
	if src.IsConstant() {
		e.movConstGPR(instr.Dest.Type, dst, uint64(bits.LeadingZeros64(src.Bits())-(64-width)), false)
		return
	}
	r := GPR(src)

	if e.IsFeatureEnabled(platform.CpuFeatureLZCNT) {
		switch t {
		case hir.TypeInt8:
			e.assembler.CompileRegisterToRegister(amd64.MOVBLZX, r, scratchRegister0)
			e.assembler.CompileRegisterToRegister(amd64.LZCNTL, scratchRegister0, dst)
			e.assembler.CompileConstToRegister(amd64.SUBL, 24, dst)
		case hir.TypeInt16:
			e.assembler.CompileRegisterToRegister(amd64.LZCNTW, r, dst)
		case hir.TypeInt32:
			e.assembler.CompileRegisterToRegister(amd64.LZCNTL, r, dst)
		default:
			e.assembler.CompileRegisterToRegister(amd64.LZCNTQ, r, dst)
		}
		return
	}

	// BSR returns the index of the highest set bit and sets ZF when the source is zero.
	switch t {
	case hir.TypeInt8:
		e.assembler.CompileRegisterToRegister(amd64.MOVBLZX, r, scratchRegister0)
		e.assembler.CompileRegisterToRegister(amd64.BSRL, scratchRegister0, scratchRegister0)
	case hir.TypeInt16:
		e.assembler.CompileRegisterToRegister(amd64.MOVWLZX, r, scratchRegister0)
		e.assembler.CompileRegisterToRegister(amd64.BSRL, scratchRegister0, scratchRegister0)
	case hir.TypeInt32:
		e.assembler.CompileRegisterToRegister(amd64.BSRL, r, scratchRegister0)
	default:
		e.assembler.CompileRegisterToRegister(amd64.BSRQ, r, scratchRegister0)
	}
	zero := e.assembler.CompileJump(amd64.JEQ)
	e.assembler.CompileConstToRegister(amd64.XORL, int64(width-1), scratchRegister0)
	e.assembler.CompileRegisterToRegister(amd64.MOVL, scratchRegister0, dst)
	done := e.assembler.CompileJump(amd64.JMP)
	e.assembler.SetJumpTargetOnNext(zero)
	e.assembler.CompileConstToRegister(amd64.MOVL, int64(width), dst)
	e.assembler.SetJumpTargetOnNext(done)
	e.assembler.CompileLabel()
}

func (e *Emitter) lowerIntByteSwap(instr *hir.Instr) {
	t, dst := instr.Dest.Type, GPR(instr.Dest)
	src := instr.Src[0]
	if src.IsConstant() {
		e.movConstGPR(t, dst, swapBytes(t, src.Bits()), false)
		return
	}
	e.loadGPR(t, dst, src, false)
	switch t {
	case hir.TypeInt16:
		e.assembler.CompileConstToRegister(amd64.ROLW, 8, dst)
	case hir.TypeInt32:
		e.assembler.CompileNoneToRegister(amd64.BSWAPL, dst)
	case hir.TypeInt64:
		e.assembler.CompileNoneToRegister(amd64.BSWAPQ, dst)
	}
}

// swapBytes reverses the byte order of the low t.Size() bytes of v.
func swapBytes(t hir.TypeName, v uint64) uint64 {
	switch t {
	case hir.TypeInt16:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case hir.TypeInt32, hir.TypeFloat32:
		return uint64(bits.ReverseBytes32(uint32(v)))
	case hir.TypeInt64, hir.TypeFloat64:
		return bits.ReverseBytes64(v)
	}
	return v
}

// Condition codes of the integer compares, set after CMP a, b.
var intCompareSetcc = map[hir.Opcode]asm.Instruction{
	hir.OpcodeCompareEQ:  amd64.SETEQ,
	hir.OpcodeCompareNE:  amd64.SETNE,
	hir.OpcodeCompareSLT: amd64.SETLT,
	hir.OpcodeCompareSLE: amd64.SETLE,
	hir.OpcodeCompareSGT: amd64.SETGT,
	hir.OpcodeCompareSGE: amd64.SETGE,
	hir.OpcodeCompareULT: amd64.SETCS,
	hir.OpcodeCompareULE: amd64.SETLS,
	hir.OpcodeCompareUGT: amd64.SETHI,
	hir.OpcodeCompareUGE: amd64.SETCC,
}

// swappedCompare is the compare giving the same result with the operands swapped.
var swappedCompare = map[hir.Opcode]hir.Opcode{
	hir.OpcodeCompareEQ:  hir.OpcodeCompareEQ,
	hir.OpcodeCompareNE:  hir.OpcodeCompareNE,
	hir.OpcodeCompareSLT: hir.OpcodeCompareSGT,
	hir.OpcodeCompareSLE: hir.OpcodeCompareSGE,
	hir.OpcodeCompareSGT: hir.OpcodeCompareSLT,
	hir.OpcodeCompareSGE: hir.OpcodeCompareSLE,
	hir.OpcodeCompareULT: hir.OpcodeCompareUGT,
	hir.OpcodeCompareULE: hir.OpcodeCompareUGE,
	hir.OpcodeCompareUGT: hir.OpcodeCompareULT,
	hir.OpcodeCompareUGE: hir.OpcodeCompareULE,
}

func (e *Emitter) lowerIntCompare(instr *hir.Instr) {
	op, dst := instr.Opcode, GPR(instr.Dest)
	a, b := instr.Src[0], instr.Src[1]
	t := a.Type
	if a.IsConstant() && b.IsConstant() {
		var v uint64
		if compareConstants(op, t, a.Bits(), b.Bits()) {
			v = 1
		}
		e.movConstGPR(instr.Dest.Type, dst, v, false)
		return
	}
	if a.IsConstant() {
		a, b, op = b, a, swappedCompare[op]
	}
	cmp := intInst(t, cmpInsts)
	if b.IsConstant() {
		if imm, ok := immediate(t, b.Bits()); ok {
			e.assembler.CompileRegisterToConst(cmp, GPR(a), imm)
		} else {
			e.movConstGPR(t, scratchRegister0, b.Bits(), false)
			e.assembler.CompileRegisterToRegister(cmp, GPR(a), scratchRegister0)
		}
	} else {
		e.assembler.CompileRegisterToRegister(cmp, GPR(a), GPR(b))
	}
	e.setcc(intCompareSetcc[op], dst)
}

func compareConstants(op hir.Opcode, t hir.TypeName, a, b uint64) bool {
	shift := uint(64 - t.Size()*8)
	sa, sb := int64(a<<shift)>>shift, int64(b<<shift)>>shift
	switch op {
	case hir.OpcodeCompareEQ:
		return a == b
	case hir.OpcodeCompareNE:
		return a != b
	case hir.OpcodeCompareSLT:
		return sa < sb
	case hir.OpcodeCompareSLE:
		return sa <= sb
	case hir.OpcodeCompareSGT:
		return sa > sb
	case hir.OpcodeCompareSGE:
		return sa >= sb
	case hir.OpcodeCompareULT:
		return a < b
	case hir.OpcodeCompareULE:
		return a <= b
	case hir.OpcodeCompareUGT:
		return a > b
	default:
		return a >= b
	}
}
