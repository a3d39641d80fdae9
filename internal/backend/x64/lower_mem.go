package x64

import (
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/platform"
)

func (e *Emitter) lowerCast(instr *hir.Instr) {
	src, dest := instr.Src[0], instr.Dest
	if src.Class() == dest.Class() {
		e.lowerAssign(instr)
		return
	}
	if src.Type.Size() != dest.Type.Size() || src.Type.Size() < 4 || src.Type == hir.TypeVec128 {
		e.UnimplementedInstr(instr, "cast from "+src.Type.String()+" to "+dest.Type.String())
		return
	}
	mov := amd64.MOVL
	if src.Type.Size() == 8 {
		mov = amd64.MOVQ
	}
	if dest.Class() == hir.ClassVector {
		e.assembler.CompileRegisterToRegister(mov, e.gprOperand(src, scratchRegister0), XMM(dest))
	} else {
		e.assembler.CompileRegisterToRegister(mov, e.xmmOperand(src, scratchVectorRegister0), GPR(dest))
	}
}

// extendInsts are the moves extending an integer of the row type to the column type.
var (
	zeroExtendInsts = [4][4]asm.Instruction{
		hir.TypeInt8:  {hir.TypeInt16: amd64.MOVBLZX, hir.TypeInt32: amd64.MOVBLZX, hir.TypeInt64: amd64.MOVBQZX},
		hir.TypeInt16: {hir.TypeInt32: amd64.MOVWLZX, hir.TypeInt64: amd64.MOVWQZX},
		hir.TypeInt32: {hir.TypeInt64: amd64.MOVL},
	}
	signExtendInsts = [4][4]asm.Instruction{
		hir.TypeInt8:  {hir.TypeInt16: amd64.MOVBLSX, hir.TypeInt32: amd64.MOVBLSX, hir.TypeInt64: amd64.MOVBQSX},
		hir.TypeInt16: {hir.TypeInt32: amd64.MOVWLSX, hir.TypeInt64: amd64.MOVWQSX},
		hir.TypeInt32: {hir.TypeInt64: amd64.MOVLQSX},
	}
	truncateInsts = [4]asm.Instruction{hir.TypeInt8: amd64.MOVBLZX, hir.TypeInt16: amd64.MOVWLZX, hir.TypeInt32: amd64.MOVL}
)

func (e *Emitter) lowerZeroExtend(instr *hir.Instr) {
	e.lowerExtend(instr, zeroExtendInsts, false)
}

func (e *Emitter) lowerSignExtend(instr *hir.Instr) {
	e.lowerExtend(instr, signExtendInsts, true)
}

func (e *Emitter) lowerExtend(instr *hir.Instr, insts [4][4]asm.Instruction, signed bool) {
	src, dest := instr.Src[0], instr.Dest
	if !src.Type.IsInt() || !dest.Type.IsInt() {
		e.UnimplementedInstr(instr, "float extension")
		return
	}
	if src.Type == dest.Type {
		e.lowerAssign(instr)
		return
	}
	inst := insts[src.Type][dest.Type]
	if inst == 0 {
		preconditionf("cannot extend %s to %s", src.Type, dest.Type)
	}
	if src.IsConstant() {
		v := src.Bits()
		if signed {
			shift := uint(64 - src.Type.Size()*8)
			v = uint64(int64(v<<shift) >> shift)
		}
		e.movConstGPR(dest.Type, GPR(dest), v, false)
		return
	}
	e.assembler.CompileRegisterToRegister(inst, GPR(src), GPR(dest))
}

func (e *Emitter) lowerTruncate(instr *hir.Instr) {
	src, dest := instr.Src[0], instr.Dest
	if !src.Type.IsInt() || !dest.Type.IsInt() {
		e.UnimplementedInstr(instr, "float truncation")
		return
	}
	if dest.Type.Size() >= src.Type.Size() {
		e.lowerAssign(instr)
		return
	}
	if src.IsConstant() {
		e.movConstGPR(dest.Type, GPR(dest), src.Bits()&(1<<(uint(dest.Type.Size())*8)-1), false)
		return
	}
	e.assembler.CompileRegisterToRegister(truncateInsts[dest.Type], GPR(src), GPR(dest))
}

// Loads of each type into a register, zero extending integers narrower than 32 bits.
var loadInsts = [...]asm.Instruction{
	hir.TypeInt8:    amd64.MOVBLZX,
	hir.TypeInt16:   amd64.MOVWLZX,
	hir.TypeInt32:   amd64.MOVL,
	hir.TypeInt64:   amd64.MOVQ,
	hir.TypeFloat32: amd64.MOVSS,
	hir.TypeFloat64: amd64.MOVSD,
	hir.TypeVec128:  amd64.MOVUPS,
}

// Stores of each type from a register.
var storeInsts = [...]asm.Instruction{
	hir.TypeInt8:    amd64.MOVB,
	hir.TypeInt16:   amd64.MOVW,
	hir.TypeInt32:   amd64.MOVL,
	hir.TypeInt64:   amd64.MOVQ,
	hir.TypeFloat32: amd64.MOVSS,
	hir.TypeFloat64: amd64.MOVSD,
	hir.TypeVec128:  amd64.MOVUPS,
}

func (e *Emitter) lowerLoadContext(instr *hir.Instr) {
	a := Address{Base: contextRegister, Disp: int64(instr.Offset)}
	e.memoryToRegister(loadInsts[instr.Dest.Type], a, Reg(instr.Dest))
}

func (e *Emitter) lowerStoreContext(instr *hir.Instr) {
	a := Address{Base: contextRegister, Disp: int64(instr.Offset)}
	e.storeValue(instr.Src[0], func() Address { return a }, false)
}

// guestAddress returns the operand addressing the guest address v. Addresses are 32-bit: the
// upper half of a 64-bit address register is ignored.
func (e *Emitter) guestAddress(v *hir.Value) Address {
	if v.IsConstant() {
		if addr := uint32(v.Bits()); addr < 1<<31 {
			return Address{Base: membaseRegister, Disp: int64(addr)}
		}
		e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(uint32(v.Bits()))), scratchRegister0)
	} else {
		e.assembler.CompileRegisterToRegister(amd64.MOVL, GPR(v), scratchRegister0)
	}
	return Address{Base: membaseRegister, Index: scratchRegister0, Scale: 1}
}

var movbeInsts = [4]asm.Instruction{hir.TypeInt16: amd64.MOVBEWW, hir.TypeInt32: amd64.MOVBELL, hir.TypeInt64: amd64.MOVBEQQ}

func (e *Emitter) lowerLoad(instr *hir.Instr) {
	t, dst := instr.Dest.Type, Reg(instr.Dest)
	a := e.guestAddress(instr.Src[0])
	if instr.Flags&hir.MemoryByteSwap == 0 || t == hir.TypeInt8 {
		e.memoryToRegister(loadInsts[t], a, dst)
		return
	}

	switch t {
	case hir.TypeVec128:
		e.memoryToRegister(amd64.MOVUPS, a, dst)
		e.memoryToRegister(amd64.PSHUFB, e.GetXmmConstPtr(XMMByteSwapMask), dst)
	case hir.TypeFloat32, hir.TypeFloat64:
		it := hir.TypeInt32
		if t == hir.TypeFloat64 {
			it = hir.TypeInt64
		}
		e.loadSwapped(it, a, scratchRegister0)
		e.assembler.CompileRegisterToRegister(movInsts[it], scratchRegister0, dst)
	default:
		e.loadSwapped(t, a, dst)
	}
}

// loadSwapped loads the integer of type t at a into dst reversing its bytes.
func (e *Emitter) loadSwapped(t hir.TypeName, a Address, dst asm.Register) {
	if e.IsFeatureEnabled(platform.CpuFeatureMOVBE) {
		e.memoryToRegister(movbeInsts[t], a, dst)
		return
	}
	e.memoryToRegister(loadInsts[t], a, dst)
	e.swapRegister(t, dst)
}

func (e *Emitter) swapRegister(t hir.TypeName, r asm.Register) {
	switch t {
	case hir.TypeInt16:
		e.assembler.CompileConstToRegister(amd64.ROLW, 8, r)
	case hir.TypeInt32:
		e.assembler.CompileNoneToRegister(amd64.BSWAPL, r)
	case hir.TypeInt64:
		e.assembler.CompileNoneToRegister(amd64.BSWAPQ, r)
	}
}

func (e *Emitter) lowerStore(instr *hir.Instr) {
	e.storeValue(instr.Src[1], func() Address { return e.guestAddress(instr.Src[0]) }, instr.Flags&hir.MemoryByteSwap != 0)
}

// storeValue stores v at the address returned by resolve. The value is staged in a scratch
// register before resolve is called, as resolving a guest address may use RAX.
func (e *Emitter) storeValue(v *hir.Value, resolve func() Address, swap bool) {
	t := v.Type
	if t == hir.TypeInt8 {
		swap = false
	}

	if v.IsConstant() && t != hir.TypeVec128 {
		bits := v.Bits()
		if swap {
			bits = swapBytes(t, bits)
		}
		a := resolve()
		switch t {
		case hir.TypeInt64, hir.TypeFloat64:
			e.MovMem64(a, bits)
		case hir.TypeFloat32:
			e.constToMemory(amd64.MOVL, int64(int32(uint32(bits))), a)
		default:
			imm, _ := immediate(t, bits)
			e.constToMemory(movInsts[t], imm, a)
		}
		return
	}

	switch {
	case t == hir.TypeVec128:
		r := e.xmmOperand(v, scratchVectorRegister0)
		if swap {
			e.movXMM(r, scratchVectorRegister0)
			e.memoryToRegister(amd64.PSHUFB, e.GetXmmConstPtr(XMMByteSwapMask), scratchVectorRegister0)
			r = scratchVectorRegister0
		}
		e.registerToMemory(amd64.MOVUPS, r, resolve())
	case !swap:
		e.registerToMemory(storeInsts[t], Reg(v), resolve())
	default:
		it, r := t, asm.NilRegister
		switch t {
		case hir.TypeFloat32:
			it, r = hir.TypeInt32, scratchRegister1
			e.assembler.CompileRegisterToRegister(amd64.MOVL, XMM(v), r)
		case hir.TypeFloat64:
			it, r = hir.TypeInt64, scratchRegister1
			e.assembler.CompileRegisterToRegister(amd64.MOVQ, XMM(v), r)
		default:
			r = GPR(v)
		}
		if e.IsFeatureEnabled(platform.CpuFeatureMOVBE) {
			e.registerToMemory(movbeInsts[it], r, resolve())
			return
		}
		if r != scratchRegister1 {
			e.movGPR(it, r, scratchRegister1)
		}
		e.swapRegister(it, scratchRegister1)
		e.registerToMemory(movInsts[it], scratchRegister1, resolve())
	}
}
