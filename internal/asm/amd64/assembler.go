// Package amd64 implements the x86-64 assembler the backend emits through.
//
// Operands follow golang-asm conventions: the source comes first, the destination last, and
// comparisons keep Intel operand order (CMPQ AX, $1 compares AX with 1).
package amd64

import (
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/guestjit/x64backend/internal/asm"
)

// Assembler is the x86-64 assembler.
type Assembler struct {
	*asm.GolangAsmBaseAssembler
}

// NewAssembler returns a new Assembler.
func NewAssembler() (*Assembler, error) {
	b, err := asm.NewGolangAsmBaseAssembler("amd64")
	if err != nil {
		return nil, err
	}
	return &Assembler{GolangAsmBaseAssembler: b}, nil
}

func (a *Assembler) add(p *obj.Prog) *asm.GolangAsmNode {
	return a.AddInstruction(p)
}

func reg(r asm.Register) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: r}
}

func mem(base asm.Register, offset int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: offset}
}

func memIndex(base asm.Register, offset int64, index asm.Register, scale int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: offset, Index: index, Scale: scale}
}

func imm(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

// CompileStandAlone adds an instruction without operands.
func (a *Assembler) CompileStandAlone(inst asm.Instruction) asm.Node {
	p := a.NewProg()
	p.As = inst
	return a.add(p)
}

// CompileRegisterToRegister adds an instruction reading from and writing to registers.
func (a *Assembler) CompileRegisterToRegister(inst asm.Instruction, from, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(from)
	p.To = reg(to)
	return a.add(p)
}

// CompileMemoryToRegister adds an instruction reading [base+offset] into to.
func (a *Assembler) CompileMemoryToRegister(inst asm.Instruction, base asm.Register, offset int64, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = mem(base, offset)
	p.To = reg(to)
	return a.add(p)
}

// CompileMemoryWithIndexToRegister adds an instruction reading [base+offset+index*scale] into to.
func (a *Assembler) CompileMemoryWithIndexToRegister(inst asm.Instruction, base asm.Register, offset int64, index asm.Register, scale int16, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = memIndex(base, offset, index, scale)
	p.To = reg(to)
	return a.add(p)
}

// CompileRegisterToMemory adds an instruction writing from into [base+offset].
func (a *Assembler) CompileRegisterToMemory(inst asm.Instruction, from, base asm.Register, offset int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(from)
	p.To = mem(base, offset)
	return a.add(p)
}

// CompileRegisterToMemoryWithIndex adds an instruction writing from into [base+offset+index*scale].
func (a *Assembler) CompileRegisterToMemoryWithIndex(inst asm.Instruction, from, base asm.Register, offset int64, index asm.Register, scale int16) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(from)
	p.To = memIndex(base, offset, index, scale)
	return a.add(p)
}

// CompileConstToRegister adds an instruction with an immediate source. The returned node allows
// patching the immediate with AssignSourceConstant before Assemble.
func (a *Assembler) CompileConstToRegister(inst asm.Instruction, value int64, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = imm(value)
	p.To = reg(to)
	return a.add(p)
}

// CompileConstToMemory adds an instruction with an immediate source and [base+offset] destination.
func (a *Assembler) CompileConstToMemory(inst asm.Instruction, value int64, base asm.Register, offset int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = imm(value)
	p.To = mem(base, offset)
	return a.add(p)
}

// CompileConstToMemoryWithIndex adds an instruction with an immediate source and
// [base+offset+index*scale] destination.
func (a *Assembler) CompileConstToMemoryWithIndex(inst asm.Instruction, value int64, base asm.Register, offset int64, index asm.Register, scale int16) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = imm(value)
	p.To = memIndex(base, offset, index, scale)
	return a.add(p)
}

// CompileRegisterToConst adds an instruction comparing a register with an immediate.
func (a *Assembler) CompileRegisterToConst(inst asm.Instruction, from asm.Register, value int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(from)
	p.To = imm(value)
	return a.add(p)
}

// CompileMemoryToConst adds an instruction comparing [base+offset] with an immediate.
func (a *Assembler) CompileMemoryToConst(inst asm.Instruction, base asm.Register, offset int64, value int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = mem(base, offset)
	p.To = imm(value)
	return a.add(p)
}

// CompileNoneToRegister adds a single operand instruction on a register, e.g. NEGQ or BSWAPL.
func (a *Assembler) CompileNoneToRegister(inst asm.Instruction, r asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.To = reg(r)
	return a.add(p)
}

// CompileRegisterToNone adds a single operand instruction reading a register, e.g. PUSHQ.
func (a *Assembler) CompileRegisterToNone(inst asm.Instruction, r asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(r)
	return a.add(p)
}

// CompileNoneToMemory adds a single operand instruction on [base+offset], e.g. INCQ.
func (a *Assembler) CompileNoneToMemory(inst asm.Instruction, base asm.Register, offset int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.To = mem(base, offset)
	return a.add(p)
}

// CompileConstModeRegisterToRegister adds an instruction taking an immediate mode plus a source
// register, e.g. PSHUFD $0, X1, X0.
func (a *Assembler) CompileConstModeRegisterToRegister(inst asm.Instruction, mode int64, from, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = imm(mode)
	p.RestArgs = append(p.RestArgs, reg(from))
	p.To = reg(to)
	return a.add(p)
}

// CompileThreeRegisters adds a three operand instruction. Operands are in golang-asm order,
// e.g. SHLXQ count, src, dst or VFMADD213SS addend, multiplier, dst.
func (a *Assembler) CompileThreeRegisters(inst asm.Instruction, from, rest, to asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = reg(from)
	p.RestArgs = append(p.RestArgs, reg(rest))
	p.To = reg(to)
	return a.add(p)
}

// CompileJump adds a branch whose target is set later with AssignJumpTarget or
// SetJumpTargetOnNext.
func (a *Assembler) CompileJump(inst asm.Instruction) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.To.Type = obj.TYPE_BRANCH
	return a.add(p)
}

// CompileJumpToRegister adds an indirect JMP or CALL through r.
func (a *Assembler) CompileJumpToRegister(inst asm.Instruction, r asm.Register) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.To = reg(r)
	return a.add(p)
}

// CompileBytes adds raw bytes, one instruction node per byte.
func (a *Assembler) CompileBytes(bs ...byte) (first asm.Node) {
	for i, b := range bs {
		n := a.CompileStandAloneWithConst(BYTE, int64(b))
		if i == 0 {
			first = n
		}
	}
	return
}

// CompileStandAloneWithConst adds an instruction whose only operand is an immediate, e.g. INT $3.
func (a *Assembler) CompileStandAloneWithConst(inst asm.Instruction, value int64) asm.Node {
	p := a.NewProg()
	p.As = inst
	p.From = imm(value)
	return a.add(p)
}

// CompileLabel adds a zero sized anchor. Jumps targeting it land on the next instruction.
func (a *Assembler) CompileLabel() asm.Node {
	return a.CompileStandAlone(NOP)
}
