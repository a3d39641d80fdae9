package hir

import "github.com/guestjit/x64backend/symbol"

// Builder appends instructions to a Function block by block.
//
// It is a thin convenience used by front ends and tests; optimization passes work on Function
// directly.
type Builder struct {
	fn      *Function
	current *Block
	labels  uint32
}

// NewBuilder returns a Builder positioned at the start of an empty first block.
func NewBuilder() *Builder {
	b := &Builder{fn: &Function{}}
	b.startBlock()
	return b
}

func (b *Builder) startBlock() {
	b.current = &Block{Ordinal: len(b.fn.Blocks)}
	b.fn.Blocks = append(b.fn.Blocks, b.current)
}

// NewLabel allocates an unbound label.
func (b *Builder) NewLabel(name string) *Label {
	l := &Label{ID: b.labels, Name: name}
	b.labels++
	return l
}

// MarkLabel binds l to the current position, starting a new block unless the current one is
// still empty.
func (b *Builder) MarkLabel(l *Label) {
	if len(b.current.Instrs) != 0 {
		b.startBlock()
	}
	l.block = b.current
	b.current.Labels = append(b.current.Labels, l)
}

// Append adds instr to the current block and returns it.
func (b *Builder) Append(instr *Instr) *Instr {
	b.current.Instrs = append(b.current.Instrs, instr)
	return instr
}

// Op appends an instruction with a destination and sources.
func (b *Builder) Op(op Opcode, dest *Value, srcs ...*Value) *Instr {
	instr := &Instr{Opcode: op, Dest: dest}
	copy(instr.Src[:], srcs)
	return b.Append(instr)
}

// SourceOffset appends a guest offset marker.
func (b *Builder) SourceOffset(guestOffset uint32) *Instr {
	return b.Append(&Instr{Opcode: OpcodeSourceOffset, Offset: uint64(guestOffset)})
}

// Branch appends an instruction jumping to l, conditional on cond unless op is OpcodeBranch.
func (b *Builder) Branch(op Opcode, l *Label, cond *Value) *Instr {
	instr := &Instr{Opcode: op, Label: l}
	if cond != nil {
		instr.Src[0] = cond
	}
	return b.Append(instr)
}

// Call appends a direct call to fn.
func (b *Builder) Call(fn *symbol.FunctionInfo, flags uint32) *Instr {
	return b.Append(&Instr{Opcode: OpcodeCall, Function: fn, Flags: flags})
}

// Return appends an unconditional return.
func (b *Builder) Return() *Instr {
	return b.Append(&Instr{Opcode: OpcodeReturn})
}

// Function returns the built graph.
func (b *Builder) Function() *Function {
	return b.fn
}
