// Package hir is the machine independent form of a guest function handed to the backend.
//
// A Function is an ordered list of basic blocks. Each Block starts with zero or more labels that
// branches may target, followed by instructions. Values carry a register class slot assigned by
// the upstream register allocator; the backend only reads a Function, it never mutates it.
package hir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guestjit/x64backend/symbol"
)

// ErrMalformedFunction is returned by Validate for a graph violating its structural contract.
var ErrMalformedFunction = errors.New("malformed function")

// Label is a branch target bound to the start of a block.
type Label struct {
	ID    uint32
	Name  string
	block *Block
}

// Block returns the block the label is bound to, nil if unbound.
func (l *Label) Block() *Block { return l.block }

// String implements fmt.Stringer.
func (l *Label) String() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("label%d", l.ID)
}

// Instr is one instruction of a Block. Which fields are meaningful depends on the Opcode.
type Instr struct {
	Opcode Opcode
	Flags  uint32
	Dest   *Value
	Src    [3]*Value

	// Label is the branch target.
	Label *Label
	// Function is the call target.
	Function *symbol.FunctionInfo
	// Offset is the guest offset, context offset, trap type or no-op length.
	Offset uint64
	// Comment is the text of OpcodeComment.
	Comment string
}

// String implements fmt.Stringer.
func (i *Instr) String() string {
	var b strings.Builder
	if i.Dest != nil {
		fmt.Fprintf(&b, "%s = ", i.Dest)
	}
	b.WriteString(i.Opcode.String())
	for _, s := range i.Src {
		if s != nil {
			fmt.Fprintf(&b, " %s", s)
		}
	}
	if i.Label != nil {
		fmt.Fprintf(&b, " %s", i.Label)
	}
	if i.Function != nil {
		fmt.Fprintf(&b, " %s", i.Function)
	}
	if i.Offset != 0 {
		fmt.Fprintf(&b, " +%#x", i.Offset)
	}
	return b.String()
}

// Block is a basic block.
type Block struct {
	Ordinal int
	Labels  []*Label
	Instrs  []*Instr
}

// Function is the graph of one guest function.
type Function struct {
	Blocks []*Block
}

// InstrCount returns the total number of instructions.
func (f *Function) InstrCount() (n int) {
	for _, b := range f.Blocks {
		n += len(b.Instrs)
	}
	return
}

// Validate checks the structural contract of the graph: every known opcode carries the operands
// its shape requires, every branch targets a label bound within f, and no label is bound twice.
// Opcodes unknown to this package are accepted; they are a lowering concern.
func Validate(f *Function) error {
	if f == nil || len(f.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrMalformedFunction)
	}
	bound := map[*Label]*Block{}
	for _, b := range f.Blocks {
		for _, l := range b.Labels {
			if prev, ok := bound[l]; ok {
				return fmt.Errorf("%w: label %s bound to blocks %d and %d", ErrMalformedFunction, l, prev.Ordinal, b.Ordinal)
			}
			bound[l] = b
		}
	}
	for _, b := range f.Blocks {
		for idx, instr := range b.Instrs {
			if err := validateInstr(instr, bound); err != nil {
				return fmt.Errorf("%w: block %d instr %d (%s): %v", ErrMalformedFunction, b.Ordinal, idx, instr.Opcode, err)
			}
		}
	}
	return nil
}

func validateInstr(instr *Instr, bound map[*Label]*Block) error {
	if instr == nil {
		return errors.New("nil instruction")
	}
	if !instr.Opcode.known() {
		return nil
	}
	s := shapes[instr.Opcode]
	if s.dest {
		if instr.Dest == nil {
			return errors.New("missing destination")
		}
		if instr.Dest.IsConstant() {
			return errors.New("constant destination")
		}
	}
	for i := 0; i < s.srcs; i++ {
		if instr.Src[i] == nil {
			return fmt.Errorf("missing source %d", i)
		}
	}
	if s.label {
		if instr.Label == nil {
			return errors.New("missing label")
		}
		if _, ok := bound[instr.Label]; !ok {
			return fmt.Errorf("label %s is not bound in this function", instr.Label)
		}
	}
	if s.function && instr.Function == nil {
		return errors.New("missing call target")
	}
	return nil
}
