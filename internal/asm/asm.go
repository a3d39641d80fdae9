// Package asm is the architecture independent part of the assemblers the backend emits through.
package asm

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
)

// Register is a golang-asm register number.
type Register = int16

// Instruction is a golang-asm opcode.
type Instruction = obj.As

// NilRegister marks an operand without a register.
const NilRegister Register = 0

// Node is one emitted instruction. Labels and source map anchors are nodes too.
type Node interface {
	fmt.Stringer
	// AssignJumpTarget makes this branch jump to target.
	AssignJumpTarget(target Node)
	// AssignSourceConstant rewrites the source immediate, e.g. a frame size patched after lowering.
	AssignSourceConstant(value int64)
	// OffsetInBinary is the code offset of the node, valid once Assemble returned.
	OffsetInBinary() int64
}

// AssemblerBase is the part of an assembler the emitter uses regardless of the target.
type AssemblerBase interface {
	// Assemble encodes every node and runs the on-generate callbacks.
	Assemble() ([]byte, error)
	// SetJumpTargetOnNext binds the branches in nodes to whatever node is added next.
	SetJumpTargetOnNext(nodes ...Node)
	// AddOnGenerateCallBack runs cb on the encoded code, before Assemble returns it.
	AddOnGenerateCallBack(cb func([]byte) error)
	// Nodes lists the nodes in emission order.
	Nodes() []Node
}
