package asm

import (
	"fmt"
	"sync"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
)

// GolangAsmNode is a Node backed by one golang-asm instruction.
type GolangAsmNode struct {
	prog *obj.Prog
}

// NewGolangAsmNode wraps p.
func NewGolangAsmNode(p *obj.Prog) *GolangAsmNode {
	return &GolangAsmNode{prog: p}
}

// Prog returns the underlying instruction.
func (n *GolangAsmNode) Prog() *obj.Prog {
	return n.prog
}

// String implements fmt.Stringer.
func (n *GolangAsmNode) String() string {
	return n.prog.String()
}

// OffsetInBinary implements the same method as documented on Node.
func (n *GolangAsmNode) OffsetInBinary() int64 {
	return n.prog.Pc
}

// AssignJumpTarget implements the same method as documented on Node.
func (n *GolangAsmNode) AssignJumpTarget(target Node) {
	b := target.(*GolangAsmNode)
	n.prog.To.SetTarget(b.prog)
}

// AssignSourceConstant implements the same method as documented on Node.
func (n *GolangAsmNode) AssignSourceConstant(value int64) {
	n.prog.From.Offset = value
}

// builderMu serializes golang-asm builder construction: initializing an architecture writes
// package level tables of golang-asm.
var builderMu sync.Mutex

// GolangAsmBaseAssembler is the AssemblerBase every golang-asm backed assembler embeds.
type GolangAsmBaseAssembler struct {
	b *goasm.Builder

	// pendingNextTargets are jumps whose target is the next added instruction.
	pendingNextTargets []Node
	// onGenerate run in order on the assembled code.
	onGenerate []func(code []byte) error

	nodes []Node
}

var _ AssemblerBase = (*GolangAsmBaseAssembler)(nil)

// NewGolangAsmBaseAssembler returns an assembler for the golang-asm architecture name arch.
func NewGolangAsmBaseAssembler(arch string) (*GolangAsmBaseAssembler, error) {
	builderMu.Lock()
	defer builderMu.Unlock()
	b, err := goasm.NewBuilder(arch, 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &GolangAsmBaseAssembler{b: b}, nil
}

// Assemble implements the same method as documented on AssemblerBase.
func (a *GolangAsmBaseAssembler) Assemble() ([]byte, error) {
	if len(a.nodes) == 0 {
		return nil, nil
	}
	if len(a.pendingNextTargets) != 0 {
		return nil, fmt.Errorf("%d jumps have no target", len(a.pendingNextTargets))
	}
	code := a.b.Assemble()
	for _, cb := range a.onGenerate {
		if err := cb(code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// SetJumpTargetOnNext implements the same method as documented on AssemblerBase.
func (a *GolangAsmBaseAssembler) SetJumpTargetOnNext(nodes ...Node) {
	a.pendingNextTargets = append(a.pendingNextTargets, nodes...)
}

// AddOnGenerateCallBack implements the same method as documented on AssemblerBase.
func (a *GolangAsmBaseAssembler) AddOnGenerateCallBack(cb func([]byte) error) {
	a.onGenerate = append(a.onGenerate, cb)
}

// Nodes implements the same method as documented on AssemblerBase.
func (a *GolangAsmBaseAssembler) Nodes() []Node {
	return a.nodes
}

// AddInstruction appends next and resolves the jumps waiting for it.
func (a *GolangAsmBaseAssembler) AddInstruction(next *obj.Prog) *GolangAsmNode {
	a.b.AddInstruction(next)
	for _, jmp := range a.pendingNextTargets {
		jmp.(*GolangAsmNode).prog.To.SetTarget(next)
	}
	a.pendingNextTargets = nil
	n := NewGolangAsmNode(next)
	a.nodes = append(a.nodes, n)
	return n
}

// NewProg allocates an instruction of the underlying builder.
func (a *GolangAsmBaseAssembler) NewProg() *obj.Prog {
	return a.b.NewProg()
}
