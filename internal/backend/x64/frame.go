package x64

import (
	"errors"

	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
)

// ErrStackFrameTooLarge is returned when a translation needs a frame larger than the configured
// maximum.
var ErrStackFrameTooLarge = errors.New("stack frame too large")

// Frame layout, offsets from RSP after the prologue:
//
//	0     context home
//	8     guest return address of the function itself
//	16    guest return address passed to calls, see SetReturnAddress
//	24    reserved
//	32    slots handed out by AllocateStackSlot, the stash among them
//
// The size is rounded so that RSP is 16-byte aligned in the body, which is where native calls
// are made from.
const (
	frameContextOffset     = 0
	frameGuestReturnOffset = 8
	frameCallReturnOffset  = 16
	frameHeaderSize        = 32
	stashSlotSize          = 16
	stashSlotCount         = 2
	stackAlignment         = 16
	returnAddressSize      = 8
)

// DefaultMaxStackSize is the default limit of a single frame.
const DefaultMaxStackSize = 256 * 1024

// frameSize returns the size of a frame with spillSize bytes of slots.
func frameSize(spillSize int) int {
	return alignUp(frameHeaderSize+spillSize, stackAlignment) + returnAddressSize
}

func alignUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Address is a memory operand: [Base + Index*Scale + Disp].
type Address struct {
	Base  asm.Register
	Index asm.Register
	Scale int16
	Disp  int64
}

func (a Address) offset(d int64) Address {
	a.Disp += d
	return a
}

func stackAddress(offset int) Address {
	return Address{Base: amd64.RegSP, Disp: int64(offset)}
}

func (e *Emitter) memoryToRegister(inst asm.Instruction, a Address, r asm.Register) {
	if a.Index == asm.NilRegister {
		e.assembler.CompileMemoryToRegister(inst, a.Base, a.Disp, r)
	} else {
		e.assembler.CompileMemoryWithIndexToRegister(inst, a.Base, a.Disp, a.Index, a.Scale, r)
	}
}

func (e *Emitter) registerToMemory(inst asm.Instruction, r asm.Register, a Address) {
	if a.Index == asm.NilRegister {
		e.assembler.CompileRegisterToMemory(inst, r, a.Base, a.Disp)
	} else {
		e.assembler.CompileRegisterToMemoryWithIndex(inst, r, a.Base, a.Disp, a.Index, a.Scale)
	}
}

func (e *Emitter) constToMemory(inst asm.Instruction, v int64, a Address) {
	if a.Index == asm.NilRegister {
		e.assembler.CompileConstToMemory(inst, v, a.Base, a.Disp)
	} else {
		e.assembler.CompileConstToMemoryWithIndex(inst, v, a.Base, a.Disp, a.Index, a.Scale)
	}
}

// AllocateStackSlot reserves size bytes in the frame of the function being translated and
// returns the offset from RSP. Slots of 16 bytes or more are 16-byte aligned.
func (e *Emitter) AllocateStackSlot(size int) int {
	if size <= 0 {
		preconditionf("invalid stack slot size %d", size)
	}
	alignment := 8
	if size >= 16 {
		alignment = 16
	}
	offset := alignUp(e.spillSize, alignment)
	e.spillSize = offset + size
	return frameHeaderSize + offset
}

// stashAddress returns the stash slot index, allocating the stash on first use.
func (e *Emitter) stashAddress(index int) Address {
	if index < 0 || index >= stashSlotCount {
		preconditionf("stash slot %d out of range [0, %d)", index, stashSlotCount)
	}
	if e.stashOffset < 0 {
		e.stashOffset = e.AllocateStackSlot(stashSlotSize * stashSlotCount)
	}
	return stackAddress(e.stashOffset + index*stashSlotSize)
}

// StashXmm stores r into the stash slot index and returns its address.
func (e *Emitter) StashXmm(index int, r asm.Register) Address {
	a := e.stashAddress(index)
	e.registerToMemory(amd64.MOVUPS, r, a)
	return a
}

// emitPrologue allocates the frame and stores the entry state. The frame size is not known yet:
// the immediate is patched by patchFrameSize.
func (e *Emitter) emitPrologue() {
	e.frameNodes = append(e.frameNodes, e.assembler.CompileConstToRegister(amd64.SUBQ, 0, amd64.RegSP))
	e.registerToMemory(amd64.MOVQ, contextRegister, stackAddress(frameContextOffset))
	e.registerToMemory(amd64.MOVQ, scratchRegister2, stackAddress(frameGuestReturnOffset))
	e.constToMemory(amd64.MOVQ, 0, stackAddress(frameCallReturnOffset))
	e.emitTraceUserCall()
	e.EmitGetCurrentThreadId()
}

// emitReleaseFrame releases the frame before a return or tail call.
func (e *Emitter) emitReleaseFrame() {
	e.frameNodes = append(e.frameNodes, e.assembler.CompileConstToRegister(amd64.ADDQ, 0, amd64.RegSP))
}

// emitEpilogue emits the shared exit every return path jumps to.
func (e *Emitter) emitEpilogue() {
	e.epilogLabel = e.assembler.CompileLabel()
	e.EmitTraceUserCallReturn()
	e.emitReleaseFrame()
	e.assembler.CompileStandAlone(amd64.RET)
}

// patchFrameSize computes the final frame size and patches every frame adjustment with it.
func (e *Emitter) patchFrameSize() (int, error) {
	size := frameSize(e.spillSize)
	if size > e.backend.maxStackSize {
		return 0, errFrameTooLarge(size, e.backend.maxStackSize)
	}
	for _, n := range e.frameNodes {
		n.AssignSourceConstant(int64(size))
	}
	return size, nil
}
