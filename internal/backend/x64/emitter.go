package x64

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/platform"
	"github.com/guestjit/x64backend/symbol"
)

// emitterState is the lifecycle of one translation.
type emitterState byte

const (
	stateIdle emitterState = iota
	// stateAccumulating is set while instructions are lowered; the frame only grows.
	stateAccumulating
	// stateFinalizing is set while the frame size is patched and the code assembled and placed.
	stateFinalizing
	stateDone
)

// String implements fmt.Stringer.
func (s emitterState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAccumulating:
		return "accumulating"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("emitterState(%d)", byte(s))
}

// Diagnostic records an instruction lowered to a trap because no lowering rule applies.
type Diagnostic struct {
	Opcode      hir.Opcode
	GuestOffset uint32
	Reason      string
}

// String implements fmt.Stringer.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s at %08x: %s", d.Opcode, d.GuestOffset, d.Reason)
}

// Result describes placed code.
type Result struct {
	// Code is the executable address of the function.
	Code     uintptr
	CodeSize int
	// StackSize is the size of the frame the function allocates.
	StackSize      int
	SourceMapCount int
	Diagnostics    []Diagnostic
}

type pendingJump struct {
	node  asm.Node
	label *hir.Label
}

// Emitter translates one function at a time. It is not safe for concurrent use; translate
// concurrently with one Emitter per goroutine.
type Emitter struct {
	backend   *Backend
	logger    *zap.Logger
	features  platform.CpuFeatureFlags
	assembler *amd64.Assembler
	state     emitterState

	fn           *symbol.FunctionInfo
	currentInstr *hir.Instr
	lastInstr    *hir.Instr
	guestOffset  uint32

	debugInfo      *debuginfo.DebugInfo
	debugInfoFlags debuginfo.Flags
	traceData      debuginfo.TraceData
	sourceMap      sourceMap

	labels      map[*hir.Label]asm.Node
	jumps       []pendingJump
	epilogLabel asm.Node
	epilogJumps []asm.Node

	spillSize   int
	stashOffset int
	frameNodes  []asm.Node
	stackSize   int

	diagnostics []Diagnostic
}

func newEmitter(b *Backend) *Emitter {
	return &Emitter{
		backend:  b,
		logger:   b.logger,
		features: b.features,
		labels:   map[*hir.Label]asm.Node{},
	}
}

// IsFeatureEnabled returns true if generated code may use the instruction set extension f.
func (e *Emitter) IsFeatureEnabled(f platform.CpuFeature) bool {
	return e.features.Has(f)
}

// StackSize returns the frame size of the last translation.
func (e *Emitter) StackSize() int { return e.stackSize }

// DebugInfo returns the debug info consumer of the current translation.
func (e *Emitter) DebugInfo() *debuginfo.DebugInfo { return e.debugInfo }

// Emit translates f, the graph of fn, places the code and records its address in fn. di, which
// may be nil, receives the debug information flags request.
//
// Instructions without a lowering rule do not fail the translation: they are lowered to a trap
// and reported in Result.Diagnostics. A malformed graph, an exhausted resource or a failure of
// the code cache fail it, and nothing is placed.
func (e *Emitter) Emit(fn *symbol.FunctionInfo, f *hir.Function, flags debuginfo.Flags, di *debuginfo.DebugInfo) (res *Result, err error) {
	if fn == nil {
		return nil, errors.New("cannot translate a nil function")
	}
	if e.state == stateAccumulating || e.state == stateFinalizing {
		return nil, fmt.Errorf("emitter is %s", e.state)
	}
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(preconditionError)
			if !ok {
				panic(r)
			}
			res, err = nil, fmt.Errorf("translating %s: %w", fn, pe)
		}
		if err != nil {
			e.state = stateIdle
			e.logger.Error("translation failed", zap.String("function", fn.String()), zap.Error(err))
		}
	}()

	if err = hir.Validate(f); err != nil {
		return nil, fmt.Errorf("translating %s: %w", fn, err)
	}
	if err = e.reset(fn, flags, di); err != nil {
		return nil, fmt.Errorf("translating %s: %w", fn, err)
	}

	code, err := e.emit(f)
	if err != nil {
		return nil, fmt.Errorf("translating %s: %w", fn, err)
	}
	return e.emplace(code)
}

// reset starts a fresh translation.
func (e *Emitter) reset(fn *symbol.FunctionInfo, flags debuginfo.Flags, di *debuginfo.DebugInfo) (err error) {
	if e.assembler, err = amd64.NewAssembler(); err != nil {
		return err
	}
	e.state = stateIdle
	e.fn = fn
	e.currentInstr, e.lastInstr = nil, nil
	e.guestOffset = fn.Address()
	e.debugInfo = di
	e.debugInfoFlags = flags
	e.traceData = debuginfo.TraceData{}
	e.sourceMap.reset()
	for l := range e.labels {
		delete(e.labels, l)
	}
	e.jumps = e.jumps[:0]
	e.epilogLabel = nil
	e.epilogJumps = e.epilogJumps[:0]
	e.spillSize = 0
	e.stashOffset = -1
	e.frameNodes = e.frameNodes[:0]
	e.stackSize = 0
	e.diagnostics = nil

	if flags.Tracing() {
		if e.traceData, err = e.backend.traceDataFor(fn); err != nil {
			return err
		}
	}
	return nil
}

// emit lowers f and assembles the code.
func (e *Emitter) emit(f *hir.Function) ([]byte, error) {
	e.state = stateAccumulating
	e.emitPrologue()
	e.lowerFunction(f)
	e.emitEpilogue()

	e.state = stateFinalizing
	stackSize, err := e.patchFrameSize()
	if err != nil {
		return nil, err
	}
	e.stackSize = stackSize
	for _, j := range e.jumps {
		j.node.AssignJumpTarget(e.labels[j.label])
	}
	for _, j := range e.epilogJumps {
		j.AssignJumpTarget(e.epilogLabel)
	}
	if e.debugInfoFlags.Has(debuginfo.FlagSourceMap) {
		e.assembler.AddOnGenerateCallBack(e.sourceMap.resolve)
	}
	code, err := e.assembler.Assemble()
	if err != nil {
		return nil, err
	}
	return code, nil
}

// emplace hands the code to the code cache and publishes the debug information.
func (e *Emitter) emplace(code []byte) (*Result, error) {
	addr, err := e.backend.codeCache.Place(e.fn, code, e.stackSize)
	if err != nil {
		return nil, fmt.Errorf("placing %s: %w", e.fn, err)
	}
	e.fn.SetMachineCode(addr, uint32(len(code)))

	sourceMapCount := e.sourceMap.len()
	e.publishDebugInfo(code)
	e.sourceMap.reset()

	e.state = stateDone
	e.logger.Debug("translated function",
		zap.String("function", e.fn.String()),
		zap.Uintptr("address", addr),
		zap.Int("code_size", len(code)),
		zap.Int("stack_size", e.stackSize),
		zap.Int("diagnostics", len(e.diagnostics)))
	return &Result{
		Code:           addr,
		CodeSize:       len(code),
		StackSize:      e.stackSize,
		SourceMapCount: sourceMapCount,
		Diagnostics:    e.diagnostics,
	}, nil
}

func errFrameTooLarge(size, max int) error {
	return fmt.Errorf("%w: %d bytes exceeds the limit of %d", ErrStackFrameTooLarge, size, max)
}

// Is allows errors.Is(err, hir.ErrMalformedFunction) on precondition violations.
func (e preconditionError) Is(target error) bool {
	return target == hir.ErrMalformedFunction
}
