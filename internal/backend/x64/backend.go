// Package x64 translates hir functions into x86-64 machine code.
//
// A Backend holds what all translations share: the constant pool in guest memory, the host
// thunks and the code cache. An Emitter translates one function at a time; use one Emitter per
// goroutine to translate concurrently.
package x64

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/internal/codecache"
	"github.com/guestjit/x64backend/internal/memory"
	"github.com/guestjit/x64backend/internal/platform"
	"github.com/guestjit/x64backend/symbol"
)

// Layout of the execution context generated code reads through RDI.
const (
	// ContextMembaseOffset holds the host address of guest address zero.
	ContextMembaseOffset = 0x00
	// ContextThreadIDOffset holds the id of the guest thread, read as 16 bits by the thread id trace.
	ContextThreadIDOffset = 0x08
	// ContextDataOffset is the start of the guest state LoadContext and StoreContext address.
	ContextDataOffset = 0x10
	// ContextDataSize is the size of the guest state in Context.
	ContextDataSize = 0x100
)

// Context is an execution context laid out as generated code expects it. Hosts embedding the
// backend may use their own layout as long as the offsets above hold.
type Context struct {
	Membase  uintptr
	ThreadID uint32
	_        uint32
	Data     [ContextDataSize / 8]uint64
}

// HostRoutines are the addresses of host machine code generated code calls. Routines use the
// System V calling convention and receive the execution context as first argument.
type HostRoutines struct {
	// ResolveFunction(ctx, guestAddress) returns the machine code of the guest function,
	// translating it if needed, or zero if it cannot be resolved.
	ResolveFunction uintptr
	// ConvertHalfToFloat(ctx, v) converts the four half floats at v in place, where v points to a
	// 16-byte buffer. Used when F16C is not available.
	ConvertHalfToFloat uintptr
	// Trap(ctx, trapType) handles the Trap and TrapTrue instructions of guest code. It is called
	// without preserving the vector registers, so it must not modify X6 to X15. When zero, guest
	// traps raise an invalid opcode exception like untranslatable instructions do.
	Trap uintptr
}

// Config configures NewBackend.
type Config struct {
	Memory    *memory.Memory
	CodeCache *codecache.Cache
	// Features are the instruction set extensions generated code may use.
	Features     platform.CpuFeatureFlags
	HostRoutines HostRoutines
	// MaxStackSize is the limit of a single frame, DefaultMaxStackSize when zero.
	MaxStackSize int
	Logger       *zap.Logger
}

// Thunks are the addresses of the placed host thunks.
type Thunks struct {
	// HostToGuest(target, ctx, guestReturn) enters generated code from the host.
	HostToGuest uintptr
	// GuestToHost calls the host routine in R10 preserving the vector registers of generated code.
	GuestToHost uintptr
	// ResolveFunction is entered like a translated function and resolves the callee in RCX.
	ResolveFunction uintptr
}

// Backend is the process-wide state shared by emitters.
type Backend struct {
	memory       *memory.Memory
	codeCache    *codecache.Cache
	features     platform.CpuFeatureFlags
	hostRoutines HostRoutines
	maxStackSize int
	logger       *zap.Logger

	pool   ConstantPool
	thunks Thunks

	traceMu   sync.Mutex
	traceData map[*symbol.FunctionInfo]debuginfo.TraceData
}

// NewBackend places the constant pool and the host thunks.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Memory == nil {
		return nil, errors.New("guest memory is required")
	}
	if cfg.CodeCache == nil {
		return nil, errors.New("code cache is required")
	}
	b := &Backend{
		memory:       cfg.Memory,
		codeCache:    cfg.CodeCache,
		features:     cfg.Features,
		hostRoutines: cfg.HostRoutines,
		maxStackSize: cfg.MaxStackSize,
		logger:       cfg.Logger,
		traceData:    map[*symbol.FunctionInfo]debuginfo.TraceData{},
	}
	if b.maxStackSize <= 0 {
		b.maxStackSize = DefaultMaxStackSize
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	poolAddr, err := b.pool.Place(cfg.Memory)
	if err != nil {
		return nil, err
	}
	if err = b.placeThunks(); err != nil {
		return nil, fmt.Errorf("failed to place thunks: %w", err)
	}
	b.codeCache.SetDefaultIndirection(b.thunks.ResolveFunction)

	b.logger.Info("backend initialized",
		zap.Stringer("features", b.features.Raw()),
		zap.Uint32("constant_pool", poolAddr),
		zap.Uintptr("host_to_guest_thunk", b.thunks.HostToGuest),
		zap.Uintptr("guest_to_host_thunk", b.thunks.GuestToHost),
		zap.Uintptr("resolve_function_thunk", b.thunks.ResolveFunction))
	return b, nil
}

// NewEmitter returns an Emitter translating into this backend.
func (b *Backend) NewEmitter() *Emitter {
	return newEmitter(b)
}

// Features returns the instruction set extensions generated code may use.
func (b *Backend) Features() platform.CpuFeatureFlags { return b.features }

// Thunks returns the addresses of the host thunks.
func (b *Backend) Thunks() Thunks { return b.thunks }

// ConstantPool returns the constant pool shared by every translation.
func (b *Backend) ConstantPool() *ConstantPool { return &b.pool }

// Memory returns the guest memory generated code addresses.
func (b *Backend) Memory() *memory.Memory { return b.memory }

// CodeCache returns the code cache translations are placed into.
func (b *Backend) CodeCache() *codecache.Cache { return b.codeCache }

// traceDataFor returns the trace counters of fn, allocating them on first use. Counters survive
// retranslation of the function.
func (b *Backend) traceDataFor(fn *symbol.FunctionInfo) (debuginfo.TraceData, error) {
	b.traceMu.Lock()
	defer b.traceMu.Unlock()
	if t, ok := b.traceData[fn]; ok {
		return t, nil
	}
	addr, err := b.memory.SystemHeapAlloc(debuginfo.TraceDataSize, debuginfo.TraceDataAlignment)
	if err != nil {
		return debuginfo.TraceData{}, fmt.Errorf("failed to allocate trace data: %w", err)
	}
	t := debuginfo.TraceData{Address: addr}
	b.traceData[fn] = t
	return t, nil
}
