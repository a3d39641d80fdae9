// Package x64backend translates guest functions, already lowered to the hir intermediate
// representation, into x86-64 machine code placed in an executable code cache.
//
// A Backend owns the process-wide resources: guest memory, code cache, constant pool and host
// thunks. Translate translates one function; TranslateAll translates a batch concurrently.
//
//	b, err := x64backend.NewBackend(x64backend.NewBackendConfig())
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//
//	res, err := b.Translate(fn, graph)
package x64backend

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/backend/x64"
	"github.com/guestjit/x64backend/internal/codecache"
	"github.com/guestjit/x64backend/internal/memory"
	"github.com/guestjit/x64backend/internal/platform"
	"github.com/guestjit/x64backend/symbol"
)

var (
	// ErrMalformedFunction is returned for a function graph violating the emitter preconditions.
	ErrMalformedFunction = hir.ErrMalformedFunction
	// ErrStackFrameTooLarge is returned when a function needs a frame above the configured limit.
	ErrStackFrameTooLarge = x64.ErrStackFrameTooLarge
	// ErrConstantPoolOverflow is returned when the constant pool does not fit the system heap.
	ErrConstantPoolOverflow = x64.ErrConstantPoolOverflow
	// ErrClosed is returned by a Backend after Close.
	ErrClosed = errors.New("backend closed")
)

// Context is the execution context generated code receives in RDI.
type Context = x64.Context

// Layout of Context.
const (
	ContextMembaseOffset  = x64.ContextMembaseOffset
	ContextThreadIDOffset = x64.ContextThreadIDOffset
	ContextDataOffset     = x64.ContextDataOffset
	ContextDataSize       = x64.ContextDataSize
)

// Diagnostic reports an instruction lowered to a trap because no lowering rule applies.
type Diagnostic = x64.Diagnostic

// Result describes one translated function.
type Result struct {
	Function *symbol.FunctionInfo
	// Code is the executable address of the function.
	Code      uintptr
	CodeSize  int
	StackSize int
	// Diagnostics lists the instructions lowered to traps.
	Diagnostics []Diagnostic
	// DebugInfo is nil unless debug flags are configured.
	DebugInfo *debuginfo.DebugInfo
}

// Stats are the counters of a Backend.
type Stats struct {
	Translated  int64
	Failed      int64
	Diagnostics int64
}

// Backend translates functions into its code cache. It is safe for concurrent use.
type Backend struct {
	config *BackendConfig
	logger *zap.Logger

	memory      *memory.Memory
	codeCache   *codecache.Cache
	perfmapFile io.Closer
	x64         *x64.Backend

	emitters sync.Pool

	translated  atomic.Int64
	failed      atomic.Int64
	diagnostics atomic.Int64

	// mu is held for reading while the mappings are in use and for writing by Close.
	mu     sync.RWMutex
	closed atomic.Bool
}

// NewBackend maps the guest memory and the code cache and places the constant pool and the host
// thunks. A nil config is NewBackendConfig.
func NewBackend(config *BackendConfig) (b *Backend, err error) {
	if config == nil {
		config = NewBackendConfig()
	}
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b = &Backend{config: config.clone(), logger: logger.Named("x64backend")}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.release())
			b = nil
		}
	}()

	if b.memory, err = memory.New(memory.Config{
		Size:           config.memorySize,
		SystemHeapBase: config.systemHeapBase,
		SystemHeapSize: config.systemHeapSize,
	}); err != nil {
		return
	}

	var perfmap *codecache.Perfmap
	if config.perfmap {
		if perfmap, b.perfmapFile, err = codecache.OpenPerfmap(); err != nil {
			return
		}
	}
	if b.codeCache, err = codecache.New(codecache.Config{
		SegmentSize:     config.codeSegmentSize,
		IndirectionBase: config.indirectionBase,
		IndirectionSize: config.indirectionSize,
		Perfmap:         perfmap,
		Logger:          b.logger.Named("codecache"),
	}); err != nil {
		return
	}

	features := platform.NewCpuFeatureFlags(platform.CpuFeatures.Raw() & config.featureMask)
	if b.x64, err = x64.NewBackend(x64.Config{
		Memory:    b.memory,
		CodeCache: b.codeCache,
		Features:  features,
		HostRoutines: x64.HostRoutines{
			ResolveFunction:    config.hostRoutines.ResolveFunction,
			ConvertHalfToFloat: config.hostRoutines.ConvertHalfToFloat,
			Trap:               config.hostRoutines.Trap,
		},
		MaxStackSize: config.maxStackSize,
		Logger:       b.logger,
	}); err != nil {
		return
	}
	b.emitters.New = func() any { return b.x64.NewEmitter() }
	return
}

// Features returns the instruction set extensions generated code uses: the host features
// within the configured mask.
func (b *Backend) Features() CpuFeature {
	return b.x64.Features().Raw()
}

// Config returns the configuration the backend was created with.
func (b *Backend) Config() *BackendConfig {
	return b.config
}

// Translate translates graph, the body of fn, and places the code. On success the machine code
// address is also recorded in fn.
func (b *Backend) Translate(fn *symbol.FunctionInfo, graph *hir.Function) (*Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	e := b.emitters.Get().(*x64.Emitter)
	defer b.emitters.Put(e)

	var di *debuginfo.DebugInfo
	flags := b.config.debugFlags
	if flags != 0 {
		di = debuginfo.New(flags)
	}
	res, err := e.Emit(fn, graph, flags, di)
	if err != nil {
		b.failed.Inc()
		return nil, err
	}
	b.translated.Inc()
	b.diagnostics.Add(int64(len(res.Diagnostics)))
	return &Result{
		Function:    fn,
		Code:        res.Code,
		CodeSize:    res.CodeSize,
		StackSize:   res.StackSize,
		Diagnostics: res.Diagnostics,
		DebugInfo:   di,
	}, nil
}

// Execute runs the translated fn on the calling goroutine until it returns to the host.
// guestReturn is the guest address fn returns to. Close waits for running calls.
func (b *Backend) Execute(fn *symbol.FunctionInfo, ctx *Context, guestReturn uint32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return ErrClosed
	}
	return b.x64.Execute(fn, ctx, guestReturn)
}

// ReadMemory returns a copy of n bytes of guest memory at addr.
func (b *Backend) ReadMemory(addr, n uint32) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s, err := b.memory.Bytes(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s...), nil
}

// WriteMemory copies p into guest memory at addr.
func (b *Backend) WriteMemory(addr uint32, p []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return ErrClosed
	}
	return b.memory.Write(addr, p)
}

// TraceCounters reads the trace counters of a translated function. They are only recorded with
// tracing debug flags.
func (b *Backend) TraceCounters(res *Result) (debuginfo.TraceCounters, error) {
	if res == nil || res.DebugInfo == nil || !res.DebugInfo.TraceData().Valid() {
		return debuginfo.TraceCounters{}, errors.New("no trace data")
	}
	raw, err := b.ReadMemory(res.DebugInfo.TraceData().Address, debuginfo.TraceDataSize)
	if err != nil {
		return debuginfo.TraceCounters{}, err
	}
	return debuginfo.DecodeTraceCounters(raw), nil
}

// Stats returns the counters of translations so far.
func (b *Backend) Stats() Stats {
	return Stats{
		Translated:  b.translated.Load(),
		Failed:      b.failed.Load(),
		Diagnostics: b.diagnostics.Load(),
	}
}

// Close unmaps the code cache and the guest memory once running translations and executions
// are done. Later calls fail with ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.release()
}

func (b *Backend) release() (err error) {
	if b.codeCache != nil {
		err = multierr.Append(err, b.codeCache.Close())
	}
	if b.perfmapFile != nil {
		err = multierr.Append(err, b.perfmapFile.Close())
	}
	if b.memory != nil {
		err = multierr.Append(err, b.memory.Close())
	}
	return
}
