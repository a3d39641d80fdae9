package x64

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/arch/x86/x86asm"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/codecache"
	"github.com/guestjit/x64backend/internal/memory"
	"github.com/guestjit/x64backend/internal/platform"
	"github.com/guestjit/x64backend/symbol"
)

const (
	testMemorySize      = 16 << 20
	testSystemHeapBase  = 8 << 20
	testSystemHeapSize  = 1 << 20
	testIndirectionBase = 0x10000
	testIndirectionSize = 0x10000

	// testFunctionAddress is covered by the indirection table.
	testFunctionAddress = 0x10100
)

// requireNewBackend returns a backend over fresh guest memory and code cache. opts run after the
// memory and the code cache are set.
func requireNewBackend(t *testing.T, features platform.CpuFeature, opts ...func(*Config)) *Backend {
	mem, err := memory.New(memory.Config{Size: testMemorySize, SystemHeapBase: testSystemHeapBase, SystemHeapSize: testSystemHeapSize})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Close()) })

	cache, err := codecache.New(codecache.Config{
		SegmentSize:     64 << 10,
		IndirectionBase: testIndirectionBase,
		IndirectionSize: testIndirectionSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cache.Close()) })

	cfg := Config{Memory: mem, CodeCache: cache, Features: platform.NewCpuFeatureFlags(features)}
	for _, opt := range opts {
		opt(&cfg)
	}
	b, err := NewBackend(cfg)
	require.NoError(t, err)
	return b
}

// withObservedLogs routes the backend logs to the returned observer.
func withObservedLogs(logs **observer.ObservedLogs) func(*Config) {
	return func(cfg *Config) {
		core, l := observer.New(zapcore.DebugLevel)
		cfg.Logger = zap.New(core)
		*logs = l
	}
}

// newTestEmitter returns an emitter ready to lower instructions without a function graph.
func newTestEmitter(t *testing.T, b *Backend) *Emitter {
	e := b.NewEmitter()
	require.NoError(t, e.reset(symbol.NewFunction("test", testFunctionAddress, testFunctionAddress+0x100), 0, nil))
	e.state = stateAccumulating
	return e
}

// buildFunction returns the graph built by body followed by a return.
func buildFunction(body func(b *hir.Builder)) *hir.Function {
	b := hir.NewBuilder()
	body(b)
	b.Return()
	return b.Function()
}

func newTestFunction() *symbol.FunctionInfo {
	return symbol.NewFunction("test", testFunctionAddress, testFunctionAddress+0x100)
}

// requireEmit translates f as a new function and returns the emitter it used.
func requireEmit(t *testing.T, b *Backend, f *hir.Function, flags debuginfo.Flags) (*Emitter, *Result) {
	e := b.NewEmitter()
	res, err := e.Emit(newTestFunction(), f, flags, debuginfo.New(flags))
	require.NoError(t, err)
	return e, res
}

// placedCode returns the bytes placed for res.
func placedCode(res *Result) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(res.Code)), res.CodeSize)
}

// decode decodes code, skipping no-ops.
func decode(t *testing.T, code []byte) (ret []x86asm.Inst) {
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err, "decoding % x", code)
		if inst.Op != x86asm.NOP {
			ret = append(ret, inst)
		}
		code = code[inst.Len:]
	}
	return
}

func ops(insts []x86asm.Inst) (ret []x86asm.Op) {
	for _, inst := range insts {
		ret = append(ret, inst.Op)
	}
	return
}

// emitted returns the instructions added to the assembler of e, labels excluded.
func emitted(e *Emitter) (ret []asm.Instruction) {
	for _, n := range e.assembler.Nodes() {
		if as := n.(*asm.GolangAsmNode).Prog().As; as != amd64.NOP {
			ret = append(ret, as)
		}
	}
	return
}

func containsInst(insts []asm.Instruction, inst asm.Instruction) bool {
	for _, i := range insts {
		if i == inst {
			return true
		}
	}
	return false
}

// requirePrecondition requires fn to panic with a preconditionError carrying exp.
func requirePrecondition(t *testing.T, exp string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		pe, ok := r.(preconditionError)
		require.True(t, ok, "unexpected panic %v", r)
		require.Equal(t, exp, pe.Error())
	}()
	fn()
}

func contextOffset(index int) uint64 {
	return uint64(ContextDataOffset + 8*index)
}

func loadContext(b *hir.Builder, dest *hir.Value, index int) {
	b.Append(&hir.Instr{Opcode: hir.OpcodeLoadContext, Dest: dest, Offset: contextOffset(index)})
}

func storeContext(b *hir.Builder, index int, v *hir.Value) {
	b.Append(&hir.Instr{Opcode: hir.OpcodeStoreContext, Src: [3]*hir.Value{v}, Offset: contextOffset(index)})
}
