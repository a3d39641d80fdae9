package x64

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func thunkCode(t *testing.T, b *Backend, addr uintptr) []byte {
	p, ok := b.CodeCache().Lookup(addr)
	require.True(t, ok)
	require.Equal(t, addr, p.Address)
	require.Nil(t, p.Function)
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), p.Size)
}

func TestBackend_hostToGuestThunk(t *testing.T) {
	b := requireNewBackend(t, 0)
	insts := decode(t, thunkCode(t, b, b.Thunks().HostToGuest))
	require.Equal(t, []x86asm.Op{
		x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
		x86asm.SUB, x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.XOR, x86asm.CALL,
		x86asm.ADD, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP,
		x86asm.RET,
	}, ops(insts))
	for i, r := range []x86asm.Reg{x86asm.RBX, x86asm.RBP, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15} {
		require.Equal(t, r, insts[i].Args[0])
		require.Equal(t, r, insts[len(insts)-2-i].Args[0])
	}
	// The membase is loaded from the context.
	require.Equal(t, x86asm.Args{x86asm.RSI, x86asm.Mem{Base: x86asm.RDI, Disp: ContextMembaseOffset}}, insts[9].Args)
	require.Equal(t, x86asm.RAX, insts[11].Args[0])
}

func TestBackend_guestToHostThunk(t *testing.T) {
	b := requireNewBackend(t, 0)
	insts := decode(t, thunkCode(t, b, b.Thunks().GuestToHost))
	require.Equal(t, 2*XMMCount+4, len(insts))
	require.Equal(t, x86asm.Args{x86asm.RSP, x86asm.Imm(guestToHostFrameSize)}, insts[0].Args)
	for i := 0; i < XMMCount; i++ {
		save, restore := insts[1+i], insts[2+XMMCount+i]
		require.Equal(t, x86asm.MOVUPS, save.Op)
		require.Equal(t, x86asm.MOVUPS, restore.Op)
		require.Equal(t, x86asm.X6+x86asm.Reg(i), save.Args[1])
		require.Equal(t, x86asm.X6+x86asm.Reg(i), restore.Args[0])
	}
	call := insts[1+XMMCount]
	require.Equal(t, x86asm.CALL, call.Op)
	require.Equal(t, x86asm.R10, call.Args[0])
	require.Equal(t, x86asm.ADD, insts[len(insts)-2].Op)
	require.Equal(t, x86asm.RET, insts[len(insts)-1].Op)
}

func TestBackend_resolveFunctionThunk(t *testing.T) {
	t.Run("with host routine", func(t *testing.T) {
		b := requireNewBackend(t, 0, func(cfg *Config) { cfg.HostRoutines.ResolveFunction = 0x12345678 })
		insts := decode(t, thunkCode(t, b, b.Thunks().ResolveFunction))
		require.Equal(t, []x86asm.Op{
			x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
			x86asm.SUB, x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.ADD,
			x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP,
			x86asm.TEST, x86asm.JE, x86asm.JMP, x86asm.MOV, x86asm.UD2,
		}, ops(insts))
		// The guest address is passed as second argument.
		require.Equal(t, x86asm.Args{x86asm.ESI, x86asm.ECX}, insts[5].Args)
		require.Equal(t, x86asm.Imm(0x12345678), insts[6].Args[1])
		require.Equal(t, x86asm.Args{x86asm.EAX, x86asm.Imm(TrapUnresolvedFunction)}, insts[16].Args)

		// Functions not translated yet resolve through the thunk.
		code, ok := b.CodeCache().LookupIndirection(0x10400)
		require.True(t, ok)
		require.Equal(t, b.Thunks().ResolveFunction, code)
	})
	t.Run("without host routine", func(t *testing.T) {
		b := requireNewBackend(t, 0)
		insts := decode(t, thunkCode(t, b, b.Thunks().ResolveFunction))
		require.Equal(t, []x86asm.Op{x86asm.MOV, x86asm.UD2}, ops(insts))
		require.Equal(t, x86asm.Args{x86asm.EAX, x86asm.Imm(TrapUnresolvedFunction)}, insts[0].Args)
	})
}
