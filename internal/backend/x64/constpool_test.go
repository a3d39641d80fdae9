package x64

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/memory"
)

func TestXmmConstValue(t *testing.T) {
	require.Equal(t, 45, XmmConstCount)
	require.True(t, XmmConstValue(XMMZero).IsZero())
	require.True(t, XmmConstValue(XMMFFFF).IsAllOnes())
	require.Equal(t, float32(1), XmmConstValue(XMMOne).Float32(3))
	require.Equal(t, float32(-1), XmmConstValue(XMMNegativeOne).Float32(0))
	require.Equal(t, float32(math.MaxInt16), XmmConstValue(XMMShortMaxPS).Float32(2))
	require.Equal(t, uint64(1)<<63, XmmConstValue(XMMSignMaskPD).Uint64(1))
	require.Equal(t, hir.Vec128{3, 2, 1, 0, 7, 6, 5, 4, 11, 10, 9, 8, 15, 14, 13, 12}, XmmConstValue(XMMByteSwapMask))
	require.Equal(t, uint32(16*3), XmmConstOffset(XMMFFFF))
}

func TestConstantPool_Place(t *testing.T) {
	b := requireNewBackend(t, 0)
	mem, pool := b.Memory(), b.ConstantPool()

	addr := pool.Address()
	require.NotZero(t, addr)
	require.Zero(t, addr%16)
	used := mem.SystemHeapUsed()

	placed, err := mem.Bytes(addr, uint32(XmmConstCount*16))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(constantPoolData(), placed))

	// Placing again rewrites the same bytes at the same address.
	placed[0] = 0xaa
	again, err := pool.Place(mem)
	require.NoError(t, err)
	require.Equal(t, addr, again)
	require.Equal(t, used, mem.SystemHeapUsed())
	require.Equal(t, byte(0), placed[0])
}

func TestConstantPool_Place_overflow(t *testing.T) {
	mem, err := memory.New(memory.Config{Size: 1 << 20, SystemHeapBase: 0x1000, SystemHeapSize: 64})
	require.NoError(t, err)
	defer mem.Close()

	var pool ConstantPool
	_, err = pool.Place(mem)
	require.ErrorIs(t, err, ErrConstantPoolOverflow)
	require.Zero(t, pool.Address())
}

func TestEmitter_GetXmmConstPtr(t *testing.T) {
	b := requireNewBackend(t, 0)
	e := newTestEmitter(t, b)

	a := e.GetXmmConstPtr(XMMOne)
	require.Equal(t, a, e.GetXmmConstPtr(XMMOne))
	require.Equal(t, Address{Base: membaseRegister, Disp: int64(b.ConstantPool().Address()) + 16}, a)

	requirePrecondition(t, "unknown constant 45", func() { e.GetXmmConstPtr(xmmConstCount) })
}

func TestConstantFitsIn32Reg(t *testing.T) {
	for _, tc := range []struct {
		v   uint64
		exp bool
	}{
		{v: 0, exp: true},
		{v: 0x7fffffff, exp: true},
		{v: 0x80000000, exp: false},
		{v: 0xffffffff, exp: false},
		{v: 0xffffffff_80000000, exp: true},
		{v: math.MaxUint64, exp: true},
		{v: 0x1_00000000, exp: false},
	} {
		require.Equal(t, tc.exp, ConstantFitsIn32Reg(tc.v), "%#x", tc.v)
	}
}

func TestEmitter_MovMem64(t *testing.T) {
	b := requireNewBackend(t, 0)
	for _, tc := range []struct {
		v    uint64
		exp  []asm.Instruction
		imms []int64
	}{
		{v: 5, exp: []asm.Instruction{amd64.MOVQ}, imms: []int64{5}},
		{v: 0xffffffff_fffffffe, exp: []asm.Instruction{amd64.MOVQ}, imms: []int64{-2}},
		{v: 0x1_00000002, exp: []asm.Instruction{amd64.MOVL, amd64.MOVL}, imms: []int64{2, 1}},
		{v: 0x80000000_ffffffff, exp: []asm.Instruction{amd64.MOVL, amd64.MOVL}, imms: []int64{-1, math.MinInt32}},
	} {
		e := newTestEmitter(t, b)
		e.MovMem64(stackAddress(frameCallReturnOffset), tc.v)
		require.Equal(t, tc.exp, emitted(e), "%#x", tc.v)
		for i, n := range e.assembler.Nodes() {
			p := n.(*asm.GolangAsmNode).Prog()
			require.Equal(t, tc.imms[i], p.From.Offset)
			require.Equal(t, int64(frameCallReturnOffset+4*i), p.To.Offset)
		}
	}
}

func TestEmitter_LoadConstant(t *testing.T) {
	b := requireNewBackend(t, 0)
	for _, tc := range []struct {
		name     string
		load     func(e *Emitter)
		exp      []asm.Instruction
		expStash bool
	}{
		{
			name: "float32 zero",
			load: func(e *Emitter) { e.LoadConstantFloat32(amd64.RegX6, 0) },
			exp:  []asm.Instruction{amd64.XORPS},
		},
		{
			name: "float32 in pool",
			load: func(e *Emitter) { e.LoadConstantFloat32(amd64.RegX6, 1) },
			exp:  []asm.Instruction{amd64.MOVSS},
		},
		{
			name: "float32 immediate",
			load: func(e *Emitter) { e.LoadConstantFloat32(amd64.RegX6, 1.5) },
			exp:  []asm.Instruction{amd64.MOVL, amd64.MOVL},
		},
		{
			name: "float64 zero",
			load: func(e *Emitter) { e.LoadConstantFloat64(amd64.RegX6, 0) },
			exp:  []asm.Instruction{amd64.XORPS},
		},
		{
			name: "float64 immediate",
			load: func(e *Emitter) { e.LoadConstantFloat64(amd64.RegX6, 2.5) },
			exp:  []asm.Instruction{amd64.MOVQ, amd64.MOVQ},
		},
		{
			name: "vector zero",
			load: func(e *Emitter) { e.LoadConstantVec128(amd64.RegX6, hir.Vec128{}) },
			exp:  []asm.Instruction{amd64.XORPS},
		},
		{
			name: "vector all ones",
			load: func(e *Emitter) { e.LoadConstantVec128(amd64.RegX6, hir.Vec128Bytes(0xff)) },
			exp:  []asm.Instruction{amd64.PCMPEQB},
		},
		{
			name: "vector in pool",
			load: func(e *Emitter) { e.LoadConstantVec128(amd64.RegX6, XmmConstValue(XMMByteSwapMask)) },
			exp:  []asm.Instruction{amd64.MOVUPS},
		},
		{
			name:     "vector through the stash",
			load:     func(e *Emitter) { e.LoadConstantVec128(amd64.RegX6, hir.Vec128Floats(1, 2, 3, 4)) },
			exp:      []asm.Instruction{amd64.MOVL, amd64.MOVL, amd64.MOVL, amd64.MOVL, amd64.MOVUPS},
			expStash: true,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEmitter(t, b)
			tc.load(e)
			require.Equal(t, tc.exp, emitted(e))
			require.Equal(t, tc.expStash, e.stashOffset >= 0)
		})
	}
}

func TestEmitter_loadConstantValue_precondition(t *testing.T) {
	b := requireNewBackend(t, 0)
	e := newTestEmitter(t, b)
	requirePrecondition(t, "0x1.i32 is not a vector constant", func() {
		e.loadConstantValue(amd64.RegX6, hir.ConstInt(hir.TypeInt32, 1))
	})
}
