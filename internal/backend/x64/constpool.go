package x64

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/atomic"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/internal/memory"
)

// ErrConstantPoolOverflow is returned when the guest system heap cannot hold the constant pool.
var ErrConstantPoolOverflow = errors.New("constant pool does not fit the system heap")

// XmmConst names a 128-bit constant of the pool generated code addresses.
type XmmConst uint16

const (
	XMMZero XmmConst = iota
	XMMOne
	XMMNegativeOne
	XMMFFFF
	XMMMaskX16Y16
	XMMFlipX16Y16
	XMMFixX16Y16
	XMMNormalizeX16Y16
	XMM0001
	XMM3301
	XMM3333
	XMMSignMaskPS
	XMMSignMaskPD
	XMMAbsMaskPS
	XMMAbsMaskPD
	XMMByteSwapMask
	XMMByteOrderMask
	XMMPermuteControl15
	XMMPermuteByteMask
	XMMPackD3DCOLORSat
	XMMPackD3DCOLOR
	XMMUnpackD3DCOLOR
	XMMPackFLOAT16_2
	XMMUnpackFLOAT16_2
	XMMPackFLOAT16_4
	XMMUnpackFLOAT16_4
	XMMPackSHORT_2Min
	XMMPackSHORT_2Max
	XMMPackSHORT_2
	XMMUnpackSHORT_2
	XMMOneOver255
	XMMMaskEvenPI16
	XMMShiftMaskEvenPI16
	XMMShiftMaskPS
	XMMShiftByteMask
	XMMSwapWordMask
	XMMUnsignedDwordMax
	XMM255
	XMMPI32
	XMMSignMaskI8
	XMMSignMaskI16
	XMMSignMaskI32
	XMMSignMaskF32
	XMMShortMinPS
	XMMShortMaxPS

	xmmConstCount
)

// XmmConstCount is the number of constants in the pool.
const XmmConstCount = int(xmmConstCount)

// xmmConstSize is the size of one pool entry.
const xmmConstSize = 16

func splatFloat(f float32) hir.Vec128 { return hir.Vec128Floats(f, f, f, f) }
func splatUint32(u uint32) hir.Vec128 { return hir.Vec128Uint32s(u, u, u, u) }

var xmmConstValues = [xmmConstCount]hir.Vec128{
	XMMZero:              {},
	XMMOne:               splatFloat(1),
	XMMNegativeOne:       splatFloat(-1),
	XMMFFFF:              splatUint32(0xffffffff),
	XMMMaskX16Y16:        hir.Vec128Uint32s(0x0000ffff, 0xffff0000, 0, 0),
	XMMFlipX16Y16:        hir.Vec128Uint32s(0x00008000, 0, 0, 0),
	XMMFixX16Y16:         hir.Vec128Floats(-32768, 0, 0, 0),
	XMMNormalizeX16Y16:   hir.Vec128Floats(1.0/32767.0, 1.0/(32767.0*65536.0), 0, 0),
	XMM0001:              hir.Vec128Floats(0, 0, 0, 1),
	XMM3301:              hir.Vec128Floats(3, 3, 0, 1),
	XMM3333:              splatFloat(3),
	XMMSignMaskPS:        splatUint32(0x80000000),
	XMMSignMaskPD:        hir.Vec128Uint32s(0, 0x80000000, 0, 0x80000000),
	XMMAbsMaskPS:         splatUint32(0x7fffffff),
	XMMAbsMaskPD:         hir.Vec128Uint32s(0xffffffff, 0x7fffffff, 0xffffffff, 0x7fffffff),
	XMMByteSwapMask:      hir.Vec128Uint32s(0x00010203, 0x04050607, 0x08090a0b, 0x0c0d0e0f),
	XMMByteOrderMask:     hir.Vec128Uint32s(0x01000302, 0x05040706, 0x09080b0a, 0x0d0c0f0e),
	XMMPermuteControl15:  hir.Vec128Bytes(15),
	XMMPermuteByteMask:   hir.Vec128Bytes(0x1f),
	XMMPackD3DCOLORSat:   splatUint32(0x404000ff),
	XMMPackD3DCOLOR:      hir.Vec128Uint32s(0xffffffff, 0xffffffff, 0xffffffff, 0x0c000408),
	XMMUnpackD3DCOLOR:    hir.Vec128Uint32s(0xffffff0e, 0xffffff0d, 0xffffff0c, 0xffffff0f),
	XMMPackFLOAT16_2:     hir.Vec128Uint32s(0xffffffff, 0xffffffff, 0xffffffff, 0x01000302),
	XMMUnpackFLOAT16_2:   hir.Vec128Uint32s(0x0d0c0f0e, 0xffffffff, 0xffffffff, 0xffffffff),
	XMMPackFLOAT16_4:     hir.Vec128Uint32s(0xffffffff, 0xffffffff, 0x05040706, 0x01000302),
	XMMUnpackFLOAT16_4:   hir.Vec128Uint32s(0x09080b0a, 0x0d0c0f0e, 0xffffffff, 0xffffffff),
	XMMPackSHORT_2Min:    splatUint32(0x403f8001),
	XMMPackSHORT_2Max:    splatUint32(0x40407fff),
	XMMPackSHORT_2:       hir.Vec128Uint32s(0xffffffff, 0xffffffff, 0xffffffff, 0x01000504),
	XMMUnpackSHORT_2:     hir.Vec128Uint32s(0xffff0f0e, 0xffff0d0c, 0xffffffff, 0xffffffff),
	XMMOneOver255:        splatFloat(1.0 / 255.0),
	XMMMaskEvenPI16:      splatUint32(0x0000ffff),
	XMMShiftMaskEvenPI16: splatUint32(0x0000000f),
	XMMShiftMaskPS:       splatUint32(0x0000001f),
	XMMShiftByteMask:     splatUint32(0x000000ff),
	XMMSwapWordMask:      splatUint32(0x03030303),
	XMMUnsignedDwordMax:  hir.Vec128Uint32s(0xffffffff, 0, 0xffffffff, 0),
	XMM255:               splatFloat(255),
	XMMPI32:              splatUint32(32),
	XMMSignMaskI8:        splatUint32(0x80808080),
	XMMSignMaskI16:       splatUint32(0x80008000),
	XMMSignMaskI32:       splatUint32(0x80000000),
	XMMSignMaskF32:       splatUint32(0x80000000),
	XMMShortMinPS:        splatFloat(math.MinInt16),
	XMMShortMaxPS:        splatFloat(math.MaxInt16),
}

// XmmConstValue returns the value of id.
func XmmConstValue(id XmmConst) hir.Vec128 { return xmmConstValues[id] }

// XmmConstOffset returns the byte offset of id from the pool's base.
func XmmConstOffset(id XmmConst) uint32 { return uint32(id) * xmmConstSize }

// constantPoolData is the serialized pool: every constant in order, lanes little-endian.
var constantPoolData = sync.OnceValue(func() []byte {
	ret := make([]byte, 0, XmmConstCount*xmmConstSize)
	for i := range xmmConstValues {
		ret = append(ret, xmmConstValues[i][:]...)
	}
	return ret
})

// ConstantPool is the guest memory copy of the constants. It is placed once, before the first
// translation, and only read afterwards.
type ConstantPool struct {
	mu      sync.Mutex
	address atomic.Uint32
}

// Place writes the pool into the system heap of mem and returns its guest address. The first
// call allocates; later calls rewrite the identical bytes at the same address.
func (p *ConstantPool) Place(mem *memory.Memory) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := constantPoolData()
	addr := p.address.Load()
	if addr == 0 {
		var err error
		if addr, err = mem.SystemHeapAlloc(uint32(len(data)), xmmConstSize); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrConstantPoolOverflow, err)
		}
	}
	if err := mem.Write(addr, data); err != nil {
		return 0, fmt.Errorf("failed to write constant pool: %w", err)
	}
	p.address.Store(addr)
	return addr, nil
}

// Address returns the guest address of the pool, zero until placed.
func (p *ConstantPool) Address() uint32 {
	return p.address.Load()
}

// GetXmmConstPtr returns the memory operand of the constant id.
func (e *Emitter) GetXmmConstPtr(id XmmConst) Address {
	if id >= xmmConstCount {
		preconditionf("unknown constant %d", id)
	}
	base := e.backend.pool.Address()
	if base == 0 {
		preconditionf("constant pool is not placed")
	}
	return Address{Base: membaseRegister, Disp: int64(base) + int64(XmmConstOffset(id))}
}

// LoadConstantFloat32 loads f into the low lane of dst.
func (e *Emitter) LoadConstantFloat32(dst asm.Register, f float32) {
	bits := math.Float32bits(f)
	if bits == 0 {
		e.assembler.CompileRegisterToRegister(amd64.XORPS, dst, dst)
		return
	}
	for id := XmmConst(0); id < xmmConstCount; id++ {
		if xmmConstValues[id].Uint32(0) == bits {
			e.memoryToRegister(amd64.MOVSS, e.GetXmmConstPtr(id), dst)
			return
		}
	}
	e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(bits)), scratchRegister0)
	e.assembler.CompileRegisterToRegister(amd64.MOVL, scratchRegister0, dst)
}

// LoadConstantFloat64 loads f into the low lane of dst.
func (e *Emitter) LoadConstantFloat64(dst asm.Register, f float64) {
	bits := math.Float64bits(f)
	if bits == 0 {
		e.assembler.CompileRegisterToRegister(amd64.XORPS, dst, dst)
		return
	}
	for id := XmmConst(0); id < xmmConstCount; id++ {
		if xmmConstValues[id].Uint64(0) == bits {
			e.memoryToRegister(amd64.MOVSD, e.GetXmmConstPtr(id), dst)
			return
		}
	}
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(bits), scratchRegister0)
	e.assembler.CompileRegisterToRegister(amd64.MOVQ, scratchRegister0, dst)
}

// LoadConstantVec128 loads v into dst.
func (e *Emitter) LoadConstantVec128(dst asm.Register, v hir.Vec128) {
	switch {
	case v.IsZero():
		e.assembler.CompileRegisterToRegister(amd64.XORPS, dst, dst)
		return
	case v.IsAllOnes():
		e.assembler.CompileRegisterToRegister(amd64.PCMPEQB, dst, dst)
		return
	}
	for id := XmmConst(0); id < xmmConstCount; id++ {
		if xmmConstValues[id] == v {
			e.memoryToRegister(amd64.MOVUPS, e.GetXmmConstPtr(id), dst)
			return
		}
	}
	// Not in the pool: build it in the stash.
	stash := e.stashAddress(0)
	e.MovMem64(stash, v.Uint64(0))
	e.MovMem64(stash.offset(8), v.Uint64(1))
	e.memoryToRegister(amd64.MOVUPS, stash, dst)
}

// loadConstantValue loads the vector class constant v into dst.
func (e *Emitter) loadConstantValue(dst asm.Register, v *hir.Value) {
	switch v.Type {
	case hir.TypeFloat32:
		e.LoadConstantFloat32(dst, v.Float32())
	case hir.TypeFloat64:
		e.LoadConstantFloat64(dst, v.Float64())
	case hir.TypeVec128:
		e.LoadConstantVec128(dst, v.Vec128())
	default:
		preconditionf("%s is not a vector constant", v)
	}
}

// ConstantFitsIn32Reg returns true if v can be an immediate of a 64-bit instruction, which sign
// extends 32-bit immediates.
func ConstantFitsIn32Reg(v uint64) bool {
	hi := v &^ 0x7fffffff
	return hi == 0 || hi == ^uint64(0x7fffffff)
}

// MovMem64 stores the 64-bit immediate v at a without using a register.
func (e *Emitter) MovMem64(a Address, v uint64) {
	if ConstantFitsIn32Reg(v) {
		e.constToMemory(amd64.MOVQ, int64(v), a)
		return
	}
	e.constToMemory(amd64.MOVL, int64(int32(uint32(v))), a)
	e.constToMemory(amd64.MOVL, int64(int32(uint32(v>>32))), a.offset(4))
}
