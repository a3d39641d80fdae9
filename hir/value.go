package hir

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TypeName is the type of a Value.
type TypeName byte

const (
	TypeInt8 TypeName = iota
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeVec128
)

// String implements fmt.Stringer.
func (t TypeName) String() string {
	switch t {
	case TypeInt8:
		return "i8"
	case TypeInt16:
		return "i16"
	case TypeInt32:
		return "i32"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeVec128:
		return "v128"
	}
	return fmt.Sprintf("TypeName(%d)", byte(t))
}

// IsInt returns true if the type is one of the integer types.
func (t TypeName) IsInt() bool { return t <= TypeInt64 }

// IsFloat returns true for the scalar float types.
func (t TypeName) IsFloat() bool { return t == TypeFloat32 || t == TypeFloat64 }

// Size returns the size of the type in bytes.
func (t TypeName) Size() int {
	switch t {
	case TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	case TypeVec128:
		return 16
	}
	panic(fmt.Sprintf("BUG: unknown type %d", t))
}

// Class returns the register class holding values of this type.
func (t TypeName) Class() RegisterClass {
	if t.IsInt() {
		return ClassGPR
	}
	return ClassVector
}

// RegisterClass is the kind of physical register a Value is assigned to.
type RegisterClass byte

const (
	// ClassGPR holds integer values.
	ClassGPR RegisterClass = iota
	// ClassVector holds float, double and 128-bit vector values.
	ClassVector
)

// String implements fmt.Stringer.
func (c RegisterClass) String() string {
	if c == ClassGPR {
		return "gpr"
	}
	return "vec"
}

// Vec128 is a 128-bit vector literal in little-endian lane order.
type Vec128 [16]byte

// Vec128Floats returns a vector with the given float lanes, x in the lowest lane.
func Vec128Floats(x, y, z, w float32) (v Vec128) {
	return Vec128Uint32s(math.Float32bits(x), math.Float32bits(y), math.Float32bits(z), math.Float32bits(w))
}

// Vec128Uint32s returns a vector with the given 32-bit lanes, x in the lowest lane.
func Vec128Uint32s(x, y, z, w uint32) (v Vec128) {
	binary.LittleEndian.PutUint32(v[0:], x)
	binary.LittleEndian.PutUint32(v[4:], y)
	binary.LittleEndian.PutUint32(v[8:], z)
	binary.LittleEndian.PutUint32(v[12:], w)
	return
}

// Vec128Bytes returns a vector with every byte set to b.
func Vec128Bytes(b byte) (v Vec128) {
	for i := range v {
		v[i] = b
	}
	return
}

// Uint32 returns the i-th 32-bit lane.
func (v Vec128) Uint32(i int) uint32 { return binary.LittleEndian.Uint32(v[i*4:]) }

// Uint64 returns the i-th 64-bit lane.
func (v Vec128) Uint64(i int) uint64 { return binary.LittleEndian.Uint64(v[i*8:]) }

// Float32 returns the i-th float lane.
func (v Vec128) Float32(i int) float32 { return math.Float32frombits(v.Uint32(i)) }

// IsZero returns true if all bits are clear.
func (v Vec128) IsZero() bool { return v == Vec128{} }

// IsAllOnes returns true if all bits are set.
func (v Vec128) IsAllOnes() bool { return v == Vec128Bytes(0xff) }

// String implements fmt.Stringer.
func (v Vec128) String() string {
	return fmt.Sprintf("[%08x, %08x, %08x, %08x]", v.Uint32(0), v.Uint32(1), v.Uint32(2), v.Uint32(3))
}

// Value is an operand or result of an instruction.
//
// Non-constant values carry the register slot pre-assigned by the upstream allocator. Slot
// bounds are checked by the backend's register mapping, not here.
type Value struct {
	Type TypeName
	Slot int

	constant bool
	bits     uint64
	vec      Vec128
}

// NewValue returns a register-allocated value of type t in slot.
func NewValue(t TypeName, slot int) *Value {
	return &Value{Type: t, Slot: slot}
}

// ConstInt returns an integer constant of type t. The value is truncated to the type's size.
func ConstInt(t TypeName, v uint64) *Value {
	if !t.IsInt() {
		panic(fmt.Sprintf("BUG: ConstInt with non-integer type %s", t))
	}
	if t != TypeInt64 {
		v &= (1 << (uint(t.Size()) * 8)) - 1
	}
	return &Value{Type: t, Slot: -1, constant: true, bits: v}
}

// ConstFloat32 returns a float constant.
func ConstFloat32(f float32) *Value {
	return &Value{Type: TypeFloat32, Slot: -1, constant: true, bits: uint64(math.Float32bits(f))}
}

// ConstFloat64 returns a double constant.
func ConstFloat64(f float64) *Value {
	return &Value{Type: TypeFloat64, Slot: -1, constant: true, bits: math.Float64bits(f)}
}

// ConstVec128 returns a vector constant.
func ConstVec128(v Vec128) *Value {
	return &Value{Type: TypeVec128, Slot: -1, constant: true, vec: v}
}

// IsConstant returns true if the value is a literal and has no register.
func (v *Value) IsConstant() bool { return v.constant }

// Class returns the register class of the value.
func (v *Value) Class() RegisterClass { return v.Type.Class() }

// Bits returns the raw bits of a scalar constant.
func (v *Value) Bits() uint64 { return v.bits }

// Float32 returns the value of a float constant.
func (v *Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }

// Float64 returns the value of a double constant.
func (v *Value) Float64() float64 { return math.Float64frombits(v.bits) }

// Vec128 returns the value of a vector constant.
func (v *Value) Vec128() Vec128 { return v.vec }

// IsConstantZero returns true for a constant with all bits clear.
func (v *Value) IsConstantZero() bool {
	if !v.constant {
		return false
	}
	if v.Type == TypeVec128 {
		return v.vec.IsZero()
	}
	return v.bits == 0
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if !v.constant {
		return fmt.Sprintf("%s%d.%s", v.Class(), v.Slot, v.Type)
	}
	switch v.Type {
	case TypeFloat32:
		return fmt.Sprintf("%g.f32", v.Float32())
	case TypeFloat64:
		return fmt.Sprintf("%g.f64", v.Float64())
	case TypeVec128:
		return v.vec.String()
	}
	return fmt.Sprintf("%#x.%s", v.bits, v.Type)
}

// ParseTypeName returns the type named s, as printed by TypeName.String.
func ParseTypeName(s string) (TypeName, bool) {
	for t := TypeInt8; t <= TypeVec128; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}
