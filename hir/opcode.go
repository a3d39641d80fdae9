package hir

import "fmt"

// Opcode is the operation of an Instr.
type Opcode uint16

const (
	OpcodeInvalid Opcode = iota

	// OpcodeComment carries Instr.Comment and emits nothing.
	OpcodeComment
	// OpcodeNop emits a multi-byte no-op of Instr.Offset bytes, nothing when zero.
	OpcodeNop
	// OpcodeSourceOffset marks the guest offset Instr.Offset.
	OpcodeSourceOffset
	OpcodeDebugBreak
	// OpcodeDebugBreakTrue breaks when Src[0] is non-zero.
	OpcodeDebugBreakTrue
	// OpcodeTrap traps with the trap type Instr.Offset.
	OpcodeTrap
	// OpcodeTrapTrue traps with the trap type Instr.Offset when Src[0] is non-zero.
	OpcodeTrapTrue

	// OpcodeCall calls Instr.Function. Flags: CallTail.
	OpcodeCall
	// OpcodeCallTrue calls Instr.Function when Src[0] is non-zero.
	OpcodeCallTrue
	// OpcodeCallIndirect calls the guest address in Src[0]. Flags: CallTail, CallPossibleReturn.
	OpcodeCallIndirect
	// OpcodeCallIndirectTrue calls the guest address in Src[1] when Src[0] is non-zero.
	OpcodeCallIndirectTrue
	// OpcodeCallExtern calls the host routine of the builtin or extern Instr.Function.
	OpcodeCallExtern
	OpcodeReturn
	// OpcodeReturnTrue returns when Src[0] is non-zero.
	OpcodeReturnTrue
	// OpcodeSetReturnAddress sets the guest return address passed by the following calls.
	OpcodeSetReturnAddress
	// OpcodeBranch jumps to Instr.Label.
	OpcodeBranch
	OpcodeBranchTrue
	OpcodeBranchFalse

	OpcodeAssign
	// OpcodeCast reinterprets the bits of Src[0] as the type of Dest.
	OpcodeCast
	OpcodeZeroExtend
	OpcodeSignExtend
	OpcodeTruncate
	// OpcodeLoadContext loads Dest from the execution context at Instr.Offset.
	OpcodeLoadContext
	// OpcodeStoreContext stores Src[0] into the execution context at Instr.Offset.
	OpcodeStoreContext
	// OpcodeLoad loads Dest from the guest address Src[0]. Flags: MemoryByteSwap.
	OpcodeLoad
	// OpcodeStore stores Src[1] at the guest address Src[0]. Flags: MemoryByteSwap.
	OpcodeStore
	// OpcodeSelect sets Dest to Src[1] if Src[0] is non-zero, Src[2] otherwise.
	OpcodeSelect
	OpcodeIsTrue
	OpcodeIsFalse
	OpcodeCompareEQ
	OpcodeCompareNE
	OpcodeCompareSLT
	OpcodeCompareSLE
	OpcodeCompareSGT
	OpcodeCompareSGE
	OpcodeCompareULT
	OpcodeCompareULE
	OpcodeCompareUGT
	OpcodeCompareUGE

	OpcodeAdd
	OpcodeSub
	OpcodeMul
	OpcodeDiv
	// OpcodeMulAdd sets Dest to Src[0]*Src[1]+Src[2].
	OpcodeMulAdd
	OpcodeNeg
	OpcodeAbs
	OpcodeSqrt
	OpcodeAnd
	OpcodeOr
	OpcodeXor
	OpcodeNot
	OpcodeShl
	OpcodeShr
	// OpcodeSha is the arithmetic right shift.
	OpcodeSha
	OpcodeCountLeadingZeros
	OpcodeByteSwap
	// OpcodeSplat replicates the scalar Src[0] into every lane of Dest.
	OpcodeSplat
	// OpcodeConvertHalfToFloat converts the four half floats in the low 64 bits of Src[0].
	OpcodeConvertHalfToFloat
	OpcodePack
	OpcodeUnpack
	OpcodePermute
	OpcodeAtomicCompareExchange
	OpcodeCacheControl

	opcodeEnd
)

// Call flags.
const (
	// CallTail replaces the current frame with the callee's.
	CallTail uint32 = 1 << iota
	// CallPossibleReturn returns instead of calling when the target is the caller's return address.
	CallPossibleReturn
)

// MemoryByteSwap makes Load and Store swap the guest byte order.
const MemoryByteSwap uint32 = 1 << 0

// shape describes the operands an opcode uses.
type shape struct {
	name     string
	dest     bool
	srcs     int
	label    bool
	function bool
}

var shapes = [opcodeEnd]shape{
	OpcodeInvalid:               {name: "invalid"},
	OpcodeComment:               {name: "comment"},
	OpcodeNop:                   {name: "nop"},
	OpcodeSourceOffset:          {name: "source_offset"},
	OpcodeDebugBreak:            {name: "debug_break"},
	OpcodeDebugBreakTrue:        {name: "debug_break_true", srcs: 1},
	OpcodeTrap:                  {name: "trap"},
	OpcodeTrapTrue:              {name: "trap_true", srcs: 1},
	OpcodeCall:                  {name: "call", function: true},
	OpcodeCallTrue:              {name: "call_true", srcs: 1, function: true},
	OpcodeCallIndirect:          {name: "call_indirect", srcs: 1},
	OpcodeCallIndirectTrue:      {name: "call_indirect_true", srcs: 2},
	OpcodeCallExtern:            {name: "call_extern", function: true},
	OpcodeReturn:                {name: "return"},
	OpcodeReturnTrue:            {name: "return_true", srcs: 1},
	OpcodeSetReturnAddress:      {name: "set_return_address", srcs: 1},
	OpcodeBranch:                {name: "branch", label: true},
	OpcodeBranchTrue:            {name: "branch_true", srcs: 1, label: true},
	OpcodeBranchFalse:           {name: "branch_false", srcs: 1, label: true},
	OpcodeAssign:                {name: "assign", dest: true, srcs: 1},
	OpcodeCast:                  {name: "cast", dest: true, srcs: 1},
	OpcodeZeroExtend:            {name: "zero_extend", dest: true, srcs: 1},
	OpcodeSignExtend:            {name: "sign_extend", dest: true, srcs: 1},
	OpcodeTruncate:              {name: "truncate", dest: true, srcs: 1},
	OpcodeLoadContext:           {name: "load_context", dest: true},
	OpcodeStoreContext:          {name: "store_context", srcs: 1},
	OpcodeLoad:                  {name: "load", dest: true, srcs: 1},
	OpcodeStore:                 {name: "store", srcs: 2},
	OpcodeSelect:                {name: "select", dest: true, srcs: 3},
	OpcodeIsTrue:                {name: "is_true", dest: true, srcs: 1},
	OpcodeIsFalse:               {name: "is_false", dest: true, srcs: 1},
	OpcodeCompareEQ:             {name: "compare_eq", dest: true, srcs: 2},
	OpcodeCompareNE:             {name: "compare_ne", dest: true, srcs: 2},
	OpcodeCompareSLT:            {name: "compare_slt", dest: true, srcs: 2},
	OpcodeCompareSLE:            {name: "compare_sle", dest: true, srcs: 2},
	OpcodeCompareSGT:            {name: "compare_sgt", dest: true, srcs: 2},
	OpcodeCompareSGE:            {name: "compare_sge", dest: true, srcs: 2},
	OpcodeCompareULT:            {name: "compare_ult", dest: true, srcs: 2},
	OpcodeCompareULE:            {name: "compare_ule", dest: true, srcs: 2},
	OpcodeCompareUGT:            {name: "compare_ugt", dest: true, srcs: 2},
	OpcodeCompareUGE:            {name: "compare_uge", dest: true, srcs: 2},
	OpcodeAdd:                   {name: "add", dest: true, srcs: 2},
	OpcodeSub:                   {name: "sub", dest: true, srcs: 2},
	OpcodeMul:                   {name: "mul", dest: true, srcs: 2},
	OpcodeDiv:                   {name: "div", dest: true, srcs: 2},
	OpcodeMulAdd:                {name: "mul_add", dest: true, srcs: 3},
	OpcodeNeg:                   {name: "neg", dest: true, srcs: 1},
	OpcodeAbs:                   {name: "abs", dest: true, srcs: 1},
	OpcodeSqrt:                  {name: "sqrt", dest: true, srcs: 1},
	OpcodeAnd:                   {name: "and", dest: true, srcs: 2},
	OpcodeOr:                    {name: "or", dest: true, srcs: 2},
	OpcodeXor:                   {name: "xor", dest: true, srcs: 2},
	OpcodeNot:                   {name: "not", dest: true, srcs: 1},
	OpcodeShl:                   {name: "shl", dest: true, srcs: 2},
	OpcodeShr:                   {name: "shr", dest: true, srcs: 2},
	OpcodeSha:                   {name: "sha", dest: true, srcs: 2},
	OpcodeCountLeadingZeros:     {name: "count_leading_zeros", dest: true, srcs: 1},
	OpcodeByteSwap:              {name: "byte_swap", dest: true, srcs: 1},
	OpcodeSplat:                 {name: "splat", dest: true, srcs: 1},
	OpcodeConvertHalfToFloat:    {name: "convert_half_to_float", dest: true, srcs: 1},
	OpcodePack:                  {name: "pack", dest: true, srcs: 2},
	OpcodeUnpack:                {name: "unpack", dest: true, srcs: 1},
	OpcodePermute:               {name: "permute", dest: true, srcs: 3},
	OpcodeAtomicCompareExchange: {name: "atomic_compare_exchange", dest: true, srcs: 3},
	OpcodeCacheControl:          {name: "cache_control", srcs: 1},
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o < opcodeEnd {
		return shapes[o].name
	}
	return fmt.Sprintf("Opcode(%d)", uint16(o))
}

// known returns true if o is part of the opcode set.
func (o Opcode) known() bool { return o > OpcodeInvalid && o < opcodeEnd }

// ParseOpcode returns the opcode named s, as printed by Opcode.String.
func ParseOpcode(s string) (Opcode, bool) {
	for o := OpcodeInvalid + 1; o < opcodeEnd; o++ {
		if shapes[o].name == s {
			return o, true
		}
	}
	return OpcodeInvalid, false
}
