package x64

import (
	"fmt"

	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
)

// Register usage of generated code:
//
//	Reserved:  RSP, RDI (context), RSI (membase)
//	Scratch:   RAX, RCX, RDX, X0-X2
//	Available: RBX, R12-R15, X6-X15
//
// The available general purpose registers are callee-saved under the System V ABI, so they
// survive CallNative without any preservation. The vector registers are not and are saved by
// the guest-to-host thunk used by CallNativeSafe.
const (
	// GPRCount is the number of general purpose slots values are allocated to.
	GPRCount = 5
	// XMMCount is the number of vector slots values are allocated to.
	XMMCount = 10
)

const (
	contextRegister = amd64.RegDI
	membaseRegister = amd64.RegSI

	scratchRegister0 = amd64.RegAX
	scratchRegister1 = amd64.RegCX
	scratchRegister2 = amd64.RegDX

	scratchVectorRegister0 = amd64.RegX0
	scratchVectorRegister1 = amd64.RegX1
	scratchVectorRegister2 = amd64.RegX2
)

var (
	gprRegMap = [GPRCount]asm.Register{amd64.RegBX, amd64.RegR12, amd64.RegR13, amd64.RegR14, amd64.RegR15}
	xmmRegMap = [XMMCount]asm.Register{
		amd64.RegX6, amd64.RegX7, amd64.RegX8, amd64.RegX9, amd64.RegX10,
		amd64.RegX11, amd64.RegX12, amd64.RegX13, amd64.RegX14, amd64.RegX15,
	}
)

// preconditionError is raised with panic when the function graph breaks a contract the upstream
// builder guarantees. Emit recovers it and fails the translation.
type preconditionError struct {
	msg string
}

// Error implements error.
func (e preconditionError) Error() string { return e.msg }

func preconditionf(format string, args ...interface{}) {
	panic(preconditionError{msg: fmt.Sprintf(format, args...)})
}

// GPR returns the general purpose register of v.
func GPR(v *hir.Value) asm.Register {
	switch {
	case v == nil:
		preconditionf("nil value")
	case v.IsConstant():
		preconditionf("constant %s has no register", v)
	case v.Class() != hir.ClassGPR:
		preconditionf("value %s is not a general purpose value", v)
	case v.Slot < 0 || v.Slot >= GPRCount:
		preconditionf("general purpose slot %d of %s out of range [0, %d)", v.Slot, v, GPRCount)
	}
	return gprRegMap[v.Slot]
}

// XMM returns the vector register of v.
func XMM(v *hir.Value) asm.Register {
	switch {
	case v == nil:
		preconditionf("nil value")
	case v.IsConstant():
		preconditionf("constant %s has no register", v)
	case v.Class() != hir.ClassVector:
		preconditionf("value %s is not a vector value", v)
	case v.Slot < 0 || v.Slot >= XMMCount:
		preconditionf("vector slot %d of %s out of range [0, %d)", v.Slot, v, XMMCount)
	}
	return xmmRegMap[v.Slot]
}

// Reg returns the register of v, whichever its class.
func Reg(v *hir.Value) asm.Register {
	if v != nil && v.Class() == hir.ClassVector {
		return XMM(v)
	}
	return GPR(v)
}
