package amd64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/guestjit/x64backend/internal/asm"
)

// AMD64-specific registers, aliases of golang-asm's.
const (
	RegAX  asm.Register = x86.REG_AX
	RegCX  asm.Register = x86.REG_CX
	RegDX  asm.Register = x86.REG_DX
	RegBX  asm.Register = x86.REG_BX
	RegSP  asm.Register = x86.REG_SP
	RegBP  asm.Register = x86.REG_BP
	RegSI  asm.Register = x86.REG_SI
	RegDI  asm.Register = x86.REG_DI
	RegR8  asm.Register = x86.REG_R8
	RegR9  asm.Register = x86.REG_R9
	RegR10 asm.Register = x86.REG_R10
	RegR11 asm.Register = x86.REG_R11
	RegR12 asm.Register = x86.REG_R12
	RegR13 asm.Register = x86.REG_R13
	RegR14 asm.Register = x86.REG_R14
	RegR15 asm.Register = x86.REG_R15

	RegX0  asm.Register = x86.REG_X0
	RegX1  asm.Register = x86.REG_X1
	RegX2  asm.Register = x86.REG_X2
	RegX3  asm.Register = x86.REG_X3
	RegX4  asm.Register = x86.REG_X4
	RegX5  asm.Register = x86.REG_X5
	RegX6  asm.Register = x86.REG_X6
	RegX7  asm.Register = x86.REG_X7
	RegX8  asm.Register = x86.REG_X8
	RegX9  asm.Register = x86.REG_X9
	RegX10 asm.Register = x86.REG_X10
	RegX11 asm.Register = x86.REG_X11
	RegX12 asm.Register = x86.REG_X12
	RegX13 asm.Register = x86.REG_X13
	RegX14 asm.Register = x86.REG_X14
	RegX15 asm.Register = x86.REG_X15
)

// IsVectorRegister returns true if r is one of X0..X15.
func IsVectorRegister(r asm.Register) bool {
	return r >= RegX0 && r <= RegX15
}

// IsIntRegister returns true if r is one of the sixteen 64-bit general purpose registers.
func IsIntRegister(r asm.Register) bool {
	return r >= RegAX && r <= RegR15
}

// RegisterName returns the golang-asm name of r, e.g. "R12" or "X6".
func RegisterName(r asm.Register) string {
	if IsIntRegister(r) || IsVectorRegister(r) {
		return obj.Rconv(int(r))
	}
	return fmt.Sprintf("Register(%d)", r)
}
