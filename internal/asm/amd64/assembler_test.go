package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"
)

func requireNewAssembler(t *testing.T) *Assembler {
	a, err := NewAssembler()
	require.NoError(t, err)
	return a
}

// decodeAll decodes code, failing the test on bytes x86asm does not understand.
func decodeAll(t *testing.T, code []byte) (ret []x86asm.Inst) {
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		ret = append(ret, inst)
		code = code[inst.Len:]
	}
	return
}

func TestGolangAsmCompatibility(t *testing.T) {
	require.Equal(t, int16(x86.REG_AX), RegAX)
	require.Equal(t, int16(x86.REG_X0), RegX0)
	require.Equal(t, RegAX+15, RegR15)
	require.Equal(t, RegX0+15, RegX15)
}

func TestRegisterName(t *testing.T) {
	require.Equal(t, "R12", RegisterName(RegR12))
	require.Equal(t, "X6", RegisterName(RegX6))
	require.Equal(t, "Register(0)", RegisterName(0))
	require.True(t, IsIntRegister(RegSI))
	require.False(t, IsIntRegister(RegX1))
	require.True(t, IsVectorRegister(RegX15))
}

func TestAssembler_operandShapes(t *testing.T) {
	a := requireNewAssembler(t)
	a.CompileConstToRegister(MOVQ, 0x1122334455667788, RegAX)
	a.CompileMemoryToRegister(MOVQ, RegDI, 0x10, RegSI)
	a.CompileRegisterToMemory(MOVQ, RegDI, RegSP, 32)
	a.CompileMemoryWithIndexToRegister(MOVL, RegSI, 0, RegAX, 1, RegBX)
	a.CompileRegisterToMemoryWithIndex(MOVL, RegBX, RegSI, 0, RegAX, 1)
	a.CompileConstToMemory(MOVL, 0x1234, RegSP, 48)
	a.CompileRegisterToConst(CMPQ, RegR12, 7)
	a.CompileMemoryToConst(CMPL, RegSP, 40, 9)
	a.CompileNoneToRegister(BSWAPL, RegR13)
	a.CompileNoneToMemory(INCQ, RegSI, 0x100)
	a.CompileConstModeRegisterToRegister(PSHUFD, 0, RegX1, RegX6)
	a.CompileJumpToRegister(CALL, RegAX)
	a.CompileBytes(0xcc)
	a.CompileStandAlone(UD2)

	code, err := a.Assemble()
	require.NoError(t, err)

	insts := decodeAll(t, code)
	var ops []x86asm.Op
	for _, inst := range insts {
		if inst.Op != x86asm.NOP {
			ops = append(ops, inst.Op)
		}
	}
	require.Equal(t, []x86asm.Op{
		x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.MOV,
		x86asm.CMP, x86asm.CMP, x86asm.BSWAP, x86asm.INC, x86asm.PSHUFD,
		x86asm.CALL, x86asm.INT, x86asm.UD2,
	}, ops)

	require.Equal(t, x86asm.Imm(0x1122334455667788), insts[0].Args[1])
	require.Equal(t, x86asm.RSI, insts[1].Args[0])
	require.Equal(t, x86asm.Mem{Base: x86asm.RDI, Disp: 0x10}, insts[1].Args[1])
	require.Equal(t, x86asm.R13L, insts[8].Args[0])
}

func TestAssembler_CompileThreeRegisters(t *testing.T) {
	a := requireNewAssembler(t)
	a.CompileThreeRegisters(SHLXQ, RegCX, RegBX, RegR12)
	a.CompileThreeRegisters(VFMADD213SS, RegX2, RegX1, RegX0)
	code, err := a.Assemble()
	require.NoError(t, err)
	// Both are VEX encoded with the three byte prefix.
	require.Equal(t, byte(0xc4), code[0])
	require.Len(t, a.Nodes(), 2)
	require.Contains(t, a.Nodes()[0].String(), "SHLXQ")
	require.Contains(t, a.Nodes()[1].String(), "VFMADD213SS")
}

func TestAssembler_jumps(t *testing.T) {
	a := requireNewAssembler(t)
	a.CompileRegisterToConst(CMPQ, RegAX, 0)
	je := a.CompileJump(JEQ)
	a.CompileStandAlone(UD2)
	label := a.CompileLabel()
	je.AssignJumpTarget(label)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	insts := decodeAll(t, code)
	require.Equal(t, x86asm.JE, insts[1].Op)
	// The jump skips exactly the UD2.
	require.Equal(t, x86asm.Rel(2), insts[1].Args[0])
	require.Equal(t, label.OffsetInBinary(), int64(len(code)-1))
}
