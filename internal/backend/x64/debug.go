package x64

import (
	"fmt"
	"strings"

	"github.com/twitchyliquid64/golang-asm/obj"
	"golang.org/x/arch/x86/x86asm"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
)

// MarkSourceOffset records the guest offset of the instructions that follow. The code offset is
// resolved when the code is assembled.
func (e *Emitter) MarkSourceOffset(instr *hir.Instr) {
	e.guestOffset = uint32(instr.Offset)
	if !e.debugInfoFlags.Has(debuginfo.FlagSourceMap) {
		return
	}
	e.sourceMap.mark(e.assembler.CompileLabel(), e.guestOffset)
}

// emitTraceUserCall counts the entry of the function.
func (e *Emitter) emitTraceUserCall() {
	if !e.debugInfoFlags.Has(debuginfo.FlagTraceCallReturn) {
		return
	}
	e.assembler.CompileNoneToMemory(amd64.INCQ, membaseRegister,
		int64(e.traceData.Address)+debuginfo.TraceCallCountOffset)
}

// EmitTraceUserCallReturn counts a return or tail call of the function. It uses no register.
func (e *Emitter) EmitTraceUserCallReturn() {
	if !e.debugInfoFlags.Has(debuginfo.FlagTraceCallReturn) {
		return
	}
	e.assembler.CompileNoneToMemory(amd64.INCQ, membaseRegister,
		int64(e.traceData.Address)+debuginfo.TraceReturnCountOffset)
}

// EmitGetCurrentThreadId stores the thread id of the context into the trace data.
func (e *Emitter) EmitGetCurrentThreadId() {
	if !e.debugInfoFlags.Has(debuginfo.FlagTraceThreadID) {
		return
	}
	e.assembler.CompileMemoryToRegister(amd64.MOVWLZX, contextRegister, ContextThreadIDOffset, scratchRegister0)
	e.assembler.CompileRegisterToMemory(amd64.MOVL, scratchRegister0, membaseRegister,
		int64(e.traceData.Address)+debuginfo.TraceThreadIDOffset)
}

// publishDebugInfo hands the source map, trace data and listing to the consumer.
func (e *Emitter) publishDebugInfo(code []byte) {
	di := e.debugInfo
	if di == nil {
		return
	}
	if e.debugInfoFlags.Has(debuginfo.FlagSourceMap) {
		di.SetSourceMap(e.sourceMap.entries)
	}
	if e.traceData.Valid() {
		di.SetTraceData(e.traceData)
	}
	if e.debugInfoFlags.Has(debuginfo.FlagDisasmMachineCode) {
		di.SetDisassembly(Disassemble(code, e.fn.MachineCode(), e.assembler.Nodes()))
	}
}

// Disassemble lists code placed at pc, one instruction per line. When the nodes code was
// assembled from are given, instructions x86asm cannot decode, such as VEX encoded ones, are
// printed as the assembler emitted them; otherwise as raw bytes.
func Disassemble(code []byte, pc uintptr, nodes []asm.Node) string {
	emitted := map[int]*obj.Prog{}
	for _, n := range nodes {
		if gn, ok := n.(*asm.GolangAsmNode); ok && gn.Prog().Isize != 0 {
			emitted[int(gn.Prog().Pc)] = gn.Prog()
		}
	}

	var sb strings.Builder
	for offset := 0; offset < len(code); {
		length, text := 1, fmt.Sprintf("BYTE $%#02x", code[offset])
		if p, ok := emitted[offset]; ok && offset+int(p.Isize) <= len(code) {
			length, text = int(p.Isize), p.InstructionString()
			if inst, err := x86asm.Decode(code[offset:offset+length], 64); err == nil && inst.Len == length {
				text = x86asm.GoSyntax(inst, uint64(pc)+uint64(offset), nil)
			}
		} else if inst, err := x86asm.Decode(code[offset:], 64); err == nil {
			length, text = inst.Len, x86asm.GoSyntax(inst, uint64(pc)+uint64(offset), nil)
		}
		fmt.Fprintf(&sb, "%#08x: %-24x %s\n", offset, code[offset:offset+length], text)
		offset += length
	}
	return sb.String()
}
