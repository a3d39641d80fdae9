package x64

import (
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/internal/asm/amd64"
	"github.com/guestjit/x64backend/symbol"
)

// Calls between translated functions follow the entry convention:
//
//	RDI  context
//	RSI  membase
//	RDX  guest return address
//	RCX  guest address of the callee, read by the resolve thunk
//
// Nothing survives a call except the callee-saved general purpose registers, so the context and
// membase are reloaded from the frame afterwards.

// SetReturnAddress sets the guest return address passed by the following calls.
func (e *Emitter) SetReturnAddress(v *hir.Value) {
	a := stackAddress(frameCallReturnOffset)
	if v.IsConstant() {
		e.MovMem64(a, v.Bits())
		return
	}
	e.registerToMemory(amd64.MOVQ, GPR(v), a)
}

// Call calls fn. Builtins and externs are called through CallExtern.
//
// The emitted code depends on whether fn is placed at the time of the call: placed code is
// called directly, anything else through its indirection slot. Translating the same graph twice
// gives identical code only if the callees were placed, or not, both times.
func (e *Emitter) Call(instr *hir.Instr, fn *symbol.FunctionInfo) {
	tail := instr.Flags&hir.CallTail != 0
	if fn.Behavior() != symbol.BehaviorDefault {
		e.CallExtern(instr, fn)
		if tail {
			e.emitReturn()
		}
		return
	}
	e.loadCallTarget(fn)
	e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(fn.Address())), scratchRegister1)
	e.callGuest(tail)
}

// loadCallTarget loads the machine code of fn into RAX: the code itself once placed, otherwise
// the indirection slot, which points at the resolve thunk until fn is placed.
func (e *Emitter) loadCallTarget(fn *symbol.FunctionInfo) {
	if code := fn.MachineCode(); code != 0 {
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(code), scratchRegister0)
		return
	}
	if slot, ok := e.backend.codeCache.IndirectionSlotAddress(fn.Address()); ok {
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(slot), scratchRegister0)
		e.assembler.CompileMemoryToRegister(amd64.MOVQ, scratchRegister0, 0, scratchRegister0)
		return
	}
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(e.backend.thunks.ResolveFunction), scratchRegister0)
}

// callGuest calls or, for a tail call, jumps to the machine code in RAX.
func (e *Emitter) callGuest(tail bool) {
	if tail {
		e.EmitTraceUserCallReturn()
		e.memoryToRegister(amd64.MOVQ, stackAddress(frameGuestReturnOffset), scratchRegister2)
		e.emitReleaseFrame()
		e.assembler.CompileJumpToRegister(amd64.JMP, scratchRegister0)
		return
	}
	e.memoryToRegister(amd64.MOVQ, stackAddress(frameCallReturnOffset), scratchRegister2)
	e.assembler.CompileJumpToRegister(amd64.CALL, scratchRegister0)
	e.ReloadContext()
	e.ReloadMembase()
}

// CallIndirect calls the guest address held by target through the indirection table. With
// hir.CallPossibleReturn, a target equal to the function's own return address returns instead.
func (e *Emitter) CallIndirect(instr *hir.Instr, target *hir.Value) {
	if target.IsConstant() {
		e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(uint32(target.Bits()))), scratchRegister1)
	} else {
		e.assembler.CompileRegisterToRegister(amd64.MOVL, GPR(target), scratchRegister1)
	}

	if instr.Flags&hir.CallPossibleReturn != 0 {
		if target.IsConstant() {
			e.assembler.CompileMemoryToConst(amd64.CMPL, amd64.RegSP, frameGuestReturnOffset, int64(int32(uint32(target.Bits()))))
		} else {
			e.assembler.CompileRegisterToMemory(amd64.CMPL, scratchRegister1, amd64.RegSP, frameGuestReturnOffset)
		}
		e.epilogJumps = append(e.epilogJumps, e.assembler.CompileJump(amd64.JEQ))
	}

	table, base, size := e.backend.codeCache.IndirectionTable()
	if table == 0 {
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(e.backend.thunks.ResolveFunction), scratchRegister0)
	} else {
		// Slots are 8 bytes per 4 guest bytes: the slot offset is twice the guest offset.
		e.assembler.CompileMemoryToRegister(amd64.LEAL, scratchRegister1, int64(int32(0-base)), scratchRegister0)
		e.assembler.CompileRegisterToConst(amd64.CMPL, scratchRegister0, int64(int32(size)))
		outOfRange := e.assembler.CompileJump(amd64.JCC)
		e.assembler.CompileConstToRegister(amd64.TESTL, 3, scratchRegister0)
		unaligned := e.assembler.CompileJump(amd64.JNE)
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(table), scratchRegister2)
		e.assembler.CompileMemoryWithIndexToRegister(amd64.MOVQ, scratchRegister2, 0, scratchRegister0, 2, scratchRegister0)
		done := e.assembler.CompileJump(amd64.JMP)

		e.assembler.SetJumpTargetOnNext(outOfRange, unaligned)
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(e.backend.thunks.ResolveFunction), scratchRegister0)
		e.assembler.SetJumpTargetOnNext(done)
		e.assembler.CompileLabel()
	}
	e.callGuest(instr.Flags&hir.CallTail != 0)
}

// CallExtern calls the host handler of a builtin or extern through the guest-to-host thunk.
// Builtins receive their two registered arguments, externs their guest address.
func (e *Emitter) CallExtern(instr *hir.Instr, fn *symbol.FunctionInfo) {
	if fn.Handler() == 0 {
		e.trapWithDiagnostic(instr, TrapUndefinedExtern, "undefined extern "+fn.String())
		return
	}
	if fn.Behavior() == symbol.BehaviorBuiltin {
		arg0, arg1 := fn.Args()
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(arg0), amd64.RegSI)
		e.assembler.CompileConstToRegister(amd64.MOVQ, int64(arg1), amd64.RegDX)
	} else {
		e.assembler.CompileConstToRegister(amd64.MOVL, int64(int32(fn.Address())), amd64.RegSI)
		e.assembler.CompileRegisterToRegister(amd64.XORL, amd64.RegDX, amd64.RegDX)
	}
	e.CallNativeSafe(fn.Handler())
}

// CallNative calls the host routine fn(ctx). Only the callee-saved registers survive.
func (e *Emitter) CallNative(fn uintptr) {
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(fn), scratchRegister0)
	e.assembler.CompileJumpToRegister(amd64.CALL, scratchRegister0)
	e.ReloadContext()
	e.ReloadMembase()
}

// CallNativeWithArg calls the host routine fn(ctx, arg0).
func (e *Emitter) CallNativeWithArg(fn uintptr, arg0 uint64) {
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(arg0), amd64.RegSI)
	e.CallNative(fn)
}

// CallNativeSafe calls the host routine fn through the guest-to-host thunk, which preserves the
// vector registers values are allocated to. Argument registers are set by the caller.
func (e *Emitter) CallNativeSafe(fn uintptr) {
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(fn), amd64.RegR10)
	e.assembler.CompileConstToRegister(amd64.MOVQ, int64(e.backend.thunks.GuestToHost), scratchRegister0)
	e.assembler.CompileJumpToRegister(amd64.CALL, scratchRegister0)
	e.ReloadContext()
	e.ReloadMembase()
}

// ReloadContext restores RDI from the frame.
func (e *Emitter) ReloadContext() {
	e.memoryToRegister(amd64.MOVQ, stackAddress(frameContextOffset), contextRegister)
}

// ReloadMembase restores RSI from the context.
func (e *Emitter) ReloadMembase() {
	e.assembler.CompileMemoryToRegister(amd64.MOVQ, contextRegister, ContextMembaseOffset, membaseRegister)
}
