package x64

import (
	"github.com/guestjit/x64backend/internal/asm"
	"github.com/guestjit/x64backend/internal/asm/amd64"
)

// TrapType is the value a trap leaves in EAX before UD2. Guest traps use the trap type of the
// instruction; the values below are reserved for traps the backend emits itself.
type TrapType uint16

const (
	// TrapUnimplemented marks an instruction without lowering rule.
	TrapUnimplemented TrapType = 0xfff0 + iota
	// TrapUndefinedExtern marks a call to an extern without handler.
	TrapUndefinedExtern
	// TrapUnresolvedFunction is raised by the resolve thunk when the callee cannot be resolved.
	TrapUnresolvedFunction
)

// hostCalleeSaved are the registers generated code uses that the System V ABI requires a callee
// to preserve.
var hostCalleeSaved = [...]asm.Register{amd64.RegBX, amd64.RegBP, amd64.RegR12, amd64.RegR13, amd64.RegR14, amd64.RegR15}

// guestToHostFrameSize holds X6..X15 and keeps RSP 16-byte aligned at the host call.
const guestToHostFrameSize = XMMCount*16 + 8

func (b *Backend) placeThunks() error {
	for _, t := range []struct {
		name  string
		build func(a *amd64.Assembler)
		addr  *uintptr
	}{
		{"host_to_guest_thunk", buildHostToGuestThunk, &b.thunks.HostToGuest},
		{"guest_to_host_thunk", buildGuestToHostThunk, &b.thunks.GuestToHost},
		{"resolve_function_thunk", b.buildResolveFunctionThunk, &b.thunks.ResolveFunction},
	} {
		code, err := assembleThunk(t.build)
		if err != nil {
			return err
		}
		if *t.addr, err = b.codeCache.PlaceThunk(t.name, code); err != nil {
			return err
		}
	}
	return nil
}

func assembleThunk(build func(a *amd64.Assembler)) ([]byte, error) {
	a, err := amd64.NewAssembler()
	if err != nil {
		return nil, err
	}
	build(a)
	return a.Assemble()
}

// buildHostToGuestThunk enters generated code from the host: RDI is the machine code to call,
// RSI the context and RDX the guest return address.
func buildHostToGuestThunk(a *amd64.Assembler) {
	for _, r := range hostCalleeSaved {
		a.CompileRegisterToNone(amd64.PUSHQ, r)
	}
	// Six pushes leave RSP 8 bytes off alignment.
	a.CompileConstToRegister(amd64.SUBQ, 8, amd64.RegSP)

	a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegDI, scratchRegister0)
	a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegSI, contextRegister)
	a.CompileMemoryToRegister(amd64.MOVQ, contextRegister, ContextMembaseOffset, membaseRegister)
	a.CompileRegisterToRegister(amd64.XORL, scratchRegister1, scratchRegister1)
	a.CompileJumpToRegister(amd64.CALL, scratchRegister0)

	a.CompileConstToRegister(amd64.ADDQ, 8, amd64.RegSP)
	for i := len(hostCalleeSaved) - 1; i >= 0; i-- {
		a.CompileNoneToRegister(amd64.POPQ, hostCalleeSaved[i])
	}
	a.CompileStandAlone(amd64.RET)
}

// buildGuestToHostThunk calls the host routine in R10 from generated code, preserving the
// vector registers values are allocated to. Argument registers pass through unchanged.
func buildGuestToHostThunk(a *amd64.Assembler) {
	a.CompileConstToRegister(amd64.SUBQ, guestToHostFrameSize, amd64.RegSP)
	for i, r := range xmmRegMap {
		a.CompileRegisterToMemory(amd64.MOVUPS, r, amd64.RegSP, int64(i*16))
	}
	a.CompileJumpToRegister(amd64.CALL, amd64.RegR10)
	for i, r := range xmmRegMap {
		a.CompileMemoryToRegister(amd64.MOVUPS, amd64.RegSP, int64(i*16), r)
	}
	a.CompileConstToRegister(amd64.ADDQ, guestToHostFrameSize, amd64.RegSP)
	a.CompileStandAlone(amd64.RET)
}

// buildResolveFunctionThunk is entered like a translated function with the callee's guest
// address in RCX. It resolves the callee through the host and jumps to it with the entry
// registers intact, so the callee returns directly to the original caller.
func (b *Backend) buildResolveFunctionThunk(a *amd64.Assembler) {
	if b.hostRoutines.ResolveFunction == 0 {
		a.CompileConstToRegister(amd64.MOVL, int64(TrapUnresolvedFunction), scratchRegister0)
		a.CompileStandAlone(amd64.UD2)
		return
	}
	saved := [...]asm.Register{scratchRegister2, scratchRegister1, contextRegister, membaseRegister}
	for _, r := range saved {
		a.CompileRegisterToNone(amd64.PUSHQ, r)
	}
	a.CompileConstToRegister(amd64.SUBQ, 8, amd64.RegSP)
	a.CompileRegisterToRegister(amd64.MOVL, scratchRegister1, amd64.RegSI)
	a.CompileConstToRegister(amd64.MOVQ, int64(b.hostRoutines.ResolveFunction), scratchRegister0)
	a.CompileJumpToRegister(amd64.CALL, scratchRegister0)
	a.CompileConstToRegister(amd64.ADDQ, 8, amd64.RegSP)
	for i := len(saved) - 1; i >= 0; i-- {
		a.CompileNoneToRegister(amd64.POPQ, saved[i])
	}

	a.CompileRegisterToRegister(amd64.TESTQ, scratchRegister0, scratchRegister0)
	unresolved := a.CompileJump(amd64.JEQ)
	a.CompileJumpToRegister(amd64.JMP, scratchRegister0)
	a.SetJumpTargetOnNext(unresolved)
	a.CompileConstToRegister(amd64.MOVL, int64(TrapUnresolvedFunction), scratchRegister0)
	a.CompileStandAlone(amd64.UD2)
}
