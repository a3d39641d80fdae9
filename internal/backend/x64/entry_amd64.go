package x64

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/guestjit/x64backend/symbol"
)

// ExecStackSize is the size of the stack Execute runs generated code on.
const ExecStackSize = 256 * 1024

// hostToGuest is implemented in entry_amd64.s.
func hostToGuest(thunk, target, ctx, guestReturn, stackTop uintptr)

// Execute runs the translated fn until it returns to the host, on a stack of its own. A zero
// ctx.Membase is set to the membase of the guest memory.
//
// Generated code reaching a trap raises SIGILL, which the Go runtime does not recover from.
func (b *Backend) Execute(fn *symbol.FunctionInfo, ctx *Context, guestReturn uint32) error {
	if ctx == nil {
		return errors.New("nil context")
	}
	code := fn.MachineCode()
	if code == 0 {
		return fmt.Errorf("%s is not translated", fn)
	}
	if ctx.Membase == 0 {
		ctx.Membase = b.memory.Membase()
	}
	stack := make([]byte, ExecStackSize)
	hostToGuest(b.thunks.HostToGuest, code, uintptr(unsafe.Pointer(ctx)), uintptr(guestReturn), alignedStackTop(stack))
	runtime.KeepAlive(stack)
	runtime.KeepAlive(ctx)
	return nil
}

// alignedStackTop returns the 16-byte aligned top of s.
func alignedStackTop(s []byte) uintptr {
	top := uintptr(unsafe.Pointer(&s[len(s)-1]))
	return top &^ 15
}
