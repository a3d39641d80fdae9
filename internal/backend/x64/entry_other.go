//go:build !amd64

package x64

import (
	"fmt"
	"runtime"

	"github.com/guestjit/x64backend/symbol"
)

// ExecStackSize is the size of the stack Execute runs generated code on.
const ExecStackSize = 256 * 1024

// Execute is only supported on amd64 hosts.
func (b *Backend) Execute(fn *symbol.FunctionInfo, ctx *Context, guestReturn uint32) error {
	return fmt.Errorf("executing %s: unsupported on %s", fn, runtime.GOARCH)
}
