// Package symbol holds the identity and metadata of guest functions as seen by the backend.
//
// A FunctionInfo is created by the symbol registry before translation, read by the emitter while
// lowering calls to it, and updated exactly once when its translated machine code is placed.
package symbol

import (
	"fmt"

	"go.uber.org/atomic"
)

// Behavior describes how a call to a function is lowered.
type Behavior byte

const (
	// BehaviorDefault is a guest function translated by the backend.
	BehaviorDefault Behavior = iota
	// BehaviorBuiltin is a host routine registered under a guest address. Calls pass the two
	// registered arguments in addition to the execution context.
	BehaviorBuiltin
	// BehaviorExtern is an imported host routine. An extern without handler is undefined and
	// calling it traps.
	BehaviorExtern
)

// String implements fmt.Stringer.
func (b Behavior) String() string {
	switch b {
	case BehaviorDefault:
		return "default"
	case BehaviorBuiltin:
		return "builtin"
	case BehaviorExtern:
		return "extern"
	}
	return fmt.Sprintf("Behavior(%d)", byte(b))
}

// FunctionInfo is the metadata of one guest function.
//
// Note: MachineCode and CodeSize are safe for concurrent use since emitters running on other
// goroutines read them while the owning translation publishes them.
type FunctionInfo struct {
	name       string
	address    uint32
	endAddress uint32
	behavior   Behavior

	handler    uintptr
	arg0, arg1 uintptr

	machineCode atomic.Uintptr
	codeSize    atomic.Uint32
}

// NewFunction returns the metadata of a guest function spanning [address, endAddress).
func NewFunction(name string, address, endAddress uint32) *FunctionInfo {
	return &FunctionInfo{name: name, address: address, endAddress: endAddress}
}

// NewExtern returns the metadata of an imported host routine. handler may be zero when the import
// could not be resolved.
func NewExtern(name string, address uint32, handler uintptr) *FunctionInfo {
	return &FunctionInfo{name: name, address: address, endAddress: address, behavior: BehaviorExtern, handler: handler}
}

// NewBuiltin returns the metadata of a host routine called with two fixed arguments.
func NewBuiltin(name string, address uint32, handler, arg0, arg1 uintptr) *FunctionInfo {
	return &FunctionInfo{
		name: name, address: address, endAddress: address,
		behavior: BehaviorBuiltin, handler: handler, arg0: arg0, arg1: arg1,
	}
}

// Name returns the symbol name, possibly empty.
func (f *FunctionInfo) Name() string { return f.name }

// Address returns the guest address of the first instruction.
func (f *FunctionInfo) Address() uint32 { return f.address }

// EndAddress returns the guest address following the last instruction.
func (f *FunctionInfo) EndAddress() uint32 { return f.endAddress }

// Behavior returns how calls to this function are lowered.
func (f *FunctionInfo) Behavior() Behavior { return f.behavior }

// Handler returns the host routine of a builtin or extern, zero when undefined.
func (f *FunctionInfo) Handler() uintptr { return f.handler }

// Args returns the two fixed arguments of a builtin.
func (f *FunctionInfo) Args() (arg0, arg1 uintptr) { return f.arg0, f.arg1 }

// MachineCode returns the executable address of the translated code, zero until placed.
func (f *FunctionInfo) MachineCode() uintptr { return f.machineCode.Load() }

// CodeSize returns the size in bytes of the translated code, zero until placed.
func (f *FunctionInfo) CodeSize() uint32 { return f.codeSize.Load() }

// SetMachineCode publishes the placed code. The size is stored first so that readers observing
// a non-zero address also observe its size.
func (f *FunctionInfo) SetMachineCode(addr uintptr, size uint32) {
	f.codeSize.Store(size)
	f.machineCode.Store(addr)
}

// String implements fmt.Stringer.
func (f *FunctionInfo) String() string {
	if f.name != "" {
		return fmt.Sprintf("%s@%08x", f.name, f.address)
	}
	return fmt.Sprintf("sub_%08x", f.address)
}
