// Package memory implements the guest address space the generated code addresses relative to
// its membase register, and the system heap the backend places shared data into.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/guestjit/x64backend/internal/platform"
)

// MaxSize is the largest guest address space: generated code reaches guest addresses with signed
// 32-bit displacements off the membase.
const MaxSize = 1 << 31

// ErrOutOfMemory is returned when the system heap cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("system heap exhausted")

// Config is the layout of the guest address space.
type Config struct {
	// Size is the size of the address space in bytes.
	Size uint32
	// SystemHeapBase is the guest address of the system heap. It must be non-zero so that zero can
	// mean "no allocation".
	SystemHeapBase uint32
	// SystemHeapSize is the size of the system heap in bytes.
	SystemHeapSize uint32
}

// Validate checks the layout fits the address space.
func (c Config) Validate() error {
	switch {
	case c.Size == 0 || c.Size > MaxSize:
		return fmt.Errorf("invalid guest memory size %#x: must be in (0, %#x]", c.Size, MaxSize)
	case c.SystemHeapBase == 0:
		return errors.New("system heap must not start at guest address zero")
	case uint64(c.SystemHeapBase)+uint64(c.SystemHeapSize) > uint64(c.Size):
		return fmt.Errorf("system heap [%#x, %#x) exceeds guest memory size %#x",
			c.SystemHeapBase, uint64(c.SystemHeapBase)+uint64(c.SystemHeapSize), c.Size)
	}
	return nil
}

// Memory is a guest address space backed by one anonymous mapping.
type Memory struct {
	mapping []byte

	mu                         sync.Mutex
	heapBase, heapEnd, heapTop uint32
}

// New maps a guest address space.
func New(c Config) (*Memory, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	b, err := platform.MmapMemory(int(c.Size))
	if err != nil {
		return nil, fmt.Errorf("failed to map guest memory: %w", err)
	}
	return &Memory{
		mapping:  b,
		heapBase: c.SystemHeapBase,
		heapEnd:  c.SystemHeapBase + c.SystemHeapSize,
		heapTop:  c.SystemHeapBase,
	}, nil
}

// Membase returns the host address of guest address zero.
func (m *Memory) Membase() uintptr {
	return uintptr(unsafe.Pointer(&m.mapping[0]))
}

// Size returns the size of the guest address space.
func (m *Memory) Size() uint32 {
	return uint32(len(m.mapping))
}

// SystemHeapAlloc reserves size bytes aligned to alignment, a power of two, and returns the guest
// address. Allocations are never released.
func (m *Memory) SystemHeapAlloc(size, alignment uint32) (uint32, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Errorf("BUG: alignment %d is not a power of two", alignment))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := (uint64(m.heapTop) + uint64(alignment) - 1) &^ (uint64(alignment) - 1)
	if addr+uint64(size) > uint64(m.heapEnd) {
		return 0, fmt.Errorf("%w: %d bytes requested, %d available", ErrOutOfMemory, size, uint64(m.heapEnd)-min(addr, uint64(m.heapEnd)))
	}
	m.heapTop = uint32(addr + uint64(size))
	return uint32(addr), nil
}

// SystemHeapUsed returns the number of heap bytes allocated, alignment padding included.
func (m *Memory) SystemHeapUsed() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heapTop - m.heapBase
}

// Bytes returns the host view of [addr, addr+n).
func (m *Memory) Bytes(addr, n uint32) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.mapping)) {
		return nil, fmt.Errorf("guest range [%#x, %#x) out of bounds", addr, end)
	}
	return m.mapping[addr:end:end], nil
}

// Write copies b to the guest address addr.
func (m *Memory) Write(addr uint32, b []byte) error {
	dst, err := m.Bytes(addr, uint32(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// TranslateVirtual returns the host address of the guest address addr.
func (m *Memory) TranslateVirtual(addr uint32) uintptr {
	return m.Membase() + uintptr(addr)
}

// Close unmaps the address space. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := platform.Munmap(m.mapping)
	m.mapping = nil
	return err
}
