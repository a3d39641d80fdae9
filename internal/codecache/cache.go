// Package codecache places finished machine code into executable memory and maintains the
// indirection table generated code dispatches guest calls through.
package codecache

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/guestjit/x64backend/internal/platform"
	"github.com/guestjit/x64backend/symbol"
)

// IndirectionEntrySize is the size of one indirection table entry: the host address of the code
// for one 4-byte aligned guest address.
const IndirectionEntrySize = 8

// Config configures a Cache.
type Config struct {
	// SegmentSize is the capacity of each executable mapping. Larger functions get a dedicated one.
	SegmentSize int
	// IndirectionBase is the first guest address covered by the indirection table.
	IndirectionBase uint32
	// IndirectionSize is the size of the covered guest range in bytes, a multiple of 4. Zero
	// disables the table.
	IndirectionSize uint32
	// Perfmap receives an entry per placed function when non-nil.
	Perfmap *Perfmap
	Logger  *zap.Logger
}

// Cache is the executable code cache. Placement is serialized, so emitters running concurrently
// may share one Cache.
type Cache struct {
	mu       sync.Mutex
	segments []*segment
	cfg      Config
	logger   *zap.Logger

	table       []byte
	defaultCode uintptr

	placements []Placement
}

// New maps the indirection table and returns an empty Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", cfg.SegmentSize)
	}
	if cfg.IndirectionSize%4 != 0 {
		return nil, fmt.Errorf("indirection size %#x is not a multiple of 4", cfg.IndirectionSize)
	}
	if uint64(cfg.IndirectionBase)+uint64(cfg.IndirectionSize) > 1<<32 {
		return nil, fmt.Errorf("indirection range [%#x, +%#x) exceeds the guest address space", cfg.IndirectionBase, cfg.IndirectionSize)
	}
	c := &Cache{cfg: cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if cfg.IndirectionSize != 0 {
		table, err := platform.MmapMemory(int(cfg.IndirectionSize/4) * IndirectionEntrySize)
		if err != nil {
			return nil, fmt.Errorf("failed to map indirection table: %w", err)
		}
		c.table = table
	}
	return c, nil
}

// Placement describes one placed code buffer.
type Placement struct {
	Name string
	// Address is the host address of the first instruction.
	Address uintptr
	Size    int
	// StackSize is the size of the frame the code allocates, zero for thunks.
	StackSize int
	// Function is nil for thunks.
	Function *symbol.FunctionInfo
}

// Contains returns true if pc is within the placed code.
func (p *Placement) Contains(pc uintptr) bool {
	return pc >= p.Address && pc < p.Address+uintptr(p.Size)
}

// Place copies the machine code of fn into executable memory and returns its address. When the
// guest address of fn is covered, its indirection entry is pointed at the placed code.
func (c *Cache) Place(fn *symbol.FunctionInfo, code []byte, stackSize int) (uintptr, error) {
	if fn == nil {
		return 0, errors.New("cannot place code without a function")
	}
	return c.place(Placement{Name: fn.String(), Size: len(code), StackSize: stackSize, Function: fn}, code)
}

// PlaceThunk copies host glue code into executable memory and returns its address.
func (c *Cache) PlaceThunk(name string, code []byte) (uintptr, error) {
	return c.place(Placement{Name: name, Size: len(code)}, code)
}

func (c *Cache) place(p Placement, code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("cannot place empty code for %s", p.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seg, err := c.segmentFor(len(code))
	if err != nil {
		return 0, err
	}
	p.Address = seg.append(code)
	c.placements = append(c.placements, p)

	if p.Function != nil {
		if slot, ok := c.slot(p.Function.Address()); ok {
			*slot = uint64(p.Address)
		}
	}
	if c.cfg.Perfmap != nil {
		c.cfg.Perfmap.AddEntry(p.Address, uint64(p.Size), p.Name)
		if err := c.cfg.Perfmap.Flush(); err != nil {
			c.logger.Warn("failed to write perf map", zap.Error(err))
		}
	}
	c.logger.Debug("placed code",
		zap.String("function", p.Name),
		zap.Uintptr("address", p.Address),
		zap.Int("code_size", p.Size),
		zap.Int("stack_size", p.StackSize))
	return p.Address, nil
}

// Lookup returns the placement containing pc.
func (c *Cache) Lookup(pc uintptr) (Placement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.placements {
		if p := &c.placements[i]; p.Contains(pc) {
			return *p, true
		}
	}
	return Placement{}, false
}

func (c *Cache) segmentFor(n int) (*segment, error) {
	if len(c.segments) != 0 {
		if last := c.segments[len(c.segments)-1]; last.fits(n) {
			return last, nil
		}
	}
	capacity := c.cfg.SegmentSize
	if n > capacity {
		capacity = (n + 4095) &^ 4095
	}
	seg, err := mapSegment(capacity)
	if err != nil {
		return nil, err
	}
	c.segments = append(c.segments, seg)
	return seg, nil
}

// SetDefaultIndirection points every entry not yet set by Place at target, typically the thunk
// resolving and translating functions on first call.
func (c *Cache) SetDefaultIndirection(target uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := uint64(c.defaultCode)
	for i := 0; i+IndirectionEntrySize <= len(c.table); i += IndirectionEntrySize {
		slot := (*uint64)(unsafe.Pointer(&c.table[i]))
		if *slot == 0 || *slot == prev {
			*slot = uint64(target)
		}
	}
	c.defaultCode = target
}

// slot returns the table entry of guestAddress. Must be called with mu held.
func (c *Cache) slot(guestAddress uint32) (*uint64, bool) {
	if c.table == nil || guestAddress < c.cfg.IndirectionBase || guestAddress%4 != 0 {
		return nil, false
	}
	off := uint64(guestAddress-c.cfg.IndirectionBase) / 4 * IndirectionEntrySize
	if off >= uint64(len(c.table)) {
		return nil, false
	}
	return (*uint64)(unsafe.Pointer(&c.table[off])), true
}

// IndirectionSlotAddress returns the host address of the entry of guestAddress.
func (c *Cache) IndirectionSlotAddress(guestAddress uint32) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slot(guestAddress)
	if !ok {
		return 0, false
	}
	return uintptr(unsafe.Pointer(s)), true
}

// LookupIndirection returns the code address the entry of guestAddress currently points at.
func (c *Cache) LookupIndirection(guestAddress uint32) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slot(guestAddress)
	if !ok {
		return 0, false
	}
	return uintptr(*s), true
}

// IndirectionTable returns the host address of the table and the guest range it covers. The
// address is zero when the table is disabled.
func (c *Cache) IndirectionTable() (addr uintptr, guestBase, guestSize uint32) {
	if c.table == nil {
		return 0, 0, 0
	}
	return uintptr(unsafe.Pointer(&c.table[0])), c.cfg.IndirectionBase, c.cfg.IndirectionSize
}

// Placed returns the number of placed code buffers.
func (c *Cache) Placed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placements)
}

// Close unmaps every segment and the indirection table. Placed code must not run afterwards.
func (c *Cache) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seg := range c.segments {
		if e := seg.unmap(); e != nil && err == nil {
			err = e
		}
	}
	c.segments = nil
	c.placements = nil
	if c.table != nil {
		if e := platform.Munmap(c.table); e != nil && err == nil {
			err = e
		}
		c.table = nil
	}
	return
}
