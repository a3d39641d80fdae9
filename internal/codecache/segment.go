package codecache

import (
	"fmt"
	"unsafe"

	"github.com/guestjit/x64backend/internal/platform"
)

// segmentAlignment is the alignment of every function placed in a segment.
const segmentAlignment = 16

// segment is a fixed size executable mapping that code is appended to.
//
// Unlike a growable buffer, a segment never moves: placed code is referenced by absolute address
// from other generated code, so a full segment is left as is and a new one is mapped.
//
// Instances of segment hold references to memory which is NOT managed by
// the garbage collector and therefore must be released *manually* by calling
// their unmap method to prevent memory leaks.
type segment struct {
	code []byte
	size int
}

func mapSegment(capacity int) (*segment, error) {
	b, err := platform.MmapCodeSegment(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to map code segment of %d bytes: %w", capacity, err)
	}
	return &segment{code: b}, nil
}

// addr returns the address of the beginning of the segment.
func (seg *segment) addr() uintptr {
	return uintptr(unsafe.Pointer(&seg.code[0]))
}

// fits returns true if n bytes can be appended at the next aligned offset.
func (seg *segment) fits(n int) bool {
	return seg.alignedSize()+n <= len(seg.code)
}

func (seg *segment) alignedSize() int {
	return (seg.size + segmentAlignment - 1) &^ (segmentAlignment - 1)
}

// append copies b at the next aligned offset and returns its address. The caller checks fits.
func (seg *segment) append(b []byte) uintptr {
	// Pad with INT3 so that stray jumps between functions trap.
	start := seg.alignedSize()
	for i := seg.size; i < start; i++ {
		seg.code[i] = 0xcc
	}
	copy(seg.code[start:], b)
	seg.size = start + len(b)
	return seg.addr() + uintptr(start)
}

func (seg *segment) unmap() error {
	if seg.code == nil {
		return nil
	}
	err := platform.Munmap(seg.code)
	seg.code = nil
	seg.size = 0
	return err
}
