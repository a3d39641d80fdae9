// Package platform includes runtime-specific code needed by the backend: host CPU feature
// detection and memory mappings for guest memory and generated code.
package platform

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on operating systems without the memory mapping support the
// backend needs.
var ErrUnsupported = errors.New("memory mapping unsupported on this platform")

// MmapCodeSegment returns a readable, writable and executable anonymous mapping of size bytes.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size <= 0 {
		panic(fmt.Errorf("BUG: MmapCodeSegment with size %d", size))
	}
	return mmap(size, true)
}

// MmapMemory returns a readable and writable anonymous mapping of size bytes. Pages are only
// committed when touched.
func MmapMemory(size int) ([]byte, error) {
	if size <= 0 {
		panic(fmt.Errorf("BUG: MmapMemory with size %d", size))
	}
	return mmap(size, false)
}

// Munmap unmaps a region returned by MmapCodeSegment or MmapMemory.
func Munmap(b []byte) error {
	if len(b) == 0 {
		panic(errors.New("BUG: Munmap with zero length"))
	}
	return munmap(b[:cap(b)])
}
