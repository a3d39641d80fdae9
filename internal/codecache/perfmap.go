package codecache

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// PerfmapPath returns the path Linux perf reads symbols of JIT code from for the current process.
func PerfmapPath() string {
	return "/tmp/perf-" + strconv.Itoa(os.Getpid()) + ".map"
}

// Perfmap holds perfmap entries to be flushed into a perfmap file.
type Perfmap struct {
	mu      sync.Mutex
	entries []perfmapEntry
	w       io.Writer
}

type perfmapEntry struct {
	addr uintptr
	size uint64
	name string
}

// NewPerfmap returns a Perfmap writing to w.
func NewPerfmap(w io.Writer) *Perfmap {
	return &Perfmap{w: w}
}

// OpenPerfmap returns a Perfmap appending to the process' perf map file.
func OpenPerfmap() (*Perfmap, io.Closer, error) {
	fh, err := os.OpenFile(PerfmapPath(), os.O_APPEND|os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open perf map: %w", err)
	}
	return NewPerfmap(fh), fh, nil
}

// AddEntry adds a new entry to the perfmap. Each entry contains the address,
// the size and the name of the function.
func (f *Perfmap) AddEntry(addr uintptr, size uint64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, perfmapEntry{addr, size, name})
}

// Flush writes the pending entries.
func (f *Perfmap) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if _, err := fmt.Fprintf(f.w, "%x %s %s\n", e.addr, strconv.FormatUint(e.size, 16), e.name); err != nil {
			return err
		}
	}
	f.entries = f.entries[:0]
	if s, ok := f.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
