// Package debuginfo carries what a translation exposes to profilers and debuggers: which
// instrumentation to emit, the mapping from generated code back to guest offsets, and the
// location of per-function trace counters.
package debuginfo

import (
	"fmt"
	"sort"
	"strings"
)

// Flags selects the debug information and instrumentation of a translation. The zero value
// disables everything and adds no generated code.
type Flags uint32

const (
	// FlagSourceMap records a SourceMapEntry for every guest source offset marker.
	FlagSourceMap Flags = 1 << iota
	// FlagTraceThreadID stores the id of the calling thread into the function's TraceData on entry.
	FlagTraceThreadID
	// FlagTraceCallReturn counts calls and returns into the function's TraceData.
	FlagTraceCallReturn
	// FlagDisasmMachineCode attaches a listing of the generated code.
	FlagDisasmMachineCode

	// FlagsAllTracing enables every instrumentation emitted into the generated code.
	FlagsAllTracing = FlagTraceThreadID | FlagTraceCallReturn
	// FlagsAll enables everything.
	FlagsAll = FlagSourceMap | FlagsAllTracing | FlagDisasmMachineCode
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSourceMap, "source_map"},
	{FlagTraceThreadID, "trace_thread_id"},
	{FlagTraceCallReturn, "trace_call_return"},
	{FlagDisasmMachineCode, "disasm_machine_code"},
}

// Has returns true if every flag in f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Tracing returns true if any flag emitting trace instrumentation is set.
func (f Flags) Tracing() bool { return f&FlagsAllTracing != 0 }

// String implements fmt.Stringer, e.g. "source_map|trace_call_return".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a comma or pipe separated list of flag names. "all" and "none" are accepted.
func ParseFlags(s string) (Flags, error) {
	var ret Flags
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		field = strings.TrimSpace(field)
		switch field {
		case "", "none":
			continue
		case "all":
			ret |= FlagsAll
			continue
		}
		found := false
		for _, n := range flagNames {
			if n.name == field {
				ret |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown debug info flag %q", field)
		}
	}
	return ret, nil
}

// SourceMapEntry correlates generated code with the guest instruction it was lowered from.
type SourceMapEntry struct {
	// CodeOffset is the byte offset in the generated code.
	CodeOffset uint32 `json:"code_offset"`
	// GuestOffset is the guest address of the originating instruction.
	GuestOffset uint32 `json:"guest_offset"`
}

// DebugInfo is the consumer of a translation's debug information. One DebugInfo belongs to one
// translated function.
type DebugInfo struct {
	flags       Flags
	sourceMap   []SourceMapEntry
	traceData   TraceData
	disassembly string
}

// New returns an empty DebugInfo for a translation with the given flags.
func New(flags Flags) *DebugInfo {
	return &DebugInfo{flags: flags}
}

// Flags returns the flags the translation was requested with.
func (d *DebugInfo) Flags() Flags { return d.flags }

// SetSourceMap takes over the entries of a translation. Entries are ordered by CodeOffset.
func (d *DebugInfo) SetSourceMap(entries []SourceMapEntry) {
	d.sourceMap = entries
}

// SourceMap returns the entries set by the translation.
func (d *DebugInfo) SourceMap() []SourceMapEntry { return d.sourceMap }

// SourceMapCount returns the number of source map entries.
func (d *DebugInfo) SourceMapCount() int { return len(d.sourceMap) }

// LookupCodeOffset returns the guest offset of the last entry at or before codeOffset.
func (d *DebugInfo) LookupCodeOffset(codeOffset uint32) (guestOffset uint32, ok bool) {
	i := sort.Search(len(d.sourceMap), func(i int) bool { return d.sourceMap[i].CodeOffset > codeOffset })
	if i == 0 {
		return 0, false
	}
	return d.sourceMap[i-1].GuestOffset, true
}

// LookupGuestOffset returns the first code offset generated for guestOffset.
func (d *DebugInfo) LookupGuestOffset(guestOffset uint32) (codeOffset uint32, ok bool) {
	for _, e := range d.sourceMap {
		if e.GuestOffset == guestOffset {
			return e.CodeOffset, true
		}
	}
	return 0, false
}

// SetTraceData records where the function's trace counters live.
func (d *DebugInfo) SetTraceData(t TraceData) { d.traceData = t }

// TraceData returns the trace counters handle, the zero TraceData when tracing was disabled.
func (d *DebugInfo) TraceData() TraceData { return d.traceData }

// SetDisassembly attaches the listing of the generated code.
func (d *DebugInfo) SetDisassembly(s string) { d.disassembly = s }

// Disassembly returns the listing of the generated code, empty unless FlagDisasmMachineCode was set.
func (d *DebugInfo) Disassembly() string { return d.disassembly }
