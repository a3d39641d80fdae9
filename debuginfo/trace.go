package debuginfo

import "encoding/binary"

// Layout of the per-function trace counters in guest memory. All fields are little-endian.
const (
	TraceCallCountOffset   = 0
	TraceReturnCountOffset = 8
	TraceThreadIDOffset    = 16
	TraceDataSize          = 24
	TraceDataAlignment     = 8
)

// TraceData is a handle to the trace counters of one function, placed in guest memory.
type TraceData struct {
	// Address is the guest address of the counters. Zero means no trace data.
	Address uint32
}

// Valid returns true if the handle points at placed counters.
func (t TraceData) Valid() bool { return t.Address != 0 }

// TraceCounters is a decoded snapshot of TraceData.
type TraceCounters struct {
	CallCount    uint64
	ReturnCount  uint64
	LastThreadID uint32
}

// DecodeTraceCounters decodes the TraceDataSize bytes read from the handle's address.
func DecodeTraceCounters(b []byte) TraceCounters {
	_ = b[TraceDataSize-1]
	return TraceCounters{
		CallCount:    binary.LittleEndian.Uint64(b[TraceCallCountOffset:]),
		ReturnCount:  binary.LittleEndian.Uint64(b[TraceReturnCountOffset:]),
		LastThreadID: binary.LittleEndian.Uint32(b[TraceThreadIDOffset:]),
	}
}
