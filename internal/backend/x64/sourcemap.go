package x64

import (
	"fmt"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/internal/asm"
)

type sourceMapMark struct {
	anchor      asm.Node
	guestOffset uint32
}

// sourceMap collects the guest offset markers of one translation. The code offsets are only
// known once the code is encoded, so resolve runs as an on-generate callback of the assembler.
type sourceMap struct {
	marks   []sourceMapMark
	entries []debuginfo.SourceMapEntry
}

func (s *sourceMap) mark(anchor asm.Node, guestOffset uint32) {
	s.marks = append(s.marks, sourceMapMark{anchor: anchor, guestOffset: guestOffset})
}

func (s *sourceMap) len() int {
	return len(s.marks)
}

// resolve turns the marks into entries ordered like the code. The entries are not reused by
// later translations.
func (s *sourceMap) resolve(code []byte) error {
	entries := make([]debuginfo.SourceMapEntry, 0, len(s.marks))
	for _, m := range s.marks {
		offset := m.anchor.OffsetInBinary()
		if offset < 0 || offset > int64(len(code)) {
			return fmt.Errorf("source map anchor of guest offset %#x at %d is outside %d bytes of code",
				m.guestOffset, offset, len(code))
		}
		entries = append(entries, debuginfo.SourceMapEntry{CodeOffset: uint32(offset), GuestOffset: m.guestOffset})
	}
	s.entries = entries
	return nil
}

// reset drops the marks of the previous translation and keeps their storage.
func (s *sourceMap) reset() {
	clear(s.marks)
	s.marks = s.marks[:0]
	s.entries = nil
}
