package codecache

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/guestjit/x64backend/symbol"
)

func requireNewCache(t *testing.T, cfg Config) *Cache {
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestNew_invalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cfg    Config
		expErr string
	}{
		{name: "segment size", cfg: Config{}, expErr: "invalid segment size 0"},
		{name: "unaligned", cfg: Config{SegmentSize: 4096, IndirectionSize: 6}, expErr: "indirection size 0x6 is not a multiple of 4"},
		{
			name:   "overflow",
			cfg:    Config{SegmentSize: 4096, IndirectionBase: 0xffff_0000, IndirectionSize: 0x20000},
			expErr: "indirection range [0xffff0000, +0x20000) exceeds the guest address space",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			require.EqualError(t, err, tc.expErr)
		})
	}
}

func TestCache_Place(t *testing.T) {
	c := requireNewCache(t, Config{SegmentSize: 64})

	a, err := c.PlaceThunk("a", []byte{0x90, 0xc3})
	require.NoError(t, err)
	require.Zero(t, a%segmentAlignment)

	b, err := c.PlaceThunk("b", []byte{0xc3})
	require.NoError(t, err)
	require.Equal(t, a+16, b)
	require.Equal(t, byte(0x90), *(*byte)(unsafe.Pointer(a)))
	require.Equal(t, byte(0xc3), *(*byte)(unsafe.Pointer(a + 1)))
	require.Equal(t, byte(0xcc), *(*byte)(unsafe.Pointer(a + 2)), "padding is INT3")

	// Does not fit the remaining space of the first segment.
	d, err := c.PlaceThunk("d", make([]byte, 48))
	require.NoError(t, err)
	require.Len(t, c.segments, 2)
	require.Equal(t, c.segments[1].addr(), d)

	// Larger than a segment.
	_, err = c.PlaceThunk("e", make([]byte, 100))
	require.NoError(t, err)
	require.Len(t, c.segments, 3)
	require.Equal(t, 4096, len(c.segments[2].code))
	require.Equal(t, 4, c.Placed())

	_, err = c.PlaceThunk("empty", nil)
	require.EqualError(t, err, "cannot place empty code for empty")
	_, err = c.Place(nil, []byte{0xc3}, 0)
	require.EqualError(t, err, "cannot place code without a function")
}

func TestCache_Lookup(t *testing.T) {
	c := requireNewCache(t, Config{SegmentSize: 4096})
	fn := symbol.NewFunction("f", 0x1000, 0x1100)
	addr, err := c.Place(fn, []byte{0x90, 0x90, 0xc3}, 40)
	require.NoError(t, err)

	p, ok := c.Lookup(addr + 2)
	require.True(t, ok)
	require.Equal(t, Placement{Name: "f@00001000", Address: addr, Size: 3, StackSize: 40, Function: fn}, p)

	_, ok = c.Lookup(addr + 3)
	require.False(t, ok)
}

func TestCache_Indirection(t *testing.T) {
	c := requireNewCache(t, Config{SegmentSize: 4096, IndirectionBase: 0x8200_0000, IndirectionSize: 0x100})

	table, base, size := c.IndirectionTable()
	require.NotZero(t, table)
	require.Equal(t, uint32(0x8200_0000), base)
	require.Equal(t, uint32(0x100), size)

	slot, ok := c.IndirectionSlotAddress(0x8200_0010)
	require.True(t, ok)
	require.Equal(t, table+0x20, slot)

	for _, addr := range []uint32{0x8100_0000, 0x8200_0002, 0x8200_0100} {
		_, ok = c.IndirectionSlotAddress(addr)
		require.False(t, ok, "%#x", addr)
	}

	c.SetDefaultIndirection(0x1234)
	v, ok := c.LookupIndirection(0x8200_0000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1234), v)

	fn := symbol.NewFunction("", 0x8200_0010, 0x8200_0020)
	addr, err := c.Place(fn, []byte{0xc3}, 8)
	require.NoError(t, err)
	v, _ = c.LookupIndirection(0x8200_0010)
	require.Equal(t, addr, v)

	// Re-pointing the default keeps placed entries.
	c.SetDefaultIndirection(0x5678)
	v, _ = c.LookupIndirection(0x8200_0010)
	require.Equal(t, addr, v)
	v, _ = c.LookupIndirection(0x8200_00fc)
	require.Equal(t, uintptr(0x5678), v)
}

func TestCache_disabledIndirection(t *testing.T) {
	c := requireNewCache(t, Config{SegmentSize: 4096})
	table, _, _ := c.IndirectionTable()
	require.Zero(t, table)
	_, ok := c.LookupIndirection(0)
	require.False(t, ok)
	c.SetDefaultIndirection(1)
}

func TestCache_Place_concurrent(t *testing.T) {
	c := requireNewCache(t, Config{SegmentSize: 256})
	const n = 50
	addrs := make([]uintptr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			addrs[i], _ = c.PlaceThunk("t", bytes.Repeat([]byte{byte(i)}, 20))
		}()
	}
	wg.Wait()
	seen := map[uintptr]bool{}
	for i, a := range addrs {
		require.NotZero(t, a)
		require.False(t, seen[a])
		seen[a] = true
		require.Equal(t, byte(i), *(*byte)(unsafe.Pointer(a + 19)))
	}
}

func TestCache_Perfmap(t *testing.T) {
	var buf bytes.Buffer
	c := requireNewCache(t, Config{SegmentSize: 4096, Perfmap: NewPerfmap(&buf)})

	addr, err := c.Place(symbol.NewFunction("main", 0x1000, 0x1010), []byte{0x90, 0x90, 0xc3}, 8)
	require.NoError(t, err)
	thunk, err := c.PlaceThunk("resolve_thunk", []byte{0xc3})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		fmt.Sprintf("%x 3 main@00001000", addr),
		fmt.Sprintf("%x 1 resolve_thunk", thunk),
	}, lines)
}

func TestPerfmapPath(t *testing.T) {
	require.True(t, strings.HasPrefix(PerfmapPath(), "/tmp/perf-"))
	require.True(t, strings.HasSuffix(PerfmapPath(), ".map"))
}
