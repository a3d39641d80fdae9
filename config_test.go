package x64backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guestjit/x64backend/debuginfo"
)

func TestBackendConfig(t *testing.T) {
	tests := []struct {
		name     string
		with     func(*BackendConfig) *BackendConfig
		expected func(*BackendConfig)
	}{
		{
			name:     "WithDebugFlags",
			with:     func(c *BackendConfig) *BackendConfig { return c.WithDebugFlags(debuginfo.FlagSourceMap) },
			expected: func(c *BackendConfig) { c.debugFlags = debuginfo.FlagSourceMap },
		},
		{
			name:     "WithFeatureMask",
			with:     func(c *BackendConfig) *BackendConfig { return c.WithFeatureMask(CpuFeatureAVX2) },
			expected: func(c *BackendConfig) { c.featureMask = CpuFeatureAVX2 },
		},
		{
			name:     "WithWorkers",
			with:     func(c *BackendConfig) *BackendConfig { return c.WithWorkers(16) },
			expected: func(c *BackendConfig) { c.workers = 16 },
		},
		{
			name:     "WithPerfmap",
			with:     func(c *BackendConfig) *BackendConfig { return c.WithPerfmap(true) },
			expected: func(c *BackendConfig) { c.perfmap = true },
		},
		{
			name:     "WithMaxStackSize",
			with:     func(c *BackendConfig) *BackendConfig { return c.WithMaxStackSize(1024) },
			expected: func(c *BackendConfig) { c.maxStackSize = 1024 },
		},
		{
			name: "WithGuestMemory",
			with: func(c *BackendConfig) *BackendConfig { return c.WithGuestMemory(1<<20, 0x80000, 0x1000) },
			expected: func(c *BackendConfig) {
				c.memorySize, c.systemHeapBase, c.systemHeapSize = 1<<20, 0x80000, 0x1000
			},
		},
		{
			name: "WithCodeCache",
			with: func(c *BackendConfig) *BackendConfig { return c.WithCodeCache(4096, 0x1000, 0) },
			expected: func(c *BackendConfig) {
				c.codeSegmentSize, c.indirectionBase, c.indirectionSize = 4096, 0x1000, 0
			},
		},
		{
			name: "WithHostRoutines",
			with: func(c *BackendConfig) *BackendConfig {
				return c.WithHostRoutines(HostRoutines{ResolveFunction: 1, ConvertHalfToFloat: 2, Trap: 3})
			},
			expected: func(c *BackendConfig) { c.hostRoutines = HostRoutines{ResolveFunction: 1, ConvertHalfToFloat: 2, Trap: 3} },
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			input := NewBackendConfig()
			rc := tc.with(input)

			expected := NewBackendConfig()
			tc.expected(expected)
			require.Equal(t, expected, rc)
			// The input is not mutated.
			require.Equal(t, NewBackendConfig(), input)
		})
	}
}

func TestNewBackendConfig_defaults(t *testing.T) {
	c := NewBackendConfig()
	require.Equal(t, debuginfo.Flags(0), c.DebugFlags())
	require.Equal(t, CpuFeaturesAll, c.FeatureMask())
	require.Equal(t, 4, c.Workers())
	require.False(t, c.Perfmap())
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "x64backend.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBackendConfig(t *testing.T) {
	path := writeConfig(t, `
debug_flags = "source_map|trace_call_return"
features = "avx2, bmi2"
workers = 8
perfmap = true
max_stack_size = 4096

[memory]
size = 0x2000000
system_heap_base = 0x1000000
system_heap_size = 0x10000

[code_cache]
segment_size = 0x20000
indirection_base = 0x400000
indirection_size = 0x100000
`)
	c, err := LoadBackendConfig(path)
	require.NoError(t, err)

	expected := NewBackendConfig().
		WithDebugFlags(debuginfo.FlagSourceMap|debuginfo.FlagTraceCallReturn).
		WithFeatureMask(CpuFeatureAVX2|CpuFeatureBMI2).
		WithWorkers(8).
		WithPerfmap(true).
		WithMaxStackSize(4096).
		WithGuestMemory(0x2000000, 0x1000000, 0x10000).
		WithCodeCache(0x20000, 0x400000, 0x100000)
	require.Equal(t, expected, c)
}

func TestLoadBackendConfig_partial(t *testing.T) {
	c, err := LoadBackendConfig(writeConfig(t, "workers = 2\n"))
	require.NoError(t, err)
	require.Equal(t, NewBackendConfig().WithWorkers(2), c)
}

func TestLoadBackendConfig_emptyPath(t *testing.T) {
	c, err := LoadBackendConfig("")
	require.NoError(t, err)
	require.Equal(t, NewBackendConfig(), c)
}

func TestLoadBackendConfig_env(t *testing.T) {
	t.Setenv(EnvDebugFlags, "all")
	t.Setenv(EnvFeatureMask, "none")
	t.Setenv(EnvWorkers, "3")
	t.Setenv(EnvPerfmap, "on")

	// The environment wins over the file.
	c, err := LoadBackendConfig(writeConfig(t, "workers = 8\nfeatures = \"all\"\n"))
	require.NoError(t, err)
	require.Equal(t, debuginfo.FlagsAll, c.DebugFlags())
	require.Equal(t, CpuFeature(0), c.FeatureMask())
	require.Equal(t, 3, c.Workers())
	require.True(t, c.Perfmap())
}

func TestLoadBackendConfig_errors(t *testing.T) {
	tests := []struct {
		name, content, expErr string
	}{
		{name: "debug flags", content: `debug_flags = "nope"`, expErr: `unknown debug info flag "nope"`},
		{name: "features", content: `features = "sse9"`, expErr: `unknown cpu feature "sse9"`},
		{name: "syntax", content: `workers = `},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := LoadBackendConfig(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), "invalid config "+path)
			if tc.expErr != "" {
				require.Contains(t, err.Error(), tc.expErr)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadBackendConfig(filepath.Join(t.TempDir(), "missing.toml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestLoadBackendConfig_envErrors(t *testing.T) {
	for _, tc := range []struct {
		name, value, expErr string
	}{
		{name: EnvDebugFlags, value: "bogus", expErr: EnvDebugFlags + `: unknown debug info flag "bogus"`},
		{name: EnvFeatureMask, value: "bogus", expErr: EnvFeatureMask + `: unknown cpu feature "bogus"`},
		{name: EnvPerfmap, value: "maybe", expErr: EnvPerfmap + `: invalid value "maybe"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.name, tc.value)
			_, err := LoadBackendConfig("")
			require.EqualError(t, err, tc.expErr)
		})
	}
}
