package x64backend

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"
	"go.uber.org/zap"

	"github.com/guestjit/x64backend/debuginfo"
	"github.com/guestjit/x64backend/internal/backend/x64"
)

// Environment variables overriding a loaded configuration.
const (
	EnvDebugFlags  = "X64BACKEND_DEBUG_FLAGS"
	EnvFeatureMask = "X64BACKEND_FEATURE_MASK"
	EnvWorkers     = "X64BACKEND_WORKERS"
	EnvPerfmap     = "X64BACKEND_PERFMAP"
)

// HostRoutines are the addresses of host machine code generated code may call. Zero disables a
// routine: instructions depending on it are lowered to traps.
type HostRoutines struct {
	// ResolveFunction(ctx, guestAddress) returns the machine code of a guest function not yet in
	// the code cache, or zero.
	ResolveFunction uintptr
	// ConvertHalfToFloat(ctx, v) converts the four half floats at v in place. Only called when
	// the host lacks F16C.
	ConvertHalfToFloat uintptr
	// Trap(ctx, trapType) handles the trap instructions of guest code, which otherwise raise an
	// invalid opcode exception. It must preserve X6 to X15.
	Trap uintptr
}

// BackendConfig controls backend behavior, with the default implementation as NewBackendConfig
type BackendConfig struct {
	debugFlags   debuginfo.Flags
	featureMask  CpuFeature
	workers      int
	perfmap      bool
	maxStackSize int

	memorySize, systemHeapBase, systemHeapSize uint32
	codeSegmentSize                            int
	indirectionBase, indirectionSize           uint32

	hostRoutines HostRoutines
	logger       *zap.Logger
}

// defaultConfig holds the values NewBackendConfig starts from.
var defaultConfig = &BackendConfig{
	featureMask:     CpuFeaturesAll,
	workers:         4,
	maxStackSize:    x64.DefaultMaxStackSize,
	memorySize:      64 << 20,
	systemHeapBase:  48 << 20,
	systemHeapSize:  4 << 20,
	codeSegmentSize: 1 << 20,
	indirectionBase: 0x10000,
	indirectionSize: 16 << 20,
}

// NewBackendConfig returns the default configuration: no debug information, every host feature
// the backend knows of, 4 translation workers and a 64MiB guest address space.
func NewBackendConfig() *BackendConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *BackendConfig) clone() *BackendConfig {
	ret := *c
	return &ret
}

// WithDebugFlags sets the debug information recorded for every translation. Defaults to none.
func (c *BackendConfig) WithDebugFlags(flags debuginfo.Flags) *BackendConfig {
	ret := c.clone()
	ret.debugFlags = flags
	return ret
}

// WithFeatureMask limits the instruction set extensions generated code may use to those in mask
// that the host also supports.
func (c *BackendConfig) WithFeatureMask(mask CpuFeature) *BackendConfig {
	ret := c.clone()
	ret.featureMask = mask
	return ret
}

// WithWorkers sets how many functions TranslateAll translates concurrently. Values below one
// are treated as one.
func (c *BackendConfig) WithWorkers(workers int) *BackendConfig {
	ret := c.clone()
	ret.workers = workers
	return ret
}

// WithPerfmap enables writing placed functions to /tmp/perf-<pid>.map for Linux perf.
func (c *BackendConfig) WithPerfmap(enabled bool) *BackendConfig {
	ret := c.clone()
	ret.perfmap = enabled
	return ret
}

// WithMaxStackSize sets the limit of a single frame. Translations above it fail.
func (c *BackendConfig) WithMaxStackSize(size int) *BackendConfig {
	ret := c.clone()
	ret.maxStackSize = size
	return ret
}

// WithGuestMemory sets the size of the guest address space and the system heap the constant
// pool and trace data are allocated from.
func (c *BackendConfig) WithGuestMemory(size, systemHeapBase, systemHeapSize uint32) *BackendConfig {
	ret := c.clone()
	ret.memorySize = size
	ret.systemHeapBase = systemHeapBase
	ret.systemHeapSize = systemHeapSize
	return ret
}

// WithCodeCache sets the capacity of each executable segment and the guest range covered by the
// indirection table. A zero indirectionSize disables the table.
func (c *BackendConfig) WithCodeCache(segmentSize int, indirectionBase, indirectionSize uint32) *BackendConfig {
	ret := c.clone()
	ret.codeSegmentSize = segmentSize
	ret.indirectionBase = indirectionBase
	ret.indirectionSize = indirectionSize
	return ret
}

// WithHostRoutines sets the host routines generated code calls.
func (c *BackendConfig) WithHostRoutines(routines HostRoutines) *BackendConfig {
	ret := c.clone()
	ret.hostRoutines = routines
	return ret
}

// WithLogger sets the logger of the backend. Defaults to zap.NewNop.
func (c *BackendConfig) WithLogger(logger *zap.Logger) *BackendConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// DebugFlags returns the debug information recorded for every translation.
func (c *BackendConfig) DebugFlags() debuginfo.Flags { return c.debugFlags }

// FeatureMask returns the mask applied to the host features.
func (c *BackendConfig) FeatureMask() CpuFeature { return c.featureMask }

// Workers returns the TranslateAll concurrency.
func (c *BackendConfig) Workers() int { return c.workers }

// Perfmap returns true if placed functions are written to the perf map.
func (c *BackendConfig) Perfmap() bool { return c.perfmap }

// fileConfig is the TOML representation of a BackendConfig. Absent keys keep their default.
type fileConfig struct {
	DebugFlags   *string `toml:"debug_flags"`
	Features     *string `toml:"features"`
	Workers      *int    `toml:"workers"`
	Perfmap      *bool   `toml:"perfmap"`
	MaxStackSize *int    `toml:"max_stack_size"`

	Memory struct {
		Size           *uint32 `toml:"size"`
		SystemHeapBase *uint32 `toml:"system_heap_base"`
		SystemHeapSize *uint32 `toml:"system_heap_size"`
	} `toml:"memory"`

	CodeCache struct {
		SegmentSize     *int    `toml:"segment_size"`
		IndirectionBase *uint32 `toml:"indirection_base"`
		IndirectionSize *uint32 `toml:"indirection_size"`
	} `toml:"code_cache"`
}

// LoadBackendConfig reads a TOML configuration file, then applies the X64BACKEND_* environment
// overrides. An empty path only applies the overrides to the defaults.
//
// Example file:
//
//	debug_flags = "source_map,disasm_machine_code"
//	features = "avx2,bmi2,lzcnt"
//	workers = 8
//
//	[memory]
//	size = 0x4000000
func LoadBackendConfig(path string) (*BackendConfig, error) {
	c := NewBackendConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if c, err = decodeBackendConfig(c, data); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	return applyEnv(c)
}

func decodeBackendConfig(c *BackendConfig, data []byte) (*BackendConfig, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	ret := c.clone()
	if fc.DebugFlags != nil {
		flags, err := debuginfo.ParseFlags(*fc.DebugFlags)
		if err != nil {
			return nil, err
		}
		ret.debugFlags = flags
	}
	if fc.Features != nil {
		mask, err := ParseCpuFeatures(*fc.Features)
		if err != nil {
			return nil, err
		}
		ret.featureMask = mask
	}
	setIf(&ret.workers, fc.Workers)
	setIf(&ret.perfmap, fc.Perfmap)
	setIf(&ret.maxStackSize, fc.MaxStackSize)
	setIf(&ret.memorySize, fc.Memory.Size)
	setIf(&ret.systemHeapBase, fc.Memory.SystemHeapBase)
	setIf(&ret.systemHeapSize, fc.Memory.SystemHeapSize)
	setIf(&ret.codeSegmentSize, fc.CodeCache.SegmentSize)
	setIf(&ret.indirectionBase, fc.CodeCache.IndirectionBase)
	setIf(&ret.indirectionSize, fc.CodeCache.IndirectionSize)
	return ret, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// applyEnv returns c with the environment overrides applied.
func applyEnv(c *BackendConfig) (*BackendConfig, error) {
	ret := c.clone()
	if env.Has(EnvDebugFlags) {
		flags, err := debuginfo.ParseFlags(env.Str(EnvDebugFlags))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvDebugFlags, err)
		}
		ret.debugFlags = flags
	}
	if env.Has(EnvFeatureMask) {
		mask, err := ParseCpuFeatures(env.Str(EnvFeatureMask))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvFeatureMask, err)
		}
		ret.featureMask = mask
	}
	ret.workers = env.Int(EnvWorkers, ret.workers)
	if env.Has(EnvPerfmap) {
		switch v := env.Str(EnvPerfmap); v {
		case "1", "true", "on", "yes":
			ret.perfmap = true
		case "0", "false", "off", "no", "":
			ret.perfmap = false
		default:
			return nil, fmt.Errorf("%s: invalid value %q", EnvPerfmap, v)
		}
	}
	return ret, nil
}
