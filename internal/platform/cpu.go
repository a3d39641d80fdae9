package platform

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/cpu"
)

// CpuFeature is a bit flag of an optional x86-64 instruction set extension generated code may use.
type CpuFeature uint32

const (
	CpuFeatureAVX2 CpuFeature = 1 << (iota + 1)
	CpuFeatureFMA
	CpuFeatureLZCNT
	CpuFeatureBMI2
	CpuFeatureF16C
	CpuFeatureMOVBE

	// CpuFeaturesAll is every feature the backend knows of.
	CpuFeaturesAll = CpuFeatureAVX2 | CpuFeatureFMA | CpuFeatureLZCNT | CpuFeatureBMI2 | CpuFeatureF16C | CpuFeatureMOVBE
)

var cpuFeatureNames = []struct {
	f    CpuFeature
	name string
}{
	{CpuFeatureAVX2, "avx2"},
	{CpuFeatureFMA, "fma"},
	{CpuFeatureLZCNT, "lzcnt"},
	{CpuFeatureBMI2, "bmi2"},
	{CpuFeatureF16C, "f16c"},
	{CpuFeatureMOVBE, "movbe"},
}

// String implements fmt.Stringer, e.g. "avx2,lzcnt".
func (f CpuFeature) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range cpuFeatureNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	if rest := f &^ CpuFeaturesAll; rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, ",")
}

// ParseCpuFeatures parses a comma separated list of feature names. "all" and "none" are accepted.
func ParseCpuFeatures(s string) (CpuFeature, error) {
	var ret CpuFeature
	for _, field := range strings.Split(s, ",") {
		field = strings.ToLower(strings.TrimSpace(field))
		switch field {
		case "", "none":
			continue
		case "all":
			ret |= CpuFeaturesAll
			continue
		}
		found := false
		for _, n := range cpuFeatureNames {
			if n.name == field {
				ret |= n.f
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown cpu feature %q", field)
		}
	}
	return ret, nil
}

// CpuFeatureFlags is the set of features detected on the host.
type CpuFeatureFlags struct {
	flags CpuFeature
}

// NewCpuFeatureFlags returns flags holding exactly f.
func NewCpuFeatureFlags(f CpuFeature) CpuFeatureFlags {
	return CpuFeatureFlags{flags: f}
}

// Has returns true if every feature in f is present.
func (c CpuFeatureFlags) Has(f CpuFeature) bool {
	return c.flags&f == f
}

// Raw returns the feature bits.
func (c CpuFeatureFlags) Raw() CpuFeature {
	return c.flags
}

// CpuFeatures exposes the capabilities of the host CPU. Detection runs once per process.
var CpuFeatures = loadCpuFeatureFlags()

func loadCpuFeatureFlags() CpuFeatureFlags {
	var f CpuFeature
	// x/sys/cpu also checks the OS saves the YMM state, which AVX2 and FMA need.
	if cpu.X86.HasAVX2 {
		f |= CpuFeatureAVX2
	}
	if cpu.X86.HasFMA {
		f |= CpuFeatureFMA
	}
	if cpu.X86.HasBMI2 {
		f |= CpuFeatureBMI2
	}
	if cpuid.CPU.Supports(cpuid.LZCNT) {
		f |= CpuFeatureLZCNT
	}
	if cpu.X86.HasAVX && cpuid.CPU.Supports(cpuid.F16C) {
		f |= CpuFeatureF16C
	}
	if cpuid.CPU.Supports(cpuid.MOVBE) {
		f |= CpuFeatureMOVBE
	}
	return CpuFeatureFlags{flags: f}
}

// ArchRequirementsVerified returns true if the host can run generated code: SSSE3 and SSE4.1
// are used unconditionally.
func ArchRequirementsVerified() bool {
	return cpu.X86.HasSSSE3 && cpu.X86.HasSSE41
}

// CPUBrand returns the host CPU brand string, empty when unknown.
func CPUBrand() string {
	return cpuid.CPU.BrandName
}
