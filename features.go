package x64backend

import "github.com/guestjit/x64backend/internal/platform"

// CpuFeature is a bit set of optional x86-64 instruction set extensions generated code may use.
type CpuFeature = platform.CpuFeature

const (
	CpuFeatureAVX2  = platform.CpuFeatureAVX2
	CpuFeatureFMA   = platform.CpuFeatureFMA
	CpuFeatureLZCNT = platform.CpuFeatureLZCNT
	CpuFeatureBMI2  = platform.CpuFeatureBMI2
	CpuFeatureF16C  = platform.CpuFeatureF16C
	CpuFeatureMOVBE = platform.CpuFeatureMOVBE

	// CpuFeaturesAll is every feature the backend knows of.
	CpuFeaturesAll = platform.CpuFeaturesAll
)

// ParseCpuFeatures parses a comma separated list of feature names such as "avx2,lzcnt".
func ParseCpuFeatures(s string) (CpuFeature, error) {
	return platform.ParseCpuFeatures(s)
}

// HostFeatures returns the features detected on the host CPU.
func HostFeatures() CpuFeature {
	return platform.CpuFeatures.Raw()
}

// HostCPU returns the brand string of the host CPU, empty when unknown.
func HostCPU() string {
	return platform.CPUBrand()
}

// CanExecute returns true if the host supports the instructions generated code always uses.
func CanExecute() bool {
	return platform.ArchRequirementsVerified()
}
