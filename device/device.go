// Package device describes the CPU the estimators run on.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Info is a snapshot of the host CPU.
type Info struct {
	Brand         string
	Vendor        string
	Arch          string
	PhysicalCores int
	LogicalCores  int
	CacheLine     int
	L1D, L2, L3   int // bytes, -1 when unknown
	SIMD          string
	Features      []string
}

// Detect reads the CPU description via cpuid.
func Detect() Info {
	cpu := cpuid.CPU
	return Info{
		Brand:         strings.TrimSpace(cpu.BrandName),
		Vendor:        cpu.VendorString,
		Arch:          runtime.GOARCH,
		PhysicalCores: cpu.PhysicalCores,
		LogicalCores:  cpu.LogicalCores,
		CacheLine:     cpu.CacheLine,
		L1D:           cpu.Cache.L1D,
		L2:            cpu.Cache.L2,
		L3:            cpu.Cache.L3,
		SIMD:          simdLevel(cpu),
		Features:      cpu.FeatureSet(),
	}
}

func simdLevel(cpu cpuid.CPUInfo) string {
	switch {
	case cpu.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return "avx512"
	case cpu.Supports(cpuid.AVX2, cpuid.FMA3):
		return "avx2"
	case cpu.Supports(cpuid.SSE4):
		return "sse4"
	case cpu.Supports(cpuid.ASIMD):
		return "neon"
	default:
		return "generic"
	}
}

// Workers is the number of estimators worth training at once: one per
// physical core, falling back to GOMAXPROCS when cpuid cannot tell.
func (i Info) Workers() int {
	if i.PhysicalCores > 0 {
		return min(i.PhysicalCores, runtime.GOMAXPROCS(0))
	}
	return max(1, runtime.GOMAXPROCS(0))
}

func formatBytes(n int) string {
	switch {
	case n < 0:
		return "unknown"
	case n >= 1<<20:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func (i Info) String() string {
	brand := i.Brand
	if brand == "" {
		brand = "unknown CPU"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s)\n", brand, i.Vendor, i.Arch)
	fmt.Fprintf(&b, "cores: %d physical, %d logical\n", i.PhysicalCores, i.LogicalCores)
	fmt.Fprintf(&b, "cache: L1d %s, L2 %s, L3 %s, line %d B\n",
		formatBytes(i.L1D), formatBytes(i.L2), formatBytes(i.L3), i.CacheLine)
	fmt.Fprintf(&b, "simd: %s", i.SIMD)
	return b.String()
}
