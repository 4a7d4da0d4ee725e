package backend

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Features summarizes the host for inspect/diagnostic output.
type Features struct {
	GoOS   string          `json:"go_os"`
	GoArch string          `json:"go_arch"`
	CPUs   int             `json:"cpus"`
	Flags  map[string]bool `json:"flags"`
}

// HostFeatures probes the CPU capabilities relevant to the numeric kernels.
func HostFeatures() Features {
	flags := map[string]bool{}
	switch runtime.GOARCH {
	case "amd64":
		flags["AVX"] = cpu.X86.HasAVX
		flags["AVX2"] = cpu.X86.HasAVX2
		flags["FMA"] = cpu.X86.HasFMA
		flags["AVX512F"] = cpu.X86.HasAVX512F
		flags["AVX512VNNI"] = cpu.X86.HasAVX512VNNI
	case "arm64":
		flags["ASIMD"] = cpu.ARM64.HasASIMD
		flags["FP"] = cpu.ARM64.HasFP
		flags["SVE"] = cpu.ARM64.HasSVE
	}
	return Features{
		GoOS:   runtime.GOOS,
		GoArch: runtime.GOARCH,
		CPUs:   runtime.NumCPU(),
		Flags:  flags,
	}
}
