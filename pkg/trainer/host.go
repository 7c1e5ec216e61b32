package trainer

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo describes the machine a run executed on.
type HostInfo struct {
	CPU       string   `json:"cpu"`
	Vendor    string   `json:"vendor"`
	Cores     int      `json:"cores"`
	Threads   int      `json:"threads"`
	Features  []string `json:"features,omitempty"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	GoVersion string   `json:"go_version"`
}

func Host() HostInfo {
	return HostInfo{
		CPU:       cpuid.CPU.BrandName,
		Vendor:    cpuid.CPU.VendorString,
		Cores:     cpuid.CPU.PhysicalCores,
		Threads:   cpuid.CPU.LogicalCores,
		Features:  cpuid.CPU.FeatureSet(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
	}
}
