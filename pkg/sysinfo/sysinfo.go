// Package sysinfo describes the host an audit ran on.
package sysinfo

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Info is the host description attached to suite audits.
type Info struct {
	Hostname           string  `json:"hostname"`
	OS                 string  `json:"os"`
	Platform           string  `json:"platform"`
	PlatformVersion    string  `json:"platform_version"`
	KernelVersion      string  `json:"kernel_version"`
	Arch               string  `json:"arch"`
	Virtualization     string  `json:"virtualization,omitempty"`
	VirtualizationRole string  `json:"virtualization_role,omitempty"`
	CPUVendor          string  `json:"cpu_vendor,omitempty"`
	CPUModel           string  `json:"cpu_model,omitempty"`
	CPUCores           int     `json:"cpu_cores"`
	CPUMhz             float64 `json:"cpu_mhz,omitempty"`
	MemoryTotalGB      float64 `json:"memory_total_gb"`
}

// Collect gathers host information. Only the host lookup is mandatory;
// CPU and memory details are best effort.
func Collect(ctx context.Context) (*Info, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}

	info := &Info{
		Hostname:           h.Hostname,
		OS:                 h.OS,
		Platform:           h.Platform,
		PlatformVersion:    h.PlatformVersion,
		KernelVersion:      h.KernelVersion,
		Arch:               h.KernelArch,
		Virtualization:     h.VirtualizationSystem,
		VirtualizationRole: h.VirtualizationRole,
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = cores
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUVendor = cpus[0].VendorID
		info.CPUModel = cpus[0].ModelName
		info.CPUMhz = cpus[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalGB = bytesToGB(vm.Total)
	}

	return info, nil
}

// bytesToGB converts to gigabytes rounded to two decimals.
func bytesToGB(b uint64) float64 {
	return math.Round(float64(b)/(1<<30)*100) / 100
}
