package bot

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemReport 生成启动时的主机信息摘要
func SystemReport() string {
	report := fmt.Sprintf("Go %s, %d goroutines", runtime.Version(), runtime.NumGoroutine())
	if info, err := host.Info(); err == nil {
		report += fmt.Sprintf("\n主机: %s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)
	}
	if counts, err := cpu.Counts(true); err == nil {
		report += fmt.Sprintf("\nCPU: %d 核", counts)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report += fmt.Sprintf("\n内存: %.1f / %.1f GiB (%.1f%%)",
			float64(vm.Used)/(1<<30), float64(vm.Total)/(1<<30), vm.UsedPercent)
	}
	return report
}
