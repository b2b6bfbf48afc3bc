package telemetry

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is the system snapshot pushed to the host every tick.
type Stats struct {
	CPU       float64  `json:"cpu"`
	RAM       float64  `json:"ram"`
	GPU       float64  `json:"gpu"`
	VRAMUsed  uint64   `json:"vramUsed"`
	VRAMTotal uint64   `json:"vramTotal"`
	Disk      float64  `json:"disk"`
	Cores     int      `json:"cores"`
	Threads   int      `json:"threads"`
	Logs      []string `json:"logs"`
}

// GPUCollector supplies GPU figures where a vendor library is available.
// The default collector reports zeros.
type GPUCollector interface {
	GPU() (percent float64, vramUsed, vramTotal uint64)
}

// NoGPU is the fallback collector for machines without a supported GPU.
type NoGPU struct{}

func (NoGPU) GPU() (float64, uint64, uint64) { return 0, 0, 0 }

// Collector gathers one Stats snapshot per call.
type Collector struct {
	gpu  GPUCollector
	logs *LogBuffer
}

// NewCollector returns a Collector; gpu may be nil.
func NewCollector(gpu GPUCollector, logs *LogBuffer) *Collector {
	if gpu == nil {
		gpu = NoGPU{}
	}
	return &Collector{gpu: gpu, logs: logs}
}

// Collect returns the current snapshot. Individual probe failures zero the
// affected figure rather than failing the snapshot.
func (c *Collector) Collect() Stats {
	s := Stats{
		Cores:   runtime.NumCPU(),
		Threads: runtime.NumGoroutine(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPU = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.RAM = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		s.Disk = du.UsedPercent
	}
	s.GPU, s.VRAMUsed, s.VRAMTotal = c.gpu.GPU()
	if c.logs != nil {
		s.Logs = c.logs.Lines()
	}
	return s
}
