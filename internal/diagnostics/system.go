package diagnostics

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUInfo names a graphics card found on the host.
type GPUInfo struct {
	Name string `json:"name"`
}

// SystemInfo holds host and process resource usage.
type SystemInfo struct {
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	GoVersion  string `json:"go_version"`
	CPUModel   string `json:"cpu_model"`
	CPUCores   int    `json:"cpu_cores"`
	CPUThreads int    `json:"cpu_threads"`

	CPUPercent float64 `json:"cpu_percent"`
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	DiskPath    string  `json:"disk_path"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
	DiskPercent float64 `json:"disk_percent"`

	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	Uptime      string  `json:"uptime"`

	GPUs []GPUInfo `json:"gpus,omitempty"`
}

// SystemCollector gathers SystemInfo. Hardware details are read once and
// cached; usage figures are read on every call. Every probe is best-effort:
// a failed probe leaves its fields zero.
type SystemCollector struct {
	diskPath string
	started  time.Time

	mu            sync.Mutex
	infoCollected bool
	cpuModel      string
	cpuCores      int
	cpuThreads    int
	gpus          []GPUInfo
	lastCPUTotal  float64
	lastCPUIdle   float64
}

// NewSystemCollector creates a collector reporting disk usage for diskPath
// (the filesystem root when empty).
func NewSystemCollector(diskPath string) *SystemCollector {
	if diskPath == "" {
		diskPath = rootDiskPath()
	}
	return &SystemCollector{diskPath: diskPath, started: time.Now()}
}

// Collect gathers current system statistics.
func (c *SystemCollector) Collect() SystemInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		DiskPath:  c.diskPath,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
	}
	info.Hostname, _ = os.Hostname()

	c.collectHardware(&info)
	c.collectCPU(&info)

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemTotalMB = float64(vm.Total) / 1024 / 1024
		info.MemUsedMB = float64(vm.Used) / 1024 / 1024
		info.MemPercent = vm.UsedPercent
	}
	if usage, err := disk.Usage(c.diskPath); err == nil {
		info.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
		info.DiskFreeGB = float64(usage.Free) / 1024 / 1024 / 1024
		info.DiskPercent = usage.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		info.LoadAvg1 = avg.Load1
		info.LoadAvg5 = avg.Load5
		info.LoadAvg15 = avg.Load15
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.Goroutines = runtime.NumGoroutine()
	info.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024

	return info
}

func (c *SystemCollector) collectHardware(info *SystemInfo) {
	if !c.infoCollected {
		if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
			c.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if cores, err := cpu.Counts(false); err == nil && cores > 0 {
			c.cpuCores = cores
		}
		if threads, err := cpu.Counts(true); err == nil && threads > 0 {
			c.cpuThreads = threads
		}
		c.gpus = queryGPUs()
		c.infoCollected = true
	}
	info.CPUModel = c.cpuModel
	info.CPUCores = c.cpuCores
	info.CPUThreads = c.cpuThreads
	info.GPUs = append([]GPUInfo(nil), c.gpus...)
}

// collectCPU derives utilization from the delta between two calls; the
// first call reports zero.
func (c *SystemCollector) collectCPU(info *SystemInfo) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}
	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	if c.lastCPUTotal > 0 {
		if delta := total - c.lastCPUTotal; delta > 0 {
			info.CPUPercent = (1 - (idle-c.lastCPUIdle)/delta) * 100
		}
	}
	c.lastCPUTotal = total
	c.lastCPUIdle = idle
}

func queryGPUs() []GPUInfo {
	gpu, err := ghw.GPU()
	if err != nil || gpu == nil {
		return nil
	}
	out := make([]GPUInfo, 0, len(gpu.GraphicsCards))
	for _, card := range gpu.GraphicsCards {
		name := ""
		if d := card.DeviceInfo; d != nil {
			switch {
			case d.Vendor != nil && d.Product != nil:
				name = strings.TrimSpace(d.Vendor.Name + " " + d.Product.Name)
			case d.Product != nil:
				name = strings.TrimSpace(d.Product.Name)
			case d.Vendor != nil:
				name = strings.TrimSpace(d.Vendor.Name)
			}
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		out = append(out, GPUInfo{Name: name})
	}
	return out
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
