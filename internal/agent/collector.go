package agent

import (
	"context"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/vesaa/talonpulse/internal/models"
)

// cpuSampleWindow is how long cpu.Percent measures per collection.
const cpuSampleWindow = 500 * time.Millisecond

// Collector reads one Snapshot from the local host with gopsutil.
type Collector struct {
	AgentID           string
	CriticalProcesses []string
	TopProcesses      int
	// GPUs reads accelerator stats; nil means none.
	GPUs func(ctx context.Context) []models.GPU
}

// Collect gathers the current system snapshot. Only CPU and memory are
// required; every other section is best effort.
func (c *Collector) Collect(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		AgentID:            c.AgentID,
		Timestamp:          float64(time.Now().UnixNano()) / 1e9,
		SensorsTemperature: map[string][]models.Sensor{},
		CriticalProcesses:  map[string]bool{},
	}

	// Host
	if h, err := os.Hostname(); err == nil {
		snap.Device = h
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Platform = platformName(info.OS)
		snap.PlatformRelease = info.KernelVersion
		snap.PlatformVersion = info.PlatformVersion
		snap.UptimeSec = int64(info.Uptime)
	} else {
		snap.Platform = platformName(runtime.GOOS)
	}

	// CPU
	cores, err := cpu.PercentWithContext(ctx, cpuSampleWindow, true)
	if err != nil {
		return nil, err
	}
	snap.CPU = &models.CPU{
		TotalPercent:   models.Float(mean(cores)),
		PerCorePercent: cores,
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.CPU.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	// Memory
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	snap.Memory = &models.Memory{
		Total:     vm.Total,
		Available: vm.Available,
		Used:      vm.Used,
		Free:      vm.Free,
		Percent:   models.Float(vm.UsedPercent),
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.Memory.SwapTotal = sw.Total
		snap.Memory.SwapUsed = sw.Used
		snap.Memory.SwapPercent = sw.UsedPercent
	}

	snap.Disks = disks(ctx)
	snap.Network = network(ctx)
	snap.Processes, snap.ZombieProcesses, snap.CriticalProcesses = c.processes(ctx)
	snap.SensorsTemperature = temperatures(ctx)
	if c.GPUs != nil {
		snap.GPUs = c.GPUs(ctx)
	}
	return snap, nil
}

// Overview describes the host for the inventory.
func (c *Collector) Overview(ctx context.Context) models.Overview {
	ov := models.Overview{AgentID: c.AgentID, OS: platformName(runtime.GOOS)}
	if h, err := os.Hostname(); err == nil {
		ov.Hostname = h
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		ov.OS = detailedOS(info)
		ov.PlatformRelease = info.KernelVersion
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		ov.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		ov.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ov.RAMTotal = vm.Total
	}
	if c.GPUs != nil {
		if gpus := c.GPUs(ctx); len(gpus) > 0 {
			ov.GPUModel = gpus[0].Name
		}
	}
	return ov
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// detailedOS returns e.g. "ubuntu 22.04", or the kernel family as fallback.
func detailedOS(info *host.InfoStat) string {
	if info.Platform != "" {
		if info.PlatformVersion != "" {
			return info.Platform + " " + info.PlatformVersion
		}
		return info.Platform
	}
	return platformName(info.OS)
}

// platformName maps GOOS-style names to the conventional system name.
func platformName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	}
	return goos
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	p := sum / float64(len(v))
	if p > 100 {
		p = 100
	}
	return p
}

func disks(ctx context.Context) []models.Disk {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}
	out := make([]models.Disk, 0, len(partitions))
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		out = append(out, models.Disk{
			Device:       p.Device,
			Mountpoint:   p.Mountpoint,
			Fstype:       p.Fstype,
			Total:        usage.Total,
			Used:         usage.Used,
			Free:         usage.Free,
			Percent:      usage.UsedPercent,
			InodePercent: usage.InodesUsedPercent,
		})
	}
	return out
}

func network(ctx context.Context) []models.NetIface {
	stats, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil
	}
	out := make([]models.NetIface, 0, len(stats))
	for _, s := range stats {
		out = append(out, models.NetIface{
			Interface:   s.Name,
			BytesSent:   s.BytesSent,
			BytesRecv:   s.BytesRecv,
			PacketsSent: s.PacketsSent,
			PacketsRecv: s.PacketsRecv,
			ErrIn:       s.Errin,
			ErrOut:      s.Errout,
			DropIn:      s.Dropin,
			DropOut:     s.Dropout,
		})
	}
	return out
}

// processes returns the top-N list, the zombie count and which configured
// critical process names are running.
func (c *Collector) processes(ctx context.Context) ([]models.Process, int, map[string]bool) {
	critical := make(map[string]bool, len(c.CriticalProcesses))
	for _, name := range c.CriticalProcesses {
		critical[name] = false
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0, critical
	}

	var (
		list    []models.Process
		zombies int
	)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if _, ok := critical[name]; ok {
			critical[name] = true
		}
		if status, err := p.StatusWithContext(ctx); err == nil {
			for _, s := range status {
				if s == process.Zombie {
					zombies++
					break
				}
			}
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		list = append(list, models.Process{PID: p.Pid, Name: name, CPU: cpuPct, Memory: float64(memPct)})
	}
	return topProcesses(list, c.TopProcesses), zombies, critical
}

// topProcesses sorts by cpu then memory, both descending, and keeps n.
func topProcesses(list []models.Process, n int) []models.Process {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CPU != list[j].CPU {
			return list[i].CPU > list[j].CPU
		}
		return list[i].Memory > list[j].Memory
	})
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return list
}

// temperatures groups sensor readings by chip, e.g. "coretemp_core_0" lands
// in group "coretemp" with label "core_0".
func temperatures(ctx context.Context) map[string][]models.Sensor {
	out := map[string][]models.Sensor{}
	// Partial results come back together with a warnings error.
	data, _ := sensors.TemperaturesWithContext(ctx)
	for _, t := range data {
		group, label := splitSensorKey(t.SensorKey)
		s := models.Sensor{Label: label, Current: t.Temperature}
		if t.High > 0 {
			s.High = models.Float(t.High)
		}
		if t.Critical > 0 {
			s.Critical = models.Float(t.Critical)
		}
		out[group] = append(out[group], s)
	}
	return out
}

func splitSensorKey(key string) (group, label string) {
	group, label, _ = strings.Cut(key, "_")
	if group == "" {
		group = "unknown"
	}
	return group, label
}
