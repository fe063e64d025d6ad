// Package models defines the wire and storage types shared by TalonPulse.
package models

// Snapshot is one full point-in-time reading of a machine, as posted by a
// collector. Required numeric fields are pointers so a missing value can be
// told apart from a real zero.
type Snapshot struct {
	AgentID         string  `json:"agent_id"`
	Device          string  `json:"device,omitempty"`
	Platform        string  `json:"platform,omitempty"`
	PlatformRelease string  `json:"platform_release,omitempty"`
	PlatformVersion string  `json:"platform_version,omitempty"`
	Timestamp       float64 `json:"timestamp,omitempty"` // collector clock, seconds since epoch

	// ── Compute ──────────────────────────────────────────────────────────────
	CPU    *CPU    `json:"cpu"`
	Memory *Memory `json:"memory"`

	// ── Storage & network ────────────────────────────────────────────────────
	Disks   []Disk     `json:"disks"`
	Network []NetIface `json:"network"`

	// ── Processes ────────────────────────────────────────────────────────────
	Processes         []Process       `json:"processes"`
	ZombieProcesses   int             `json:"zombie_processes"`
	CriticalProcesses map[string]bool `json:"critical_processes"`

	// ── Hardware ─────────────────────────────────────────────────────────────
	GPUs               []GPU               `json:"gpus"`
	SensorsTemperature map[string][]Sensor `json:"sensors_temperature"`

	UptimeSec int64 `json:"uptime_sec"`
}

// CPU holds processor utilisation.
type CPU struct {
	TotalPercent   *float64  `json:"total_percent"`
	PerCorePercent []float64 `json:"per_core_percent"`
	LoadAvg        []float64 `json:"load_avg"`
}

// Memory holds RAM and swap usage in bytes, plus percentages.
type Memory struct {
	Total       uint64   `json:"total"`
	Available   uint64   `json:"available,omitempty"`
	Used        uint64   `json:"used"`
	Free        uint64   `json:"free,omitempty"`
	Percent     *float64 `json:"percent"`
	SwapTotal   uint64   `json:"swap_total"`
	SwapUsed    uint64   `json:"swap_used"`
	SwapPercent float64  `json:"swap_percent"`
}

// Disk is usage for one mounted partition.
type Disk struct {
	Device       string  `json:"device,omitempty"`
	Mountpoint   string  `json:"mountpoint"`
	Fstype       string  `json:"fstype,omitempty"`
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free,omitempty"`
	Percent      float64 `json:"percent"`
	InodePercent float64 `json:"inode_percent,omitempty"`
}

// NetIface holds cumulative counters for one network interface.
type NetIface struct {
	Interface   string `json:"interface"`
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent,omitempty"`
	PacketsRecv uint64 `json:"packets_recv,omitempty"`
	ErrIn       uint64 `json:"errin"`
	ErrOut      uint64 `json:"errout"`
	DropIn      uint64 `json:"dropin,omitempty"`
	DropOut     uint64 `json:"dropout,omitempty"`
}

// Process is one entry of the top-N process list.
type Process struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// GPU is one accelerator reading. Load is a percentage.
type GPU struct {
	Name         string  `json:"name"`
	Vendor       string  `json:"vendor,omitempty"`
	Load         float64 `json:"load"`
	MemoryUsed   uint64  `json:"memory_used,omitempty"`
	MemoryTotal  uint64  `json:"memory_total,omitempty"`
	TemperatureC float64 `json:"temperature_C,omitempty"`
}

// Sensor is one temperature probe inside a sensor group (e.g. "coretemp").
type Sensor struct {
	Label    string   `json:"label,omitempty"`
	Current  float64  `json:"current"`
	High     *float64 `json:"high,omitempty"`
	Critical *float64 `json:"critical,omitempty"`
}

// Float returns a pointer to v. Handy for building snapshots in code.
func Float(v float64) *float64 { return &v }

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.CPU != nil {
		c := *s.CPU
		c.TotalPercent = cloneFloat(s.CPU.TotalPercent)
		c.PerCorePercent = cloneSlice(s.CPU.PerCorePercent)
		c.LoadAvg = cloneSlice(s.CPU.LoadAvg)
		out.CPU = &c
	}
	if s.Memory != nil {
		m := *s.Memory
		m.Percent = cloneFloat(s.Memory.Percent)
		out.Memory = &m
	}
	out.Disks = cloneSlice(s.Disks)
	out.Network = cloneSlice(s.Network)
	out.Processes = cloneSlice(s.Processes)
	out.GPUs = cloneSlice(s.GPUs)
	if s.CriticalProcesses != nil {
		out.CriticalProcesses = make(map[string]bool, len(s.CriticalProcesses))
		for k, v := range s.CriticalProcesses {
			out.CriticalProcesses[k] = v
		}
	}
	if s.SensorsTemperature != nil {
		out.SensorsTemperature = make(map[string][]Sensor, len(s.SensorsTemperature))
		for group, list := range s.SensorsTemperature {
			cp := make([]Sensor, len(list))
			for i, sn := range list {
				sn.High = cloneFloat(sn.High)
				sn.Critical = cloneFloat(sn.Critical)
				cp[i] = sn
			}
			out.SensorsTemperature[group] = cp
		}
	}
	return &out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
