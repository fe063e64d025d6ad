package engine

import (
	"fmt"
	"sort"
)

// Severity of one alert or one agent.
type Severity int

const (
	SeverityHealthy Severity = iota
	SeverityWarning
	SeverityCritical
)

// System-wide status values.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusUnknown  = "unknown"
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return StatusWarning
	case SeverityCritical:
		return StatusCritical
	default:
		return StatusHealthy
	}
}

// MarshalText renders the severity as its lower-case name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a lower-case severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case StatusHealthy:
		*s = SeverityHealthy
	case StatusWarning:
		*s = SeverityWarning
	case StatusCritical:
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Thresholds configure the health rules. Percentages are 0-100.
type Thresholds struct {
	WarningCPUPct   float64 `mapstructure:"warning_cpu_pct" json:"warning_cpu_pct"`
	CriticalCPUPct  float64 `mapstructure:"critical_cpu_pct" json:"critical_cpu_pct"`
	WarningMemPct   float64 `mapstructure:"warning_mem_pct" json:"warning_mem_pct"`
	CriticalMemPct  float64 `mapstructure:"critical_mem_pct" json:"critical_mem_pct"`
	WarningSwapPct  float64 `mapstructure:"warning_swap_pct" json:"warning_swap_pct"`
	CriticalDiskPct float64 `mapstructure:"critical_disk_pct" json:"critical_disk_pct"`
	WarningInodePct float64 `mapstructure:"warning_inode_pct" json:"warning_inode_pct"`
	// TempFallbackC applies to sensors that report no high mark.
	TempFallbackC float64 `mapstructure:"temp_fallback_c" json:"temp_fallback_c"`
	// NetErrorWarning is the per-interface errin/errout count that warns.
	NetErrorWarning uint64 `mapstructure:"net_error_warning" json:"net_error_warning"`
}

// DefaultThresholds returns the stock rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningCPUPct:   75,
		CriticalCPUPct:  90,
		WarningMemPct:   75,
		CriticalMemPct:  90,
		WarningSwapPct:  50,
		CriticalDiskPct: 90,
		WarningInodePct: 90,
		TempFallbackC:   80,
		NetErrorWarning: 100,
	}
}

// Alert is one triggered rule for one agent.
type Alert struct {
	AgentID   string   `json:"agent_id"`
	Device    string   `json:"device"`
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Key identifies an alert across evaluations of the same agent.
func (a Alert) Key() string { return a.Metric + "|" + a.Severity.String() }

// AgentHealth is the per-agent verdict.
type AgentHealth struct {
	AgentID  string   `json:"agent_id"`
	Device   string   `json:"device"`
	Severity Severity `json:"severity"`
	Alerts   int      `json:"alerts"`
}

// HealthStatus is the derived, never cached, system health.
type HealthStatus struct {
	Status           string        `json:"status"`
	DevicesReporting int           `json:"devices_reporting"`
	TotalAlerts      int           `json:"total_alerts"`
	Alerts           []Alert       `json:"alerts"`
	Agents           []AgentHealth `json:"agents"`
}

// Evaluate derives HealthStatus from states. It is a pure function: agents are
// visited in id order and alerts keep rule order, so equal inputs give equal
// output. No agents at all yields StatusUnknown.
func Evaluate(states []*AgentState, th Thresholds) HealthStatus {
	sorted := make([]*AgentState, 0, len(states))
	for _, st := range states {
		if st != nil {
			sorted = append(sorted, st)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	hs := HealthStatus{
		Status:           StatusUnknown,
		DevicesReporting: len(sorted),
		Alerts:           []Alert{},
		Agents:           make([]AgentHealth, 0, len(sorted)),
	}
	if len(sorted) == 0 {
		return hs
	}

	worst := SeverityHealthy
	for _, st := range sorted {
		sev, alerts := EvaluateAgent(st, th)
		hs.Alerts = append(hs.Alerts, alerts...)
		hs.Agents = append(hs.Agents, AgentHealth{
			AgentID:  st.AgentID,
			Device:   st.Device,
			Severity: sev,
			Alerts:   len(alerts),
		})
		if sev > worst {
			worst = sev
		}
	}
	hs.TotalAlerts = len(hs.Alerts)
	hs.Status = worst.String()
	return hs
}

// EvaluateAgent runs the rules against one agent's latest snapshot, in fixed
// priority order, and returns the worst severity with the triggered alerts.
func EvaluateAgent(st *AgentState, th Thresholds) (Severity, []Alert) {
	s := st.latest
	if s == nil {
		return SeverityHealthy, nil
	}

	var alerts []Alert
	raise := func(metric string, sev Severity, format string, args ...any) {
		alerts = append(alerts, Alert{
			AgentID:   st.AgentID,
			Device:    st.Device,
			Metric:    metric,
			Severity:  sev,
			Message:   fmt.Sprintf(format, args...),
			Timestamp: st.LastSeen.Unix(),
		})
	}

	// 1. Zombie processes
	if s.ZombieProcesses > 0 {
		raise("zombie_processes", SeverityWarning, "Zombie processes detected: %d", s.ZombieProcesses)
	}

	// 2. Critical processes, by name for a stable order
	names := make([]string, 0, len(s.CriticalProcesses))
	for name := range s.CriticalProcesses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !s.CriticalProcesses[name] {
			raise("critical_process:"+name, SeverityCritical, "Critical process %s is not running", name)
		}
	}

	// 3. CPU / memory over the critical mark
	cpu := *s.CPU.TotalPercent
	mem := *s.Memory.Percent
	cpuCrit, memCrit := cpu > th.CriticalCPUPct, mem > th.CriticalMemPct
	if cpuCrit {
		raise(ChannelCPUTotal, SeverityCritical, "High CPU usage: %.1f%%", cpu)
	}
	if memCrit {
		raise(ChannelMemPercent, SeverityCritical, "High memory usage: %.1f%%", mem)
	}

	// 4. CPU / memory over the warning mark only
	if !cpuCrit && cpu > th.WarningCPUPct {
		raise(ChannelCPUTotal, SeverityWarning, "Elevated CPU usage: %.1f%%", cpu)
	}
	if !memCrit && mem > th.WarningMemPct {
		raise(ChannelMemPercent, SeverityWarning, "Elevated memory usage: %.1f%%", mem)
	}

	// 5. Swap
	if s.Memory.SwapPercent > th.WarningSwapPct {
		raise(ChannelSwapPercent, SeverityWarning, "High swap usage: %.1f%%", s.Memory.SwapPercent)
	}

	// 6. Root filesystem
	for _, d := range s.Disks {
		if d.Mountpoint == "/" && d.Percent > th.CriticalDiskPct {
			raise("disk:/", SeverityCritical, "Low disk space on /: %.1f%% used", d.Percent)
			break
		}
	}

	// Inode usage, per mount in reported order
	for _, d := range s.Disks {
		if d.InodePercent > th.WarningInodePct {
			raise("inode:"+d.Mountpoint, SeverityWarning, "High inode usage on %s: %.1f%%", d.Mountpoint, d.InodePercent)
		}
	}

	// 7. Temperature, one alert per overheating sensor group
	groups := make([]string, 0, len(s.SensorsTemperature))
	for g := range s.SensorsTemperature {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		for _, sn := range s.SensorsTemperature[g] {
			high := th.TempFallbackC
			if sn.High != nil && *sn.High > 0 {
				high = *sn.High
			}
			if sn.Current > high {
				raise("temperature:"+g, SeverityCritical, "Overheat detected on %s (%.1f°C)", g, sn.Current)
				break
			}
		}
	}

	// 8 & 9. Network
	if len(s.Network) > 0 {
		allIdle, errs := true, false
		for _, n := range s.Network {
			if n.BytesSent+n.BytesRecv != 0 {
				allIdle = false
			}
			if n.ErrIn > th.NetErrorWarning || n.ErrOut > th.NetErrorWarning {
				errs = true
			}
		}
		if allIdle {
			raise("network_inactive", SeverityWarning, "All network interfaces inactive")
		}
		if errs {
			raise("network_errors", SeverityWarning, "Network interface errors detected")
		}
	}

	worst := SeverityHealthy
	for _, a := range alerts {
		if a.Severity > worst {
			worst = a.Severity
		}
	}
	return worst, alerts
}
