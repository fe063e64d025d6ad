package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

// Tracked channel names. Every ingest appends one sample to each channel
// whose source is present.
const (
	ChannelCPUTotal        = "cpu_total"
	ChannelMemPercent      = "mem_percent"
	ChannelSwapPercent     = "swap_percent"
	ChannelLoad1           = "load_1"
	ChannelDiskRootPercent = "disk_root_percent"
	ChannelNetBytesSent    = "net_bytes_sent"
	ChannelNetBytesRecv    = "net_bytes_recv"
)

// Channels lists every tracked channel in display order.
var Channels = []string{
	ChannelCPUTotal,
	ChannelMemPercent,
	ChannelSwapPercent,
	ChannelLoad1,
	ChannelDiskRootPercent,
	ChannelNetBytesSent,
	ChannelNetBytesRecv,
}

// AgentState is one monitored machine. Values are immutable once published
// by the Registry: Apply returns a new state and never modifies the receiver,
// so readers holding a *AgentState always see a consistent snapshot.
type AgentState struct {
	AgentID         string
	Device          string
	Platform        string
	PlatformRelease string
	LastSeen        time.Time
	// Seq counts successful ingests for this agent, starting at 1.
	Seq uint64
	// Generation identifies one registry lifetime of the agent. It changes
	// whenever the agent is created again after eviction or reset.
	Generation uint64

	latest   *models.Snapshot
	channels map[string]*SampleBuffer
}

// NewAgentState returns an empty state for agentID with no snapshot applied.
// It is not visible to readers until a first Apply succeeds.
func NewAgentState(agentID string, capacity int) *AgentState {
	ch := make(map[string]*SampleBuffer, len(Channels))
	for _, name := range Channels {
		ch[name] = NewSampleBuffer(capacity)
	}
	return &AgentState{AgentID: agentID, channels: ch}
}

// Latest returns a copy of the most recent snapshot, or nil before the first ingest.
func (a *AgentState) Latest() *models.Snapshot {
	return a.latest.Clone()
}

// Apply normalises raw and returns the successor state with latest replaced
// and one sample appended per channel that has a source in the snapshot:
// load_1 needs a load average and disk_root_percent a "/" mount. On error the receiver is untouched and
// nil is returned.
func (a *AgentState) Apply(raw *models.Snapshot, now time.Time) (*AgentState, error) {
	snap, err := normalize(raw, now)
	if err != nil {
		return nil, err
	}
	values := channelValues(snap)

	next := &AgentState{
		AgentID:         a.AgentID,
		Device:          a.Device,
		Platform:        a.Platform,
		PlatformRelease: a.PlatformRelease,
		LastSeen:        now,
		Seq:             a.Seq + 1,
		Generation:      a.Generation,
		latest:          snap,
		channels:        make(map[string]*SampleBuffer, len(a.channels)),
	}
	if snap.Device != "" {
		next.Device = snap.Device
	}
	if snap.Platform != "" {
		next.Platform = snap.Platform
	}
	if snap.PlatformRelease != "" {
		next.PlatformRelease = snap.PlatformRelease
	}

	ts := now.Unix()
	for name, buf := range a.channels {
		cp := buf.Clone()
		if v, ok := values[name]; ok {
			if err := cp.Append(Sample{Timestamp: ts, Value: v}); err != nil {
				return nil, malformed(name, "derived value is not finite")
			}
		}
		next.channels[name] = cp
	}
	return next, nil
}

// HistoryFor returns the samples of channel within d of now.
func (a *AgentState) HistoryFor(channel string, d time.Duration, now time.Time) ([]Sample, error) {
	buf, ok := a.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return buf.Window(d, now), nil
}

// ChannelSnapshot returns every retained sample of channel, oldest first.
func (a *AgentState) ChannelSnapshot(channel string) ([]Sample, error) {
	buf, ok := a.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return buf.Snapshot(), nil
}

// normalize validates raw field by field and returns a private deep copy with
// defaults filled in and processes sorted by usage.
func normalize(raw *models.Snapshot, now time.Time) (*models.Snapshot, error) {
	if raw == nil {
		return nil, malformed("snapshot", "missing")
	}
	s := raw.Clone()
	s.AgentID = strings.TrimSpace(s.AgentID)

	if s.CPU == nil {
		return nil, malformed("cpu", "missing")
	}
	if err := percent("cpu.total_percent", s.CPU.TotalPercent); err != nil {
		return nil, err
	}
	for i, v := range s.CPU.PerCorePercent {
		if !finite(v) || v < 0 {
			return nil, malformed(fmt.Sprintf("cpu.per_core_percent[%d]", i), "out of range")
		}
	}
	for i, v := range s.CPU.LoadAvg {
		if !finite(v) || v < 0 {
			return nil, malformed(fmt.Sprintf("cpu.load_avg[%d]", i), "out of range")
		}
	}

	if s.Memory == nil {
		return nil, malformed("memory", "missing")
	}
	if err := percent("memory.percent", s.Memory.Percent); err != nil {
		return nil, err
	}
	if !inPercentRange(s.Memory.SwapPercent) {
		return nil, malformed("memory.swap_percent", "out of range")
	}

	for i, d := range s.Disks {
		if !inPercentRange(d.Percent) {
			return nil, malformed(fmt.Sprintf("disks[%d].percent", i), "out of range")
		}
		if !inPercentRange(d.InodePercent) {
			return nil, malformed(fmt.Sprintf("disks[%d].inode_percent", i), "out of range")
		}
	}
	for i, p := range s.Processes {
		if !finite(p.CPU) || !finite(p.Memory) || p.CPU < 0 || p.Memory < 0 {
			return nil, malformed(fmt.Sprintf("processes[%d]", i), "out of range")
		}
	}
	for i, g := range s.GPUs {
		if !finite(g.Load) || !finite(g.TemperatureC) {
			return nil, malformed(fmt.Sprintf("gpus[%d]", i), "not finite")
		}
	}
	for group, list := range s.SensorsTemperature {
		for i, sn := range list {
			if !finite(sn.Current) || (sn.High != nil && !finite(*sn.High)) || (sn.Critical != nil && !finite(*sn.Critical)) {
				return nil, malformed(fmt.Sprintf("sensors_temperature.%s[%d]", group, i), "not finite")
			}
		}
	}
	if s.ZombieProcesses < 0 {
		return nil, malformed("zombie_processes", "negative")
	}
	if s.UptimeSec < 0 {
		return nil, malformed("uptime_sec", "negative")
	}
	if !finite(s.Timestamp) || s.Timestamp < 0 {
		return nil, malformed("timestamp", "out of range")
	}

	if s.Timestamp == 0 {
		s.Timestamp = float64(now.UnixNano()) / 1e9
	}
	if s.SensorsTemperature == nil {
		s.SensorsTemperature = map[string][]models.Sensor{}
	}
	if s.CriticalProcesses == nil {
		s.CriticalProcesses = map[string]bool{}
	}
	sort.SliceStable(s.Processes, func(i, j int) bool {
		if s.Processes[i].CPU != s.Processes[j].CPU {
			return s.Processes[i].CPU > s.Processes[j].CPU
		}
		return s.Processes[i].Memory > s.Processes[j].Memory
	})
	return s, nil
}

func channelValues(s *models.Snapshot) map[string]float64 {
	v := map[string]float64{
		ChannelCPUTotal:    *s.CPU.TotalPercent,
		ChannelMemPercent:  *s.Memory.Percent,
		ChannelSwapPercent: s.Memory.SwapPercent,
	}
	if len(s.CPU.LoadAvg) > 0 {
		v[ChannelLoad1] = s.CPU.LoadAvg[0]
	}
	for _, d := range s.Disks {
		if d.Mountpoint == "/" {
			v[ChannelDiskRootPercent] = d.Percent
			break
		}
	}
	var sent, recv uint64
	for _, n := range s.Network {
		sent += n.BytesSent
		recv += n.BytesRecv
	}
	v[ChannelNetBytesSent] = float64(sent)
	v[ChannelNetBytesRecv] = float64(recv)
	return v
}

func percent(field string, p *float64) error {
	if p == nil {
		return malformed(field, "missing")
	}
	if !inPercentRange(*p) {
		return malformed(field, "out of range")
	}
	return nil
}

func inPercentRange(v float64) bool {
	return finite(v) && v >= 0 && v <= 100
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
