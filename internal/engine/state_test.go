package engine

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

// snap builds a minimal valid snapshot with the given cpu and memory usage.
func snap(agentID string, cpu, mem float64) *models.Snapshot {
	return &models.Snapshot{
		AgentID: agentID,
		Device:  agentID + "-host",
		CPU:     &models.CPU{TotalPercent: models.Float(cpu), LoadAvg: []float64{0.5, 0.4, 0.3}},
		Memory:  &models.Memory{Percent: models.Float(mem)},
		Disks:   []models.Disk{{Mountpoint: "/", Percent: 40}},
		Network: []models.NetIface{{Interface: "eth0", BytesSent: 100, BytesRecv: 200}},
	}
}

func TestAgentState_ApplyAppendsEveryChannel(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st, err := NewAgentState("a1", 4).Apply(snap("a1", 12, 34), now)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if st.Seq != 1 || !st.LastSeen.Equal(now) || st.Device != "a1-host" {
		t.Errorf("metadata = seq %d, last_seen %v, device %q", st.Seq, st.LastSeen, st.Device)
	}

	want := map[string]float64{
		ChannelCPUTotal:        12,
		ChannelMemPercent:      34,
		ChannelSwapPercent:     0,
		ChannelLoad1:           0.5,
		ChannelDiskRootPercent: 40,
		ChannelNetBytesSent:    100,
		ChannelNetBytesRecv:    200,
	}
	for _, ch := range Channels {
		samples, err := st.ChannelSnapshot(ch)
		if err != nil {
			t.Fatalf("ChannelSnapshot(%s) error = %v", ch, err)
		}
		if len(samples) != 1 || samples[0].Value != want[ch] || samples[0].Timestamp != now.Unix() {
			t.Errorf("%s = %+v, want one sample %v@%d", ch, samples, want[ch], now.Unix())
		}
	}
}

func TestAgentState_AbsentSourcesAddNoSample(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := snapWith(func(s *models.Snapshot) {
		s.CPU.LoadAvg = nil
		s.Disks = []models.Disk{{Mountpoint: "C:", Percent: 70}}
	})
	st, err := NewAgentState("a1", 4).Apply(raw, now)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, ch := range []string{ChannelLoad1, ChannelDiskRootPercent} {
		if samples, _ := st.ChannelSnapshot(ch); len(samples) != 0 {
			t.Errorf("%s = %+v, want no samples", ch, samples)
		}
	}
	if samples, _ := st.ChannelSnapshot(ChannelCPUTotal); len(samples) != 1 {
		t.Errorf("cpu_total samples = %d, want 1", len(samples))
	}

	st, err = st.Apply(snap("a1", 10, 10), now.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if samples, _ := st.ChannelSnapshot(ChannelLoad1); len(samples) != 1 || samples[0].Value != 0.5 {
		t.Errorf("load_1 after source appeared = %+v", samples)
	}
}

func TestAgentState_ApplyIsAllOrNothing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st, err := NewAgentState("a1", 4).Apply(snap("a1", 10, 20), now)
	if err != nil {
		t.Fatal(err)
	}
	before := map[string][]Sample{}
	for _, ch := range Channels {
		before[ch], _ = st.ChannelSnapshot(ch)
	}
	latest := st.Latest()

	bad := []*models.Snapshot{
		nil,
		{AgentID: "a1", Memory: &models.Memory{Percent: models.Float(1)}},
		{AgentID: "a1", CPU: &models.CPU{TotalPercent: models.Float(1)}},
		{AgentID: "a1", CPU: &models.CPU{}, Memory: &models.Memory{Percent: models.Float(1)}},
		snapWith(func(s *models.Snapshot) { s.CPU.TotalPercent = models.Float(101) }),
		snapWith(func(s *models.Snapshot) { s.Memory.Percent = models.Float(math.NaN()) }),
		snapWith(func(s *models.Snapshot) { s.Disks[0].Percent = -1 }),
		snapWith(func(s *models.Snapshot) { s.ZombieProcesses = -2 }),
	}
	for i, raw := range bad {
		next, err := st.Apply(raw, now.Add(5*time.Second))
		if !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("case %d: error = %v, want ErrMalformedSnapshot", i, err)
		}
		if next != nil {
			t.Errorf("case %d: got a state on error", i)
		}
	}

	for _, ch := range Channels {
		after, _ := st.ChannelSnapshot(ch)
		if !reflect.DeepEqual(after, before[ch]) {
			t.Errorf("%s changed after rejected applies: %v -> %v", ch, before[ch], after)
		}
	}
	if !reflect.DeepEqual(st.Latest(), latest) || st.Seq != 1 {
		t.Errorf("latest or seq changed after rejected applies")
	}
}

func TestAgentState_ApplyDoesNotMutateReceiver(t *testing.T) {
	now := time.Unix(100, 0)
	first, _ := NewAgentState("a1", 2).Apply(snap("a1", 1, 1), now)
	second, err := first.Apply(snap("a1", 2, 2), now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := first.ChannelSnapshot(ChannelCPUTotal)
	b, _ := second.ChannelSnapshot(ChannelCPUTotal)
	if len(a) != 1 || len(b) != 2 {
		t.Errorf("len first/second = %d/%d, want 1/2", len(a), len(b))
	}
	if *first.Latest().CPU.TotalPercent != 1 {
		t.Errorf("first latest cpu changed")
	}
}

func TestAgentState_MetadataLastNonEmptyWins(t *testing.T) {
	now := time.Unix(100, 0)
	st, _ := NewAgentState("a1", 2).Apply(snap("a1", 1, 1), now)
	raw := snap("a1", 1, 1)
	raw.Device = ""
	raw.Platform = "Linux"
	st, err := st.Apply(raw, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if st.Device != "a1-host" || st.Platform != "Linux" {
		t.Errorf("device/platform = %q/%q", st.Device, st.Platform)
	}
}

func TestAgentState_NormalizeDefaults(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := snap("a1", 1, 1)
	raw.Processes = []models.Process{
		{PID: 1, Name: "low", CPU: 1, Memory: 5},
		{PID: 2, Name: "high", CPU: 9, Memory: 1},
		{PID: 3, Name: "tie-big-mem", CPU: 1, Memory: 9},
	}
	st, err := NewAgentState("a1", 2).Apply(raw, now)
	if err != nil {
		t.Fatal(err)
	}
	l := st.Latest()
	if l.Timestamp != float64(now.Unix()) {
		t.Errorf("Timestamp = %v, want %v", l.Timestamp, now.Unix())
	}
	if l.SensorsTemperature == nil || l.CriticalProcesses == nil {
		t.Errorf("maps not defaulted")
	}
	var names []string
	for _, p := range l.Processes {
		names = append(names, p.Name)
	}
	if want := []string{"high", "tie-big-mem", "low"}; !reflect.DeepEqual(names, want) {
		t.Errorf("process order = %v, want %v", names, want)
	}
	// Caller's snapshot is untouched.
	if raw.Processes[0].Name != "low" {
		t.Errorf("raw snapshot was reordered")
	}
}

func TestAgentState_UnknownChannel(t *testing.T) {
	st, _ := NewAgentState("a1", 2).Apply(snap("a1", 1, 1), time.Unix(100, 0))
	if _, err := st.HistoryFor("gpu_load", time.Minute, time.Unix(100, 0)); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("HistoryFor error = %v, want ErrUnknownChannel", err)
	}
	if _, err := st.ChannelSnapshot("gpu_load"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("ChannelSnapshot error = %v, want ErrUnknownChannel", err)
	}
}

func TestMalformedSnapshotError_NamesField(t *testing.T) {
	raw := snapWith(func(s *models.Snapshot) { s.CPU.TotalPercent = nil })
	_, err := NewAgentState("a1", 2).Apply(raw, time.Unix(1, 0))
	var me *MalformedSnapshotError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MalformedSnapshotError", err)
	}
	if me.Field != "cpu.total_percent" {
		t.Errorf("Field = %q, want cpu.total_percent", me.Field)
	}
}

func snapWith(mut func(*models.Snapshot)) *models.Snapshot {
	s := snap("a1", 10, 20)
	mut(s)
	return s
}
