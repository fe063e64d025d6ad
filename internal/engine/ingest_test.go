package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

type memJournal struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (j *memJournal) RecordAlert(ev AlertEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func newTestPipeline(j Journal) (*Pipeline, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	p := NewPipeline(NewRegistry(4), DefaultThresholds(), nil,
		WithClock(func() time.Time { return now }),
		WithJournal(j),
		WithRecentAlerts(3))
	return p, &now
}

func TestPipeline_IngestJSON(t *testing.T) {
	p, _ := newTestPipeline(nil)
	body := []byte(`{
		"agent_id": " a1 ",
		"device": "web-01",
		"cpu": {"total_percent": 12.5, "load_avg": [0.1, 0.2, 0.3]},
		"memory": {"percent": 40},
		"disks": [{"mountpoint": "/", "percent": 10}],
		"network": [{"interface": "eth0", "bytes_sent": 1, "bytes_recv": 2}]
	}`)
	st, err := p.IngestJSON(body)
	if err != nil {
		t.Fatalf("IngestJSON() error = %v", err)
	}
	if st.AgentID != "a1" || st.Device != "web-01" {
		t.Errorf("state = %s/%s", st.AgentID, st.Device)
	}
	if s := p.Stats(); s.Accepted != 1 || s.Rejected != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPipeline_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `nope`, "snapshot"},
		{"array", `[1,2]`, "snapshot"},
		{"truncated", `{"agent_id": "a1"`, "snapshot"},
		{"wrong type", `{"agent_id": "a1", "cpu": {"total_percent": "high"}, "memory": {"percent": 1}}`, "cpu.total_percent"},
		{"missing agent", `{"cpu": {"total_percent": 1}, "memory": {"percent": 1}}`, "agent_id"},
		{"blank agent", `{"agent_id": "  ", "cpu": {"total_percent": 1}, "memory": {"percent": 1}}`, "agent_id"},
		{"missing memory", `{"agent_id": "a1", "cpu": {"total_percent": 1}}`, "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(nil)
			_, err := p.IngestJSON([]byte(tt.body))
			if !errors.Is(err, ErrMalformedSnapshot) {
				t.Fatalf("error = %v, want ErrMalformedSnapshot", err)
			}
			var me *MalformedSnapshotError
			if errors.As(err, &me) && me.Field != tt.field {
				t.Errorf("Field = %q, want %q", me.Field, tt.field)
			}
			if s := p.Stats(); s.Rejected != 1 || s.Accepted != 0 {
				t.Errorf("Stats() = %+v", s)
			}
		})
	}
}

func TestPipeline_RejectKeepsPreviousState(t *testing.T) {
	p, _ := newTestPipeline(nil)
	if _, err := p.Ingest(snap("a1", 10, 10)); err != nil {
		t.Fatal(err)
	}
	bad := snap("a1", 10, 10)
	bad.CPU.TotalPercent = models.Float(300)
	if _, err := p.Ingest(bad); err == nil {
		t.Fatal("expected rejection")
	}
	st, _ := p.registry.Get("a1")
	if st.Seq != 1 || *st.Latest().CPU.TotalPercent != 10 {
		t.Errorf("state changed: seq %d", st.Seq)
	}
}

func TestPipeline_AlertTransitions(t *testing.T) {
	j := &memJournal{}
	p, now := newTestPipeline(j)

	steps := []struct {
		cpu  float64
		want []string // kind:metric
	}{
		{10, nil},
		{95, []string{"raised:cpu_total"}},
		{96, nil},
		{80, []string{"raised:cpu_total", "recovered:cpu_total"}},
		{10, []string{"recovered:cpu_total"}},
	}
	for i, step := range steps {
		before := len(j.events)
		*now = now.Add(5 * time.Second)
		if _, err := p.Ingest(snap("a1", step.cpu, 10)); err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, ev := range j.events[before:] {
			got = append(got, ev.Kind+":"+ev.Metric)
		}
		if len(got) != len(step.want) {
			t.Fatalf("step %d: events = %v, want %v", i, got, step.want)
		}
		for k := range got {
			if got[k] != step.want[k] {
				t.Errorf("step %d: events = %v, want %v", i, got, step.want)
			}
		}
	}

	recent := p.RecentAlerts(0)
	if len(recent) != 3 {
		t.Fatalf("RecentAlerts() len = %d, want bounded 3", len(recent))
	}
	last := recent[len(recent)-1]
	if last.Kind != AlertRecovered || last.Severity != SeverityWarning {
		t.Errorf("last event = %+v", last)
	}
	if got := p.RecentAlerts(1); len(got) != 1 || got[0] != last {
		t.Errorf("RecentAlerts(1) = %+v", got)
	}
}

func TestPipeline_SubscribeAndForget(t *testing.T) {
	p, _ := newTestPipeline(nil)
	var seen []string
	p.Subscribe(func(st *AgentState) { seen = append(seen, st.AgentID) })

	_, _ = p.Ingest(snap("a1", 95, 10))
	p.Forget("a1")
	p.registry.Reset()
	_, _ = p.Ingest(snap("a1", 95, 10))

	if len(seen) != 2 {
		t.Errorf("subscriber calls = %d, want 2", len(seen))
	}
	// Forgetting the tracker means the alert is raised again for the new state.
	if n := len(p.RecentAlerts(0)); n != 2 {
		t.Errorf("recent alerts = %d, want 2", n)
	}
}

func TestSweeper_SweepOnce(t *testing.T) {
	r := NewRegistry(2)
	_, _ = r.Upsert("old", snap("old", 1, 1), time.Unix(0, 0))
	_, _ = r.Upsert("new", snap("new", 1, 1), time.Unix(95, 0))

	var evicted []string
	s := &Sweeper{
		Registry:  r,
		Threshold: 30 * time.Second,
		Clock:     func() time.Time { return time.Unix(100, 0) },
		OnEvict:   func(id string) { evicted = append(evicted, id) },
	}
	if got := s.SweepOnce(); len(got) != 1 || got[0] != "old" {
		t.Errorf("SweepOnce() = %v", got)
	}
	if len(evicted) != 1 || r.Len() != 1 {
		t.Errorf("evicted = %v, len = %d", evicted, r.Len())
	}
}

func TestPipeline_ResetRestartsAlertTracking(t *testing.T) {
	j := &memJournal{}
	p, now := newTestPipeline(j)
	for i := 0; i < 3; i++ {
		*now = now.Add(5 * time.Second)
		if _, err := p.Ingest(snap("a1", 10, 10)); err != nil {
			t.Fatal(err)
		}
	}

	p.registry.Reset()
	*now = now.Add(5 * time.Second)
	st, err := p.Ingest(snap("a1", 95, 10))
	if err != nil {
		t.Fatal(err)
	}
	if st.Seq != 1 {
		t.Fatalf("Seq after reset = %d, want 1", st.Seq)
	}
	recent := p.RecentAlerts(0)
	if len(recent) != 1 || recent[0].Kind != AlertRaised || recent[0].Metric != ChannelCPUTotal {
		t.Errorf("recent alerts = %+v, want one raised cpu_total", recent)
	}
	if len(j.events) != 1 {
		t.Errorf("journal events = %d, want 1", len(j.events))
	}
}

func TestPipeline_ForgetKeepsReingestedAgent(t *testing.T) {
	p, now := newTestPipeline(nil)
	if _, err := p.Ingest(snap("a1", 95, 10)); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Minute)
	if got := p.registry.SweepStale(*now, 30*time.Second); len(got) != 1 {
		t.Fatalf("SweepStale() = %v", got)
	}

	// The agent reports again before the eviction callback runs.
	st, err := p.Ingest(snap("a1", 95, 10))
	if err != nil {
		t.Fatal(err)
	}
	if st.Generation < 2 {
		t.Errorf("Generation = %d, want a new lifetime", st.Generation)
	}
	if n := len(p.RecentAlerts(0)); n != 2 {
		t.Fatalf("recent alerts = %d, want the alert raised again", n)
	}

	p.Forget("a1")
	*now = now.Add(5 * time.Second)
	if _, err := p.Ingest(snap("a1", 95, 10)); err != nil {
		t.Fatal(err)
	}
	if n := len(p.RecentAlerts(0)); n != 2 {
		t.Errorf("recent alerts = %d, Forget dropped live tracking", n)
	}

	p.registry.Reset()
	p.Forget("a1")
	if _, ok := p.trackers.Load("a1"); ok {
		t.Error("tracker kept for an agent no longer in the registry")
	}
}
