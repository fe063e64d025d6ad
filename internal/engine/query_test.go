package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

func TestQueryService_HistoryWindow(t *testing.T) {
	r := NewRegistry(DefaultCapacity)
	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < 10; i++ {
		if _, err := r.Upsert("a1", snap("a1", float64(i), 10), start.Add(time.Duration(i)*5*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	q := NewQueryService(r, DefaultThresholds(), 5*time.Second)
	now := start.Add(45 * time.Second)
	q.SetClock(func() time.Time { return now })

	h, err := q.History("a1", nil, 60*time.Second)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(h.Channels) != len(Channels) {
		t.Errorf("channels = %d, want %d", len(h.Channels), len(Channels))
	}
	cpu := h.Channels[ChannelCPUTotal]
	if len(cpu) != 10 {
		t.Fatalf("cpu samples = %d, want 10", len(cpu))
	}
	if cpu[9].Value != 9 || cpu[0].Value != 0 {
		t.Errorf("cpu order = %v", Values(cpu))
	}
	if h.IntervalSec != 5 || h.WindowSec != 60 {
		t.Errorf("interval/window = %d/%d, want 5/60", h.IntervalSec, h.WindowSec)
	}

	h, err = q.History("a1", []string{ChannelMemPercent}, 12*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Channels) != 1 || len(h.Channels[ChannelMemPercent]) != 3 {
		t.Errorf("narrow window = %v", h.Channels)
	}
}

func TestQueryService_HistoryWholeBuffer(t *testing.T) {
	r := NewRegistry(3)
	for i := 0; i < 5; i++ {
		_, _ = r.Upsert("a1", snap("a1", float64(i), 1), time.Unix(int64(i)*10, 0))
	}
	q := NewQueryService(r, DefaultThresholds(), 5*time.Second)
	h, err := q.History("a1", []string{ChannelCPUTotal}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := Values(h.Channels[ChannelCPUTotal]); len(got) != 3 || got[0] != 2 {
		t.Errorf("whole buffer = %v, want [2 3 4]", got)
	}
	if h.IntervalSec != 10 {
		t.Errorf("IntervalSec = %d, want 10", h.IntervalSec)
	}
}

func TestQueryService_Errors(t *testing.T) {
	r := NewRegistry(2)
	_, _ = r.Upsert("a1", snap("a1", 1, 1), time.Unix(1, 0))
	q := NewQueryService(r, DefaultThresholds(), 0)

	if _, err := q.CurrentOne("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CurrentOne(ghost) error = %v", err)
	}
	if _, err := q.History("ghost", nil, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("History(ghost) error = %v", err)
	}
	if _, err := q.History("a1", []string{"bogus"}, time.Minute); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("History(bogus channel) error = %v", err)
	}
}

func TestQueryService_CurrentAndGPUs(t *testing.T) {
	r := NewRegistry(2)
	now := time.Unix(1, 0)
	b := snap("b", 1, 1)
	b.GPUs = []models.GPU{{Name: "RTX", Load: 40}, {Name: "A100", Load: 90}}
	_, _ = r.Upsert("b", b, now)
	_, _ = r.Upsert("a", snap("a", 2, 2), now)
	q := NewQueryService(r, DefaultThresholds(), 0)

	all := q.CurrentAll()
	if len(all) != 2 || all[0].AgentID != "a" || all[1].AgentID != "b" {
		t.Fatalf("CurrentAll() order = %+v", all)
	}
	one, err := q.CurrentOne("b")
	if err != nil || one.Device != "b-host" || !one.LastSeen.Equal(now) {
		t.Errorf("CurrentOne(b) = %+v, %v", one, err)
	}
	// The returned snapshot is a copy.
	one.Snapshot.GPUs[0].Name = "mutated"
	if again, _ := q.CurrentOne("b"); again.Snapshot.GPUs[0].Name != "RTX" {
		t.Errorf("caller mutation leaked into the registry")
	}

	gpus := q.GPUs()
	if len(gpus) != 2 || gpus[0].AgentID != "b" || gpus[1].Name != "A100" {
		t.Errorf("GPUs() = %+v", gpus)
	}
	if q.Health().DevicesReporting != 2 || q.Agents() != 2 {
		t.Errorf("Health/Agents disagree with registry")
	}
}

func TestEstimateInterval(t *testing.T) {
	mk := func(ts ...int64) []Sample {
		out := make([]Sample, len(ts))
		for i, v := range ts {
			out[i] = Sample{Timestamp: v}
		}
		return out
	}
	tests := []struct {
		name    string
		samples []Sample
		want    int
	}{
		{"empty falls back", nil, 5},
		{"single falls back", mk(10), 5},
		{"regular", mk(0, 2, 4, 6), 2},
		{"ignores long gaps", mk(0, 3, 500, 503), 3},
		{"duplicates ignored", mk(10, 10, 10), 5},
		{"clamped high", mk(0, 100), 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateInterval(tt.samples, 5*time.Second); got != tt.want {
				t.Errorf("EstimateInterval() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseChannels(t *testing.T) {
	got, err := ParseChannels([]string{"cpu_total", "", "cpu_total", "load_1"})
	if err != nil || len(got) != 2 {
		t.Errorf("ParseChannels() = %v, %v", got, err)
	}
	if _, err := ParseChannels([]string{"nope"}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("ParseChannels(nope) error = %v", err)
	}
}
