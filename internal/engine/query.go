package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

// Current is one agent's latest snapshot with its identifying fields.
type Current struct {
	AgentID  string
	Device   string
	LastSeen time.Time
	Snapshot *models.Snapshot
}

// History is a per-channel windowed read for one agent. Samples are oldest
// first, so the most recent value is last.
type History struct {
	AgentID     string              `json:"agent_id"`
	IntervalSec int                 `json:"interval_sec"`
	WindowSec   int64               `json:"window_sec"`
	Channels    map[string][]Sample `json:"channels"`
}

// GPUReading is a GPU tagged with the agent it belongs to.
type GPUReading struct {
	AgentID string `json:"agent_id"`
	Device  string `json:"device"`
	models.GPU
}

// QueryService is the read-only facade the HTTP boundary talks to.
type QueryService struct {
	registry        *Registry
	thresholds      Thresholds
	defaultInterval time.Duration
	clock           func() time.Time
}

// NewQueryService builds a facade over registry. defaultInterval is the
// collector cadence reported when history is too short to estimate it.
func NewQueryService(registry *Registry, th Thresholds, defaultInterval time.Duration) *QueryService {
	if defaultInterval <= 0 {
		defaultInterval = 5 * time.Second
	}
	return &QueryService{
		registry:        registry,
		thresholds:      th,
		defaultInterval: defaultInterval,
		clock:           time.Now,
	}
}

// SetClock overrides the time source (tests).
func (q *QueryService) SetClock(clock func() time.Time) { q.clock = clock }

// CurrentAll returns every agent's latest snapshot, sorted by agent id.
func (q *QueryService) CurrentAll() []Current {
	states := q.registry.List()
	sort.Slice(states, func(i, j int) bool { return states[i].AgentID < states[j].AgentID })
	out := make([]Current, 0, len(states))
	for _, st := range states {
		out = append(out, currentOf(st))
	}
	return out
}

// CurrentOne returns the latest snapshot of agentID or ErrNotFound.
func (q *QueryService) CurrentOne(agentID string) (Current, error) {
	st, err := q.registry.Get(agentID)
	if err != nil {
		return Current{}, err
	}
	return currentOf(st), nil
}

// History returns the samples of channels recorded within window of now.
// An empty channel list means every tracked channel; a non-positive window
// means the whole retained history.
func (q *QueryService) History(agentID string, channels []string, window time.Duration) (History, error) {
	st, err := q.registry.Get(agentID)
	if err != nil {
		return History{}, err
	}
	if len(channels) == 0 {
		channels = Channels
	}

	h := History{
		AgentID:  agentID,
		Channels: make(map[string][]Sample, len(channels)),
	}
	now := q.clock()
	for _, ch := range channels {
		var samples []Sample
		if window > 0 {
			samples, err = st.HistoryFor(ch, window, now)
		} else {
			samples, err = st.ChannelSnapshot(ch)
		}
		if err != nil {
			return History{}, err
		}
		h.Channels[ch] = samples
	}

	if window > 0 {
		h.WindowSec = int64(window / time.Second)
	}
	all, _ := st.ChannelSnapshot(ChannelCPUTotal)
	h.IntervalSec = EstimateInterval(all, q.defaultInterval)
	return h, nil
}

// Health evaluates every agent afresh.
func (q *QueryService) Health() HealthStatus {
	return Evaluate(q.registry.List(), q.thresholds)
}

// GPUs flattens the GPU readings of every agent's latest snapshot.
func (q *QueryService) GPUs() []GPUReading {
	out := []GPUReading{}
	for _, c := range q.CurrentAll() {
		for _, g := range c.Snapshot.GPUs {
			out = append(out, GPUReading{AgentID: c.AgentID, Device: c.Device, GPU: g})
		}
	}
	return out
}

// Thresholds returns the rule thresholds health is evaluated with.
func (q *QueryService) Thresholds() Thresholds { return q.thresholds }

// Agents returns the number of agents currently held.
func (q *QueryService) Agents() int { return q.registry.Len() }

// EstimateInterval returns the mean spacing of samples in whole seconds,
// ignoring gaps outside (0, 120) and clamping to [1, 60]. With fewer than two
// usable gaps it returns fallback.
func EstimateInterval(samples []Sample, fallback time.Duration) int {
	def := int(fallback / time.Second)
	if def < 1 {
		def = 1
	}
	var sum, n int64
	for i := 1; i < len(samples); i++ {
		d := samples[i].Timestamp - samples[i-1].Timestamp
		if d > 0 && d < 120 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return def
	}
	iv := int(math.Round(float64(sum) / float64(n)))
	switch {
	case iv < 1:
		iv = 1
	case iv > 60:
		iv = 60
	}
	return iv
}

// Values projects samples to their values.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// Timestamps projects samples to their timestamps.
func Timestamps(samples []Sample) []int64 {
	out := make([]int64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

// ParseChannels validates requested channel names against the tracked set.
func ParseChannels(names []string) ([]string, error) {
	known := make(map[string]bool, len(Channels))
	for _, c := range Channels {
		known[c] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		if !known[n] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, n)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func currentOf(st *AgentState) Current {
	return Current{
		AgentID:  st.AgentID,
		Device:   st.Device,
		LastSeen: st.LastSeen,
		Snapshot: st.Latest(),
	}
}
