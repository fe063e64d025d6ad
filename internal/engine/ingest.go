package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/talonpulse/internal/models"
)

// DefaultRecentAlerts is how many alert transitions are kept in memory.
const DefaultRecentAlerts = 20

// Alert transition kinds.
const (
	AlertRaised    = "raised"
	AlertRecovered = "recovered"
)

// AlertEvent is one raised/recovered transition of an alert for an agent.
type AlertEvent struct {
	AgentID   string   `json:"agent_id"`
	Device    string   `json:"device"`
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Journal persists alert transitions. RecordAlert runs on the ingest goroutine
// and must return promptly; failing to record never fails an ingest.
type Journal interface {
	RecordAlert(ev AlertEvent) error
}

// IngestStats are the pipeline counters.
type IngestStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Pipeline is the only writer of agent data. It validates snapshots, applies
// them to the Registry and tracks alert transitions per agent.
type Pipeline struct {
	registry   *Registry
	thresholds Thresholds
	logger     *zap.Logger
	clock      func() time.Time
	journal    Journal

	accepted atomic.Uint64
	rejected atomic.Uint64

	trackers sync.Map // agent id → *alertTracker

	recentMu  sync.Mutex
	recent    []AlertEvent
	recentMax int

	subsMu sync.RWMutex
	subs   []func(*AgentState)
}

type alertTracker struct {
	mu     sync.Mutex
	gen    uint64
	seq    uint64
	active map[string]Alert
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.clock = clock }
}

// WithJournal forwards alert transitions to j.
func WithJournal(j Journal) PipelineOption {
	return func(p *Pipeline) { p.journal = j }
}

// WithRecentAlerts sets how many transitions are kept in memory.
func WithRecentAlerts(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.recentMax = n
		}
	}
}

// NewPipeline wires a pipeline onto registry.
func NewPipeline(registry *Registry, th Thresholds, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		registry:   registry,
		thresholds: th,
		logger:     logger,
		clock:      time.Now,
		recentMax:  DefaultRecentAlerts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn to run after every successful ingest. fn runs on
// the ingest goroutine and must not block.
func (p *Pipeline) Subscribe(fn func(*AgentState)) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs = append(p.subs, fn)
}

// IngestJSON decodes body as a snapshot and ingests it. Decode failures and
// type mismatches are reported as MalformedSnapshot.
func (p *Pipeline) IngestJSON(body []byte) (*AgentState, error) {
	raw, err := DecodeSnapshot(body)
	if err != nil {
		p.reject("", err)
		return nil, err
	}
	return p.Ingest(raw)
}

// Ingest validates raw and applies it. Rejected snapshots are logged and
// dropped; the previous state of the agent stays in place.
func (p *Pipeline) Ingest(raw *models.Snapshot) (*AgentState, error) {
	if raw == nil {
		err := malformed("snapshot", "missing")
		p.reject("", err)
		return nil, err
	}
	id := strings.TrimSpace(raw.AgentID)
	if id == "" {
		err := malformed("agent_id", "missing or empty")
		p.reject("", err)
		return nil, err
	}

	st, err := p.registry.Upsert(id, raw, p.clock())
	if err != nil {
		p.reject(id, err)
		return nil, err
	}
	p.accepted.Add(1)

	p.track(st)

	p.subsMu.RLock()
	subs := p.subs
	p.subsMu.RUnlock()
	for _, fn := range subs {
		fn(st)
	}
	return st, nil
}

// Forget drops alert tracking for an evicted agent. Tracking is kept when the
// agent has already been ingested again under a new generation.
func (p *Pipeline) Forget(agentID string) {
	v, ok := p.trackers.Load(agentID)
	if !ok {
		return
	}
	t := v.(*alertTracker)
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, err := p.registry.Get(agentID); err == nil && st.Generation == t.gen {
		return
	}
	p.trackers.CompareAndDelete(agentID, v)
}

// Stats returns the ingest counters.
func (p *Pipeline) Stats() IngestStats {
	return IngestStats{Accepted: p.accepted.Load(), Rejected: p.rejected.Load()}
}

// RecentAlerts returns up to n of the latest alert transitions, oldest first.
func (p *Pipeline) RecentAlerts(n int) []AlertEvent {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	if n <= 0 || n > len(p.recent) {
		n = len(p.recent)
	}
	out := make([]AlertEvent, n)
	copy(out, p.recent[len(p.recent)-n:])
	return out
}

func (p *Pipeline) reject(agentID string, err error) {
	p.rejected.Add(1)
	p.logger.Warn("Snapshot rejected",
		zap.String("agent_id", agentID),
		zap.Error(err))
}

// track diffs the agent's active alerts against the previous evaluation and
// records the transitions.
func (p *Pipeline) track(st *AgentState) {
	_, alerts := EvaluateAgent(st, p.thresholds)

	var t *alertTracker
	for {
		v, _ := p.trackers.LoadOrStore(st.AgentID, &alertTracker{active: map[string]Alert{}})
		t = v.(*alertTracker)
		t.mu.Lock()
		// Forget deletes under t.mu; retry on a tracker it already dropped.
		if cur, ok := p.trackers.Load(st.AgentID); ok && cur == v {
			break
		}
		t.mu.Unlock()
	}
	switch {
	case st.Generation < t.gen:
		// Late ingest from an earlier lifetime of this agent.
		t.mu.Unlock()
		return
	case st.Generation > t.gen:
		// The agent was recreated; Seq restarted at 1.
		t.gen, t.seq = st.Generation, 0
		t.active = map[string]Alert{}
	}
	if st.Seq <= t.seq {
		// A newer ingest for this agent was already tracked.
		t.mu.Unlock()
		return
	}
	t.seq = st.Seq

	now := st.LastSeen.Unix()
	current := make(map[string]Alert, len(alerts))
	var events []AlertEvent
	for _, a := range alerts {
		current[a.Key()] = a
		if _, ok := t.active[a.Key()]; !ok {
			events = append(events, eventFrom(a, AlertRaised, a.Message, now))
		}
	}
	var gone []string
	for key := range t.active {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		a := t.active[key]
		events = append(events, eventFrom(a, AlertRecovered, a.Message+" - recovered", now))
	}
	t.active = current
	t.mu.Unlock()

	if len(events) == 0 {
		return
	}
	p.recentMu.Lock()
	p.recent = append(p.recent, events...)
	if over := len(p.recent) - p.recentMax; over > 0 {
		p.recent = append([]AlertEvent(nil), p.recent[over:]...)
	}
	p.recentMu.Unlock()

	for _, ev := range events {
		p.logger.Info("Alert "+ev.Kind,
			zap.String("agent_id", ev.AgentID),
			zap.String("metric", ev.Metric),
			zap.Stringer("severity", ev.Severity))
		if p.journal != nil {
			if err := p.journal.RecordAlert(ev); err != nil {
				p.logger.Warn("Failed to journal alert", zap.Error(err))
			}
		}
	}
}

func eventFrom(a Alert, kind, msg string, ts int64) AlertEvent {
	return AlertEvent{
		AgentID:   a.AgentID,
		Device:    a.Device,
		Metric:    a.Metric,
		Severity:  a.Severity,
		Kind:      kind,
		Message:   msg,
		Timestamp: ts,
	}
}

// DecodeSnapshot parses a JSON snapshot. The top level must be an object and
// every field must have the documented type.
func DecodeSnapshot(body []byte) (*models.Snapshot, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("snapshot", "not a JSON object")
	}
	var raw models.Snapshot
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, malformed(typeErr.Field, "expected "+typeErr.Type.String())
		}
		return nil, malformed("snapshot", err.Error())
	}
	return &raw, nil
}
