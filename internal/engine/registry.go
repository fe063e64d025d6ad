package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

// DefaultCapacity is 2 minutes of history at a 5 second cadence.
const DefaultCapacity = 24

// Registry maps agent ids to their current AgentState.
//
// Each agent has its own entry with a writer mutex and an atomically swapped
// state pointer. The map lock only guards lookup, insert and delete, so a slow
// ingest for one agent never blocks readers or writers of another.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int

	generation atomic.Uint64
}

type entry struct {
	mu      sync.Mutex // serialises writers for this agent
	removed bool       // set under mu once the entry left the map
	state   atomic.Pointer[AgentState]
}

// NewRegistry creates an empty registry whose agents keep capacity samples per channel.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Registry{entries: make(map[string]*entry), capacity: capacity}
}

// Capacity returns the per-channel retention.
func (r *Registry) Capacity() int { return r.capacity }

// Upsert applies raw to the state for agentID, creating it on first sight.
// A new agent is inserted only after its first snapshot applied cleanly, so
// readers never observe an empty state. On error the previous state is kept.
func (r *Registry) Upsert(agentID string, raw *models.Snapshot, now time.Time) (*AgentState, error) {
	for {
		e := r.lookup(agentID)
		if e == nil {
			first, err := NewAgentState(agentID, r.capacity).Apply(raw, now)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			if _, exists := r.entries[agentID]; exists {
				// Lost a creation race; apply on top of the winner instead.
				r.mu.Unlock()
				continue
			}
			first.Generation = r.generation.Add(1)
			ne := &entry{}
			ne.state.Store(first)
			r.entries[agentID] = ne
			r.mu.Unlock()
			return first, nil
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		next, err := e.state.Load().Apply(raw, now)
		if err == nil {
			e.state.Store(next)
		}
		e.mu.Unlock()
		return next, err
	}
}

// Get returns the current state of agentID or ErrNotFound.
func (r *Registry) Get(agentID string) (*AgentState, error) {
	e := r.lookup(agentID)
	if e == nil {
		return nil, ErrNotFound
	}
	return e.state.Load(), nil
}

// List returns the current state of every agent, in no particular order.
func (r *Registry) List() []*AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state.Load())
	}
	return out
}

// Len returns the number of agents held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SweepStale removes every agent whose last ingest is more than threshold
// before now. Agents exactly at the threshold are kept. It returns the
// evicted ids sorted.
func (r *Registry) SweepStale(now time.Time, threshold time.Duration) []string {
	stale := func(st *AgentState) bool { return now.Sub(st.LastSeen) > threshold }

	r.mu.RLock()
	candidates := make(map[string]*entry)
	for id, e := range r.entries {
		if stale(e.state.Load()) {
			candidates[id] = e
		}
	}
	r.mu.RUnlock()

	var evicted []string
	for id, e := range candidates {
		e.mu.Lock()
		// Re-check: an ingest may have landed since the scan.
		if !e.removed && stale(e.state.Load()) {
			e.removed = true
			r.mu.Lock()
			if r.entries[id] == e {
				delete(r.entries, id)
			}
			r.mu.Unlock()
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(evicted)
	return evicted
}

// Reset drops every agent.
func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	// Entry locks are always taken before the map lock, never under it.
	for _, e := range old {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
}

func (r *Registry) lookup(agentID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[agentID]
}
