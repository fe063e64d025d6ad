package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultStaleAfter is three missed cycles at a 5 second cadence, plus slack.
const DefaultStaleAfter = 30 * time.Second

// Sweeper periodically evicts stale agents from a Registry.
type Sweeper struct {
	Registry  *Registry
	Interval  time.Duration
	Threshold time.Duration
	// OnEvict runs once per evicted agent id, after removal.
	OnEvict func(agentID string)
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep and returns the evicted ids.
func (s *Sweeper) SweepOnce() []string {
	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}

	evicted := s.Registry.SweepStale(now, threshold)
	for _, id := range evicted {
		if s.Logger != nil {
			s.Logger.Info("Evicted stale agent",
				zap.String("agent_id", id),
				zap.Duration("threshold", threshold))
		}
		if s.OnEvict != nil {
			s.OnEvict(id)
		}
	}
	return evicted
}
