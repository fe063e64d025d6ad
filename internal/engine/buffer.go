// Package engine is the in-memory time-series core behind the dashboard API:
// per-agent rolling sample buffers, the agent registry, the ingest pipeline,
// health evaluation and the read-only query facade.
package engine

import (
	"math"
	"time"
)

// Sample is one timestamped value. Timestamp is seconds since epoch.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// SampleBuffer is a fixed-capacity FIFO ring of samples kept in insertion
// order. It is not safe for concurrent mutation; AgentState only mutates
// buffers it has just cloned and never touches them after publication.
type SampleBuffer struct {
	ring []Sample
	head int // index of the oldest sample
	size int
}

// NewSampleBuffer returns an empty buffer. Capacities below 1 become 1.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleBuffer{ring: make([]Sample, capacity)}
}

// Cap returns the buffer capacity.
func (b *SampleBuffer) Cap() int { return len(b.ring) }

// Len returns the number of samples held.
func (b *SampleBuffer) Len() int { return b.size }

// Append inserts s, evicting the oldest sample when full.
// Non-finite values are rejected with ErrInvalidSample and leave the buffer as is.
func (b *SampleBuffer) Append(s Sample) error {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return ErrInvalidSample
	}
	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = s
		b.size++
		return nil
	}
	b.ring[b.head] = s
	b.head = (b.head + 1) % len(b.ring)
	return nil
}

// Snapshot returns a copy of the samples, oldest first.
func (b *SampleBuffer) Snapshot() []Sample {
	out := make([]Sample, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.at(i)
	}
	return out
}

// Latest returns the most recent sample.
func (b *SampleBuffer) Latest() (Sample, bool) {
	if b.size == 0 {
		return Sample{}, false
	}
	return b.at(b.size - 1), true
}

// Window returns the newest run of samples whose timestamp is at or after
// now-d, oldest first. The scan stops at the first older sample.
func (b *SampleBuffer) Window(d time.Duration, now time.Time) []Sample {
	if b.size == 0 || d < 0 {
		return []Sample{}
	}
	cutoff := now.Add(-d).Unix()
	start := b.size
	for start > 0 && b.at(start-1).Timestamp >= cutoff {
		start--
	}
	out := make([]Sample, b.size-start)
	for i := start; i < b.size; i++ {
		out[i-start] = b.at(i)
	}
	return out
}

// Clone returns an independent copy with the same capacity and contents.
func (b *SampleBuffer) Clone() *SampleBuffer {
	cp := &SampleBuffer{ring: make([]Sample, len(b.ring)), head: b.head, size: b.size}
	copy(cp.ring, b.ring)
	return cp
}

func (b *SampleBuffer) at(i int) Sample {
	return b.ring[(b.head+i)%len(b.ring)]
}
