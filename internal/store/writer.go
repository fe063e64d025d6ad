package store

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vesaa/talonpulse/internal/engine"
)

// DefaultQueueSize is the pending write capacity of a Writer.
const DefaultQueueSize = 1024

// ErrQueueFull is returned when a write is dropped because the queue is full.
var ErrQueueFull = errors.New("store write queue full")

// Sink is the storage a Writer drains into; *Store satisfies it.
type Sink interface {
	RecordAlert(ev engine.AlertEvent) error
	Touch(agentID string) error
}

// Writer moves journal and last-seen writes off the ingest path. Callers
// enqueue without blocking; one goroutine started with Run applies the
// writes in order.
type Writer struct {
	sink    Sink
	queue   chan write
	logger  *zap.Logger
	dropped atomic.Uint64
}

type write struct {
	alert *engine.AlertEvent
	touch string
}

// NewWriter returns a Writer in front of sink holding up to size pending writes.
func NewWriter(sink Sink, size int, logger *zap.Logger) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{sink: sink, queue: make(chan write, size), logger: logger}
}

// RecordAlert queues ev for the journal.
func (w *Writer) RecordAlert(ev engine.AlertEvent) error {
	return w.enqueue(write{alert: &ev})
}

// Touch queues a last-seen update for agentID.
func (w *Writer) Touch(agentID string) error {
	return w.enqueue(write{touch: agentID})
}

// Dropped returns how many writes were discarded on overflow.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

func (w *Writer) enqueue(wr write) error {
	select {
	case w.queue <- wr:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run applies queued writes until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case wr := <-w.queue:
			w.apply(wr)
		}
	}
}

func (w *Writer) flush() {
	for {
		select {
		case wr := <-w.queue:
			w.apply(wr)
		default:
			return
		}
	}
}

func (w *Writer) apply(wr write) {
	if wr.alert != nil {
		if err := w.sink.RecordAlert(*wr.alert); err != nil {
			w.logger.Warn("Failed to journal alert",
				zap.String("agent_id", wr.alert.AgentID),
				zap.String("metric", wr.alert.Metric),
				zap.Error(err))
		}
		return
	}
	if err := w.sink.Touch(wr.touch); err != nil {
		w.logger.Warn("Failed to touch device", zap.String("agent_id", wr.touch), zap.Error(err))
	}
}

var (
	_ engine.Journal = (*Writer)(nil)
	_ Sink           = (*Store)(nil)
)
