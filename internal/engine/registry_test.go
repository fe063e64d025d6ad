package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestRegistry_UpsertAndGet(t *testing.T) {
	r := NewRegistry(4)
	now := time.Unix(1000, 0)

	if _, err := r.Get("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := r.Upsert("a1", snap("a1", 10, 20), now); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := r.Upsert("a1", snap("a1", 30, 40), now.Add(5*time.Second)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	st, err := r.Get("a1")
	if err != nil {
		t.Fatal(err)
	}
	if *st.Latest().CPU.TotalPercent != 30 || st.Seq != 2 {
		t.Errorf("latest cpu = %v seq = %d, want 30 and 2", *st.Latest().CPU.TotalPercent, st.Seq)
	}
	samples, _ := st.ChannelSnapshot(ChannelCPUTotal)
	if got := Values(samples); !reflect.DeepEqual(got, []float64{10, 30}) {
		t.Errorf("cpu history = %v, want [10 30]", got)
	}
}

func TestRegistry_FirstBadSnapshotCreatesNothing(t *testing.T) {
	r := NewRegistry(4)
	raw := snap("a1", 10, 20)
	raw.Memory = nil
	if _, err := r.Upsert("a1", raw, time.Unix(1, 0)); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("error = %v, want ErrMalformedSnapshot", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_SweepStaleBoundary(t *testing.T) {
	r := NewRegistry(4)
	base := time.Unix(1000, 0)
	_, _ = r.Upsert("at-threshold", snap("at-threshold", 1, 1), base)
	_, _ = r.Upsert("stale", snap("stale", 1, 1), base.Add(-time.Second))
	_, _ = r.Upsert("fresh", snap("fresh", 1, 1), base.Add(20*time.Second))

	evicted := r.SweepStale(base.Add(30*time.Second), 30*time.Second)
	if want := []string{"stale"}; !reflect.DeepEqual(evicted, want) {
		t.Errorf("evicted = %v, want %v", evicted, want)
	}
	if _, err := r.Get("at-threshold"); err != nil {
		t.Errorf("agent exactly at the threshold was evicted")
	}
	if _, err := r.Get("stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale agent still present")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_ReingestAfterEviction(t *testing.T) {
	r := NewRegistry(4)
	_, _ = r.Upsert("a1", snap("a1", 1, 1), time.Unix(0, 0))
	r.SweepStale(time.Unix(100, 0), time.Second)

	st, err := r.Upsert("a1", snap("a1", 2, 2), time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if st.Seq != 1 {
		t.Errorf("Seq = %d, want a fresh state", st.Seq)
	}
	if samples, _ := st.ChannelSnapshot(ChannelCPUTotal); len(samples) != 1 {
		t.Errorf("history carried over eviction: %v", samples)
	}
}

func TestRegistry_ConcurrentUpserts(t *testing.T) {
	const agents, perAgent = 8, 50
	r := NewRegistry(perAgent)
	now := time.Unix(1000, 0)

	var wg sync.WaitGroup
	for a := 0; a < agents; a++ {
		id := fmt.Sprintf("agent-%d", a)
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perAgent/2; i++ {
					if _, err := r.Upsert(id, snap(id, 1, 1), now); err != nil {
						t.Error(err)
						return
					}
					_ = r.List()
				}
			}()
		}
	}
	wg.Wait()

	if r.Len() != agents {
		t.Fatalf("Len() = %d, want %d", r.Len(), agents)
	}
	for _, st := range r.List() {
		if st.Seq != perAgent {
			t.Errorf("%s: Seq = %d, want %d (lost update)", st.AgentID, st.Seq, perAgent)
		}
		samples, _ := st.ChannelSnapshot(ChannelCPUTotal)
		if len(samples) != perAgent {
			t.Errorf("%s: %d samples, want %d", st.AgentID, len(samples), perAgent)
		}
	}
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(2)
	_, _ = r.Upsert("a1", snap("a1", 1, 1), time.Unix(1, 0))
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Reset", r.Len())
	}
	if _, err := r.Upsert("a1", snap("a1", 1, 1), time.Unix(2, 0)); err != nil {
		t.Errorf("Upsert after Reset error = %v", err)
	}
}

func TestRegistry_GenerationChangesOnRecreate(t *testing.T) {
	r := NewRegistry(4)
	now := time.Unix(1_700_000_000, 0)
	first, err := r.Upsert("a1", snap("a1", 1, 1), now)
	if err != nil {
		t.Fatal(err)
	}
	next, _ := r.Upsert("a1", snap("a1", 2, 2), now.Add(time.Second))
	if next.Generation != first.Generation || first.Generation == 0 {
		t.Errorf("generation = %d then %d, want stable and non-zero", first.Generation, next.Generation)
	}

	r.Reset()
	again, _ := r.Upsert("a1", snap("a1", 3, 3), now.Add(2*time.Second))
	if again.Generation <= first.Generation || again.Seq != 1 {
		t.Errorf("after reset: generation %d seq %d", again.Generation, again.Seq)
	}
}
