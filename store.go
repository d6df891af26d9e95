package evaltrack

import (
	"context"
	"errors"
	"fmt"

	"github.com/tied-inc/evaltrack/internal/ringbuf"
)

// Store keeps recent traces in memory, in a fixed-size ring buffer. It
// implements [Sink], so it can be installed directly into a registry for
// in-process tracing, and it's the default storage behind the trace store
// server.
//
// Submitting a trace whose ID is already stored shadows the older copy: reads
// only ever return the most recently submitted trace for each ID.
type Store struct {
	traces *ringbuf.RingBuffer[*Trace]
}

var _ Sink = (*Store)(nil)

// StoreConfig defines the configuration parameters for a store.
type StoreConfig struct {
	// Capacity is the maximum number of traces kept. Optional. By default,
	// or if it's less than 1, the capacity is 1000. The maximum is 100000.
	Capacity int
}

const (
	storeCapacityDef = 1000
	storeCapacityMax = 100000
)

// NewStore returns an empty store based on the provided config.
func NewStore(cfg StoreConfig) *Store {
	switch {
	case cfg.Capacity <= 0:
		cfg.Capacity = storeCapacityDef
	case cfg.Capacity > storeCapacityMax:
		cfg.Capacity = storeCapacityMax
	}

	return &Store{
		traces: ringbuf.New[*Trace](cfg.Capacity),
	}
}

// NewDefaultStore is a convenience function that calls NewStore with a zero
// value config.
func NewDefaultStore() *Store {
	return NewStore(StoreConfig{})
}

// Submit implements Sink. Invalid traces are rejected with ErrInvalidTrace.
func (s *Store) Submit(ctx context.Context, tr *Trace) error {
	if tr == nil {
		return fmt.Errorf("%w: nil trace", ErrInvalidTrace)
	}
	if err := tr.Validate(); err != nil {
		return err
	}

	s.traces.Add(tr)

	return nil
}

// FetchAll implements Sink, returning stored traces newest first.
func (s *Store) FetchAll(ctx context.Context) ([]*Trace, error) {
	var (
		seen   = map[string]bool{}
		traces = make([]*Trace, 0, s.traces.Len())
	)

	s.traces.Walk(func(tr *Trace) error {
		if seen[tr.ID] {
			return nil
		}
		seen[tr.ID] = true
		traces = append(traces, tr)
		return nil
	})

	return traces, nil
}

// Get returns the most recently submitted trace with the given ID, or an error
// wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Trace, error) {
	var found *Trace

	s.traces.Walk(func(tr *Trace) error {
		if tr.ID == id {
			found = tr
			return errStopWalk
		}
		return nil
	})

	if found == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	return found, nil
}

// Len returns the number of traces held, counting shadowed copies.
func (s *Store) Len() int {
	return s.traces.Len()
}

var errStopWalk = errors.New("stop walk")
