// Package memory provides an in-memory event store for tests and embedded use.
package memory

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventstore"
)

// Store is an in-memory eventstore.Store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	closed      bool
	byAggregate map[string][]*event.Event
	byEventID   map[string]struct{}
	order       []*event.Event
}

var _ eventstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byAggregate: make(map[string][]*event.Event),
		byEventID:   make(map[string]struct{}),
	}
}

// Append stores a sanitized copy of e in aggregate order.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return eventstore.ErrStoreClosed
	}
	if _, dup := s.byEventID[e.Metadata.EventID]; dup {
		return eventstore.ErrDuplicateEvent
	}

	stored := eventstore.Sanitize(e)
	s.byEventID[stored.Metadata.EventID] = struct{}{}
	s.byAggregate[stored.AggregateID] = append(s.byAggregate[stored.AggregateID], stored)
	s.order = append(s.order, stored)
	return nil
}

// Events returns a copy of the aggregate's history, oldest first.
func (s *Store) Events(ctx context.Context, aggregateID string) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, eventstore.ErrStoreClosed
	}

	history := s.byAggregate[aggregateID]
	out := make([]*event.Event, len(history))
	for i, e := range history {
		out[i] = e.Clone()
	}
	return out, nil
}

// EventsByCorrelationID returns all events sharing correlationID.
func (s *Store) EventsByCorrelationID(ctx context.Context, correlationID string) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, eventstore.ErrStoreClosed
	}

	var out []*event.Event
	for _, e := range s.order {
		if e.Metadata.CorrelationID == correlationID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Len returns the total number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
