// Package eventstore defines the append-only event store contract.
// The store is the single source of truth: events for one aggregate are kept
// in the order they were appended and re-readable unboundedly.
package eventstore

import (
	"context"
	"errors"

	"github.com/c0deZ3R0/go-eventcore/event"
)

// Common store errors.
var (
	ErrStoreClosed    = errors.New("event store is closed")
	ErrDuplicateEvent = errors.New("event id already stored")
)

// Store persists events durably. Append fails only on durability failure,
// never on business logic. Writes to different aggregates never block each
// other; callers serialize writes to the same aggregate (see cqrs.Repository).
type Store interface {
	// Append durably stores an event. The stored record is immutable;
	// in-flight retry bookkeeping is stripped before persisting.
	Append(ctx context.Context, e *event.Event) error

	// Events returns the full history for an aggregate, oldest first.
	// The result is a copy: callers may re-read and replay freely.
	Events(ctx context.Context, aggregateID string) ([]*event.Event, error)

	// EventsByCorrelationID returns all events sharing a correlation ID,
	// across aggregates, in no guaranteed order.
	EventsByCorrelationID(ctx context.Context, correlationID string) ([]*event.Event, error)

	// Close releases store resources.
	Close() error
}

// Sanitize returns a copy of e with in-flight delivery bookkeeping cleared.
// Store implementations persist the sanitized form so that retry state never
// becomes part of the durable record.
func Sanitize(e *event.Event) *event.Event {
	cp := e.Clone()
	cp.Metadata.RetryCount = 0
	return cp
}
