// Package cqrs provides event-sourced aggregates, a repository that
// persists them through the event store and bus, and a mediator that
// routes commands and queries to their handlers.
package cqrs

import (
	"fmt"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
)

const cqrsComponent = coreErrors.Component("cqrs")

// Aggregate is the contract for event-sourced domain objects. Domain
// types embed AggregateRoot for the bookkeeping half and implement
// Apply for their own state transitions.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	TenantID() string

	// Version is the number of events applied so far.
	Version() int

	// Apply updates domain state from a single event. It must not touch
	// the version or the uncommitted buffer.
	Apply(e *event.Event) error

	UncommittedEvents() []*event.Event
	ClearUncommitted()

	applied(e *event.Event)
	buffer(e *event.Event)
	reset(id string)
}

// AggregateRoot is the embeddable base tracking identity, version and
// the uncommitted event buffer.
type AggregateRoot struct {
	id       string
	aggType  string
	tenantID string

	version     int
	uncommitted []*event.Event
}

// NewAggregateRoot initializes the base for a fresh aggregate at
// version zero.
func NewAggregateRoot(aggregateType, id, tenantID string) AggregateRoot {
	return AggregateRoot{aggType: aggregateType, id: id, tenantID: tenantID}
}

func (r *AggregateRoot) AggregateID() string   { return r.id }
func (r *AggregateRoot) AggregateType() string { return r.aggType }
func (r *AggregateRoot) TenantID() string      { return r.tenantID }
func (r *AggregateRoot) Version() int          { return r.version }

// UncommittedEvents returns a copy of the events raised since the last
// save.
func (r *AggregateRoot) UncommittedEvents() []*event.Event {
	out := make([]*event.Event, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

// ClearUncommitted drops the buffer after a successful save.
func (r *AggregateRoot) ClearUncommitted() { r.uncommitted = nil }

func (r *AggregateRoot) applied(e *event.Event) {
	r.version++
	e.Metadata.Version = r.version
}

func (r *AggregateRoot) buffer(e *event.Event) {
	r.uncommitted = append(r.uncommitted, e)
}

func (r *AggregateRoot) reset(id string) {
	r.id = id
	r.version = 0
	r.uncommitted = nil
}

// Raise builds an event scoped to the aggregate, applies it immediately
// and buffers it as uncommitted. The in-memory state after Raise equals
// the state a replay of the full history would produce.
func Raise(a Aggregate, eventName string, payload map[string]any, opts ...event.Option) error {
	opts = append([]event.Option{
		event.WithAggregate(a.AggregateType(), a.AggregateID()),
	}, opts...)
	e := event.New(event.TypeBusiness, eventName, a.TenantID(), payload, opts...)

	if err := a.Apply(e); err != nil {
		return coreErrors.E(coreErrors.OpCommand, cqrsComponent, coreErrors.KindBusiness, err)
	}
	a.applied(e)
	a.buffer(e)
	return nil
}

// RaiseFrom is Raise with correlation and causation inherited from a
// parent event, for events raised while reacting to another event.
func RaiseFrom(a Aggregate, parent *event.Event, eventName string, payload map[string]any, opts ...event.Option) error {
	opts = append(opts,
		event.WithCorrelationID(parent.Metadata.CorrelationID),
		event.WithCausationID(parent.Metadata.EventID),
	)
	return Raise(a, eventName, payload, opts...)
}

// LoadFromHistory resets the aggregate and replays the given events in
// order. The version afterwards equals the number of events applied.
func LoadFromHistory(a Aggregate, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	a.reset(events[0].AggregateID)
	for _, e := range events {
		if err := a.Apply(e); err != nil {
			return coreErrors.E(coreErrors.OpLoad, cqrsComponent, coreErrors.KindSystem,
				fmt.Errorf("replaying %s at version %d: %w", e.EventName, a.Version()+1, err))
		}
		a.applied(e)
	}
	return nil
}
