package cqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventbus"
	"github.com/c0deZ3R0/go-eventcore/eventstore"
)

// ErrNotFound is returned by GetByID when the aggregate has no history.
var ErrNotFound = errors.New("aggregate not found")

// RepositoryConfig wires a repository to its store, bus and aggregate
// factory.
type RepositoryConfig[T Aggregate] struct {
	Store eventstore.Store
	Bus   *eventbus.Bus

	// NewAggregate returns a fresh zero-version aggregate for the id.
	NewAggregate func(id string) T

	// EnableCache keeps each aggregate's event history in memory so
	// repeated loads skip the store. Entries are invalidated on save.
	EnableCache bool

	// SchedulerBuffer is the per-aggregate task queue size.
	SchedulerBuffer int
}

// Repository loads aggregates by replaying their history and saves them
// by publishing uncommitted events through the bus. All operations on
// one aggregate id are serialized by a keyed scheduler, so concurrent
// load-mutate-save cycles never interleave on the same stream.
type Repository[T Aggregate] struct {
	store eventstore.Store
	bus   *eventbus.Bus
	fresh func(id string) T
	sched *streamScheduler

	// cache holds event history, never aggregate instances: every load
	// replays into a fresh aggregate, so callers can mutate freely and a
	// failed save leaves nothing dirty behind.
	cacheMu sync.RWMutex
	cache   map[string][]*event.Event
}

func NewRepository[T Aggregate](cfg RepositoryConfig[T]) (*Repository[T], error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.NewAggregate == nil {
		return nil, coreErrors.E(coreErrors.OpLoad, cqrsComponent, coreErrors.KindValidation,
			fmt.Errorf("store, bus and aggregate factory are required"))
	}
	r := &Repository[T]{
		store: cfg.Store,
		bus:   cfg.Bus,
		fresh: cfg.NewAggregate,
		sched: newStreamScheduler(cfg.SchedulerBuffer),
	}
	if cfg.EnableCache {
		r.cache = make(map[string][]*event.Event)
	}
	return r, nil
}

// GetByID replays the aggregate's stored history into a fresh instance.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, error) {
	var agg T
	err := r.sched.do(ctx, id, func() error {
		loaded, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		agg = loaded
		return nil
	})
	return agg, err
}

func (r *Repository[T]) load(ctx context.Context, id string) (T, error) {
	var zero T

	if r.cache != nil {
		r.cacheMu.RLock()
		cached, ok := r.cache[id]
		r.cacheMu.RUnlock()
		if ok {
			return r.replay(id, cached)
		}
	}

	history, err := r.store.Events(ctx, id)
	if err != nil {
		return zero, coreErrors.E(coreErrors.OpLoad, cqrsComponent, err)
	}
	if len(history) == 0 {
		return zero, coreErrors.E(coreErrors.OpLoad, cqrsComponent, coreErrors.KindNotFound, ErrNotFound)
	}

	agg, err := r.replay(id, history)
	if err != nil {
		return zero, err
	}
	if r.cache != nil {
		r.cacheMu.Lock()
		r.cache[id] = cloneHistory(history)
		r.cacheMu.Unlock()
	}
	return agg, nil
}

// replay builds a fresh aggregate from history. The events are cloned
// first so apply methods holding on to payloads cannot reach shared
// state.
func (r *Repository[T]) replay(id string, history []*event.Event) (T, error) {
	var zero T
	agg := r.fresh(id)
	if err := LoadFromHistory(agg, cloneHistory(history)); err != nil {
		return zero, err
	}
	return agg, nil
}

func cloneHistory(history []*event.Event) []*event.Event {
	out := make([]*event.Event, len(history))
	for i, e := range history {
		out[i] = e.Clone()
	}
	return out
}

// Save publishes every uncommitted event through the bus, which appends
// each to the store before dispatch, then clears the buffer. On failure
// the buffer is left intact so the save can be retried; events that
// already made it to the store are skipped on retry.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	return r.save(ctx, agg, -1)
}

// SaveExpected is Save with an optimistic concurrency check: the
// aggregate's stored version must still equal expectedVersion or the
// save fails with a conflict and nothing is written.
func (r *Repository[T]) SaveExpected(ctx context.Context, agg T, expectedVersion int) error {
	if expectedVersion < 0 {
		return coreErrors.E(coreErrors.OpSave, cqrsComponent, coreErrors.KindValidation,
			fmt.Errorf("expected version must not be negative"))
	}
	return r.save(ctx, agg, expectedVersion)
}

func (r *Repository[T]) save(ctx context.Context, agg T, expectedVersion int) error {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}

	err := r.sched.do(ctx, agg.AggregateID(), func() error {
		if expectedVersion >= 0 {
			stored, err := r.store.Events(ctx, agg.AggregateID())
			if err != nil {
				return coreErrors.E(coreErrors.OpSave, cqrsComponent, err)
			}
			if len(stored) != expectedVersion {
				return coreErrors.E(coreErrors.OpSave, cqrsComponent,
					coreErrors.KindConflict, coreErrors.ErrCodeVersionMismatch,
					fmt.Errorf("aggregate %s is at version %d, expected %d",
						agg.AggregateID(), len(stored), expectedVersion))
			}
		}
		for _, e := range pending {
			if err := r.bus.Publish(ctx, e); err != nil {
				if errors.Is(err, eventstore.ErrDuplicateEvent) {
					// Already durable from an earlier attempt.
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	agg.ClearUncommitted()
	// Drop any cached history so the next load replays exactly what the
	// store recorded, including events from a partially retried save.
	r.InvalidateCache(agg.AggregateID())
	return nil
}

// Publish re-emits an already stored event, used by process managers.
func (r *Repository[T]) Publish(ctx context.Context, e *event.Event) error {
	return r.bus.Publish(ctx, e)
}

// InvalidateCache drops a cached aggregate, forcing the next GetByID to
// replay from the store.
func (r *Repository[T]) InvalidateCache(id string) {
	if r.cache == nil {
		return
	}
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}

// Close stops the per-aggregate scheduler after draining queued work.
func (r *Repository[T]) Close() {
	r.sched.close()
}
