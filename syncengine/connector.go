package syncengine

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
)

const engineComponent = coreErrors.Component("sync_engine")

// Connector adapts one external system to the engine. Implementations
// must tolerate the same change being applied more than once; the
// engine replays from its checkpoint after failures.
type Connector interface {
	// Name identifies the system, matching SyncConfiguration source and
	// target system names.
	Name() string

	// GetChanges returns up to limit changes with a timestamp at or
	// after since, oldest first. The boundary is inclusive because
	// several changes may share a timestamp; the engine filters the
	// ones it has already handled.
	GetChanges(ctx context.Context, since time.Time, entityTypes []string, limit int) ([]*DataChange, error)

	// ApplyChange writes one change into the system.
	ApplyChange(ctx context.Context, change *DataChange) error

	// GetEntity returns the system's current state of an entity, or nil
	// when the entity does not exist.
	GetEntity(ctx context.Context, entityType, entityID string) (*DataChange, error)

	// HealthCheck reports whether the system is reachable.
	HealthCheck(ctx context.Context) error
}

// breakerConnector wraps a connector in a circuit breaker so a dead
// system fails fast instead of eating the loop's whole tick.
type breakerConnector struct {
	inner Connector
	cb    *gobreaker.CircuitBreaker
}

func newBreakerConnector(inner Connector) *breakerConnector {
	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &breakerConnector{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerConnector) Name() string { return b.inner.Name() }

func (b *breakerConnector) GetChanges(ctx context.Context, since time.Time, entityTypes []string, limit int) ([]*DataChange, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetChanges(ctx, since, entityTypes, limit)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return out.([]*DataChange), nil
}

func (b *breakerConnector) ApplyChange(ctx context.Context, change *DataChange) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.ApplyChange(ctx, change)
	})
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *breakerConnector) GetEntity(ctx context.Context, entityType, entityID string) (*DataChange, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetEntity(ctx, entityType, entityID)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*DataChange), nil
}

func (b *breakerConnector) HealthCheck(ctx context.Context) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.HealthCheck(ctx)
	})
	if err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *breakerConnector) wrap(err error) error {
	return coreErrors.E(coreErrors.OpSync, engineComponent,
		coreErrors.ErrCodeConnectorFailure, coreErrors.Retryable(true), err)
}

var _ Connector = (*breakerConnector)(nil)
