package cqrs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-eventcore/cqrs"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventbus"
	"github.com/c0deZ3R0/go-eventcore/eventstore/memory"
	"github.com/c0deZ3R0/go-eventcore/logging"
)

// End-to-end path: a command goes through the mediator, the aggregate
// raises customer_created, the repository persists and publishes it,
// and a flaky projection handler is retried until it sticks.
func TestEndToEnd_CommandToFlakyProjection(t *testing.T) {
	ctx := context.Background()
	base := 25 * time.Millisecond

	store := memory.New()
	bus, err := eventbus.NewBus(eventbus.Config{
		Store:             store,
		Logger:            logging.Discard(),
		BaseRetryDelay:    base,
		RetryPollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	repo, err := cqrs.NewRepository(cqrs.RepositoryConfig[*customer]{
		Store:        store,
		Bus:          bus,
		NewAggregate: newCustomer,
	})
	require.NoError(t, err)

	mediator := cqrs.NewMediator(logging.Discard())
	mediator.RegisterCommandHandler(&createCustomerHandler{repo: repo})

	t.Cleanup(func() {
		repo.Close()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bus.Close(cctx)
		store.Close()
	})

	// Projection that fails its first two deliveries.
	var mu sync.Mutex
	var invokedAt []time.Time
	done := make(chan struct{})
	_, err = bus.Subscribe("customer_created", func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		invokedAt = append(invokedAt, time.Now())
		n := len(invokedAt)
		mu.Unlock()
		if n < 3 {
			return errors.New("projection store unavailable")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	resp := mediator.SendCommand(ctx, cqrs.Command{
		CommandID:   "cmd-1",
		CommandType: "create_customer",
		AggregateID: "cust-1",
		TenantID:    "tenant-a",
		Payload:     map[string]any{"name": "John", "email": "john@example.com"},
	})
	require.Equal(t, cqrs.ResultSuccess, resp.Result, "%v", resp.Error)
	assert.Equal(t, 1, resp.Version)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("projection never succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, invokedAt, 3)
	// Two backoff rounds: the first retry waits the base delay, the
	// second waits twice that.
	elapsed := invokedAt[2].Sub(start)
	assert.GreaterOrEqual(t, elapsed, base+2*base)
	assert.GreaterOrEqual(t, invokedAt[2].Sub(invokedAt[1]), 2*base-5*time.Millisecond)

	// The write model is unaffected by projection retries.
	loaded, err := repo.GetByID(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "John", loaded.Name)
	assert.Equal(t, 1, loaded.Version())

	m := bus.Metrics()
	assert.Equal(t, int64(2), m.Retried)
	assert.Equal(t, int64(0), m.DeadLettered)
}
