package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventstore/memory"
	"github.com/c0deZ3R0/go-eventcore/logging"
)

func newTestBus(t *testing.T, mutate ...func(*Config)) (*Bus, *memory.Store) {
	t.Helper()
	store := memory.New()
	cfg := Config{
		Store:             store,
		Logger:            logging.Discard(),
		Workers:           2,
		BaseRetryDelay:    20 * time.Millisecond,
		MaxRetryDelay:     time.Second,
		RetryPollInterval: 5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	bus, err := NewBus(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bus.Close(ctx)
		store.Close()
	})
	return bus, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestPublish_StoresBeforeDelivery(t *testing.T) {
	bus, store := newTestBus(t)
	ctx := context.Background()

	e := event.New(event.TypeBusiness, "customer_created", "tenant-a",
		map[string]any{"name": "John"},
		event.WithAggregate("customer", "cust-1"))
	require.NoError(t, bus.Publish(ctx, e))

	stored, err := store.Events(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "customer_created", stored[0].EventName)
	assert.Equal(t, int64(1), bus.Metrics().Published)
}

func TestDelivery_GlobPatternMatching(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var customer, order atomic.Int64
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "customer-projector",
		Pattern:     "customer_*",
		Fn: func(ctx context.Context, e *event.Event) error {
			customer.Add(1)
			return nil
		},
	}))
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "order-projector",
		Pattern:     "order_*",
		Fn: func(ctx context.Context, e *event.Event) error {
			order.Add(1)
			return nil
		},
	}))

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_created", "t", nil)))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_updated", "t", nil)))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "order_placed", "t", nil)))

	waitFor(t, time.Second, func() bool { return customer.Load() == 2 && order.Load() == 1 })
}

func TestDelivery_TenantAndTagFilters(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var tenantA, tagged atomic.Int64
	_, err := bus.Subscribe("*", func(ctx context.Context, e *event.Event) error {
		tenantA.Add(1)
		return nil
	}, WithTenant("tenant-a"))
	require.NoError(t, err)
	_, err = bus.Subscribe("*", func(ctx context.Context, e *event.Event) error {
		tagged.Add(1)
		return nil
	}, WithTagFilter("billing"))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "invoice_issued", "tenant-a", nil,
		event.WithTags("billing"))))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "invoice_issued", "tenant-b", nil)))

	waitFor(t, time.Second, func() bool { return tenantA.Load() == 1 && tagged.Load() == 1 })
	// Give the tenant-b event time to have been (wrongly) delivered.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), tenantA.Load())
	assert.Equal(t, int64(1), tagged.Load())
}

func TestDelivery_PayloadFilter(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var got atomic.Int64
	_, err := bus.Subscribe("payment_*", func(ctx context.Context, e *event.Event) error {
		got.Add(1)
		return nil
	}, WithPayloadFilter(func(p map[string]any) bool {
		amount, _ := p["amount"].(float64)
		return amount >= 100
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "payment_received", "t",
		map[string]any{"amount": float64(250)})))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "payment_received", "t",
		map[string]any{"amount": float64(5)})))

	waitFor(t, time.Second, func() bool { return got.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), got.Load())
}

func TestRetry_FailTwiceThenSucceed(t *testing.T) {
	base := 20 * time.Millisecond
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	var mu sync.Mutex
	var times []time.Time
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "flaky",
		Pattern:     "customer_created",
		Fn: func(ctx context.Context, e *event.Event) error {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			if calls.Add(1) <= 2 {
				return errors.New("transient failure")
			}
			return nil
		},
	}))

	start := time.Now()
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_created", "t", nil)))

	waitFor(t, 3*time.Second, func() bool { return calls.Load() == 3 })
	elapsed := time.Since(start)

	// First retry after base, second after 2x base.
	assert.GreaterOrEqual(t, elapsed, base+2*base)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 2*base-5*time.Millisecond)

	m := bus.Metrics()
	assert.Equal(t, int64(2), m.Retried)
	assert.Equal(t, int64(0), m.DeadLettered)
}

func TestRetry_DeadLetterExactlyOnce(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "always-fails",
		Pattern:     "customer_created",
		Fn: func(ctx context.Context, e *event.Event) error {
			calls.Add(1)
			return errors.New("permanent failure")
		},
	}))

	e := event.New(event.TypeBusiness, "customer_created", "t", nil, event.WithMaxRetries(2))
	require.NoError(t, bus.Publish(ctx, e))

	waitFor(t, 3*time.Second, func() bool { return bus.Metrics().DeadLettered == 1 })
	// Initial attempt plus two retries.
	assert.Equal(t, int64(3), calls.Load())

	dead, err := bus.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, e.Metadata.EventID, dead[0].Event.Metadata.EventID)
	assert.Equal(t, "always-fails", dead[0].HandlerName)
	assert.Equal(t, "permanent failure", dead[0].Reason)
	assert.Equal(t, 3, dead[0].Attempts)

	// No further invocations once dead-lettered.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(1), bus.Metrics().DeadLettered)
}

func TestHandlerTimeout_RetriesThenDeadLetters(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	// The handler never returns on its own; only the per-handler
	// deadline gets it off the worker.
	var calls atomic.Int64
	_, err := bus.Subscribe("report_*", func(ctx context.Context, e *event.Event) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}, WithHandlerTimeout(15*time.Millisecond))
	require.NoError(t, err)

	e := event.New(event.TypeBusiness, "report_requested", "t", nil, event.WithMaxRetries(1))
	require.NoError(t, bus.Publish(ctx, e))

	waitFor(t, 3*time.Second, func() bool { return bus.Metrics().DeadLettered == 1 })

	// Initial attempt timed out, was retried once, then dead-lettered.
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), bus.Metrics().Retried)

	dead, err := bus.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, e.Metadata.EventID, dead[0].Event.Metadata.EventID)
	assert.Contains(t, dead[0].Reason, context.DeadlineExceeded.Error())
}

func TestRetry_OnlyFailedHandlerRetried(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var good, bad atomic.Int64
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "good",
		Pattern:     "customer_*",
		Fn: func(ctx context.Context, e *event.Event) error {
			good.Add(1)
			return nil
		},
	}))
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "bad",
		Pattern:     "customer_*",
		Fn: func(ctx context.Context, e *event.Event) error {
			if bad.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_created", "t", nil)))

	waitFor(t, 2*time.Second, func() bool { return bad.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), good.Load())
}

func TestTTL_ExpiredEventNeverDelivered(t *testing.T) {
	bus, store := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	_, err := bus.Subscribe("*", func(ctx context.Context, e *event.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	e := event.New(event.TypeBusiness, "stale_event", "t", nil,
		event.WithAggregate("thing", "thing-1"),
		event.WithCreatedAt(time.Now().Add(-time.Hour)),
		event.WithTTL(time.Minute))
	require.NoError(t, bus.Publish(ctx, e))

	waitFor(t, time.Second, func() bool { return bus.Metrics().Expired == 1 })
	assert.Equal(t, int64(0), calls.Load())

	// The event is still durable history even though it was never delivered.
	stored, err := store.Events(ctx, "thing-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestReplay_DeliversInOrderWithoutMutatingHistory(t *testing.T) {
	bus, store := newTestBus(t)
	ctx := context.Background()

	for _, name := range []string{"customer_created", "customer_updated", "customer_verified"} {
		require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, name, "t", nil,
			event.WithAggregate("customer", "cust-9"))))
	}
	waitFor(t, time.Second, func() bool { return bus.Metrics().Published == 3 })

	var mu sync.Mutex
	var seen []string
	_, err := bus.Subscribe("customer_*", func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		seen = append(seen, e.EventName)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	n, err := bus.Replay(ctx, "cust-9", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	assert.Equal(t, []string{"customer_created", "customer_updated", "customer_verified"}, seen)
	mu.Unlock()

	stored, err := store.Events(ctx, "cust-9")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestReplay_TimeRangeFilter(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-10 * time.Minute)
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_created", "t", nil,
		event.WithAggregate("customer", "cust-2"), event.WithCreatedAt(old))))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "customer_updated", "t", nil,
		event.WithAggregate("customer", "cust-2"), event.WithCreatedAt(recent))))

	n, err := bus.Replay(ctx, "cust-2", time.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscription_Unsubscribe(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	sub, err := bus.Subscribe("*", func(ctx context.Context, e *event.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Metrics().Subscriptions)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "first", "t", nil)))
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Metrics().Subscriptions)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "second", "t", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRegisterHandler_DuplicateNameRejected(t *testing.T) {
	bus, _ := newTestBus(t)

	h := HandlerFunc{HandlerName: "dup", Pattern: "*", Fn: func(ctx context.Context, e *event.Event) error { return nil }}
	require.NoError(t, bus.RegisterHandler(h))
	err := bus.RegisterHandler(h)
	require.Error(t, err)
}

func TestAsyncHandler_Delivered(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	done := make(chan struct{})
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "slow-indexer",
		Pattern:     "*",
		Fn: func(ctx context.Context, e *event.Event) error {
			close(done)
			return nil
		},
	}, WithAsync()))

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBusiness, "doc_indexed", "t", nil)))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestClose_RejectsFurtherPublishes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	bus, err := NewBus(Config{Store: store, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx))

	err = bus.Publish(ctx, event.New(event.TypeBusiness, "late", "t", nil))
	require.Error(t, err)
}

func TestRetry_SurvivesBusRestart(t *testing.T) {
	dir := t.TempDir()
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	cfg := Config{
		Store:             store,
		Logger:            logging.Discard(),
		DataDir:           dir,
		BaseRetryDelay:    30 * time.Millisecond,
		RetryPollInterval: 5 * time.Millisecond,
	}
	bus, err := NewBus(cfg)
	require.NoError(t, err)

	var first atomic.Int64
	require.NoError(t, bus.RegisterHandler(HandlerFunc{
		HandlerName: "projector",
		Pattern:     "*",
		Fn: func(ctx context.Context, e *event.Event) error {
			first.Add(1)
			return errors.New("crash")
		},
	}))

	e := event.New(event.TypeBusiness, "customer_created", "t", nil, event.WithMaxRetries(10))
	require.NoError(t, bus.Publish(ctx, e))
	waitFor(t, 2*time.Second, func() bool { return first.Load() >= 1 })
	require.NoError(t, bus.Close(ctx))

	// A new bus over the same data directory picks the parked
	// redelivery up once it comes due.
	bus2, err := NewBus(cfg)
	require.NoError(t, err)
	defer bus2.Close(ctx)

	delivered := make(chan string, 1)
	require.NoError(t, bus2.RegisterHandler(HandlerFunc{
		HandlerName: "projector",
		Pattern:     "*",
		Fn: func(ctx context.Context, e *event.Event) error {
			delivered <- e.Metadata.EventID
			return nil
		},
	}))

	select {
	case id := <-delivered:
		assert.Equal(t, e.Metadata.EventID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("parked redelivery was not resumed after restart")
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"customer_*", "customer_created", true},
		{"customer_*", "order_placed", false},
		{"customer_created", "customer_created", true},
		{"customer_?pdated", "customer_updated", true},
		{"[", "customer_created", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.name), "pattern %q name %q", tt.pattern, tt.name)
	}
}
