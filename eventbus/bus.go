// Package eventbus delivers stored events to registered handlers with
// retry, dead-lettering and replay. Every published event is appended to
// the backing event store before any handler sees it, so delivery can be
// retried or replayed from durable history.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventstore"
	"github.com/c0deZ3R0/go-eventcore/logging"
)

// Config controls bus behaviour. Store is required; everything else has
// a usable default.
type Config struct {
	Store  eventstore.Store
	Logger *logging.Logger

	// Workers is the size of the sync dispatch pool.
	Workers int

	// QueueSize bounds the in-flight dispatch channel.
	QueueSize int

	// AsyncLimit caps concurrently running async handlers.
	AsyncLimit int64

	// BaseRetryDelay is the delay before the first redelivery. Each
	// further attempt doubles it up to MaxRetryDelay.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// HandlerTimeout bounds a single handler invocation unless the
	// handler was registered with its own timeout.
	HandlerTimeout time.Duration

	// DataDir, when set, persists the retry queue and dead letters in a
	// bbolt file under this directory so they survive restarts.
	DataDir string

	// MaxRetryQueue bounds the number of pending redeliveries.
	MaxRetryQueue int

	// RetryPollInterval is how often due redeliveries are picked up.
	RetryPollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.AsyncLimit <= 0 {
		c.AsyncLimit = 64
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.MaxRetryQueue <= 0 {
		c.MaxRetryQueue = 10000
	}
	if c.RetryPollInterval <= 0 {
		c.RetryPollInterval = 50 * time.Millisecond
	}
}

// delivery is one event on its way to handlers. only narrows redelivery
// to the single handler that failed.
type delivery struct {
	ev       *event.Event
	only     string
	attempt  int
	replayed bool
}

// Bus routes events from the store to handlers and subscriptions.
type Bus struct {
	cfg    Config
	store  eventstore.Store
	logger *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	subSeq atomic.Int64

	dispatchCh chan *delivery
	retries    retryQueue
	dead       deadLetterStore
	asyncSem   *semaphore.Weighted

	counters counters

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	asyncWG sync.WaitGroup
}

// NewBus starts the dispatch workers and the retry scheduler. The caller
// owns the store and must close the bus before the store.
func NewBus(cfg Config) (*Bus, error) {
	if cfg.Store == nil {
		return nil, coreErrors.E(coreErrors.OpPublish, busComponent, coreErrors.KindValidation,
			fmt.Errorf("event store is required"))
	}
	cfg.setDefaults()

	b := &Bus{
		cfg:        cfg,
		store:      cfg.Store,
		logger:     cfg.Logger.WithComponent(logging.Component("event_bus")),
		entries:    make(map[string]*entry),
		dispatchCh: make(chan *delivery, cfg.QueueSize),
		asyncSem:   semaphore.NewWeighted(cfg.AsyncLimit),
	}

	if cfg.DataDir != "" {
		q, err := openBoltQueue(filepath.Join(cfg.DataDir, "eventbus.db"), cfg.MaxRetryQueue)
		if err != nil {
			return nil, err
		}
		b.retries = q
		b.dead = q
	} else {
		q := newMemoryQueue(cfg.MaxRetryQueue)
		b.retries = q
		b.dead = q
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	b.wg.Add(1)
	go b.retryLoop(ctx)

	return b, nil
}

// RegisterHandler adds a named handler. Names must be unique; retry and
// dead-letter bookkeeping is keyed on them.
func (b *Bus) RegisterHandler(h Handler, opts ...RegisterOption) error {
	if h == nil || h.Name() == "" {
		return coreErrors.E(coreErrors.OpDispatch, busComponent, coreErrors.KindValidation,
			fmt.Errorf("handler must have a name"))
	}
	en := &entry{handler: h}
	for _, opt := range opts {
		opt(en)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return coreErrors.E(coreErrors.OpDispatch, busComponent, coreErrors.KindSystem, eventstore.ErrStoreClosed)
	}
	if _, exists := b.entries[h.Name()]; exists {
		return coreErrors.E(coreErrors.OpDispatch, busComponent, coreErrors.KindValidation,
			fmt.Errorf("handler %q already registered", h.Name()))
	}
	b.entries[h.Name()] = en
	return nil
}

// UnregisterHandler removes a handler. Pending redeliveries to it are
// dropped when they come due.
func (b *Bus) UnregisterHandler(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[name]; !ok {
		return false
	}
	delete(b.entries, name)
	return true
}

// Subscription is a lightweight handler registered from a function.
type Subscription struct {
	name string
	bus  *Bus
}

// Name returns the generated subscription name.
func (s *Subscription) Name() string { return s.name }

// Unsubscribe stops delivery to this subscription.
func (s *Subscription) Unsubscribe() { s.bus.UnregisterHandler(s.name) }

// Subscribe registers a function for events matching the glob pattern.
func (b *Bus) Subscribe(pattern string, fn func(ctx context.Context, e *event.Event) error, opts ...RegisterOption) (*Subscription, error) {
	name := fmt.Sprintf("subscription-%d", b.subSeq.Add(1))
	h := HandlerFunc{HandlerName: name, Pattern: pattern, Fn: fn}
	opts = append(opts, func(en *entry) { en.subscription = true })
	if err := b.RegisterHandler(h, opts...); err != nil {
		return nil, err
	}
	return &Subscription{name: name, bus: b}, nil
}

// Publish appends the event to the store and queues it for dispatch.
// Once Publish returns nil the event is durable; delivery failures are
// handled by the retry path, never by losing the event.
func (b *Bus) Publish(ctx context.Context, e *event.Event) error {
	if e == nil || e.EventName == "" {
		return coreErrors.E(coreErrors.OpPublish, busComponent, coreErrors.KindValidation,
			fmt.Errorf("event must have a name"))
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return coreErrors.E(coreErrors.OpPublish, busComponent, coreErrors.KindSystem, eventstore.ErrStoreClosed)
	}

	if err := b.store.Append(ctx, e); err != nil {
		return coreErrors.E(coreErrors.OpPublish, busComponent, err)
	}
	b.counters.published.Add(1)

	b.enqueue(ctx, &delivery{ev: e.Clone()})
	return nil
}

// Replay redelivers an aggregate's stored events, oldest first, to the
// currently registered handlers. History is read, never rewritten: the
// replayed events are not appended again. Zero from/to leave that end of
// the time range open.
func (b *Bus) Replay(ctx context.Context, aggregateID string, from, to time.Time) (int, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, coreErrors.E(coreErrors.OpReplay, busComponent, coreErrors.KindSystem, eventstore.ErrStoreClosed)
	}

	events, err := b.store.Events(ctx, aggregateID)
	if err != nil {
		return 0, coreErrors.E(coreErrors.OpReplay, busComponent, err)
	}

	n := 0
	for _, e := range events {
		created := e.Metadata.CreatedAt
		if !from.IsZero() && created.Before(from) {
			continue
		}
		if !to.IsZero() && created.After(to) {
			continue
		}
		b.counters.replayed.Add(1)
		b.enqueue(ctx, &delivery{ev: e.Clone(), replayed: true})
		n++
	}
	return n, nil
}

// enqueue hands a delivery to the worker pool. When the channel is full
// the delivery is parked in the retry queue with an immediate due time
// instead of blocking the publisher.
func (b *Bus) enqueue(ctx context.Context, d *delivery) {
	select {
	case b.dispatchCh <- d:
	default:
		it := &retryItem{Event: d.ev, HandlerName: d.only, Attempt: d.attempt, DueAt: time.Now()}
		if err := b.retries.push(it); err != nil {
			b.logger.LogError(ctx, err, "dispatch queue full and retry queue rejected event")
			b.counters.failed.Add(1)
		}
	}
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.dispatchCh:
			b.dispatch(ctx, d)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, d *delivery) {
	if d.ev.IsExpired(time.Now()) {
		b.counters.expired.Add(1)
		b.logger.DebugContext(ctx, "event expired before delivery",
			"event_id", d.ev.Metadata.EventID, "event_name", d.ev.EventName)
		return
	}

	b.mu.RLock()
	var targets []*entry
	if d.only != "" {
		if en, ok := b.entries[d.only]; ok && en.matches(d.ev) {
			targets = append(targets, en)
		}
	} else {
		for _, en := range b.entries {
			if en.matches(d.ev) {
				targets = append(targets, en)
			}
		}
	}
	b.mu.RUnlock()

	for _, en := range targets {
		if en.async {
			if err := b.asyncSem.Acquire(ctx, 1); err != nil {
				return
			}
			b.asyncWG.Add(1)
			go func(en *entry) {
				defer b.asyncWG.Done()
				defer b.asyncSem.Release(1)
				b.invoke(ctx, en, d)
			}(en)
			continue
		}
		b.invoke(ctx, en, d)
	}
}

// invoke runs one handler against one event and routes failures to the
// retry queue or, once retries are exhausted, the dead-letter store.
func (b *Bus) invoke(ctx context.Context, en *entry, d *delivery) {
	timeout := en.timeout
	if timeout <= 0 {
		timeout = b.cfg.HandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := en.handler.Handle(hctx, d.ev)
	if err == nil {
		b.counters.observeDispatch(time.Since(start))
		return
	}

	b.counters.failed.Add(1)
	b.logger.LogError(ctx, coreErrors.E(coreErrors.OpDispatch, busComponent, coreErrors.ErrCodeHandlerFailure, err),
		"handler failed",
		slog.String("handler", en.handler.Name()),
		slog.String("event_id", d.ev.Metadata.EventID),
		slog.Int("attempt", d.attempt))

	nextAttempt := d.attempt + 1
	if nextAttempt > d.ev.Metadata.MaxRetries {
		dl := &DeadLetter{
			Event:       d.ev,
			HandlerName: en.handler.Name(),
			Reason:      err.Error(),
			Attempts:    d.attempt + 1,
			FailedAt:    time.Now(),
		}
		if dlErr := b.dead.add(dl); dlErr != nil {
			b.logger.LogError(ctx, dlErr, "failed to record dead letter",
				slog.String("event_id", d.ev.Metadata.EventID))
			return
		}
		b.counters.deadLettered.Add(1)
		return
	}

	clone := d.ev.Clone()
	clone.Metadata.RetryCount = nextAttempt
	it := &retryItem{
		Event:       clone,
		HandlerName: en.handler.Name(),
		Attempt:     nextAttempt,
		DueAt:       time.Now().Add(b.backoffDelay(nextAttempt)),
		LastError:   err.Error(),
	}
	if pushErr := b.retries.push(it); pushErr != nil {
		b.logger.LogError(ctx, pushErr, "failed to schedule retry",
			slog.String("event_id", d.ev.Metadata.EventID))
		return
	}
	b.counters.retried.Add(1)
}

// backoffDelay doubles the base delay per attempt: base, 2x, 4x, capped
// at MaxRetryDelay.
func (b *Bus) backoffDelay(attempt int) time.Duration {
	d := b.cfg.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.MaxRetryDelay {
			return b.cfg.MaxRetryDelay
		}
	}
	if d > b.cfg.MaxRetryDelay {
		return b.cfg.MaxRetryDelay
	}
	return d
}

func (b *Bus) retryLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.RetryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := b.retries.due(time.Now(), 64)
			if err != nil {
				b.logger.LogError(ctx, err, "failed to poll retry queue")
				continue
			}
			for _, it := range items {
				d := &delivery{ev: it.Event, only: it.HandlerName, attempt: it.Attempt}
				select {
				case b.dispatchCh <- d:
				case <-ctx.Done():
					// Park it again so it is not lost on shutdown.
					it.DueAt = time.Now()
					b.retries.push(it)
					return
				}
			}
		}
	}
}

// DeadLetters returns up to limit dead letters, oldest first. limit <= 0
// returns all of them.
func (b *Bus) DeadLetters(limit int) ([]*DeadLetter, error) {
	return b.dead.list(limit)
}

// Metrics returns a snapshot of bus activity and queue depths.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	handlers, subs := 0, 0
	for _, en := range b.entries {
		if en.subscription {
			subs++
		} else {
			handlers++
		}
	}
	b.mu.RUnlock()

	return Metrics{
		Published:          b.counters.published.Load(),
		Processed:          b.counters.processed.Load(),
		Failed:             b.counters.failed.Load(),
		Retried:            b.counters.retried.Load(),
		DeadLettered:       b.counters.deadLettered.Load(),
		Expired:            b.counters.expired.Load(),
		Replayed:           b.counters.replayed.Load(),
		DispatchQueueDepth: len(b.dispatchCh),
		RetryQueueDepth:    b.retries.depth(),
		DeadLetterCount:    b.dead.count(),
		Handlers:           handlers,
		Subscriptions:      subs,
		AvgDispatchLatency: b.counters.avgDispatchLatency(),
	}
}

// Close stops accepting events, waits for in-flight handlers up to the
// context deadline and closes the queues. The event store stays open;
// the caller owns it.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.asyncWG.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result,
			coreErrors.E(coreErrors.OpClose, busComponent, coreErrors.KindTimeout, ctx.Err()))
	}

	if err := b.retries.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
