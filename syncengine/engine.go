package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventbus"
	"github.com/c0deZ3R0/go-eventcore/logging"
)

// EngineConfig wires the engine to the bus it reports on and the store
// holding unresolved conflicts.
type EngineConfig struct {
	Bus    *eventbus.Bus
	Logger *logging.Logger

	// Conflicts defaults to an in-memory store.
	Conflicts ConflictStore

	// BaseBackoff is the delay after a loop's first consecutive error;
	// it doubles per further error up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Engine runs one sync loop per configuration. Loops are independent: a
// failing pair of systems backs off on its own while the others keep
// their schedule.
type Engine struct {
	bus       *eventbus.Bus
	logger    *logging.Logger
	conflicts ConflictStore

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu           sync.RWMutex
	connectors   map[string]Connector
	loops        map[string]*syncLoop
	closed       bool
	ownConflicts bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// syncLoop is the live state of one configuration.
type syncLoop struct {
	cfg      SyncConfiguration
	source   Connector
	target   Connector
	resolver ConflictResolver
	cancel   context.CancelFunc

	// tickMu keeps scheduled ticks and SyncNow from interleaving.
	tickMu sync.Mutex

	mu    sync.Mutex
	state SyncState

	// Checkpoints per flow direction; bidirectional pairs track both.
	cpForward syncCheckpoint
	cpReverse syncCheckpoint
}

// syncCheckpoint marks progress through a change feed. Timestamps are
// not unique across changes, so the ids already handled at the boundary
// timestamp are kept and filtered out of the next fetch. Without that,
// a batch failing between two changes sharing a timestamp would skip
// the unhandled one forever.
type syncCheckpoint struct {
	ts   time.Time
	done map[string]struct{}
}

func (c *syncCheckpoint) advance(change *DataChange) {
	if change.Timestamp.After(c.ts) {
		c.ts = change.Timestamp
		c.done = map[string]struct{}{change.ChangeID: {}}
		return
	}
	if c.done == nil {
		c.done = make(map[string]struct{})
	}
	c.done[change.ChangeID] = struct{}{}
}

// handled reports whether a fetched change was already processed in an
// earlier batch.
func (c *syncCheckpoint) handled(change *DataChange) bool {
	if change.Timestamp.Before(c.ts) {
		return true
	}
	if !change.Timestamp.Equal(c.ts) {
		return false
	}
	_, ok := c.done[change.ChangeID]
	return ok
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("event bus is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	e := &Engine{
		bus:         cfg.Bus,
		logger:      cfg.Logger.WithComponent(logging.Component("sync_engine")),
		conflicts:   cfg.Conflicts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		connectors:  make(map[string]Connector),
		loops:       make(map[string]*syncLoop),
	}
	if e.conflicts == nil {
		e.conflicts = NewMemoryConflictStore()
		e.ownConflicts = true
	}
	e.rootCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// RegisterConnector makes a system available to configurations by name.
// Every connector is wrapped in a circuit breaker.
func (e *Engine) RegisterConnector(c Connector) error {
	if c == nil || c.Name() == "" {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("connector must have a name"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.connectors[c.Name()]; exists {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("connector %q already registered", c.Name()))
	}
	e.connectors[c.Name()] = newBreakerConnector(c)
	return nil
}

// AddConfiguration validates the configuration and starts its loop.
func (e *Engine) AddConfiguration(cfg SyncConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation, err)
	}
	resolver, err := resolverFor(cfg.Strategy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindSystem, "engine is closed")
	}
	if _, exists := e.loops[cfg.ID]; exists {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("configuration %q already added", cfg.ID))
	}
	source, ok := e.connectors[cfg.SourceSystem]
	if !ok {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("no connector registered for source system %q", cfg.SourceSystem))
	}
	target, ok := e.connectors[cfg.TargetSystem]
	if !ok {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("no connector registered for target system %q", cfg.TargetSystem))
	}

	ctx, cancel := context.WithCancel(e.rootCtx)
	l := &syncLoop{
		cfg:      cfg,
		source:   source,
		target:   target,
		resolver: resolver,
		cancel:   cancel,
		state:    SyncState{ConfigID: cfg.ID, Status: StatusHealthy},
	}
	e.loops[cfg.ID] = l

	e.wg.Add(1)
	go e.runLoop(ctx, l)
	return nil
}

// RemoveConfiguration stops a loop. Conflicts already recorded stay in
// the conflict store.
func (e *Engine) RemoveConfiguration(id string) bool {
	e.mu.Lock()
	l, ok := e.loops[id]
	if ok {
		delete(e.loops, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	l.cancel()
	return true
}

func (e *Engine) runLoop(ctx context.Context, l *syncLoop) {
	defer e.wg.Done()

	delay := l.cfg.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.state.Status = StatusStopped
			l.mu.Unlock()
			return
		case <-timer.C:
		}

		err := e.tick(ctx, l)
		if err != nil && ctx.Err() == nil {
			// Back off but keep the checkpoint: the same window is
			// retried next time around.
			l.mu.Lock()
			l.state.ErrorCount++
			l.state.ConsecutiveErrors++
			l.state.LastError = err.Error()
			l.state.Status = StatusDegraded
			consecutive := l.state.ConsecutiveErrors
			l.mu.Unlock()

			delay = e.backoff(consecutive)
			e.logger.LogError(ctx, err, "sync tick failed",
				slog.String("config_id", l.cfg.ID),
				slog.Duration("retry_in", delay))
			e.emit(ctx, l, "sync_failed", map[string]any{
				"configId": l.cfg.ID,
				"error":    err.Error(),
			})
		} else if err == nil {
			l.mu.Lock()
			l.state.ConsecutiveErrors = 0
			l.state.LastError = ""
			l.state.Status = StatusHealthy
			l.state.LastSyncAt = time.Now().UTC()
			l.mu.Unlock()
			delay = l.cfg.Interval
		}
		timer.Reset(delay)
	}
}

// backoff doubles the base delay per consecutive error, capped.
func (e *Engine) backoff(consecutive int64) time.Duration {
	d := e.baseBackoff
	for i := int64(1); i < consecutive; i++ {
		d *= 2
		if d >= e.maxBackoff {
			return e.maxBackoff
		}
	}
	if d > e.maxBackoff {
		return e.maxBackoff
	}
	return d
}

// SyncNow runs one tick for the configuration immediately, outside its
// schedule.
func (e *Engine) SyncNow(ctx context.Context, configID string) error {
	e.mu.RLock()
	l, ok := e.loops[configID]
	e.mu.RUnlock()
	if !ok {
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindNotFound,
			fmt.Errorf("unknown configuration %q", configID))
	}
	return e.tick(ctx, l)
}

// tick moves one batch in each configured direction.
func (e *Engine) tick(ctx context.Context, l *syncLoop) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	switch l.cfg.Direction {
	case DirectionPush:
		return e.syncOneWay(ctx, l, l.source, l.target, &l.cpForward, false)
	case DirectionPull:
		return e.syncOneWay(ctx, l, l.target, l.source, &l.cpReverse, true)
	case DirectionBidirectional:
		if err := e.syncOneWay(ctx, l, l.source, l.target, &l.cpForward, false); err != nil {
			return err
		}
		return e.syncOneWay(ctx, l, l.target, l.source, &l.cpReverse, true)
	default:
		return coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("unknown direction %q", l.cfg.Direction))
	}
}

// syncOneWay pulls one batch from one system and pushes it into the
// other. The checkpoint only advances past changes that were fully
// handled, so a failed batch is re-read next tick.
func (e *Engine) syncOneWay(ctx context.Context, l *syncLoop, from, to Connector, cp *syncCheckpoint, reverse bool) error {
	changes, err := from.GetChanges(ctx, cp.ts, l.cfg.EntityTypes, l.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	// Progress made before a mid-batch failure still counts; the
	// checkpoint and totals must reflect every change actually handled.
	var applied, skipped, conflicts int64
	defer func() {
		l.mu.Lock()
		l.state.ChangesApplied += applied
		l.state.ChangesSkipped += skipped
		l.state.ConflictsDetected += conflicts
		l.state.Checkpoint = cp.ts
		l.mu.Unlock()
	}()

	for _, change := range changes {
		if cp.handled(change) {
			continue
		}
		out := e.transform(l.cfg, change, reverse)

		current, err := to.GetEntity(ctx, out.EntityType, out.EntityID)
		if err != nil {
			return err
		}

		switch {
		case current == nil, out.Version > current.Version:
			if err := to.ApplyChange(ctx, out); err != nil {
				return err
			}
			applied++
		case out.Version == current.Version && !l.cfg.EqualVersionConflict:
			// Same version means the same change arriving again.
			skipped++
		default:
			resolved, err := e.handleConflict(ctx, l, to, current, out)
			if err != nil {
				return err
			}
			conflicts++
			if resolved {
				applied++
			}
		}
		cp.advance(change)
	}

	e.emit(ctx, l, "sync_completed", map[string]any{
		"configId":  l.cfg.ID,
		"from":      from.Name(),
		"to":        to.Name(),
		"applied":   applied,
		"skipped":   skipped,
		"conflicts": conflicts,
	})
	return nil
}

// transform applies field mappings (inverted for the reverse flow) and,
// on the forward flow, the configured value transforms.
func (e *Engine) transform(cfg SyncConfiguration, change *DataChange, reverse bool) *DataChange {
	if len(cfg.FieldMappings) == 0 && len(cfg.Transforms) == 0 {
		return change.Clone()
	}

	out := change.Clone()
	for _, m := range cfg.FieldMappings {
		from, to := m.From, m.To
		if reverse {
			from, to = to, from
		}
		if v, ok := out.Fields[from]; ok {
			delete(out.Fields, from)
			out.Fields[to] = v
		}
	}
	if !reverse {
		for field, fn := range cfg.Transforms {
			if v, ok := out.Fields[field]; ok {
				out.Fields[field] = fn(v)
			}
		}
	}
	return out
}

// handleConflict records the collision and lets the configured resolver
// decide. Manual strategy resolves nothing now; the conflict stays
// pending. Returns whether a resolution was applied.
func (e *Engine) handleConflict(ctx context.Context, l *syncLoop, to Connector, local, remote *DataChange) (bool, error) {
	conflict := &SyncConflict{
		ConflictID: uuid.NewString(),
		ConfigID:   l.cfg.ID,
		EntityID:   remote.EntityID,
		EntityType: remote.EntityType,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: time.Now().UTC(),
		Status:     ConflictPending,
		Strategy:   l.cfg.Strategy,
	}

	e.emit(ctx, l, "conflict_detected", map[string]any{
		"conflictId": conflict.ConflictID,
		"configId":   l.cfg.ID,
		"entityId":   conflict.EntityID,
		"entityType": conflict.EntityType,
	})

	resolution, err := l.resolver.Resolve(ctx, conflict)
	if err != nil {
		return false, coreErrors.E(coreErrors.OpConflictResolve, engineComponent,
			coreErrors.ErrCodeConflictFailure, err)
	}
	if resolution == nil {
		if err := e.conflicts.Save(ctx, conflict); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := to.ApplyChange(ctx, resolution); err != nil {
		return false, err
	}
	markResolved(conflict, resolution, string(l.cfg.Strategy))
	if err := e.conflicts.Save(ctx, conflict); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.state.ConflictsResolved++
	l.mu.Unlock()

	e.emit(ctx, l, "conflict_resolved", map[string]any{
		"conflictId": conflict.ConflictID,
		"configId":   l.cfg.ID,
		"entityId":   conflict.EntityID,
		"resolvedBy": string(l.cfg.Strategy),
	})
	return true, nil
}

// ResolveConflictManually applies a human decision to a pending
// conflict. The resolution starts from the incoming change and overlays
// the supplied field values. Returns true when the resolution was
// applied, false when the conflict is unknown or already resolved.
func (e *Engine) ResolveConflictManually(ctx context.Context, conflictID string, resolutionData map[string]any, resolvedBy string) (bool, error) {
	conflict, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		if coreErrors.Is(err, coreErrors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if conflict.Status != ConflictPending {
		return false, nil
	}

	e.mu.RLock()
	l, ok := e.loops[conflict.ConfigID]
	e.mu.RUnlock()
	if !ok {
		return false, coreErrors.E(coreErrors.OpConflictResolve, engineComponent, coreErrors.KindNotFound,
			fmt.Errorf("configuration %q is no longer running", conflict.ConfigID))
	}

	resolution := conflict.Remote.Clone()
	if resolution == nil {
		resolution = conflict.Local.Clone()
	}
	if resolution.Fields == nil {
		resolution.Fields = make(map[string]any, len(resolutionData))
	}
	for k, v := range resolutionData {
		resolution.Fields[k] = v
	}
	if conflict.Local != nil && conflict.Local.Version > resolution.Version {
		resolution.Version = conflict.Local.Version
	}
	resolution.Version++

	if err := l.target.ApplyChange(ctx, resolution); err != nil {
		return false, err
	}
	markResolved(conflict, resolution, resolvedBy)
	if err := e.conflicts.Save(ctx, conflict); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.state.ConflictsResolved++
	l.mu.Unlock()

	e.emit(ctx, l, "conflict_resolved", map[string]any{
		"conflictId": conflictID,
		"configId":   conflict.ConfigID,
		"entityId":   conflict.EntityID,
		"resolvedBy": resolvedBy,
	})
	return true, nil
}

// PendingConflicts lists unresolved conflicts, optionally scoped to one
// configuration.
func (e *Engine) PendingConflicts(ctx context.Context, configID string) ([]*SyncConflict, error) {
	return e.conflicts.Pending(ctx, configID)
}

// emit publishes an outcome event; delivery problems are logged, never
// allowed to fail the sync itself.
func (e *Engine) emit(ctx context.Context, l *syncLoop, name string, payload map[string]any) {
	evt := event.New(event.TypeIntegration, name, l.cfg.TenantID, payload,
		event.WithSourceSystem("sync_engine"),
		event.WithAggregate("sync_configuration", l.cfg.ID))
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.LogError(ctx, err, "failed to publish sync outcome event",
			slog.String("event_name", name),
			slog.String("config_id", l.cfg.ID))
	}
}

// State returns a copy of one configuration's live state.
func (e *Engine) State(configID string) (SyncState, bool) {
	e.mu.RLock()
	l, ok := e.loops[configID]
	e.mu.RUnlock()
	if !ok {
		return SyncState{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

// States snapshots every configuration's state, keyed by config id.
func (e *Engine) States() map[string]SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]SyncState, len(e.loops))
	for id, l := range e.loops {
		l.mu.Lock()
		out[id] = l.state
		l.mu.Unlock()
	}
	return out
}

// Close stops every loop and, when the engine created its own conflict
// store, closes it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result,
			coreErrors.E(coreErrors.OpClose, engineComponent, coreErrors.KindTimeout, ctx.Err()))
	}

	if e.ownConflicts {
		if err := e.conflicts.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
