package eventbus

import (
	"context"
	"path"
	"time"

	"github.com/c0deZ3R0/go-eventcore/event"
)

// Handler processes events delivered by the bus. Implementations must be
// safe for concurrent invocation; the bus may deliver to many handlers in
// parallel.
type Handler interface {
	// Name identifies the handler in retry bookkeeping and dead letters.
	// Must be unique per bus.
	Name() string

	// EventPattern returns the glob pattern of event names this handler
	// wants, e.g. "customer_*".
	EventPattern() string

	// Handle processes a single event. A returned error or an expired
	// context triggers the retry/dead-letter path.
	Handle(ctx context.Context, e *event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Pattern     string
	Fn          func(ctx context.Context, e *event.Event) error
}

func (h HandlerFunc) Name() string         { return h.HandlerName }
func (h HandlerFunc) EventPattern() string { return h.Pattern }
func (h HandlerFunc) Handle(ctx context.Context, e *event.Event) error {
	return h.Fn(ctx, e)
}

// CanHandle reports whether a handler's pattern matches an event name.
func CanHandle(h Handler, eventName string) bool {
	return matchPattern(h.EventPattern(), eventName)
}

// matchPattern matches an event name against a glob pattern. A malformed
// pattern matches nothing.
func matchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// entry is a registered handler or subscription with its delivery options.
type entry struct {
	handler Handler

	// kind distinguishes first-class handlers from subscriptions in metrics.
	subscription bool

	// tenantID scopes delivery to one tenant; empty means all tenants.
	tenantID string

	// tags must all be present on the event for delivery.
	tags []string

	// payloadFilter, when set, must accept the payload for delivery.
	payloadFilter func(map[string]any) bool

	// async handlers run outside the sync worker pool, limited by the
	// bus-wide async semaphore.
	async bool

	// timeout for each invocation; zero falls back to the bus default.
	timeout time.Duration
}

// matches reports whether the entry wants the given event.
func (en *entry) matches(e *event.Event) bool {
	if !matchPattern(en.handler.EventPattern(), e.EventName) {
		return false
	}
	if en.tenantID != "" && en.tenantID != e.Metadata.TenantID {
		return false
	}
	if len(en.tags) > 0 {
		have := make(map[string]struct{}, len(e.Metadata.Tags))
		for _, tag := range e.Metadata.Tags {
			have[tag] = struct{}{}
		}
		for _, tag := range en.tags {
			if _, ok := have[tag]; !ok {
				return false
			}
		}
	}
	if en.payloadFilter != nil && !en.payloadFilter(e.Payload) {
		return false
	}
	return true
}

// RegisterOption configures handler registration.
type RegisterOption func(*entry)

// WithTenant scopes delivery to a single tenant.
func WithTenant(tenantID string) RegisterOption {
	return func(en *entry) { en.tenantID = tenantID }
}

// WithTagFilter requires all given tags on delivered events.
func WithTagFilter(tags ...string) RegisterOption {
	return func(en *entry) { en.tags = append(en.tags, tags...) }
}

// WithPayloadFilter requires the filter to accept the event payload.
func WithPayloadFilter(fn func(map[string]any) bool) RegisterOption {
	return func(en *entry) { en.payloadFilter = fn }
}

// WithAsync runs the handler outside the sync worker pool, with many
// invocations concurrently in flight up to the bus async limit.
func WithAsync() RegisterOption {
	return func(en *entry) { en.async = true }
}

// WithHandlerTimeout overrides the bus default invocation timeout.
func WithHandlerTimeout(d time.Duration) RegisterOption {
	return func(en *entry) { en.timeout = d }
}
