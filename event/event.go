// Package event defines the shared event model for the integration core.
// Events are immutable once created; any follow-up produces a new event
// linked through correlation and causation identifiers.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type categorizes an event by its role in the system.
type Type string

const (
	TypeSystem       Type = "system"
	TypeBusiness     Type = "business"
	TypeIntegration  Type = "integration"
	TypeCommand      Type = "command"
	TypeQuery        Type = "query"
	TypeNotification Type = "notification"
)

// Priority orders events within a dispatch queue. Higher is more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Metadata carries the envelope fields shared by every event.
type Metadata struct {
	EventID       string        `json:"eventId"`
	CorrelationID string        `json:"correlationId"`
	CausationID   string        `json:"causationId,omitempty"`
	TenantID      string        `json:"tenantId"`
	SourceSystem  string        `json:"sourceSystem"`
	CreatedAt     time.Time     `json:"createdAt"`
	Version       int           `json:"version"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl,omitempty"`
	RetryCount    int           `json:"retryCount"`
	MaxRetries    int           `json:"maxRetries"`
	Tags          []string      `json:"tags,omitempty"`
}

// Event is the wire envelope persisted by the event store and dispatched by
// the bus. Identity and payload never change after creation; RetryCount is
// in-flight bookkeeping owned by the bus and is not part of the stored record.
type Event struct {
	Metadata      Metadata       `json:"metadata"`
	EventType     Type           `json:"eventType"`
	AggregateID   string         `json:"aggregateId"`
	AggregateType string         `json:"aggregateType"`
	EventName     string         `json:"eventName"`
	Payload       map[string]any `json:"payload"`
	SchemaVersion int            `json:"schemaVersion"`
}

// Option configures event construction.
type Option func(*Event)

// WithEventID overrides the generated event ID.
func WithEventID(id string) Option {
	return func(e *Event) { e.Metadata.EventID = id }
}

// WithCorrelationID sets the correlation ID grouping related events.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.Metadata.CorrelationID = id }
}

// WithCausationID records the event that directly caused this one.
func WithCausationID(id string) Option {
	return func(e *Event) { e.Metadata.CausationID = id }
}

// WithSourceSystem records the system that produced the event.
func WithSourceSystem(source string) Option {
	return func(e *Event) { e.Metadata.SourceSystem = source }
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(e *Event) { e.Metadata.CreatedAt = t }
}

// WithPriority sets the dispatch priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithTTL makes the event expire after d. Expired events are discarded at
// dispatch time and never delivered to a handler.
func WithTTL(d time.Duration) Option {
	return func(e *Event) { e.Metadata.TTL = d }
}

// WithMaxRetries sets how many delivery retries the bus may attempt.
func WithMaxRetries(n int) Option {
	return func(e *Event) { e.Metadata.MaxRetries = n }
}

// WithTags attaches free-form tags used by subscription filters.
func WithTags(tags ...string) Option {
	return func(e *Event) { e.Metadata.Tags = append(e.Metadata.Tags, tags...) }
}

// WithSchemaVersion sets the payload schema version.
func WithSchemaVersion(v int) Option {
	return func(e *Event) { e.SchemaVersion = v }
}

// WithAggregate scopes the event to an aggregate stream.
func WithAggregate(aggregateType, aggregateID string) Option {
	return func(e *Event) {
		e.AggregateType = aggregateType
		e.AggregateID = aggregateID
	}
}

// DefaultMaxRetries is applied when no explicit retry budget is configured.
const DefaultMaxRetries = 3

// New creates an event of the given type and name for a tenant. The event ID
// doubles as the correlation ID when none is supplied, so the first event in
// a chain is its own correlation root.
func New(eventType Type, eventName, tenantID string, payload map[string]any, opts ...Option) *Event {
	e := &Event{
		Metadata: Metadata{
			EventID:    uuid.NewString(),
			TenantID:   tenantID,
			CreatedAt:  time.Now().UTC(),
			Version:    1,
			Priority:   PriorityNormal,
			MaxRetries: DefaultMaxRetries,
		},
		EventType:     eventType,
		EventName:     eventName,
		Payload:       payload,
		SchemaVersion: 1,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.Metadata.CorrelationID == "" {
		e.Metadata.CorrelationID = e.Metadata.EventID
	}

	return e
}

// NewFromParent creates an event caused by parent. It inherits the parent's
// correlation ID and tenant, and records the parent as the cause. Options may
// override both.
func NewFromParent(parent *Event, eventType Type, eventName string, payload map[string]any, opts ...Option) *Event {
	base := []Option{
		WithCorrelationID(parent.Metadata.CorrelationID),
		WithCausationID(parent.Metadata.EventID),
		WithSourceSystem(parent.Metadata.SourceSystem),
	}
	return New(eventType, eventName, parent.Metadata.TenantID, payload, append(base, opts...)...)
}

// IsExpired reports whether the event's TTL elapsed before now. Events
// without a TTL never expire.
func (e *Event) IsExpired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.After(e.Metadata.CreatedAt.Add(e.Metadata.TTL))
}

// RetriesExhausted reports whether the delivery retry budget is spent.
func (e *Event) RetriesExhausted() bool {
	return e.Metadata.RetryCount > e.Metadata.MaxRetries
}

// Clone returns a deep copy. The bus clones events before mutating retry
// bookkeeping so published events stay immutable for their callers.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Metadata.Tags != nil {
		cp.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	}
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Marshal encodes the event into its JSON wire envelope.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON wire envelope.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
