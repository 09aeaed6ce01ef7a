// Package syncengine moves entity changes between external systems in
// either or both directions, detecting version conflicts on the way and
// resolving them with a pluggable strategy. Outcomes are published as
// integration events on the shared bus.
package syncengine

import (
	"time"
)

// ChangeOperation is what happened to the entity at the source.
type ChangeOperation string

const (
	OpCreate  ChangeOperation = "create"
	OpUpdate  ChangeOperation = "update"
	OpDelete  ChangeOperation = "delete"
	OpRestore ChangeOperation = "restore"
)

// DataChange is one entity change as reported by a connector.
type DataChange struct {
	ChangeID     string          `json:"changeId" yaml:"change_id"`
	EntityID     string          `json:"entityId" yaml:"entity_id"`
	EntityType   string          `json:"entityType" yaml:"entity_type"`
	Operation    ChangeOperation `json:"operation" yaml:"operation"`
	Version      int64           `json:"version" yaml:"version"`
	Checksum     string          `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	SourceSystem string          `json:"sourceSystem" yaml:"source_system"`
	Timestamp    time.Time       `json:"timestamp" yaml:"timestamp"`
	Fields       map[string]any  `json:"fields" yaml:"fields"`
}

// Clone returns a deep copy with its own fields map.
func (c *DataChange) Clone() *DataChange {
	if c == nil {
		return nil
	}
	out := *c
	if c.Fields != nil {
		out.Fields = make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// ConflictStrategy picks the resolver used when versions collide.
type ConflictStrategy string

const (
	StrategyLastWriteWins  ConflictStrategy = "last_write_wins"
	StrategyFirstWriteWins ConflictStrategy = "first_write_wins"
	StrategyMergeFields    ConflictStrategy = "merge_fields"
	StrategyManual         ConflictStrategy = "manual"
)

// ConflictStatus tracks a conflict through its lifecycle.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// SyncConflict records two changes that collided on the same entity.
type SyncConflict struct {
	ConflictID string      `json:"conflictId"`
	ConfigID   string      `json:"configId"`
	EntityID   string      `json:"entityId"`
	EntityType string      `json:"entityType"`
	Local      *DataChange `json:"local"`
	Remote     *DataChange `json:"remote"`
	DetectedAt time.Time   `json:"detectedAt"`

	Status     ConflictStatus   `json:"status"`
	Strategy   ConflictStrategy `json:"strategy,omitempty"`
	Resolution *DataChange      `json:"resolution,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
	ResolvedAt time.Time        `json:"resolvedAt,omitempty"`
}

// SyncDirection controls which way changes flow.
type SyncDirection string

const (
	DirectionPush          SyncDirection = "push"
	DirectionPull          SyncDirection = "pull"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// FieldMapping renames a source field on its way to the target.
type FieldMapping struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// TransformFunc rewrites a field value during sync.
type TransformFunc func(value any) any

// SyncConfiguration describes one sync relationship between two systems.
type SyncConfiguration struct {
	ID           string        `json:"id" yaml:"id"`
	SourceSystem string        `json:"sourceSystem" yaml:"source_system"`
	TargetSystem string        `json:"targetSystem" yaml:"target_system"`
	Direction    SyncDirection `json:"direction" yaml:"direction"`
	EntityTypes  []string      `json:"entityTypes" yaml:"entity_types"`

	Interval  time.Duration `json:"interval" yaml:"interval"`
	BatchSize int           `json:"batchSize" yaml:"batch_size"`

	Strategy      ConflictStrategy `json:"strategy" yaml:"strategy"`
	FieldMappings []FieldMapping   `json:"fieldMappings,omitempty" yaml:"field_mappings,omitempty"`

	// Transforms by field name, applied after mapping. Not expressible
	// in YAML; wired in code.
	Transforms map[string]TransformFunc `json:"-" yaml:"-"`

	// EqualVersionConflict treats an incoming change whose version
	// equals the stored one as a conflict. Off by default: an equal
	// version is assumed to be the same change arriving again and is
	// skipped as an idempotent no-op.
	EqualVersionConflict bool `json:"equalVersionConflict" yaml:"equal_version_conflict"`

	TenantID string `json:"tenantId,omitempty" yaml:"tenant_id,omitempty"`
}

// SyncStatus summarizes loop health.
type SyncStatus string

const (
	StatusHealthy  SyncStatus = "healthy"
	StatusDegraded SyncStatus = "degraded"
	StatusStopped  SyncStatus = "stopped"
)

// SyncState is the live state of one configuration's loop.
type SyncState struct {
	ConfigID          string     `json:"configId"`
	Status            SyncStatus `json:"status"`
	LastSyncAt        time.Time  `json:"lastSyncAt"`
	Checkpoint        time.Time  `json:"checkpoint"`
	ErrorCount        int64      `json:"errorCount"`
	ConsecutiveErrors int64      `json:"consecutiveErrors"`
	ChangesApplied    int64      `json:"changesApplied"`
	ChangesSkipped    int64      `json:"changesSkipped"`
	ConflictsDetected int64      `json:"conflictsDetected"`
	ConflictsResolved int64      `json:"conflictsResolved"`
	LastError         string     `json:"lastError,omitempty"`
}
