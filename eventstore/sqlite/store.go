// Package sqlite provides the durable SQLite implementation of
// eventstore.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventstore"
	"github.com/c0deZ3R0/go-eventcore/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting.
const (
	opAppend         = coreErrors.Op("sqlite.Append")
	opEvents         = coreErrors.Op("sqlite.Events")
	opEventsByCorrID = coreErrors.Op("sqlite.EventsByCorrelationID")
	storeComponent   = coreErrors.Component("eventstore/sqlite")
)

// Config holds configuration options for the Store.
//
// DefaultConfig applies production defaults: WAL mode for concurrency and a
// pooled connection setup (25 max open, 5 max idle, 1h lifetime, 5m idle).
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// TableName defaults to "events" if empty.
	TableName string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "events"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements eventstore.Store backed by SQLite.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	tableName string
	logger    *logging.Logger
}

var _ eventstore.Store = (*Store)(nil)

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("eventstore-sqlite"))
	logger.Info("opening SQLite event store",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		tableName: config.TableName,
		logger:    logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// setupSchema creates the events table if it doesn't exist. The global_seq
// autoincrement preserves per-aggregate append order; event_id uniqueness
// makes duplicate appends fail instead of silently rewriting history.
func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        global_seq      INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id        TEXT NOT NULL UNIQUE,
        aggregate_id    TEXT NOT NULL,
        aggregate_type  TEXT NOT NULL,
        event_name      TEXT NOT NULL,
        event_type      TEXT NOT NULL,
        correlation_id  TEXT NOT NULL,
        tenant_id       TEXT NOT NULL,
        created_at      TIMESTAMP NOT NULL,
        envelope        TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_aggregate_id ON %[1]s (aggregate_id);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation_id ON %[1]s (correlation_id);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at);
    `, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

// Append durably stores an event. Retry bookkeeping is stripped so the
// persisted envelope never changes once written.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return eventstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	stored := eventstore.Sanitize(e)
	envelope, err := stored.Marshal()
	if err != nil {
		return coreErrors.WrapOpComponent(err, opAppend, storeComponent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreErrors.NewStorageError(opAppend, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`INSERT INTO %s
        (event_id, aggregate_id, aggregate_type, event_name, event_type, correlation_id, tenant_id, created_at, envelope)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err = tx.ExecContext(ctx, query,
		stored.Metadata.EventID,
		stored.AggregateID,
		stored.AggregateType,
		stored.EventName,
		string(stored.EventType),
		stored.Metadata.CorrelationID,
		stored.Metadata.TenantID,
		stored.Metadata.CreatedAt,
		string(envelope),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eventstore.ErrDuplicateEvent
		}
		return coreErrors.NewStorageError(opAppend, err)
	}

	if err = tx.Commit(); err != nil {
		return coreErrors.NewStorageError(opAppend, err)
	}

	return nil
}

// Events retrieves the history for an aggregate, oldest first.
func (s *Store) Events(ctx context.Context, aggregateID string) ([]*event.Event, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, eventstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT envelope FROM %s WHERE aggregate_id = ? ORDER BY global_seq ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, coreErrors.WrapOpComponent(err, opEvents, storeComponent)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByCorrelationID retrieves all events sharing a correlation ID.
func (s *Store) EventsByCorrelationID(ctx context.Context, correlationID string) ([]*event.Event, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, eventstore.ErrStoreClosed
	}
	s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT envelope FROM %s WHERE correlation_id = ? ORDER BY global_seq ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, coreErrors.WrapOpComponent(err, opEventsByCorrID, storeComponent)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		var e event.Event
		if err := json.Unmarshal([]byte(envelope), &e); err != nil {
			return nil, fmt.Errorf("failed to decode stored envelope: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return events, nil
}
