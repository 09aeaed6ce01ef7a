package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opConflictSave    = coreErrors.Op("sqlite.SaveConflict")
	opConflictGet     = coreErrors.Op("sqlite.GetConflict")
	opConflictPending = coreErrors.Op("sqlite.PendingConflicts")
	conflictComponent = coreErrors.Component("conflictstore/sqlite")
)

// SQLiteConflictStore persists conflicts in a SQLite table so pending
// manual resolutions survive restarts.
type SQLiteConflictStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ ConflictStore = (*SQLiteConflictStore)(nil)

// NewSQLiteConflictStore opens (and if needed creates) the conflict
// table at the given data source.
func NewSQLiteConflictStore(dataSourceName string) (*SQLiteConflictStore, error) {
	if dataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		conflict_id TEXT PRIMARY KEY,
		config_id   TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		status      TEXT NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		envelope    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_conflicts_status ON sync_conflicts(status, config_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conflict schema: %w", err)
	}

	return &SQLiteConflictStore{db: db}, nil
}

func (s *SQLiteConflictStore) Save(ctx context.Context, c *SyncConflict) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return coreErrors.E(opConflictSave, conflictComponent, coreErrors.KindStorage, "store is closed")
	}

	envelope, err := json.Marshal(c)
	if err != nil {
		return coreErrors.E(opConflictSave, conflictComponent, coreErrors.KindSystem, err)
	}

	query := `
	INSERT INTO sync_conflicts (conflict_id, config_id, entity_id, entity_type, status, detected_at, envelope)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conflict_id) DO UPDATE SET status = excluded.status, envelope = excluded.envelope`

	_, err = s.db.ExecContext(ctx, query,
		c.ConflictID, c.ConfigID, c.EntityID, c.EntityType,
		string(c.Status), c.DetectedAt.UTC(), string(envelope))
	if err != nil {
		return coreErrors.E(opConflictSave, conflictComponent,
			coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	return nil
}

func (s *SQLiteConflictStore) Get(ctx context.Context, conflictID string) (*SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, coreErrors.E(opConflictGet, conflictComponent, coreErrors.KindStorage, "store is closed")
	}

	var envelope string
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM sync_conflicts WHERE conflict_id = ?`, conflictID).Scan(&envelope)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, coreErrors.E(opConflictGet, conflictComponent,
			coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}

	var c SyncConflict
	if err := json.Unmarshal([]byte(envelope), &c); err != nil {
		return nil, coreErrors.E(opConflictGet, conflictComponent, coreErrors.KindSystem, err)
	}
	return &c, nil
}

func (s *SQLiteConflictStore) Pending(ctx context.Context, configID string) ([]*SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, coreErrors.E(opConflictPending, conflictComponent, coreErrors.KindStorage, "store is closed")
	}

	query := `SELECT envelope FROM sync_conflicts WHERE status = ? ORDER BY detected_at ASC`
	args := []any{string(ConflictPending)}
	if configID != "" {
		query = `SELECT envelope FROM sync_conflicts WHERE status = ? AND config_id = ? ORDER BY detected_at ASC`
		args = append(args, configID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreErrors.E(opConflictPending, conflictComponent,
			coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	defer rows.Close()

	var out []*SyncConflict
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, coreErrors.E(opConflictPending, conflictComponent,
				coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
		}
		var c SyncConflict
		if err := json.Unmarshal([]byte(envelope), &c); err != nil {
			return nil, coreErrors.E(opConflictPending, conflictComponent, coreErrors.KindSystem, err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, coreErrors.E(opConflictPending, conflictComponent,
			coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	return out, nil
}

func (s *SQLiteConflictStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
