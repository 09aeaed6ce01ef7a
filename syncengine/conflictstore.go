package syncengine

import (
	"context"
	"sort"
	"sync"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
)

// ConflictStore persists conflicts so manual resolution survives a
// restart. Save upserts on conflict id.
type ConflictStore interface {
	Save(ctx context.Context, c *SyncConflict) error
	Get(ctx context.Context, conflictID string) (*SyncConflict, error)

	// Pending returns unresolved conflicts, oldest first. An empty
	// configID means all configurations.
	Pending(ctx context.Context, configID string) ([]*SyncConflict, error)

	Close() error
}

// ErrConflictNotFound is returned by Get for unknown conflict ids.
var ErrConflictNotFound = coreErrors.E(coreErrors.OpConflictResolve, engineComponent,
	coreErrors.KindNotFound, "conflict not found")

// MemoryConflictStore keeps conflicts in process memory.
type MemoryConflictStore struct {
	mu        sync.RWMutex
	conflicts map[string]*SyncConflict
}

func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{conflicts: make(map[string]*SyncConflict)}
}

func (s *MemoryConflictStore) Save(ctx context.Context, c *SyncConflict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conflicts[c.ConflictID] = &cp
	return nil
}

func (s *MemoryConflictStore) Get(ctx context.Context, conflictID string) (*SyncConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[conflictID]
	if !ok {
		return nil, ErrConflictNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryConflictStore) Pending(ctx context.Context, configID string) ([]*SyncConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncConflict
	for _, c := range s.conflicts {
		if c.Status != ConflictPending {
			continue
		}
		if configID != "" && c.ConfigID != configID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryConflictStore) Close() error { return nil }

var _ ConflictStore = (*MemoryConflictStore)(nil)
