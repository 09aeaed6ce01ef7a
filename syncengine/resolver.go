package syncengine

import (
	"context"
	"fmt"
	"time"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
)

// ConflictResolver decides which change survives a collision. A nil
// resolution with a nil error means nothing is applied now; the manual
// resolver uses this to defer the decision.
type ConflictResolver interface {
	Strategy() ConflictStrategy
	Resolve(ctx context.Context, c *SyncConflict) (*DataChange, error)
}

var (
	_ ConflictResolver = (*LastWriteWinsResolver)(nil)
	_ ConflictResolver = (*FirstWriteWinsResolver)(nil)
	_ ConflictResolver = (*MergeFieldsResolver)(nil)
	_ ConflictResolver = (*ManualResolver)(nil)
)

// LastWriteWinsResolver keeps the change with the later timestamp. On
// equal timestamps the higher version wins, remote breaking the final
// tie so both sides of a bidirectional pair converge.
type LastWriteWinsResolver struct{}

func (r *LastWriteWinsResolver) Strategy() ConflictStrategy { return StrategyLastWriteWins }

func (r *LastWriteWinsResolver) Resolve(ctx context.Context, c *SyncConflict) (*DataChange, error) {
	local, remote := c.Local, c.Remote
	switch {
	case local == nil:
		return remote.Clone(), nil
	case remote == nil:
		return local.Clone(), nil
	case remote.Timestamp.After(local.Timestamp):
		return remote.Clone(), nil
	case local.Timestamp.After(remote.Timestamp):
		return local.Clone(), nil
	case local.Version > remote.Version:
		return local.Clone(), nil
	default:
		return remote.Clone(), nil
	}
}

// FirstWriteWinsResolver keeps the change with the earlier timestamp.
type FirstWriteWinsResolver struct{}

func (r *FirstWriteWinsResolver) Strategy() ConflictStrategy { return StrategyFirstWriteWins }

func (r *FirstWriteWinsResolver) Resolve(ctx context.Context, c *SyncConflict) (*DataChange, error) {
	local, remote := c.Local, c.Remote
	switch {
	case local == nil:
		return remote.Clone(), nil
	case remote == nil:
		return local.Clone(), nil
	case remote.Timestamp.Before(local.Timestamp):
		return remote.Clone(), nil
	default:
		return local.Clone(), nil
	}
}

// MergeFieldsResolver starts from the newer change and carries over the
// fields only the older change has. Fields present on both sides take
// the newer side's value.
type MergeFieldsResolver struct{}

func (r *MergeFieldsResolver) Strategy() ConflictStrategy { return StrategyMergeFields }

func (r *MergeFieldsResolver) Resolve(ctx context.Context, c *SyncConflict) (*DataChange, error) {
	local, remote := c.Local, c.Remote
	switch {
	case local == nil:
		return remote.Clone(), nil
	case remote == nil:
		return local.Clone(), nil
	}

	newer, older := remote, local
	if local.Timestamp.After(remote.Timestamp) {
		newer, older = local, remote
	}

	merged := newer.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any, len(older.Fields))
	}
	for k, v := range older.Fields {
		if _, ok := merged.Fields[k]; !ok {
			merged.Fields[k] = v
		}
	}
	if older.Version > merged.Version {
		merged.Version = older.Version
	}
	return merged, nil
}

// ManualResolver applies nothing. The conflict stays pending in the
// conflict store until ResolveConflictManually supplies the outcome.
type ManualResolver struct{}

func (r *ManualResolver) Strategy() ConflictStrategy { return StrategyManual }

func (r *ManualResolver) Resolve(ctx context.Context, c *SyncConflict) (*DataChange, error) {
	return nil, nil
}

// resolverFor maps a configured strategy to its resolver.
func resolverFor(strategy ConflictStrategy) (ConflictResolver, error) {
	switch strategy {
	case StrategyLastWriteWins, "":
		return &LastWriteWinsResolver{}, nil
	case StrategyFirstWriteWins:
		return &FirstWriteWinsResolver{}, nil
	case StrategyMergeFields:
		return &MergeFieldsResolver{}, nil
	case StrategyManual:
		return &ManualResolver{}, nil
	default:
		return nil, coreErrors.E(coreErrors.OpConflictResolve, engineComponent,
			coreErrors.KindValidation, fmt.Errorf("unknown conflict strategy %q", strategy))
	}
}

// markResolved stamps the conflict with its outcome.
func markResolved(c *SyncConflict, resolution *DataChange, resolvedBy string) {
	c.Status = ConflictResolved
	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = time.Now().UTC()
}
