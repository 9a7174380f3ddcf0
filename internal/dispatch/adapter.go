package dispatch

import (
	"context"
	"time"

	"github.com/doozer-build/doozer/internal/model"
	"github.com/doozer-build/doozer/internal/store"
)

// StoreAdapter wraps a *store.Store to satisfy the Store interface,
// translating store.Claim into the closure-based ClaimResult dispatch
// expects and installing store.ErrNoData as the sentinel ClaimLoop/
// DeletedArtifactReaperLoop recognize.
type StoreAdapter struct {
	*store.Store
}

// NewStoreAdapter wraps s and wires the no-data sentinel.
func NewStoreAdapter(s *store.Store) *StoreAdapter {
	SetNoDataSentinel(store.ErrNoData)
	return &StoreAdapter{Store: s}
}

func (a *StoreAdapter) BeginClaim(ctx context.Context, agent string, targets []string) (*ClaimResult, error) {
	c, err := a.Store.BeginClaim(ctx, agent, targets)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Build: c.Build, Commit: c.Commit, Rollback: c.Rollback}, nil
}

func (a *StoreAdapter) ReapExpired(ctx context.Context, timeout time.Duration, maxAttempts int) (int, error) {
	return a.Store.ReapExpired(ctx, timeout, maxAttempts)
}

func (a *StoreAdapter) NextTombstone(ctx context.Context) (*model.DeletedArtifact, error) {
	return a.Store.NextTombstone(ctx)
}

func (a *StoreAdapter) ResolveTombstone(ctx context.Context, id int64, failErr error) error {
	return a.Store.ResolveTombstone(ctx, id, failErr)
}
