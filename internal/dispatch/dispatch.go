// Package dispatch implements the buildmaster's core scheduling logic:
// enqueuing pending builds from Git refs, the long-poll claim loop, the
// expiry reaper, and the deleted-artifact reaper, per spec §4.4. The HTTP
// surface that drives these lives in internal/rpc.
package dispatch

import (
	"context"
	"path"
	"time"

	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer/internal/gitrepo"
	"github.com/doozer-build/doozer/internal/model"
	"github.com/doozer-build/doozer/internal/plog"
)

// ClaimResult is a locked pending-build row: the caller must invoke Commit
// only after flushing the HTTP response body, or Rollback to return the row
// to pending (spec §4.4, §9).
type ClaimResult struct {
	Build    model.Build
	Commit   func() error
	Rollback func() error
}

// Store is the subset of internal/store.Store the dispatch core needs.
// Tests substitute a hand-rolled fake rather than a SQL mock, matching the
// AMBIENT STACK's testing approach. cmd/buildmaster adapts *store.Store to
// this interface.
type Store interface {
	EnqueuePending(ctx context.Context, key model.BuildKey, version, reason string, noOutput bool) error
	BeginClaim(ctx context.Context, agent string, targets []string) (*ClaimResult, error)
	ReapExpired(ctx context.Context, timeout time.Duration, maxAttempts int) (int, error)
	NextTombstone(ctx context.Context) (*model.DeletedArtifact, error)
	ResolveTombstone(ctx context.Context, id int64, failErr error) error
}

// BranchRule is one buildmaster.branches[*] config entry (spec §4.4's
// check-for-builds).
type BranchRule struct {
	Pattern   string
	Autobuild bool
}

// ProjectConfig is the subset of a project's config the dispatch core
// consults.
type ProjectConfig struct {
	Project string // org/name
	Branches []BranchRule
	Targets  []string
	HashInRevision bool
}

// CheckForBuilds enqueues a pending build row for every configured target of
// every branch whose name matches an autobuild=true rule, at the branch
// tip, unless a row already exists in any status for that
// (project,revision,target), per spec §4.4 and the open question that only
// branch tips (never historical commits) are considered.
func CheckForBuilds(ctx context.Context, st Store, repo *gitrepo.Repo, cfg ProjectConfig) error {
	branches, err := repo.ListBranches(ctx)
	if err != nil {
		return xerrors.Errorf("dispatch: list branches: %w", err)
	}
	for _, branch := range branches {
		rule, ok := matchBranch(cfg.Branches, branch.Name)
		if !ok || !rule.Autobuild {
			continue
		}
		version, err := repo.Describe(ctx, branch.OID, cfg.HashInRevision)
		if err != nil {
			return xerrors.Errorf("dispatch: describe %s: %w", branch.OID, err)
		}
		for _, target := range cfg.Targets {
			key := model.BuildKey{Project: cfg.Project, Revision: branch.OID, Target: target}
			if err := st.EnqueuePending(ctx, key, version, "Automatic build", false); err != nil {
				return xerrors.Errorf("dispatch: enqueue %+v: %w", key, err)
			}
		}
	}
	return nil
}

func matchBranch(rules []BranchRule, name string) (BranchRule, bool) {
	for _, r := range rules {
		if ok, _ := path.Match(r.Pattern, name); ok {
			return r, true
		}
	}
	return BranchRule{}, false
}

// ClaimLoop implements the long-poll claim algorithm: under a transaction,
// select the oldest pending build among targets FOR UPDATE; on NO_DATA,
// sleep 1s and retry until deadline, then return (nil, nil). Commit is left
// to the caller, who must commit only after flushing the HTTP response body
// (spec §4.4, §4.9, §9).
func ClaimLoop(ctx context.Context, st Store, agent string, targets []string, deadline time.Time) (*ClaimResult, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		claim, err := attemptClaim(ctx, st, agent, targets)
		if err == nil {
			return claim, nil
		}
		if !isNoData(err) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func attemptClaim(ctx context.Context, st Store, agent string, targets []string) (*ClaimResult, error) {
	const maxRetries = 10
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		claim, err := st.BeginClaim(ctx, agent, targets)
		if err == nil {
			return claim, nil
		}
		if isNoData(err) {
			return nil, err
		}
		// transient DB error: retry up to 10 times, 1s apart, per spec §4.4.
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, xerrors.Errorf("dispatch: claim retries exhausted: %w", lastErr)
}

func isNoData(err error) bool {
	return xerrors.Is(err, errNoData)
}

// errNoData is set by SetNoDataSentinel so this package doesn't need to
// import internal/store directly (avoiding a dependency cycle risk as the
// module grows); cmd/buildmaster wires store.ErrNoData in at startup.
var errNoData = xerrors.New("dispatch: no data sentinel (unset)")

// SetNoDataSentinel installs the store package's ErrNoData so ClaimLoop can
// recognize it via errors.Is.
func SetNoDataSentinel(err error) { errNoData = err }

// ReapOnce runs one expiry-reaper pass (spec §4.4), returning the number of
// rows reaped.
func ReapOnce(ctx context.Context, st Store, timeout time.Duration, maxAttempts int) (int, error) {
	n, err := st.ReapExpired(ctx, timeout, maxAttempts)
	if err != nil {
		return 0, xerrors.Errorf("dispatch: reap: %w", err)
	}
	return n, nil
}

// ReapLoop runs ReapOnce every interval (default 60s) until ctx is done.
func ReapLoop(ctx context.Context, st Store, interval, timeout time.Duration, maxAttempts int, router *plog.Router) {
	if interval == 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := ReapOnce(ctx, st, timeout, maxAttempts)
			if err != nil && router != nil {
				router.Logf("-", "build/reap", "reap failed: %v", err)
			} else if n > 0 && router != nil {
				router.Logf("-", "build/reap", "reaped %d expired builds", n)
			}
		}
	}
}

// DeletedArtifactReaperLoop continuously drains deleted-artifact
// tombstones, rate-limited by a 250µs sleep between attempts so it yields
// to other work, per spec §4.4.
func DeletedArtifactReaperLoop(ctx context.Context, st Store, deleteFn func(ctx context.Context, d *model.DeletedArtifact) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		tomb, err := st.NextTombstone(ctx)
		if err != nil {
			if isNoData(err) {
				time.Sleep(250 * time.Microsecond)
				continue
			}
			time.Sleep(time.Second)
			continue
		}
		delErr := deleteFn(ctx, tomb)
		st.ResolveTombstone(ctx, tomb.ID, delErr)
		time.Sleep(250 * time.Microsecond)
	}
}
