// Package patchcache generates and serves bsdiff binary patches between two
// artifact versions, mirroring artifact_serve.c's send_patch: a single mutex
// serializes cache-miss creation so concurrent requests for the same
// (old,new) pair do not race to invoke bsdiff twice.
package patchcache

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// ErrUnsupported is returned when the bsdiff binary is unavailable; callers
// should fall back to serving the full artifact.
var ErrUnsupported = xerrors.New("patchcache: bsdiff unavailable")

// Cache stores bsdiff binaries under Dir, keyed "<oldSha1>-<newSha1>", per
// spec §6's persisted state layout.
type Cache struct {
	Dir string

	mu sync.Mutex
}

// Path returns the on-disk path for a (old,new) pair, whether or not it has
// been generated yet.
func (c *Cache) Path(oldSHA1, newSHA1 string) string {
	return filepath.Join(c.Dir, oldSHA1+"-"+newSHA1)
}

// Get returns the path of the cached bsdiff patch for (oldSHA1, newSHA1),
// generating and caching it on miss from oldPath and newPath (already decoded to their
// uncompressed form by the caller, per spec §4.8 step 2).
func (c *Cache) Get(ctx context.Context, oldSHA1, newSHA1, oldPath, newPath string) (string, error) {
	dest := c.Path(oldSHA1, newSHA1)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: another goroutine may have filled the cache while we
	// waited for the lock.
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(c.Dir, 0770); err != nil {
		return "", xerrors.Errorf("patchcache: mkdir: %w", err)
	}
	tmp, err := renameio.TempFile("", dest)
	if err != nil {
		return "", xerrors.Errorf("patchcache: tempfile: %w", err)
	}
	defer tmp.Cleanup()
	tmp.Close()

	cmd := exec.CommandContext(ctx, "bsdiff", oldPath, newPath, tmp.Name())
	if out, err := cmd.CombinedOutput(); err != nil {
		if _, lookErr := exec.LookPath("bsdiff"); lookErr != nil {
			return "", ErrUnsupported
		}
		return "", xerrors.Errorf("patchcache: bsdiff %s %s: %w: %s", oldPath, newPath, err, out)
	}

	// bsdiff wrote the patch to tmp.Name() directly rather than through the
	// PendingFile's Write method, so finalize with a plain rename instead
	// of CloseAtomicallyReplace.
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", xerrors.Errorf("patchcache: finalize: %w", err)
	}
	return dest, nil
}
