// Package heap manages per-project scratch directories on the agent,
// mirroring agent/heap_simple.c and heap_btrfs.c: a "simple" variant that
// mkdirs a plain directory tree, and a "btrfs" variant that would create a
// subvolume via ioctl. Per spec §9, the two differ only in that ioctl;
// btrfs subvolume management is an explicit out-of-scope external
// collaborator, so the btrfs variant here is a defined interface case that
// returns ErrUnsupported rather than a fake ioctl wrapper.
package heap

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// ErrUnsupported is returned by the btrfs variant, which this module does
// not implement (subvolume ioctls are out of scope per spec §1).
var ErrUnsupported = xerrors.New("heap: btrfs subvolume support not built")

// Heap creates a project's scratch area at
// <Root>/<org>/<name>/{checkout,workdir}, per spec §6's persisted state
// layout.
type Heap interface {
	// Dir returns (creating if necessary) the project's root heap
	// directory.
	Dir(ctx context.Context, org, name string) (string, error)
	// Checkout returns the project's checkout subdirectory.
	Checkout(ctx context.Context, org, name string) (string, error)
	// Workdir returns the project's workdir subdirectory.
	Workdir(ctx context.Context, org, name string) (string, error)
}

// Simple implements Heap as plain nested directories.
type Simple struct {
	Root string
}

func (s Simple) Dir(ctx context.Context, org, name string) (string, error) {
	dir := filepath.Join(s.Root, org, name)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", xerrors.Errorf("heap: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

func (s Simple) Checkout(ctx context.Context, org, name string) (string, error) {
	return s.subdir(ctx, org, name, "checkout")
}

func (s Simple) Workdir(ctx context.Context, org, name string) (string, error) {
	return s.subdir(ctx, org, name, "workdir")
}

func (s Simple) subdir(ctx context.Context, org, name, leaf string) (string, error) {
	base, err := s.Dir(ctx, org, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, leaf)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", xerrors.Errorf("heap: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// Btrfs would create one subvolume per project via the btrfs ioctl; not
// implemented here, per the package doc.
type Btrfs struct {
	Root string
}

func (Btrfs) Dir(ctx context.Context, org, name string) (string, error) {
	return "", ErrUnsupported
}

func (Btrfs) Checkout(ctx context.Context, org, name string) (string, error) {
	return "", ErrUnsupported
}

func (Btrfs) Workdir(ctx context.Context, org, name string) (string, error) {
	return "", ErrUnsupported
}

// New returns Btrfs if available, otherwise falls back to Simple, matching
// the original agent's runtime capability probe.
func New(root string, preferBtrfs bool) Heap {
	if preferBtrfs {
		if _, err := (Btrfs{Root: root}).Dir(context.Background(), "probe", "probe"); err == nil {
			return Btrfs{Root: root}
		}
	}
	return Simple{Root: root}
}
