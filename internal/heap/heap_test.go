package heap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSimpleCheckoutAndWorkdir(t *testing.T) {
	root := t.TempDir()
	s := Simple{Root: root}
	ctx := context.Background()

	checkout, err := s.Checkout(ctx, "org", "proj")
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if want := filepath.Join(root, "org", "proj", "checkout"); checkout != want {
		t.Errorf("Checkout() = %q, want %q", checkout, want)
	}
	if fi, err := os.Stat(checkout); err != nil || !fi.IsDir() {
		t.Errorf("Checkout() dir not created: err=%v", err)
	}

	workdir, err := s.Workdir(ctx, "org", "proj")
	if err != nil {
		t.Fatalf("Workdir() error = %v", err)
	}
	if want := filepath.Join(root, "org", "proj", "workdir"); workdir != want {
		t.Errorf("Workdir() = %q, want %q", workdir, want)
	}
}

func TestBtrfsUnsupported(t *testing.T) {
	b := Btrfs{Root: t.TempDir()}
	ctx := context.Background()

	if _, err := b.Dir(ctx, "org", "proj"); err != ErrUnsupported {
		t.Errorf("Dir() error = %v, want ErrUnsupported", err)
	}
	if _, err := b.Checkout(ctx, "org", "proj"); err != ErrUnsupported {
		t.Errorf("Checkout() error = %v, want ErrUnsupported", err)
	}
	if _, err := b.Workdir(ctx, "org", "proj"); err != ErrUnsupported {
		t.Errorf("Workdir() error = %v, want ErrUnsupported", err)
	}
}

func TestNewFallsBackToSimpleWhenBtrfsUnavailable(t *testing.T) {
	root := t.TempDir()
	h := New(root, true)
	if _, ok := h.(Simple); !ok {
		t.Errorf("New(preferBtrfs=true) = %T, want Simple fallback in a non-btrfs test environment", h)
	}
}
