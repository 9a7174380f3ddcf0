package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedOpen(t *testing.T) {
	rc, redirect, err := Embedded{}.Open(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if redirect != "" {
		t.Errorf("Open() redirect = %q, want empty", redirect)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got := string(data); got != "hello world" {
		t.Errorf("Open() bytes = %q, want %q", got, "hello world")
	}
}

func TestEmbeddedDelete(t *testing.T) {
	if err := (Embedded{}).Delete(context.Background(), "anything"); err != nil {
		t.Errorf("Delete() error = %v, want nil (no-op)", err)
	}
}

func TestFilePutOpenDelete(t *testing.T) {
	dir := t.TempDir()
	f := File{Base: dir}

	key := "42/buildlog"
	content := "build succeeded\n"
	if err := f.Put(key, strings.NewReader(content)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if got := f.Path(key); got != filepath.Join(dir, "42", "buildlog") {
		t.Errorf("Path(%q) = %q, want %q", key, got, filepath.Join(dir, "42", "buildlog"))
	}

	rc, _, err := f.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != content {
		t.Errorf("Open() bytes = %q, want %q", data, content)
	}

	if err := f.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(f.Path(key)); !os.IsNotExist(err) {
		t.Errorf("file still exists after Delete(): err = %v", err)
	}

	// Deleting an already-absent key is a no-op, not an error.
	if err := f.Delete(context.Background(), key); err != nil {
		t.Errorf("Delete() of absent key error = %v, want nil", err)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if err := checkFreeSpace(dir); err != nil {
		t.Errorf("checkFreeSpace(%q) error = %v, want nil for a real tmp filesystem", dir, err)
	}
}
