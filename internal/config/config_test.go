package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doozer-build/doozer/internal/model"
)

func writeProjectConf(t *testing.T, root, org, name string, conf ProjectConf) {
	t.Helper()
	dir := filepath.Join(root, org)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	data, err := json.Marshal(conf)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNewRegistryScansProjects(t *testing.T) {
	root := t.TempDir()
	writeProjectConf(t, root, "org", "proj", ProjectConf{RepoURL: "https://example.com/proj.git"})

	r, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()

	if ok := r.Get("org/proj"); !ok {
		t.Error("Get(\"org/proj\") = false, want true after initial scan")
	}

	snap, ok := r.GetCfg("org/proj")
	if !ok {
		t.Fatal("GetCfg(\"org/proj\") ok = false, want true")
	}
	defer snap.Release()
	if snap.Conf().RepoURL != "https://example.com/proj.git" {
		t.Errorf("Conf().RepoURL = %q, want %q", snap.Conf().RepoURL, "https://example.com/proj.git")
	}

	// The initial scan asserts UPDATE_REPO for every discovered project.
	mask := r.PendingMask("org/proj")
	if !mask.Has(model.UpdateRepo) {
		t.Errorf("PendingMask() = %v, want UpdateRepo set after initial scan", mask)
	}
	if mask2 := r.PendingMask("org/proj"); mask2 != 0 {
		t.Errorf("second PendingMask() = %v, want 0 (cleared by first read)", mask2)
	}
}

func TestRefreshIsIdempotentOnUnchangedMtime(t *testing.T) {
	root := t.TempDir()
	writeProjectConf(t, root, "org", "proj", ProjectConf{RepoURL: "https://example.com/a.git"})

	r, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()

	// Drain the pending mask from the initial scan.
	r.PendingMask("org/proj")

	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if mask := r.PendingMask("org/proj"); mask != 0 {
		t.Errorf("PendingMask() after no-op refresh = %v, want 0", mask)
	}
}

func TestRefreshEvictsDisappearedProjects(t *testing.T) {
	root := t.TempDir()
	writeProjectConf(t, root, "org", "proj", ProjectConf{RepoURL: "https://example.com/a.git"})

	r, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()

	if err := os.Remove(filepath.Join(root, "org", "proj.json")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if ok := r.Get("org/proj"); ok {
		t.Error("Get(\"org/proj\") = true, want false after its config file was removed")
	}
}

func TestScheduleOrsPendingMask(t *testing.T) {
	root := t.TempDir()
	writeProjectConf(t, root, "org", "proj", ProjectConf{})

	r, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()
	r.PendingMask("org/proj") // drain initial UpdateRepo

	r.Schedule("org/proj", model.GenerateReleases)
	r.Schedule("org/proj", model.NotifyRepoUpdate)

	mask := r.PendingMask("org/proj")
	if !mask.Has(model.GenerateReleases) || !mask.Has(model.NotifyRepoUpdate) {
		t.Errorf("PendingMask() = %v, want both GenerateReleases and NotifyRepoUpdate set", mask)
	}
	if mask.Has(model.CheckForBuilds) {
		t.Errorf("PendingMask() = %v, want CheckForBuilds unset", mask)
	}
}

func TestDueRefreshes(t *testing.T) {
	root := t.TempDir()
	writeProjectConf(t, root, "org", "proj", ProjectConf{RefreshInterval: 1})

	r, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()

	now := time.Now()
	due, _ := r.DueRefreshes(now)
	if len(due) != 1 || due[0] != "org/proj" {
		t.Errorf("DueRefreshes() = %v, want [\"org/proj\"] on first call", due)
	}

	// Immediately re-checking should find nothing due yet.
	due2, next := r.DueRefreshes(now)
	if len(due2) != 0 {
		t.Errorf("DueRefreshes() = %v, want none immediately after a tick", due2)
	}
	if next <= 0 {
		t.Errorf("DueRefreshes() nextDeadline = %v, want positive", next)
	}
}
