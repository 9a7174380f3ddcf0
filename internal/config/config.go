// Package config implements the project registry: a directory tree scanned
// on startup and reload, an fsnotify watch loop combined with the mtime
// compare-and-swap idiom from project.c's project_load_conf, a global LRU,
// and refcounted immutable config snapshots, per spec §4.1 and §9.
package config

import (
	"container/list"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer/internal/model"
)

// ProjectConf is the on-disk JSON shape of <root>/<org>/<name>.json.
type ProjectConf struct {
	RepoURL         string            `json:"repo_url"`
	RefreshInterval int               `json:"refresh_interval_seconds"`
	Branches        []BranchConf      `json:"branches"`
	Targets         []string          `json:"targets"`
	TargetTitles    map[string]string `json:"target_titles,omitempty"`
	Tracks          []TrackConf       `json:"tracks"`
	Log             []LogRouteConf    `json:"log"`
	GitHubKey       string            `json:"github_key"`
	GitHubToken     string            `json:"github_token,omitempty"`
	S3              *S3Conf           `json:"s3,omitempty"`
	// Agents lists the agents authorized to claim this project's builds,
	// per spec §1's shared-secret-per-agent auth model.
	Agents []AgentConf `json:"agents,omitempty"`
	// Webhooks are fire-and-forget HTTP POST targets notified on
	// NOTIFY_REPO_UPDATE (spec §4.2 step 3).
	Webhooks []string `json:"webhooks,omitempty"`
}

// AgentConf is one agent's shared secret, scoped to the project that
// configures it.
type AgentConf struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type BranchConf struct {
	Pattern   string `json:"pattern"`
	Autobuild bool   `json:"autobuild"`
}

type TrackConf struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	BranchPattern string `json:"branch_pattern"`
	Description   string `json:"description,omitempty"`
}

type LogRouteConf struct {
	Target        string   `json:"target"` // "syslog" or "stderr"
	Contexts      []string `json:"context"`
	PrefixProject bool     `json:"prefix_project"`
}

type S3Conf struct {
	Bucket      string `json:"bucket"`
	Prefix      string `json:"prefix"`
	AccessKeyID string `json:"access_key_id"`
	Secret      string `json:"secret"`
}

// snapshot is the immutable, refcounted config tree returned by GetCfg.
type snapshot struct {
	conf *ProjectConf
	refs int32
	mu   sync.Mutex
}

// entry is one project's registry state.
type entry struct {
	id       string // org/name
	path     string
	mtime    time.Time
	snap     *snapshot
	pending  model.PendingJob
	refresh  time.Duration
	lastTick time.Time
	lruElem  *list.Element
}

// Registry scans Root for <org>/<name>.json project config files.
type Registry struct {
	Root string

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently touched

	watcher *fsnotify.Watcher
}

// NewRegistry creates a Registry rooted at root and performs an initial
// scan.
func NewRegistry(root string) (*Registry, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("config: new watcher: %w", err)
	}
	r := &Registry{
		Root:    root,
		entries: make(map[string]*entry),
		lru:     list.New(),
		watcher: w,
	}
	if err := r.Refresh(); err != nil {
		w.Close()
		return nil, err
	}
	if err := filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			w.Add(p)
		}
		return nil
	}); err != nil {
		w.Close()
		return nil, xerrors.Errorf("config: watch tree: %w", err)
	}
	return r, nil
}

// Watch runs the fsnotify-driven reload loop until stop is closed. Writes
// to unrelated files (editor swap files, .git locks) are no-ops because
// Refresh still mtime-compares before replacing anything.
func (r *Registry) Watch(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.Refresh()
			}
		case <-r.watcher.Errors:
		}
	}
}

// Close stops the watcher.
func (r *Registry) Close() error { return r.watcher.Close() }

// Refresh rescans Root: parses every <org>/<name>.json, compares mtime with
// the cached copy, replaces atomically on change. Disappeared files are
// evicted. Idempotent: an unchanged file produces no notification (spec §8).
func (r *Registry) Refresh() error {
	seen := make(map[string]bool)

	orgs, err := os.ReadDir(r.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("config: read root: %w", err)
	}
	for _, org := range orgs {
		if !org.IsDir() {
			continue
		}
		orgDir := filepath.Join(r.Root, org.Name())
		files, err := os.ReadDir(orgDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			id := org.Name() + "/" + f.Name()[:len(f.Name())-len(".json")]
			path := filepath.Join(orgDir, f.Name())
			seen[id] = true
			if err := r.loadOne(id, path); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if !seen[id] {
			r.lru.Remove(e.lruElem)
			delete(r.entries, id)
		}
	}
	return nil
}

func (r *Registry) loadOne(id, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && !fi.ModTime().After(e.mtime) {
		r.mu.Unlock()
		return nil // unchanged: idempotent, no notification
	}
	r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Errorf("config: read %s: %w", path, err)
	}
	var conf ProjectConf
	if err := json.Unmarshal(data, &conf); err != nil {
		return xerrors.Errorf("config: parse %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[id]
	if !ok {
		e = &entry{id: id, path: path}
		e.lruElem = r.lru.PushFront(e)
		r.entries[id] = e
	}
	e.mtime = fi.ModTime()
	e.snap = &snapshot{conf: &conf}
	e.refresh = time.Duration(conf.RefreshInterval) * time.Second
	e.pending |= model.UpdateRepo
	return nil
}

// Get reports whether a project is registered, moving it to the front of
// the LRU if so.
func (r *Registry) Get(id string) (exists bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	r.lru.MoveToFront(e.lruElem)
	return true
}

// ConfigSnapshot is a retained handle over an immutable ProjectConf; callers
// must call Release when done, matching spec §9's refcounted snapshots.
type ConfigSnapshot struct {
	snap *snapshot
}

func (c *ConfigSnapshot) Conf() *ProjectConf { return c.snap.conf }

// Release decrements the snapshot's refcount.
func (c *ConfigSnapshot) Release() {
	c.snap.mu.Lock()
	c.snap.refs--
	c.snap.mu.Unlock()
}

// GetCfg retains and returns a project's current config snapshot. Readers
// who retain a snapshot keep seeing it even if a concurrent Refresh swaps
// in a new one, per spec §9.
func (r *Registry) GetCfg(id string) (*ConfigSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.snap.mu.Lock()
	e.snap.refs++
	e.snap.mu.Unlock()
	return &ConfigSnapshot{snap: e.snap}, true
}

// PendingMask returns and clears a project's pending-job bitmask, matching
// the worker scheduler's "snapshot then clear" step (spec §4.2).
func (r *Registry) PendingMask(id string) model.PendingJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0
	}
	mask := e.pending
	e.pending = 0
	return mask
}

// Schedule ORs bits into a project's pending mask (e.g. from an RPC
// handler reacting to a GitHub webhook or a "done" report).
func (r *Registry) Schedule(id string, mask model.PendingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.pending |= mask
	}
}

// DueRefreshes returns ids whose periodic refresh interval has elapsed,
// reasserting UPDATE_REPO for them, and the nearest remaining deadline for
// the single dispatcher task's timed condition wait (spec §4.1).
func (r *Registry) DueRefreshes(now time.Time) (due []string, nextDeadline time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nextDeadline = time.Hour
	for id, e := range r.entries {
		if e.refresh <= 0 {
			continue
		}
		deadline := e.lastTick.Add(e.refresh)
		if !now.Before(deadline) {
			e.pending |= model.UpdateRepo
			e.lastTick = now
			due = append(due, id)
			deadline = now.Add(e.refresh)
		}
		if remaining := deadline.Sub(now); remaining < nextDeadline {
			nextDeadline = remaining
		}
	}
	return due, nextDeadline
}

// ValidateAgent checks (agent, secret) against every registered project's
// configured agent list, matching spec §1's shared-secret-per-agent model:
// an agent's credentials are whatever project owner configured it, not
// scoped to a single project at claim time (an agent may build for several
// projects with the same secret).
func (r *Registry) ValidateAgent(agent, secret string) bool {
	if agent == "" || secret == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.snap == nil {
			continue
		}
		for _, a := range e.snap.conf.Agents {
			if a.Name == agent && a.Secret == secret {
				return true
			}
		}
	}
	return false
}

// IDs returns all currently registered project ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
