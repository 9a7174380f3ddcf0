// Package model holds the persistent and transient types shared by the
// dispatch core, the agent, and the release maker.
package model

import (
	"time"

	"github.com/doozer-build/doozer"
)

// Project is a buildable unit identified by org/name. The in-memory copy is
// owned by internal/config; callers hold it only for the duration of a
// single request or worker iteration.
type Project struct {
	ID   int64
	Org  string
	Name string

	// RepoURL is the upstream Git remote synced into the bare mirror.
	RepoURL string

	// RefreshInterval is how often UPDATE_REPO is reasserted; zero disables
	// periodic refresh.
	RefreshInterval time.Duration

	// PendingMask is the bitmask of scheduled worker actions.
	PendingMask PendingJob

	// ConfMTime is the mtime of the config file this snapshot was loaded
	// from, used for the compare-and-swap reload check.
	ConfMTime time.Time
}

// PendingJob is a bitmask of work a project's worker task must perform.
type PendingJob uint8

const (
	UpdateRepo PendingJob = 1 << iota
	CheckForBuilds
	GenerateReleases
	NotifyRepoUpdate
)

func (m PendingJob) Has(bit PendingJob) bool { return m&bit != 0 }

// Build is a persistent row describing one attempted or completed build.
type Build struct {
	ID       int64
	Project  string // org/name
	Revision string // 40-hex
	Target   string
	Version  string
	Reason   string

	Status doozer.Status

	Agent     string
	JobSecret string // base-10 uint32, opaque

	Attempts int

	Created      time.Time
	StatusChange time.Time
	BuildStart   *time.Time
	BuildEnd     *time.Time

	ProgressText string
	NoOutput     bool
}

// Artifact is a named blob produced by a build, addressed globally by SHA-1.
type Artifact struct {
	ID      int64
	BuildID int64

	Type string
	Name string
	Size int64

	MD5  string // 32-hex
	SHA1 string // 40-hex

	ContentType string
	Encoding    string // e.g. "gzip"
	OrigSize    int64

	Storage doozer.StorageKind
	Payload string // inline bytes path-encoded, relative path, or object key

	DLCount    int64
	PatchCount int64
}

// DeletedArtifact is a tombstone copied from Artifact at delete time; the
// reaper drains these by invoking the storage backend's Delete.
type DeletedArtifact struct {
	ID      int64
	SHA1    string
	Storage doozer.StorageKind
	Payload string
	Error   string
}

// Ref is a transient Git reference, as returned by the git adapter.
type Ref struct {
	Name string
	OID  string // 40-hex
}

// Change is a transient commit entry produced while walking a changelog.
type Change struct {
	OID     string
	Tag     string
	Message string
	Version string
}

// BuildKey identifies the (project, revision, target) tuple that must be
// unique among non-terminal builds.
type BuildKey struct {
	Project  string
	Revision string
	Target   string
}
