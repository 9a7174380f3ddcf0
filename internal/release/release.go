// Package release implements the release maker: for each configured track,
// find the latest successful build reachable from the matching branch's
// tip for every target, and atomically regenerate per-target and aggregate
// manifests. Grounded on releasemaker.c's write_manifest/
// find_successful_build/generate_update_tracks.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer/internal/gitrepo"
	"github.com/doozer-build/doozer/internal/model"
	"github.com/doozer-build/doozer/internal/s3sig"
)

const maxWalkDepth = 100

// Store is the subset of internal/store.Store the release maker needs.
type Store interface {
	FindDoneBuild(ctx context.Context, project, revision, target string) (*model.Build, error)
	ArtifactsForBuild(ctx context.Context, buildID int64) ([]model.Artifact, error)
}

// Track is one configured release channel (spec §4.7).
type Track struct {
	Name          string
	Title         string
	BranchPattern string
	Description   string
}

// TargetEntry configures one (track, target) pair's aggregate visibility.
type TargetEntry struct {
	Target string
	Title  string // empty => excluded from all.json
}

// Publisher writes generated manifest bytes to either a filesystem
// directory or an s3://bucket/prefix destination, per spec §4.7 step 6.
type Publisher interface {
	// Write returns true if the content changed (a real publication),
	// false if it matched the existing content ("no change").
	Write(ctx context.Context, name string, content []byte) (changed bool, err error)
}

// FilePublisher writes manifests under a directory with an atomic
// write-if-changed, using renameio the way the teacher writes config and
// image files atomically.
type FilePublisher struct {
	Dir string
}

func (f FilePublisher) Write(ctx context.Context, name string, content []byte) (bool, error) {
	dest := filepath.Join(f.Dir, name)
	if existing, err := readFileIfExists(dest); err == nil && bytes.Equal(existing, content) {
		return false, nil
	}
	if err := renameio.WriteFile(dest, content, 0644); err != nil {
		return false, xerrors.Errorf("release: write %s: %w", dest, err)
	}
	return true, nil
}

func readFileIfExists(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// S3Publisher PUTs manifests to an S3-compatible bucket/prefix with the
// legacy v2 signature, using a writerseeker buffer so the same client code
// serves both filesystem and S3 destinations (per the teacher's seek-over-
// buffer pattern for abortable/redirectable bodies). Its Write always
// reports changed=true: it does not compare against the object already in
// the bucket.
type S3Publisher struct {
	Bucket, Prefix string
	Creds          s3sig.Creds
	PutFunc        func(ctx context.Context, url, date, authorization, contentType string, body *writerseeker.WriterSeeker) error
}

func (p S3Publisher) Write(ctx context.Context, name string, content []byte) (bool, error) {
	key := path.Join(p.Prefix, name)
	date, auth := p.Creds.SignHeader("PUT", p.Bucket, key, "application/json")
	ws := writerseeker.WriterSeeker{}
	ws.Write(content)
	url := "https://" + p.Bucket + ".s3.amazonaws.com/" + key
	if err := p.PutFunc(ctx, url, date, auth, "application/json", &ws); err != nil {
		return false, xerrors.Errorf("release: s3 put %s: %w", key, err)
	}
	return true, nil
}

// PerTargetManifest is the per-(track,target) manifest document (spec
// §4.7 step 5).
type PerTargetManifest struct {
	Track     string           `json:"track"`
	Target    string           `json:"target"`
	Build     model.Build      `json:"build"`
	Artifacts []model.Artifact `json:"artifacts"`
	Embedded  json.RawMessage  `json:"embedded_manifest,omitempty"`
	Changelog []model.Change   `json:"changelog"`
}

// AggregateEntry is one (track,target) row of all.json.
type AggregateEntry struct {
	Track       string            `json:"track"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Target      string            `json:"target"`
	Artifacts   []model.Artifact  `json:"artifacts"`
}

// Maker regenerates manifests for a project's configured tracks.
type Maker struct {
	Store     Store
	Repo      *gitrepo.Repo
	Publisher Publisher
}

// Run regenerates manifests for every track, writing only those whose
// content changed, and returns the aggregate entries assembled for
// all.json (only tracks with a Description are included, matching spec
// §4.7 step 5).
func (m *Maker) Run(ctx context.Context, tracks []Track, targets []TargetEntry) ([]AggregateEntry, error) {
	branches, err := m.Repo.ListBranches(ctx)
	if err != nil {
		return nil, xerrors.Errorf("release: list branches: %w", err)
	}

	var aggregate []AggregateEntry
	for _, track := range tracks {
		branch, ok := matchTrackBranch(branches, track.BranchPattern)
		if !ok {
			continue
		}
		dag, oids, err := m.Repo.CommitDAG(ctx, branch.OID, maxWalkDepth)
		if err != nil {
			return nil, err
		}
		_ = dag // topological order already encoded by oids' nearest-first ordering

		for _, te := range targets {
			build, manifestJSON, changelog, err := m.findSuccess(ctx, track, te.Target, oids)
			if err != nil {
				return nil, err
			}
			if build == nil {
				continue // warn: no success within the window
			}
			artifacts, err := m.Store.ArtifactsForBuild(ctx, build.ID)
			if err != nil {
				return nil, err
			}

			doc := PerTargetManifest{
				Track:     track.Name,
				Target:    te.Target,
				Build:     *build,
				Artifacts: artifacts,
				Embedded:  manifestJSON,
				Changelog: changelog,
			}
			content, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return nil, xerrors.Errorf("release: marshal manifest: %w", err)
			}
			name := track.Name + "-" + te.Target + ".json"
			if _, err := m.Publisher.Write(ctx, name, content); err != nil {
				return nil, err
			}

			if track.Description != "" && te.Title != "" {
				aggregate = append(aggregate, AggregateEntry{
					Track:       track.Name,
					Title:       te.Title,
					Description: track.Description,
					Target:      te.Target,
					Artifacts:   artifacts,
				})
			}
		}
	}

	allJSON, err := json.MarshalIndent(aggregate, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("release: marshal all.json: %w", err)
	}
	if _, err := m.Publisher.Write(ctx, "all.json", allJSON); err != nil {
		return nil, err
	}
	return aggregate, nil
}

func matchTrackBranch(branches []model.Ref, pattern string) (model.Ref, bool) {
	for _, b := range branches { // already descending-dictionary order
		if ok, _ := filepath.Match(pattern, b.Name); ok {
			return b, true
		}
	}
	return model.Ref{}, false
}

// findSuccess walks oids (nearest-tip first, up to maxWalkDepth) looking for
// the first done build at (project, oid, target).
func (m *Maker) findSuccess(ctx context.Context, track Track, target string, oids []string) (*model.Build, []byte, []model.Change, error) {
	for _, oid := range oids {
		build, err := m.Store.FindDoneBuild(ctx, track.Name, oid, target)
		if err != nil {
			continue
		}
		manifestJSON, _ := m.Repo.GetFile(ctx, oid, "Manifests/"+target+".json")
		changelog, err := m.Repo.Changelog(ctx, oid, 0, 100, false, target)
		if err != nil {
			changelog = nil
		}
		return build, manifestJSON, changelog, nil
	}
	return nil, nil, nil, nil
}
