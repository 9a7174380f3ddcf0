// Package restapi exposes read-only JSON queries over builds, artifacts,
// and releases for UIs, per spec §4.4's last row and §6's
// /projects/<id>/... routes. Grounded on cmd/distri-repobrowser's
// http.NewServeMux + errHandlerFunc wrapper style.
package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/doozer-build/doozer/internal/model"
)

// Store is the subset of internal/store.Store the REST surface reads.
type Store interface {
	RecentBuilds(ctx context.Context, project string, limit int) ([]model.Build, error)
	CountBuilds(ctx context.Context, project string) (int, error)
	BuildByID(ctx context.Context, id int64) (*model.Build, error)
	BuildsByRevision(ctx context.Context, project, revision string) ([]model.Build, error)
}

// ReleaseReader exposes the currently published manifests for the releases
// view.
type ReleaseReader interface {
	CurrentManifests(project string) (map[string]interface{}, error)
}

// Server implements the /projects/<id>/... read API.
type Server struct {
	Store    Store
	Releases ReleaseReader
}

// errHandlerFunc adapts a handler that may return an error into an
// http.HandlerFunc, matching cmd/distri-repobrowser's wrapper.
type errHandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (f errHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := f(w, r); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Mux returns the REST surface mounted at /projects/.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/projects/", errHandlerFunc(s.route))
	return mux
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) error {
	path := strings.TrimPrefix(r.URL.Path, "/projects/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		http.NotFound(w, r)
		return nil
	}
	// Project ids are "<org>/<name>", so the first two segments name the
	// project and the rest (which may itself hold a slash, as in
	// "builds/<id>") is the leaf.
	project := parts[0] + "/" + parts[1]
	leaf := parts[2]

	switch {
	case leaf == "builds.json":
		return s.buildsJSON(w, r, project)
	case leaf == "builds.count":
		return s.buildsCount(w, r, project)
	case strings.HasPrefix(leaf, "builds/"):
		return s.buildByID(w, r, strings.TrimPrefix(leaf, "builds/"))
	case strings.HasPrefix(leaf, "revisions/"):
		return s.revisionBuilds(w, r, project, strings.TrimPrefix(leaf, "revisions/"))
	case leaf == "releases.json":
		return s.releasesJSON(w, r, project)
	}
	http.NotFound(w, r)
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) buildsJSON(w http.ResponseWriter, r *http.Request, project string) error {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	builds, err := s.Store.RecentBuilds(r.Context(), project, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, builds)
}

func (s *Server) buildsCount(w http.ResponseWriter, r *http.Request, project string) error {
	n, err := s.Store.CountBuilds(r.Context(), project)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]int{"count": n})
}

func (s *Server) buildByID(w http.ResponseWriter, r *http.Request, idStr string) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "bad build id", http.StatusBadRequest)
		return nil
	}
	b, err := s.Store.BuildByID(r.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, b)
}

func (s *Server) revisionBuilds(w http.ResponseWriter, r *http.Request, project, revision string) error {
	builds, err := s.Store.BuildsByRevision(r.Context(), project, revision)
	if err != nil {
		return err
	}
	return writeJSON(w, builds)
}

func (s *Server) releasesJSON(w http.ResponseWriter, r *http.Request, project string) error {
	if s.Releases == nil {
		http.Error(w, "releases not configured", http.StatusServiceUnavailable)
		return nil
	}
	manifests, err := s.Releases.CurrentManifests(project)
	if err != nil {
		return err
	}
	return writeJSON(w, manifests)
}
