// Package rpc implements the buildmaster's HTTP RPC surface: hello,
// getjob, artifact, report, and the GitHub webhook endpoint, per spec §4.4
// and §6. Content negotiation between application/json and the legacy
// text/plain key=value body follows the request's Accept header.
package rpc

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer"
	"github.com/doozer-build/doozer/internal/dispatch"
	"github.com/doozer-build/doozer/internal/model"
	"github.com/doozer-build/doozer/internal/patchcache"
	"github.com/doozer-build/doozer/internal/plog"
	"github.com/doozer-build/doozer/internal/storage"
)

// AgentAuth validates an (agent, secret) pair against project configuration.
type AgentAuth interface {
	Validate(agent, secret string) bool
}

// Config gives the RPC layer read access to per-project settings it needs:
// long-poll timeout, max build attempts, storage backend selection, and
// GitHub webhook shared keys.
type Config interface {
	LongpollTimeout(project string) time.Duration
	MaxAttempts(project string) int
	Storage(project string) storage.Backend
	UsesS3(project string) bool
	GitHubWebhookKey(project string) string
	// GitHubToken returns an optional personal-access token used to poll the
	// commits API when a push event's commit list was truncated by GitHub
	// (payloads cap at 20 commits); empty disables the fallback.
	GitHubToken(project string) string
	// RepoURL returns the upstream Git remote an agent's checkout step
	// clones/pulls from; part of the job descriptor returned by GetJob
	// (spec §4.5 step 1, §6).
	RepoURL(project string) string
	// PatchCache returns the bsdiff patch cache used by File to serve
	// Accept-Encoding: bspatch-from-<oldsha1> requests (spec §4.8); nil
	// disables on-demand patch generation.
	PatchCache(project string) *patchcache.Cache
	ScheduleNotify(project string, mask model.PendingJob)
}

// ArtifactStore is the subset of the store the file-serving endpoint needs
// beyond dispatch.Store: content-addressed lookup and download counters.
type ArtifactStore interface {
	ArtifactBySHA1(ctx context.Context, sha1 string) (*model.Artifact, error)
	IncrDownload(ctx context.Context, artifactID int64, viaPatch bool) error
	BuildByID(ctx context.Context, id int64) (*model.Build, error)
}

// Server holds the dependencies shared by all RPC handlers.
type Server struct {
	Store  dispatch.Store
	Auth   AgentAuth
	Config Config
	Router *plog.Router
}

// ErrBadRequest maps to 400; callers never retry it.
var ErrBadRequest = xerrors.New("rpc: bad request")

func writeKV(w http.ResponseWriter, r *http.Request, kv map[string]string) {
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		obj := make(map[string]interface{}, len(kv))
		for k, v := range kv {
			obj[k] = v
		}
		json.NewEncoder(w).Encode(obj)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for k, v := range kv {
		fmt.Fprintf(w, "%s=%s\n", k, v)
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// Hello validates (agent, secret) per spec §6.
func (s *Server) Hello(w http.ResponseWriter, r *http.Request) {
	agent := r.FormValue("agent")
	secret := r.FormValue("secret")
	if agent == "" || secret == "" {
		http.Error(w, "missing agent/secret", http.StatusBadRequest)
		return
	}
	if !s.Auth.Validate(agent, secret) {
		http.Error(w, "bad credentials", http.StatusForbidden)
		return
	}
	io.WriteString(w, "welcome\n")
}

// GetJob implements the long-poll claim RPC (spec §4.4).
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	agent := r.FormValue("agent")
	secret := r.FormValue("secret")
	if agent == "" || secret == "" {
		http.Error(w, "missing agent/secret", http.StatusBadRequest)
		return
	}
	if !s.Auth.Validate(agent, secret) {
		http.Error(w, "bad credentials", http.StatusForbidden)
		return
	}
	targetsParam := r.FormValue("targets")
	if strings.TrimSpace(targetsParam) == "" {
		http.Error(w, "targets required", http.StatusBadRequest)
		return
	}
	targets := strings.Split(targetsParam, ",")

	timeout := s.Config.LongpollTimeout("")
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)

	claim, err := dispatch.ClaimLoop(r.Context(), s.Store, agent, targets, deadline)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if claim == nil {
		writeKV(w, r, map[string]string{"type": "none"})
		return
	}

	b := claim.Build
	kv := map[string]string{
		"type":      "build",
		"id":        strconv.FormatInt(b.ID, 10),
		"revision":  b.Revision,
		"target":    b.Target,
		"jobsecret": b.JobSecret,
		"project":   b.Project,
		"version":   b.Version,
		"repo":      s.Config.RepoURL(b.Project),
		"no_output": strconv.FormatBool(b.NoOutput),
	}
	writeKV(w, r, kv)
	w.(http.Flusher).Flush()

	// Commit only after the response body has been flushed, per spec §4.4
	// and §9; a network error before flush rolls the row back to pending.
	if err := claim.Commit(); err != nil {
		claim.Rollback()
	}
}

// Artifact implements the artifact PUT endpoint. Honors 100-continue by
// never reading the body before deciding embedded/file/s3 (spec §4.4).
func (s *Server) Artifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := r.FormValue("jobid")
	jobSecret := r.FormValue("jobsecret")
	typ := r.FormValue("type")
	name := r.FormValue("name")
	md5sum := r.FormValue("md5sum")
	sha1sum := r.FormValue("sha1sum")
	if jobID == "" || jobSecret == "" || name == "" || sha1sum == "" {
		http.Error(w, "missing required parameter", http.StatusBadRequest)
		return
	}

	project := r.FormValue("project")
	if s.Config.UsesS3(project) {
		backend := s.Config.Storage(project)
		_, redirectURL, err := backend.Open(r.Context(), jobID+"/"+name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Location", redirectURL)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}

	contentType := r.Header.Get("Content-Type")
	contentLength := r.ContentLength

	small := contentLength >= 0 && contentLength <= 16384 && strings.HasPrefix(contentType, "text/plain")
	h1 := sha1.New()
	h2 := md5.New()
	body := io.TeeReader(r.Body, io.MultiWriter(h1, h2))

	a := &model.Artifact{
		Type:        typ,
		Name:        name,
		ContentType: contentType,
		SHA1:        sha1sum,
		MD5:         md5sum,
	}
	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		a.Encoding = enc
		if origStr := r.FormValue("origsize"); origStr != "" {
			a.OrigSize, _ = strconv.ParseInt(origStr, 10, 64)
		}
	}

	if small {
		data, err := io.ReadAll(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if hex.EncodeToString(h1.Sum(nil)) != sha1sum {
			http.Error(w, "sha1 mismatch", http.StatusBadRequest)
			return
		}
		a.Storage = doozer.StorageEmbedded
		a.Payload = string(data)
		a.Size = int64(len(data))
	} else {
		backend, ok := s.Config.Storage(project).(interface {
			Put(key string, r io.Reader) error
		})
		if !ok {
			http.Error(w, "file storage unavailable", http.StatusInternalServerError)
			return
		}
		if err := backend.Put(jobID+"/"+name, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if hex.EncodeToString(h1.Sum(nil)) != sha1sum {
			http.Error(w, "sha1 mismatch", http.StatusBadRequest)
			return
		}
		a.Storage = doozer.StorageFile
		a.Payload = jobID + "/" + name
		a.Size = contentLength
	}

	if id, err := strconv.ParseInt(jobID, 10, 64); err == nil {
		a.BuildID = id
		if inserter, ok := s.Store.(interface {
			InsertArtifact(ctx context.Context, a *model.Artifact) (int64, error)
		}); ok {
			if _, err := inserter.InsertArtifact(r.Context(), a); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Report implements the status-report endpoint (spec §4.4).
func (s *Server) Report(w http.ResponseWriter, r *http.Request) {
	jobIDStr := r.FormValue("jobid")
	jobSecret := r.FormValue("jobsecret")
	status := r.FormValue("status")
	msg := r.FormValue("msg")
	jobID, err := strconv.ParseInt(jobIDStr, 10, 64)
	if jobIDStr == "" || err != nil || jobSecret == "" || status == "" {
		http.Error(w, "missing required parameter", http.StatusBadRequest)
		return
	}

	project := r.FormValue("project")
	maxAttempts := s.Config.MaxAttempts(project)

	storeImpl, ok := s.Store.(interface {
		Report(ctx context.Context, jobID int64, jobSecret, status, msg string, maxAttempts int) error
	})
	if !ok {
		http.Error(w, "report unsupported", http.StatusInternalServerError)
		return
	}
	if err := storeImpl.Report(r.Context(), jobID, jobSecret, status, msg, maxAttempts); err != nil {
		if xerrors.Is(err, errPrecondition) {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status == "done" {
		if project == "" {
			if artifacts, ok := s.Store.(ArtifactStore); ok {
				if b, err := artifacts.BuildByID(r.Context(), jobID); err == nil && b != nil {
					project = b.Project
				}
			}
		}
		s.Config.ScheduleNotify(project, model.GenerateReleases)
	}
	w.WriteHeader(http.StatusOK)
}

// errPrecondition mirrors store.ErrPrecondition without a direct import (the
// same pattern dispatch.errNoData uses); SetPreconditionSentinel wires it.
var errPrecondition = xerrors.New("rpc: precondition sentinel (unset)")

// SetPreconditionSentinel installs store.ErrPrecondition for errors.Is
// comparisons in Report.
func SetPreconditionSentinel(err error) { errPrecondition = err }

// errNoData mirrors store.ErrNoData without a direct import, the same
// sentinel-wiring pattern dispatch.errNoData and errPrecondition use.
var errNoData = xerrors.New("rpc: no-data sentinel (unset)")

// SetNoDataSentinel installs store.ErrNoData for errors.Is comparisons in
// File.
func SetNoDataSentinel(err error) { errNoData = err }

func isNoData(err error) bool { return xerrors.Is(err, errNoData) }

// GitHubWebhook implements the /github endpoint: validates the shared key
// query parameter, parses the webhook payload with go-github, and schedules
// UPDATE_REPO/NOTIFY_REPO_UPDATE instead of waiting for the refresh tick
// (supplemented feature 5, server/github.c).
func (s *Server) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	project := r.FormValue("project")
	key := r.FormValue("key")
	if project == "" || key == "" {
		http.Error(w, "missing project/key", http.StatusBadRequest)
		return
	}
	if key != s.Config.GitHubWebhookKey(project) {
		http.Error(w, "bad key", http.StatusForbidden)
		return
	}
	payload, err := github.ParseWebHook(r.Header.Get("X-GitHub-Event"), []byte(r.FormValue("payload")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch push := payload.(type) {
	case *github.PushEvent:
		s.Config.ScheduleNotify(project, model.UpdateRepo|model.NotifyRepoUpdate)
		// GitHub truncates a push event's embedded commit list at 20
		// entries; when that happens, fall back to the authenticated
		// commits API to learn the true range for logging/diagnostics.
		if len(push.Commits) == 20 {
			if token := s.Config.GitHubToken(project); token != "" {
				// Detached from the request context: the fetch continues
				// after this handler returns and the request is done.
				go s.fetchTruncatedCommits(context.Background(), token, push)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) fetchTruncatedCommits(ctx context.Context, token string, push *github.PushEvent) {
	owner := push.GetRepo().GetOwner().GetLogin()
	repo := push.GetRepo().GetName()
	if owner == "" || repo == "" {
		return
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	commits, _, err := client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		SHA:         push.GetAfter(),
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		if s.Router != nil {
			s.Router.Logf(owner+"/"+repo, "build/queue", "truncated push commit list: fetch fallback failed: %v", err)
		}
		return
	}
	if s.Router != nil {
		s.Router.Logf(owner+"/"+repo, "build/queue", "truncated push commit list: fetched %d commits via API fallback", len(commits))
	}
}

// File implements GET /file/<sha1> (spec §4.8): resolves an artifact by
// content hash, negotiates gzip/plain/bsdiff-patch encoding against
// Accept-Encoding, redirects to S3 when that's the backing store, and
// increments dlcount/patchcount on a successful serve.
func (s *Server) File(w http.ResponseWriter, r *http.Request) {
	sha1sum := strings.TrimPrefix(r.URL.Path, "/file/")
	if sha1sum == "" || strings.ContainsRune(sha1sum, '/') {
		http.NotFound(w, r)
		return
	}
	artifacts, ok := s.Store.(ArtifactStore)
	if !ok {
		http.Error(w, "artifact serving unsupported", http.StatusInternalServerError)
		return
	}
	a, err := artifacts.ArtifactBySHA1(r.Context(), sha1sum)
	if err != nil {
		if isNoData(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	build, err := artifacts.BuildByID(r.Context(), a.BuildID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if oldSHA1, ok := patchFromAcceptEncoding(r.Header.Get("Accept-Encoding")); ok {
		if s.servePatch(w, r, artifacts, build.Project, oldSHA1, a) {
			return
		}
		// Patch couldn't be built (missing old artifact, bsdiff
		// unavailable, unsupported storage): fall through to a full serve.
	}

	switch a.Storage {
	case doozer.StorageEmbedded:
		w.Header().Set("Content-Type", a.ContentType)
		io.WriteString(w, a.Payload)
		artifacts.IncrDownload(r.Context(), a.ID, false)
	case doozer.StorageS3:
		backend := s.Config.Storage(build.Project)
		_, redirectURL, err := backend.Open(r.Context(), a.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		artifacts.IncrDownload(r.Context(), a.ID, false)
		http.Redirect(w, r, redirectURL, http.StatusFound)
	default:
		backend := s.Config.Storage(build.Project)
		rc, _, err := backend.Open(r.Context(), a.Payload)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", a.ContentType)
		switch {
		case a.Encoding == "gzip" && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"):
			w.Header().Set("Content-Encoding", "gzip")
			io.Copy(w, rc)
		case a.Encoding == "gzip":
			gz, err := kgzip.NewReader(rc)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defer gz.Close()
			io.Copy(w, gz)
		default:
			io.Copy(w, rc)
		}
		artifacts.IncrDownload(r.Context(), a.ID, false)
	}
}

// patchFromAcceptEncoding extracts oldSha1 from a "bspatch-from-<oldsha1>"
// Accept-Encoding token, per spec §4.8.
func patchFromAcceptEncoding(acceptEncoding string) (string, bool) {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		enc = strings.TrimSpace(enc)
		if strings.HasPrefix(enc, "bspatch-from-") {
			return strings.TrimPrefix(enc, "bspatch-from-"), true
		}
	}
	return "", false
}

// servePatch serves a bsdiff patch from oldSHA1's bytes to newArtifact's
// bytes, generating and caching it on miss (spec §4.8's patch cache). It
// returns false (without writing a response) when the patch cannot be
// produced, so the caller can fall back to a full serve.
func (s *Server) servePatch(w http.ResponseWriter, r *http.Request, artifacts ArtifactStore, project, oldSHA1 string, newArtifact *model.Artifact) bool {
	cache := s.Config.PatchCache(project)
	if cache == nil {
		return false
	}
	oldArtifact, err := artifacts.ArtifactBySHA1(r.Context(), oldSHA1)
	if err != nil {
		return false
	}
	oldPath, oldCleanup, err := materializePlain(s.Config, project, oldArtifact)
	if err != nil {
		return false
	}
	defer oldCleanup()
	newPath, newCleanup, err := materializePlain(s.Config, project, newArtifact)
	if err != nil {
		return false
	}
	defer newCleanup()

	dest, err := cache.Get(r.Context(), oldSHA1, newArtifact.SHA1, oldPath, newPath)
	if err != nil {
		if s.Router != nil {
			s.Router.Logf(project, "artifact/serve", "patch %s-%s: %v", oldSHA1, newArtifact.SHA1, err)
		}
		return false
	}
	f, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer f.Close()
	w.Header().Set("Content-Type", "binary/bsdiff")
	w.Header().Set("Content-Encoding", "bspatch-from-"+oldSHA1)
	if _, err := io.Copy(w, f); err != nil {
		return true // headers already sent; nothing useful left to fall back to
	}
	artifacts.IncrDownload(r.Context(), newArtifact.ID, true)
	return true
}

// materializePlain returns a filesystem path to a's uncompressed bytes
// (decoding gzip if that's how it's stored) for bsdiff to diff against, and
// a cleanup func to remove any temp file it created.
func materializePlain(cfg Config, project string, a *model.Artifact) (string, func(), error) {
	switch a.Storage {
	case doozer.StorageEmbedded:
		return writeTemp([]byte(a.Payload))
	case doozer.StorageFile:
		backend, ok := cfg.Storage(project).(interface{ Path(key string) string })
		if !ok {
			return "", nil, xerrors.New("rpc: file backend required for patch source")
		}
		path := backend.Path(a.Payload)
		if a.Encoding == "gzip" {
			return decodeGzipToTemp(path)
		}
		return path, func() {}, nil
	default:
		return "", nil, xerrors.New("rpc: unsupported storage for patch source")
	}
}

func writeTemp(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "doozer-artifact-*")
	if err != nil {
		return "", nil, xerrors.Errorf("rpc: temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", nil, xerrors.Errorf("rpc: write temp: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func decodeGzipToTemp(gzPath string) (string, func(), error) {
	src, err := os.Open(gzPath)
	if err != nil {
		return "", nil, xerrors.Errorf("rpc: open %s: %w", gzPath, err)
	}
	defer src.Close()
	gz, err := kgzip.NewReader(src)
	if err != nil {
		return "", nil, xerrors.Errorf("rpc: gzip reader %s: %w", gzPath, err)
	}
	defer gz.Close()
	dst, err := os.CreateTemp("", "doozer-artifact-plain-*")
	if err != nil {
		return "", nil, xerrors.Errorf("rpc: temp file: %w", err)
	}
	if _, err := io.Copy(dst, gz); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", nil, xerrors.Errorf("rpc: inflate %s: %w", gzPath, err)
	}
	dst.Close()
	return dst.Name(), func() { os.Remove(dst.Name()) }, nil
}
