// Package agent implements the worker process's single long-running task:
// hello handshake with exponential backoff, long-poll claim, checkout,
// build-script selection and supervision, artifact interception, and
// status reporting, per spec §4.5. Grounded on agent/job.c.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer/internal/gitrepo"
	"github.com/doozer-build/doozer/internal/heap"
	"github.com/doozer-build/doozer/internal/spawn"
	"github.com/doozer-build/doozer/internal/uploader"
)

// Job is the parsed getjob response.
type Job struct {
	ID        string
	JobSecret string
	Project   string
	Version   string
	Revision  string
	Target    string
	Repo      string
	NoOutput  bool
}

// Config is the agent's static configuration (spec §4.5 step 1).
type Config struct {
	BuildmasterURL string
	AgentID        string
	Secret         string
	ProjectsDir    string
	Targets        []string
	BuildUID       int
	BuildGID       int
	PreferBtrfs    bool
}

// requiredFields lists the getjob fields that must be present, per spec
// §4.5's job-processing step 1.
var requiredFields = []string{"id", "jobsecret", "project", "version", "revision", "target", "repo"}

// Agent runs the outer loop: hello, long-poll, process.
type Agent struct {
	Config Config
	Client *http.Client
	Heap   heap.Heap
}

// New returns an Agent ready to Run.
func New(cfg Config) *Agent {
	return &Agent{
		Config: cfg,
		Client: http.DefaultClient,
		Heap:   heap.New(filepath.Join(cfg.ProjectsDir, "heap"), cfg.PreferBtrfs),
	}
}

// Run is the outer loop (spec §4.5): hello with exponential backoff, then
// long-poll getjob forever until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := a.hello(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 120*time.Second {
				backoff = 120 * time.Second
			}
			continue
		}
		break
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		job, err := a.getJob(ctx)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue // type=none
		}
		if err := a.process(ctx, job); err != nil {
			// already reported via report(); outer loop just continues.
			_ = err
		}
	}
}

func (a *Agent) hello(ctx context.Context) error {
	u := fmt.Sprintf("%s/buildmaster/hello?agent=%s&secret=%s", a.Config.BuildmasterURL,
		url.QueryEscape(a.Config.AgentID), url.QueryEscape(a.Config.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return xerrors.Errorf("agent: hello transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("agent: hello status %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) getJob(ctx context.Context) (*Job, error) {
	targets := strings.Join(a.Config.Targets, ",")
	u := fmt.Sprintf("%s/buildmaster/getjob?agent=%s&secret=%s&targets=%s",
		a.Config.BuildmasterURL, url.QueryEscape(a.Config.AgentID), url.QueryEscape(a.Config.Secret), url.QueryEscape(targets))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("agent: getjob transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("agent: getjob status %d", resp.StatusCode)
	}

	kv := make(map[string]string)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '='); i >= 0 {
			kv[line[:i]] = line[i+1:]
		}
	}
	if kv["type"] != "build" {
		return nil, nil
	}
	return &Job{
		ID:        kv["id"],
		JobSecret: kv["jobsecret"],
		Project:   kv["project"],
		Version:   kv["version"],
		Revision:  kv["revision"],
		Target:    kv["target"],
		Repo:      kv["repo"],
		NoOutput:  kv["no_output"] == "true",
	}, nil
}

func (a *Agent) report(ctx context.Context, job *Job, status, msg string) error {
	u := fmt.Sprintf("%s/buildmaster/report?jobid=%s&jobsecret=%s&status=%s&msg=%s",
		a.Config.BuildmasterURL, url.QueryEscape(job.ID), url.QueryEscape(job.JobSecret),
		url.QueryEscape(status), url.QueryEscape(msg))
	// status reports are best-effort-delivered with indefinite retry,
	// because losing one would orphan the build (spec §7).
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := a.Client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			if resp.StatusCode == http.StatusPreconditionFailed {
				return xerrors.New("agent: report precondition failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// validate checks required getjob fields are present (spec §4.5 step 1).
func validate(job *Job) error {
	m := map[string]string{
		"id": job.ID, "jobsecret": job.JobSecret, "project": job.Project,
		"version": job.Version, "revision": job.Revision, "target": job.Target, "repo": job.Repo,
	}
	for _, f := range requiredFields {
		if m[f] == "" {
			return xerrors.Errorf("agent: missing field %q", f)
		}
	}
	return nil
}

func (a *Agent) process(ctx context.Context, job *Job) error {
	if err := validate(job); err != nil {
		a.report(ctx, job, "tempfailed", err.Error())
		return err
	}

	org, name := splitProject(job.Project)
	checkoutDir, err := a.Heap.Checkout(ctx, org, name)
	if err != nil {
		a.report(ctx, job, "tempfailed", err.Error())
		return err
	}
	// Workdir is materialised even though the build script runs from
	// checkoutDir; it is scratch space entry-point scripts may use.
	if _, err := a.Heap.Workdir(ctx, org, name); err != nil {
		a.report(ctx, job, "tempfailed", err.Error())
		return err
	}

	a.report(ctx, job, "building", "checking out "+job.Revision)
	if err := a.checkout(ctx, checkoutDir, job); err != nil {
		a.report(ctx, job, "tempfailed", err.Error())
		return err
	}

	entryPoint, err := chooseEntryPoint(checkoutDir)
	if err != nil {
		a.report(ctx, job, "failed", err.Error())
		return err
	}
	a.report(ctx, job, "building", "running "+entryPoint)

	var artifacts []*uploader.Artifact
	onLine := func(line string) {
		if art := parseArtifactLine(checkoutDir, line); art != nil {
			artifacts = append(artifacts, art)
		}
	}

	result, err := spawn.Run(ctx, spawn.Options{
		Dir:          checkoutDir,
		Argv:         entryArgv(entryPoint),
		UID:          a.Config.BuildUID,
		GID:          a.Config.BuildGID,
		OnStdoutLine: onLine,
	})
	if err != nil {
		a.report(ctx, job, "tempfailed", err.Error())
		return err
	}

	switch result.Outcome {
	case spawn.OutcomeTempFail:
		msg := "build failed"
		if result.NoOutput {
			msg = "no output"
		}
		a.report(ctx, job, "tempfailed", msg)
		return xerrors.New("agent: " + msg)
	case spawn.OutcomePermanentFail:
		a.report(ctx, job, "failed", fmt.Sprintf("exit code %d", result.ExitCode))
		return xerrors.Errorf("agent: permanent fail, exit %d", result.ExitCode)
	}

	logArtifact := &uploader.Artifact{
		LocalPath:   writeBuildLog(checkoutDir, result.Log),
		Type:        "log",
		ContentType: "text/plain",
		Name:        "buildlog",
	}
	artifacts = append(artifacts, logArtifact)

	pipeline := uploader.NewPipeline(a.Config.BuildmasterURL, job.ID, job.JobSecret)
	if err := pipeline.Upload(ctx, artifacts); err != nil {
		a.report(ctx, job, "tempfailed", "Waiting for artifacts to upload: "+err.Error())
		return err
	}

	return a.report(ctx, job, "done", "")
}

func splitProject(project string) (org, name string) {
	if i := strings.IndexByte(project, '/'); i >= 0 {
		return project[:i], project[i+1:]
	}
	return "", project
}

func (a *Agent) checkout(ctx context.Context, dir string, job *Job) error {
	repo, err := gitrepo.Open(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := repo.Sync(ctx, job.Repo, "", gitrepo.Credentials{}); err != nil {
		return err
	}
	return nil
}

// chooseEntryPoint selects Autobuild.sh, .doozer.json, or Makefile in that
// order (spec §4.5 step 5).
func chooseEntryPoint(dir string) (string, error) {
	candidates := []struct {
		name       string
		executable bool
	}{
		{"Autobuild.sh", true},
		{".doozer.json", false},
		{"Makefile", false},
	}
	for _, c := range candidates {
		fi, err := os.Stat(filepath.Join(dir, c.name))
		if err != nil {
			continue
		}
		if c.executable && fi.Mode()&0111 == 0 {
			continue
		}
		return c.name, nil
	}
	return "", xerrors.New("agent: no build entry point found")
}

func entryArgv(entryPoint string) []string {
	switch entryPoint {
	case "Autobuild.sh":
		return []string{"./Autobuild.sh"}
	case "Makefile":
		return []string{"make"}
	default:
		return []string{"doozer-build-json", entryPoint}
	}
}

// parseArtifactLine recognizes the two doozer-artifact stdout intercept
// patterns (spec §4.5 step 7).
func parseArtifactLine(checkoutDir, line string) *uploader.Artifact {
	const plain = "doozer-artifact:"
	const gzipped = "doozer-artifact-gzip:"

	gz := false
	rest := ""
	switch {
	case strings.HasPrefix(line, gzipped):
		gz = true
		rest = strings.TrimPrefix(line, gzipped)
	case strings.HasPrefix(line, plain):
		rest = strings.TrimPrefix(line, plain)
	default:
		return nil
	}

	fields := strings.SplitN(rest, ":", 4)
	if len(fields) != 4 {
		return nil
	}
	localPath, typ, contentType, name := fields[0], fields[1], fields[2], fields[3]
	if !filepath.IsAbs(localPath) {
		localPath = filepath.Join(checkoutDir, localPath)
	}
	return &uploader.Artifact{
		LocalPath:   localPath,
		Type:        typ,
		ContentType: contentType,
		Name:        name,
		Gzip:        gz,
	}
}

func writeBuildLog(dir string, content []byte) string {
	path := filepath.Join(dir, ".doozer-buildlog")
	os.WriteFile(path, content, 0640)
	return path
}
