// Command buildmaster is the coordinator: it dispatches build jobs derived
// from project Git refs to agents, records outcomes, and regenerates
// release manifests. Flags follow the teacher's plain flag-package idiom
// (cmd/autobuilder, cmd/distri-repobrowser).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer"
	"github.com/doozer-build/doozer/internal/config"
	"github.com/doozer-build/doozer/internal/ctlsock"
	"github.com/doozer-build/doozer/internal/dispatch"
	"github.com/doozer-build/doozer/internal/gitrepo"
	"github.com/doozer-build/doozer/internal/model"
	"github.com/doozer-build/doozer/internal/patchcache"
	"github.com/doozer-build/doozer/internal/plog"
	"github.com/doozer-build/doozer/internal/release"
	"github.com/doozer-build/doozer/internal/restapi"
	"github.com/doozer-build/doozer/internal/rpc"
	"github.com/doozer-build/doozer/internal/s3sig"
	"github.com/doozer-build/doozer/internal/storage"
	"github.com/doozer-build/doozer/internal/store"
	"github.com/lpar/gzipped/v2"
)

var (
	listen = flag.String("listen",
		":8080",
		"address to listen on for the buildmaster HTTP surface")

	projectsDir = flag.String("projects_dir",
		"/var/lib/doozer/projects",
		"directory containing <org>/<name>.json project configs")

	dsn = flag.String("postgres_dsn",
		"dbname=doozer sslmode=disable",
		"PostgreSQL connection string")

	buildTimeout = flag.Duration("build_timeout",
		30*time.Minute,
		"how long a build may stay in status=building before the expiry reaper reclaims it")

	maxAttempts = flag.Int("max_attempts",
		3,
		"maximum number of build attempts before a job becomes too_many_attempts")

	ctlSocket = flag.String("ctl_socket",
		"/tmp/doozerctrl",
		"Unix domain socket path for the doozerctl control protocol")

	releasesDir = flag.String("releases_dir",
		"/var/lib/doozer/releases",
		"directory of published per-track release manifests, served at /releases/")

	reposDir = flag.String("repos_dir",
		"/var/lib/doozer/repos",
		"directory of per-project bare Git mirrors, one at <repos_dir>/<org>/<name>")

	patchDir = flag.String("patch_dir",
		"/var/lib/doozer/patchstash",
		"directory for cached bsdiff patches between artifact versions")

	workerInterval = flag.Duration("worker_interval",
		5*time.Second,
		"how often the per-project worker scheduler checks pending-job masks and due refreshes")
)

func main() {
	flag.Parse()
	log.SetPrefix("buildmaster: ")

	ctx, canc := doozer.InterruptibleContext()
	defer canc()

	st, err := store.Open(*dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	registry, err := config.NewRegistry(*projectsDir)
	if err != nil {
		log.Fatal(err)
	}
	defer registry.Close()

	stop := make(chan struct{})
	go registry.Watch(stop)
	defer close(stop)

	router := plog.NewRouter(plog.NewStderrSink(nil))

	adapted := dispatch.NewStoreAdapter(st)
	rpc.SetPreconditionSentinel(store.ErrPrecondition)
	rpc.SetNoDataSentinel(store.ErrNoData)

	auth := &configAuth{registry: registry}
	cfgAdapter := &rpcConfig{registry: registry, patchCache: &patchcache.Cache{Dir: *patchDir}}
	server := &rpc.Server{Store: adapted, Auth: auth, Config: cfgAdapter, Router: router}

	mux := http.NewServeMux()
	mux.HandleFunc("/buildmaster/hello", server.Hello)
	mux.HandleFunc("/buildmaster/getjob", server.GetJob)
	mux.HandleFunc("/buildmaster/artifact", server.Artifact)
	mux.HandleFunc("/buildmaster/report", server.Report)
	mux.HandleFunc("/github", server.GitHubWebhook)
	mux.HandleFunc("/file/", server.File)

	restServer := &restapi.Server{Store: st, Releases: &fileReleaseReader{dir: *releasesDir}}
	mux.Handle("/projects/", restServer.Mux())
	mux.Handle("/releases/", http.StripPrefix("/releases/", gzipped.FileServer(http.Dir(*releasesDir))))

	go dispatch.ReapLoop(ctx, adapted, time.Minute, *buildTimeout, *maxAttempts, router)
	go dispatch.DeletedArtifactReaperLoop(ctx, adapted, deleteTombstone)
	go runProjectWorkers(ctx, registry, st, adapted, router)

	ctl := newCtlServer(*ctlSocket, st)
	go ctlsock.LogListenError(ctl.Listen(ctx))

	httpServer := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	log.Printf("listening on %s", *listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	doozer.RunAtExit()
}

// configAuth validates agent credentials against the project registry's
// per-project agent lists, per spec §1's shared-secret-per-agent model.
type configAuth struct {
	registry *config.Registry
}

func (a *configAuth) Validate(agent, secret string) bool {
	return a.registry.ValidateAgent(agent, secret)
}

// rpcConfig adapts the project registry to rpc.Config.
type rpcConfig struct {
	registry   *config.Registry
	patchCache *patchcache.Cache
}

func (c *rpcConfig) RepoURL(project string) string {
	snap, ok := c.registry.GetCfg(project)
	if !ok {
		return ""
	}
	defer snap.Release()
	return snap.Conf().RepoURL
}

func (c *rpcConfig) PatchCache(project string) *patchcache.Cache {
	return c.patchCache
}

func (c *rpcConfig) LongpollTimeout(project string) time.Duration { return 60 * time.Second }
func (c *rpcConfig) MaxAttempts(project string) int               { return *maxAttempts }

func (c *rpcConfig) Storage(project string) storage.Backend {
	snap, ok := c.registry.GetCfg(project)
	if !ok {
		return storage.File{Base: *projectsDir}
	}
	defer snap.Release()
	if s3 := snap.Conf().S3; s3 != nil {
		return storage.S3{
			Bucket: s3.Bucket,
			Prefix: s3.Prefix,
			Creds:  s3sigCreds(s3.AccessKeyID, s3.Secret),
		}
	}
	return storage.File{Base: *projectsDir}
}

func (c *rpcConfig) UsesS3(project string) bool {
	snap, ok := c.registry.GetCfg(project)
	if !ok {
		return false
	}
	defer snap.Release()
	return snap.Conf().S3 != nil
}

func (c *rpcConfig) GitHubWebhookKey(project string) string {
	snap, ok := c.registry.GetCfg(project)
	if !ok {
		return ""
	}
	defer snap.Release()
	return snap.Conf().GitHubKey
}

func (c *rpcConfig) GitHubToken(project string) string {
	snap, ok := c.registry.GetCfg(project)
	if !ok {
		return ""
	}
	defer snap.Release()
	return snap.Conf().GitHubToken
}

func (c *rpcConfig) ScheduleNotify(project string, mask model.PendingJob) {
	c.registry.Schedule(project, mask)
}

func s3sigCreds(accessKeyID, secret string) s3sig.Creds {
	return s3sig.Creds{AccessKeyID: accessKeyID, Secret: secret}
}

// deleteTombstone drains one deleted-artifact tombstone. Tombstones don't
// carry a project id, so S3-backed artifacts (whose credentials are
// per-project) are left for an operator to clear via "s3 delete"; file and
// embedded artifacts are reclaimed directly.
func deleteTombstone(ctx context.Context, d *model.DeletedArtifact) error {
	switch d.Storage {
	case doozer.StorageFile:
		return storage.File{Base: *projectsDir}.Delete(ctx, d.Payload)
	case doozer.StorageEmbedded:
		return nil
	default:
		return nil
	}
}

// newCtlServer wires the doozerctl verb tree (spec §6) onto st.
func newCtlServer(socketPath string, st *store.Store) *ctlsock.Server {
	s := ctlsock.NewServer(socketPath)

	s.Handle("build", func(ctx context.Context, w *ctlsock.ResponseWriter, argv []string) int {
		if len(argv) != 3 {
			w.Printf("usage: build <project> <revision> <target>")
			return 1
		}
		key := model.BuildKey{Project: argv[0], Revision: argv[1], Target: argv[2]}
		if err := st.EnqueuePending(ctx, key, "", "manual (doozerctl)", false); err != nil {
			w.Printf("error: %v", err)
			return 1
		}
		w.Printf("enqueued %s@%s for %s", argv[0], argv[1], argv[2])
		return 0
	})

	s.Handle("show builds", func(ctx context.Context, w *ctlsock.ResponseWriter, argv []string) int {
		if len(argv) != 1 {
			w.Printf("usage: show builds <project>")
			return 1
		}
		builds, err := st.RecentBuilds(ctx, argv[0], 50)
		if err != nil {
			w.Printf("error: %v", err)
			return 1
		}
		for _, b := range builds {
			w.Printf("%d %s %s %s %s", b.ID, b.Revision, b.Target, b.Status, b.ProgressText)
		}
		return 0
	})

	s.Handle("count builds", func(ctx context.Context, w *ctlsock.ResponseWriter, argv []string) int {
		if len(argv) != 1 {
			w.Printf("usage: count builds <project>")
			return 1
		}
		n, err := st.CountBuilds(ctx, argv[0])
		if err != nil {
			w.Printf("error: %v", err)
			return 1
		}
		w.Printf("%d", n)
		return 0
	})

	s.Handle("delete builds", func(ctx context.Context, w *ctlsock.ResponseWriter, argv []string) int {
		if len(argv) != 2 {
			w.Printf("usage: delete builds <project> {deprecated|failed|pending}")
			return 1
		}
		n, err := st.DeleteBuilds(ctx, argv[0], argv[1])
		if err != nil {
			w.Printf("error: %v", err)
			return 1
		}
		w.Printf("deleted %d builds", n)
		return 0
	})

	s.Handle("s3 delete", func(ctx context.Context, w *ctlsock.ResponseWriter, argv []string) int {
		if len(argv) != 4 {
			w.Printf("usage: s3 delete <bucket> <awsid> <secret> <path>")
			return 1
		}
		bucket, awsID, secret, path := argv[0], argv[1], argv[2], argv[3]
		backend := storage.S3{Bucket: bucket, Creds: s3sigCreds(awsID, secret)}
		if err := backend.Delete(ctx, path); err != nil {
			w.Printf("error: %v", err)
			return 1
		}
		w.Printf("deleted %s", path)
		return 0
	})

	return s
}

// runProjectWorkers drives the per-project worker scheduler (spec §4.2):
// every workerInterval, reassert UPDATE_REPO for projects whose periodic
// refresh is due, then for every project with a non-zero pending mask run
// git-sync, check-for-builds, and release generation as the mask directs.
// Unlike the original's one-detached-worker-per-project model, this runs
// the scheduler's steps inline on a single ticked loop; per-project
// repo.Sync/ListBranches calls still serialize correctly because
// gitrepo.Repo locks itself per call (spec §4.3), and CheckForBuilds'
// EnqueuePending is idempotent under concurrent callers.
func runProjectWorkers(ctx context.Context, registry *config.Registry, st *store.Store, adapted *dispatch.StoreAdapter, router *plog.Router) {
	t := time.NewTicker(*workerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		registry.DueRefreshes(time.Now())
		for _, id := range registry.IDs() {
			mask := registry.PendingMask(id)
			if mask == 0 {
				continue
			}
			runProjectWorker(ctx, registry, st, adapted, id, mask, router)
		}
	}
}

// runProjectWorker runs one project's pending-job mask to completion (spec
// §4.2 steps 2-5).
func runProjectWorker(ctx context.Context, registry *config.Registry, st *store.Store, adapted *dispatch.StoreAdapter, project string, mask model.PendingJob, router *plog.Router) {
	snap, ok := registry.GetCfg(project)
	if !ok {
		return
	}
	conf := *snap.Conf()
	snap.Release()

	repo, err := gitrepo.Open(ctx, filepath.Join(*reposDir, project))
	if err != nil {
		router.Logf(project, "build/queue", "open repo: %v", err)
		return
	}

	if mask.Has(model.UpdateRepo) {
		res, err := repo.Sync(ctx, conf.RepoURL, "", gitrepo.Credentials{})
		if err != nil {
			router.Logf(project, "build/queue", "sync: %v", err)
			return
		}
		if len(res.Changed) > 0 {
			mask |= model.CheckForBuilds | model.NotifyRepoUpdate | model.GenerateReleases
		}
	}
	if mask.Has(model.NotifyRepoUpdate) {
		for _, hook := range conf.Webhooks {
			go notifyWebhook(ctx, hook, project, router)
		}
	}
	if mask.Has(model.CheckForBuilds) {
		dcfg := dispatch.ProjectConfig{
			Project:  project,
			Branches: branchRules(conf.Branches),
			Targets:  conf.Targets,
		}
		if err := dispatch.CheckForBuilds(ctx, adapted, repo, dcfg); err != nil {
			router.Logf(project, "build/queue", "check for builds: %v", err)
		}
	}
	if mask.Has(model.GenerateReleases) {
		dir := filepath.Join(*releasesDir, project)
		if err := os.MkdirAll(dir, 0770); err != nil {
			router.Logf(project, "build/queue", "release manifest dir: %v", err)
			return
		}
		maker := &release.Maker{
			Store:     st,
			Repo:      repo,
			Publisher: release.FilePublisher{Dir: dir},
		}
		if _, err := maker.Run(ctx, releaseTracks(conf.Tracks), releaseTargets(conf)); err != nil {
			router.Logf(project, "build/queue", "generate releases: %v", err)
		}
	}
}

// notifyWebhook fires a best-effort HTTP POST to hook announcing a repo
// update; failures are logged and otherwise ignored (spec §4.2 step 3,
// "fire-and-forget").
func notifyWebhook(ctx context.Context, hook, project string, router *plog.Router) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, strings.NewReader(`{"project":"`+project+`"}`))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		router.Logf(project, "build/queue", "webhook %s: %v", hook, err)
		return
	}
	resp.Body.Close()
}

func branchRules(branches []config.BranchConf) []dispatch.BranchRule {
	out := make([]dispatch.BranchRule, len(branches))
	for i, b := range branches {
		out[i] = dispatch.BranchRule{Pattern: b.Pattern, Autobuild: b.Autobuild}
	}
	return out
}

func releaseTracks(tracks []config.TrackConf) []release.Track {
	out := make([]release.Track, len(tracks))
	for i, t := range tracks {
		out[i] = release.Track{Name: t.Name, Title: t.Title, BranchPattern: t.BranchPattern, Description: t.Description}
	}
	return out
}

func releaseTargets(conf config.ProjectConf) []release.TargetEntry {
	out := make([]release.TargetEntry, len(conf.Targets))
	for i, target := range conf.Targets {
		out[i] = release.TargetEntry{Target: target, Title: conf.TargetTitles[target]}
	}
	return out
}

// fileReleaseReader exposes the release maker's published manifests (spec
// §4.7 step 6, written under releasesDir/<project>/*.json) to the REST
// surface's releases.json view, resolving internal/restapi's "releases not
// configured" fallback for the common filesystem-publisher deployment.
type fileReleaseReader struct {
	dir string
}

func (f *fileReleaseReader) CurrentManifests(project string) (map[string]interface{}, error) {
	projectDir := filepath.Join(f.dir, project)
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, xerrors.Errorf("buildmaster: read releases dir %s: %w", projectDir, err)
	}
	manifests := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(projectDir, e.Name()))
		if err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		manifests[strings.TrimSuffix(e.Name(), ".json")] = v
	}
	return manifests, nil
}
