// Package gitrepo adapts a bare Git mirror for the dispatch core, agent, and
// release maker. It shells out to the git(1) binary via os/exec — the same
// idiom the teacher uses for git, make, and cp in cmd/autobuilder and
// release/release.go — rather than wrapping a Git object-database library,
// per spec §1's "Git library bindings" out-of-scope note. Describe and
// changelog walk a flat git rev-list; CommitDAG additionally builds an
// in-memory gonum graph and runs topological sort over it, grounded on
// internal/batch's build-dependency scheduler.
package gitrepo

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/doozer-build/doozer/internal/model"
)

// ErrTransient wraps failures at connect/download/update-tips, which spec
// §4.3 requires callers to treat as retryable.
var ErrTransient = xerrors.New("gitrepo: transient")

// Repo is a bare Git mirror checked out at Dir. All operations against a
// given Repo are serialised by its mutex, per spec §4.3 and §5 ("the Git
// library is not safe for concurrent access on a single repo").
type Repo struct {
	Dir string
	mu  sync.Mutex
}

// Open returns a Repo rooted at dir, initializing a bare mirror if dir does
// not yet exist.
func Open(ctx context.Context, dir string) (*Repo, error) {
	if _, err := os.Stat(path.Join(dir, "HEAD")); err != nil {
		if err := run(ctx, "", "init", "--bare", dir); err != nil {
			return nil, xerrors.Errorf("gitrepo: init %s: %w", dir, err)
		}
	}
	return &Repo{Dir: dir}, nil
}

// Credentials resolves an upstream fetch's auth material, in the order spec
// §4.3 mandates: plaintext password, then local id_rsa/id_dsa, then a
// configured keypair.
type Credentials struct {
	Password       string
	PrivateKeyPath string
	PublicKeyPath  string
}

// resolve returns environment additions (GIT_SSH_COMMAND, askpass helper)
// implementing the credential fallback chain.
func (c Credentials) resolve() []string {
	if c.Password != "" {
		return []string{"GIT_ASKPASS=", "DOOZER_GIT_PASSWORD=" + c.Password}
	}
	home, _ := os.UserHomeDir()
	for _, candidate := range []string{path.Join(home, ".ssh", "id_rsa"), path.Join(home, ".ssh", "id_dsa")} {
		if err := validatePrivateKey(candidate); err == nil {
			return []string{"GIT_SSH_COMMAND=ssh -i " + candidate + " -o IdentitiesOnly=yes"}
		}
	}
	if c.PrivateKeyPath != "" {
		if err := validatePrivateKey(c.PrivateKeyPath); err != nil {
			return nil
		}
		return []string{"GIT_SSH_COMMAND=ssh -i " + c.PrivateKeyPath + " -o IdentitiesOnly=yes"}
	}
	return nil
}

// validatePrivateKey parses the key at path to fail fast on a misconfigured
// or corrupt key, rather than surfacing git's opaque "Permission denied
// (publickey)" after a subprocess round trip.
func validatePrivateKey(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = ssh.ParsePrivateKey(b)
	return err
}

// SyncResult reports which refs changed during a Sync, so the caller can
// decide whether to reassert CHECK_FOR_BUILDS | NOTIFY_REPO_UPDATE |
// GENERATE_RELEASES.
type SyncResult struct {
	Changed []model.Ref
}

// Sync fetches from upstream with refspec +refs/*:refs/* (or refspec, if
// non-empty) and reports changed refs.
func (r *Repo) Sync(ctx context.Context, upstream, refspec string, creds Credentials) (*SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before, err := r.listRefsLocked(ctx)
	if err != nil {
		return nil, err
	}
	if refspec == "" {
		refspec = "+refs/*:refs/*"
	}
	env := append(os.Environ(), creds.resolve()...)
	cmd := exec.CommandContext(ctx, "git", "--git-dir", r.Dir, "fetch", upstream, refspec)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, xerrors.Errorf("gitrepo: sync %s: %w: %s", upstream, ErrTransient, out)
	}
	after, err := r.listRefsLocked(ctx)
	if err != nil {
		return nil, err
	}
	beforeOID := make(map[string]string, len(before))
	for _, ref := range before {
		beforeOID[ref.Name] = ref.OID
	}
	var changed []model.Ref
	for _, ref := range after {
		if beforeOID[ref.Name] != ref.OID {
			changed = append(changed, ref)
		}
	}
	return &SyncResult{Changed: changed}, nil
}

// ListBranches returns refs/heads/* sorted descending by byte-wise name
// order. Digit runs compare as text, not as numbers, so "v1.9" sorts ahead
// of "v1.10".
func (r *Repo) ListBranches(ctx context.Context) ([]model.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listRefsPrefixLocked(ctx, "refs/heads/")
}

// ListTags resolves annotated tags to their target commit OID.
func (r *Repo) ListTags(ctx context.Context) ([]model.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs, err := r.listRefsPrefixLocked(ctx, "refs/tags/")
	if err != nil {
		return nil, err
	}
	for i, ref := range refs {
		out, err := output(ctx, "--git-dir", r.Dir, "rev-list", "-n1", ref.Name)
		if err != nil {
			continue
		}
		refs[i].OID = strings.TrimSpace(out)
	}
	return refs, nil
}

func (r *Repo) listRefsLocked(ctx context.Context) ([]model.Ref, error) {
	return r.listRefsPrefixLocked(ctx, "refs/")
}

func (r *Repo) listRefsPrefixLocked(ctx context.Context, prefix string) ([]model.Ref, error) {
	out, err := output(ctx, "--git-dir", r.Dir, "for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, xerrors.Errorf("gitrepo: for-each-ref %s: %w", prefix, err)
	}
	var refs []model.Ref
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), " ", 2)
		if len(fields) != 2 {
			continue
		}
		refs = append(refs, model.Ref{OID: fields[0], Name: strings.TrimPrefix(fields[1], prefix)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name > refs[j].Name })
	return refs, nil
}

// Describe returns the nearest-tag version string for rev, per spec §4.3:
// "tag.distance", "tag.distance-g<shorthash>" with withHash, or
// "0.0.distance[-g…]" if no tag is reachable.
func (r *Repo) Describe(ctx context.Context, rev string, withHash bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.describeLocked(ctx, rev, withHash)
}

func (r *Repo) describeLocked(ctx context.Context, rev string, withHash bool) (string, error) {
	tags, err := r.listRefsPrefixLocked(ctx, "refs/tags/")
	if err != nil {
		return "", err
	}
	tagByOID := make(map[string]string, len(tags))
	for _, t := range tags {
		tagByOID[t.OID] = t.Name
	}

	commits, err := r.revWalkLocked(ctx, rev, 0)
	if err != nil {
		return "", err
	}
	var best string
	var bestTags []string
	for _, oid := range commits {
		if name, ok := tagByOID[oid]; ok {
			bestTags = append(bestTags, name)
		}
	}
	if len(bestTags) > 0 {
		best = bestTags[0]
	}
	if len(bestTags) > 1 {
		sort.Slice(bestTags, func(i, j int) bool { return semver.Compare(normalizeTag(bestTags[i]), normalizeTag(bestTags[j])) > 0 })
		best = bestTags[0]
	}
	if best == "" {
		return r.formatDistance(ctx, "0.0", commits, rev, withHash)
	}
	return r.formatDistance(ctx, best, commits, rev, withHash)
}

func normalizeTag(tag string) string {
	if strings.HasPrefix(tag, "v") {
		return tag
	}
	return "v" + tag
}

func (r *Repo) formatDistance(ctx context.Context, tag string, commits []string, rev string, withHash bool) (string, error) {
	distance := len(commits)
	for i, oid := range commits {
		if oid == rev || i == 0 {
			distance = i
		}
	}
	s := tag + "." + strconv.Itoa(distance)
	if withHash {
		out, err := output(ctx, "--git-dir", r.Dir, "rev-parse", "--short", rev)
		if err == nil {
			s += "-g" + strings.TrimSpace(out)
		}
	}
	return s, nil
}

// revWalkLocked returns commit OIDs from rev back to the root (or until
// depth commits have been visited, if depth > 0), nearest first, using
// git rev-list --topo-order for the traversal; CommitDAG wraps the result
// in a gonum graph for callers (the release maker) that need a structured
// DAG rather than a flat list.
func (r *Repo) revWalkLocked(ctx context.Context, rev string, depth int) ([]string, error) {
	args := []string{"--git-dir", r.Dir, "rev-list", "--topo-order"}
	if depth > 0 {
		args = append(args, "-n", strconv.Itoa(depth))
	}
	args = append(args, rev)
	out, err := output(ctx, args...)
	if err != nil {
		return nil, xerrors.Errorf("gitrepo: rev-list %s: %w", rev, err)
	}
	var oids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			oids = append(oids, line)
		}
	}
	return oids, nil
}

// CommitDAG builds a gonum directed graph of up to depth commits reachable
// from rev, nodes numbered by rev-list position, for release-maker-style
// topological walks (spec §4.7) that need more than a flat nearest-first
// list (e.g. multi-target matching per visited commit).
func (r *Repo) CommitDAG(ctx context.Context, rev string, depth int) (graph.Directed, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oids, err := r.revWalkLocked(ctx, rev, depth)
	if err != nil {
		return nil, nil, err
	}
	g := simple.NewDirectedGraph()
	for i := range oids {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i+1 < len(oids); i++ {
		g.SetEdge(g.NewEdge(simple.Node(i), simple.Node(i+1)))
	}
	if _, err := topo.Sort(g); err != nil {
		return nil, nil, xerrors.Errorf("gitrepo: commit dag not a DAG: %w", err)
	}
	return g, oids, nil
}

// Changelog walks startOid's ancestry, fetching refs/notes/changelog and
// refs/notes/changelog-<target> (concatenated if both present) for each
// visited commit, stopping after count commits (skipping untagged ones
// unless includeUntagged).
func (r *Repo) Changelog(ctx context.Context, startOid string, offset, count int, includeUntagged bool, target string) ([]model.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oids, err := r.revWalkLocked(ctx, startOid, 0)
	if err != nil {
		return nil, err
	}
	tags, err := r.listRefsPrefixLocked(ctx, "refs/tags/")
	if err != nil {
		return nil, err
	}
	tagByOID := make(map[string]string, len(tags))
	for _, t := range tags {
		tagByOID[t.OID] = t.Name
	}

	var out []model.Change
	visited := 0
	for idx, oid := range oids {
		if idx < offset {
			continue
		}
		tag := tagByOID[oid]
		if tag == "" && !includeUntagged {
			continue
		}
		msg := r.noteLocked(ctx, "refs/notes/changelog", oid)
		if target != "" {
			if tmsg := r.noteLocked(ctx, "refs/notes/changelog-"+target, oid); tmsg != "" {
				if msg != "" {
					msg += "\n" + tmsg
				} else {
					msg = tmsg
				}
			}
		}
		version, _ := r.describeLocked(ctx, oid, false)
		out = append(out, model.Change{OID: oid, Tag: tag, Message: msg, Version: version})
		visited++
		if visited >= count {
			break
		}
	}
	return out, nil
}

func (r *Repo) noteLocked(ctx context.Context, notesRef, oid string) string {
	out, err := output(ctx, "--git-dir", r.Dir, "notes", "--ref", notesRef, "show", oid)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// GetFile walks the tree of commit oid by /-separated path components and
// returns the blob's bytes.
func (r *Repo) GetFile(ctx context.Context, oid, filePath string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := exec.CommandContext(ctx, "git", "--git-dir", r.Dir, "show", oid+":"+filePath)
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("gitrepo: get-file %s:%s: %w", oid, filePath, err)
	}
	return out, nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
