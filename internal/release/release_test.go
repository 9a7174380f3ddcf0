package release

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/doozer-build/doozer/internal/gitrepo"
	"github.com/doozer-build/doozer/internal/model"
)

func TestFilePublisherWriteIfChanged(t *testing.T) {
	dir := t.TempDir()
	p := FilePublisher{Dir: dir}

	changed, err := p.Write(context.Background(), "stable-amd64.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !changed {
		t.Errorf("Write() changed = false, want true for a new file")
	}

	changed, err = p.Write(context.Background(), "stable-amd64.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if changed {
		t.Errorf("Write() changed = true, want false when content is identical")
	}

	changed, err = p.Write(context.Background(), "stable-amd64.json", []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !changed {
		t.Errorf("Write() changed = false, want true when content differs")
	}

	got, err := os.ReadFile(filepath.Join(dir, "stable-amd64.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Errorf("final file content = %q, want %q", got, `{"a":2}`)
	}
}

func TestMatchTrackBranch(t *testing.T) {
	branches := []model.Ref{
		{Name: "release-2.0", OID: "bbb"},
		{Name: "release-1.0", OID: "aaa"},
		{Name: "master", OID: "ccc"},
	}
	branch, ok := matchTrackBranch(branches, "release-*")
	if !ok {
		t.Fatal("matchTrackBranch() ok = false, want true")
	}
	if branch.Name != "release-2.0" {
		t.Errorf("matchTrackBranch() = %q, want first matching branch in descending order %q", branch.Name, "release-2.0")
	}

	if _, ok := matchTrackBranch(branches, "nightly-*"); ok {
		t.Error("matchTrackBranch() ok = true, want false for a non-matching pattern")
	}
}

type fakeReleaseStore struct {
	builds map[string]model.Build
}

func (f *fakeReleaseStore) FindDoneBuild(ctx context.Context, project, revision, target string) (*model.Build, error) {
	b, ok := f.builds[revision+"/"+target]
	if !ok {
		return nil, errNoDataFake
	}
	return &b, nil
}

func (f *fakeReleaseStore) ArtifactsForBuild(ctx context.Context, buildID int64) ([]model.Artifact, error) {
	return nil, nil
}

var errNoDataFake = fakeErr("no data")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()
	repo, err := gitrepo.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("gitrepo.Open() error = %v", err)
	}
	return repo
}

func TestMakerFindSuccessWalksNearestFirst(t *testing.T) {
	st := &fakeReleaseStore{builds: map[string]model.Build{
		"oid2/amd64": {ID: 99, Revision: "oid2", Target: "amd64"},
	}}
	m := &Maker{Store: st, Repo: newTestRepo(t)}

	build, _, _, err := m.findSuccess(context.Background(), Track{Name: "stable"}, "amd64", []string{"oid1", "oid2", "oid3"})
	if err != nil {
		t.Fatalf("findSuccess() error = %v", err)
	}
	if build == nil {
		t.Fatal("findSuccess() build = nil, want a match at oid2")
	}
	if build.ID != 99 {
		t.Errorf("findSuccess() build.ID = %d, want 99", build.ID)
	}
}

func TestMakerFindSuccessNoMatch(t *testing.T) {
	st := &fakeReleaseStore{builds: map[string]model.Build{}}
	m := &Maker{Store: st, Repo: newTestRepo(t)}

	build, _, _, err := m.findSuccess(context.Background(), Track{Name: "stable"}, "amd64", []string{"oid1", "oid2"})
	if err != nil {
		t.Fatalf("findSuccess() error = %v", err)
	}
	if build != nil {
		t.Errorf("findSuccess() build = %v, want nil", build)
	}
}
