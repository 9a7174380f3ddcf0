package gitrepo

import (
	"context"
	"os/exec"
	"testing"
)

func TestNormalizeTag(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"v1.2.3", "v1.2.3"},
		{"1.2.3", "v1.2.3"},
		{"version-1", "vversion-1"},
	} {
		if got := normalizeTag(test.in); got != test.want {
			t.Errorf("normalizeTag(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestFormatDistanceWithoutHash(t *testing.T) {
	r := &Repo{}
	commits := []string{"c2", "c1", "c0"}

	got, err := r.formatDistance(context.Background(), "v1.0.0", commits, "c2", false)
	if err != nil {
		t.Fatalf("formatDistance() error = %v", err)
	}
	if got != "v1.0.0.0" {
		t.Errorf("formatDistance() = %q, want %q", got, "v1.0.0.0")
	}
}

// hasGit reports whether a git binary is on PATH, gating the integration
// tests below the way the teacher's own integration tests assume external
// tools (make, cp) are present.
func hasGit() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func TestOpenInitializesBareRepo(t *testing.T) {
	if !hasGit() {
		t.Skip("git not found on PATH")
	}
	dir := t.TempDir()
	repo, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if repo.Dir != dir {
		t.Errorf("Open().Dir = %q, want %q", repo.Dir, dir)
	}

	branches, err := repo.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches() error = %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("ListBranches() = %v, want empty for a freshly initialized repo", branches)
	}
}
