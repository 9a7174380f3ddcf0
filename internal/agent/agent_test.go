package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitProject(t *testing.T) {
	for _, test := range []struct {
		in       string
		wantOrg  string
		wantName string
	}{
		{"org/proj", "org", "proj"},
		{"justname", "", "justname"},
	} {
		org, name := splitProject(test.in)
		if org != test.wantOrg || name != test.wantName {
			t.Errorf("splitProject(%q) = (%q, %q), want (%q, %q)", test.in, org, name, test.wantOrg, test.wantName)
		}
	}
}

func TestValidateRequiresAllFields(t *testing.T) {
	full := &Job{ID: "1", JobSecret: "s", Project: "o/p", Version: "v", Revision: "r", Target: "t", Repo: "repo"}
	if err := validate(full); err != nil {
		t.Errorf("validate() error = %v, want nil for a fully populated job", err)
	}

	missingTarget := *full
	missingTarget.Target = ""
	if err := validate(&missingTarget); err == nil {
		t.Error("validate() error = nil, want error when target is missing")
	}
}

func TestChooseEntryPointPrefersAutobuildThenDoozerJSONThenMakefile(t *testing.T) {
	dir := t.TempDir()
	if _, err := chooseEntryPoint(dir); err == nil {
		t.Error("chooseEntryPoint() error = nil, want error for an empty directory")
	}

	mustWrite(t, filepath.Join(dir, "Makefile"), "all:\n")
	ep, err := chooseEntryPoint(dir)
	if err != nil || ep != "Makefile" {
		t.Errorf("chooseEntryPoint() = (%q, %v), want (Makefile, nil)", ep, err)
	}

	mustWrite(t, filepath.Join(dir, ".doozer.json"), "{}")
	ep, err = chooseEntryPoint(dir)
	if err != nil || ep != ".doozer.json" {
		t.Errorf("chooseEntryPoint() = (%q, %v), want (.doozer.json, nil)", ep, err)
	}

	autobuild := filepath.Join(dir, "Autobuild.sh")
	mustWrite(t, autobuild, "#!/bin/sh\n")
	if err := os.Chmod(autobuild, 0755); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	ep, err = chooseEntryPoint(dir)
	if err != nil || ep != "Autobuild.sh" {
		t.Errorf("chooseEntryPoint() = (%q, %v), want (Autobuild.sh, nil)", ep, err)
	}
}

func TestChooseEntryPointSkipsNonExecutableAutobuild(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "Autobuild.sh"), "#!/bin/sh\n")
	mustWrite(t, filepath.Join(dir, "Makefile"), "all:\n")

	ep, err := chooseEntryPoint(dir)
	if err != nil || ep != "Makefile" {
		t.Errorf("chooseEntryPoint() = (%q, %v), want (Makefile, nil) when Autobuild.sh lacks +x", ep, err)
	}
}

func TestEntryArgv(t *testing.T) {
	for _, test := range []struct {
		entry string
		want  []string
	}{
		{"Autobuild.sh", []string{"./Autobuild.sh"}},
		{"Makefile", []string{"make"}},
		{".doozer.json", []string{"doozer-build-json", ".doozer.json"}},
	} {
		if got := entryArgv(test.entry); !equalSlices(got, test.want) {
			t.Errorf("entryArgv(%q) = %v, want %v", test.entry, got, test.want)
		}
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseArtifactLinePlain(t *testing.T) {
	art := parseArtifactLine("/checkout", "doozer-artifact:out/pkg.tar:pkg:application/x-tar:pkg.tar")
	if art == nil {
		t.Fatal("parseArtifactLine() = nil, want non-nil")
	}
	if art.LocalPath != filepath.Join("/checkout", "out/pkg.tar") {
		t.Errorf("LocalPath = %q, want joined to checkoutDir", art.LocalPath)
	}
	if art.Type != "pkg" || art.ContentType != "application/x-tar" || art.Name != "pkg.tar" || art.Gzip {
		t.Errorf("parsed artifact = %+v, want type=pkg contentType=application/x-tar name=pkg.tar gzip=false", art)
	}
}

func TestParseArtifactLineGzipAndAbsolutePath(t *testing.T) {
	art := parseArtifactLine("/checkout", "doozer-artifact-gzip:/abs/out.bin:bin:application/octet-stream:out.bin")
	if art == nil {
		t.Fatal("parseArtifactLine() = nil, want non-nil")
	}
	if art.LocalPath != "/abs/out.bin" {
		t.Errorf("LocalPath = %q, want unchanged absolute path", art.LocalPath)
	}
	if !art.Gzip {
		t.Error("Gzip = false, want true for the doozer-artifact-gzip: prefix")
	}
}

func TestParseArtifactLineIgnoresUnrelatedOutput(t *testing.T) {
	if art := parseArtifactLine("/checkout", "just a normal build log line"); art != nil {
		t.Errorf("parseArtifactLine() = %+v, want nil for non-artifact lines", art)
	}
	if art := parseArtifactLine("/checkout", "doozer-artifact:missingfields"); art != nil {
		t.Errorf("parseArtifactLine() = %+v, want nil when fewer than 4 fields are present", art)
	}
}

func TestWriteBuildLog(t *testing.T) {
	dir := t.TempDir()
	path := writeBuildLog(dir, []byte("hello log"))
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello log" {
		t.Errorf("content = %q, want %q", got, "hello log")
	}
}

func TestHelloSendsCredentialsAndAcceptsOK(t *testing.T) {
	var gotAgent, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.URL.Query().Get("agent")
		gotSecret = r.URL.Query().Get("secret")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL, AgentID: "a1", Secret: "s1"}, Client: srv.Client()}
	if err := a.hello(context.Background()); err != nil {
		t.Fatalf("hello() error = %v", err)
	}
	if gotAgent != "a1" || gotSecret != "s1" {
		t.Errorf("agent=%q secret=%q, want a1/s1", gotAgent, gotSecret)
	}
}

func TestHelloRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL, AgentID: "a1", Secret: "s1"}, Client: srv.Client()}
	if err := a.hello(context.Background()); err == nil {
		t.Error("hello() error = nil, want error on non-200 status")
	}
}

func TestGetJobParsesBuildResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w,"type=build\nid=5\njobsecret=js\nproject=org/proj\nversion=v1\nrevision=abc\ntarget=amd64\nrepo=https://example.com/r.git\nno_output=false\n")
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL, AgentID: "a1", Secret: "s1", Targets: []string{"amd64"}}, Client: srv.Client()}
	job, err := a.getJob(context.Background())
	if err != nil {
		t.Fatalf("getJob() error = %v", err)
	}
	if job == nil {
		t.Fatal("getJob() = nil, want a job")
	}
	want := &Job{
		ID: "5", JobSecret: "js", Project: "org/proj", Version: "v1",
		Revision: "abc", Target: "amd64", Repo: "https://example.com/r.git",
	}
	if diff := cmp.Diff(want, job); diff != "" {
		t.Errorf("getJob() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetJobReturnsNilOnTypeNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w,"type=none\n")
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL}, Client: srv.Client()}
	job, err := a.getJob(context.Background())
	if err != nil {
		t.Fatalf("getJob() error = %v", err)
	}
	if job != nil {
		t.Errorf("getJob() = %+v, want nil for type=none", job)
	}
}

func TestReportRetriesOnTransportErrorThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// Drop the first connection without a response, so the client
			// sees a transport error.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("Hijack() error = %v", err)
				return
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL}, Client: srv.Client()}
	job := &Job{ID: "1", JobSecret: "s"}
	if err := a.report(context.Background(), job, "done", ""); err != nil {
		t.Fatalf("report() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestReportStopsOnPreconditionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	a := &Agent{Config: Config{BuildmasterURL: srv.URL}, Client: srv.Client()}
	job := &Job{ID: "1", JobSecret: "s"}
	if err := a.report(context.Background(), job, "done", ""); err == nil {
		t.Error("report() error = nil, want error on 412")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
