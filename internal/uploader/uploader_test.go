package uploader

import (
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

func TestProcessUncompressedHashes(t *testing.T) {
	dir := t.TempDir()
	content := "hello artifact"
	path := writeTemp(t, dir, "a.bin", content)

	a := &Artifact{LocalPath: path, Name: "a.bin"}
	p := &Pipeline{}
	if err := p.process(a); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	h1 := sha1.Sum([]byte(content))
	h2 := md5.Sum([]byte(content))
	if a.sha1 != hex.EncodeToString(h1[:]) {
		t.Errorf("sha1 = %q, want %q", a.sha1, hex.EncodeToString(h1[:]))
	}
	if a.md5 != hex.EncodeToString(h2[:]) {
		t.Errorf("md5 = %q, want %q", a.md5, hex.EncodeToString(h2[:]))
	}
	if a.size != int64(len(content)) {
		t.Errorf("size = %d, want %d", a.size, len(content))
	}
	if a.origSize != a.size {
		t.Errorf("origSize = %d, want equal to size for uncompressed artifact", a.origSize)
	}
	if a.uploadPath != path {
		t.Errorf("uploadPath = %q, want %q (unchanged for non-gzip)", a.uploadPath, path)
	}
}

func TestProcessGzipShrinksSizeAndHashesPlaintext(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 4096)
	for i := range content {
		content[i] = 'a'
	}
	path := writeTemp(t, dir, "a.bin", string(content))

	a := &Artifact{LocalPath: path, Name: "a.bin", Gzip: true}
	p := &Pipeline{}
	if err := p.process(a); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	h1 := sha1.Sum(content)
	if a.sha1 != hex.EncodeToString(h1[:]) {
		t.Errorf("sha1 = %q, want hash of plaintext content %q", a.sha1, hex.EncodeToString(h1[:]))
	}
	if a.origSize != int64(len(content)) {
		t.Errorf("origSize = %d, want %d", a.origSize, len(content))
	}
	if a.size >= a.origSize {
		t.Errorf("size = %d, want smaller than origSize %d for highly compressible content", a.size, a.origSize)
	}
	if a.uploadPath != path+".gz" {
		t.Errorf("uploadPath = %q, want %q", a.uploadPath, path+".gz")
	}

	gzf, err := os.Open(a.uploadPath)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", a.uploadPath, err)
	}
	defer gzf.Close()
	gr, err := gzip.NewReader(gzf)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	got, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != string(content) {
		t.Error("decompressed .gz content does not round-trip to the original")
	}
}

func TestTransferPutsArtifactToServer(t *testing.T) {
	dir := t.TempDir()
	content := "payload"
	path := writeTemp(t, dir, "a.bin", content)

	var gotMethod, gotQuery string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &Artifact{LocalPath: path, Name: "a.bin", Type: "log", ContentType: "text/plain"}
	p := &Pipeline{BaseURL: srv.URL, JobID: "42", JobSecret: "sekrit", Client: srv.Client()}
	if err := p.process(a); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if err := p.transfer(context.Background(), a); err != nil {
		t.Fatalf("transfer() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if string(gotBody) != content {
		t.Errorf("body = %q, want %q", gotBody, content)
	}
	if !contains(gotQuery, "jobid=42") || !contains(gotQuery, "jobsecret=sekrit") || !contains(gotQuery, "name=a.bin") {
		t.Errorf("query = %q, missing expected params", gotQuery)
	}
}

func TestTransferReturnsErrorOnServerFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "a.bin", "x")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	a := &Artifact{LocalPath: path, Name: "a.bin", ContentType: "text/plain"}
	p := &Pipeline{BaseURL: srv.URL, JobID: "1", JobSecret: "s", Client: srv.Client()}
	if err := p.process(a); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if err := p.transfer(context.Background(), a); err == nil {
		t.Fatal("transfer() error = nil, want non-nil on HTTP 403")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
