// Package storage implements the three artifact storage backends spec §4.8
// and §9 describe — embedded, file, s3 — behind one Backend interface,
// replacing the original's function-pointer-in-struct dispatch with a
// closed Go variant set, per spec §9's redesign note.
package storage

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer/internal/s3sig"
)

// minFreeBytes is the free-space floor below which File.Put refuses new
// artifacts, leaving headroom for the patch cache and in-flight uploads
// rather than letting the filesystem fill to ENOSPC mid-write.
const minFreeBytes = 512 << 20

// Backend opens artifact bytes for reading and deletes them by storage key.
type Backend interface {
	// Open returns a ReadCloser over the artifact's bytes, or (for s3) a
	// non-empty redirect URL and a nil rc.
	Open(ctx context.Context, key string) (rc io.ReadCloser, redirectURL string, err error)
	// Delete removes the artifact's bytes.
	Delete(ctx context.Context, key string) error
}

// Embedded stores small artifacts inline, keyed by their own payload bytes;
// Open returns a reader over the key (the payload itself), and Delete is a
// no-op since the bytes live in the artifact row.
type Embedded struct{}

func (Embedded) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return io.NopCloser(stringsReader(key)), "", nil
}

func (Embedded) Delete(ctx context.Context, key string) error { return nil }

func stringsReader(s string) io.Reader { return &stringReaderImpl{s: s} }

type stringReaderImpl struct {
	s string
	i int
}

func (r *stringReaderImpl) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}

// File stores artifacts under <Base>/<jobid>/<name>, mode 0640, directories
// 0770, per spec §6's persisted state layout. Writes are atomic via
// renameio, matching the teacher's pervasive use of
// github.com/google/renameio for config and manifest writes.
type File struct {
	Base string
}

// Path returns the on-disk path for a key of the form "<jobid>/<name>".
func (f File) Path(key string) string {
	return filepath.Join(f.Base, filepath.FromSlash(key))
}

func (f File) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	file, err := os.Open(f.Path(key))
	if err != nil {
		return nil, "", xerrors.Errorf("storage: open %s: %w", key, err)
	}
	return file, "", nil
}

func (f File) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.Path(key)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Put writes r to key atomically, creating parent directories as needed.
func (f File) Put(key string, r io.Reader) error {
	if err := checkFreeSpace(f.Base); err != nil {
		return err
	}
	dest := f.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0770); err != nil {
		return xerrors.Errorf("storage: mkdir for %s: %w", key, err)
	}
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("storage: tempfile for %s: %w", key, err)
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, r); err != nil {
		return xerrors.Errorf("storage: write %s: %w", key, err)
	}
	if err := t.Chmod(0640); err != nil {
		return xerrors.Errorf("storage: chmod %s: %w", key, err)
	}
	return t.CloseAtomicallyReplace()
}

// checkFreeSpace refuses writes once the filesystem backing base has less
// than minFreeBytes available, per spec §9's heap/disk-management concern.
func checkFreeSpace(base string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(base, &st); err != nil {
		if os.IsNotExist(err) {
			return nil // base not yet created; MkdirAll below will create it
		}
		return xerrors.Errorf("storage: statfs %s: %w", base, err)
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < minFreeBytes {
		return xerrors.Errorf("storage: %s: only %d bytes free, refusing write", base, free)
	}
	return nil
}

// S3 redirects reads to a presigned GET URL and signs PUT/DELETE requests
// against an S3-compatible endpoint, using the legacy v2 scheme from
// internal/s3sig.
type S3 struct {
	Bucket string
	Prefix string
	Creds  s3sig.Creds
	Client *http.Client
}

func (s S3) key(key string) string {
	if s.Prefix == "" {
		return key
	}
	return s.Prefix + "/" + key
}

func (s S3) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	signed := s.Creds.SignGET(s.Bucket, s.key(key), time.Now().Add(10*time.Minute))
	return nil, signed, nil
}

func (s S3) Delete(ctx context.Context, key string) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	date, auth := s.Creds.SignHeader("DELETE", s.Bucket, s.key(key), "")
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		"https://"+s.Bucket+".s3.amazonaws.com/"+s.key(key), nil)
	if err != nil {
		return xerrors.Errorf("storage: s3 delete request: %w", err)
	}
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", auth)
	resp, err := client.Do(req)
	if err != nil {
		// S3 operations map non-2xx/transport failures to a transient error
		// for the caller, per spec §7.
		return xerrors.Errorf("storage: s3 delete transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return xerrors.Errorf("storage: s3 delete %s: status %d", key, resp.StatusCode)
	}
	return nil
}
