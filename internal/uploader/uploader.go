// Package uploader implements the agent's two-stage artifact pipeline:
// a processor pool that hashes (and optionally gzip-compresses) captured
// artifacts, and a transfer pool that PUTs them to the buildmaster with
// cooperative abort, per spec §4.6. Grounded on agent/artifact.c's
// processor/transfer thread pair, modeled in Go with
// golang.org/x/sync/errgroup-style bounded worker pools as the teacher's
// internal/batch and cmd/distri-checkupstream do.
package uploader

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	kgzip "github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// Artifact is one file queued for upload.
type Artifact struct {
	LocalPath   string
	Type        string
	ContentType string
	Name        string
	Gzip        bool

	// Filled in by the processor stage.
	sha1, md5   string
	size        int64
	origSize    int64
	uploadPath  string
	doAbort     int32
	result      int32 // 0 = pending/success, >0 = HTTP status, -1 = transport error
	err         error
}

// Pipeline runs the hash/compress and transfer stages with bounded
// concurrency, matching spec §5's "two artifact-processor workers, two
// artifact-transfer workers".
type Pipeline struct {
	BaseURL   string
	JobID     string
	JobSecret string
	Client    *http.Client

	processSem  *semaphore.Weighted
	transferSem *semaphore.Weighted
}

// NewPipeline returns a Pipeline with the spec-mandated worker counts.
func NewPipeline(baseURL, jobID, jobSecret string) *Pipeline {
	return &Pipeline{
		BaseURL:     baseURL,
		JobID:       jobID,
		JobSecret:   jobSecret,
		Client:      http.DefaultClient,
		processSem:  semaphore.NewWeighted(2),
		transferSem: semaphore.NewWeighted(2),
	}
}

// Upload processes and transfers all artifacts concurrently, returning the
// first error encountered (after waiting for in-flight work to settle) and
// aborting the rest, per spec §4.6's job-level wait/abort semantics.
func (p *Pipeline) Upload(ctx context.Context, artifacts []*Artifact) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		failed  int32
		firstErr error
		mu      sync.Mutex
	)

	for _, a := range artifacts {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.processSem.Acquire(ctx, 1); err != nil {
				return
			}
			perr := p.process(a)
			p.processSem.Release(1)
			if perr != nil {
				atomic.StoreInt32(&failed, 1)
				mu.Lock()
				if firstErr == nil {
					firstErr = perr
				}
				mu.Unlock()
				cancel()
				return
			}

			if err := p.transferSem.Acquire(ctx, 1); err != nil {
				return
			}
			terr := p.transfer(ctx, a)
			p.transferSem.Release(1)
			if terr != nil {
				atomic.StoreInt32(&failed, 1)
				mu.Lock()
				if firstErr == nil {
					firstErr = terr
				}
				mu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&failed) != 0 {
		for _, a := range artifacts {
			atomic.StoreInt32(&a.doAbort, 1)
		}
		return firstErr
	}
	return nil
}

// process computes SHA-1/MD5 over the artifact bytes and, if requested,
// gzip-deflates (level 9) into a sibling file, shrinking the reported size.
func (p *Pipeline) process(a *Artifact) error {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return xerrors.Errorf("uploader: open %s: %w", a.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return xerrors.Errorf("uploader: stat %s: %w", a.LocalPath, err)
	}
	a.origSize = info.Size()

	h1 := sha1.New()
	h2 := md5.New()
	uploadPath := a.LocalPath

	if a.Gzip {
		gzPath := a.LocalPath + ".gz"
		gzFile, err := os.Create(gzPath)
		if err != nil {
			return xerrors.Errorf("uploader: create %s: %w", gzPath, err)
		}
		defer gzFile.Close()

		mw := io.MultiWriter(h1, h2, gzFile)
		gw, err := kgzip.NewWriterLevel(mw, kgzip.BestCompression)
		if err != nil {
			return xerrors.Errorf("uploader: gzip writer: %w", err)
		}
		if _, err := io.Copy(gw, f); err != nil {
			return xerrors.Errorf("uploader: compress %s: %w", a.LocalPath, err)
		}
		if err := gw.Close(); err != nil {
			return xerrors.Errorf("uploader: close gzip %s: %w", a.LocalPath, err)
		}
		st, err := gzFile.Stat()
		if err != nil {
			return xerrors.Errorf("uploader: stat gz %s: %w", gzPath, err)
		}
		a.size = st.Size()
		uploadPath = gzPath
	} else {
		if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
			return xerrors.Errorf("uploader: hash %s: %w", a.LocalPath, err)
		}
		a.size = a.origSize
	}

	a.sha1 = hex.EncodeToString(h1.Sum(nil))
	a.md5 = hex.EncodeToString(h2.Sum(nil))
	a.uploadPath = uploadPath
	return nil
}

// abortReader wraps a file so every Read observes a's cooperative abort
// flag, per spec §4.6 and §5.
type abortReader struct {
	io.ReadSeeker
	a *Artifact
}

func (r *abortReader) Read(p []byte) (int, error) {
	if atomic.LoadInt32(&r.a.doAbort) != 0 {
		return 0, xerrors.New("uploader: aborted")
	}
	return r.ReadSeeker.Read(p)
}

// transfer PUTs the processed artifact to the buildmaster, honoring a 307
// redirect to S3 by replaying the same seek-capable body.
func (p *Pipeline) transfer(ctx context.Context, a *Artifact) error {
	f, err := os.Open(a.uploadPath)
	if err != nil {
		return xerrors.Errorf("uploader: reopen %s: %w", a.uploadPath, err)
	}
	defer f.Close()

	url := fmt.Sprintf("%s/buildmaster/artifact?jobid=%s&jobsecret=%s&name=%s&type=%s&md5sum=%s&sha1sum=%s",
		p.BaseURL, p.JobID, p.JobSecret, a.Name, a.Type, a.md5, a.sha1)
	if a.origSize != a.size {
		url += fmt.Sprintf("&origsize=%d", a.origSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &abortReader{ReadSeeker: f, a: a})
	if err != nil {
		return xerrors.Errorf("uploader: build request: %w", err)
	}
	req.ContentLength = a.size
	req.Header.Set("Content-Type", a.ContentType)
	if a.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.GetBody = func() (io.ReadCloser, error) {
		f.Seek(0, io.SeekStart)
		return io.NopCloser(f), nil
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		a.err = err
		atomic.StoreInt32(&a.result, -1)
		return xerrors.Errorf("uploader: put %s: %w", a.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		atomic.StoreInt32(&a.result, int32(resp.StatusCode))
		return xerrors.Errorf("uploader: put %s: status %d: %s", a.Name, resp.StatusCode, body)
	}
	atomic.StoreInt32(&a.result, 0)
	return nil
}
