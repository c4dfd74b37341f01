// SPDX-License-Identifier: MIT

// Package download fetches model artifacts over HTTPS with progress
// reporting, per-model cancellation, and atomic visibility: bytes land in a
// hidden staging directory and only a completed download is renamed to the
// model's real directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
)

var (
	// ErrCanceled reports that the download was stopped by Cancel or by the
	// caller's context. The staging directory is already gone.
	ErrCanceled = errors.New("download canceled")

	// ErrInFlight reports that another download for the same model is
	// currently running.
	ErrInFlight = errors.New("download already in flight")
)

const (
	stagingSuffix = ".partial"
	copyChunk     = 512 * 1024
)

// ProgressFunc receives byte counts as a download advances. downloaded is
// monotone; total is stable once known (content length, falling back to the
// catalog estimate).
type ProgressFunc func(downloaded, total int64)

// Downloader fetches catalog artifacts into the models directory.
type Downloader struct {
	locator *catalog.Locator
	client  *http.Client
	logger  zerolog.Logger

	// base overrides the catalog's remote base URL when non-empty.
	base string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New returns a downloader writing under locator's models root.
func New(locator *catalog.Locator) *Downloader {
	return &Downloader{
		locator: locator,
		// No client timeout: large artifacts take minutes. Cancellation
		// comes from the request context.
		client: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			}),
		},
		logger:   log.WithComponent("download"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Download fetches the named model and returns its local directory.
//
// Already-downloaded models return immediately after a single
// progress(size, size) callback. Cancellation, via Cancel or ctx, removes
// the staging directory and returns ErrCanceled. progress may be nil.
func (d *Downloader) Download(ctx context.Context, name string, progress ProgressFunc) (string, error) {
	e, err := catalog.Resolve(name)
	if err != nil {
		return "", err
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	finalDir := d.locator.ModelDir(e)
	if d.locator.IsDownloaded(e) {
		size := d.artifactSize(e)
		progress(size, size)
		return finalDir, nil
	}

	dctx, cancel, err := d.register(ctx, e.Name)
	if err != nil {
		return "", err
	}
	defer d.unregister(e.Name, cancel)

	staging := d.stagingDir(e)
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	d.logger.Info().
		Str(log.FieldModel, e.Name).
		Str(log.FieldURL, e.URL()).
		Msg("starting model download")

	fetched, err := d.fetch(dctx, e, staging, progress)
	if err == nil && dctx.Err() != nil {
		// Canceled after the last read but before publication.
		err = dctx.Err()
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		if dctx.Err() != nil {
			metrics.DownloadsTotal.WithLabelValues("canceled").Inc()
			d.logger.Info().Str(log.FieldModel, e.Name).Msg("model download canceled")
			return "", ErrCanceled
		}
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).Str(log.FieldModel, e.Name).Msg("model download failed")
		return "", err
	}

	if err := os.Rename(staging, finalDir); err != nil {
		_ = os.RemoveAll(staging)
		if d.locator.IsDownloaded(e) {
			// Another writer published the model first.
			return finalDir, nil
		}
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("publish model dir: %w", err)
	}

	metrics.DownloadsTotal.WithLabelValues("complete").Inc()
	d.logger.Info().
		Str(log.FieldModel, e.Name).
		Int64(log.FieldBytes, fetched).
		Msg("model download complete")
	return finalDir, nil
}

// Cancel stops an in-flight download for name. It reports whether one was
// running and is safe to call repeatedly.
func (d *Downloader) Cancel(name string) bool {
	if e, err := catalog.Resolve(name); err == nil {
		name = e.Name
	}
	d.mu.Lock()
	cancel, ok := d.inflight[name]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// InFlight reports whether a download for name is currently running.
func (d *Downloader) InFlight(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[name]
	return ok
}

// Sweep removes staging directories left behind by a previous process.
func (d *Downloader) Sweep() error {
	ents, err := os.ReadDir(d.locator.Dir())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if !ent.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, stagingSuffix) {
			continue
		}
		stale := filepath.Join(d.locator.Dir(), name)
		if err := os.RemoveAll(stale); err != nil {
			return err
		}
		d.logger.Info().Str(log.FieldPath, stale).Msg("removed stale staging dir")
	}
	return nil
}

func (d *Downloader) stagingDir(e catalog.Entry) string {
	return filepath.Join(d.locator.Dir(), "."+e.Name+stagingSuffix)
}

func (d *Downloader) artifactSize(e catalog.Entry) int64 {
	if info, err := os.Stat(d.locator.ArtifactPath(e)); err == nil {
		return info.Size()
	}
	return e.EstimatedBytes
}

func (d *Downloader) register(ctx context.Context, name string) (context.Context, context.CancelFunc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[name]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInFlight, name)
	}
	dctx, cancel := context.WithCancel(ctx)
	d.inflight[name] = cancel
	return dctx, cancel, nil
}

func (d *Downloader) unregister(name string, cancel context.CancelFunc) {
	cancel()
	d.mu.Lock()
	delete(d.inflight, name)
	d.mu.Unlock()
}

// fetch streams the artifact into staging and returns the byte count. The
// cancel flag is the context, polled at every read.
func (d *Downloader) fetch(ctx context.Context, e catalog.Entry, staging string, progress ProgressFunc) (int64, error) {
	url := e.URL()
	if d.base != "" {
		url = d.base + e.File
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch %s: unexpected status %s", e.File, resp.Status)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = e.EstimatedBytes
	}

	pending, err := renameio.NewPendingFile(filepath.Join(staging, e.File))
	if err != nil {
		return 0, fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			d.logger.Debug().Err(err).Msg("cleanup pending artifact")
		}
	}()

	var downloaded int64
	buf := make([]byte, copyChunk)
	for {
		select {
		case <-ctx.Done():
			return downloaded, ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := pending.Write(buf[:n]); werr != nil {
				return downloaded, fmt.Errorf("write artifact: %w", werr)
			}
			downloaded += int64(n)
			metrics.DownloadBytesTotal.Add(float64(n))
			progress(downloaded, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return downloaded, rerr
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return downloaded, fmt.Errorf("finalize artifact: %w", err)
	}
	return downloaded, nil
}
