// Package archive runs the periodic sidecar that rotates a stream's
// recovery log, gzip-compresses the frozen segment under a rate limit, and
// moves the compressed result into a configured archive directory. It never
// touches the hot publish/recovery path; it only calls the rotation hook
// recoverylog exposes for exactly this purpose.
package archive

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alxayo/moldpublisher/internal/mold/recoverylog"
)

// Job rotates and archives one stream's recovery log on each invocation of
// Run. A running flag guards against an overlapping invocation if a
// rotation+compress cycle ever takes longer than the configured schedule
// interval.
//
// Log is a provider rather than a fixed pointer because the registry's
// supervisor can replace a stream's *recoverylog.Log with a fresh instance
// across a restart; fetching it fresh on every Run means an archive job
// keeps working across restarts instead of rotating a stale, disabled log.
type Job struct {
	StreamName           string
	Log                  func() *recoverylog.Log
	Dir                  string // destination directory for compressed segments
	RateLimitBytesPerSec int64

	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewJob constructs an archive job for one stream. dir is created (including
// parents) on first Run if it does not already exist.
func NewJob(streamName string, log func() *recoverylog.Log, dir string, rateLimitBytesPerSec int64, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		StreamName:           streamName,
		Log:                  log,
		Dir:                  dir,
		RateLimitBytesPerSec: rateLimitBytesPerSec,
		logger:               logger,
	}
}

// Run rotates the log's active segment and archives the frozen result. A
// concurrent Run is skipped rather than queued, since the next scheduled
// firing will pick up whatever accumulated in the meantime. now is the
// caller-supplied rotation boundary, passed straight through to
// recoverylog.Rotate.
func (j *Job) Run(ctx context.Context, now time.Time) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.logger.Warn("archive: skipping run, previous cycle still in progress", "stream", j.StreamName)
		return nil
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	log := j.Log()
	if log == nil {
		j.logger.Debug("archive: no active log for stream, skipping", "stream", j.StreamName)
		return nil
	}
	rotatedPath, err := log.Rotate(now)
	if err != nil {
		// "nothing to rotate" is the common case on an idle stream; not an error.
		j.logger.Debug("archive: rotate skipped", "stream", j.StreamName, "err", err)
		return nil
	}

	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", j.Dir, err)
	}

	archivedPath, err := j.compress(ctx, rotatedPath)
	if err != nil {
		return fmt.Errorf("archive: compress %s: %w", rotatedPath, err)
	}

	j.logger.Info("archive: segment archived", "stream", j.StreamName, "rotated", rotatedPath, "archived", archivedPath)
	return nil
}

// compress gzips srcPath into j.Dir, rate-limited to RateLimitBytesPerSec,
// and returns the archived file's path. The rotated source segment on the
// hot path is left in place untouched, since recoverylog still serves
// historical recovery reads from it.
func (j *Job) compress(ctx context.Context, srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	destPath := filepath.Join(j.Dir, filepath.Base(srcPath)+".gz")
	tmpPath := destPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	w := newThrottledWriter(ctx, dst, j.RateLimitBytesPerSec)
	gz := gzip.NewWriter(w)

	if _, copyErr := io.Copy(gz, src); copyErr != nil {
		_ = gz.Close()
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", copyErr
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return destPath, nil
}
