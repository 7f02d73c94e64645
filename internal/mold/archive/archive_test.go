package archive

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxayo/moldpublisher/internal/mold/recoverylog"
	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

func newTestLog(t *testing.T, n int) (*recoverylog.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.log")
	log, err := recoverylog.Open(path, nil)
	if err != nil {
		t.Fatalf("recoverylog.Open: %v", err)
	}
	for i := 0; i < n; i++ {
		enc, err := wire.EncodeMessage([]byte("payload"))
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		if err := log.Append(enc); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return log, path
}

func TestRunRotatesAndArchivesSegment(t *testing.T) {
	log, path := newTestLog(t, 3)
	archiveDir := filepath.Join(filepath.Dir(path), "archive")

	job := NewJob("TOPA", func() *recoverylog.Log { return log }, archiveDir, 0, nil)
	if err := job.Run(context.Background(), time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 archived file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".gz" {
		t.Fatalf("expected .gz archived file, got %q", entries[0].Name())
	}

	f, err := os.Open(filepath.Join(archiveDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open archived file: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read decompressed content: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty decompressed archive content")
	}

	// The rotated segment on the hot path must remain in place untouched,
	// since recoverylog still serves recovery reads from it.
	rotated, err := filepath.Glob(filepath.Join(filepath.Dir(path), "stream.log.*"))
	if err != nil {
		t.Fatalf("glob rotated segment: %v", err)
	}
	if len(rotated) != 1 {
		t.Fatalf("expected the rotated segment to remain on disk, found %d", len(rotated))
	}
}

func TestRunSkipsWhenNothingToRotate(t *testing.T) {
	log, path := newTestLog(t, 0)
	archiveDir := filepath.Join(filepath.Dir(path), "archive")

	job := NewJob("TOPA", func() *recoverylog.Log { return log }, archiveDir, 0, nil)
	if err := job.Run(context.Background(), time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(archiveDir); err == nil {
		t.Fatalf("expected no archive directory to be created when there is nothing to rotate")
	}
}

func TestRunSkipsOverlappingInvocation(t *testing.T) {
	log, path := newTestLog(t, 1)
	archiveDir := filepath.Join(filepath.Dir(path), "archive")
	job := NewJob("TOPA", func() *recoverylog.Log { return log }, archiveDir, 0, nil)

	job.mu.Lock()
	job.running = true
	job.mu.Unlock()

	if err := job.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("expected overlapping Run to return nil (skipped), got %v", err)
	}
	if _, err := os.Stat(archiveDir); err == nil {
		t.Fatalf("expected overlapping Run to skip rotation entirely")
	}
}

func TestThrottledWriterRespectsByteBudget(t *testing.T) {
	var buf bufferWriter
	// 4096 bytes at 1024 B/s with a 1024-byte burst takes about 3s.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newThrottledWriter(ctx, &buf, 1024)
	payload := make([]byte, 4096)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected all %d bytes written, got %d", len(payload), n)
	}
	if buf.total != len(payload) {
		t.Fatalf("expected underlying writer to receive %d bytes, got %d", len(payload), buf.total)
	}
}

type bufferWriter struct {
	total int
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.total += len(p)
	return len(p), nil
}
