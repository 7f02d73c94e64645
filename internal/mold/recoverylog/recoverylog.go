// Package recoverylog implements the append-only, per-stream log of
// transmitted MoldUDP64 messages. Every message the publisher ever sends is
// durably appended here before (or within the same flush batch as) its
// multicast send, so that recovery requests for sequences evicted from the
// in-memory ring can still be served from disk.
package recoverylog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

// segment is one on-disk file backing a contiguous range of sequence
// numbers. Rotation freezes a segment (closing its write handle and
// reopening it read-only) rather than discarding it, because sequence
// numbering and the seq->offset index span segments for the life of the
// stream.
type segment struct {
	path     string
	first    uint64 // first sequence number stored in this segment
	index    []int64
	readFile *os.File // lazily opened on first read of a frozen segment
}

func (s *segment) count() int { return len(s.index) }
func (s *segment) last() uint64 {
	return s.first + uint64(s.count()) - 1
}

// Log is a single-writer, multi-reader append-only log of length-prefixed
// messages spanning one or more rotated segment files. Sequence N is the
// N-th record written overall, starting at 1. A fatal write error disables
// the log; callers must treat that as a LogIoError and have their owning
// stream restarted.
type Log struct {
	mu          sync.RWMutex
	path        string
	f           *os.File // write handle for the active (last) segment
	logger      *slog.Logger
	segments    []*segment // frozen segments, oldest first
	active      *segment
	lastWritten uint64
	disabled    bool
}

// Open opens (or creates) the log file at path. It first discovers any
// sibling segments left behind by a prior Rotate (named "path.<unixnano>"),
// replays each oldest-first to rebuild the full seq -> offset index spanning
// every rotation, and only then replays the active "path" file on top of
// that running high-water mark. This is what makes a restart safe after
// rotation: without it, the active segment's records would be renumbered
// from 1, silently losing continuity with everything archived before the
// last rotation.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		path:   path,
		logger: logger,
	}

	rotated, err := findRotatedSegments(path)
	if err != nil {
		return nil, moldErrors.NewLogIoError("recoverylog.Open.glob", err)
	}

	var lastWritten uint64
	for _, rp := range rotated {
		index, _, truncated, err := scanSegmentFile(rp)
		if err != nil {
			return nil, moldErrors.NewLogIoError("recoverylog.Open.replaySegment", err)
		}
		if truncated {
			logger.Warn("recoverylog: truncated trailing record in rotated segment, ignoring tail",
				"path", rp)
		}
		seg := &segment{path: rp, first: lastWritten + 1, index: index}
		l.segments = append(l.segments, seg)
		lastWritten = seg.last()
	}

	l.active = &segment{path: path, first: lastWritten + 1}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, moldErrors.NewLogIoError("recoverylog.Open", err)
	}
	l.f = f
	l.lastWritten = lastWritten

	if err := l.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// findRotatedSegments globs for segments a prior Rotate left beside path,
// named "path.<unixnano>", and returns their paths oldest (lowest
// timestamp) first. Entries that don't parse as "path." followed by an
// integer are assumed to be unrelated files and are skipped silently rather
// than failing Open outright.
func findRotatedSegments(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	prefix := path + "."
	type rotatedFile struct {
		path string
		ns   int64
	}
	files := make([]rotatedFile, 0, len(matches))
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, prefix)
		ns, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, rotatedFile{path: m, ns: ns})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ns < files[j].ns })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// scanRecords reads consecutive length-prefixed records from r starting at
// offset 0, stopping at a clean EOF or a truncated trailing record (the
// signature of a crash mid-write). It returns the offset of each record,
// the total byte length of the valid prefix, and whether it stopped due to
// truncation rather than a clean EOF.
func scanRecords(r io.Reader) (index []int64, validLen int64, truncated bool, err error) {
	br := bufio.NewReader(r)
	var offset int64
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				return index, offset, false, nil
			}
			if err == io.ErrUnexpectedEOF {
				// Only part of the length prefix reached the disk.
				return index, offset, true, nil
			}
			return nil, 0, false, err
		}
		recordLen := binary.BigEndian.Uint16(lenBuf[:])
		payload := make([]byte, recordLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return index, offset, true, nil
		}
		index = append(index, offset)
		offset += int64(2 + recordLen)
	}
}

// scanSegmentFile opens path read-only and scans it via scanRecords.
func scanSegmentFile(path string) (index []int64, validLen int64, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer f.Close()
	return scanRecords(f)
}

// replay scans the active segment's file from the start, recording the
// offset of each record in its index relative to active.first. It leaves
// the file offset positioned at EOF for subsequent appends.
func (l *Log) replay() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return moldErrors.NewLogIoError("recoverylog.replay.seek", err)
	}
	index, offset, truncated, err := scanRecords(l.f)
	if err != nil {
		return moldErrors.NewLogIoError("recoverylog.replay.readLen", err)
	}
	if truncated {
		// A truncated trailing record means a prior crash mid-write; stop
		// here and treat everything before it as durable.
		l.logger.Warn("recoverylog: truncated trailing record, truncating at last good offset",
			"path", l.path, "offset", offset)
	}
	l.active.index = index
	l.lastWritten = l.active.first - 1 + uint64(len(index))
	if _, err := l.f.Seek(offset, io.SeekStart); err != nil {
		return moldErrors.NewLogIoError("recoverylog.replay.seekEnd", err)
	}
	if err := l.f.Truncate(offset); err != nil {
		return moldErrors.NewLogIoError("recoverylog.replay.truncate", err)
	}
	return nil
}

// LastWritten returns the highest sequence number durably recorded.
func (l *Log) LastWritten() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastWritten
}

// Size returns the current active segment's size in bytes, for the
// moldpublisher_recovery_log_bytes gauge. It reports 0 after the log has
// been closed (or if the file cannot be stat'd) rather than erroring, since
// callers only use this for best-effort metrics.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.f == nil {
		return 0
	}
	info, err := l.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Append writes enc as the next sequential record and fsyncs before
// returning, so that a completed Append call is a durability guarantee the
// publisher can rely on before multicasting the corresponding packet.
func (l *Log) Append(enc wire.EncodedMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return moldErrors.NewLogIoError("recoverylog.Append", fmt.Errorf("log disabled after prior fatal error"))
	}

	offset, err := l.f.Seek(0, io.SeekCurrent)
	if err != nil {
		l.disableLocked()
		return moldErrors.NewLogIoError("recoverylog.Append.seek", err)
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(enc.Payload)))
	if _, err := l.f.Write(lenBuf[:]); err != nil {
		l.disableLocked()
		return moldErrors.NewLogIoError("recoverylog.Append.writeLen", err)
	}
	if len(enc.Payload) > 0 {
		if _, err := l.f.Write(enc.Payload); err != nil {
			l.disableLocked()
			return moldErrors.NewLogIoError("recoverylog.Append.writePayload", err)
		}
	}
	if err := l.f.Sync(); err != nil {
		l.disableLocked()
		return moldErrors.NewLogIoError("recoverylog.Append.sync", err)
	}

	l.active.index = append(l.active.index, offset)
	l.lastWritten++
	return nil
}

// Read performs a random-access read of the message stored at seq.
func (l *Log) Read(seq uint64) (wire.EncodedMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 1 || seq > l.lastWritten {
		return wire.EncodedMessage{}, moldErrors.NewStreamNotFound(fmt.Sprintf("seq %d", seq))
	}
	return l.readAtLocked(seq)
}

// ReadRange returns up to count consecutive messages starting at seq,
// truncated at lastWritten.
func (l *Log) ReadRange(seq uint64, count int) ([]wire.EncodedMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 1 || seq > l.lastWritten || count <= 0 {
		return nil, nil
	}
	end := seq + uint64(count)
	if end > l.lastWritten+1 {
		end = l.lastWritten + 1
	}
	out := make([]wire.EncodedMessage, 0, end-seq)
	for s := seq; s < end; s++ {
		m, err := l.readAtLocked(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// segmentFor locates the segment (frozen or active) holding seq.
func (l *Log) segmentFor(seq uint64) *segment {
	if seq >= l.active.first && seq <= l.active.last() {
		return l.active
	}
	for _, s := range l.segments {
		if seq >= s.first && seq <= s.last() {
			return s
		}
	}
	return nil
}

func (l *Log) readAtLocked(seq uint64) (wire.EncodedMessage, error) {
	seg := l.segmentFor(seq)
	if seg == nil {
		return wire.EncodedMessage{}, moldErrors.NewStreamNotFound(fmt.Sprintf("seq %d", seq))
	}
	offset := seg.index[seq-seg.first]

	f := l.f
	if seg != l.active {
		if seg.readFile == nil {
			rf, err := os.Open(seg.path)
			if err != nil {
				return wire.EncodedMessage{}, moldErrors.NewLogIoError("recoverylog.Read.openSegment", err)
			}
			seg.readFile = rf
		}
		f = seg.readFile
	}

	var lenBuf [2]byte
	if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
		return wire.EncodedMessage{}, moldErrors.NewLogIoError("recoverylog.Read.readLen", err)
	}
	recordLen := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, recordLen)
	if recordLen > 0 {
		if _, err := f.ReadAt(payload, offset+2); err != nil {
			return wire.EncodedMessage{}, moldErrors.NewLogIoError("recoverylog.Read.readPayload", err)
		}
	}
	return wire.EncodedMessage{Payload: payload}, nil
}

// Rotate closes the current segment's write handle, renames it with a
// nanosecond-timestamp suffix, and opens a fresh segment that continues the
// same sequence numbering. The frozen segment remains readable for the rest
// of the log's lifetime. It is intended to be called by the archival
// sidecar, never by the hot publish/recovery path. now is provided by the
// caller since this package avoids wall-clock calls of its own.
func (l *Log) Rotate(now time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return "", moldErrors.NewLogIoError("recoverylog.Rotate", fmt.Errorf("log disabled"))
	}
	if l.active.count() == 0 {
		return "", fmt.Errorf("recoverylog.Rotate: nothing to rotate")
	}
	rotatedPath := fmt.Sprintf("%s.%d", l.path, now.UnixNano())
	if err := l.f.Close(); err != nil {
		return "", moldErrors.NewLogIoError("recoverylog.Rotate.close", err)
	}
	if err := os.Rename(l.path, rotatedPath); err != nil {
		return "", moldErrors.NewLogIoError("recoverylog.Rotate.rename", err)
	}

	frozen := l.active
	frozen.path = rotatedPath
	l.segments = append(l.segments, frozen)

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", moldErrors.NewLogIoError("recoverylog.Rotate.reopen", err)
	}
	l.f = f
	l.active = &segment{path: l.path, first: l.lastWritten + 1}
	l.logger.Info("recoverylog: rotated", "from", l.path, "to", rotatedPath, "last_written", l.lastWritten)
	return rotatedPath, nil
}

// Close releases the active write handle and any lazily-opened read handles
// for frozen segments.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	if l.f != nil {
		if err := l.f.Close(); err != nil {
			firstErr = err
		}
		l.f = nil
	}
	for _, s := range l.segments {
		if s.readFile != nil {
			if err := s.readFile.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			s.readFile = nil
		}
	}
	l.disabled = true
	return firstErr
}

// Disabled reports whether the log has stopped accepting writes after a
// fatal I/O error.
func (l *Log) Disabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.disabled
}

func (l *Log) disableLocked() {
	l.disabled = true
	l.logger.Error("recoverylog: disabling after fatal write error", "path", l.path)
}
