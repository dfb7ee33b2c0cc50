// Package wal implements a segmented, append-only write-ahead log.
//
// Entries are framed on disk as:
//
//	┌───────────┬────────────┬───────────┬──────────┐
//	│ 8-byte    │ 8-byte     │ 4-byte    │ N bytes  │ …
//	│ log index │ generation │ blob size │ payload  │
//	└───────────┴────────────┴───────────┴──────────┘
//
// All integers are little-endian. Segments are named <prefix>_<start>.log
// where <start> is the index of the first entry in the segment; a new
// segment is opened once the active one exceeds the configured size.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const headerLen = 8 + 8 + 4

var (
	// ErrInvalidIndex reports an append or truncate outside the valid
	// index range.
	ErrInvalidIndex = errors.New("wal: invalid index")
	// ErrCorrupt reports a torn frame that is not at the tail of the log.
	ErrCorrupt = errors.New("wal: corrupt segment")
)

// Entry is a single log record. Immutable once appended.
type Entry struct {
	Index      uint64
	Generation uint64
	Payload    []byte
}

// Config configures a Log.
type Config struct {
	Dir            string
	Prefix         string // defaults to "wal"
	MaxSegmentSize int64  // defaults to 64 MiB
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "wal"
	}
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = 64 << 20
	}
	return c
}

type segment struct {
	startIndex uint64
	path       string
	f          *os.File
	size       int64
}

func (s *segment) writeFrame(e Entry) error {
	buf := make([]byte, headerLen+len(e.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Generation)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(e.Payload)))
	copy(buf[headerLen:], e.Payload)
	if _, err := s.f.Write(buf); err != nil {
		return err
	}
	s.size += int64(len(buf))
	return nil
}

func (s *segment) sync() error {
	return s.f.Sync()
}

// Log is a durable append-only sequence of entries with contiguous 1-based
// indices. All methods are safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	cfg     Config
	active  *segment
	sealed  []*segment // ascending by startIndex
	entries []Entry    // entries[0] is a sentinel; entries[i] has Index i
}

// Open opens (or creates) the log in cfg.Dir and recovers all entries.
// A torn frame at the tail of the last segment is discarded; a torn frame
// anywhere else is reported as ErrCorrupt.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	paths, err := segmentPaths(cfg)
	if err != nil {
		return nil, err
	}

	l := &Log{cfg: cfg, entries: []Entry{{}}}
	for i, p := range paths {
		seg, torn, err := l.scanSegment(p)
		if err != nil {
			return nil, err
		}
		if torn && i != len(paths)-1 {
			return nil, fmt.Errorf("%w: torn frame in %s", ErrCorrupt, p)
		}
		l.sealed = append(l.sealed, seg)
	}

	if len(l.sealed) == 0 {
		seg, err := l.newSegment(1)
		if err != nil {
			return nil, err
		}
		l.active = seg
	} else {
		l.active = l.sealed[len(l.sealed)-1]
		l.sealed = l.sealed[:len(l.sealed)-1]
	}
	return l, nil
}

func segmentPaths(cfg Config) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.Dir, cfg.Prefix+"_*.log"))
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	type ps struct {
		path  string
		start uint64
	}
	var parsed []ps
	for _, m := range matches {
		start, err := startIndexFromPath(cfg.Prefix, m)
		if err != nil {
			continue // not one of ours
		}
		parsed = append(parsed, ps{m, start})
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].start < parsed[j].start })
	out := make([]string, len(parsed))
	for i, p := range parsed {
		out[i] = p.path
	}
	return out, nil
}

func startIndexFromPath(prefix, path string) (uint64, error) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".log")
	name = strings.TrimPrefix(name, prefix+"_")
	return strconv.ParseUint(name, 10, 64)
}

func (l *Log) segmentPath(startIndex uint64) string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("%s_%d.log", l.cfg.Prefix, startIndex))
}

func (l *Log) newSegment(startIndex uint64) (*segment, error) {
	path := l.segmentPath(startIndex)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	return &segment{startIndex: startIndex, path: path, f: f}, nil
}

// scanSegment reads every frame in the file at path, appending recovered
// entries to l.entries. Returns the opened segment and whether the scan
// stopped at a torn frame.
func (l *Log) scanSegment(path string) (*segment, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("wal: open segment: %w", err)
	}
	start, err := startIndexFromPath(l.cfg.Prefix, path)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("wal: bad segment name %s: %w", path, err)
	}
	seg := &segment{startIndex: start, path: path, f: f}

	var off int64
	hdr := make([]byte, headerLen)
	for {
		n, err := f.ReadAt(hdr, off)
		if n == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			f.Close()
			return nil, false, fmt.Errorf("wal: read %s: %w", path, err)
		}
		if n < headerLen {
			// Torn header: drop it and everything after.
			if terr := f.Truncate(off); terr != nil {
				f.Close()
				return nil, false, fmt.Errorf("wal: truncate torn tail: %w", terr)
			}
			seg.size = off
			return seg, true, nil
		}
		index := binary.LittleEndian.Uint64(hdr[0:8])
		gen := binary.LittleEndian.Uint64(hdr[8:16])
		blobLen := int(binary.LittleEndian.Uint32(hdr[16:20]))
		payload := make([]byte, blobLen)
		pn, perr := f.ReadAt(payload, off+headerLen)
		if pn < blobLen {
			if perr != nil && perr != io.EOF {
				f.Close()
				return nil, false, fmt.Errorf("wal: read %s: %w", path, perr)
			}
			if terr := f.Truncate(off); terr != nil {
				f.Close()
				return nil, false, fmt.Errorf("wal: truncate torn tail: %w", terr)
			}
			seg.size = off
			return seg, true, nil
		}
		if index != uint64(len(l.entries)) {
			f.Close()
			return nil, false, fmt.Errorf("%w: entry %d in %s, want %d", ErrCorrupt, index, path, len(l.entries))
		}
		l.entries = append(l.entries, Entry{Index: index, Generation: gen, Payload: payload})
		off += int64(headerLen + blobLen)
	}
	seg.size = off
	return seg, false, nil
}

// Append assigns the next contiguous index to the payload, persists the
// frame (fsync) and returns the index. The entry is never visible to
// readers before the write has been confirmed durable.
func (l *Log) Append(generation uint64, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := uint64(len(l.entries))
	if err := l.appendLocked(Entry{Index: index, Generation: generation, Payload: payload}); err != nil {
		return 0, err
	}
	return index, nil
}

// AppendAt persists an entry at an explicit index, which must be exactly
// one past the current last index. Used by followers adopting leader
// entries.
func (l *Log) AppendAt(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Index != uint64(len(l.entries)) {
		return fmt.Errorf("%w: append at %d, next is %d", ErrInvalidIndex, e.Index, len(l.entries))
	}
	return l.appendLocked(e)
}

func (l *Log) appendLocked(e Entry) error {
	if err := l.maybeRollLocked(); err != nil {
		return err
	}
	if err := l.active.writeFrame(e); err != nil {
		return fmt.Errorf("wal: write entry %d: %w", e.Index, err)
	}
	if err := l.active.sync(); err != nil {
		return fmt.Errorf("wal: sync entry %d: %w", e.Index, err)
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *Log) maybeRollLocked() error {
	if l.active.size < l.cfg.MaxSegmentSize {
		return nil
	}
	if err := l.active.sync(); err != nil {
		return fmt.Errorf("wal: sync before roll: %w", err)
	}
	seg, err := l.newSegment(uint64(len(l.entries)))
	if err != nil {
		return err
	}
	l.sealed = append(l.sealed, l.active)
	l.active = seg
	return nil
}

// Get returns the entry at index, if present.
func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// ReadRange returns entries in [lo, hi], inclusive.
func (l *Log) ReadRange(lo, hi uint64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lo < 1 || hi >= uint64(len(l.entries)) || lo > hi {
		return nil, fmt.Errorf("%w: range [%d, %d], log length %d", ErrInvalidIndex, lo, hi, len(l.entries)-1)
	}
	out := make([]Entry, hi-lo+1)
	copy(out, l.entries[lo:hi+1])
	return out, nil
}

// LastIndex returns the index of the newest entry, 0 if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries) - 1)
}

// LastGeneration returns the generation of the newest entry, 0 if the log
// is empty.
func (l *Log) LastGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 1 {
		return 0
	}
	return l.entries[len(l.entries)-1].Generation
}

// TruncateFrom discards the entry at index and everything after it. Whole
// segments past the cut are deleted; the segment containing the cut is
// rewritten in place via a temp file.
func (l *Log) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return fmt.Errorf("%w: truncate from %d, log length %d", ErrInvalidIndex, index, len(l.entries)-1)
	}
	if index == uint64(len(l.entries)) {
		return nil // nothing at or after index
	}

	// Drop whole segments that start at or after the cut.
	segs := append(append([]*segment{}, l.sealed...), l.active)
	keep := segs[:0]
	for _, s := range segs {
		if s.startIndex >= index {
			s.f.Close()
			if err := os.Remove(s.path); err != nil {
				return fmt.Errorf("wal: remove segment: %w", err)
			}
			continue
		}
		keep = append(keep, s)
	}
	segs = keep

	if len(segs) == 0 {
		seg, err := l.newSegment(index)
		if err != nil {
			return err
		}
		l.sealed = nil
		l.active = seg
		l.entries = l.entries[:index]
		return nil
	}

	// Rewrite the segment containing the cut.
	last := segs[len(segs)-1]
	if err := l.rewriteSegment(last, index); err != nil {
		return err
	}
	l.sealed = segs[:len(segs)-1]
	l.active = last
	l.entries = l.entries[:index]
	return nil
}

func (l *Log) rewriteSegment(s *segment, cutIndex uint64) error {
	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: rewrite segment: %w", err)
	}
	repl := &segment{startIndex: s.startIndex, path: tmpPath, f: tmp}
	for i := s.startIndex; i < cutIndex; i++ {
		if err := repl.writeFrame(l.entries[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("wal: rewrite segment: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: rewrite segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wal: rewrite segment: %w", err)
	}
	s.f.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("wal: rewrite segment: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen segment: %w", err)
	}
	s.f = f
	s.size = repl.size
	return nil
}

// Close syncs and closes all segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, s := range append(append([]*segment{}, l.sealed...), l.active) {
		if err := s.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
