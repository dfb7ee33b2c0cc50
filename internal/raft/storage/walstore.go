package storage

import (
	"encoding/json"
	"fmt"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
	"github.com/martsec/patterns-of-distributed-systems/internal/wal"
)

// WALLogStore is the production LogStore, backed by the segmented
// write-ahead log. Commands are JSON-encoded into the frame payload.
// Every Append is fsync'd by the WAL before it returns, so an entry is
// never acknowledged upstream until it is durable.
type WALLogStore struct {
	log *wal.Log
}

// NewWALLogStore opens the WAL in cfg and wraps it as a LogStore.
func NewWALLogStore(cfg wal.Config) (*WALLogStore, error) {
	l, err := wal.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &WALLogStore{log: l}, nil
}

func (s *WALLogStore) LastIndex() (uint64, error) {
	return s.log.LastIndex(), nil
}

func (s *WALLogStore) LastGeneration() (uint64, error) {
	return s.log.LastGeneration(), nil
}

func (s *WALLogStore) GenerationAt(index uint64) (uint64, error) {
	e, ok := s.log.Get(index)
	if !ok {
		return 0, fmt.Errorf("index %d out of range [1, %d]", index, s.log.LastIndex())
	}
	return e.Generation, nil
}

func (s *WALLogStore) Append(entries []LogEntry) error {
	for _, e := range entries {
		payload, err := json.Marshal(e.Cmd)
		if err != nil {
			return fmt.Errorf("log store: encode command at %d: %w", e.Index, err)
		}
		if err := s.log.AppendAt(wal.Entry{Index: e.Index, Generation: e.Generation, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (s *WALLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	frames, err := s.log.ReadRange(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, len(frames))
	for i, f := range frames {
		var cmd types.Command
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("log store: decode command at %d: %w", f.Index, err)
		}
		out[i] = LogEntry{Index: f.Index, Generation: f.Generation, Cmd: cmd}
	}
	return out, nil
}

func (s *WALLogStore) DeleteFrom(index uint64) error {
	return s.log.TruncateFrom(index)
}

func (s *WALLogStore) Close() error {
	return s.log.Close()
}
