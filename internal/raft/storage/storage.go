package storage

import (
	"fmt"
	"sync"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	Index      uint64        `json:"index"`
	Generation uint64        `json:"generation"`
	Cmd        types.Command `json:"cmd"`
}

// GenerationState is the durable election state of a node. Generation is
// monotonic; a node votes at most once per generation.
type GenerationState struct {
	Generation uint64       `json:"generation"`
	VotedFor   types.NodeID `json:"voted_for,omitempty"`
	HasVote    bool         `json:"has_vote"`
}

// --- Interfaces ---

// StableStore persists GenerationState. Set must be durable before it
// returns: the state is consulted when granting votes, so losing it can
// elect two leaders in one generation.
type StableStore interface {
	GetGenerationState() (GenerationState, error)
	SetGenerationState(GenerationState) error
}

// LogStore persists the replicated log.
type LogStore interface {
	LastIndex() (uint64, error)
	LastGeneration() (uint64, error)
	GenerationAt(index uint64) (uint64, error)
	Append(entries []LogEntry) error
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	DeleteFrom(index uint64) error
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore for tests.
type MemStableStore struct {
	mu    sync.Mutex
	state GenerationState
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) GetGenerationState() (GenerationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemStableStore) SetGenerationState(state GenerationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// MemLogStore is an in-memory LogStore. Index 0 is a dummy sentinel.
type MemLogStore struct {
	mu      sync.Mutex
	entries []LogEntry // entries[0] is sentinel
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{
		entries: []LogEntry{{}}, // dummy at index 0
	}
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries) - 1), nil
}

func (s *MemLogStore) LastGeneration() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1].Generation, nil
}

func (s *MemLogStore) GenerationAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || int(index) >= len(s.entries) {
		return 0, fmt.Errorf("index %d out of range [1, %d]", index, len(s.entries)-1)
	}
	return s.entries[index].Generation, nil
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Index != uint64(len(s.entries)) {
			return fmt.Errorf("append at %d, next is %d", e.Index, len(s.entries))
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lo < 1 || hi >= uint64(len(s.entries)) || lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d], log length %d", lo, hi, len(s.entries)-1)
	}
	// Return a copy
	result := make([]LogEntry, hi-lo+1)
	copy(result, s.entries[lo:hi+1])
	return result, nil
}

func (s *MemLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 1 || int(index) >= len(s.entries) {
		return fmt.Errorf("index %d out of range [1, %d]", index, len(s.entries)-1)
	}
	s.entries = s.entries[:index]
	return nil
}
