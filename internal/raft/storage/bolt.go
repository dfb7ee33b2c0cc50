package storage

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

var (
	raftBucket         = []byte("raft")
	generationStateKey = []byte("generation_state")
)

// BoltStableStore persists GenerationState in a Bolt database. Every write
// is its own fsync'd transaction, which satisfies the durability
// requirement of StableStore.
type BoltStableStore struct {
	db *bolt.DB
}

// NewBoltStableStore opens (or creates) the database at path.
func NewBoltStableStore(path string) (*BoltStableStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("stable store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(raftBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("stable store: create bucket: %w", err)
	}
	return &BoltStableStore{db: db}, nil
}

func (s *BoltStableStore) GetGenerationState() (GenerationState, error) {
	var state GenerationState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(raftBucket).Get(generationStateKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return GenerationState{}, fmt.Errorf("stable store: read state: %w", err)
	}
	return state, nil
}

func (s *BoltStableStore) SetGenerationState(state GenerationState) error {
	v, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("stable store: encode state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(raftBucket).Put(generationStateKey, v)
	})
	if err != nil {
		return fmt.Errorf("stable store: write state: %w", err)
	}
	return nil
}

func (s *BoltStableStore) Close() error {
	return s.db.Close()
}
