// Package kvsm implements the deterministic key-value state machine that
// committed log entries are applied to.
package kvsm

import (
	"sync"

	"github.com/google/btree"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

const btreeDegree = 32

type kvItem struct {
	key   string
	value string
}

func (a kvItem) Less(b btree.Item) bool {
	return a.key < b.(kvItem).key
}

// DedupeRecord tracks the last applied sequence for a client, so a retried
// command is answered with the original reply instead of applied twice.
type DedupeRecord struct {
	LastSeq   uint64            `json:"last_seq"`
	LastReply types.ApplyResult `json:"last_reply"`
}

// KVStateMachine is a deterministic, thread-safe key-value state machine.
// Keys are held in a btree so listings come out in key order.
type KVStateMachine struct {
	mu     sync.Mutex
	tree   *btree.BTree
	dedupe map[string]DedupeRecord
}

// New creates a new KVStateMachine.
func New() *KVStateMachine {
	return &KVStateMachine{
		tree:   btree.New(btreeDegree),
		dedupe: make(map[string]DedupeRecord),
	}
}

// Apply applies a command to the state machine.
func (sm *KVStateMachine) Apply(cmd types.Command) types.ApplyResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Deduplication check
	if cmd.ClientID != "" && cmd.Seq != 0 {
		if rec, ok := sm.dedupe[cmd.ClientID]; ok && rec.LastSeq >= cmd.Seq {
			return rec.LastReply
		}
	}

	result := sm.applyLocked(cmd)

	if cmd.ClientID != "" && cmd.Seq != 0 {
		sm.dedupe[cmd.ClientID] = DedupeRecord{
			LastSeq:   cmd.Seq,
			LastReply: result,
		}
	}

	return result
}

func (sm *KVStateMachine) applyLocked(cmd types.Command) types.ApplyResult {
	switch cmd.Op {
	case types.OpPut:
		if cmd.Key == "" {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "key is required"}
		}
		sm.tree.ReplaceOrInsert(kvItem{key: cmd.Key, value: cmd.Value})
		return types.ApplyResult{Ok: true}

	case types.OpDelete:
		if cmd.Key == "" {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "key is required"}
		}
		deleted := 0
		if sm.tree.Delete(kvItem{key: cmd.Key}) != nil {
			deleted = 1
		}
		return types.ApplyResult{Ok: true, Deleted: deleted}

	case types.OpCAS:
		if cmd.Key == "" {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "key is required"}
		}
		var current string
		if it := sm.tree.Get(kvItem{key: cmd.Key}); it != nil {
			current = it.(kvItem).value
		}
		if current != cmd.Expected {
			return types.ApplyResult{Ok: false, ErrCode: "cas_failed"}
		}
		sm.tree.ReplaceOrInsert(kvItem{key: cmd.Key, value: cmd.Value})
		return types.ApplyResult{Ok: true}

	case types.OpBatchPut:
		if len(cmd.Entries) == 0 {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "entries is required"}
		}
		for _, e := range cmd.Entries {
			sm.tree.ReplaceOrInsert(kvItem{key: e.Key, value: e.Value})
		}
		return types.ApplyResult{Ok: true}

	case types.OpBatchDelete:
		if len(cmd.Keys) == 0 {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "keys is required"}
		}
		deleted := 0
		for _, k := range cmd.Keys {
			if sm.tree.Delete(kvItem{key: k}) != nil {
				deleted++
			}
		}
		return types.ApplyResult{Ok: true, Deleted: deleted}

	default:
		return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "unknown operation"}
	}
}

// Get returns the value for a key.
func (sm *KVStateMachine) Get(key string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if it := sm.tree.Get(kvItem{key: key}); it != nil {
		return it.(kvItem).value, true
	}
	return "", false
}

// MGet returns values for multiple keys.
func (sm *KVStateMachine) MGet(keys []string) map[string]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		if it := sm.tree.Get(kvItem{key: k}); it != nil {
			result[k] = it.(kvItem).value
		}
	}
	return result
}

// List returns up to limit entries whose keys start with prefix, in key
// order. limit <= 0 means no limit.
func (sm *KVStateMachine) List(prefix string, limit int) []types.Entry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var out []types.Entry
	sm.tree.AscendGreaterOrEqual(kvItem{key: prefix}, func(it btree.Item) bool {
		kv := it.(kvItem)
		if prefix != "" && (len(kv.key) < len(prefix) || kv.key[:len(prefix)] != prefix) {
			return false
		}
		out = append(out, types.Entry{Key: kv.key, Value: kv.value})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Range returns up to limit entries with from <= key < to, in key order.
// An empty to means no upper bound; limit <= 0 means no limit.
func (sm *KVStateMachine) Range(from, to string, limit int) []types.Entry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var out []types.Entry
	sm.tree.AscendGreaterOrEqual(kvItem{key: from}, func(it btree.Item) bool {
		kv := it.(kvItem)
		if to != "" && kv.key >= to {
			return false
		}
		out = append(out, types.Entry{Key: kv.key, Value: kv.value})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// All returns every key-value pair.
func (sm *KVStateMachine) All() map[string]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]string, sm.tree.Len())
	sm.tree.Ascend(func(it btree.Item) bool {
		kv := it.(kvItem)
		out[kv.key] = kv.value
		return true
	})
	return out
}

// Len returns the number of keys.
func (sm *KVStateMachine) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.tree.Len()
}

// LastSeen returns the last sequence number seen for a client.
func (sm *KVStateMachine) LastSeen(clientID string) (uint64, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.dedupe[clientID]
	if !ok {
		return 0, false
	}
	return rec.LastSeq, true
}
