// Package replicatedkv joins the raft node and the key-value state
// machine into the single API the HTTP layer talks to.
package replicatedkv

import (
	"context"

	"github.com/martsec/patterns-of-distributed-systems/internal/kvsm"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// ErrNotLeader is returned for writes and committed reads on a non-leader.
var ErrNotLeader = raft.ErrNotLeader

// RaftNode is the subset of raft.Node that ReplicatedKV needs.
type RaftNode interface {
	Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
	CommittedIndex() uint64
	WaitApplied(ctx context.Context, index uint64) error
}

// Config configures the ReplicatedKV layer.
type Config struct {
	ReadPolicy types.ReadPolicy
}

// ReplicatedKV wraps raft + the state machine into one API.
type ReplicatedKV struct {
	node RaftNode
	sm   *kvsm.KVStateMachine
	cfg  Config
}

// New creates a new ReplicatedKV.
func New(node RaftNode, sm *kvsm.KVStateMachine, cfg Config) *ReplicatedKV {
	return &ReplicatedKV{node: node, sm: sm, cfg: cfg}
}

func (r *ReplicatedKV) IsLeader() bool {
	return r.node.IsLeader()
}

func (r *ReplicatedKV) LeaderHint() types.LeaderHint {
	return r.node.LeaderHint()
}

func (r *ReplicatedKV) Status() types.NodeStatus {
	return r.node.Status()
}

// --- Reads ---

// confirmCommitted makes the read linearizable under ReadPolicyCommitted:
// only the leader serves it, and only after everything committed at read
// time has been applied locally.
func (r *ReplicatedKV) confirmCommitted(ctx context.Context) error {
	if r.cfg.ReadPolicy != types.ReadPolicyCommitted {
		return nil
	}
	if !r.node.IsLeader() {
		return ErrNotLeader
	}
	return r.node.WaitApplied(ctx, r.node.CommittedIndex())
}

// Get retrieves a value. With ReadPolicyStale it answers from local state
// immediately; with ReadPolicyCommitted it confirms leadership first.
func (r *ReplicatedKV) Get(ctx context.Context, key string) (string, bool, error) {
	if err := r.confirmCommitted(ctx); err != nil {
		return "", false, err
	}
	v, ok := r.sm.Get(key)
	return v, ok, nil
}

// MGet retrieves multiple values under the configured read policy.
func (r *ReplicatedKV) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if err := r.confirmCommitted(ctx); err != nil {
		return nil, err
	}
	return r.sm.MGet(keys), nil
}

// List returns entries in key order, optionally filtered by prefix.
func (r *ReplicatedKV) List(ctx context.Context, prefix string, limit int) ([]types.Entry, error) {
	if err := r.confirmCommitted(ctx); err != nil {
		return nil, err
	}
	return r.sm.List(prefix, limit), nil
}

// --- Writes ---

func (r *ReplicatedKV) Put(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpPut
	return r.node.Propose(ctx, cmd)
}

func (r *ReplicatedKV) Delete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpDelete
	return r.node.Propose(ctx, cmd)
}

func (r *ReplicatedKV) CAS(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpCAS
	return r.node.Propose(ctx, cmd)
}

func (r *ReplicatedKV) BatchPut(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchPut
	return r.node.Propose(ctx, cmd)
}

func (r *ReplicatedKV) BatchDelete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchDelete
	return r.node.Propose(ctx, cmd)
}
