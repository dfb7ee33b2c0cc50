// Package raft implements a replicated write-ahead log with leader
// election and quorum-based commit. One node runs per process; nodes share
// state only through the vote and append RPCs carried by the transport.
//
// All state transitions happen under a single mutex. Network I/O and
// fsyncs triggered by peers run outside the critical section; responses
// that arrive for an obsolete generation are discarded on receipt.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/martsec/patterns-of-distributed-systems/internal/raft/storage"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft/transporthttp"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

// ErrNotLeader is returned by Propose on a non-leader. Clients should
// redirect to the node named by LeaderHint and retry.
var ErrNotLeader = errors.New("not leader")

// storageFault marks a persistence write that did not complete. An entry
// whose write failed is never acknowledged, neither to a peer nor to a
// client.
func storageFault(err error) error {
	return fmt.Errorf("storage fault: %w", err)
}

// StateMachine applies committed commands in log order.
type StateMachine interface {
	Apply(types.Command) types.ApplyResult
}

// TimingConfig holds configurable timing parameters for elections and
// heartbeats. HeartbeatInterval must be strictly less than
// ElectionTimeoutMin or followers time out under a healthy leader.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultTimingConfig returns sensible defaults for production.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// Config holds configuration for a node.
type Config struct {
	ID     types.NodeID
	Peers  []types.NodeID // other nodes (not including self)
	Addr   string         // this node's advertised address
	Timing TimingConfig
	Rand   *rand.Rand   // optional: for deterministic randomness in tests
	Logger *slog.Logger // optional
}

// Node participates in the cluster protocol: it holds the durable log,
// the generation clock and the quorum tracker, and drives elections and
// replication.
type Node struct {
	cfg    Config
	gen    *generationClock
	log    storage.LogStore
	quorum *quorumTracker
	tp     transporthttp.Transport
	sm     StateMachine
	logger *slog.Logger

	mu          sync.Mutex
	role        string
	leaderHint  types.LeaderHint
	commitIndex uint64
	lastApplied uint64
	nextIndex   map[types.NodeID]uint64

	// timers and goroutines
	applierDone     chan struct{}
	applierCh       chan struct{}
	cancel          context.CancelFunc
	ctx             context.Context
	electionResetCh chan struct{}
	heartbeatStopCh chan struct{}

	// pending proposals waiting for apply
	pendingMu sync.Mutex
	pending   map[uint64]chan types.ApplyResult

	// readers waiting for an index to be applied
	applyWaitMu  sync.Mutex
	applyWaiters map[uint64][]chan struct{}

	// random source, used for election timeout jitter
	rand *rand.Rand
}

// NewNode creates a node, recovering generation state from the stable
// store and the log tail from the log store.
func NewNode(cfg Config, stable storage.StableStore, log storage.LogStore, tp transporthttp.Transport, sm StateMachine) (*Node, error) {
	gen, err := newGenerationClock(stable)
	if err != nil {
		return nil, err
	}

	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing = DefaultTimingConfig()
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:             cfg,
		gen:             gen,
		log:             log,
		quorum:          newQuorumTracker(),
		tp:              tp,
		sm:              sm,
		logger:          logger.With("node", cfg.ID),
		role:            RoleFollower,
		nextIndex:       make(map[types.NodeID]uint64),
		applierCh:       make(chan struct{}, 1),
		pending:         make(map[uint64]chan types.ApplyResult),
		applyWaiters:    make(map[uint64][]chan struct{}),
		electionResetCh: make(chan struct{}, 1),
		rand:            r,
	}

	return n, nil
}

// Start starts the applier loop and election timer.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	<-n.applierDone
	return nil
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

// CommittedIndex returns the highest index known replicated on a majority.
func (n *Node) CommittedIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIdx, _ := n.log.LastIndex()
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role,
		Generation:  n.gen.current(),
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   lastIdx,
		LeaderHint:  n.leaderHint,
	}
}

// ReadCommitted returns the command at index. Only entries at or below the
// commit index are visible.
func (n *Node) ReadCommitted(index uint64) (types.Command, bool) {
	n.mu.Lock()
	visible := index >= 1 && index <= n.commitIndex
	n.mu.Unlock()
	if !visible {
		return types.Command{}, false
	}
	entries, err := n.log.ReadRange(index, index)
	if err != nil || len(entries) == 0 {
		return types.Command{}, false
	}
	return entries[0].Cmd, true
}

// WaitApplied blocks until the entry at index has been applied to the
// state machine, or ctx expires.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	n.mu.Lock()
	applied := n.lastApplied >= index
	n.mu.Unlock()
	if applied {
		return nil
	}

	ch := make(chan struct{})
	n.applyWaitMu.Lock()
	n.applyWaiters[index] = append(n.applyWaiters[index], ch)
	n.applyWaitMu.Unlock()

	// Re-check: the applier may have passed index before the waiter was
	// registered.
	n.mu.Lock()
	applied = n.lastApplied >= index
	n.mu.Unlock()
	if applied {
		n.removeApplyWaiter(index, ch)
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		n.removeApplyWaiter(index, ch)
		return ctx.Err()
	}
}

// removeApplyWaiter drops a waiter that no longer listens, so an index
// that never applies does not hold its channel list forever.
func (n *Node) removeApplyWaiter(index uint64, ch chan struct{}) {
	n.applyWaitMu.Lock()
	defer n.applyWaitMu.Unlock()
	waiters := n.applyWaiters[index]
	for i, c := range waiters {
		if c == ch {
			n.applyWaiters[index] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.applyWaiters[index]) == 0 {
		delete(n.applyWaiters, index)
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	if max <= min {
		// Degenerate range: no jitter.
		return min
	}
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) signalApplier() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyPending()
		}
	}
}

func (n *Node) applyPending() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		lo := n.lastApplied + 1
		hi := n.commitIndex
		n.mu.Unlock()

		entries, err := n.log.ReadRange(lo, hi)
		if err != nil {
			n.logger.Error("applier read failed", "lo", lo, "hi", hi, "err", err)
			return
		}

		for _, e := range entries {
			result := n.sm.Apply(e.Cmd)

			n.mu.Lock()
			n.lastApplied = e.Index
			n.mu.Unlock()

			// Notify pending proposal if any
			n.pendingMu.Lock()
			if ch, ok := n.pending[e.Index]; ok {
				ch <- result
			}
			n.pendingMu.Unlock()

			n.notifyApplyWaiters(e.Index)
		}
	}
}

func (n *Node) notifyApplyWaiters(applied uint64) {
	n.applyWaitMu.Lock()
	defer n.applyWaitMu.Unlock()
	for idx, chans := range n.applyWaiters {
		if idx <= applied {
			for _, ch := range chans {
				close(ch)
			}
			delete(n.applyWaiters, idx)
		}
	}
}

// HTTPHandler returns the RPC HTTP handler for this node.
func (n *Node) HTTPHandler() *transporthttp.HTTPServer {
	return transporthttp.NewHTTPServer(n)
}
