package raft

import (
	"context"
	"time"

	"github.com/martsec/patterns-of-distributed-systems/internal/raft/storage"
	"github.com/martsec/patterns-of-distributed-systems/internal/raft/transporthttp"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// Propose appends a command to the leader's log and replicates it. It
// returns the state machine's result once the entry has committed and been
// applied. On a non-leader it fails with ErrNotLeader.
func (n *Node) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return types.ApplyResult{}, ErrNotLeader
	}
	generation := n.gen.current()

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return types.ApplyResult{}, storageFault(err)
	}

	newIdx := lastIdx + 1

	// Register the proposal before the commit index can move. The entry
	// may commit inside this critical section (a single node is its own
	// quorum), and the applier must find the channel when it reaches
	// newIdx.
	resultCh := make(chan types.ApplyResult, 1)
	n.pendingMu.Lock()
	n.pending[newIdx] = resultCh
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, newIdx)
		n.pendingMu.Unlock()
	}()

	entry := storage.LogEntry{Index: newIdx, Generation: generation, Cmd: cmd}
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return types.ApplyResult{}, storageFault(err)
	}

	// The append above is durable, so the leader acks its own write.
	n.quorum.recordAck(n.cfg.ID, newIdx)
	n.advanceCommitLocked()

	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	// Push to all peers immediately rather than waiting for the next
	// heartbeat tick. Each worker retries so backward probing can walk
	// the peer's log to a matching prefix.
	for _, p := range peers {
		go func(peer types.NodeID) {
			for attempt := 0; attempt < 10; attempt++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if success, _ := n.replicateToPeer(ctx, peer); success {
					return
				}

				n.mu.Lock()
				stillLeader := n.role == RoleLeader && n.gen.current() == generation
				n.mu.Unlock()
				if !stillLeader {
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}(p)
	}

	// Wait for commit + apply. If leadership is lost in the meantime the
	// entry may never commit under this generation, so give up rather
	// than block: the client retries and dedupe absorbs a double apply.
	check := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer check.Stop()
	for {
		select {
		case res := <-resultCh:
			return res, nil
		case <-ctx.Done():
			return types.ApplyResult{}, ctx.Err()
		case <-check.C:
			// Prefer a result that raced in ahead of the tick.
			select {
			case res := <-resultCh:
				return res, nil
			default:
			}
			n.mu.Lock()
			stillLeader := n.role == RoleLeader && n.gen.current() == generation
			n.mu.Unlock()
			if !stillLeader {
				return types.ApplyResult{}, ErrNotLeader
			}
		}
	}
}

// replicateToPeer sends one append request to a peer, carrying everything
// from the peer's next index through the end of the log (nothing, for a
// caught-up peer: a pure heartbeat). On success the ack feeds the quorum
// tracker and may advance the commit index; on a log mismatch the peer's
// next index backtracks using the conflict hints so the next round probes
// an earlier prefix.
func (n *Node) replicateToPeer(ctx context.Context, peer types.NodeID) (success bool, matchIdx uint64) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return false, 0
	}
	generation := n.gen.current()
	commitIndex := n.commitIndex

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = 1
	}

	prevLogIndex := nextIdx - 1
	var prevLogGen uint64
	if prevLogIndex > 0 {
		var err error
		prevLogGen, err = n.log.GenerationAt(prevLogIndex)
		if err != nil {
			n.mu.Unlock()
			return false, 0
		}
	}

	lastIdx, _ := n.log.LastIndex()
	var entries []storage.LogEntry
	if nextIdx <= lastIdx {
		var err error
		entries, err = n.log.ReadRange(nextIdx, lastIdx)
		if err != nil {
			n.mu.Unlock()
			return false, 0
		}
	}
	n.mu.Unlock()

	req := transporthttp.AppendRequest{
		Generation:        generation,
		LeaderID:          n.cfg.ID,
		LeaderAddr:        n.cfg.Addr,
		PrevLogIndex:      prevLogIndex,
		PrevLogGeneration: prevLogGen,
		Entries:           entries,
		LeaderCommit:      commitIndex,
	}

	if n.tp == nil {
		return false, 0
	}
	resp, err := n.tp.AppendEntries(ctx, peer, req)
	if err != nil {
		// Unreachable peer: the next heartbeat tick retries.
		return false, 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// A response issued under an obsolete generation is a harmless no-op.
	if n.role != RoleLeader || n.gen.current() != generation {
		return false, 0
	}
	if resp.Generation > generation {
		n.observeGenerationLocked(resp.Generation)
		return false, 0
	}

	if resp.Success {
		newMatchIdx := prevLogIndex + uint64(len(entries))
		n.quorum.recordAck(peer, newMatchIdx)
		if newMatchIdx+1 > n.nextIndex[peer] {
			n.nextIndex[peer] = newMatchIdx + 1
		}
		n.advanceCommitLocked()
		return true, newMatchIdx
	}

	// Log mismatch: backtrack nextIndex for the next probe.
	if resp.ConflictGeneration == 0 {
		// Follower's log is too short.
		n.nextIndex[peer] = resp.ConflictIndex
	} else {
		// If we hold entries of the conflicting generation, resume right
		// after our last one; otherwise jump to the follower's first
		// index of that generation.
		found := false
		for i := resp.ConflictIndex; i <= lastIdx; i++ {
			g, err := n.log.GenerationAt(i)
			if err != nil {
				break
			}
			if g == resp.ConflictGeneration {
				for j := i; j <= lastIdx; j++ {
					g2, _ := n.log.GenerationAt(j)
					if g2 != resp.ConflictGeneration {
						n.nextIndex[peer] = j
						found = true
						break
					}
				}
				if !found {
					n.nextIndex[peer] = lastIdx + 1
					found = true
				}
				break
			}
		}
		if !found {
			n.nextIndex[peer] = resp.ConflictIndex
		}
	}

	if n.nextIndex[peer] < 1 {
		n.nextIndex[peer] = 1
	}

	return false, 0
}

// advanceCommitLocked recomputes the commit index from the quorum tracker
// and wakes the applier if it moved.
func (n *Node) advanceCommitLocked() {
	if n.role != RoleLeader {
		return
	}
	commit := n.quorum.commitIndex(len(n.cfg.Peers)+1, n.gen.current(), n.log.GenerationAt)
	if commit > n.commitIndex {
		n.commitIndex = commit
		n.signalApplier()
	}
}

// HandleAppendRequest handles an incoming append request. Every accepted
// request, with or without entries, also counts as the leader's heartbeat.
func (n *Node) HandleAppendRequest(ctx context.Context, req transporthttp.AppendRequest) (transporthttp.AppendResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.observeGenerationLocked(req.Generation)

	current := n.gen.current()
	if req.Generation < current {
		// Stale leader: rejected, it learns our generation from the reply.
		return transporthttp.AppendResponse{Generation: current, Success: false}, nil
	}

	// Live leader contact for the current generation.
	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	if n.role == RoleCandidate {
		n.role = RoleFollower
	}

	// Consistency check: our entry at PrevLogIndex must exist and carry
	// PrevLogGeneration, otherwise the leader has to probe further back.
	if req.PrevLogIndex > 0 {
		lastIdx, _ := n.log.LastIndex()
		if req.PrevLogIndex > lastIdx {
			return transporthttp.AppendResponse{
				Generation:    current,
				Success:       false,
				ConflictIndex: lastIdx + 1,
			}, nil
		}

		prevGen, err := n.log.GenerationAt(req.PrevLogIndex)
		if err != nil {
			return transporthttp.AppendResponse{
				Generation:    current,
				Success:       false,
				ConflictIndex: req.PrevLogIndex,
			}, nil
		}

		if prevGen != req.PrevLogGeneration {
			// Report the first index of the conflicting generation so the
			// leader can skip the whole run in one step.
			conflictGen := prevGen
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				g, err := n.log.GenerationAt(conflictIndex - 1)
				if err != nil || g != conflictGen {
					break
				}
				conflictIndex--
			}
			return transporthttp.AppendResponse{
				Generation:         current,
				Success:            false,
				ConflictIndex:      conflictIndex,
				ConflictGeneration: conflictGen,
			}, nil
		}
	}

	// Append, truncating any conflicting suffix first. An entry that is
	// already present with the same generation is left untouched.
	if len(req.Entries) > 0 {
		lastIdx, _ := n.log.LastIndex()

		for i, entry := range req.Entries {
			if entry.Index <= lastIdx {
				existingGen, err := n.log.GenerationAt(entry.Index)
				if err == nil && existingGen != entry.Generation {
					if err := n.log.DeleteFrom(entry.Index); err != nil {
						return transporthttp.AppendResponse{Generation: current, Success: false}, storageFault(err)
					}
					if err := n.log.Append(req.Entries[i:]); err != nil {
						return transporthttp.AppendResponse{Generation: current, Success: false}, storageFault(err)
					}
					break
				}
			} else {
				if err := n.log.Append(req.Entries[i:]); err != nil {
					return transporthttp.AppendResponse{Generation: current, Success: false}, storageFault(err)
				}
				break
			}
		}
	}

	// Advance commit index, never past our own log.
	lastIdx, _ := n.log.LastIndex()
	newCommit := req.LeaderCommit
	if lastIdx < newCommit {
		newCommit = lastIdx
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
		n.signalApplier()
	}

	return transporthttp.AppendResponse{
		Generation: current,
		Success:    true,
		MatchIndex: req.PrevLogIndex + uint64(len(req.Entries)),
	}, nil
}
