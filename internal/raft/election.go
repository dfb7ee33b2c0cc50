package raft

import (
	"context"
	"time"

	"github.com/martsec/patterns-of-distributed-systems/internal/raft/transporthttp"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// electionLoop drives the follower/candidate timeout. The timeout is
// re-drawn from the configured range on every reset; without per-node
// jitter, symmetric nodes keep colliding in simultaneous candidacies.
func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// startElection bumps the generation, votes for self and requests votes
// from all peers. The node becomes leader the moment a strict majority has
// granted; a response carrying a higher generation forces an immediate
// step-down.
func (n *Node) startElection() {
	n.mu.Lock()
	if n.role == RoleLeader {
		n.mu.Unlock()
		return
	}
	generation, err := n.gen.bumpAndVoteSelf(n.cfg.ID)
	if err != nil {
		n.logger.Error("cannot start election", "err", err)
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	n.leaderHint = types.LeaderHint{}

	lastIdx, _ := n.log.LastIndex()
	lastGen, _ := n.log.LastGeneration()

	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	n.logger.Info("starting election", "generation", generation)

	req := transporthttp.VoteRequest{
		Generation:        generation,
		CandidateID:       n.cfg.ID,
		LastLogIndex:      lastIdx,
		LastLogGeneration: lastGen,
	}

	votes := 1 // vote for self
	majority := (len(peers)+1)/2 + 1
	if votes >= majority {
		// Single-node cluster.
		n.mu.Lock()
		if n.role == RoleCandidate && n.gen.current() == generation {
			n.becomeLeaderLocked(generation)
		}
		n.mu.Unlock()
		return
	}

	type voteResult struct {
		resp transporthttp.VoteResponse
		err  error
	}
	results := make(chan voteResult, len(peers))

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.ElectionTimeoutMin)
	defer cancel()

	for _, p := range peers {
		go func(peer types.NodeID) {
			if n.tp == nil {
				results <- voteResult{err: context.Canceled}
				return
			}
			resp, err := n.tp.RequestVote(ctx, peer, req)
			results <- voteResult{resp, err}
		}(p)
	}

	for range peers {
		select {
		case <-ctx.Done():
			return
		case vr := <-results:
			if vr.err != nil {
				// Unreachable peer: absence of a response, not an error.
				continue
			}
			if vr.resp.Generation > generation {
				n.mu.Lock()
				n.observeGenerationLocked(vr.resp.Generation)
				n.mu.Unlock()
				return
			}
			if vr.resp.Granted {
				votes++
			}
			if votes >= majority {
				n.mu.Lock()
				// The candidacy may have been overtaken while the
				// response was in flight.
				if n.role == RoleCandidate && n.gen.current() == generation {
					n.becomeLeaderLocked(generation)
				}
				n.mu.Unlock()
				return
			}
		}
	}
}

// becomeLeaderLocked transitions to leader for generation and starts the
// heartbeat ticker. The first round of (possibly empty) appends goes out
// immediately to assert authority before any follower times out.
func (n *Node) becomeLeaderLocked(generation uint64) {
	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}

	lastIdx, _ := n.log.LastIndex()
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = lastIdx + 1
	}
	n.quorum.reset(n.cfg.ID, lastIdx, n.commitIndex)

	n.logger.Info("became leader", "generation", generation, "last_index", lastIdx)

	n.heartbeatStopCh = make(chan struct{})
	go n.heartbeatLoop()
}

// heartbeatLoop fans appends out to every peer at the heartbeat interval.
// Each round goes through the replication path, so the same tick that
// keeps followers from timing out also repairs lagging ones and advances
// the commit index; an append with no entries is a pure heartbeat.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	stopCh := n.heartbeatStopCh
	n.broadcastAppends()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			isLeader := n.role == RoleLeader
			n.mu.Unlock()
			if !isLeader {
				return
			}
			n.broadcastAppends()
		}
	}
}

func (n *Node) broadcastAppends() {
	n.mu.Lock()
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	for _, p := range peers {
		go func(peer types.NodeID) {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.HeartbeatInterval)
			defer cancel()
			n.replicateToPeer(ctx, peer)
		}(p)
	}
}

// observeGenerationLocked adopts a strictly higher generation and reverts
// to follower, whatever the current role. This is the safety rule that
// prevents two leaders within one generation.
func (n *Node) observeGenerationLocked(remote uint64) bool {
	stepped, err := n.gen.observe(remote)
	if err != nil {
		// The write failed, but a higher generation has been seen: stop
		// leading anyway. Only votes and the generation counter need the
		// store; staying leader here risks two leaders at once.
		n.logger.Error("cannot persist observed generation", "generation", remote, "err", err)
		n.stopHeartbeatLocked()
		n.role = RoleFollower
		n.leaderHint = types.LeaderHint{}
		return false
	}
	if !stepped {
		return false
	}
	n.logger.Info("observed higher generation, stepping down", "generation", remote, "was", n.role)
	n.stopHeartbeatLocked()
	n.role = RoleFollower
	n.leaderHint = types.LeaderHint{}
	return true
}

func (n *Node) stopHeartbeatLocked() {
	if n.heartbeatStopCh != nil {
		close(n.heartbeatStopCh)
		n.heartbeatStopCh = nil
	}
}

// HandleVoteRequest handles an incoming vote request.
func (n *Node) HandleVoteRequest(ctx context.Context, req transporthttp.VoteRequest) (transporthttp.VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.observeGenerationLocked(req.Generation)

	if req.Generation < n.gen.current() {
		// Stale candidate: denied, it learns our generation from the reply.
		return transporthttp.VoteResponse{Generation: n.gen.current(), Granted: false}, nil
	}

	lastIdx, _ := n.log.LastIndex()
	lastGen, _ := n.log.LastGeneration()

	granted, err := n.gen.tryVote(req.CandidateID, req.Generation, req.LastLogIndex, req.LastLogGeneration, lastIdx, lastGen)
	if err != nil {
		return transporthttp.VoteResponse{Generation: n.gen.current(), Granted: false}, err
	}
	if granted {
		n.resetElectionTimer()
	}
	return transporthttp.VoteResponse{Generation: n.gen.current(), Granted: granted}, nil
}
