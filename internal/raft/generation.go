package raft

import (
	"fmt"

	"github.com/martsec/patterns-of-distributed-systems/internal/raft/storage"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// generationClock owns the node's durable election state: the current
// generation and the vote cast in it. The generation never decreases and a
// node votes at most once per generation. Every mutation is persisted
// through the stable store before it takes effect in memory, so a restart
// can never re-grant a vote or step back to an older generation.
//
// Callers must hold the node mutex.
type generationClock struct {
	stable storage.StableStore
	state  storage.GenerationState
}

func newGenerationClock(stable storage.StableStore) (*generationClock, error) {
	state, err := stable.GetGenerationState()
	if err != nil {
		return nil, fmt.Errorf("load generation state: %w", err)
	}
	return &generationClock{stable: stable, state: state}, nil
}

func (g *generationClock) current() uint64 {
	return g.state.Generation
}

// bumpAndVoteSelf starts a new generation with the node's own candidacy:
// the generation is incremented and the vote goes to self in one durable
// write.
func (g *generationClock) bumpAndVoteSelf(self types.NodeID) (uint64, error) {
	next := storage.GenerationState{
		Generation: g.state.Generation + 1,
		VotedFor:   self,
		HasVote:    true,
	}
	if err := g.stable.SetGenerationState(next); err != nil {
		return 0, storageFault(err)
	}
	g.state = next
	return next.Generation, nil
}

// observe adopts a strictly higher remote generation, clearing any vote
// held in the old one. Returns true if the generation advanced; the caller
// must revert to follower in that case.
func (g *generationClock) observe(remote uint64) (bool, error) {
	if remote <= g.state.Generation {
		return false, nil
	}
	next := storage.GenerationState{Generation: remote}
	if err := g.stable.SetGenerationState(next); err != nil {
		return false, storageFault(err)
	}
	g.state = next
	return true, nil
}

// tryVote grants at most one vote per generation. The vote is denied if
// the candidate's generation is stale, if the vote for this generation was
// already cast for someone else, or if the candidate's log is less
// up-to-date than ours (compared by last generation, then last index —
// the same ordering that decides leader eligibility).
func (g *generationClock) tryVote(candidate types.NodeID, candGen, candLastIndex, candLastGen, lastIndex, lastGen uint64) (bool, error) {
	if candGen < g.state.Generation {
		return false, nil
	}
	if g.state.HasVote && g.state.VotedFor != candidate {
		return false, nil
	}
	logOK := candLastGen > lastGen ||
		(candLastGen == lastGen && candLastIndex >= lastIndex)
	if !logOK {
		return false, nil
	}
	if g.state.HasVote && g.state.VotedFor == candidate {
		return true, nil // already granted, duplicate request
	}
	next := g.state
	next.VotedFor = candidate
	next.HasVote = true
	if err := g.stable.SetGenerationState(next); err != nil {
		return false, storageFault(err)
	}
	g.state = next
	return true, nil
}
