package raft

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// genAt builds a generationAt lookup from a slice where position i holds
// the generation of log index i+1.
func genAt(gens []uint64) func(uint64) (uint64, error) {
	return func(idx uint64) (uint64, error) {
		return gens[idx-1], nil
	}
}

func TestQuorum_NoCommitBelowMajority(t *testing.T) {
	q := newQuorumTracker()
	q.reset("n1", 3, 0)

	gens := genAt([]uint64{1, 1, 1})
	// Only the leader has acked: 1/3 members.
	require.Equal(t, uint64(0), q.commitIndex(3, 1, gens))

	q.recordAck("n2", 2)
	require.Equal(t, uint64(2), q.commitIndex(3, 1, gens))
}

func TestQuorum_ClusterSizeOne(t *testing.T) {
	q := newQuorumTracker()
	q.reset("n1", 4, 0)
	require.Equal(t, uint64(4), q.commitIndex(1, 1, genAt([]uint64{1, 1, 1, 1})))
}

func TestQuorum_ClusterSizesUnderPermutedAckOrders(t *testing.T) {
	for _, size := range []int{3, 5} {
		members := make([]string, size-1)
		for i := range members {
			members[i] = string(rune('b' + i))
		}
		gens := genAt([]uint64{1, 1, 1, 1, 1})

		for trial := 0; trial < 20; trial++ {
			q := newQuorumTracker()
			q.reset("a", 5, 0)

			r := rand.New(rand.NewSource(int64(trial)))
			order := r.Perm(len(members))

			acked := 1 // leader
			for _, mi := range order {
				q.recordAck(types.NodeID(members[mi]), 5)
				acked++
				want := uint64(0)
				if acked >= size/2+1 {
					want = 5
				}
				require.Equal(t, want, q.commitIndex(size, 1, gens),
					"size=%d trial=%d after %d acks", size, trial, acked)
			}
		}
	}
}

func TestQuorum_AcksAreIdempotentAndKeepMax(t *testing.T) {
	q := newQuorumTracker()
	q.reset("n1", 3, 0)

	q.recordAck("n2", 3)
	q.recordAck("n2", 3)
	q.recordAck("n2", 1) // out-of-order, must not regress
	require.Equal(t, uint64(3), q.ackedThrough("n2"))

	require.Equal(t, uint64(3), q.commitIndex(3, 1, genAt([]uint64{1, 1, 1})))
}

func TestQuorum_CommitIsMonotone(t *testing.T) {
	q := newQuorumTracker()
	q.reset("n1", 5, 0)
	gens := genAt([]uint64{1, 1, 1, 1, 1})

	q.recordAck("n2", 4)
	require.Equal(t, uint64(4), q.commitIndex(3, 1, gens))

	// A later, lower ack must not move the commit index backwards.
	q.recordAck("n3", 2)
	require.Equal(t, uint64(4), q.commitIndex(3, 1, gens))
}

func TestQuorum_StaleGenerationEntriesNeverCommitAlone(t *testing.T) {
	q := newQuorumTracker()
	q.reset("n1", 2, 0)

	// Index 1 and 2 were proposed under generation 1; the leader now holds
	// generation 2. Majority acks alone must not commit them.
	gens := genAt([]uint64{1, 1, 1})
	q.recordAck("n2", 2)
	require.Equal(t, uint64(0), q.commitIndex(3, 2, gens))

	// Once a generation-2 entry above them reaches quorum, everything
	// below commits implicitly.
	q.reset("n1", 3, 0)
	gens = genAt([]uint64{1, 1, 2})
	q.recordAck("n2", 3)
	require.Equal(t, uint64(3), q.commitIndex(3, 2, gens))
}
