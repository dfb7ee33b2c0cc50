package raft

import (
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// quorumTracker records, per member, the highest log index known to be
// durably stored there, and derives the commit index: the highest index
// acknowledged by a strict majority whose entry carries the current
// leader's generation. Entries proposed under an older, since-replaced
// generation never commit on ack counts alone; they commit implicitly once
// a current-generation entry above them reaches quorum.
//
// Callers must hold the node mutex.
type quorumTracker struct {
	acked  map[types.NodeID]uint64
	commit uint64
}

func newQuorumTracker() *quorumTracker {
	return &quorumTracker{acked: make(map[types.NodeID]uint64)}
}

// reset is called on every leadership transition: only the leader's own
// durable writes are known, peer acknowledgments start over. The commit
// floor carries over so the output stays monotone.
func (q *quorumTracker) reset(self types.NodeID, selfLastIndex, commit uint64) {
	q.acked = map[types.NodeID]uint64{self: selfLastIndex}
	q.commit = commit
}

// recordAck registers that node has durably stored the log through index.
// Re-recording the same or a lower index is a no-op.
func (q *quorumTracker) recordAck(node types.NodeID, index uint64) {
	if index > q.acked[node] {
		q.acked[node] = index
	}
}

func (q *quorumTracker) ackedThrough(node types.NodeID) uint64 {
	return q.acked[node]
}

// commitIndex returns the highest index acknowledged by a strict majority
// of memberCount members, counting only indices whose entry carries
// currentGen. generationAt resolves an index to its entry's generation.
// The result is monotone non-decreasing across calls, regardless of ack
// arrival order.
func (q *quorumTracker) commitIndex(memberCount int, currentGen uint64, generationAt func(uint64) (uint64, error)) uint64 {
	majority := memberCount/2 + 1

	var maxAcked uint64
	for _, idx := range q.acked {
		if idx > maxAcked {
			maxAcked = idx
		}
	}

	for idx := q.commit + 1; idx <= maxAcked; idx++ {
		gen, err := generationAt(idx)
		if err != nil || gen != currentGen {
			continue
		}
		count := 0
		for _, acked := range q.acked {
			if acked >= idx {
				count++
			}
		}
		if count >= majority {
			q.commit = idx
		}
	}
	return q.commit
}
