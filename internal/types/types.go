// Package types holds the identifiers and wire structures shared by the
// raft core, the state machine and the HTTP layers.
package types

// NodeID identifies a cluster member.
type NodeID string

// ReadPolicy selects the consistency of reads.
type ReadPolicy string

const (
	// ReadPolicyStale answers from local applied state on any node. Reads
	// may lag the commit index.
	ReadPolicyStale ReadPolicy = "stale"
	// ReadPolicyCommitted answers only on the leader, after everything
	// committed at read time has been applied locally.
	ReadPolicyCommitted ReadPolicy = "committed"
)

// OpType is the kind of state machine operation a Command carries.
type OpType string

const (
	OpPut         OpType = "put"
	OpDelete      OpType = "delete"
	OpCAS         OpType = "cas"
	OpBatchPut    OpType = "batch_put"
	OpBatchDelete OpType = "batch_delete"
)

// Entry is a single key-value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Command is a state machine operation carried in a log entry. ClientID
// and Seq identify a client request for deduplication; Seq must increase
// per client.
type Command struct {
	ClientID string   `json:"client_id,omitempty"`
	Seq      uint64   `json:"seq,omitempty"`
	Op       OpType   `json:"op"`
	Key      string   `json:"key,omitempty"`
	Value    string   `json:"value,omitempty"`
	Expected string   `json:"expected,omitempty"` // CAS only
	Entries  []Entry  `json:"entries,omitempty"`  // batch put
	Keys     []string `json:"keys,omitempty"`     // batch delete
}

// ApplyResult is the state machine's reply to an applied Command.
type ApplyResult struct {
	Ok      bool              `json:"ok"`
	Value   string            `json:"value,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	Deleted int               `json:"deleted,omitempty"`
	ErrCode string            `json:"err_code,omitempty"`
	ErrMsg  string            `json:"err_msg,omitempty"`
}

// LeaderHint names the leader a non-leader node last heard from. Zero
// when no leader is known.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus is a point-in-time snapshot of a node, served by /status.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Generation  uint64     `json:"generation"`
	CommitIndex uint64     `json:"commit_index"`
	LastApplied uint64     `json:"last_applied"`
	LastIndex   uint64     `json:"last_index"`
	LeaderHint  LeaderHint `json:"leader_hint"`
}
