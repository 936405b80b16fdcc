// Package storage persists the fleet registry and transaction injection
// history in SQLite.
package storage

import "time"

// FleetRecord is one registered fleet and its node table.
type FleetRecord struct {
	ID        string       `json:"id"`
	State     string       `json:"state"` // "unstarted", "running", "stopped", "cleaned"
	BaseDir   string       `json:"baseDir"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Nodes     []NodeRecord `json:"nodes"`
}

// NodeRecord is the persisted part of a node descriptor.
type NodeRecord struct {
	Name       string `json:"name"`
	Role       string `json:"role"` // "sealer" or "user"
	Ordinal    int    `json:"ordinal"`
	Host       string `json:"host"`
	RPCPort    int    `json:"rpcPort"`
	P2PPort    int    `json:"p2pPort"`
	WSPort     int    `json:"wsPort"`
	Profile    string `json:"profile"`
	PID        int    `json:"pid,omitempty"`
	PGID       int    `json:"pgid,omitempty"`
	Status     string `json:"status"` // "pending", "running", "exited", "killed", "failed"
	DataDir    string `json:"dataDir"`
	ExitSignal string `json:"exitSignal,omitempty"`
}

// InjectionRun summarises one inject-load invocation across all endpoints.
type InjectionRun struct {
	ID          string     `json:"id"`
	FleetID     string     `json:"fleetId"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Endpoints   int        `json:"endpoints"`
	CountPerEP  int        `json:"countPerEndpoint"`
	IntervalMs  int64      `json:"intervalMs"`
	TxSent      uint64     `json:"txSent"`
	TxOK        uint64     `json:"txOk"`
	TxFailed    uint64     `json:"txFailed"`
	Status      string     `json:"status"` // "running", "completed", "cancelled"
}

// TxLogEntry is a single transaction submission.
type TxLogEntry struct {
	Endpoint    string `json:"endpoint"`
	Seq         int    `json:"seq"`
	TxHash      string `json:"txHash,omitempty"`
	SentAtMs    int64  `json:"sentAtMs"`
	LatencyMs   int64  `json:"latencyMs"`
	Outcome     string `json:"outcome"` // "ok", "nonce_conflict", "unreachable", "rpc_error"
	ErrorReason string `json:"errorReason,omitempty"`
}

// PaginatedTxLogs is a page of transaction logs.
type PaginatedTxLogs struct {
	Transactions []TxLogEntry `json:"transactions"`
	Total        int          `json:"total"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
}
