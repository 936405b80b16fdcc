// Package types contains public API types for the sealerbench HTTP API.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// FleetState mirrors the fleet lifecycle.
type FleetState string

const (
	FleetUnstarted FleetState = "unstarted"
	FleetRunning   FleetState = "running"
	FleetStopped   FleetState = "stopped"
	FleetCleaned   FleetState = "cleaned"
)

// SlotOutcome is the classification of one slot.
type SlotOutcome string

const (
	SlotOnSchedule SlotOutcome = "on-schedule"
	SlotUsurped    SlotOutcome = "usurped"
	SlotMissing    SlotOutcome = "missing"
	// SlotUnconfirmed never appears among violations.
	SlotUnconfirmed SlotOutcome = "unconfirmed"
)

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReadyResponse is the readiness probe body.
type ReadyResponse struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}

// NodeStatus is the live state of one fleet node.
type NodeStatus struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Profile      string `json:"profile"`
	Adversarial  bool   `json:"adversarial"`
	Endpoint     string `json:"endpoint"`
	PID          int    `json:"pid,omitempty"`
	ProcessAlive bool   `json:"processAlive"`
	RPCAlive     bool   `json:"rpcAlive"`
	Head         uint64 `json:"head,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FleetStatus is the response of GET /v1/fleets/{id}.
type FleetStatus struct {
	ID    string       `json:"id"`
	State FleetState   `json:"state"`
	Nodes []NodeStatus `json:"nodes"`
}

// FleetSummary is one entry of GET /v1/fleets.
type FleetSummary struct {
	ID        string     `json:"id"`
	State     FleetState `json:"state"`
	BaseDir   string     `json:"baseDir"`
	Nodes     int        `json:"nodes"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AnalyzeRequest is the body of POST /v1/analyze.
type AnalyzeRequest struct {
	From      uint64   `json:"from"`
	To        uint64   `json:"to"`
	Endpoints []string `json:"endpoints,omitempty"` // defaults to the configured scrape endpoints
}

// InjectRequest starts an injection run; zero fields take the configured defaults.
type InjectRequest struct {
	Fleet      string `json:"fleet,omitempty"`
	Count      int    `json:"count,omitempty"`      // transactions per user endpoint
	IntervalMs int64  `json:"intervalMs,omitempty"` // spacing between transactions
}

// AuthorSummary is the per-validator line of an analysis.
type AuthorSummary struct {
	Index     int    `json:"index"`
	Address   string `json:"address"`
	Produced  int    `json:"produced"`
	Expected  int    `json:"expected"`
	Delta     int    `json:"delta"`
	Usurped   int    `json:"usurped"`
	Lost      int    `json:"lost"`
	LostTurns int    `json:"lostTurns"`
}

// Violation is one usurped or missing slot.
type Violation struct {
	Height         uint64      `json:"height"`
	Step           uint64      `json:"step"`
	ExpectedAuthor string      `json:"expectedAuthor"`
	ActualAuthor   string      `json:"actualAuthor,omitempty"`
	Outcome        SlotOutcome `json:"outcome"`
}

// AnalyzeResponse summarises a fairness report.
type AnalyzeResponse struct {
	From        uint64          `json:"from"`
	To          uint64          `json:"to"`
	WindowFrom  uint64          `json:"windowFrom"`
	WindowTo    uint64          `json:"windowTo"`
	Endpoints   []string        `json:"endpoints"`
	Slots       int             `json:"slots"`
	OnSchedule  int             `json:"onSchedule"`
	Usurped     int             `json:"usurped"`
	Missing     int             `json:"missing"`
	Unconfirmed int             `json:"unconfirmed"`
	LostTurns   int             `json:"lostTurns"`
	Conflicts   int             `json:"conflicts"`
	Unavailable int             `json:"unavailable"`
	TotalTxs    int             `json:"totalTxs"`
	Rounds      int             `json:"rounds"`
	Incomplete  bool            `json:"incomplete"`
	Authors     []AuthorSummary `json:"authors"`
	Violations  []Violation     `json:"violations"`
	Summary     string          `json:"summary"`
	ElapsedMs   int64           `json:"elapsedMs"`
}

// HeadEvent is pushed to /v1/heads websocket clients for every new block.
type HeadEvent struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Author    string `json:"author"`
	Timestamp uint64 `json:"timestamp"`
	Step      uint64 `json:"step"`
	Expected  string `json:"expected"`
	OnTurn    bool   `json:"onTurn"`
}
