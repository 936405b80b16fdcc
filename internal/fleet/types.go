package fleet

import (
	"fmt"

	"github.com/gateway-fm/sealerbench/internal/profile"
)

// Role distinguishes block producers from load-generating nodes.
type Role string

const (
	RoleSealer Role = "sealer"
	RoleUser   Role = "user"
)

// State is the lifecycle state of a fleet.
type State string

const (
	StateUnstarted State = "unstarted"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateCleaned   State = "cleaned"
)

// Node process statuses kept in the registry.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusKilled  = "killed"
	StatusFailed  = "failed"
)

// NodeDescriptor is one node of a fleet: its identity, endpoints, client
// profile and, while running, its process handle.
type NodeDescriptor struct {
	Name    string
	Role    Role
	Ordinal int
	Address string // signer (sealer) or unlocked account (user)
	Host    string
	RPCPort int
	P2PPort int
	WSPort  int
	Profile *profile.Profile

	DataDir    string
	ConfigPath string
	LogPath    string

	PID    int
	PGID   int
	Status string
}

// RPCURL returns the node's HTTP JSON-RPC endpoint.
func (n *NodeDescriptor) RPCURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.RPCPort)
}

// WSURL returns the node's websocket endpoint.
func (n *NodeDescriptor) WSURL() string {
	return fmt.Sprintf("ws://%s:%d", n.Host, n.WSPort)
}

// Ports returns every port the node binds.
func (n *NodeDescriptor) Ports() []int {
	return []int{n.RPCPort, n.P2PPort, n.WSPort}
}

// NodeExit reports how a node left during Stop.
type NodeExit struct {
	Clean  bool   `json:"clean"`            // exited after the graceful signal, or was not running
	Signal string `json:"signal,omitempty"` // last signal delivered
}

// NodeHealth is the per-node part of Status.
type NodeHealth struct {
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	Profile      string `json:"profile"`
	Adversarial  bool   `json:"adversarial"`
	Endpoint     string `json:"endpoint"`
	PID          int    `json:"pid,omitempty"`
	ProcessAlive bool   `json:"processAlive"`
	RPCAlive     bool   `json:"rpcAlive"`
	Head         uint64 `json:"head,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Status is a point-in-time view of a fleet.
type Status struct {
	ID    string       `json:"id"`
	State State        `json:"state"`
	Nodes []NodeHealth `json:"nodes"`
}

// LaunchError reports a failed start: a bound port or a missing binary.
// When Launched is non-empty the fleet was left partially running.
type LaunchError struct {
	Fleet    string
	Node     string
	Reason   string
	Launched []string
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch fleet %s", e.Fleet)
	if e.Node != "" {
		msg += " node " + e.Node
	}
	msg += ": " + e.Reason
	if len(e.Launched) > 0 {
		msg += fmt.Sprintf(" (%d nodes left running)", len(e.Launched))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// StateInUseError reports an operation that needs the fleet stopped first.
type StateInUseError struct {
	Fleet string
	State State
	Op    string
}

func (e *StateInUseError) Error() string {
	return fmt.Sprintf("%s fleet %s: fleet is %s; stop it first", e.Op, e.Fleet, e.State)
}

// BusyError reports a concurrent operation on the same fleet.
type BusyError struct {
	Fleet string
	Op    string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s fleet %s: another operation holds the fleet lock", e.Op, e.Fleet)
}
