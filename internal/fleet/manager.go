// Package fleet starts, supervises and stops the sealer and user node
// processes of a test chain. The Manager owns the fleet registry; every
// mutating operation holds the fleet's single-writer lock.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/profile"
	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/storage"
)

// Recorder receives node counts by status.
type Recorder interface {
	SetFleetNodes(status string, n int)
}

// Config configures a Manager.
type Config struct {
	Chain    config.ChainConfig
	Profiles *profile.Registry

	StopTimeout  time.Duration // graceful stop window before SIGKILL (default 10s)
	ReadyTimeout time.Duration // WaitReady bound (default 60s)
	PollInterval time.Duration // process exit polling during Stop (default 100ms)

	Storage   storage.Storage
	Processes ProcessController
	Ports     PortChecker
	LookPath  func(file string) (string, error)
	NewClient func(url string) rpc.Client
	Recorder  Recorder
	Logger    *slog.Logger
}

// Manager is the single owner of the fleet registry.
type Manager struct {
	cfg    Config
	locks  *xsync.Map[string, *sync.Mutex]
	logger *slog.Logger
}

// NewManager creates a Manager. Storage is required; other collaborators
// default to the operating system.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, errors.New("fleet: storage is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profile.DefaultRegistry()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = config.DefaultStopTimeoutSec * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = config.DefaultReadyTimeout * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Processes == nil {
		cfg.Processes = OSProcesses{}
	}
	if cfg.Ports == nil {
		cfg.Ports = ListenProbe{}
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(url string) rpc.Client {
			c := rpc.DefaultClientConfig(url)
			c.MaxRetries = 0
			return rpc.NewHTTPClient(c)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		locks:  xsync.NewMap[string, *sync.Mutex](),
		logger: logger,
	}, nil
}

// Plan returns the node descriptors a fleet configuration describes: one
// sealer per validator, then one user per user account.
func (m *Manager) Plan(fc config.FleetConfig) ([]NodeDescriptor, error) {
	base, err := filepath.Abs(fc.BaseDir)
	if err != nil {
		return nil, &config.Error{Field: "fleet.base_dir", Reason: err.Error()}
	}

	var nodes []NodeDescriptor
	add := func(role Role, i int, addr string, rpcBase, p2pBase, wsBase int) error {
		name := fmt.Sprintf("%s%d", role, i)
		profName := profile.Honest
		if role == RoleSealer && fc.Adversary != "" && i == fc.AdversaryIndex {
			profName = fc.Adversary
		}
		if override, ok := fc.NodeProfiles[name]; ok {
			profName = override
		}
		p := m.cfg.Profiles.Get(profName)
		if p == nil {
			return &config.Error{Field: "fleet.node_profiles", Reason: fmt.Sprintf("node %s: unknown profile %q", name, profName)}
		}
		nodes = append(nodes, NodeDescriptor{
			Name:       name,
			Role:       role,
			Ordinal:    i,
			Address:    addr,
			Host:       fc.Host,
			RPCPort:    rpcBase + i,
			P2PPort:    p2pBase + i,
			WSPort:     wsBase + i,
			Profile:    p,
			DataDir:    filepath.Join(base, name),
			ConfigPath: filepath.Join(base, name+".toml"),
			LogPath:    filepath.Join(base, "logs", name+".log"),
			Status:     StatusPending,
		})
		return nil
	}

	for i, v := range m.cfg.Chain.Validators {
		if err := add(RoleSealer, i, v, fc.SealerRPCBase, fc.SealerP2PBase, fc.SealerWSBase); err != nil {
			return nil, err
		}
	}
	for i, u := range fc.Users {
		if err := add(RoleUser, i, u, fc.UserRPCBase, fc.UserP2PBase, fc.UserWSBase); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// acquire takes the in-process and cross-process locks of a fleet.
func (m *Manager) acquire(id, baseDir, op string) (func(), error) {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	if !mu.TryLock() {
		return nil, &BusyError{Fleet: id, Op: op}
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("%s fleet %s: create base dir: %w", op, id, err)
	}
	fl := flock.New(filepath.Join(baseDir, id+".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("%s fleet %s: lock: %w", op, id, err)
	}
	if !ok {
		mu.Unlock()
		return nil, &BusyError{Fleet: id, Op: op}
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("failed to release fleet lock", "fleet", id, "error", err)
		}
		mu.Unlock()
	}, nil
}

// Start launches every node of fc. All ports are probed before anything is
// touched; a bound port returns *LaunchError with the registry unchanged. A
// node that fails to launch after others were started leaves the fleet
// running with the launched subset.
func (m *Manager) Start(ctx context.Context, fc config.FleetConfig) ([]NodeDescriptor, error) {
	nodes, err := m.Plan(fc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &config.Error{Field: "chain.validators", Reason: "fleet has no nodes"}
	}
	baseDir := filepath.Dir(nodes[0].DataDir)

	release, err := m.acquire(fc.ID, baseDir, "start")
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := m.cfg.Storage.GetFleet(ctx, fc.ID)
	if err != nil {
		return nil, fmt.Errorf("load fleet %s: %w", fc.ID, err)
	}

	for i := range nodes {
		n := &nodes[i]
		for _, port := range n.Ports() {
			if m.cfg.Ports.Bound(n.Host, port) {
				return nil, &LaunchError{Fleet: fc.ID, Node: n.Name, Reason: fmt.Sprintf("port %d already bound", port)}
			}
		}
	}
	if stateOf(rec) == StateRunning {
		return nil, &LaunchError{Fleet: fc.ID, Reason: "fleet is already running"}
	}

	// Registry writes must survive cancellation so launched pids stay tracked.
	persistCtx := context.WithoutCancel(ctx)
	rec = &storage.FleetRecord{ID: fc.ID, State: string(StateRunning), BaseDir: baseDir}

	var launched []string
	for i := range nodes {
		n := &nodes[i]
		reason, err := m.launch(ctx, baseDir, n)
		if err != nil {
			n.Status = StatusFailed
			lerr := &LaunchError{Fleet: fc.ID, Node: n.Name, Reason: reason, Launched: launched, Err: err}
			if len(launched) > 0 {
				rec.Nodes = toRecords(nodes[:i+1])
				rec.UpdatedAt = time.Now().UTC()
				if serr := m.cfg.Storage.SaveFleet(persistCtx, rec); serr != nil {
					m.logger.Error("failed to record partial fleet", "fleet", fc.ID, "error", serr)
				}
				m.observe(rec.Nodes)
			}
			m.logger.Error("fleet launch failed",
				slog.String("fleet", fc.ID),
				slog.String("node", n.Name),
				slog.Int("launched", len(launched)),
				"error", err)
			return nodes[:i], lerr
		}
		launched = append(launched, n.Name)

		rec.Nodes = toRecords(nodes[:i+1])
		rec.UpdatedAt = time.Now().UTC()
		if err := m.cfg.Storage.SaveFleet(persistCtx, rec); err != nil {
			return nodes[:i+1], fmt.Errorf("record node %s: %w", n.Name, err)
		}
		m.logger.Debug("node launched",
			slog.String("node", n.Name),
			slog.String("profile", n.Profile.Name),
			slog.Int("pid", n.PID),
			slog.Int("rpc_port", n.RPCPort))
	}

	m.observe(rec.Nodes)
	m.logger.Info("fleet started",
		slog.String("fleet", fc.ID),
		slog.Int("nodes", len(nodes)),
		slog.String("base_dir", baseDir))
	return nodes, nil
}

// launch starts one node and returns a failure reason with the error.
func (m *Manager) launch(ctx context.Context, baseDir string, n *NodeDescriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "start cancelled", err
	}
	bin, err := m.cfg.LookPath(n.Profile.Binary)
	if err != nil {
		return fmt.Sprintf("binary %q not found", n.Profile.Binary), err
	}
	if err := m.writeNodeFiles(n); err != nil {
		return "config generation failed", err
	}

	args := append([]string{"--config", filepath.Base(n.ConfigPath)}, n.Profile.ExtraArgs...)
	pid, err := m.cfg.Processes.Launch(LaunchSpec{Binary: bin, Args: args, Dir: baseDir, LogPath: n.LogPath})
	if err != nil {
		return "process start failed", err
	}
	n.PID, n.PGID, n.Status = pid, pid, StatusRunning
	return "", nil
}

// Stop terminates every tracked process: SIGTERM to each process group, then
// SIGKILL for those still alive after StopTimeout. It is safe in any state
// and returns how each node left.
func (m *Manager) Stop(ctx context.Context, id string) (map[string]NodeExit, error) {
	exits := make(map[string]NodeExit)

	rec, err := m.cfg.Storage.GetFleet(ctx, id)
	if err != nil {
		return exits, fmt.Errorf("load fleet %s: %w", id, err)
	}
	if rec == nil {
		return exits, nil
	}

	release, err := m.acquire(id, rec.BaseDir, "stop")
	if err != nil {
		return exits, err
	}
	defer release()

	// Re-read under the lock.
	if rec, err = m.cfg.Storage.GetFleet(ctx, id); err != nil || rec == nil {
		return exits, err
	}

	var pending []int
	for i := range rec.Nodes {
		n := &rec.Nodes[i]
		if n.PID == 0 || !m.cfg.Processes.Alive(n.PID) {
			exits[n.Name] = NodeExit{Clean: true}
			continue
		}
		if err := m.cfg.Processes.Signal(groupOf(n), syscall.SIGTERM); err != nil {
			m.logger.Warn("failed to signal node", "node", n.Name, "signal", "SIGTERM", "error", err)
		}
		exits[n.Name] = NodeExit{Clean: true, Signal: "SIGTERM"}
		pending = append(pending, i)
	}

	for _, i := range m.waitExit(ctx, rec.Nodes, pending) {
		n := &rec.Nodes[i]
		if err := m.cfg.Processes.Signal(groupOf(n), syscall.SIGKILL); err != nil {
			m.logger.Warn("failed to signal node", "node", n.Name, "signal", "SIGKILL", "error", err)
		}
		exits[n.Name] = NodeExit{Clean: false, Signal: "SIGKILL"}
	}

	for i := range rec.Nodes {
		n := &rec.Nodes[i]
		if n.PID == 0 {
			continue
		}
		exit := exits[n.Name]
		n.Status = StatusExited
		if !exit.Clean {
			n.Status = StatusKilled
		}
		n.ExitSignal = exit.Signal
		n.PID, n.PGID = 0, 0
	}
	if stateOf(rec) == StateRunning {
		rec.State = string(StateStopped)
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := m.cfg.Storage.SaveFleet(context.WithoutCancel(ctx), rec); err != nil {
		return exits, fmt.Errorf("record stopped fleet %s: %w", id, err)
	}

	m.observe(rec.Nodes)
	killed := 0
	for _, e := range exits {
		if !e.Clean {
			killed++
		}
	}
	m.logger.Info("fleet stopped",
		slog.String("fleet", id),
		slog.Int("nodes", len(rec.Nodes)),
		slog.Int("killed", killed))
	return exits, nil
}

// waitExit polls until the pending processes exit, StopTimeout elapses or
// ctx is done, and returns the indices still alive.
func (m *Manager) waitExit(ctx context.Context, nodes []storage.NodeRecord, pending []int) []int {
	if len(pending) == 0 {
		return nil
	}
	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		alive := pending[:0]
		for _, i := range pending {
			if m.cfg.Processes.Alive(nodes[i].PID) {
				alive = append(alive, i)
			}
		}
		pending = alive
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return pending
		case <-ctx.Done():
			return pending
		}
	}
}

// Clean removes per-node data directories, configuration and log files. It
// fails with *StateInUseError while the fleet is running.
func (m *Manager) Clean(ctx context.Context, id string) error {
	rec, err := m.cfg.Storage.GetFleet(ctx, id)
	if err != nil {
		return fmt.Errorf("load fleet %s: %w", id, err)
	}
	if rec == nil {
		return nil
	}
	if stateOf(rec) == StateRunning {
		return &StateInUseError{Fleet: id, State: StateRunning, Op: "clean"}
	}

	release, err := m.acquire(id, rec.BaseDir, "clean")
	if err != nil {
		return err
	}
	defer release()

	if rec, err = m.cfg.Storage.GetFleet(ctx, id); err != nil || rec == nil {
		return err
	}
	if stateOf(rec) == StateRunning {
		return &StateInUseError{Fleet: id, State: StateRunning, Op: "clean"}
	}
	for _, n := range rec.Nodes {
		if n.PID != 0 && m.cfg.Processes.Alive(n.PID) {
			return &StateInUseError{Fleet: id, State: StateRunning, Op: "clean"}
		}
	}

	var errs []error
	for i := range rec.Nodes {
		n := &rec.Nodes[i]
		if err := os.RemoveAll(n.DataDir); err != nil {
			errs = append(errs, err)
		}
		for _, f := range []string{
			filepath.Join(rec.BaseDir, n.Name+".toml"),
			filepath.Join(rec.BaseDir, "logs", n.Name+".log"),
		} {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		n.Status, n.PID, n.PGID, n.ExitSignal = StatusPending, 0, 0, ""
	}
	if len(errs) > 0 {
		return fmt.Errorf("clean fleet %s: %w", id, errors.Join(errs...))
	}

	rec.State = string(StateCleaned)
	rec.UpdatedAt = time.Now().UTC()
	if err := m.cfg.Storage.SaveFleet(ctx, rec); err != nil {
		return fmt.Errorf("record cleaned fleet %s: %w", id, err)
	}
	m.observe(rec.Nodes)
	m.logger.Info("fleet cleaned", slog.String("fleet", id), slog.Int("nodes", len(rec.Nodes)))
	return nil
}

// Status reports process and RPC liveness of every registered node.
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	rec, err := m.cfg.Storage.GetFleet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load fleet %s: %w", id, err)
	}
	st := &Status{ID: id, State: stateOf(rec), Nodes: []NodeHealth{}}
	if rec == nil {
		return st, nil
	}

	st.Nodes = make([]NodeHealth, len(rec.Nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range rec.Nodes {
		n := rec.Nodes[i]
		h := &st.Nodes[i]
		*h = NodeHealth{
			Name:     n.Name,
			Role:     Role(n.Role),
			Profile:  n.Profile,
			Endpoint: fmt.Sprintf("http://%s:%d", n.Host, n.RPCPort),
			PID:      n.PID,
		}
		if p := m.cfg.Profiles.Get(n.Profile); p != nil {
			h.Adversarial = p.Adversarial
		}
		h.ProcessAlive = n.PID != 0 && m.cfg.Processes.Alive(n.PID)
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, 2*time.Second)
			defer cancel()
			head, err := m.cfg.NewClient(h.Endpoint).GetBlockNumber(pctx)
			if err != nil {
				h.Error = err.Error()
				return nil
			}
			h.RPCAlive, h.Head = true, head
			return nil
		})
	}
	_ = g.Wait()

	m.observe(rec.Nodes)
	return st, nil
}

// WaitReady blocks until every node answers eth_blockNumber. It retries
// with exponential backoff for at most ReadyTimeout and gives up early when
// a launched process has exited.
func (m *Manager) WaitReady(ctx context.Context, id string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.cfg.ReadyTimeout

	attempt := 0
	op := func() error {
		attempt++
		st, err := m.Status(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(st.Nodes) == 0 {
			return backoff.Permanent(fmt.Errorf("fleet %s has no registered nodes", id))
		}
		var waiting []string
		for _, n := range st.Nodes {
			if n.PID != 0 && !n.ProcessAlive {
				return backoff.Permanent(fmt.Errorf("node %s exited before becoming ready", n.Name))
			}
			if !n.RPCAlive {
				waiting = append(waiting, n.Name)
			}
		}
		if len(waiting) > 0 {
			return fmt.Errorf("%d nodes not ready: %s", len(waiting), strings.Join(waiting, ", "))
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		m.logger.Debug("fleet not ready", "attempt", attempt, "retry_in", d, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("wait for fleet %s: %w", id, err)
	}
	m.logger.Info("fleet ready", slog.String("fleet", id), slog.Int("attempts", attempt))
	return nil
}

// Fleets lists every registered fleet.
func (m *Manager) Fleets(ctx context.Context) ([]storage.FleetRecord, error) {
	return m.cfg.Storage.ListFleets(ctx)
}

func (m *Manager) observe(nodes []storage.NodeRecord) {
	if m.cfg.Recorder == nil {
		return
	}
	counts := map[string]int{StatusPending: 0, StatusRunning: 0, StatusExited: 0, StatusKilled: 0, StatusFailed: 0}
	for _, n := range nodes {
		counts[n.Status]++
	}
	for status, n := range counts {
		m.cfg.Recorder.SetFleetNodes(status, n)
	}
}

func stateOf(rec *storage.FleetRecord) State {
	if rec == nil || rec.State == "" {
		return StateUnstarted
	}
	return State(rec.State)
}

func groupOf(n *storage.NodeRecord) int {
	if n.PGID > 0 {
		return n.PGID
	}
	return n.PID
}

func toRecords(nodes []NodeDescriptor) []storage.NodeRecord {
	out := make([]storage.NodeRecord, len(nodes))
	for i, n := range nodes {
		out[i] = storage.NodeRecord{
			Name:    n.Name,
			Role:    string(n.Role),
			Ordinal: n.Ordinal,
			Host:    n.Host,
			RPCPort: n.RPCPort,
			P2PPort: n.P2PPort,
			WSPort:  n.WSPort,
			Profile: n.Profile.Name,
			PID:     n.PID,
			PGID:    n.PGID,
			Status:  n.Status,
			DataDir: n.DataDir,
		}
	}
	return out
}
