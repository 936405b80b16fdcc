package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/fleet"
	"github.com/gateway-fm/sealerbench/internal/inject"
	"github.com/gateway-fm/sealerbench/internal/metrics"
	"github.com/gateway-fm/sealerbench/internal/pipeline"
	"github.com/gateway-fm/sealerbench/internal/report"
	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/schedule"
	"github.com/gateway-fm/sealerbench/internal/scraper"
	"github.com/gateway-fm/sealerbench/internal/storage"
	"github.com/gateway-fm/sealerbench/internal/transport"
	"github.com/gateway-fm/sealerbench/pkg/types"
)

// harness bundles what every command needs. metrics is nil outside serve.
type harness struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.SQLiteStorage
	fleets  *fleet.Manager
	metrics *metrics.Harness
}

func openHarness(c *cli.Context, m *metrics.Harness) (*harness, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStorage(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", cfg.RegistryPath, err)
	}

	h := &harness{cfg: cfg, logger: logger, store: store, metrics: m}
	fc := fleet.Config{
		Chain:        cfg.Chain,
		Profiles:     cfg.ProfileRegistry(),
		StopTimeout:  cfg.StopTimeout(),
		ReadyTimeout: cfg.ReadyTimeout(),
		Storage:      store,
		Logger:       logger,
	}
	if m != nil {
		fc.Recorder = m
	}
	if h.fleets, err = fleet.NewManager(fc); err != nil {
		store.Close()
		return nil, err
	}
	return h, nil
}

func (h *harness) Close() error {
	return h.store.Close()
}

// newClient builds an RPC client that reports to the metrics harness when one is set.
func (h *harness) newClient(url string) rpc.Client {
	cc := rpc.DefaultClientConfig(url)
	cc.Logger = h.logger
	if h.metrics != nil {
		cc.Observer = h.metrics
	}
	return rpc.NewHTTPClient(cc)
}

func (h *harness) scheduler() (*schedule.Scheduler, error) {
	set, err := schedule.NewValidatorSet(h.cfg.Chain.Validators)
	if err != nil {
		return nil, &config.Error{Field: "chain.validators", Reason: err.Error()}
	}
	return schedule.New(set, h.cfg.StepPeriod())
}

// newPipeline wires scraper, analyzer and report outputs. A nil out skips
// artifact files.
func (h *harness) newPipeline(out *report.Outputs, notifyURLs []string) (*pipeline.Pipeline, error) {
	sched, err := h.scheduler()
	if err != nil {
		return nil, err
	}
	sc := scraper.DefaultConfig()
	sc.Concurrency = h.cfg.Scrape.Concurrency
	sc.MaxAttempts = h.cfg.Scrape.MaxAttempts
	sc.Logger = h.logger

	pc := pipeline.Config{
		Scheduler: sched,
		Scrape:    sc,
		NewClient: h.newClient,
		Outputs:   out,
		Notifier:  report.NewNotifier(notifyURLs, h.logger),
		Logger:    h.logger,
	}
	if h.metrics != nil {
		pc.Scrape.Recorder = h.metrics
		pc.Observer = h.metrics
	}
	return pipeline.New(pc)
}

// newInjection records a running injection over every user endpoint of the
// fleet. Every submission is reported to the metrics harness when one is set.
func (h *harness) newInjection(ctx context.Context, fleetID string, count int, interval time.Duration) (*storage.InjectionRun, []*inject.Injector, error) {
	ic := h.cfg.Inject
	streams := inject.Streams(h.cfg.Fleet, ic.TargetOffset)
	if len(streams) == 0 {
		return nil, nil, &config.Error{Field: "fleet.users", Reason: "no user accounts configured"}
	}

	injectors := make([]*inject.Injector, 0, len(streams))
	for _, s := range streams {
		icfg := inject.Config{
			Count:    count,
			Interval: interval,
			Gas:      ic.Gas,
			GasPrice: ic.GasPrice,
			Value:    ic.Value,
			Logger:   h.logger,
		}
		if h.metrics != nil {
			icfg.Recorder = h.metrics
		}
		in, err := inject.New(h.newClient(s.Endpoint), s, icfg)
		if err != nil {
			return nil, nil, err
		}
		injectors = append(injectors, in)
	}

	run := &storage.InjectionRun{
		ID:         fmt.Sprintf("inject-%d", time.Now().UnixNano()),
		FleetID:    fleetID,
		StartedAt:  time.Now().UTC(),
		Endpoints:  len(streams),
		CountPerEP: count,
		IntervalMs: interval.Milliseconds(),
		Status:     "running",
	}
	if err := h.store.CreateInjectionRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create injection run: %w", err)
	}
	return run, injectors, nil
}

// runInjection sends the load and stores the finished run, also when ctx is
// cancelled part way.
func (h *harness) runInjection(ctx context.Context, run *storage.InjectionRun, injectors []*inject.Injector) ([]*inject.Summary, error) {
	summaries, runErr := inject.RunAll(ctx, injectors)
	if err := inject.Persist(context.WithoutCancel(ctx), h.store, run, summaries); err != nil {
		return summaries, err
	}
	return summaries, runErr
}

// harnessAPI serves the HTTP API from the registry and an analysis pipeline.
// Injections started through it run under ctx, one at a time.
type harnessAPI struct {
	h        *harness
	pipeline *pipeline.Pipeline
	ctx      context.Context

	injecting atomic.Bool
	wg        sync.WaitGroup
}

func (a *harnessAPI) StartInjection(ctx context.Context, req types.InjectRequest) (*storage.InjectionRun, error) {
	if !a.injecting.CompareAndSwap(false, true) {
		return nil, transport.ErrInjectionRunning
	}

	count, interval := a.h.cfg.Inject.Count, a.h.cfg.InjectInterval()
	if req.Count > 0 {
		count = req.Count
	}
	if req.IntervalMs > 0 {
		interval = time.Duration(req.IntervalMs) * time.Millisecond
	}
	fleetID := req.Fleet
	if fleetID == "" {
		fleetID = a.h.cfg.Fleet.ID
	}

	run, injectors, err := a.h.newInjection(ctx, fleetID, count, interval)
	if err != nil {
		a.injecting.Store(false)
		return nil, err
	}
	started := *run

	base := a.ctx
	if base == nil {
		base = context.Background()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.injecting.Store(false)
		summaries, err := a.h.runInjection(base, run, injectors)
		sent, ok, failed := inject.Totals(summaries)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.h.logger.Error("injection run failed", "run", run.ID, "error", err)
		}
		a.h.logger.Info("injection run finished",
			slog.String("run", run.ID),
			slog.String("status", run.Status),
			slog.Int("sent", sent),
			slog.Int("ok", ok),
			slog.Int("failed", failed),
		)
	}()
	return &started, nil
}

// Wait blocks until the background injection, if any, has been stored.
func (a *harnessAPI) Wait() {
	a.wg.Wait()
}

func (a *harnessAPI) ListFleets(ctx context.Context) ([]types.FleetSummary, error) {
	recs, err := a.h.fleets.Fleets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.FleetSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.FleetSummary{
			ID:        r.ID,
			State:     types.FleetState(r.State),
			BaseDir:   r.BaseDir,
			Nodes:     len(r.Nodes),
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func (a *harnessAPI) FleetStatus(ctx context.Context, id string) (*types.FleetStatus, error) {
	st, err := a.h.fleets.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.State == fleet.StateUnstarted && len(st.Nodes) == 0 {
		return nil, nil
	}
	return fleetStatusResponse(st), nil
}

func (a *harnessAPI) Analyze(ctx context.Context, req types.AnalyzeRequest) (*types.AnalyzeResponse, error) {
	endpoints := req.Endpoints
	if len(endpoints) == 0 {
		endpoints = a.h.cfg.Scrape.Endpoints
	}
	res, err := a.pipeline.Run(ctx, pipeline.Request{
		Span:      scraper.Span{From: req.From, To: req.To},
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return analyzeResponse(res.Report, res.Elapsed), nil
}

func (a *harnessAPI) InjectionRun(ctx context.Context, id string) (*storage.InjectionRun, error) {
	return a.h.store.GetInjectionRun(ctx, id)
}

func (a *harnessAPI) InjectionTransactions(ctx context.Context, id string, limit, offset int) (*storage.PaginatedTxLogs, error) {
	return a.h.store.GetTxLogs(ctx, id, limit, offset)
}

// CheckRPC probes every scrape endpoint with eth_blockNumber.
func (a *harnessAPI) CheckRPC(ctx context.Context) []types.ReadinessCheck {
	checks := make([]types.ReadinessCheck, 0, len(a.h.cfg.Scrape.Endpoints))
	for _, ep := range a.h.cfg.Scrape.Endpoints {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		start := time.Now()
		_, err := a.h.newClient(ep).GetBlockNumber(cctx)
		cancel()
		check := types.ReadinessCheck{Name: ep, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			check.Status, check.Error = "failed", err.Error()
		}
		checks = append(checks, check)
	}
	return checks
}

func fleetStatusResponse(st *fleet.Status) *types.FleetStatus {
	out := &types.FleetStatus{ID: st.ID, State: types.FleetState(st.State), Nodes: make([]types.NodeStatus, 0, len(st.Nodes))}
	for _, n := range st.Nodes {
		out.Nodes = append(out.Nodes, types.NodeStatus{
			Name:         n.Name,
			Role:         string(n.Role),
			Profile:      n.Profile,
			Adversarial:  n.Adversarial,
			Endpoint:     n.Endpoint,
			PID:          n.PID,
			ProcessAlive: n.ProcessAlive,
			RPCAlive:     n.RPCAlive,
			Head:         n.Head,
			Error:        n.Error,
		})
	}
	return out
}

func analyzeResponse(rep *analyzer.Report, elapsed time.Duration) *types.AnalyzeResponse {
	resp := &types.AnalyzeResponse{
		From:        rep.Span.From,
		To:          rep.Span.To,
		WindowFrom:  rep.Window.From,
		WindowTo:    rep.Window.To,
		Endpoints:   rep.Endpoints,
		Slots:       len(rep.Slots),
		OnSchedule:  rep.OnSchedule,
		Usurped:     rep.UsurpedCount,
		Missing:     rep.MissingCount,
		Unconfirmed: rep.Unconfirmed,
		LostTurns:   len(rep.LostTurns),
		Conflicts:   len(rep.Conflicts),
		Unavailable: len(rep.Unavailable),
		TotalTxs:    rep.TotalTxs,
		Rounds:      rep.Rounds,
		Incomplete:  rep.Incomplete,
		Authors:     make([]types.AuthorSummary, 0, len(rep.Authors)),
		Violations:  make([]types.Violation, 0, len(rep.Violations)),
		Summary:     report.Summary(rep),
		ElapsedMs:   elapsed.Milliseconds(),
	}
	for _, a := range rep.Authors {
		resp.Authors = append(resp.Authors, types.AuthorSummary(a))
	}
	for _, v := range rep.Violations {
		resp.Violations = append(resp.Violations, types.Violation{
			Height:         v.Height,
			Step:           v.Step,
			ExpectedAuthor: v.ExpectedAuthor,
			ActualAuthor:   v.ActualAuthor,
			Outcome:        types.SlotOutcome(v.Outcome),
		})
	}
	return resp
}
