// Package pipeline runs one fairness analysis end to end: scrape a span,
// analyze it against the turn schedule, then publish the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/report"
	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/schedule"
	"github.com/gateway-fm/sealerbench/internal/scraper"
)

// ReportObserver receives every completed report.
type ReportObserver interface {
	ObserveReport(rep *analyzer.Report)
}

// Request selects the span and the endpoints to scrape it from.
type Request struct {
	Span      scraper.Span
	Endpoints []string
}

// Result contains the outcome of a pipeline execution.
type Result struct {
	Report   *analyzer.Report
	Scrape   *scraper.Result
	Paths    []string // written artifacts, empty without Outputs
	Notified bool
	Elapsed  time.Duration
}

// Config for creating a Pipeline.
type Config struct {
	Scheduler *schedule.Scheduler
	Scrape    scraper.Config
	NewClient func(endpoint string) rpc.Client
	Outputs   *report.Outputs  // nil skips artifact files
	Notifier  *report.Notifier // nil or without senders skips alerts
	Observer  ReportObserver
	Logger    *slog.Logger
}

// Pipeline handles the scrape, analyze and publish sequence. One Pipeline
// reuses its Scraper across runs so the first block retrieved for a height
// stays authoritative.
type Pipeline struct {
	cfg      Config
	scraper  *scraper.Scraper
	analyzer *analyzer.Analyzer
	logger   *slog.Logger
}

// New creates a new Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Scheduler == nil {
		return nil, &config.Error{Field: "chain.validators", Reason: "turn schedule is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(endpoint string) rpc.Client {
			c := rpc.DefaultClientConfig(endpoint)
			c.Logger = logger
			return rpc.NewHTTPClient(c)
		}
	}
	if cfg.Scrape.Logger == nil {
		cfg.Scrape.Logger = logger
	}

	return &Pipeline{
		cfg:      cfg,
		scraper:  scraper.New(cfg.Scrape),
		analyzer: analyzer.New(cfg.Scheduler, logger),
		logger:   logger,
	}, nil
}

// Run executes one analysis. When ctx is cancelled mid-scrape, the partial
// result is still analyzed and published, and the context error is returned
// alongside it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if len(req.Endpoints) == 0 {
		return nil, &config.Error{Field: "scrape.endpoints", Reason: "at least one endpoint is required"}
	}

	sources := make([]scraper.Source, 0, len(req.Endpoints))
	for _, ep := range req.Endpoints {
		sources = append(sources, p.cfg.NewClient(ep))
	}

	scraped, scrapeErr := p.scraper.Scrape(ctx, req.Span, sources...)
	if scrapeErr != nil && (scraped == nil || !isCancellation(scrapeErr)) {
		return nil, scrapeErr
	}

	rep, err := p.analyzer.Analyze(scraped)
	if err != nil {
		if fault := endpointFault(scraped); fault != nil {
			err = fmt.Errorf("span %s: no endpoint answered: %w", req.Span, fault)
		}
		return nil, errors.Join(err, scrapeErr)
	}
	rep.Incomplete = rep.Incomplete || scraped.Incomplete

	res := &Result{Report: rep, Scrape: scraped}
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveReport(rep)
	}

	if p.cfg.Outputs != nil {
		paths, err := report.Emit(rep, *p.cfg.Outputs)
		res.Paths = paths
		if err != nil {
			return res, fmt.Errorf("emit report: %w", err)
		}
	}

	if p.cfg.Notifier.Enabled() {
		sent, err := p.cfg.Notifier.Notify(rep)
		res.Notified = sent
		if err != nil {
			p.logger.Warn("fairness alert failed", "error", err)
		}
	}

	res.Elapsed = time.Since(start)
	p.logger.Info("analysis published",
		slog.String("span", req.Span.String()),
		slog.Int("endpoints", len(req.Endpoints)),
		slog.Bool("incomplete", rep.Incomplete),
		slog.Int("violations", len(rep.Violations)),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, scrapeErr
}

// endpointFault returns the last endpoint error of a scrape in which no
// height was answered, neither with a block nor as beyond the head. It
// returns nil when any endpoint answered.
func endpointFault(res *scraper.Result) *rpc.EndpointError {
	if res == nil {
		return nil
	}
	var fault *rpc.EndpointError
	for _, h := range res.Heights() {
		e := res.Entries[h]
		switch e.Status {
		case scraper.StatusOK, scraper.StatusUnavailable:
			return nil
		case scraper.StatusGap:
			var epErr *rpc.EndpointError
			if errors.As(e.Err(), &epErr) {
				fault = epErr
			}
		}
	}
	return fault
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
