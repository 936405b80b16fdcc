package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/sealerbench/internal/heads"
	"github.com/gateway-fm/sealerbench/internal/inject"
	"github.com/gateway-fm/sealerbench/internal/metrics"
	"github.com/gateway-fm/sealerbench/internal/pipeline"
	"github.com/gateway-fm/sealerbench/internal/report"
	"github.com/gateway-fm/sealerbench/internal/schedule"
	"github.com/gateway-fm/sealerbench/internal/scraper"
	"github.com/gateway-fm/sealerbench/internal/transport"
	"github.com/gateway-fm/sealerbench/pkg/types"
)

func fleetFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "fleet",
		Usage: "fleet id (default: fleet.id from the config)",
	}
}

// fleetID returns --fleet or the configured id.
func fleetID(c *cli.Context, h *harness) string {
	if id := c.String("fleet"); id != "" {
		return id
	}
	return h.cfg.Fleet.ID
}

func startFleetCommand() *cli.Command {
	return &cli.Command{
		Name:  "start-fleet",
		Usage: "launch every sealer and user node and wait until they answer RPC",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-wait", Usage: "return right after launching"},
		},
		Action: func(c *cli.Context) error {
			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			nodes, err := h.fleets.Start(c.Context, h.cfg.Fleet)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Printf("%-10s %-12s pid=%-7d rpc=%s:%d profile=%s\n", n.Name, n.Role, n.PID, n.Host, n.RPCPort, n.Profile.Name)
			}
			if c.Bool("no-wait") {
				return nil
			}
			if err := h.fleets.WaitReady(c.Context, h.cfg.Fleet.ID); err != nil {
				return err
			}
			fmt.Printf("fleet %s ready: %d nodes\n", h.cfg.Fleet.ID, len(nodes))
			return nil
		},
	}
}

func stopFleetCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop-fleet",
		Usage: "terminate every node process (SIGTERM, then SIGKILL after the stop timeout)",
		Flags: []cli.Flag{fleetFlag()},
		Action: func(c *cli.Context) error {
			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			exits, err := h.fleets.Stop(c.Context, fleetID(c, h))
			if err != nil {
				return err
			}
			names := make([]string, 0, len(exits))
			for name := range exits {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				e := exits[name]
				state := "clean"
				if !e.Clean {
					state = "killed"
				}
				fmt.Printf("%-10s %-7s %s\n", name, state, e.Signal)
			}
			return nil
		},
	}
}

func cleanFleetCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean-fleet",
		Usage: "remove node data, configs and logs of a stopped fleet",
		Flags: []cli.Flag{fleetFlag()},
		Action: func(c *cli.Context) error {
			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			id := fleetID(c, h)
			if err := h.fleets.Clean(c.Context, id); err != nil {
				return err
			}
			fmt.Printf("fleet %s cleaned\n", id)
			return nil
		},
	}
}

func statusFleetCommand() *cli.Command {
	return &cli.Command{
		Name:  "status-fleet",
		Usage: "show process and RPC liveness of every node",
		Flags: []cli.Flag{fleetFlag()},
		Action: func(c *cli.Context) error {
			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			st, err := h.fleets.Status(c.Context, fleetID(c, h))
			if err != nil {
				return err
			}
			fmt.Printf("fleet %s: %s\n", st.ID, st.State)
			for _, n := range st.Nodes {
				fmt.Printf("%-10s %-7s process=%-5t rpc=%-5t head=%d %s\n", n.Name, n.Role, n.ProcessAlive, n.RPCAlive, n.Head, n.Error)
			}
			return nil
		},
	}
}

func injectLoadCommand() *cli.Command {
	return &cli.Command{
		Name:  "inject-load",
		Usage: "send value transfers from every user node in parallel",
		Flags: []cli.Flag{
			fleetFlag(),
			&cli.IntFlag{Name: "count", Usage: "transactions per user endpoint (default: inject.count)"},
			&cli.DurationFlag{Name: "interval", Usage: "spacing between transactions (default: inject.interval_ms)"},
		},
		Action: func(c *cli.Context) error {
			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			count, interval := h.cfg.Inject.Count, h.cfg.InjectInterval()
			if c.IsSet("count") {
				count = c.Int("count")
			}
			if c.IsSet("interval") {
				interval = c.Duration("interval")
			}

			run, injectors, err := h.newInjection(c.Context, fleetID(c, h), count, interval)
			if err != nil {
				return err
			}
			summaries, runErr := h.runInjection(c.Context, run, injectors)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}

			fmt.Printf("injection %s (%s)\n", run.ID, run.Status)
			for _, s := range summaries {
				if s == nil {
					continue
				}
				line := fmt.Sprintf("%-28s sent=%-6d ok=%-6d failed=%-6d", s.Endpoint, s.Sent, s.OK, s.Failed)
				if s.Stats != nil {
					line += fmt.Sprintf(" p50=%.1fms p95=%.1fms p99=%.1fms", s.Stats.P50, s.Stats.P95, s.Stats.P99)
				}
				fmt.Println(line)
			}
			sent, ok, failed := inject.Totals(summaries)
			fmt.Printf("total sent=%d ok=%d failed=%d\n", sent, ok, failed)
			return runErr
		},
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "scrape a height range and classify every slot against the turn schedule",
		ArgsUsage: "<from> <to>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "endpoint", Usage: "RPC endpoint to scrape (repeatable; default: scrape.endpoints)"},
			&cli.StringFlag{Name: "out", Usage: "artifact directory (default: scrape.output_dir)"},
			&cli.StringFlag{Name: "prefix", Usage: "artifact file name prefix (default: scrape.output_prefix)"},
			&cli.StringSliceFlag{Name: "notify", Usage: "shoutrrr URL alerted on fairness violations (repeatable)"},
			&cli.BoolFlag{Name: "wait", Usage: "wait until the chain head reaches <to> first"},
			&cli.StringFlag{Name: "ws", Usage: "websocket endpoint for --wait (default: sealer 1)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return usagef("analyze: expected <from> <to>, got %d arguments", c.NArg())
			}
			from, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
			if err != nil {
				return usagef("analyze: from %q is not a height", c.Args().Get(0))
			}
			to, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
			if err != nil {
				return usagef("analyze: to %q is not a height", c.Args().Get(1))
			}

			h, err := openHarness(c, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			endpoints := c.StringSlice("endpoint")
			if len(endpoints) == 0 {
				endpoints = h.cfg.Scrape.Endpoints
			}
			out := report.Outputs{Dir: h.cfg.Scrape.OutputDir, Prefix: h.cfg.Scrape.OutputPrefix}
			if c.IsSet("out") {
				out.Dir = c.String("out")
			}
			if c.IsSet("prefix") {
				out.Prefix = c.String("prefix")
			}
			notify := h.cfg.NotifyURLs
			if c.IsSet("notify") {
				notify = c.StringSlice("notify")
			}

			if c.Bool("wait") && len(endpoints) > 0 {
				ws := c.String("ws")
				if ws == "" {
					ws = h.cfg.Fleet.SealerWSURL(1)
				}
				w := heads.New(heads.Config{URL: ws, Fallback: h.newClient(endpoints[0]), Logger: h.logger})
				head, err := w.WaitFor(c.Context, to)
				if err != nil {
					return fmt.Errorf("wait for height %d: %w", to, err)
				}
				h.logger.Info("chain head reached", "head", head, "target", to)
			}

			p, err := h.newPipeline(&out, notify)
			if err != nil {
				return err
			}
			res, err := p.Run(c.Context, pipeline.Request{
				Span:      scraper.Span{From: from, To: to},
				Endpoints: endpoints,
			})
			if res != nil && res.Report != nil {
				fmt.Println(report.Summary(res.Report))
				for _, path := range res.Paths {
					fmt.Println(path)
				}
			}
			return err
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the HTTP API, Prometheus metrics and the live head stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "listen address (default: listen_addr)"},
			&cli.StringFlag{Name: "ws", Usage: "websocket endpoint streamed on /v1/heads (default: sealer 1, empty disables)"},
			&cli.StringFlag{Name: "cors-origins", Usage: "comma-separated allowed CORS origins (default: any)", EnvVars: []string{"CORS_ALLOWED_ORIGINS"}},
		},
		Action: func(c *cli.Context) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewHarness(reg)

			h, err := openHarness(c, m)
			if err != nil {
				return err
			}
			defer h.Close()

			p, err := h.newPipeline(nil, h.cfg.NotifyURLs)
			if err != nil {
				return err
			}
			sched, err := h.scheduler()
			if err != nil {
				return err
			}
			api := &harnessAPI{h: h, pipeline: p, ctx: c.Context}
			srv := transport.NewServer(api, api, reg, h.logger, c.String("cors-origins"))
			defer srv.Close()

			ws := h.cfg.Fleet.SealerWSURL(1)
			if c.IsSet("ws") {
				ws = c.String("ws")
			}
			if ws != "" {
				go streamHeads(c.Context, h, ws, sched, srv.Heads())
			}

			addr := h.cfg.ListenAddr
			if c.IsSet("listen") {
				addr = c.String("listen")
			}
			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				h.logger.Info("HTTP API listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("serve %s: %w", addr, err)
			case <-c.Context.Done():
			}
			h.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Context), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			api.Wait()
			return nil
		},
	}
}

// streamHeads publishes every new head with its scheduled author until ctx
// is done, resubscribing with backoff when the node drops the connection.
func streamHeads(ctx context.Context, h *harness, ws string, sched *schedule.Scheduler, out *transport.HeadStream) {
	w := heads.New(heads.Config{URL: ws, Logger: h.logger})
	publish := func(hd heads.Head) {
		step := sched.StepOf(hd.Timestamp)
		expected := sched.Expected(step)
		out.Publish(types.HeadEvent{
			Number:    hd.Number,
			Hash:      hd.Hash,
			Author:    hd.Author,
			Timestamp: hd.Timestamp,
			Step:      step,
			Expected:  expected,
			OnTurn:    schedule.NormalizeIdentity(hd.Author) == expected,
		})
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		if err := w.Run(ctx, publish); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("head subscription closed")
	}
	notify := func(err error, d time.Duration) {
		h.logger.Warn("head stream interrupted", "retry_in", d, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		h.logger.Error("head stream stopped", "error", err)
	}
}
