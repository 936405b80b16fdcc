// Package inject drives value-transfer load against user nodes. Each user
// endpoint gets its own stream; failed transactions are counted and never
// stop the stream.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/metrics"
	"github.com/gateway-fm/sealerbench/internal/ratelimit"
	"github.com/gateway-fm/sealerbench/internal/rpc"
)

// Outcome classifies one submission.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNonceConflict Outcome = "nonce_conflict"
	OutcomeUnreachable   Outcome = "unreachable"
	OutcomeRPCError      Outcome = "rpc_error"
)

// Recorder receives per-transaction results.
type Recorder interface {
	RecordTx(endpoint, outcome string, d time.Duration)
}

// Stream is one user endpoint sending from its account to a fixed target.
type Stream struct {
	Endpoint string
	From     string
	To       string
}

// Streams pairs every user node with the account offset positions later in
// the user list, wrapping around.
func Streams(fc config.FleetConfig, offset int) []Stream {
	n := len(fc.Users)
	streams := make([]Stream, n)
	for i := range fc.Users {
		streams[i] = Stream{
			Endpoint: fc.UserRPCURL(i),
			From:     fc.Users[i],
			To:       fc.Users[((i+offset)%n+n)%n],
		}
	}
	return streams
}

// Config holds the transaction template and pacing.
type Config struct {
	Count    int
	Interval time.Duration
	Gas      string
	GasPrice string
	Value    string
	Recorder Recorder
	Logger   *slog.Logger
}

// TxResult is the outcome of one submission.
type TxResult struct {
	Seq     int
	Hash    string
	SentAt  time.Time
	Latency time.Duration
	Outcome Outcome
	Err     error
}

// Summary aggregates one stream.
type Summary struct {
	Endpoint  string
	Sent      int
	OK        int
	Failed    int
	ByOutcome map[Outcome]int
	Latency   time.Duration // mean over all submissions
	Stats     *metrics.LatencyStats
	Results   []TxResult
	Cancelled bool
}

// Injector sends a paced stream of identical transfers through one client.
type Injector struct {
	client  rpc.Client
	stream  Stream
	tx      rpc.TxRequest
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New creates an Injector. The addresses and hex quantities are validated.
func New(client rpc.Client, stream Stream, cfg Config) (*Injector, error) {
	for field, addr := range map[string]string{"from": stream.From, "to": stream.To} {
		if !common.IsHexAddress(addr) {
			return nil, &config.Error{Field: "inject." + field, Reason: fmt.Sprintf("%q is not an address", addr)}
		}
	}
	for field, q := range map[string]string{"gas": cfg.Gas, "gas_price": cfg.GasPrice, "value": cfg.Value} {
		if q == "" {
			continue
		}
		if _, err := hexutil.DecodeBig(q); err != nil {
			return nil, &config.Error{Field: "inject." + field, Reason: err.Error()}
		}
	}
	if cfg.Count <= 0 {
		return nil, &config.Error{Field: "inject.count", Reason: "must be positive"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		client: client,
		stream: stream,
		tx: rpc.TxRequest{
			From:     strings.ToLower(stream.From),
			To:       strings.ToLower(stream.To),
			Gas:      cfg.Gas,
			GasPrice: cfg.GasPrice,
			Value:    cfg.Value,
		},
		cfg:     cfg,
		limiter: ratelimit.New(cfg.Interval),
		logger:  logger.With("endpoint", client.Endpoint()),
	}, nil
}

// Inject sends Count transactions spaced by Interval. Individual failures are
// logged and counted. Cancellation stops the stream and returns the partial
// summary with ctx.Err().
func (in *Injector) Inject(ctx context.Context) (*Summary, error) {
	endpoint := in.client.Endpoint()
	sum := &Summary{
		Endpoint:  endpoint,
		ByOutcome: make(map[Outcome]int),
		Results:   make([]TxResult, 0, in.cfg.Count),
	}

	var total time.Duration
	tracker := metrics.NewLatencyTracker(0)
	for seq := 0; seq < in.cfg.Count; seq++ {
		if err := in.limiter.Wait(ctx); err != nil {
			sum.Cancelled = true
			break
		}

		start := time.Now()
		hash, err := in.client.SendTransaction(ctx, in.tx)
		latency := time.Since(start)
		if err != nil && ctx.Err() != nil {
			sum.Cancelled = true
			break
		}

		res := TxResult{Seq: seq, Hash: hash, SentAt: start, Latency: latency, Outcome: Classify(err), Err: err}
		sum.Results = append(sum.Results, res)
		sum.Sent++
		sum.ByOutcome[res.Outcome]++
		total += latency
		tracker.Observe(latency)
		if res.Outcome == OutcomeOK {
			sum.OK++
		} else {
			sum.Failed++
			in.logger.Debug("transaction failed", "seq", seq, "outcome", res.Outcome, "error", err)
		}
		if in.cfg.Recorder != nil {
			in.cfg.Recorder.RecordTx(endpoint, string(res.Outcome), latency)
		}
	}
	if sum.Sent > 0 {
		sum.Latency = total / time.Duration(sum.Sent)
	}
	sum.Stats = tracker.Stats()

	in.logger.Info("injection finished",
		slog.Int("sent", sum.Sent),
		slog.Int("ok", sum.OK),
		slog.Int("failed", sum.Failed),
		slog.Duration("mean_latency", sum.Latency),
		slog.Bool("cancelled", sum.Cancelled))

	if sum.Cancelled {
		return sum, ctx.Err()
	}
	return sum, nil
}

// Classify maps a SendTransaction error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		if strings.Contains(msg, "nonce") || strings.Contains(msg, "already imported") || strings.Contains(msg, "already known") {
			return OutcomeNonceConflict
		}
		return OutcomeRPCError
	}
	if rpc.IsTransient(err) {
		return OutcomeUnreachable
	}
	return OutcomeRPCError
}

// RunAll runs every injector in parallel. One stream's failures never affect
// another; the returned summaries are in input order.
func RunAll(ctx context.Context, injectors []*Injector) ([]*Summary, error) {
	summaries := make([]*Summary, len(injectors))
	var g errgroup.Group
	for i, in := range injectors {
		g.Go(func() error {
			sum, err := in.Inject(ctx)
			summaries[i] = sum
			return err
		})
	}
	return summaries, g.Wait()
}
