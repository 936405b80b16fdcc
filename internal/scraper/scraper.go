// Package scraper retrieves the blocks of a height span from one or more
// node endpoints, with bounded parallelism and per-height retries.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/rpc"
)

// Source is the block-query surface of one endpoint. *rpc.HTTPClient implements it.
type Source interface {
	Endpoint() string
	GetBlockByNumber(ctx context.Context, height uint64) (*rpc.BlockRecord, error)
	GetBlockRange(ctx context.Context, from, to uint64) ([]rpc.RangeResult, error)
}

// Recorder receives the final status of every scraped height.
type Recorder interface {
	RecordHeight(status string)
}

// Status is the retrieval outcome of one height.
type Status string

const (
	StatusOK          Status = "ok"          // at least one block retrieved
	StatusGap         Status = "gap"         // retries exhausted or a permanent endpoint fault
	StatusUnavailable Status = "unavailable" // beyond every endpoint's head at query time
	StatusCancelled   Status = "cancelled"   // not attempted before cancellation
)

// rank orders statuses when merging observations from several endpoints.
func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 3
	case StatusGap:
		return 2
	case StatusCancelled:
		return 1
	default:
		return 0
	}
}

// Span is an inclusive height range.
type Span struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Len returns the number of heights in the span.
func (s Span) Len() uint64 {
	return s.To - s.From + 1
}

// Validate rejects inverted spans.
func (s Span) Validate() error {
	if s.From > s.To {
		return &config.Error{Field: "span", Reason: fmt.Sprintf("from %d is after to %d", s.From, s.To)}
	}
	return nil
}

func (s Span) String() string {
	return fmt.Sprintf("[%d, %d]", s.From, s.To)
}

// Observation is one distinct block seen at a height.
type Observation struct {
	Endpoint string           `json:"endpoint"`
	Block    *rpc.BlockRecord `json:"block"`
}

// Entry is everything retrieved for one height.
type Entry struct {
	Height uint64 `json:"height"`
	// Blocks holds one observation per distinct hash, in first-retrieved order.
	Blocks        []Observation `json:"blocks,omitempty"`
	ReorgObserved bool          `json:"reorgObserved"`
	Status        Status        `json:"status"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"lastError,omitempty"`

	err error
}

// Err returns the last retrieval fault for the height, or nil.
func (e *Entry) Err() error {
	if e == nil {
		return nil
	}
	return e.err
}

// First returns the first-retrieved block, or nil.
func (e *Entry) First() *rpc.BlockRecord {
	if e == nil || len(e.Blocks) == 0 {
		return nil
	}
	return e.Blocks[0].Block
}

// Result is the height-indexed outcome of a scrape.
type Result struct {
	Span      Span              `json:"span"`
	Endpoints []string          `json:"endpoints"`
	Entries   map[uint64]*Entry `json:"entries"`
	// Incomplete is set when cancellation left heights unattempted.
	Incomplete bool `json:"incomplete"`
}

// Heights returns the entry heights in ascending order.
func (r *Result) Heights() []uint64 {
	hs := make([]uint64, 0, len(r.Entries))
	for h := range r.Entries {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Config holds scraper configuration.
type Config struct {
	Concurrency    int // parallel fetch tasks across heights and endpoints
	MaxAttempts    int // per (endpoint, height)
	BatchSize      int // heights per GetBlockRange call; <= 1 fetches height by height
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Recorder       Recorder
	Logger         *slog.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    8,
		MaxAttempts:    4,
		BatchSize:      16,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

type seenKey struct {
	endpoint string
	height   uint64
}

// Scraper fetches spans. Within one Scraper the first block retrieved for an
// (endpoint, height) pair is preserved; a later differing hash is reported as
// a reorg rather than overwriting it.
type Scraper struct {
	cfg    Config
	logger *slog.Logger
	seen   *xsync.Map[seenKey, *rpc.BlockRecord]
}

// New creates a Scraper.
func New(cfg Config) *Scraper {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		cfg:    cfg,
		logger: logger,
		seen:   xsync.NewMap[seenKey, *rpc.BlockRecord](),
	}
}

// outcome is the result of fetching one (endpoint, height).
type outcome struct {
	block    *rpc.BlockRecord
	status   Status
	attempts int
	err      error
}

// Scrape retrieves every height of span from every source. Per-height
// failures become gap or unavailable entries and never abort the scrape. On
// cancellation the partial result is returned, marked Incomplete, together
// with the context error.
func (s *Scraper) Scrape(ctx context.Context, span Span, sources ...Source) (*Result, error) {
	if err := span.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, &config.Error{Field: "endpoints", Reason: "at least one endpoint is required"}
	}

	entries := xsync.NewMap[uint64, *Entry]()
	batch := uint64(max(s.cfg.BatchSize, 1))

	pool := pond.NewPool(s.cfg.Concurrency, pond.WithQueueSize(int(min(span.Len(), 1024))))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	s.logger.Info("scrape started",
		slog.String("span", span.String()),
		slog.Int("endpoints", len(sources)),
		slog.Int("concurrency", s.cfg.Concurrency),
	)

submit:
	for _, src := range sources {
		for from := span.From; from <= span.To; from += batch {
			if ctx.Err() != nil {
				break submit
			}
			to := min(from+batch-1, span.To)
			group.Submit(func() {
				s.fetchChunk(groupCtx, src, from, to, entries)
			})
			if to == span.To {
				break
			}
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("some scrape tasks failed", "error", err)
	}
	if ctx.Err() == nil {
		s.recheckLagging(ctx, pool, entries, sources)
	}

	res := &Result{
		Span:    span,
		Entries: make(map[uint64]*Entry, span.Len()),
	}
	for _, src := range sources {
		res.Endpoints = append(res.Endpoints, src.Endpoint())
	}
	entries.Range(func(h uint64, e *Entry) bool {
		res.Entries[h] = e
		return true
	})
	for h := span.From; ; h++ {
		if _, ok := res.Entries[h]; !ok {
			res.Entries[h] = &Entry{Height: h, Status: StatusCancelled}
		}
		if h == span.To {
			break
		}
	}

	counts := make(map[Status]int)
	for _, e := range res.Entries {
		counts[e.Status]++
		if e.Status == StatusCancelled {
			res.Incomplete = true
		}
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.RecordHeight(string(e.Status))
		}
	}

	s.logger.Info("scrape finished",
		slog.String("span", span.String()),
		slog.Int("ok", counts[StatusOK]),
		slog.Int("gap", counts[StatusGap]),
		slog.Int("unavailable", counts[StatusUnavailable]),
		slog.Int("cancelled", counts[StatusCancelled]),
	)

	if err := ctx.Err(); err != nil {
		res.Incomplete = true
		return res, err
	}
	return res, nil
}

// recheckLagging queries again every unavailable height below the highest
// retrieved one. A chunk fetched early can ask for heights the head has not
// reached yet while a later chunk already sees past them.
func (s *Scraper) recheckLagging(ctx context.Context, pool pond.Pool, entries *xsync.Map[uint64, *Entry], sources []Source) {
	var top uint64
	found := false
	entries.Range(func(h uint64, e *Entry) bool {
		if e.Status == StatusOK && (!found || h > top) {
			top, found = h, true
		}
		return true
	})
	if !found {
		return
	}

	var lagging []uint64
	entries.Range(func(h uint64, e *Entry) bool {
		if h < top && e.Status == StatusUnavailable {
			lagging = append(lagging, h)
		}
		return true
	})
	if len(lagging) == 0 {
		return
	}
	s.logger.Debug("rechecking heights reported beyond head",
		slog.Int("heights", len(lagging)),
		slog.Uint64("below", top),
	)

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, h := range lagging {
		for _, src := range sources {
			group.Submit(func() {
				s.record(entries, src.Endpoint(), h, s.fetchOne(groupCtx, src, h, 0, nil))
			})
		}
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("recheck tasks failed", "error", err)
	}
}

func (s *Scraper) fetchChunk(ctx context.Context, src Source, from, to uint64, entries *xsync.Map[uint64, *Entry]) {
	endpoint := src.Endpoint()
	if ctx.Err() != nil {
		for h := from; h <= to; h++ {
			s.record(entries, endpoint, h, outcome{status: StatusCancelled})
		}
		return
	}

	if from == to || s.cfg.BatchSize <= 1 {
		for h := from; h <= to; h++ {
			s.record(entries, endpoint, h, s.fetchOne(ctx, src, h, 0, nil))
		}
		return
	}

	results, err := src.GetBlockRange(ctx, from, to)
	if err != nil {
		s.logger.Debug("batch fetch failed, falling back to single heights",
			slog.String("endpoint", endpoint),
			slog.Uint64("from", from),
			slog.Uint64("to", to),
			"error", err,
		)
	}
	got := make(map[uint64]rpc.RangeResult, len(results))
	for _, r := range results {
		got[r.Height] = r
	}

	for h := from; h <= to; h++ {
		r, ok := got[h]
		switch {
		case !ok:
			// Batch failed or was cut short; the failed batch counts as one attempt.
			s.record(entries, endpoint, h, s.fetchOne(ctx, src, h, 1, err))
		case r.Err == nil && r.Block != nil:
			s.record(entries, endpoint, h, outcome{block: r.Block, status: StatusOK, attempts: 1})
		case errors.Is(r.Err, rpc.ErrNotFound):
			s.record(entries, endpoint, h, outcome{status: StatusUnavailable, attempts: 1, err: r.Err})
		case rpc.IsTransient(r.Err):
			s.record(entries, endpoint, h, s.fetchOne(ctx, src, h, 1, r.Err))
		default:
			s.record(entries, endpoint, h, outcome{status: StatusGap, attempts: 1, err: r.Err})
		}
	}
}

// fetchOne retries a single height until MaxAttempts (including prior ones) is reached.
func (s *Scraper) fetchOne(ctx context.Context, src Source, height uint64, prior int, priorErr error) outcome {
	out := outcome{attempts: prior, err: priorErr}
	remaining := s.cfg.MaxAttempts - prior
	if remaining <= 0 {
		out.status = StatusGap
		return out
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		out.attempts++
		block, err := src.GetBlockByNumber(ctx, height)
		if err == nil {
			out.block = block
			return nil
		}
		out.err = err
		if errors.Is(err, rpc.ErrNotFound) || ctx.Err() != nil || !rpc.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(remaining-1)), ctx))
	switch {
	case err == nil:
		out.status = StatusOK
	case ctx.Err() != nil:
		out.status = StatusCancelled
	case errors.Is(err, rpc.ErrNotFound):
		out.status = StatusUnavailable
	default:
		out.status = StatusGap
		s.logger.Debug("height unrecoverable",
			slog.String("endpoint", src.Endpoint()),
			slog.Uint64("height", height),
			slog.Int("attempts", out.attempts),
			"error", err,
		)
	}
	return out
}

// record merges one endpoint's outcome into the height entry.
func (s *Scraper) record(entries *xsync.Map[uint64, *Entry], endpoint string, height uint64, o outcome) {
	observed := o.block
	var first *rpc.BlockRecord
	if observed != nil {
		prev, loaded := s.seen.LoadOrStore(seenKey{endpoint: endpoint, height: height}, observed)
		if loaded {
			first = prev
		}
	}

	entries.Compute(height, func(e *Entry, loaded bool) (*Entry, xsync.ComputeOp) {
		if !loaded {
			e = &Entry{Height: height, Status: o.status}
		} else if o.status.rank() > e.Status.rank() {
			e.Status = o.status
		}
		e.Attempts += o.attempts
		if o.err != nil {
			e.LastError = o.err.Error()
			e.err = o.err
		}
		if first != nil {
			e.add(endpoint, first)
		}
		if observed != nil {
			e.add(endpoint, observed)
		}
		return e, xsync.UpdateOp
	})
}

func (e *Entry) add(endpoint string, b *rpc.BlockRecord) {
	for _, o := range e.Blocks {
		if o.Block.Hash == b.Hash {
			return
		}
	}
	e.Blocks = append(e.Blocks, Observation{Endpoint: endpoint, Block: b})
	if len(e.Blocks) > 1 {
		e.ReorgObserved = true
	}
}
