// Package analyzer reconciles scraped blocks into a canonical per-height
// sequence and classifies every slot against the round-robin turn schedule.
//
// A run moves strictly through Collecting, Reconciling, Classifying and
// Reported. It is single-threaded and height-ordered.
package analyzer

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/schedule"
	"github.com/gateway-fm/sealerbench/internal/scraper"
)

// Phase is the state of an analysis run.
type Phase int

const (
	Collecting Phase = iota
	Reconciling
	Classifying
	Reported
)

func (p Phase) String() string {
	switch p {
	case Collecting:
		return "collecting"
	case Reconciling:
		return "reconciling"
	case Classifying:
		return "classifying"
	case Reported:
		return "reported"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Analyzer classifies scrape results against a turn schedule.
type Analyzer struct {
	sched  *schedule.Scheduler
	logger *slog.Logger
}

// New creates an Analyzer. A nil logger uses slog.Default().
func New(sched *schedule.Scheduler, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{sched: sched, logger: logger}
}

// canonical is the reconciled choice for one height; block is nil for a hole.
type canonical struct {
	height uint64
	block  *rpc.BlockRecord
	reorg  bool
	status scraper.Status
}

type run struct {
	a         *Analyzer
	phase     Phase
	res       *scraper.Result
	window    scraper.Span
	chain     []canonical
	conflicts []Conflict
	report    *Report
}

func (r *run) advance(to Phase) {
	if to != r.phase+1 {
		panic(fmt.Sprintf("analyzer: invalid transition %s -> %s", r.phase, to))
	}
	r.a.logger.Debug("analysis phase", slog.String("from", r.phase.String()), slog.String("to", to.String()))
	r.phase = to
}

// Analyze runs one analysis over a scrape result. It returns
// ErrInsufficientData when no height in the span yielded a block.
func (a *Analyzer) Analyze(res *scraper.Result) (*Report, error) {
	if res == nil {
		return nil, fmt.Errorf("analyze: nil scrape result: %w", ErrInsufficientData)
	}
	r := &run{a: a, phase: Collecting, res: res}

	if err := r.collect(); err != nil {
		return nil, err
	}
	r.advance(Reconciling)
	r.reconcile()
	r.advance(Classifying)
	r.classify()
	r.advance(Reported)

	a.logger.Info("analysis complete",
		slog.String("window", r.window.String()),
		slog.Int("slots", len(r.report.Slots)),
		slog.Int("on_schedule", r.report.OnSchedule),
		slog.Int("usurped", r.report.UsurpedCount),
		slog.Int("missing", r.report.MissingCount),
		slog.Int("unconfirmed", r.report.Unconfirmed),
		slog.Int("lost_turns", len(r.report.LostTurns)),
		slog.Int("conflicts", len(r.report.Conflicts)),
	)
	return r.report, nil
}

// collect determines the window: first through last height with any block.
func (r *run) collect() error {
	var first, last uint64
	found := false
	for _, h := range r.res.Heights() {
		if h < r.res.Span.From || h > r.res.Span.To {
			continue
		}
		if len(r.res.Entries[h].Blocks) == 0 {
			continue
		}
		if !found {
			first, found = h, true
		}
		last = h
	}
	if !found {
		return fmt.Errorf("span %s: %w", r.res.Span, ErrInsufficientData)
	}
	r.window = scraper.Span{From: first, To: last}

	vs := r.a.sched.Validators()
	r.report = &Report{
		Span:          r.res.Span,
		Endpoints:     append([]string(nil), r.res.Endpoints...),
		StepPeriodSec: uint64(r.a.sched.Period().Seconds()),
		Validators:    vs.Members(),
		Window:        r.window,
		Incomplete:    r.res.Incomplete,
		Slots:         []ClassifiedSlot{},
		Violations:    []ClassifiedSlot{},
		LostTurns:     []LostTurn{},
		Conflicts:     []Conflict{},
		Unavailable:   []uint64{},
	}
	for h := r.res.Span.From; ; h++ {
		if h < first || h > last {
			r.report.Unavailable = append(r.report.Unavailable, h)
		}
		if h == r.res.Span.To {
			break
		}
	}
	return nil
}

// reconcile picks one block per window height. Heights with several observed
// hashes prefer the block linking to the accepted predecessor, then the block
// a next-height candidate links to, then the first retrieved.
func (r *run) reconcile() {
	var prev *rpc.BlockRecord
	for h := r.window.From; h <= r.window.To; h++ {
		entry := r.res.Entries[h]
		var cands []*rpc.BlockRecord
		if entry != nil {
			for _, o := range entry.Blocks {
				cands = append(cands, o.Block)
			}
		}

		c := canonical{height: h, reorg: entry != nil && entry.ReorgObserved, status: scraper.StatusCancelled}
		if entry != nil {
			c.status = entry.Status
		}
		switch len(cands) {
		case 0:
		case 1:
			c.block = cands[0]
		default:
			c.block = r.resolve(h, prev, cands)
		}

		if c.block != nil && prev != nil && prev.Height+1 == h && c.block.ParentHash != prev.Hash {
			r.conflict(h, ConflictLinkageBreak, fmt.Sprintf("parent %s, accepted predecessor %s", c.block.ParentHash, prev.Hash))
		}

		r.chain = append(r.chain, c)
		prev = c.block
	}
}

func (r *run) resolve(h uint64, prev *rpc.BlockRecord, cands []*rpc.BlockRecord) *rpc.BlockRecord {
	if prev != nil {
		for _, b := range cands {
			if b.ParentHash == prev.Hash {
				r.conflict(h, ConflictReorgResolved, fmt.Sprintf("%d candidates, kept %s linking to predecessor", len(cands), b.Hash))
				return b
			}
		}
	}
	if next := r.res.Entries[h+1]; next != nil && h < r.window.To {
		for _, child := range next.Blocks {
			for _, b := range cands {
				if child.Block.ParentHash == b.Hash {
					r.conflict(h, ConflictReorgResolved, fmt.Sprintf("%d candidates, kept %s linked from height %d", len(cands), b.Hash, h+1))
					return b
				}
			}
		}
	}
	r.conflict(h, ConflictReorgUnresolved, fmt.Sprintf("%d candidates, no linkage; kept first-retrieved %s", len(cands), cands[0].Hash))
	return cands[0]
}

func (r *run) conflict(h uint64, kind ConflictKind, detail string) {
	r.conflicts = append(r.conflicts, Conflict{Height: h, Kind: kind, Detail: detail})
}

// classify compares every reconciled height with its expected author.
func (r *run) classify() {
	vs := r.a.sched.Validators()
	rep := r.report

	stats := make([]AuthorStats, vs.Len())
	for i := range stats {
		stats[i] = AuthorStats{Index: i, Address: vs.At(i)}
	}
	outsiders := make(map[string]*AuthorStats)

	var (
		haveSlot     bool
		lastStep     uint64 // step of the previous slot, observed or inferred
		lastHeight   uint64
		haveObserved bool
		lastObserved uint64 // step of the previous observed block
	)

	for _, c := range r.chain {
		slot := ClassifiedSlot{Height: c.height, ReorgObserved: c.reorg, ScrapeStatus: c.status, ActualIndex: -1}

		if c.block == nil {
			// The window starts with a block, so a previous slot always exists.
			slot.Step = lastStep + (c.height - lastHeight)
			slot.StepInferred = true
		} else {
			b := c.block
			slot.Step = r.a.sched.StepOf(b.Timestamp)
			slot.Block = b
			slot.ActualAuthor = schedule.NormalizeIdentity(b.Author)
			if idx, ok := vs.IndexOf(b.Author); ok {
				slot.ActualIndex = idx
			}
			rep.TotalTxs += b.TxCount

			if b.SealStep != nil && *b.SealStep != slot.Step {
				r.conflict(c.height, ConflictStepMismatch, fmt.Sprintf("sealed step %d, timestamp step %d", *b.SealStep, slot.Step))
			}
			if haveObserved && slot.Step <= lastObserved {
				r.conflict(c.height, ConflictStepRegression, fmt.Sprintf("step %d after step %d", slot.Step, lastObserved))
			}
			if haveSlot && slot.Step > lastStep+1 {
				for s := lastStep + 1; s < slot.Step; s++ {
					idx := int(s % uint64(vs.Len()))
					rep.LostTurns = append(rep.LostTurns, LostTurn{
						Step:           s,
						ExpectedAuthor: vs.At(idx),
						ExpectedIndex:  idx,
						AfterHeight:    lastHeight,
					})
					stats[idx].LostTurns++
				}
			}
			haveObserved, lastObserved = true, slot.Step
		}

		slot.ExpectedIndex = int(slot.Step % uint64(vs.Len()))
		slot.ExpectedAuthor = vs.At(slot.ExpectedIndex)

		switch {
		case c.block == nil && c.status != scraper.StatusGap:
			// Only a gap is a confirmed hole.
			slot.Outcome = Unconfirmed
			rep.Unconfirmed++
			rep.Incomplete = true
		case c.block == nil:
			slot.Outcome = Missing
			rep.MissingCount++
			stats[slot.ExpectedIndex].Expected++
			stats[slot.ExpectedIndex].Lost++
		case slot.ActualIndex == slot.ExpectedIndex:
			slot.Outcome = OnSchedule
			rep.OnSchedule++
			stats[slot.ExpectedIndex].Expected++
			stats[slot.ExpectedIndex].Produced++
		default:
			slot.Outcome = Usurped
			rep.UsurpedCount++
			stats[slot.ExpectedIndex].Expected++
			stats[slot.ExpectedIndex].Lost++
			if slot.ActualIndex >= 0 {
				stats[slot.ActualIndex].Produced++
				stats[slot.ActualIndex].Usurped++
			} else {
				o := outsiders[slot.ActualAuthor]
				if o == nil {
					o = &AuthorStats{Index: -1, Address: slot.ActualAuthor}
					outsiders[slot.ActualAuthor] = o
				}
				o.Produced++
				o.Usurped++
			}
		}

		rep.Slots = append(rep.Slots, slot)
		if slot.Outcome == Usurped || slot.Outcome == Missing {
			rep.Violations = append(rep.Violations, slot)
		}
		haveSlot, lastStep, lastHeight = true, slot.Step, c.height
	}

	addrs := make([]string, 0, len(outsiders))
	for a := range outsiders {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		stats = append(stats, *outsiders[a])
	}
	for i := range stats {
		stats[i].Delta = stats[i].Produced - stats[i].Expected
	}
	rep.Authors = stats

	sort.SliceStable(r.conflicts, func(i, j int) bool { return r.conflicts[i].Height < r.conflicts[j].Height })
	rep.Conflicts = append(rep.Conflicts, r.conflicts...)
	rep.Rounds = len(rep.Slots) / vs.Len()
}
