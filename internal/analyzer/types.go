package analyzer

import (
	"errors"

	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/scraper"
)

// ErrInsufficientData is returned when the scraped span holds no block at all.
var ErrInsufficientData = errors.New("insufficient data: reconciled window contains no blocks")

// Outcome classifies one slot.
type Outcome string

const (
	OnSchedule Outcome = "on-schedule"
	Usurped    Outcome = "usurped"
	Missing    Outcome = "missing"
	// Unconfirmed is a blockless height whose retrieval never concluded: the
	// node reported it beyond its head, or cancellation cut it short. It is
	// listed but never counted as a violation.
	Unconfirmed Outcome = "unconfirmed"
)

// ConflictKind names an ambiguity the reconciler kept rather than hid.
type ConflictKind string

const (
	ConflictLinkageBreak    ConflictKind = "linkage_break"    // parent hash differs from the accepted predecessor
	ConflictReorgResolved   ConflictKind = "reorg_resolved"   // several hashes seen, one chosen by linkage
	ConflictReorgUnresolved ConflictKind = "reorg_unresolved" // several hashes seen, first-retrieved kept
	ConflictStepMismatch    ConflictKind = "step_mismatch"    // sealed step differs from timestamp step
	ConflictStepRegression  ConflictKind = "step_regression"  // step did not advance over the previous block
)

// ClassifiedSlot is the verdict for one height inside the window.
type ClassifiedSlot struct {
	Height         uint64           `json:"height"`
	Step           uint64           `json:"step"`
	StepInferred   bool             `json:"stepInferred,omitempty"`
	ExpectedAuthor string           `json:"expectedAuthor"`
	ExpectedIndex  int              `json:"expectedIndex"`
	ActualAuthor   string           `json:"actualAuthor,omitempty"`
	ActualIndex    int              `json:"actualIndex"` // -1 when missing or not a validator
	Outcome        Outcome          `json:"outcome"`
	ReorgObserved  bool             `json:"reorgObserved,omitempty"`
	ScrapeStatus   scraper.Status   `json:"scrapeStatus"`
	Block          *rpc.BlockRecord `json:"block,omitempty"`
}

// LostTurn is a step that produced no block between two consecutive slots.
type LostTurn struct {
	Step           uint64 `json:"step"`
	ExpectedAuthor string `json:"expectedAuthor"`
	ExpectedIndex  int    `json:"expectedIndex"`
	AfterHeight    uint64 `json:"afterHeight"` // the slot preceding the skipped step
}

// Conflict records a reconciliation ambiguity at a height.
type Conflict struct {
	Height uint64       `json:"height"`
	Kind   ConflictKind `json:"kind"`
	Detail string       `json:"detail"`
}

// AuthorStats aggregates one author's slots. Validators come first in turn
// order; block authors outside the validator set carry Index -1.
type AuthorStats struct {
	Index     int    `json:"index"`
	Address   string `json:"address"`
	Produced  int    `json:"produced"`
	Expected  int    `json:"expected"` // confirmed slots only
	Delta     int    `json:"delta"`    // Produced - Expected
	Usurped   int    `json:"usurped"`  // slots taken from other validators
	Lost      int    `json:"lost"`     // own slots usurped or missing
	LostTurns int    `json:"lostTurns"`
}

// Report is the immutable result of one analysis run.
type Report struct {
	Span          scraper.Span     `json:"span"`
	Endpoints     []string         `json:"endpoints"`
	StepPeriodSec uint64           `json:"stepPeriodSec"`
	Validators    []string         `json:"validators"`
	Window        scraper.Span     `json:"window"`
	Slots         []ClassifiedSlot `json:"slots"`
	Authors       []AuthorStats    `json:"authors"`
	Violations    []ClassifiedSlot `json:"violations"` // usurped and missing slots by height
	LostTurns     []LostTurn       `json:"lostTurns"`
	Conflicts     []Conflict       `json:"conflicts"`
	Unavailable   []uint64         `json:"unavailable"` // span heights outside the window with no block
	OnSchedule    int              `json:"onSchedule"`
	UsurpedCount  int              `json:"usurpedCount"`
	MissingCount  int              `json:"missingCount"`
	Unconfirmed   int              `json:"unconfirmed"`
	TotalTxs      int              `json:"totalTxs"`
	Rounds        int              `json:"rounds"`     // floor(slots / N)
	Incomplete    bool             `json:"incomplete"` // cancelled scrape or unconfirmed slots
}

// FairnessViolated reports whether any slot was usurped or missing.
func (r *Report) FairnessViolated() bool {
	return len(r.Violations) > 0
}

// Author returns the stats for address, or nil.
func (r *Report) Author(address string) *AuthorStats {
	for i := range r.Authors {
		if r.Authors[i].Address == address {
			return &r.Authors[i]
		}
	}
	return nil
}
