package analyzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/schedule"
	"github.com/gateway-fm/sealerbench/internal/scraper"
)

const period = 5 * time.Second

func newAnalyzer(t *testing.T, ids ...string) *Analyzer {
	t.Helper()
	vs, err := schedule.NewValidatorSet(ids)
	require.NoError(t, err)
	sched, err := schedule.New(vs, period)
	require.NoError(t, err)
	return New(sched, nil)
}

func hashOf(h uint64, fork string) string {
	return fmt.Sprintf("0x%s%04x", fork, h)
}

// blk builds a block at height h sealed in step by author, linked to the
// canonical predecessor.
func blk(h, step uint64, author string) *rpc.BlockRecord {
	return &rpc.BlockRecord{
		Height:     h,
		Hash:       hashOf(h, ""),
		ParentHash: hashOf(h-1, ""),
		Author:     author,
		Timestamp:  step*5 + 1,
		TxCount:    1,
	}
}

// resultOf builds a scrape result over span; heights without blocks are gaps.
func resultOf(span scraper.Span, blocks ...*rpc.BlockRecord) *scraper.Result {
	res := &scraper.Result{Span: span, Endpoints: []string{"http://a"}, Entries: map[uint64]*scraper.Entry{}}
	for h := span.From; h <= span.To; h++ {
		res.Entries[h] = &scraper.Entry{Height: h, Status: scraper.StatusGap, Attempts: 4}
	}
	for _, b := range blocks {
		e := res.Entries[b.Height]
		e.Status = scraper.StatusOK
		e.Blocks = append(e.Blocks, scraper.Observation{Endpoint: "http://a", Block: b})
		e.ReorgObserved = len(e.Blocks) > 1
	}
	return res
}

func roundRobin(ids []string, from, to uint64) []*rpc.BlockRecord {
	var out []*rpc.BlockRecord
	for h := from; h <= to; h++ {
		out = append(out, blk(h, h, ids[h%uint64(len(ids))]))
	}
	return out
}

func TestAnalyze_HonestChainIsOnSchedule(t *testing.T) {
	ids := []string{"A", "B", "C"}
	a := newAnalyzer(t, ids...)

	rep, err := a.Analyze(resultOf(scraper.Span{From: 1, To: 30}, roundRobin(ids, 1, 30)...))
	require.NoError(t, err)

	require.Len(t, rep.Slots, 30)
	for _, s := range rep.Slots {
		assert.Equal(t, OnSchedule, s.Outcome, "height %d", s.Height)
	}
	assert.False(t, rep.FairnessViolated())
	assert.Empty(t, rep.Violations)
	assert.Empty(t, rep.LostTurns)
	assert.Empty(t, rep.Conflicts)
	assert.Equal(t, 10, rep.Rounds)
	assert.Equal(t, 30, rep.TotalTxs)
	assert.Equal(t, scraper.Span{From: 1, To: 30}, rep.Window)
}

func TestAnalyze_MissingSlot(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	// Height 7 absent; heights 6 and 8 carry steps 6 and 8.
	rep, err := a.Analyze(resultOf(scraper.Span{From: 6, To: 8}, blk(6, 6, "A"), blk(8, 8, "C")))
	require.NoError(t, err)

	require.Len(t, rep.Slots, 3)
	s := rep.Slots[1]
	assert.Equal(t, uint64(7), s.Height)
	assert.Equal(t, Missing, s.Outcome)
	assert.Equal(t, scraper.StatusGap, s.ScrapeStatus)
	assert.Equal(t, uint64(7), s.Step)
	assert.True(t, s.StepInferred)
	assert.Equal(t, "B", s.ExpectedAuthor)
	assert.Empty(t, s.ActualAuthor)
	assert.Equal(t, -1, s.ActualIndex)

	assert.Equal(t, 1, rep.MissingCount)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, uint64(7), rep.Violations[0].Height)
	assert.Equal(t, 1, rep.Author("B").Lost)
	assert.Equal(t, -1, rep.Author("B").Delta)
	assert.Empty(t, rep.LostTurns)
}

func TestAnalyze_UnconfirmedHeightsAreNotViolations(t *testing.T) {
	for _, status := range []scraper.Status{scraper.StatusUnavailable, scraper.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			a := newAnalyzer(t, "A", "B", "C")

			res := resultOf(scraper.Span{From: 6, To: 8}, blk(6, 6, "A"), blk(8, 8, "C"))
			res.Entries[7].Status = status
			rep, err := a.Analyze(res)
			require.NoError(t, err)

			require.Len(t, rep.Slots, 3)
			s := rep.Slots[1]
			assert.Equal(t, Unconfirmed, s.Outcome)
			assert.Equal(t, status, s.ScrapeStatus)
			assert.Equal(t, "B", s.ExpectedAuthor)
			assert.True(t, s.StepInferred)

			assert.Zero(t, rep.MissingCount)
			assert.Equal(t, 1, rep.Unconfirmed)
			assert.Empty(t, rep.Violations)
			assert.False(t, rep.FairnessViolated())
			assert.True(t, rep.Incomplete)
			assert.Equal(t, AuthorStats{Index: 1, Address: "B"}, *rep.Author("B"))
		})
	}
}

func TestAnalyze_MissingEntryCountsAsCancelled(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	res := resultOf(scraper.Span{From: 6, To: 8}, blk(6, 6, "A"), blk(8, 8, "C"))
	delete(res.Entries, 7)
	rep, err := a.Analyze(res)
	require.NoError(t, err)

	assert.Equal(t, Unconfirmed, rep.Slots[1].Outcome)
	assert.Equal(t, scraper.StatusCancelled, rep.Slots[1].ScrapeStatus)
	assert.Zero(t, rep.MissingCount)
}

func TestAnalyze_UsurpedSlot(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	rep, err := a.Analyze(resultOf(scraper.Span{From: 6, To: 8}, blk(6, 6, "A"), blk(7, 7, "A"), blk(8, 8, "C")))
	require.NoError(t, err)

	s := rep.Slots[1]
	assert.Equal(t, Usurped, s.Outcome)
	assert.Equal(t, "B", s.ExpectedAuthor)
	assert.Equal(t, "A", s.ActualAuthor)
	assert.Equal(t, 0, s.ActualIndex)

	statA, statB := rep.Author("A"), rep.Author("B")
	assert.Equal(t, AuthorStats{Index: 0, Address: "A", Produced: 2, Expected: 1, Delta: 1, Usurped: 1}, *statA)
	assert.Equal(t, AuthorStats{Index: 1, Address: "B", Produced: 0, Expected: 1, Delta: -1, Lost: 1}, *statB)
	assert.Equal(t, 1, rep.UsurpedCount)
}

func TestAnalyze_AggregationOverFullRounds(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E"}
	a := newAnalyzer(t, ids...)

	rep, err := a.Analyze(resultOf(scraper.Span{From: 100, To: 199}, roundRobin(ids, 100, 199)...))
	require.NoError(t, err)

	require.Len(t, rep.Authors, 5)
	for _, st := range rep.Authors {
		assert.Equal(t, 20, st.Produced, st.Address)
		assert.Equal(t, 20, st.Expected, st.Address)
		assert.Zero(t, st.Delta, st.Address)
	}
	assert.Equal(t, 20, rep.Rounds)
}

func TestAnalyze_InsufficientData(t *testing.T) {
	a := newAnalyzer(t, "A", "B")

	_, err := a.Analyze(resultOf(scraper.Span{From: 1, To: 5}))
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = a.Analyze(nil)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestAnalyze_HeightsOutsideWindowAreUnavailable(t *testing.T) {
	ids := []string{"A", "B", "C"}
	a := newAnalyzer(t, ids...)

	res := resultOf(scraper.Span{From: 1, To: 10}, roundRobin(ids, 3, 7)...)
	for _, h := range []uint64{8, 9, 10} {
		res.Entries[h].Status = scraper.StatusUnavailable
	}
	rep, err := a.Analyze(res)
	require.NoError(t, err)

	assert.Equal(t, scraper.Span{From: 3, To: 7}, rep.Window)
	assert.Equal(t, []uint64{1, 2, 8, 9, 10}, rep.Unavailable)
	assert.Len(t, rep.Slots, 5)
	assert.Zero(t, rep.MissingCount, "heights outside the window are never missing slots")
}

func TestAnalyze_ReorgResolvedByPredecessor(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	orphan := blk(5, 5, "B")
	orphan.Hash = hashOf(5, "ff")
	orphan.ParentHash = hashOf(4, "ff")

	res := resultOf(scraper.Span{From: 4, To: 5}, blk(4, 4, "B"), orphan, blk(5, 5, "C"))
	rep, err := a.Analyze(res)
	require.NoError(t, err)

	s := rep.Slots[1]
	assert.True(t, s.ReorgObserved)
	assert.Equal(t, hashOf(5, ""), s.Block.Hash)
	assert.Equal(t, OnSchedule, s.Outcome)
	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, ConflictReorgResolved, rep.Conflicts[0].Kind)
}

func TestAnalyze_ReorgResolvedByChild(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	orphan := blk(5, 5, "A")
	orphan.Hash = hashOf(5, "ff")

	// Height 5 opens the window, so only height 6 can disambiguate.
	res := resultOf(scraper.Span{From: 5, To: 6}, orphan, blk(5, 5, "C"), blk(6, 6, "A"))
	rep, err := a.Analyze(res)
	require.NoError(t, err)

	assert.Equal(t, hashOf(5, ""), rep.Slots[0].Block.Hash)
	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, ConflictReorgResolved, rep.Conflicts[0].Kind)
	assert.Equal(t, uint64(5), rep.Conflicts[0].Height)
}

func TestAnalyze_ReorgUnresolvedKeepsFirstRetrieved(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	x := blk(5, 5, "A")
	x.Hash, x.ParentHash = hashOf(5, "aa"), hashOf(4, "aa")
	y := blk(5, 5, "C")
	y.Hash, y.ParentHash = hashOf(5, "bb"), hashOf(4, "bb")

	rep, err := a.Analyze(resultOf(scraper.Span{From: 5, To: 5}, x, y))
	require.NoError(t, err)

	s := rep.Slots[0]
	assert.Equal(t, x.Hash, s.Block.Hash)
	assert.True(t, s.ReorgObserved)
	assert.Equal(t, Usurped, s.Outcome)
	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, ConflictReorgUnresolved, rep.Conflicts[0].Kind)
}

func TestAnalyze_LinkageBreakIsFlaggedNotDropped(t *testing.T) {
	ids := []string{"A", "B", "C"}
	a := newAnalyzer(t, ids...)

	blocks := roundRobin(ids, 1, 4)
	blocks[2].ParentHash = hashOf(2, "dead")

	rep, err := a.Analyze(resultOf(scraper.Span{From: 1, To: 4}, blocks...))
	require.NoError(t, err)

	assert.Len(t, rep.Slots, 4)
	assert.NotNil(t, rep.Slots[2].Block)
	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, ConflictLinkageBreak, rep.Conflicts[0].Kind)
	assert.Equal(t, uint64(3), rep.Conflicts[0].Height)
}

func TestAnalyze_LostTurns(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	// Height 2 is sealed three steps after height 1: steps 2 and 3 were skipped.
	rep, err := a.Analyze(resultOf(scraper.Span{From: 1, To: 3}, blk(1, 1, "B"), blk(2, 4, "B"), blk(3, 5, "C")))
	require.NoError(t, err)

	require.Len(t, rep.LostTurns, 2)
	assert.Equal(t, LostTurn{Step: 2, ExpectedAuthor: "C", ExpectedIndex: 2, AfterHeight: 1}, rep.LostTurns[0])
	assert.Equal(t, LostTurn{Step: 3, ExpectedAuthor: "A", ExpectedIndex: 0, AfterHeight: 1}, rep.LostTurns[1])
	assert.Equal(t, 1, rep.Author("A").LostTurns)
	assert.Equal(t, 1, rep.Author("C").LostTurns)
	assert.Zero(t, rep.Author("B").LostTurns)
	assert.False(t, rep.FairnessViolated(), "every slot itself is on schedule")
}

func TestAnalyze_StepConflicts(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	b2 := blk(2, 2, "C")
	sealed := uint64(3)
	b2.SealStep = &sealed

	rep, err := a.Analyze(resultOf(scraper.Span{From: 1, To: 3}, blk(1, 2, "C"), b2, blk(3, 3, "A")))
	require.NoError(t, err)

	kinds := map[ConflictKind]uint64{}
	for _, c := range rep.Conflicts {
		kinds[c.Kind] = c.Height
	}
	assert.Equal(t, uint64(2), kinds[ConflictStepMismatch])
	assert.Equal(t, uint64(2), kinds[ConflictStepRegression])
}

func TestAnalyze_OutsiderAuthor(t *testing.T) {
	a := newAnalyzer(t, "A", "B", "C")

	rep, err := a.Analyze(resultOf(scraper.Span{From: 3, To: 4}, blk(3, 3, "A"), blk(4, 4, "Z")))
	require.NoError(t, err)

	s := rep.Slots[1]
	assert.Equal(t, Usurped, s.Outcome)
	assert.Equal(t, -1, s.ActualIndex)

	require.Len(t, rep.Authors, 4)
	z := rep.Authors[3]
	assert.Equal(t, AuthorStats{Index: -1, Address: "Z", Produced: 1, Usurped: 1, Delta: 1}, z)
	assert.Equal(t, 1, rep.Author("B").Lost)
}

func TestAnalyze_AddressCaseInsensitive(t *testing.T) {
	v0 := "0x00bd138abd70e2f00903268f3db08f2d25677c9e"
	v1 := "0x00aa39d30f0d20ff03a22ccfc30b7efbfca597c2"
	a := newAnalyzer(t, v0, v1)

	rep, err := a.Analyze(resultOf(scraper.Span{From: 2, To: 3},
		blk(2, 2, "0x00BD138ABD70E2F00903268F3DB08F2D25677C9E"),
		blk(3, 3, v1),
	))
	require.NoError(t, err)

	assert.Equal(t, OnSchedule, rep.Slots[0].Outcome)
	assert.Equal(t, v0, rep.Slots[0].ActualAuthor)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "collecting", Collecting.String())
	assert.Equal(t, "reported", Reported.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}
