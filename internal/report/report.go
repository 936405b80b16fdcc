// Package report writes the analysis artifacts: a raw per-height dump, a
// per-block listing and an author/outcome index. Output is byte-identical for
// equal reports.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
	"github.com/gateway-fm/sealerbench/internal/rpc"
)

// Artifact file names, each preceded by Outputs.Prefix.
const (
	RawFile     = "blocks.jsonl"
	ListingFile = "blocks.txt"
	IndexFile   = "index.txt"
)

// WriteError reports an artifact that could not be written. The previous
// file at Path, if any, is left untouched.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Outputs names the artifact location.
type Outputs struct {
	Dir    string
	Prefix string
}

// Path returns the full path of an artifact.
func (o Outputs) Path(name string) string {
	return filepath.Join(o.Dir, o.Prefix+name)
}

// Emit writes the three artifacts and returns their paths. Each artifact is
// written to a temporary file and renamed into place only when complete.
func Emit(rep *analyzer.Report, out Outputs) ([]string, error) {
	if out.Dir == "" {
		out.Dir = "."
	}
	if err := os.MkdirAll(out.Dir, 0o755); err != nil {
		return nil, &WriteError{Path: out.Dir, Err: err}
	}

	artifacts := []struct {
		name   string
		render func(io.Writer, *analyzer.Report) error
	}{
		{RawFile, WriteRaw},
		{ListingFile, WriteListing},
		{IndexFile, WriteIndex},
	}

	var paths []string
	for _, a := range artifacts {
		var buf bytes.Buffer
		path := out.Path(a.name)
		if err := a.render(&buf, rep); err != nil {
			return paths, &WriteError{Path: path, Err: err}
		}
		if err := writeAtomic(path, buf.Bytes()); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeAtomic(path string, data []byte) error {
	f, err := atomicfile.New(path, 0o644)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Cancel()
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// rawRecord is one line of the raw dump.
type rawRecord struct {
	Height         uint64           `json:"height"`
	Status         string           `json:"status"` // slot outcome, or "unavailable" outside the window
	Step           *uint64          `json:"step,omitempty"`
	StepInferred   bool             `json:"stepInferred,omitempty"`
	ExpectedAuthor string           `json:"expectedAuthor,omitempty"`
	ReorgObserved  bool             `json:"reorgObserved,omitempty"`
	Scrape         string           `json:"scrape,omitempty"`
	Block          *rpc.BlockRecord `json:"block,omitempty"`
}

// WriteRaw writes one JSON record per span height, ascending.
func WriteRaw(w io.Writer, rep *analyzer.Report) error {
	enc := json.NewEncoder(w)
	unavailable := make(map[uint64]bool, len(rep.Unavailable))
	for _, h := range rep.Unavailable {
		unavailable[h] = true
	}
	slots := make(map[uint64]*analyzer.ClassifiedSlot, len(rep.Slots))
	for i := range rep.Slots {
		slots[rep.Slots[i].Height] = &rep.Slots[i]
	}

	for h := rep.Span.From; ; h++ {
		s, inWindow := slots[h]
		if inWindow || unavailable[h] {
			rec := rawRecord{Height: h, Status: "unavailable"}
			if inWindow {
				step := s.Step
				rec.Status = string(s.Outcome)
				rec.Step = &step
				rec.StepInferred = s.StepInferred
				rec.ExpectedAuthor = s.ExpectedAuthor
				rec.ReorgObserved = s.ReorgObserved
				rec.Scrape = string(s.ScrapeStatus)
				rec.Block = s.Block
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		if h == rep.Span.To {
			return nil
		}
	}
}

// WriteListing writes one line per slot: height, UTC time, step, actual and
// expected author index, outcome and transaction count. Blockless slots show
// their scrape status in place of the count.
func WriteListing(w io.Writer, rep *analyzer.Report) error {
	for _, s := range rep.Slots {
		var line string
		if s.Block == nil {
			line = fmt.Sprintf("%8d  %-19s  step %d*  author %s  expected %2d %s  %-11s  scrape %s",
				s.Height, "-", s.Step, holeLabel(s.Outcome), s.ExpectedIndex, s.ExpectedAuthor, s.Outcome, s.ScrapeStatus)
		} else {
			ts := time.Unix(int64(s.Block.Timestamp), 0).UTC().Format(time.DateTime)
			line = fmt.Sprintf("%8d  %s  step %d  author %s %s  expected %2d %s  %-11s  txs %d",
				s.Height, ts, s.Step, indexLabel(s.ActualIndex), s.ActualAuthor, s.ExpectedIndex, s.ExpectedAuthor, s.Outcome, s.Block.TxCount)
		}
		if s.ReorgObserved {
			line += "  reorg"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func holeLabel(o analyzer.Outcome) string {
	if o == analyzer.Unconfirmed {
		return ".."
	}
	return "--"
}

func indexLabel(i int) string {
	if i < 0 {
		return "??"
	}
	return fmt.Sprintf("%2d", i)
}

// WriteIndex writes the author index matrix followed by per-author counts and
// the lists of violations, lost turns, conflicts and unavailable heights.
func WriteIndex(w io.Writer, rep *analyzer.Report) error {
	n := len(rep.Validators)
	if n == 0 {
		return fmt.Errorf("report has no validators")
	}
	var b strings.Builder

	fmt.Fprintf(&b, "span %d-%d  window %d-%d  step period %ds  validators %d\n",
		rep.Span.From, rep.Span.To, rep.Window.From, rep.Window.To, rep.StepPeriodSec, n)
	if len(rep.Endpoints) > 0 {
		fmt.Fprintf(&b, "endpoints %s\n", strings.Join(rep.Endpoints, ", "))
	}
	if rep.Incomplete {
		b.WriteString("INCOMPLETE: some heights were cancelled or reported beyond the head\n")
	}

	b.WriteString("\nauthor index by height (-- missing, .. unconfirmed, ?? not a validator)\n")
	for i, s := range rep.Slots {
		if i%n == 0 {
			fmt.Fprintf(&b, "%8d:", s.Height)
		}
		label := holeLabel(s.Outcome)
		if s.Block != nil {
			label = indexLabel(s.ActualIndex)
		}
		b.WriteString(" " + label)
		if i%n == n-1 || i == len(rep.Slots)-1 {
			b.WriteString("\n")
		}
	}

	b.WriteString("\nauthors\n")
	t := newTable(&b, []string{"index", "address", "produced", "expected", "delta", "usurped", "lost", "lost turns"})
	for _, a := range rep.Authors {
		idx := strconv.Itoa(a.Index)
		if a.Index < 0 {
			idx = "??"
		}
		t.Append([]string{idx, a.Address, strconv.Itoa(a.Produced), strconv.Itoa(a.Expected),
			signed(a.Delta), strconv.Itoa(a.Usurped), strconv.Itoa(a.Lost), strconv.Itoa(a.LostTurns)})
	}
	t.Render()

	fmt.Fprintf(&b, "\nviolations (%d usurped, %d missing)\n", rep.UsurpedCount, rep.MissingCount)
	if len(rep.Violations) > 0 {
		t = newTable(&b, []string{"height", "step", "outcome", "expected", "actual"})
		for _, v := range rep.Violations {
			step := strconv.FormatUint(v.Step, 10)
			if v.StepInferred {
				step += "*"
			}
			actual := "-"
			if v.Block != nil {
				actual = fmt.Sprintf("%s %s", indexLabel(v.ActualIndex), v.ActualAuthor)
			}
			t.Append([]string{strconv.FormatUint(v.Height, 10), step, string(v.Outcome),
				fmt.Sprintf("%2d %s", v.ExpectedIndex, v.ExpectedAuthor), actual})
		}
		t.Render()
	}

	var unconfirmed []uint64
	for _, s := range rep.Slots {
		if s.Outcome == analyzer.Unconfirmed {
			unconfirmed = append(unconfirmed, s.Height)
		}
	}
	fmt.Fprintf(&b, "\nunconfirmed heights (%d): %s\n", len(unconfirmed), ranges(unconfirmed))

	fmt.Fprintf(&b, "\nlost turns (%d)\n", len(rep.LostTurns))
	for _, lt := range rep.LostTurns {
		fmt.Fprintf(&b, "  step %d after height %d: %2d %s\n", lt.Step, lt.AfterHeight, lt.ExpectedIndex, lt.ExpectedAuthor)
	}

	fmt.Fprintf(&b, "\nconflicts (%d)\n", len(rep.Conflicts))
	for _, c := range rep.Conflicts {
		fmt.Fprintf(&b, "  %d %s: %s\n", c.Height, c.Kind, c.Detail)
	}

	fmt.Fprintf(&b, "\nunavailable heights (%d): %s\n", len(rep.Unavailable), ranges(rep.Unavailable))

	fmt.Fprintf(&b, "\nslots %d: on-schedule %d, usurped %d, missing %d, unconfirmed %d; transactions %d\n",
		len(rep.Slots), rep.OnSchedule, rep.UsurpedCount, rep.MissingCount, rep.Unconfirmed, rep.TotalTxs)
	fmt.Fprintf(&b, "approximately %d rounds\n", rep.Rounds)

	_, err := io.WriteString(w, b.String())
	return err
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func signed(v int) string {
	if v > 0 {
		return "+" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// ranges compresses sorted heights into "a-b, c" form.
func ranges(hs []uint64) string {
	if len(hs) == 0 {
		return "none"
	}
	sorted := append([]uint64(nil), hs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.FormatUint(start, 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, h := range sorted[1:] {
		if h == prev+1 {
			prev = h
			continue
		}
		flush()
		start, prev = h, h
	}
	flush()
	return strings.Join(parts, ", ")
}
