package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/gateway-fm/sealerbench/internal/storage"
)

// Totals sums summaries across streams.
func Totals(summaries []*Summary) (sent, ok, failed int) {
	for _, s := range summaries {
		if s == nil {
			continue
		}
		sent += s.Sent
		ok += s.OK
		failed += s.Failed
	}
	return sent, ok, failed
}

// Persist stores the completed run and every submission in store.
func Persist(ctx context.Context, store storage.Storage, run *storage.InjectionRun, summaries []*Summary) error {
	sent, ok, failed := Totals(summaries)
	run.TxSent, run.TxOK, run.TxFailed = uint64(sent), uint64(ok), uint64(failed)
	run.Status = "completed"
	for _, s := range summaries {
		if s != nil && s.Cancelled {
			run.Status = "cancelled"
		}
	}
	now := time.Now().UTC()
	run.CompletedAt = &now

	var logs []storage.TxLogEntry
	for _, s := range summaries {
		if s == nil {
			continue
		}
		for _, r := range s.Results {
			entry := storage.TxLogEntry{
				Endpoint:  s.Endpoint,
				Seq:       r.Seq,
				TxHash:    r.Hash,
				SentAtMs:  r.SentAt.UnixMilli(),
				LatencyMs: r.Latency.Milliseconds(),
				Outcome:   string(r.Outcome),
			}
			if r.Err != nil {
				entry.ErrorReason = r.Err.Error()
			}
			logs = append(logs, entry)
		}
	}

	if err := store.BulkInsertTxLogs(ctx, run.ID, logs); err != nil {
		return fmt.Errorf("store tx logs: %w", err)
	}
	if err := store.CompleteInjectionRun(ctx, run.ID, run); err != nil {
		return fmt.Errorf("complete injection run: %w", err)
	}
	return nil
}
