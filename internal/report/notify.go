package report

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// Notifier sends a fairness alert to shoutrrr URLs.
type Notifier struct {
	senders []sender
	logger  *slog.Logger
}

// NewNotifier creates senders for urls. Invalid URLs are logged and skipped.
func NewNotifier(urls []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{logger: logger}
	for _, url := range urls {
		s, err := shoutrrr.CreateSender(url)
		if err != nil {
			logger.Warn("failed to create shoutrrr sender", "error", err)
			continue
		}
		n.senders = append(n.senders, s)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends Summary(rep) when the report contains a fairness violation.
// It returns whether an alert was sent and the joined send errors.
func (n *Notifier) Notify(rep *analyzer.Report) (bool, error) {
	if !n.Enabled() || !rep.FairnessViolated() {
		return false, nil
	}
	msg := Summary(rep)
	var errs []error
	for _, s := range n.senders {
		for _, err := range s.Send(msg, nil) {
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		n.logger.Warn("failed to send fairness alert", "errors", len(errs))
		return true, fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	n.logger.Info("fairness alert sent", slog.Int("senders", len(n.senders)))
	return true, nil
}

// Summary renders a one-paragraph description of the report.
func Summary(rep *analyzer.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fairness report for heights %d-%d: %d slots, %d on-schedule, %d usurped, %d missing, %d lost turns.",
		rep.Window.From, rep.Window.To, len(rep.Slots), rep.OnSchedule, rep.UsurpedCount, rep.MissingCount, len(rep.LostTurns))
	if rep.Unconfirmed > 0 {
		fmt.Fprintf(&b, " %d slots unconfirmed.", rep.Unconfirmed)
	}

	var gainer, loser *analyzer.AuthorStats
	for i := range rep.Authors {
		a := &rep.Authors[i]
		if gainer == nil || a.Delta > gainer.Delta {
			gainer = a
		}
		if loser == nil || a.Delta < loser.Delta {
			loser = a
		}
	}
	if gainer != nil && gainer.Delta > 0 {
		fmt.Fprintf(&b, " Largest gain: %s (%s).", gainer.Address, signed(gainer.Delta))
	}
	if loser != nil && loser.Delta < 0 {
		fmt.Fprintf(&b, " Largest loss: %s (%s).", loser.Address, signed(loser.Delta))
	}
	if rep.Incomplete {
		b.WriteString(" Scrape was incomplete.")
	}
	return b.String()
}
