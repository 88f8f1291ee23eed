package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/mailmirror/internal/model"
)

// DefaultWindow is the number of most recent messages mirrored when no window
// is configured.
const DefaultWindow = 100

// Snapshot is the bounded remote listing taken at the start of a cycle.
type Snapshot struct {
	// Summaries holds at most window entries with unique, non-empty IDs,
	// newest first.
	Summaries []model.Summary
	// Total is the number of messages the remote reported, which may be
	// larger than len(Summaries).
	Total int
}

// IDs returns the set of IDs in the snapshot.
func (s Snapshot) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.Summaries))
	for _, sum := range s.Summaries {
		ids[sum.ID] = struct{}{}
	}
	return ids
}

// Fetcher takes bounded snapshots of the remote mailbox.
type Fetcher struct {
	src     MailboxSource
	window  int
	timeout time.Duration
	log     *slog.Logger
}

// NewFetcher creates a Fetcher listing the window most recent messages. A
// non-positive window falls back to [DefaultWindow]; a zero timeout disables
// the per-call deadline.
func NewFetcher(src MailboxSource, window int, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Fetcher{src: src, window: window, timeout: timeout, log: logger}
}

// Fetch lists the newest messages. Entries without an ID are dropped and
// duplicate IDs keep their first occurrence.
func (f *Fetcher) Fetch(ctx context.Context) (Snapshot, error) {
	callCtx, cancel := withTimeout(ctx, f.timeout)
	defer cancel()

	summaries, total, err := f.src.ListSummaries(callCtx, 0, f.window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing remote mailbox: %w", err)
	}

	seen := make(map[string]struct{}, len(summaries))
	clean := make([]model.Summary, 0, min(len(summaries), f.window))
	for _, s := range summaries {
		if s.ID == "" {
			f.log.Warn("dropping remote summary without id", "subject", s.Subject)
			continue
		}
		if _, dup := seen[s.ID]; dup {
			f.log.Debug("dropping duplicate remote summary", "id", s.ID)
			continue
		}
		if len(clean) == f.window {
			break
		}
		seen[s.ID] = struct{}{}
		clean = append(clean, s)
	}

	if total < len(clean) {
		total = len(clean)
	}
	return Snapshot{Summaries: clean, Total: total}, nil
}

// withTimeout applies d to ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
