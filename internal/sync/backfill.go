package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/mailmirror/internal/model"
)

// BackfillStats summarises one backfill batch.
type BackfillStats struct {
	Requested int `json:"requested"`
	Fetched   int `json:"fetched"`
	Empty     int `json:"empty"`
	NotFound  int `json:"not_found"`
	Errors    int `json:"errors"`
}

// Backfiller fills in message bodies that the listing left empty, a bounded
// batch per cycle, so that large mailboxes converge over several cycles.
type Backfiller struct {
	src         MailboxSource
	store       MirrorStore
	timeout     time.Duration
	concurrency int
	log         *slog.Logger
}

// NewBackfiller creates a Backfiller. Concurrency below one means sequential.
func NewBackfiller(src MailboxSource, store MirrorStore, timeout time.Duration, concurrency int, logger *slog.Logger) *Backfiller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Backfiller{src: src, store: store, timeout: timeout, concurrency: concurrency, log: logger}
}

// Run fetches at most batchLimit missing bodies. A failure for one ID is
// logged and skipped; the returned error is only set when the batch could
// not be selected at all.
func (b *Backfiller) Run(ctx context.Context, batchLimit int) (BackfillStats, error) {
	var stats BackfillStats
	if batchLimit <= 0 {
		return stats, nil
	}

	ids, err := b.store.ListIDsMissingBody(ctx, batchLimit)
	if err != nil {
		return stats, err
	}
	if len(ids) > batchLimit {
		ids = ids[:batchLimit]
	}
	stats.Requested = len(ids)
	if len(ids) == 0 {
		return stats, nil
	}

	var mu gosync.Mutex
	count := func(f func(*BackfillStats)) {
		mu.Lock()
		f(&stats)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			b.fetchOne(ctx, id, count)
			return nil
		})
	}
	_ = g.Wait()

	b.log.Info("backfill complete",
		"requested", stats.Requested,
		"fetched", stats.Fetched,
		"empty", stats.Empty,
		"not_found", stats.NotFound,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (b *Backfiller) fetchOne(ctx context.Context, id string, count func(func(*BackfillStats))) {
	callCtx, cancel := withTimeout(ctx, b.timeout)
	body, err := b.src.GetBody(callCtx, id)
	cancel()

	switch {
	case errors.Is(err, model.ErrNotFound):
		b.log.Warn("body not found remotely", "id", id)
		count(func(s *BackfillStats) { s.NotFound++ })
		b.markChecked(ctx, id)
		return
	case err != nil:
		b.log.Error("body fetch failed", "id", id, "error", err)
		count(func(s *BackfillStats) { s.Errors++ })
		b.markChecked(ctx, id)
		return
	case body == "":
		b.log.Debug("remote body is empty", "id", id)
		count(func(s *BackfillStats) { s.Empty++ })
		b.markChecked(ctx, id)
		return
	}

	if _, err := b.store.SetBody(ctx, id, body); err != nil {
		b.log.Error("storing body failed", "id", id, "error", err)
		count(func(s *BackfillStats) { s.Errors++ })
		return
	}
	count(func(s *BackfillStats) { s.Fetched++ })
}

// markChecked moves id behind the items not tried yet, so that bodyless
// messages cannot starve the rest of the backlog.
func (b *Backfiller) markChecked(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	if err := b.store.MarkBodyChecked(ctx, id); err != nil {
		b.log.Warn("recording body attempt failed", "id", id, "error", err)
	}
}
