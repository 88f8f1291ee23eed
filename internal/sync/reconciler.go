package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/mailmirror/internal/model"
)

// Stats tracks the mutations performed in a single reconcile pass.
type Stats struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Evicted int `json:"evicted"`
	Errors  int `json:"errors"`
}

// Reconciler makes the local mirror match one [Snapshot]. It is stateless
// between calls; all persistent state lives in the [MirrorStore].
type Reconciler struct {
	store MirrorStore
	log   *slog.Logger
}

// NewReconciler creates a Reconciler writing to store.
func NewReconciler(store MirrorStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, log: logger}
}

// Run merges every snapshot entry into the store and only then evicts local
// items missing from the snapshot. It returns aggregate statistics and the
// first error encountered; a failure on one item never stops the pass.
func (r *Reconciler) Run(ctx context.Context, snap Snapshot) (Stats, error) {
	stats := Stats{Fetched: len(snap.Summaries)}
	var firstErr error

	// Local IDs before the merge. D \ S is the same before and after the
	// merge pass since merging only adds IDs from S.
	local, listErr := r.store.ListIDs(ctx)
	if listErr != nil {
		stats.Errors++
		firstErr = fmt.Errorf("listing local ids: %w", listErr)
		r.log.Error("listing local ids failed, eviction skipped", "error", listErr)
	}
	known := make(map[string]struct{}, len(local))
	for _, id := range local {
		known[id] = struct{}{}
	}

	// 1. Merge pass.
	for _, s := range snap.Summaries {
		item := model.FromSummary(s)
		if err := r.store.Upsert(ctx, &item); err != nil {
			stats.Errors++
			r.log.Error("upsert failed", "id", s.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, ok := known[s.ID]; ok {
			stats.Merged++
		} else {
			stats.Created++
		}
	}

	// 2. Eviction pass, strictly after every upsert above.
	switch {
	case listErr != nil:
		// Local set unknown.
	case len(snap.Summaries) == 0 && snap.Total > 0:
		r.log.Warn("remote listed no messages but reports a non-empty mailbox, eviction skipped",
			"remote_total", snap.Total)
	default:
		inSnapshot := snap.IDs()
		for _, id := range local {
			if _, keep := inSnapshot[id]; keep {
				continue
			}
			if _, err := r.store.Delete(ctx, id); err != nil {
				stats.Errors++
				r.log.Error("evict failed", "id", id, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			r.log.Debug("evicted item outside window", "id", id)
			stats.Evicted++
		}
	}

	r.log.Info("reconcile complete",
		"fetched", stats.Fetched,
		"created", stats.Created,
		"merged", stats.Merged,
		"evicted", stats.Evicted,
		"errors", stats.Errors,
	)

	return stats, firstErr
}
