// Package sync mirrors a bounded window of a remote mailbox into the local
// state database.
//
// The package contains four components, run in this order once per cycle:
//
//   - [Fetcher] takes a bounded snapshot of the most recent remote messages.
//   - [Reconciler] merges the snapshot into the store, then evicts local items
//     that fell out of the window.
//   - [Backfiller] fetches a bounded batch of missing message bodies.
//   - [Engine] drives the cycles on a fixed interval and owns the published
//     [Status].
package sync

import (
	"context"

	"github.com/njoerd114/mailmirror/internal/model"
)

// MailboxSource provides read access to the remote mailbox.
// Implemented by [mailbox.Adapter].
type MailboxSource interface {
	// ListSummaries returns up to limit summaries, newest first, skipping
	// offset messages, plus the total number of remote messages.
	ListSummaries(ctx context.Context, offset, limit int) ([]model.Summary, int, error)
	// GetBody returns the body of one message or an error wrapping
	// [model.ErrNotFound].
	GetBody(ctx context.Context, id string) (string, error)
}

// Prober checks remote connectivity.
// Implemented by [mailbox.Adapter].
type Prober interface {
	Ping(ctx context.Context) error
}

// Remote is everything the [Engine] needs from the mailbox provider.
type Remote interface {
	MailboxSource
	Prober
}

// MirrorStore provides access to the mirror tables.
// Implemented by [state.Store].
type MirrorStore interface {
	Upsert(ctx context.Context, item *model.Item) error
	ListIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListIDsMissingBody(ctx context.Context, limit int) ([]string, error)
	SetBody(ctx context.Context, id, body string) (bool, error)
	// MarkBodyChecked records a fetch attempt that yielded no body.
	MarkBodyChecked(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, status model.Status) (int, error)
}
