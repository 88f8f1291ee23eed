package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/njoerd114/mailmirror/internal/model"
)

// seedMissing stores n body-less items and gives each a remote body.
func seedMissing(store *mockStore, remote *mockRemote, n int) {
	for _, s := range summaries(n) {
		store.seed(model.FromSummary(s))
		remote.bodies[s.ID] = "body of " + s.ID
	}
}

func TestBackfill_BoundedBatchConverges(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 50)

	b := NewBackfiller(remote, store, time.Second, 1, testLogger)
	for cycle := 1; cycle <= 5; cycle++ {
		_, before := remote.calls()
		stats, err := b.Run(context.Background(), 10)
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		_, after := remote.calls()
		if after-before != 10 {
			t.Errorf("cycle %d: body fetches = %d, want 10", cycle, after-before)
		}
		if stats.Fetched != 10 {
			t.Errorf("cycle %d: Fetched = %d, want 10", cycle, stats.Fetched)
		}
		if got, want := store.missingBodies(), 50-10*cycle; got != want {
			t.Errorf("cycle %d: missing = %d, want %d", cycle, got, want)
		}
	}

	stats, err := b.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if stats.Requested != 0 {
		t.Errorf("Requested = %d after convergence, want 0", stats.Requested)
	}
}

func TestBackfill_NewestFirst(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 5)

	if _, err := NewBackfiller(remote, store, 0, 1, testLogger).Run(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"1:5", "1:4"} {
		if !store.get(id).HasBody() {
			t.Errorf("item %s has no body, want newest filled first", id)
		}
	}
	if store.get("1:3").HasBody() {
		t.Error("item 1:3 filled beyond batch limit")
	}
}

func TestBackfill_Concurrent(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 20)

	stats, err := NewBackfiller(remote, store, time.Second, 4, testLogger).Run(context.Background(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Fetched != 20 {
		t.Errorf("Fetched = %d, want 20", stats.Fetched)
	}
	if store.missingBodies() != 0 {
		t.Errorf("missing = %d, want 0", store.missingBodies())
	}
}

func TestBackfill_NotFoundAndErrorsSkipped(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 4)
	delete(remote.bodies, "1:4")
	remote.bodyErrs["1:3"] = fmt.Errorf("connection reset")

	stats, err := NewBackfiller(remote, store, time.Second, 1, testLogger).Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Requested != 4 || stats.NotFound != 1 || stats.Errors != 1 || stats.Fetched != 2 {
		t.Errorf("stats = %+v, want requested=4 not_found=1 errors=1 fetched=2", stats)
	}
	if store.get("1:4") == nil {
		t.Error("not-found item deleted by backfill, eviction is the reconciler's job")
	}
	if !store.get("1:2").HasBody() || !store.get("1:1").HasBody() {
		t.Error("remaining items not filled after a failure")
	}
}

func TestBackfill_EmptyRemoteBodyLeavesItemMissing(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 1)
	remote.bodies["1:1"] = ""

	stats, err := NewBackfiller(remote, store, time.Second, 1, testLogger).Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Empty != 1 {
		t.Errorf("Empty = %d, want 1", stats.Empty)
	}
	if store.missingBodies() != 1 {
		t.Error("empty remote body should leave the item eligible for backfill")
	}
}

func TestBackfill_BodylessMessagesDoNotStarveBacklog(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 20)
	// The ten newest never yield text: attachment-only or already gone.
	for i := 20; i > 15; i-- {
		remote.bodies[fmt.Sprintf("1:%d", i)] = ""
	}
	for i := 15; i > 10; i-- {
		delete(remote.bodies, fmt.Sprintf("1:%d", i))
	}

	b := NewBackfiller(remote, store, time.Second, 2, testLogger)
	first, err := b.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Empty != 5 || first.NotFound != 5 || first.Fetched != 0 {
		t.Errorf("first run = %+v, want empty=5 not_found=5 fetched=0", first)
	}

	second, err := b.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Fetched != 10 {
		t.Errorf("second run Fetched = %d, want 10", second.Fetched)
	}
	for i := 1; i <= 10; i++ {
		if id := fmt.Sprintf("1:%d", i); !store.get(id).HasBody() {
			t.Errorf("item %s not filled after two runs", id)
		}
	}

	// Only the bodyless ones remain, and they are retried.
	third, err := b.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if third.Requested != 10 || third.Fetched != 0 {
		t.Errorf("third run = %+v, want requested=10 fetched=0", third)
	}
	if got := store.missingBodies(); got != 10 {
		t.Errorf("missing = %d, want 10", got)
	}
}

func TestBackfill_DisabledWithZeroBatch(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	seedMissing(store, remote, 3)

	stats, err := NewBackfiller(remote, store, time.Second, 1, testLogger).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Requested != 0 {
		t.Errorf("Requested = %d, want 0", stats.Requested)
	}
	if _, body := remote.calls(); body != 0 {
		t.Errorf("body fetches = %d, want 0", body)
	}
}

func TestBackfill_SelectFailure(t *testing.T) {
	store := &failingMissingStore{mockStore: newMockStore()}

	_, err := NewBackfiller(newMockRemote(), store, time.Second, 1, testLogger).Run(context.Background(), 10)
	if !errors.Is(err, errStore) {
		t.Fatalf("err = %v, want errStore", err)
	}
}

type failingMissingStore struct {
	*mockStore
}

func (f *failingMissingStore) ListIDsMissingBody(context.Context, int) ([]string, error) {
	return nil, errStore
}
