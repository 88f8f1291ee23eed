package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/njoerd114/mailmirror/internal/model"
)

func testOptions() Options {
	return Options{
		PollInterval:        10 * time.Millisecond,
		Window:              10,
		BackfillBatch:       10,
		BackfillConcurrency: 1,
		CallTimeout:         time.Second,
		ProbeAttempts:       1,
	}
}

func newTestEngine(remote *mockRemote, store *mockStore, opts Options) *Engine {
	e := NewEngine(remote, store, opts, testLogger)
	n := 0
	e.cycleID = func() string {
		n++
		return fmt.Sprintf("cycle-%d", n)
	}
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngine_InitialState(t *testing.T) {
	e := newTestEngine(newMockRemote(), newMockStore(), testOptions())
	if got := e.Status().State; got != StateConnecting {
		t.Errorf("State = %s, want CONNECTING", got)
	}
}

func TestEngine_RunOnce_EmptyStore(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(3)...)
	for _, s := range summaries(3) {
		remote.bodies[s.ID] = "hello " + s.ID
	}
	store := newMockStore()

	e := newTestEngine(remote, store, testOptions())
	status, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status.State != StateIdle || !status.Connected {
		t.Errorf("state = %s connected=%v, want IDLE connected", status.State, status.Connected)
	}
	if status.LastCycleOutcome != OutcomeOK {
		t.Errorf("outcome = %q, want ok", status.LastCycleOutcome)
	}
	if status.Cycles != 1 || status.LastCycleID != "cycle-1" {
		t.Errorf("cycles = %d id = %q, want 1 cycle-1", status.Cycles, status.LastCycleID)
	}
	if status.LastMirror.Created != 3 || status.LastBackfill.Fetched != 3 {
		t.Errorf("mirror = %+v backfill = %+v", status.LastMirror, status.LastBackfill)
	}
	if status.RemoteTotal != 3 {
		t.Errorf("RemoteTotal = %d, want 3", status.RemoteTotal)
	}
	for _, id := range []string{"1:1", "1:2", "1:3"} {
		if item := store.get(id); item == nil || item.Body != "hello "+id {
			t.Errorf("item %s = %+v, want mirrored with body", id, item)
		}
	}
}

func TestEngine_ProcessedCountRefreshed(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(2)...)
	store := newMockStore()
	store.seed(model.Item{ID: "1:2", Body: "b", Status: model.StatusProcessed, AIResponse: "r"})

	e := newTestEngine(remote, store, testOptions())
	status, _ := e.RunOnce(context.Background())

	if status.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", status.ProcessedCount)
	}
}

func TestEngine_BackfillErrorsMarkPartial(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(2)...)
	remote.bodies["1:2"] = "ok"
	remote.bodyErrs["1:1"] = errors.New("connection reset")

	e := newTestEngine(remote, newMockStore(), testOptions())
	status, err := e.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error for a partial cycle")
	}
	if status.LastCycleOutcome != OutcomePartial {
		t.Errorf("outcome = %q, want partial", status.LastCycleOutcome)
	}
	if status.LastError == "" {
		t.Error("LastError not recorded")
	}
	if status.State != StateIdle {
		t.Errorf("State = %s, want IDLE", status.State)
	}
}

// ---------------------------------------------------------------------------
// Probe failure: engine stays DISCONNECTED and never lists the remote.
// ---------------------------------------------------------------------------

func TestEngine_Run_DisconnectedSkipsTicks(t *testing.T) {
	remote := newMockRemote()
	remote.pingErr = errors.New("connection refused")
	e := newTestEngine(remote, newMockStore(), testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want DeadlineExceeded", err)
	}

	status := e.Status()
	if status.State != StateDisconnected || status.Connected {
		t.Errorf("state = %s connected=%v, want DISCONNECTED", status.State, status.Connected)
	}
	if status.LastCycleOutcome != OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", status.LastCycleOutcome)
	}
	if list, _ := remote.calls(); list != 0 {
		t.Errorf("ListSummaries calls = %d, want 0", list)
	}
	remote.mu.Lock()
	pings := remote.pingCalls
	remote.mu.Unlock()
	if pings != 1 {
		t.Errorf("Ping calls = %d, want a single probe", pings)
	}
}

// ---------------------------------------------------------------------------
// A timed-out listing fails one cycle; the next tick proceeds normally.
// ---------------------------------------------------------------------------

func TestEngine_Run_RecoversAfterTimeout(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(2)...)
	remote.listErrs = []error{context.DeadlineExceeded}
	store := newMockStore()
	e := newTestEngine(remote, store, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		s := e.Status()
		return s.Cycles >= 2 && s.LastCycleOutcome == OutcomeOK
	})
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want Canceled", err)
	}

	status := e.Status()
	if status.LastError == "" {
		t.Error("LastError from the failed cycle was cleared")
	}
	if status.State != StateIdle {
		t.Errorf("State = %s, want IDLE", status.State)
	}
	if len(store.ids()) != 2 {
		t.Errorf("mirrored = %v, want 2 items", store.ids())
	}
}

func TestEngine_RunOnce_FetchFailure(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(2)...)
	remote.listErrs = []error{context.DeadlineExceeded}
	store := newMockStore()
	store.seed(model.Item{ID: "1:1", Body: "kept"})

	e := newTestEngine(remote, store, testOptions())
	status, err := e.RunOnce(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if status.LastCycleOutcome != OutcomeFailed {
		t.Errorf("outcome = %q, want failed", status.LastCycleOutcome)
	}
	if status.State != StateIdle {
		t.Errorf("State = %s, want IDLE", status.State)
	}
	if store.get("1:1") == nil {
		t.Error("local item evicted by a failed cycle")
	}
}

// ---------------------------------------------------------------------------
// An unexpected panic is terminal.
// ---------------------------------------------------------------------------

func TestEngine_Run_CriticalFailure(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(2)...)
	store := newMockStore()
	store.panicOn = "1:1"
	e := newTestEngine(remote, store, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := e.Run(ctx)
	if !errors.Is(err, ErrCriticalFailure) {
		t.Fatalf("Run = %v, want ErrCriticalFailure", err)
	}

	status := e.Status()
	if status.State != StateCriticalFailure {
		t.Errorf("State = %s, want CRITICAL_FAILURE", status.State)
	}
	if status.LastCycleOutcome != OutcomeFailed || status.LastError == "" {
		t.Errorf("status = %+v, want failed outcome with error", status)
	}
	if list, _ := remote.calls(); list != 1 {
		t.Errorf("ListSummaries calls = %d, want 1 (no cycles after the failure)", list)
	}
}

func TestEngine_StatusIsCopy(t *testing.T) {
	remote := newMockRemote()
	remote.setMessages(summaries(1)...)
	e := newTestEngine(remote, newMockStore(), testOptions())

	before := e.Status()
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before.Cycles != 0 || before.State != StateConnecting {
		t.Errorf("earlier snapshot mutated: %+v", before)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateIdle, "IDLE"},
		{StateSyncing, "SYNCING"},
		{StateDisconnected, "DISCONNECTED"},
		{StateCriticalFailure, "CRITICAL_FAILURE"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
