package generate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var testLogger = slog.Default()

type fakeService struct {
	mu       sync.Mutex
	requests []request
	statuses []int // consumed one per call; 200 once exhausted
	reply    string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/generate" {
		http.NotFound(w, r)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := http.StatusOK
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	reply := f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{Detail: "model is not loaded"})
		return
	}
	_ = json.NewEncoder(w).Encode(response{Response: reply})
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, svc *fakeService) *Client {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	c := New(srv.URL+"/", 5*time.Second, testLogger)
	c.attempts = 2
	return c
}

func TestGenerate_SendsParams(t *testing.T) {
	svc := &fakeService{reply: "  Thanks for reaching out.  "}
	c := newTestClient(t, svc)

	got, err := c.Generate(context.Background(), "PROMPT", Params{MaxTokens: 128, Temperature: 0.4, TopP: 0.8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Thanks for reaching out." {
		t.Errorf("Generate = %q, want trimmed reply", got)
	}

	req := svc.requests[0]
	if req.Prompt != "PROMPT" || req.MaxTokens != 128 || req.Temperature != 0.4 || req.TopP != 0.8 {
		t.Errorf("request = %+v", req)
	}
}

func TestGenerate_DefaultMaxTokens(t *testing.T) {
	svc := &fakeService{reply: "ok"}
	c := newTestClient(t, svc)

	if _, err := c.Generate(context.Background(), "p", Params{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.requests[0].MaxTokens != DefaultParams.MaxTokens {
		t.Errorf("MaxTokens = %d, want %d", svc.requests[0].MaxTokens, DefaultParams.MaxTokens)
	}
}

func TestGenerate_RetriesServerError(t *testing.T) {
	svc := &fakeService{reply: "second time lucky", statuses: []int{http.StatusServiceUnavailable}}
	c := newTestClient(t, svc)

	got, err := c.Generate(context.Background(), "p", DefaultParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "second time lucky" {
		t.Errorf("Generate = %q", got)
	}
	if svc.calls() != 2 {
		t.Errorf("calls = %d, want 2", svc.calls())
	}
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	svc := &fakeService{statuses: []int{http.StatusUnprocessableEntity}}
	c := newTestClient(t, svc)

	_, err := c.Generate(context.Background(), "p", DefaultParams)
	if err == nil {
		t.Fatal("expected error")
	}
	if svc.calls() != 1 {
		t.Errorf("calls = %d, want 1", svc.calls())
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	svc := &fakeService{reply: "   "}
	c := newTestClient(t, svc)

	_, err := c.Generate(context.Background(), "p", DefaultParams)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
	if svc.calls() != 1 {
		t.Errorf("calls = %d, want 1", svc.calls())
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	svc := &fakeService{reply: "never"}
	c := newTestClient(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, "p", DefaultParams); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
}

func TestGenerate_TimeoutCoversRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, 50*time.Millisecond, testLogger)
	c.attempts = 3

	start := time.Now()
	_, err := c.Generate(context.Background(), "p", DefaultParams)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate took %v, want it bounded by the client timeout", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls > 1 {
		t.Errorf("calls = %d, want no retry after the deadline", calls)
	}
}
