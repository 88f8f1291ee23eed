package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/mailmirror/internal/model"
)

// --- Mock Remote -------------------------------------------------------------

type mockRemote struct {
	mu        sync.Mutex
	summaries []model.Summary // newest first
	total     int             // reported total; 0 means len(summaries)
	bodies    map[string]string

	pingErr   error
	listErrs  []error // consumed one per ListSummaries call
	bodyErrs  map[string]error
	listHook  func(ctx context.Context) error
	listCalls int
	bodyCalls int
	pingCalls int
	lastLimit int
}

func newMockRemote() *mockRemote {
	return &mockRemote{bodies: make(map[string]string), bodyErrs: make(map[string]error)}
}

func (m *mockRemote) setMessages(summaries ...model.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = summaries
}

func (m *mockRemote) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingCalls++
	return m.pingErr
}

func (m *mockRemote) ListSummaries(ctx context.Context, offset, limit int) ([]model.Summary, int, error) {
	m.mu.Lock()
	m.listCalls++
	m.lastLimit = limit
	hook := m.listHook
	var err error
	if len(m.listErrs) > 0 {
		err = m.listErrs[0]
		m.listErrs = m.listErrs[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return nil, 0, herr
		}
	}
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.total
	if total == 0 {
		total = len(m.summaries)
	}
	if offset >= len(m.summaries) {
		return nil, total, nil
	}
	end := min(offset+limit, len(m.summaries))
	out := make([]model.Summary, end-offset)
	copy(out, m.summaries[offset:end])
	return out, total, nil
}

func (m *mockRemote) GetBody(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodyCalls++
	if err, ok := m.bodyErrs[id]; ok {
		return "", err
	}
	body, ok := m.bodies[id]
	if !ok {
		return "", fmt.Errorf("message %q: %w", id, model.ErrNotFound)
	}
	return body, nil
}

func (m *mockRemote) calls() (list, body int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls, m.bodyCalls
}

// --- Mock Store --------------------------------------------------------------

// mockStore records the order of mutating calls so tests can assert that
// every upsert precedes every eviction.
type mockStore struct {
	mu      sync.Mutex
	items   map[string]*model.Item
	ops     []string       // "upsert:<id>" / "delete:<id>"
	checked map[string]int // id -> sequence of the last empty fetch
	seq     int

	listIDsErr error
	upsertErrs map[string]error
	panicOn    string // id whose upsert panics
}

func newMockStore() *mockStore {
	return &mockStore{
		items:      make(map[string]*model.Item),
		upsertErrs: make(map[string]error),
		checked:    make(map[string]int),
	}
}

func (m *mockStore) seed(items ...model.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		cp := item
		if cp.Status == "" {
			cp.Status = model.StatusPending
		}
		m.items[item.ID] = &cp
	}
}

func (m *mockStore) Upsert(_ context.Context, item *model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == m.panicOn && m.panicOn != "" {
		panic("simulated store corruption")
	}
	if err, ok := m.upsertErrs[item.ID]; ok {
		return err
	}
	m.ops = append(m.ops, "upsert:"+item.ID)
	if existing, ok := m.items[item.ID]; ok {
		merged := model.Merge(*existing, *item)
		m.items[item.ID] = &merged
		return nil
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockStore) ListIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listIDsErr != nil {
		return nil, m.listIDsErr
	}
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *mockStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete:"+id)
	_, ok := m.items[id]
	delete(m.items, id)
	return ok, nil
}

func (m *mockStore) ListIDsMissingBody(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []*model.Item
	for _, item := range m.items {
		if item.Body == "" {
			missing = append(missing, item)
		}
	}
	// Same order as the SQLite store: untried first, then least recently tried.
	sort.Slice(missing, func(i, j int) bool {
		ci, iChecked := m.checked[missing[i].ID]
		cj, jChecked := m.checked[missing[j].ID]
		if iChecked != jChecked {
			return !iChecked
		}
		if ci != cj {
			return ci < cj
		}
		if !missing[i].ReceivedAt.Equal(missing[j].ReceivedAt) {
			return missing[i].ReceivedAt.After(missing[j].ReceivedAt)
		}
		return missing[i].ID > missing[j].ID
	})
	ids := make([]string, 0, min(limit, len(missing)))
	for _, item := range missing {
		if len(ids) == limit {
			break
		}
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (m *mockStore) SetBody(_ context.Context, id, body string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || body == "" {
		return false, nil
	}
	item.Body = body
	m.seq++
	m.checked[id] = m.seq
	return true, nil
}

func (m *mockStore) MarkBodyChecked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; ok {
		m.seq++
		m.checked[id] = m.seq
	}
	return nil
}

func (m *mockStore) CountByStatus(_ context.Context, status model.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) get(id string) *model.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil
	}
	cp := *item
	return &cp
}

func (m *mockStore) ids() []string {
	ids, _ := m.ListIDs(context.Background())
	return ids
}

func (m *mockStore) opLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *mockStore) missingBodies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.Body == "" {
			n++
		}
	}
	return n
}

// --- helpers -----------------------------------------------------------------

var errStore = errors.New("store unavailable")

// summaries builds n summaries with IDs "1:<n>" ... "1:1", newest first.
func summaries(n int) []model.Summary {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Summary, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, model.Summary{
			ID:         fmt.Sprintf("1:%d", i),
			Subject:    fmt.Sprintf("message %d", i),
			Sender:     "sender@example.com",
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}
