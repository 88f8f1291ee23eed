package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/njoerd114/mailmirror/internal/state"
)

var testLogger = slog.Default()

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  int
	}{
		{"empty", 0, 0},
		{"short", 10, 1},
		{"exact", 500, 1},
		{"one over", 501, 2},
		{"two windows", 950, 2},
		{"spills into third", 951, 3},
		{"thousand", 1000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(words(tt.words), ChunkWords, OverlapWords)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
		})
	}
}

func TestChunkText_Overlap(t *testing.T) {
	chunks := ChunkText(words(600), 500, 50)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	if first[len(first)-1] != "w499" {
		t.Errorf("first chunk ends with %q", first[len(first)-1])
	}
	if second[0] != "w450" || second[len(second)-1] != "w599" {
		t.Errorf("second chunk = %s..%s, want w450..w599", second[0], second[len(second)-1])
	}
}

func TestTerms(t *testing.T) {
	got := Terms("Where is my INVOICE? The invoice #42 for order-1234, please!")
	want := []string{"where", "invoice", "the", "for", "order", "1234", "please"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Terms = %v, want %v", got, want)
	}
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIndexer_AddFile(t *testing.T) {
	store := openStore(t)
	ix := NewIndexer(store, testLogger)
	dir := t.TempDir()

	path := filepath.Join(dir, "faq.md")
	if err := os.WriteFile(path, []byte(words(700)), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := ix.AddFile(context.Background(), path)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if n != 2 {
		t.Errorf("fragments = %d, want 2", n)
	}

	// Re-indexing replaces rather than appends.
	if err := os.WriteFile(path, []byte("refunds take five days"), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, err = ix.AddFile(context.Background(), path); err != nil || n != 1 {
		t.Fatalf("re-index = %d, %v", n, err)
	}
	docs, err := ix.Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Filename != "faq.md" || docs[0].Chunks != 1 {
		t.Errorf("documents = %+v", docs)
	}
}

func TestIndexer_AddFile_Message(t *testing.T) {
	store := openStore(t)
	ix := NewIndexer(store, testLogger)

	msg := "From: support@example.com\r\nSubject: Shipping policy\r\nContent-Type: text/plain\r\n\r\nOrders ship within two business days.\r\n"
	path := filepath.Join(t.TempDir(), "policy.eml")
	if err := os.WriteFile(path, []byte(msg), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ix.AddFile(context.Background(), path); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	frags, err := NewRetriever(store, testLogger).Search(context.Background(), "when do orders ship", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(frags) != 1 || !strings.Contains(frags[0].Content, "business days") {
		t.Errorf("fragments = %+v", frags)
	}
}

func TestIndexer_UnsupportedAndEmpty(t *testing.T) {
	ix := NewIndexer(openStore(t), testLogger)
	dir := t.TempDir()

	pdf := filepath.Join(dir, "manual.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.AddFile(context.Background(), pdf); !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("err = %v, want ErrUnsupportedFile", err)
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.AddFile(context.Background(), empty); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestRetriever_RanksByOverlap(t *testing.T) {
	store := openStore(t)
	ix := NewIndexer(store, testLogger)
	ctx := context.Background()

	docs := map[string]string{
		"refunds.txt":  "Refunds are issued to the original payment method within five days.",
		"shipping.txt": "Shipping is free for orders above fifty euros.",
		"returns.txt":  "Returns and refunds: send the parcel back and request refunds online, payment reversed in days.",
	}
	for name, text := range docs {
		if _, err := ix.AddText(ctx, name, text); err != nil {
			t.Fatalf("AddText %s: %v", name, err)
		}
	}

	frags, err := NewRetriever(store, testLogger).Search(ctx, "refunds payment days", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	for _, f := range frags {
		if f.Source == "shipping.txt" {
			t.Errorf("unrelated fragment returned: %+v", f)
		}
		if f.Score != 1 {
			t.Errorf("score = %v for %s, want 1", f.Score, f.Source)
		}
	}
}

func TestRetriever_NoTerms(t *testing.T) {
	frags, err := NewRetriever(openStore(t), testLogger).Search(context.Background(), "a b ?", 3)
	if err != nil || frags != nil {
		t.Errorf("Search = %v, %v; want nil, nil", frags, err)
	}
}
