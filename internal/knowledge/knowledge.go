// Package knowledge indexes reference documents into the local store and
// retrieves the fragments most relevant to an email, which are then quoted in
// the generation prompt.
package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/jhillyerd/enmime"

	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/state"
)

const (
	// ChunkWords is the number of words per indexed fragment.
	ChunkWords = 500
	// OverlapWords is how many words consecutive fragments share.
	OverlapWords = 50

	// DefaultTopK is the number of fragments quoted in a prompt.
	DefaultTopK = 3

	maxQueryTerms   = 24
	minTermLength   = 3
	candidateFactor = 20
)

// ErrUnsupportedFile is returned by [Indexer.AddFile] for file types that
// cannot be turned into plain text.
var ErrUnsupportedFile = errors.New("unsupported file type")

// DocumentStore is the subset of [state.Store] used for indexing.
type DocumentStore interface {
	ReplaceDocument(ctx context.Context, filename string, chunks []string) error
	DeleteDocument(ctx context.Context, filename string) (int, error)
	ListDocuments(ctx context.Context) ([]state.Document, error)
}

// FragmentStore is the subset of [state.Store] used for retrieval.
type FragmentStore interface {
	FragmentsMatching(ctx context.Context, terms []string, limit int) ([]state.Fragment, error)
}

// ChunkText splits text into windows of size words, each sharing overlap
// words with the previous one. The last window always ends at the last word.
func ChunkText(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = ChunkWords
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for start := 0; ; start += size - overlap {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Indexer turns files into stored fragments.
type Indexer struct {
	store DocumentStore
	log   *slog.Logger
}

// NewIndexer creates an Indexer writing to store.
func NewIndexer(store DocumentStore, logger *slog.Logger) *Indexer {
	return &Indexer{store: store, log: logger}
}

// AddFile indexes path under its base name, replacing any earlier version,
// and returns the number of fragments written. Plain text, Markdown and
// RFC 5322 message files are supported.
func (ix *Indexer) AddFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		text = string(raw)
	case ".eml":
		env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", path, err)
		}
		text = env.Text
	default:
		return 0, fmt.Errorf("%s: %w", path, ErrUnsupportedFile)
	}

	return ix.AddText(ctx, filepath.Base(path), text)
}

// AddText indexes text under name.
func (ix *Indexer) AddText(ctx context.Context, name, text string) (int, error) {
	chunks := ChunkText(text, ChunkWords, OverlapWords)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%s: no text to index", name)
	}
	if err := ix.store.ReplaceDocument(ctx, name, chunks); err != nil {
		return 0, err
	}
	ix.log.Info("document indexed", "filename", name, "fragments", len(chunks))
	return len(chunks), nil
}

// Remove deletes every fragment of name.
func (ix *Indexer) Remove(ctx context.Context, name string) (int, error) {
	return ix.store.DeleteDocument(ctx, name)
}

// Documents lists the indexed files.
func (ix *Indexer) Documents(ctx context.Context) ([]state.Document, error) {
	return ix.store.ListDocuments(ctx)
}

// Retriever ranks stored fragments by how many query terms they contain.
type Retriever struct {
	store FragmentStore
	log   *slog.Logger
}

// NewRetriever creates a Retriever reading from store.
func NewRetriever(store FragmentStore, logger *slog.Logger) *Retriever {
	return &Retriever{store: store, log: logger}
}

// Search returns up to topK fragments ordered by descending score. Score is
// the share of distinct query terms found in the fragment, in [0, 1].
// Fragments matching no term are never returned.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]model.Fragment, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	candidates, err := r.store.FragmentsMatching(ctx, terms, topK*candidateFactor)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}

	scored := make([]model.Fragment, 0, len(candidates))
	for _, c := range candidates {
		score := overlap(terms, c.Content)
		if score == 0 {
			continue
		}
		scored = append(scored, model.Fragment{Content: c.Content, Source: c.Filename, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	r.log.Debug("knowledge search", "terms", len(terms), "candidates", len(candidates), "returned", len(scored))
	return scored, nil
}

// Terms extracts the distinct lower-case words of at least three letters or
// digits from text, in order of first appearance.
func Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < minTermLength {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return terms
}

func overlap(terms []string, content string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
