// Package inbox is the operation surface the HTTP API and CLI work against.
// It reads from the local mirror, writes user actions through to the remote
// mailbox and drives reply generation.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/mailmirror/internal/generate"
	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/retry"
)

var (
	// ErrGenerationDisabled is returned by [Service.GenerateAnswer] when no
	// generation service is configured.
	ErrGenerationDisabled = errors.New("reply generation is not configured")
	// ErrEmptyDraft is returned when a draft without text is saved.
	ErrEmptyDraft = errors.New("draft body is empty")
)

// DefaultInstructions is used when a request carries no instructions.
const DefaultInstructions = "Reply in a professional, friendly and brief manner."

// Mailbox is the remote side of user actions.
type Mailbox interface {
	GetBody(ctx context.Context, id string) (string, error)
	SetReadState(ctx context.Context, id string, read bool) error
	SaveDraft(ctx context.Context, id, body string) error
	Delete(ctx context.Context, id string) error
}

// Store is the subset of [state.Store] used by the service.
type Store interface {
	List(ctx context.Context, offset, limit int) ([]model.Item, int, error)
	Get(ctx context.Context, id string) (*model.Item, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetBody(ctx context.Context, id, body string) (bool, error)
	SetReadState(ctx context.Context, id string, read bool) (bool, error)
	SetStatus(ctx context.Context, id string, status model.Status, aiResponse string) (bool, error)
}

// Generator produces reply text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, p generate.Params) (string, error)
}

// Knowledge retrieves reference fragments for a query.
type Knowledge interface {
	Search(ctx context.Context, query string, topK int) ([]model.Fragment, error)
}

// Options tunes the [Service].
type Options struct {
	TopK         int             // fragments quoted per prompt, default 3
	Params       generate.Params // sampling parameters
	Language     string          // default reply language, default "English"
	Instructions string          // default reply instructions, default DefaultInstructions
	CallTimeout  time.Duration   // per remote mailbox call, default 30s
	Attempts     int             // remote write attempts, default retry.DefaultAttempts
}

// Page is one slice of the mirror.
type Page struct {
	Items  []model.Item `json:"items"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// DeleteResult reports which sides a delete reached.
type DeleteResult struct {
	Remote bool `json:"remote"`
	Local  bool `json:"local"`
}

// Complete reports whether both sides were deleted.
func (r DeleteResult) Complete() bool { return r.Remote && r.Local }

// AnswerRequest customises one generated reply.
type AnswerRequest struct {
	Instructions string `json:"instructions"`
	Language     string `json:"language"`
}

// Service implements the inbox operations. Create one with [NewService].
type Service struct {
	mailbox   Mailbox
	store     Store
	generator Generator // nil disables GenerateAnswer
	knowledge Knowledge // nil means no reference context
	opts      Options
	log       *slog.Logger
}

// NewService wires the service. generator and knowledge may be nil.
func NewService(mailbox Mailbox, store Store, generator Generator, knowledge Knowledge, opts Options, logger *slog.Logger) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.Language == "" {
		opts.Language = "English"
	}
	if opts.Instructions == "" {
		opts.Instructions = DefaultInstructions
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = retry.DefaultAttempts
	}
	return &Service{
		mailbox:   mailbox,
		store:     store,
		generator: generator,
		knowledge: knowledge,
		opts:      opts,
		log:       logger,
	}
}

// ListMirrored returns a page of mirrored items, newest first.
func (s *Service) ListMirrored(ctx context.Context, offset, limit int) (Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	items, total, err := s.store.List(ctx, offset, limit)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []model.Item{}
	}
	return Page{Items: items, Total: total, Offset: offset, Limit: limit}, nil
}

// GetMirrored returns one item. If its body was not backfilled yet it is
// fetched from the remote mailbox and stored; a failed fetch still returns
// the item with an empty body.
func (s *Service) GetMirrored(ctx context.Context, id string) (*model.Item, error) {
	item, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.HasBody() {
		return item, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	body, err := s.mailbox.GetBody(callCtx, id)
	cancel()
	if err != nil {
		s.log.Warn("fetching body on demand failed", "id", id, "error", err)
		return item, nil
	}
	if body == "" {
		return item, nil
	}
	if _, err := s.store.SetBody(ctx, id, body); err != nil {
		s.log.Error("storing fetched body failed", "id", id, "error", err)
	}
	item.Body = body
	return item, nil
}

// SetStatus changes the workflow status of an item. aiResponse may be empty
// unless status is PROCESSED and no reply was stored before.
func (s *Service) SetStatus(ctx context.Context, id string, status model.Status, aiResponse string) (*model.Item, error) {
	ok, err := s.store.SetStatus(ctx, id, status, aiResponse)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("item %q: %w", id, model.ErrNotFound)
	}
	return s.lookup(ctx, id)
}

// DeleteMirrored deletes the message remotely and then locally. Both sides
// are attempted; the result reports which succeeded and the error joins the
// failures.
func (s *Service) DeleteMirrored(ctx context.Context, id string) (DeleteResult, error) {
	var res DeleteResult
	var errs []error

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	err := s.mailbox.Delete(callCtx, id)
	cancel()
	switch {
	case err == nil:
		res.Remote = true
	case errors.Is(err, model.ErrNotFound):
		// Already gone remotely.
		res.Remote = true
	default:
		s.log.Error("remote delete failed", "id", id, "error", err)
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		s.log.Error("local delete failed", "id", id, "error", err)
		errs = append(errs, fmt.Errorf("local: %w", err))
	} else {
		res.Local = true
		if !removed {
			s.log.Debug("item was not mirrored", "id", id)
		}
	}

	return res, errors.Join(errs...)
}

// MarkRead sets the seen flag remotely and then on the mirrored item.
func (s *Service) MarkRead(ctx context.Context, id string, read bool) error {
	if _, err := s.lookup(ctx, id); err != nil {
		return err
	}
	if err := s.remote(ctx, func(ctx context.Context) error {
		return s.mailbox.SetReadState(ctx, id, read)
	}); err != nil {
		return fmt.Errorf("updating read state of %q: %w", id, err)
	}
	if _, err := s.store.SetReadState(ctx, id, read); err != nil {
		return err
	}
	return nil
}

// SaveDraft stores body as a reply draft to the message.
func (s *Service) SaveDraft(ctx context.Context, id, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyDraft
	}
	if _, err := s.lookup(ctx, id); err != nil {
		return err
	}
	if err := s.remote(ctx, func(ctx context.Context) error {
		return s.mailbox.SaveDraft(ctx, id, body)
	}); err != nil {
		return fmt.Errorf("saving draft for %q: %w", id, err)
	}
	s.log.Info("draft saved", "id", id)
	return nil
}

// GenerateAnswer drafts a reply with the generation service, grounded on the
// most relevant knowledge fragments. On success the item becomes PROCESSED
// with the reply stored; on failure it becomes AI_ERROR.
func (s *Service) GenerateAnswer(ctx context.Context, id string, req AnswerRequest) (*model.Item, error) {
	if s.generator == nil {
		return nil, ErrGenerationDisabled
	}
	item, err := s.GetMirrored(ctx, id)
	if err != nil {
		return nil, err
	}

	var fragments []model.Fragment
	if s.knowledge != nil {
		fragments, err = s.knowledge.Search(ctx, item.Body+" "+item.Subject, s.opts.TopK)
		if err != nil {
			s.log.Warn("knowledge search failed, generating without context", "id", id, "error", err)
			fragments = nil
		}
	}

	language := req.Language
	if language == "" {
		language = s.opts.Language
	}
	instructions := req.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = s.opts.Instructions
	}
	prompt := BuildPrompt(item, fragments, instructions, language)

	s.log.Info("generating reply", "id", id, "fragments", len(fragments))
	reply, genErr := s.generator.Generate(ctx, prompt, s.opts.Params)
	if genErr != nil {
		s.log.Error("reply generation failed", "id", id, "error", genErr)
		if _, err := s.store.SetStatus(ctx, id, model.StatusAIError, ""); err != nil {
			s.log.Error("recording generation failure failed", "id", id, "error", err)
		}
		return nil, fmt.Errorf("generating reply for %q: %w", id, genErr)
	}

	return s.SetStatus(ctx, id, model.StatusProcessed, reply)
}

// BuildPrompt assembles the generation prompt.
func BuildPrompt(item *model.Item, fragments []model.Fragment, instructions, language string) string {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TASK: Write a reply in %s.\n", language)
	fmt.Fprintf(&b, "INSTRUCTIONS: %s\n", instructions)
	if len(fragments) > 0 {
		b.WriteString("\nKNOWLEDGE BASE CONTEXT:\n")
		for i, f := range fragments {
			fmt.Fprintf(&b, "\n[Document %d: %s - relevance %.2f]\n%s\n", i+1, f.Source, f.Score, f.Content)
		}
	}
	fmt.Fprintf(&b, "\nEMAIL FROM %s:\n", item.Sender)
	if item.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", item.Subject)
	}
	b.WriteString(item.Body)
	return b.String()
}

func (s *Service) lookup(ctx context.Context, id string) (*model.Item, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("item %q: %w", id, model.ErrNotFound)
	}
	return item, nil
}

// remote runs a mailbox write with a per-call timeout and bounded retries.
// A missing message is not retried.
func (s *Service) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.opts.Attempts, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, model.ErrNotFound) {
			return retry.Stop(err)
		}
		return err
	})
}
