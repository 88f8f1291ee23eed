// Package api serves the mirror and the inbox operations over HTTP as JSON.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/mailmirror/internal/inbox"
	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/state"
	mirror "github.com/njoerd114/mailmirror/internal/sync"
)

// Inbox is the operation surface exposed under /api/emails.
type Inbox interface {
	ListMirrored(ctx context.Context, offset, limit int) (inbox.Page, error)
	GetMirrored(ctx context.Context, id string) (*model.Item, error)
	SetStatus(ctx context.Context, id string, status model.Status, aiResponse string) (*model.Item, error)
	DeleteMirrored(ctx context.Context, id string) (inbox.DeleteResult, error)
	MarkRead(ctx context.Context, id string, read bool) error
	SaveDraft(ctx context.Context, id, body string) error
	GenerateAnswer(ctx context.Context, id string, req inbox.AnswerRequest) (*model.Item, error)
}

// StatusSource publishes the mirror engine status.
type StatusSource interface {
	Status() mirror.Status
}

// Settings is the persisted settings table.
type Settings interface {
	AllSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Documents lists indexed knowledge files.
type Documents interface {
	Documents(ctx context.Context) ([]state.Document, error)
}

// Deps are the collaborators of the [Server]. ValidateSetting rejects keys
// and values the configuration would not accept.
type Deps struct {
	Inbox           Inbox
	Status          StatusSource
	Settings        Settings
	Documents       Documents
	ValidateSetting func(key, value string) error
}

// Server routes API requests. Create one with [New].
type Server struct {
	deps Deps
	log  *slog.Logger
	mux  *http.ServeMux
}

// New builds the route table.
func New(deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, log: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /api/health", s.health)
	s.mux.HandleFunc("GET /api/status", s.status)
	s.mux.HandleFunc("GET /api/emails", s.listEmails)
	s.mux.HandleFunc("GET /api/emails/{id}", s.getEmail)
	s.mux.HandleFunc("DELETE /api/emails/{id}", s.deleteEmail)
	s.mux.HandleFunc("PATCH /api/emails/{id}/read", s.markRead)
	s.mux.HandleFunc("PUT /api/emails/{id}/status", s.setStatus)
	s.mux.HandleFunc("POST /api/emails/{id}/answer", s.generateAnswer)
	s.mux.HandleFunc("POST /api/emails/{id}/draft", s.saveDraft)
	s.mux.HandleFunc("GET /api/settings", s.listSettings)
	s.mux.HandleFunc("PUT /api/settings/{key}", s.putSetting)
	s.mux.HandleFunc("GET /api/knowledge", s.listDocuments)

	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "mailmirror.api")
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API shutdown: %w", err)
	}
	s.log.Info("API stopped")
	return nil
}

// --- handlers ----------------------------------------------------------------

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	page, err := s.deps.Inbox.ListMirrored(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := pageView{Total: page.Total, Offset: page.Offset, Limit: page.Limit, Items: make([]itemView, 0, len(page.Items))}
	for _, item := range page.Items {
		v := newItemView(&item)
		v.Body = "" // listing stays light
		out.Items = append(out.Items, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Inbox.GetMirrored(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemView(item))
}

func (s *Server) deleteEmail(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Inbox.DeleteMirrored(r.Context(), r.PathValue("id"))
	if err != nil && !res.Remote && !res.Local {
		s.fail(w, r, err)
		return
	}
	body := map[string]any{"status": "success", "remote": res.Remote, "local": res.Local}
	if !res.Complete() {
		body["status"] = "partial_success"
		if err != nil {
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Read *bool `json:"read"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	read := true
	if req.Read != nil {
		read = *req.Read
	}
	if err := s.deps.Inbox.MarkRead(r.Context(), r.PathValue("id"), read); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "read": read})
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status     string `json:"status"`
		AIResponse string `json:"ai_response"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		s.fail(w, r, badRequest(err))
		return
	}
	item, err := s.deps.Inbox.SetStatus(r.Context(), r.PathValue("id"), status, req.AIResponse)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemView(item))
}

func (s *Server) generateAnswer(w http.ResponseWriter, r *http.Request) {
	var req inbox.AnswerRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := s.deps.Inbox.GenerateAnswer(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "ai_response": item.AIResponse, "email": newItemView(item)})
}

func (s *Server) saveDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Inbox.SaveDraft(r.Context(), r.PathValue("id"), req.Body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Settings.AllSettings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key := r.PathValue("key")
	if s.deps.ValidateSetting != nil {
		if err := s.deps.ValidateSetting(key, req.Value); err != nil {
			s.fail(w, r, badRequest(err))
			return
		}
	}
	if err := s.deps.Settings.SetSetting(r.Context(), key, req.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("setting updated, takes effect on restart", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "key": key, "value": req.Value})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Documents.Documents(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []state.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}
