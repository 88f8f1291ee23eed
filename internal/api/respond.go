package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/njoerd114/mailmirror/internal/inbox"
	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/state"
)

const maxBodyBytes = 1 << 20

type itemView struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	Date        time.Time `json:"date"`
	IsRead      bool      `json:"is_read"`
	Body        string    `json:"body,omitempty"`
	HasBody     bool      `json:"has_body"`
	Status      string    `json:"status"`
	AIResponse  string    `json:"ai_response,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
}

func newItemView(item *model.Item) itemView {
	return itemView{
		ID:          item.ID,
		Subject:     item.Subject,
		Sender:      item.Sender,
		Date:        item.ReceivedAt,
		IsRead:      item.IsRead,
		Body:        item.Body,
		HasBody:     item.HasBody(),
		Status:      string(item.Status),
		AIResponse:  item.AIResponse,
		ProcessedAt: item.ProcessedAt,
	}
}

type pageView struct {
	Items  []itemView `json:"items"`
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
}

// requestError marks client mistakes.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(fmt.Errorf("decoding request body: %w", err))
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Errorf("query parameter %s must be a non-negative integer", name))
	}
	return n, nil
}

func statusCode(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, state.ErrResponseRequired),
		errors.Is(err, inbox.ErrEmptyDraft):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrGenerationDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
