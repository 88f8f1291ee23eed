// Package model defines shared types used across the mirror engine, the
// mailbox adapter and the inbox service.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by adapters when the requested message no longer
// exists on the remote side.
var ErrNotFound = errors.New("not found")

// Status is the local-only workflow state of a mirrored item.
type Status string

const (
	// StatusPending is assigned to every newly mirrored item.
	StatusPending Status = "PENDING"
	// StatusProcessed means a reply was generated and stored in AIResponse.
	StatusProcessed Status = "PROCESSED"
	// StatusAIError means reply generation was attempted and failed.
	StatusAIError Status = "AI_ERROR"
)

// Valid reports whether s is one of the known workflow states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusAIError:
		return true
	default:
		return false
	}
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Summary is the remote view of a message as returned by a listing call.
// It never carries a body.
type Summary struct {
	ID         string
	Subject    string
	Sender     string
	ReceivedAt time.Time
	IsRead     bool
}

// Item is the local mirror record of one remote message.
type Item struct {
	// ID is the stable remote identifier. Immutable once assigned.
	ID string

	Subject    string
	Sender     string
	ReceivedAt time.Time
	IsRead     bool

	// Body is empty until the backfill (or a detail lookup) fetched it.
	Body string

	// Status, AIResponse and ProcessedAt are never observed remotely.
	Status      Status
	AIResponse  string
	ProcessedAt time.Time
}

// HasBody reports whether the body has been fetched.
func (i *Item) HasBody() bool {
	return i.Body != ""
}

// FromSummary builds a new mirror record from a listing entry.
func FromSummary(s Summary) Item {
	return Item{
		ID:         s.ID,
		Subject:    s.Subject,
		Sender:     s.Sender,
		ReceivedAt: s.ReceivedAt,
		IsRead:     s.IsRead,
		Status:     StatusPending,
	}
}

// Merge applies an incoming remote observation to an existing record.
//
// Remote-observed fields take the incoming value. Body is replaced only by a
// non-empty incoming body, so a summary-only observation never erases a body
// fetched earlier. Workflow fields always come from existing.
func Merge(existing, incoming Item) Item {
	merged := existing
	merged.Subject = incoming.Subject
	merged.Sender = incoming.Sender
	merged.ReceivedAt = incoming.ReceivedAt
	merged.IsRead = incoming.IsRead
	if incoming.Body != "" {
		merged.Body = incoming.Body
	}
	if !merged.Status.Valid() {
		merged.Status = StatusPending
	}
	return merged
}

// Fragment is a knowledge snippet retrieved to ground a generated reply.
type Fragment struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}
