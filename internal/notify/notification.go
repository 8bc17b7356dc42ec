// Package notify builds notifications, delivers them to online users,
// keeps a bounded durable inbox per user, and relays urgent ones out of
// band.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relayhub/internal/schema"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("notification not found")
	ErrQueueFull  = errors.New("outbound queue full")
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// OutOfBand reports whether the priority also warrants a push through the
// outbound relay.
func (p Priority) OutOfBand() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// Notification is immutable after creation except for Read and Delivered.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Read      bool           `json:"read"`
	Delivered bool           `json:"delivered"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

func (n Notification) expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Request is the caller-supplied part of a notification.
type Request struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  Priority       `json:"priority,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

const requestSchema = `{
	"type": "object",
	"required": ["type", "title", "message"],
	"properties": {
		"type": {"type": "string", "minLength": 1, "maxLength": 64},
		"title": {"type": "string", "minLength": 1, "maxLength": 256},
		"message": {"type": "string", "minLength": 1, "maxLength": 4096},
		"priority": {"enum": ["low", "medium", "high", "urgent"]},
		"payload": {"type": "object"},
		"expiresAt": {"type": "string"}
	}
}`

var schemas = schema.NewSet(map[string]string{"request": requestSchema})

// Validate checks required fields and defaults the priority to medium.
func (r *Request) Validate() error {
	r.Type = strings.TrimSpace(r.Type)
	r.Title = strings.TrimSpace(r.Title)
	r.Message = strings.TrimSpace(r.Message)
	switch {
	case r.Type == "":
		return fmt.Errorf("%w: type is required", ErrValidation)
	case r.Title == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case r.Message == "":
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if err := schemas.ValidateValue("request", r); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
