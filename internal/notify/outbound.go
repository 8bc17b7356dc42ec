package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relayhub/internal/ephemeral"
)

const defaultOutboundCapacity = 1024

// OutboundItem is one notification awaiting out-of-band delivery.
type OutboundItem struct {
	NotificationID string         `json:"notificationId"`
	UserID         string         `json:"userId"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Priority       Priority       `json:"priority"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempt        int            `json:"attempt"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
}

func outboundItemFrom(n Notification, now time.Time) OutboundItem {
	return OutboundItem{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Priority:       n.Priority,
		Payload:        n.Payload,
		EnqueuedAt:     now,
	}
}

type OutboundQueue interface {
	TryEnqueue(item OutboundItem) bool
	Enqueue(ctx context.Context, item OutboundItem) bool
	Dequeue(ctx context.Context) (OutboundItem, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryOutboundQueue struct {
	ch chan OutboundItem
}

func NewInMemoryOutboundQueue(capacity int) OutboundQueue {
	if capacity <= 0 {
		capacity = defaultOutboundCapacity
	}
	return &inMemoryOutboundQueue{ch: make(chan OutboundItem, capacity)}
}

func (q *inMemoryOutboundQueue) TryEnqueue(item OutboundItem) bool {
	if item.NotificationID == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *inMemoryOutboundQueue) Enqueue(ctx context.Context, item OutboundItem) bool {
	if item.NotificationID == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryOutboundQueue) Dequeue(ctx context.Context) (OutboundItem, bool) {
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return OutboundItem{}, false
	}
}

func (q *inMemoryOutboundQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryOutboundQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryOutboundQueue) Close() error {
	return nil
}

// BuildOutboundQueueFromDSN picks a queue backend by scheme. An empty DSN
// means an in-memory queue.
func BuildOutboundQueueFromDSN(dsn string, capacity int) (OutboundQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryOutboundQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryOutboundQueue(capacity), nil
	case "", "file":
		path := dsn
		if scheme != "" {
			path = strings.TrimSpace(parsed.Path)
			if path == "" {
				path = strings.TrimSpace(parsed.Opaque)
			}
		}
		if path == "" {
			return nil, fmt.Errorf("%w: file queue path is required", ErrValidation)
		}
		return NewFileOutboundQueue(path, capacity)
	case "redis", "rediss", "postgres", "postgresql", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: outbound queue backend %s", ephemeral.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbound queue scheme: %s", scheme)
	}
}
