package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileOutboundQueue survives restarts by rewriting a JSON snapshot after
// every mutation.
type fileOutboundQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu    sync.Mutex
	items []OutboundItem
}

type fileOutboundQueueState struct {
	Items []OutboundItem `json:"items"`
}

func NewFileOutboundQueue(path string, capacity int) (OutboundQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrValidation
	}
	if capacity <= 0 {
		capacity = defaultOutboundCapacity
	}
	q := &fileOutboundQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []OutboundItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOutboundQueue) TryEnqueue(item OutboundItem) bool {
	if item.NotificationID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileOutboundQueue) Enqueue(ctx context.Context, item OutboundItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		if !q.wait(ctx) {
			return false
		}
	}
}

func (q *fileOutboundQueue) Dequeue(ctx context.Context) (OutboundItem, bool) {
	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		if !q.wait(ctx) {
			return OutboundItem{}, false
		}
	}
}

// pop removes the head only if the shortened snapshot was written.
func (q *fileOutboundQueue) pop() (OutboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundItem{}, false
	}
	head := q.items[0]
	rest := q.items[1:]
	previous := q.items
	q.items = rest
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return OutboundItem{}, false
	}
	return head, true
}

func (q *fileOutboundQueue) wait(ctx context.Context) bool {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *fileOutboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOutboundQueue) Capacity() int {
	return q.capacity
}

func (q *fileOutboundQueue) Close() error {
	return nil
}

func (q *fileOutboundQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var state fileOutboundQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Items) > q.capacity {
		q.items = append([]OutboundItem(nil), state.Items[len(state.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]OutboundItem(nil), state.Items...)
	return nil
}

func (q *fileOutboundQueue) saveLocked() error {
	data, err := json.Marshal(fileOutboundQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
