package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/observability"
)

const (
	DefaultMaxPending = 100
	DefaultTTL        = 30 * 24 * time.Hour

	userLockStripes = 64
)

// Deliverer pushes events to a user's live connections. *hub.Registry
// satisfies it.
type Deliverer interface {
	IsOnline(userID string) bool
	SendToUser(ctx context.Context, userID string, evt hub.Event) (int, error)
}

// Outbound accepts notifications for out-of-band delivery.
type Outbound interface {
	Submit(ctx context.Context, n Notification) error
}

type Options struct {
	Store      ephemeral.Store
	Deliverer  Deliverer
	Outbound   Outbound
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	MaxPending int
	TTL        time.Duration
	Now        func() time.Time
}

type SendResult struct {
	NotificationID string `json:"notificationId"`
	Delivered      bool   `json:"delivered"`
	Persisted      bool   `json:"persisted"`
}

type BulkResult struct {
	UserID         string `json:"userId"`
	NotificationID string `json:"notificationId,omitempty"`
	Delivered      bool   `json:"delivered"`
	Error          string `json:"error,omitempty"`
}

type readEvent struct {
	NotificationIDs []string `json:"notificationIds,omitempty"`
	All             bool     `json:"all,omitempty"`
	Count           int      `json:"count"`
}

// Dispatcher owns the per-user durable inbox stored under
// notifications:<userId>, newest first.
type Dispatcher struct {
	store      ephemeral.Store
	deliverer  Deliverer
	outbound   Outbound
	logger     *slog.Logger
	metrics    *observability.Metrics
	maxPending int
	ttl        time.Duration
	now        func() time.Time

	userLocks [userLockStripes]sync.Mutex
}

func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Dispatcher{
		store:      opts.Store,
		deliverer:  opts.Deliverer,
		outbound:   opts.Outbound,
		logger:     logger,
		metrics:    opts.Metrics,
		maxPending: maxPending,
		ttl:        ttl,
		now:        now,
	}
}

func inboxKey(userID string) string {
	return "notifications:" + userID
}

// Send delivers the notification to userID's live connections when the
// user is online and always appends it to the durable inbox. It fails only
// when the request is invalid or the notification was neither delivered
// nor persisted.
func (d *Dispatcher) Send(ctx context.Context, userID string, req Request) (SendResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SendResult{}, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return SendResult{}, err
	}
	now := d.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return SendResult{}, fmt.Errorf("%w: expiresAt must be in the future", ErrValidation)
	}
	return d.send(ctx, userID, req, now)
}

func (d *Dispatcher) send(ctx context.Context, userID string, req Request, now time.Time) (SendResult, error) {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Priority:  req.Priority,
		Payload:   req.Payload,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}

	if d.deliverer != nil && d.deliverer.IsOnline(userID) {
		count, err := d.deliverer.SendToUser(ctx, userID, hub.NewEvent(hub.OutboundNotificationNew, n))
		if err != nil {
			d.logger.Warn("notification delivery failed", "user_id", userID, "notification_id", n.ID, "error", err)
		}
		n.Delivered = err == nil && count > 0
	}

	result := SendResult{NotificationID: n.ID, Delivered: n.Delivered}
	persistErr := d.persist(ctx, n)
	if persistErr != nil {
		d.logger.Warn("notification persist failed", "user_id", userID, "notification_id", n.ID, "error", persistErr)
	} else {
		result.Persisted = true
	}

	if n.Priority.OutOfBand() && d.outbound != nil {
		if err := d.outbound.Submit(ctx, n); err != nil {
			d.logger.Warn("out-of-band submit failed", "user_id", userID, "notification_id", n.ID, "error", err)
		}
	}

	switch {
	case result.Delivered:
		d.metrics.RecordNotification("delivered")
	case result.Persisted:
		d.metrics.RecordNotification("queued")
	default:
		d.metrics.RecordNotification("failed")
		return result, fmt.Errorf("notification %s for %s was not delivered: %w", n.ID, userID, persistErr)
	}
	d.logger.Debug("notification sent", "user_id", userID, "notification_id", n.ID, "delivered", result.Delivered, "priority", string(n.Priority))
	return result, nil
}

// persist appends under the user's inbox lock so a concurrent read-modify-
// write in MarkRead, MarkAllRead or Cleanup cannot overwrite the new entry.
// The store has no list compare-and-swap, so this holds within one process
// only.
func (d *Dispatcher) persist(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	unlock := d.lockUser(n.UserID)
	defer unlock()
	return d.store.ListPush(ctx, inboxKey(n.UserID), string(payload), d.maxPending, d.ttl)
}

// SendBulk sends the same notification to every user concurrently. One
// recipient's failure does not affect the others. Results keep the order
// of userIDs.
func (d *Dispatcher) SendBulk(ctx context.Context, userIDs []string, req Request) ([]BulkResult, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := d.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiresAt must be in the future", ErrValidation)
	}

	results := make([]BulkResult, len(userIDs))
	var wg sync.WaitGroup
	for i, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		results[i].UserID = userID
		if userID == "" {
			results[i].Error = "userId is required"
			continue
		}
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("bulk send panicked", "user_id", userID, "panic", r)
					results[i].Error = fmt.Sprintf("panic: %v", r)
				}
			}()
			sent, err := d.send(ctx, userID, req, now)
			results[i].NotificationID = sent.NotificationID
			results[i].Delivered = sent.Delivered
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, userID)
	}
	wg.Wait()
	return results, nil
}

// Pending returns unread, unexpired notifications newest first.
func (d *Dispatcher) Pending(ctx context.Context, userID string) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	entries, err := d.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	pending := make([]Notification, 0, len(entries))
	for _, entry := range entries {
		if entry.ok && !entry.n.Read && !entry.n.expired(now) {
			pending = append(pending, entry.n)
		}
	}
	return pending, nil
}

// MarkRead flips the read flag on one notification by rewriting the inbox.
// Marking an already read notification succeeds without a write.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" || notificationID == "" {
		return fmt.Errorf("%w: userId and notificationId are required", ErrValidation)
	}
	unlock := d.lockUser(userID)
	defer unlock()

	entries, err := d.load(ctx, userID)
	if err != nil {
		return err
	}
	index := -1
	for i, entry := range entries {
		if entry.ok && entry.n.ID == notificationID {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, notificationID)
	}
	if entries[index].n.Read {
		return nil
	}
	entries[index].n.Read = true
	entries[index].dirty = true
	if err := d.rewrite(ctx, userID, entries); err != nil {
		return err
	}
	d.notifyRead(ctx, userID, readEvent{NotificationIDs: []string{notificationID}, Count: 1})
	return nil
}

// MarkAllRead marks every unread notification read and returns how many
// changed. A second call changes nothing and writes nothing.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	unlock := d.lockUser(userID)
	defer unlock()

	entries, err := d.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	updated := 0
	for i := range entries {
		if entries[i].ok && !entries[i].n.Read {
			entries[i].n.Read = true
			entries[i].dirty = true
			updated++
		}
	}
	if updated == 0 {
		return 0, nil
	}
	if err := d.rewrite(ctx, userID, entries); err != nil {
		return 0, err
	}
	d.notifyRead(ctx, userID, readEvent{All: true, Count: updated})
	return updated, nil
}

// Cleanup drops read and expired notifications and returns how many were
// removed.
func (d *Dispatcher) Cleanup(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	unlock := d.lockUser(userID)
	defer unlock()

	entries, err := d.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := d.now().UTC()
	kept := entries[:0]
	for _, entry := range entries {
		if entry.ok && (entry.n.Read || entry.n.expired(now)) {
			continue
		}
		kept = append(kept, entry)
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if len(kept) == 0 {
		return removed, d.store.Delete(ctx, inboxKey(userID))
	}
	return removed, d.rewrite(ctx, userID, kept)
}

// inboxEntry keeps the raw stored value so entries that fail to decode
// survive a rewrite untouched.
type inboxEntry struct {
	raw   string
	n     Notification
	ok    bool
	dirty bool
}

func (d *Dispatcher) load(ctx context.Context, userID string) ([]inboxEntry, error) {
	items, err := d.store.ListRange(ctx, inboxKey(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("load notifications for %s: %w", userID, err)
	}
	entries := make([]inboxEntry, len(items))
	for i, raw := range items {
		entries[i].raw = raw
		if err := json.Unmarshal([]byte(raw), &entries[i].n); err != nil {
			d.logger.Warn("skipping malformed notification", "user_id", userID, "error", err)
			continue
		}
		entries[i].ok = true
	}
	return entries, nil
}

func (d *Dispatcher) rewrite(ctx context.Context, userID string, entries []inboxEntry) error {
	values := make([]string, len(entries))
	for i, entry := range entries {
		if !entry.dirty {
			values[i] = entry.raw
			continue
		}
		payload, err := json.Marshal(entry.n)
		if err != nil {
			return err
		}
		values[i] = string(payload)
	}
	if err := d.store.ListReplace(ctx, inboxKey(userID), values, d.ttl); err != nil {
		return fmt.Errorf("rewrite notifications for %s: %w", userID, err)
	}
	return nil
}

func (d *Dispatcher) notifyRead(ctx context.Context, userID string, payload readEvent) {
	if d.deliverer == nil || !d.deliverer.IsOnline(userID) {
		return
	}
	if _, err := d.deliverer.SendToUser(ctx, userID, hub.NewEvent(hub.OutboundNotificationRead, payload)); err != nil {
		d.logger.Debug("read receipt not delivered", "user_id", userID, "error", err)
	}
}

// lockUser serializes inbox rewrites for one user within this process.
func (d *Dispatcher) lockUser(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &d.userLocks[h.Sum32()%userLockStripes]
	mu.Lock()
	return mu.Unlock
}
