// Package collab arbitrates document edit locks and buffers document
// changes between saves.
//
// Locks are advisory. RecordChange never consults the lock to reject an
// edit; it only flags the change as conflicting so clients can react.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/observability"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultLockTTL        = 300 * time.Second
	DefaultChangeLogTTL   = time.Hour
	DefaultChangeLogMax   = 1000
	DefaultConflictWindow = 2 * time.Second
)

type Options struct {
	Store          ephemeral.Store
	Channels       *hub.Channels
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	LockTTL        time.Duration
	ChangeLogTTL   time.Duration
	ChangeLogMax   int
	ConflictWindow time.Duration
	Now            func() time.Time
}

type LockResult struct {
	DocumentID string    `json:"documentId"`
	Granted    bool      `json:"granted"`
	Holder     string    `json:"holder,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type ChangeRecord struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Delta      json.RawMessage `json:"delta"`
	Timestamp  time.Time       `json:"timestamp"`
	Conflict   bool            `json:"conflict,omitempty"`
	LockedBy   string          `json:"lockedBy,omitempty"`
}

type SaveResult struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Changes    int       `json:"changes"`
	SavedAt    time.Time `json:"savedAt"`
}

type lockEvent struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type LockManager struct {
	store          ephemeral.Store
	channels       *hub.Channels
	logger         *slog.Logger
	metrics        *observability.Metrics
	lockTTL        time.Duration
	changeLogTTL   time.Duration
	changeLogMax   int
	conflictWindow time.Duration
	now            func() time.Time
}

func NewLockManager(opts Options) *LockManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	changeLogTTL := opts.ChangeLogTTL
	if changeLogTTL <= 0 {
		changeLogTTL = DefaultChangeLogTTL
	}
	changeLogMax := opts.ChangeLogMax
	if changeLogMax <= 0 {
		changeLogMax = DefaultChangeLogMax
	}
	conflictWindow := opts.ConflictWindow
	if conflictWindow <= 0 {
		conflictWindow = DefaultConflictWindow
	}
	return &LockManager{
		store:          opts.Store,
		channels:       opts.Channels,
		logger:         logger,
		metrics:        opts.Metrics,
		lockTTL:        lockTTL,
		changeLogTTL:   changeLogTTL,
		changeLogMax:   changeLogMax,
		conflictWindow: conflictWindow,
		now:            now,
	}
}

func DocumentChannel(documentID string) string {
	return "document:" + documentID
}

func lockKey(documentID string) string {
	return "lock:document:" + documentID
}

func changesKey(documentID string) string {
	return "changes:document:" + documentID
}

// Acquire grants the lock when the document is unlocked or already held by
// userID, in which case the ttl is refreshed. A denial is a normal result
// carrying the current holder. A non-positive ttl uses the default.
func (m *LockManager) Acquire(ctx context.Context, documentID, userID string, ttl time.Duration) (LockResult, error) {
	if err := validateIDs(documentID, userID); err != nil {
		return LockResult{}, err
	}
	if ttl <= 0 {
		ttl = m.lockTTL
	}
	granted, holder, err := m.store.SetIfAbsentOrEqual(ctx, lockKey(documentID), userID, ttl)
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire lock for %s: %w", documentID, err)
	}
	result := LockResult{DocumentID: documentID, Granted: granted, Holder: holder}
	if !granted {
		m.metrics.RecordLock("denied")
		m.logger.Debug("lock denied", "document_id", documentID, "user_id", userID, "holder", holder)
		return result, nil
	}
	result.ExpiresAt = m.now().UTC().Add(ttl)
	m.metrics.RecordLock("granted")
	m.broadcast(documentID, hub.NewEvent(hub.OutboundLockAcquired, lockEvent{
		DocumentID: documentID,
		UserID:     userID,
		ExpiresAt:  result.ExpiresAt,
	}), "")
	return result, nil
}

// Release drops the lock only if userID holds it. Releasing an expired or
// foreign lock reports false without error.
func (m *LockManager) Release(ctx context.Context, documentID, userID string) (bool, error) {
	if err := validateIDs(documentID, userID); err != nil {
		return false, err
	}
	released, err := m.store.DeleteIfEqual(ctx, lockKey(documentID), userID)
	if err != nil {
		return false, fmt.Errorf("release lock for %s: %w", documentID, err)
	}
	if !released {
		m.metrics.RecordLock("noop")
		return false, nil
	}
	m.metrics.RecordLock("released")
	m.broadcast(documentID, hub.NewEvent(hub.OutboundLockReleased, lockEvent{
		DocumentID: documentID,
		UserID:     userID,
	}), "")
	return true, nil
}

// Holder returns the current lock holder, if any.
func (m *LockManager) Holder(ctx context.Context, documentID string) (string, bool, error) {
	if strings.TrimSpace(documentID) == "" {
		return "", false, ErrInvalidInput
	}
	holder, err := m.store.Get(ctx, lockKey(documentID))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, true, nil
}

// RecordChange appends delta to the document's change log and broadcasts
// it to the document channel, excluding the originating connection. The
// change is flagged as conflicting when another user holds the lock or
// another user changed the document within the conflict window.
func (m *LockManager) RecordChange(ctx context.Context, documentID, userID string, delta json.RawMessage, excludeConn string) (ChangeRecord, error) {
	if err := validateIDs(documentID, userID); err != nil {
		return ChangeRecord{}, err
	}
	if len(delta) == 0 || !json.Valid(delta) {
		return ChangeRecord{}, fmt.Errorf("%w: delta must be valid JSON", ErrInvalidInput)
	}
	record := ChangeRecord{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     userID,
		Delta:      delta,
		Timestamp:  m.now().UTC(),
	}

	if holder, locked, err := m.Holder(ctx, documentID); err != nil {
		m.logger.Warn("lock lookup failed", "document_id", documentID, "error", err)
	} else if locked && holder != userID {
		record.Conflict = true
		record.LockedBy = holder
	}
	if !record.Conflict {
		if previous, ok := m.latestChange(ctx, documentID); ok &&
			previous.UserID != userID && record.Timestamp.Sub(previous.Timestamp) < m.conflictWindow {
			record.Conflict = true
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return ChangeRecord{}, err
	}
	if err := m.store.ListPush(ctx, changesKey(documentID), string(payload), m.changeLogMax, m.changeLogTTL); err != nil {
		m.logger.Warn("change log append failed", "document_id", documentID, "user_id", userID, "error", err)
	}
	m.broadcast(documentID, hub.NewEvent(hub.OutboundEditChanges, record), excludeConn)
	return record, nil
}

// Changes returns the buffered changes oldest first.
func (m *LockManager) Changes(ctx context.Context, documentID string) ([]ChangeRecord, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	items, err := m.store.ListRange(ctx, changesKey(documentID), 0, -1)
	if err != nil {
		return nil, err
	}
	records := make([]ChangeRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var record ChangeRecord
		if err := json.Unmarshal([]byte(items[i]), &record); err != nil {
			m.logger.Warn("skipping malformed change record", "document_id", documentID, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ClearChanges drops the buffered log after a save and tells the document
// channel how many changes the save covered.
func (m *LockManager) ClearChanges(ctx context.Context, documentID, userID, excludeConn string) (SaveResult, error) {
	if err := validateIDs(documentID, userID); err != nil {
		return SaveResult{}, err
	}
	items, err := m.store.ListRange(ctx, changesKey(documentID), 0, -1)
	if err != nil {
		return SaveResult{}, err
	}
	if err := m.store.Delete(ctx, changesKey(documentID)); err != nil {
		return SaveResult{}, err
	}
	result := SaveResult{
		DocumentID: documentID,
		UserID:     userID,
		Changes:    len(items),
		SavedAt:    m.now().UTC(),
	}
	m.broadcast(documentID, hub.NewEvent(hub.OutboundEditSaved, result), excludeConn)
	return result, nil
}

func (m *LockManager) latestChange(ctx context.Context, documentID string) (ChangeRecord, bool) {
	items, err := m.store.ListRange(ctx, changesKey(documentID), 0, 0)
	if err != nil || len(items) == 0 {
		return ChangeRecord{}, false
	}
	var record ChangeRecord
	if err := json.Unmarshal([]byte(items[0]), &record); err != nil {
		return ChangeRecord{}, false
	}
	return record, true
}

func (m *LockManager) broadcast(documentID string, evt hub.Event, excludeConn string) {
	if m.channels == nil {
		return
	}
	m.channels.Broadcast(DocumentChannel(documentID), evt, excludeConn)
}

func validateIDs(documentID, userID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	return nil
}
