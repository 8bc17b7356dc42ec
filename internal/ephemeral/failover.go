package ephemeral

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Health is the store section of the status report.
type Health struct {
	Backend       string    `json:"backend"`
	Healthy       bool      `json:"healthy"`
	Degraded      bool      `json:"degraded"`
	LastError     string    `json:"lastError,omitempty"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	Failures      int64     `json:"failures"`
}

type FailoverOptions struct {
	Backend   string
	Logger    *slog.Logger
	Now       func() time.Time
	OnFailure func(op string)
}

// Failover serves every call from the primary store and falls back to an
// in-process MemoryStore when the primary fails. While degraded, online
// delivery keeps working but nothing written is durable or shared with
// other processes, and locks are only exclusive within this process.
type Failover struct {
	primary   Store
	fallback  *MemoryStore
	logger    *slog.Logger
	now       func() time.Time
	onFailure func(op string)

	mu     sync.Mutex
	health Health
}

func NewFailover(primary Store, opts FailoverOptions) *Failover {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backend := opts.Backend
	if backend == "" {
		backend = BackendName(primary)
	}
	return &Failover{
		primary:   primary,
		fallback:  NewMemoryStoreWithOptions(MemoryOptions{Now: now}),
		logger:    logger,
		now:       now,
		onFailure: opts.OnFailure,
		health: Health{
			Backend:       backend,
			Healthy:       true,
			LastCheckedAt: now(),
		},
	}
}

func (f *Failover) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	value, err := f.primary.Get(ctx, key)
	if f.failed(ctx, "get", err) {
		return f.fallback.Get(ctx, key)
	}
	return value, err
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, value, ttl)
	if f.failed(ctx, "set", err) {
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *Failover) Delete(ctx context.Context, keys ...string) error {
	err := f.primary.Delete(ctx, keys...)
	_ = f.fallback.Delete(ctx, keys...)
	if f.failed(ctx, "delete", err) {
		return nil
	}
	return err
}

func (f *Failover) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	granted, holder, err := f.primary.SetIfAbsentOrEqual(ctx, key, value, ttl)
	if f.failed(ctx, "set_if_absent_or_equal", err) {
		return f.fallback.SetIfAbsentOrEqual(ctx, key, value, ttl)
	}
	return granted, holder, err
}

func (f *Failover) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	deleted, err := f.primary.DeleteIfEqual(ctx, key, value)
	if f.failed(ctx, "delete_if_equal", err) {
		return f.fallback.DeleteIfEqual(ctx, key, value)
	}
	return deleted, err
}

func (f *Failover) ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error {
	err := f.primary.ListPush(ctx, key, value, maxLen, ttl)
	if f.failed(ctx, "list_push", err) {
		return f.fallback.ListPush(ctx, key, value, maxLen, ttl)
	}
	return err
}

func (f *Failover) ListRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	values, err := f.primary.ListRange(ctx, key, start, stop)
	if f.failed(ctx, "list_range", err) {
		return f.fallback.ListRange(ctx, key, start, stop)
	}
	return values, err
}

func (f *Failover) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	err := f.primary.ListReplace(ctx, key, values, ttl)
	if f.failed(ctx, "list_replace", err) {
		return f.fallback.ListReplace(ctx, key, values, ttl)
	}
	return err
}

func (f *Failover) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted, err := f.primary.DeletePattern(ctx, pattern)
	local, _ := f.fallback.DeletePattern(ctx, pattern)
	if f.failed(ctx, "delete_pattern", err) {
		return local, nil
	}
	return deleted, err
}

// Ping checks the primary and updates the health record. It returns the
// primary's error so callers can log it.
func (f *Failover) Ping(ctx context.Context) error {
	err := f.primary.Ping(ctx)
	f.failed(ctx, "ping", err)
	return err
}

func (f *Failover) Sweep(ctx context.Context) (int, error) {
	removed, _ := f.fallback.Sweep(ctx)
	sweeper, ok := f.primary.(Sweeper)
	if !ok {
		return removed, nil
	}
	n, err := sweeper.Sweep(ctx)
	if f.failed(ctx, "sweep", err) {
		return removed, err
	}
	return removed + n, err
}

func (f *Failover) Close() error {
	return f.primary.Close()
}

// failed records the outcome of a primary call and reports whether the
// caller should retry against the fallback.
func (f *Failover) failed(ctx context.Context, op string, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		f.recordSuccess()
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	f.mu.Lock()
	wasHealthy := f.health.Healthy
	f.health.Healthy = false
	f.health.Degraded = true
	f.health.LastError = err.Error()
	f.health.LastCheckedAt = f.now()
	f.health.Failures++
	f.mu.Unlock()

	if wasHealthy {
		f.logger.Warn("ephemeral store unavailable, serving from process memory", "backend", f.health.Backend, "op", op, "error", err)
	} else {
		f.logger.Debug("ephemeral store call failed", "op", op, "error", err)
	}
	if f.onFailure != nil {
		f.onFailure(op)
	}
	return true
}

func (f *Failover) recordSuccess() {
	f.mu.Lock()
	recovered := !f.health.Healthy
	f.health.Healthy = true
	f.health.Degraded = false
	f.health.LastCheckedAt = f.now()
	backend := f.health.Backend
	f.mu.Unlock()
	if recovered {
		f.logger.Info("ephemeral store recovered", "backend", backend)
	}
}

// BackendName reports the backend label of a store.
func BackendName(store Store) string {
	if named, ok := store.(interface{ Backend() string }); ok {
		return named.Backend()
	}
	return "custom"
}
