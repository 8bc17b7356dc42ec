// Package analytics runs per-user analytics subscriptions. Each
// subscription polls its source on its own ticker, diffs the result against
// the previous snapshot, pushes the update to the owner and raises
// threshold alerts through the notification dispatcher.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/notify"
	"github.com/agentworkforce/relayhub/internal/observability"
	"github.com/agentworkforce/relayhub/internal/schema"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("subscription not found")
	ErrUpstream   = errors.New("analytics source unavailable")
	ErrClosed     = errors.New("analytics engine closed")
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultMinInterval  = 10 * time.Second
	DefaultMaxInterval  = 300 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

const (
	UpdateInitial = "initial"
	UpdateTick    = "update"
	UpdatePush    = "push"
)

type Target struct {
	DocumentID string `json:"documentId,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// Spec is what a client asks for. UpdateInterval is in seconds; zero means
// the default interval.
type Spec struct {
	Type           string         `json:"type"`
	Target         *Target        `json:"target,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	UpdateInterval int            `json:"updateInterval,omitempty"`
}

const specSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "pattern": "^[a-z][a-z0-9_.-]{0,63}$"},
		"target": {
			"type": "object",
			"properties": {
				"documentId": {"type": "string", "maxLength": 256},
				"platform": {"type": "string", "maxLength": 64}
			},
			"additionalProperties": false
		},
		"filters": {"type": "object"},
		"updateInterval": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

var schemas = schema.NewSet(map[string]string{"spec": specSchema})

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if err := schemas.ValidateValue("spec", s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

type SubscriptionInfo struct {
	ID             string         `json:"subscriptionId"`
	UserID         string         `json:"userId"`
	Type           string         `json:"type"`
	Target         *Target        `json:"target,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	UpdateInterval int            `json:"updateInterval"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdateAt   *time.Time     `json:"lastUpdateAt,omitempty"`
	Snapshot       Snapshot       `json:"snapshot,omitempty"`
}

type Stats struct {
	Active int            `json:"active"`
	ByType map[string]int `json:"byType"`
}

// Update is the payload of an analytics:update event.
type Update struct {
	SubscriptionID string           `json:"subscriptionId"`
	Type           string           `json:"type"`
	AnalyticsType  string           `json:"analyticsType"`
	Target         *Target          `json:"target,omitempty"`
	Data           any              `json:"data"`
	Delta          map[string]Delta `json:"delta,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Pusher delivers events to a user's connections. *hub.Registry
// satisfies it.
type Pusher interface {
	SendToUser(ctx context.Context, userID string, evt hub.Event) (int, error)
}

// Alerter raises notifications. *notify.Dispatcher satisfies it.
type Alerter interface {
	Send(ctx context.Context, userID string, req notify.Request) (notify.SendResult, error)
}

type Options struct {
	Source          Source
	Pusher          Pusher
	Alerter         Alerter
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	Thresholds      Thresholds
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	FetchTimeout    time.Duration
	Now             func() time.Time
}

type subscription struct {
	id        string
	userID    string
	kind      string
	target    *Target
	filters   map[string]any
	interval  time.Duration
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	last       Snapshot
	lastUpdate time.Time
}

func (s *subscription) query() Query {
	return Query{UserID: s.userID, Type: s.kind, Target: s.target, Filters: s.filters}
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SubscriptionInfo{
		ID:             s.id,
		UserID:         s.userID,
		Type:           s.kind,
		Target:         s.target,
		Filters:        s.filters,
		UpdateInterval: int(s.interval / time.Second),
		CreatedAt:      s.createdAt,
		Snapshot:       s.last.clone(),
	}
	if !s.lastUpdate.IsZero() {
		last := s.lastUpdate
		info.LastUpdateAt = &last
	}
	return info
}

// Engine owns every live subscription and its ticker goroutine.
type Engine struct {
	source       Source
	pusher       Pusher
	alerter      Alerter
	logger       *slog.Logger
	metrics      *observability.Metrics
	defaultEvery time.Duration
	minEvery     time.Duration
	maxEvery     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	thresholds   atomic.Pointer[Thresholds]

	mu     sync.Mutex
	subs   map[string]*subscription
	byUser map[string]map[string]struct{}
	closed bool
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	source := opts.Source
	if source == nil {
		source = UnconfiguredSource{}
	}
	minEvery := opts.MinInterval
	if minEvery <= 0 {
		minEvery = DefaultMinInterval
	}
	maxEvery := opts.MaxInterval
	if maxEvery <= 0 {
		maxEvery = DefaultMaxInterval
	}
	if maxEvery < minEvery {
		maxEvery = minEvery
	}
	defaultEvery := opts.DefaultInterval
	if defaultEvery <= 0 {
		defaultEvery = DefaultInterval
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	e := &Engine{
		source:       source,
		pusher:       opts.Pusher,
		alerter:      opts.Alerter,
		logger:       logger,
		metrics:      opts.Metrics,
		defaultEvery: defaultEvery,
		minEvery:     minEvery,
		maxEvery:     maxEvery,
		fetchTimeout: fetchTimeout,
		now:          now,
		subs:         map[string]*subscription{},
		byUser:       map[string]map[string]struct{}{},
	}
	e.SetThresholds(opts.Thresholds)
	return e
}

// SetThresholds replaces the alert rules for every subscription from the
// next tick on.
func (e *Engine) SetThresholds(t Thresholds) {
	normalized := t.normalized()
	e.thresholds.Store(&normalized)
}

func (e *Engine) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

func (e *Engine) clampInterval(seconds int) time.Duration {
	interval := time.Duration(seconds) * time.Second
	if seconds <= 0 {
		interval = e.defaultEvery
	}
	return min(max(interval, e.minEvery), e.maxEvery)
}

// Subscribe creates a subscription, pushes one initial snapshot and starts
// its ticker. A failed initial fetch is logged and the first tick retries.
func (e *Engine) Subscribe(ctx context.Context, userID string, spec Spec) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:        uuid.NewString(),
		userID:    userID,
		kind:      spec.Type,
		target:    spec.Target,
		filters:   spec.Filters,
		interval:  e.clampInterval(spec.UpdateInterval),
		createdAt: e.now().UTC(),
		ctx:       subCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	e.subs[sub.id] = sub
	if e.byUser[userID] == nil {
		e.byUser[userID] = map[string]struct{}{}
	}
	e.byUser[userID][sub.id] = struct{}{}
	count := len(e.subs)
	e.mu.Unlock()
	e.metrics.SetSubscriptions(count)

	if snapshot, err := e.fetch(ctx, sub); err == nil && sub.ctx.Err() == nil {
		sub.mu.Lock()
		sub.last = snapshot
		sub.lastUpdate = e.now().UTC()
		sub.mu.Unlock()
		e.push(sub, Update{
			SubscriptionID: sub.id,
			Type:           UpdateInitial,
			AnalyticsType:  sub.kind,
			Target:         sub.target,
			Data:           snapshot,
		})
	}

	go e.run(sub)
	e.logger.Info("analytics subscription started", "subscription_id", sub.id, "user_id", userID, "type", sub.kind, "interval", sub.interval.String())
	return sub.id, nil
}

func (e *Engine) run(sub *subscription) {
	defer close(sub.done)
	ticker := time.NewTicker(sub.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			e.tick(sub)
		}
	}
}

// tick never cancels the subscription. Failures wait for the next tick at
// the same interval.
func (e *Engine) tick(sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analytics tick panicked", "subscription_id", sub.id, "panic", r)
		}
	}()
	current, err := e.fetch(sub.ctx, sub)
	if err != nil {
		return
	}

	sub.mu.Lock()
	previous := sub.last
	sub.last = current
	sub.lastUpdate = e.now().UTC()
	sub.mu.Unlock()

	deltas := Diff(previous, current)
	if sub.ctx.Err() != nil {
		return
	}
	e.push(sub, Update{
		SubscriptionID: sub.id,
		Type:           UpdateTick,
		AnalyticsType:  sub.kind,
		Target:         sub.target,
		Data:           current,
		Delta:          deltas,
	})

	for _, a := range e.thresholds.Load().evaluate(sub.id, previous, current, deltas) {
		e.metrics.RecordAlert(string(a.kind))
		if e.alerter == nil {
			continue
		}
		if _, err := e.alerter.Send(sub.ctx, sub.userID, a.request); err != nil {
			e.logger.Warn("analytics alert failed", "subscription_id", sub.id, "user_id", sub.userID, "kind", string(a.kind), "error", err)
		}
	}
}

func (e *Engine) fetch(ctx context.Context, sub *subscription) (Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	started := time.Now()
	snapshot, err := e.source.Fetch(fetchCtx, sub.query())
	elapsed := time.Since(started)
	if err != nil {
		if sub.ctx.Err() != nil {
			return nil, err
		}
		result := "error"
		if isUpstream(err) {
			result = "upstream_error"
		}
		e.metrics.RecordAnalyticsTick(result, elapsed)
		e.logger.Warn("analytics fetch failed", "subscription_id", sub.id, "user_id", sub.userID, "type", sub.kind, "error", err)
		return nil, err
	}
	e.metrics.RecordAnalyticsTick("ok", elapsed)
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return snapshot, nil
}

func (e *Engine) push(sub *subscription, update Update) {
	if e.pusher == nil {
		return
	}
	update.Timestamp = e.now().UTC()
	if _, err := e.pusher.SendToUser(sub.ctx, sub.userID, hub.NewEvent(hub.OutboundAnalyticsUpdate, update)); err != nil {
		e.logger.Debug("analytics update not delivered", "subscription_id", sub.id, "user_id", sub.userID, "error", err)
	}
}

// Unsubscribe stops the subscription and waits for its goroutine to exit,
// so no update for it is pushed after Unsubscribe returns.
func (e *Engine) Unsubscribe(userID, subscriptionID string) error {
	e.mu.Lock()
	sub, ok := e.subs[subscriptionID]
	if !ok || sub.userID != userID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, subscriptionID)
	}
	e.removeLocked(sub)
	count := len(e.subs)
	e.mu.Unlock()

	e.stop(sub)
	e.metrics.SetSubscriptions(count)
	e.logger.Info("analytics subscription stopped", "subscription_id", sub.id, "user_id", userID)
	return nil
}

// UnsubscribeAll stops every subscription of userID and returns how many
// were stopped.
func (e *Engine) UnsubscribeAll(userID string) int {
	e.mu.Lock()
	var subs []*subscription
	for id := range e.byUser[userID] {
		subs = append(subs, e.subs[id])
	}
	for _, sub := range subs {
		e.removeLocked(sub)
	}
	count := len(e.subs)
	e.mu.Unlock()

	for _, sub := range subs {
		e.stop(sub)
	}
	if len(subs) > 0 {
		e.metrics.SetSubscriptions(count)
		e.logger.Info("analytics subscriptions stopped", "user_id", userID, "count", len(subs))
	}
	return len(subs)
}

func (e *Engine) removeLocked(sub *subscription) {
	delete(e.subs, sub.id)
	if set := e.byUser[sub.userID]; set != nil {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(e.byUser, sub.userID)
		}
	}
}

func (e *Engine) stop(sub *subscription) {
	sub.cancel()
	<-sub.done
}

// PushExternal sends data as a one-off update to every subscription of
// userID whose target matches it and returns the number matched.
func (e *Engine) PushExternal(ctx context.Context, userID string, data map[string]any) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if data == nil {
		return 0, fmt.Errorf("%w: data is required", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	matched := 0
	for _, sub := range e.userSubscriptions(userID) {
		if !targetMatches(sub.target, data) {
			continue
		}
		matched++
		e.push(sub, Update{
			SubscriptionID: sub.id,
			Type:           UpdatePush,
			AnalyticsType:  sub.kind,
			Target:         sub.target,
			Data:           data,
		})
	}
	return matched, nil
}

// targetMatches treats an untargeted subscription as matching everything.
// Each target field that is set must equal the same key in data.
func targetMatches(target *Target, data map[string]any) bool {
	if target == nil {
		return true
	}
	if target.DocumentID != "" && fmt.Sprint(data["documentId"]) != target.DocumentID {
		return false
	}
	if target.Platform != "" && fmt.Sprint(data["platform"]) != target.Platform {
		return false
	}
	return true
}

func (e *Engine) userSubscriptions(userID string) []*subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := make([]*subscription, 0, len(e.byUser[userID]))
	for id := range e.byUser[userID] {
		subs = append(subs, e.subs[id])
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].createdAt.Equal(subs[j].createdAt) {
			return subs[i].id < subs[j].id
		}
		return subs[i].createdAt.Before(subs[j].createdAt)
	})
	return subs
}

func (e *Engine) List(userID string) []SubscriptionInfo {
	subs := e.userSubscriptions(userID)
	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.info())
	}
	return infos
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{Active: len(e.subs), ByType: map[string]int{}}
	for _, sub := range e.subs {
		stats.ByType[sub.kind]++
	}
	return stats
}

// Close stops every subscription. Subscribe fails afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = map[string]*subscription{}
	e.byUser = map[string]map[string]struct{}{}
	e.mu.Unlock()
	for _, sub := range subs {
		e.stop(sub)
	}
	e.metrics.SetSubscriptions(0)
}
