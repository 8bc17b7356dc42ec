package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/notify"
)

type recordingPusher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *recordingPusher) SendToUser(_ context.Context, _ string, evt hub.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update, ok := evt.Data.(Update); ok {
		p.updates = append(p.updates, update)
	}
	return 1, nil
}

func (p *recordingPusher) count(subscriptionID, kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.updates {
		if u.SubscriptionID == subscriptionID && (kind == "" || u.Type == kind) {
			n++
		}
	}
	return n
}

func (p *recordingPusher) lastOf(subscriptionID, kind string) (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.updates) - 1; i >= 0; i-- {
		if p.updates[i].SubscriptionID == subscriptionID && p.updates[i].Type == kind {
			return p.updates[i], true
		}
	}
	return Update{}, false
}

type recordingAlerter struct {
	mu       sync.Mutex
	requests []notify.Request
}

func (a *recordingAlerter) Send(_ context.Context, _ string, req notify.Request) (notify.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return notify.SendResult{NotificationID: "n"}, nil
}

func (a *recordingAlerter) ofType(kind string) []notify.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []notify.Request
	for _, req := range a.requests {
		if req.Type == kind {
			out = append(out, req)
		}
	}
	return out
}

// sequenceSource returns each step in order and then repeats the last one.
// A nil step is a fetch failure.
type sequenceSource struct {
	mu    sync.Mutex
	steps []Snapshot
	calls int
}

func (s *sequenceSource) Fetch(context.Context, Query) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	if s.steps[i] == nil {
		return nil, ErrUpstream
	}
	return s.steps[i].clone(), nil
}

func (s *sequenceSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newFastEngine(source Source, pusher Pusher, alerter Alerter) *Engine {
	return NewEngine(Options{
		Source:          source,
		Pusher:          pusher,
		Alerter:         alerter,
		DefaultInterval: 10 * time.Millisecond,
		MinInterval:     5 * time.Millisecond,
		MaxInterval:     time.Second,
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDiff(t *testing.T) {
	deltas := Diff(Snapshot{"engagementRate": 4.0, "reach": 100, "likes": 10}, Snapshot{"engagementRate": 6.0, "reach": 80, "likes": 10, "shares": 3})
	if got := deltas["engagementRate"]; got != (Delta{Absolute: 2, Percentage: 50, Direction: DirectionUp}) {
		t.Fatalf("unexpected engagement delta %+v", got)
	}
	if got := deltas["reach"]; got != (Delta{Absolute: -20, Percentage: -20, Direction: DirectionDown}) {
		t.Fatalf("unexpected reach delta %+v", got)
	}
	if got := deltas["likes"]; got.Direction != DirectionStable || got.Percentage != 0 {
		t.Fatalf("unexpected likes delta %+v", got)
	}
	if got := deltas["shares"]; got.Percentage != 100 || got.Direction != DirectionUp {
		t.Fatalf("expected new field to count from zero, got %+v", got)
	}
	if got := Diff(nil, Snapshot{"reach": 1}); len(got) != 0 {
		t.Fatalf("expected empty diff without previous snapshot, got %+v", got)
	}
	if got := Diff(Snapshot{"x": 0}, Snapshot{"x": -3})["x"]; got.Percentage != -100 {
		t.Fatalf("expected -100 from zero, got %+v", got)
	}
}

func TestSubscribePushesInitialSnapshotAndTicks(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{{"engagementRate": 4}, {"engagementRate": 6}}}
	pusher := &recordingPusher{}
	alerter := &recordingAlerter{}
	engine := newFastEngine(source, pusher, alerter)
	defer engine.Close()

	id, err := engine.Subscribe(context.Background(), "u1", Spec{Type: "engagement"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if pusher.count(id, UpdateInitial) != 1 {
		t.Fatalf("expected initial update to be pushed synchronously")
	}
	eventually(t, func() bool { return pusher.count(id, UpdateTick) >= 1 })

	first, _ := pusher.lastOf(id, UpdateTick)
	if first.Delta["engagementRate"].Percentage != 50 {
		t.Fatalf("expected 50%% engagement delta, got %+v", first.Delta)
	}
	eventually(t, func() bool { return len(alerter.ofType("analytics.engagement_spike")) == 1 })
	spike := alerter.ofType("analytics.engagement_spike")[0]
	if spike.Priority != notify.PriorityHigh || spike.Payload["subscriptionId"] != id {
		t.Fatalf("unexpected spike alert %+v", spike)
	}
}

func TestUnsubscribeStopsFurtherUpdates(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{{"reach": 1}}}
	pusher := &recordingPusher{}
	engine := newFastEngine(source, pusher, nil)
	defer engine.Close()

	id, err := engine.Subscribe(context.Background(), "u1", Spec{Type: "reach"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	eventually(t, func() bool { return pusher.count(id, UpdateTick) >= 2 })
	if err := engine.Unsubscribe("u1", id); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	after := pusher.count(id, "")
	time.Sleep(80 * time.Millisecond)
	if got := pusher.count(id, ""); got != after {
		t.Fatalf("expected no updates after unsubscribe, got %d more", got-after)
	}
	if err := engine.Unsubscribe("u1", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unsubscribe, got %v", err)
	}
	if engine.Stats().Active != 0 {
		t.Fatalf("expected no active subscriptions")
	}
}

func TestFetchFailuresDoNotCancelSubscription(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{nil, nil, nil, {"reach": 5}}}
	pusher := &recordingPusher{}
	engine := newFastEngine(source, pusher, nil)
	defer engine.Close()

	id, err := engine.Subscribe(context.Background(), "u1", Spec{Type: "reach"})
	if err != nil {
		t.Fatalf("expected subscribe to succeed despite initial fetch failure, got %v", err)
	}
	if pusher.count(id, UpdateInitial) != 0 {
		t.Fatalf("expected no initial update after failed fetch")
	}
	eventually(t, func() bool { return pusher.count(id, UpdateTick) >= 1 })
	if source.callCount() < 4 {
		t.Fatalf("expected failed ticks to be retried, got %d calls", source.callCount())
	}
	if engine.Stats().Active != 1 {
		t.Fatalf("expected subscription to stay active")
	}
}

func TestFailingSubscriptionDoesNotAffectSiblings(t *testing.T) {
	var mu sync.Mutex
	source := SourceFunc(func(_ context.Context, q Query) (Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if q.Type == "broken" {
			return nil, ErrUpstream
		}
		return Snapshot{"reach": 1}, nil
	})
	pusher := &recordingPusher{}
	engine := newFastEngine(source, pusher, nil)
	defer engine.Close()

	broken, _ := engine.Subscribe(context.Background(), "u1", Spec{Type: "broken"})
	healthy, _ := engine.Subscribe(context.Background(), "u1", Spec{Type: "reach"})
	eventually(t, func() bool { return pusher.count(healthy, UpdateTick) >= 2 })
	if pusher.count(broken, "") != 0 {
		t.Fatalf("expected no updates for failing subscription")
	}
	if engine.Stats().Active != 2 {
		t.Fatalf("expected both subscriptions active")
	}
}

func TestMilestoneFiresOnceOnChange(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{{"followers": 990}, {"followers": 1000}, {"followers": 1000}, {"followers": 1000}}}
	pusher := &recordingPusher{}
	alerter := &recordingAlerter{}
	engine := newFastEngine(source, pusher, alerter)
	defer engine.Close()

	id, _ := engine.Subscribe(context.Background(), "u1", Spec{Type: "followers"})
	eventually(t, func() bool { return pusher.count(id, UpdateTick) >= 4 })
	milestones := alerter.ofType("analytics.milestone")
	if len(milestones) != 1 {
		t.Fatalf("expected exactly one milestone alert, got %d", len(milestones))
	}
	if milestones[0].Payload["value"] != float64(1000) {
		t.Fatalf("unexpected milestone payload %+v", milestones[0].Payload)
	}
}

func TestSetThresholdsAppliesToNextTick(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{{"engagementRate": 4}, {"engagementRate": 5}}}
	alerter := &recordingAlerter{}
	pusher := &recordingPusher{}
	engine := newFastEngine(source, pusher, alerter)
	defer engine.Close()
	engine.SetThresholds(Thresholds{EngagementSpikePercent: 25})

	if got := engine.Thresholds().EngagementSpikePercent; got != 25 {
		t.Fatalf("expected threshold 25, got %v", got)
	}
	_, _ = engine.Subscribe(context.Background(), "u1", Spec{Type: "engagement"})
	eventually(t, func() bool { return len(alerter.ofType("analytics.engagement_spike")) == 1 })
}

func TestPushExternalMatchesTargets(t *testing.T) {
	source := &sequenceSource{steps: []Snapshot{{"reach": 1}}}
	pusher := &recordingPusher{}
	engine := NewEngine(Options{Source: source, Pusher: pusher})
	defer engine.Close()
	ctx := context.Background()

	doc, _ := engine.Subscribe(ctx, "u1", Spec{Type: "content", Target: &Target{DocumentID: "doc1"}})
	platform, _ := engine.Subscribe(ctx, "u1", Spec{Type: "platform", Target: &Target{Platform: "instagram"}})
	untargeted, _ := engine.Subscribe(ctx, "u1", Spec{Type: "overview"})
	other, _ := engine.Subscribe(ctx, "u2", Spec{Type: "overview"})

	matched, err := engine.PushExternal(ctx, "u1", map[string]any{"documentId": "doc1", "likes": 3})
	if err != nil || matched != 2 {
		t.Fatalf("expected 2 matches, got %d (%v)", matched, err)
	}
	if pusher.count(doc, UpdatePush) != 1 || pusher.count(untargeted, UpdatePush) != 1 {
		t.Fatalf("expected push updates for document and untargeted subscriptions")
	}
	if pusher.count(platform, UpdatePush) != 0 || pusher.count(other, UpdatePush) != 0 {
		t.Fatalf("expected no push for non-matching subscriptions")
	}
	if _, err := engine.PushExternal(ctx, "u1", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil data, got %v", err)
	}
}

func TestUnsubscribeAllListAndStats(t *testing.T) {
	engine := NewEngine(Options{Source: &sequenceSource{steps: []Snapshot{{"reach": 1}}}})
	defer engine.Close()
	ctx := context.Background()

	a, _ := engine.Subscribe(ctx, "u1", Spec{Type: "reach", UpdateInterval: 1})
	_, _ = engine.Subscribe(ctx, "u1", Spec{Type: "engagement", UpdateInterval: 9999})
	_, _ = engine.Subscribe(ctx, "u2", Spec{Type: "reach"})

	list := engine.List("u1")
	if len(list) != 2 {
		t.Fatalf("expected 2 subscriptions, got %+v", list)
	}
	intervals := map[string]int{}
	for _, info := range list {
		intervals[info.Type] = info.UpdateInterval
		if info.ID == a && (info.Snapshot["reach"] != 1 || info.LastUpdateAt == nil) {
			t.Fatalf("expected cached initial snapshot, got %+v", info)
		}
	}
	if intervals["reach"] != 10 || intervals["engagement"] != 300 {
		t.Fatalf("expected clamped intervals 10 and 300, got %+v", intervals)
	}
	stats := engine.Stats()
	if stats.Active != 3 || stats.ByType["reach"] != 2 || stats.ByType["engagement"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if err := engine.Unsubscribe("u2", a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound unsubscribing another user's subscription, got %v", err)
	}
	if n := engine.UnsubscribeAll("u1"); n != 2 {
		t.Fatalf("expected 2 stopped, got %d", n)
	}
	if n := engine.UnsubscribeAll("u1"); n != 0 {
		t.Fatalf("expected idempotent unsubscribe all, got %d", n)
	}
	if engine.Stats().Active != 1 {
		t.Fatalf("expected u2 subscription to remain")
	}
}

func TestSubscribeValidation(t *testing.T) {
	engine := NewEngine(Options{})
	defer engine.Close()
	ctx := context.Background()
	cases := map[string]Spec{
		"empty type":       {},
		"bad type":         {Type: "Not A Type"},
		"negative":         {Type: "reach", UpdateInterval: -5},
		"long document id": {Type: "reach", Target: &Target{DocumentID: string(make([]byte, 300))}},
	}
	for name, spec := range cases {
		if _, err := engine.Subscribe(ctx, "u1", spec); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	if _, err := engine.Subscribe(ctx, "", Spec{Type: "reach"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing user, got %v", err)
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	engine := NewEngine(Options{})
	engine.Close()
	if _, err := engine.Subscribe(context.Background(), "u1", Spec{Type: "reach"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClampIntervalDefaults(t *testing.T) {
	engine := NewEngine(Options{})
	defer engine.Close()
	if got := engine.clampInterval(0); got != 30*time.Second {
		t.Fatalf("expected default 30s, got %s", got)
	}
	if got := engine.clampInterval(3); got != 10*time.Second {
		t.Fatalf("expected floor 10s, got %s", got)
	}
	if got := engine.clampInterval(600); got != 300*time.Second {
		t.Fatalf("expected ceiling 300s, got %s", got)
	}
}
