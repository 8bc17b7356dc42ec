package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	online map[string]bool
	fail   map[string]bool
	sent   map[string][]hub.Event
}

func newFakeDeliverer(online ...string) *fakeDeliverer {
	d := &fakeDeliverer{online: map[string]bool{}, fail: map[string]bool{}, sent: map[string][]hub.Event{}}
	for _, user := range online {
		d.online[user] = true
	}
	return d
}

func (d *fakeDeliverer) IsOnline(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online[userID]
}

func (d *fakeDeliverer) SendToUser(_ context.Context, userID string, evt hub.Event) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[userID] {
		return 0, hub.ErrSendBufferFull
	}
	d.sent[userID] = append(d.sent[userID], evt)
	return 1, nil
}

func (d *fakeDeliverer) events(userID string, kind hub.Outbound) []hub.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []hub.Event
	for _, evt := range d.sent[userID] {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

type recordingOutbound struct {
	mu    sync.Mutex
	items []Notification
}

func (o *recordingOutbound) Submit(_ context.Context, n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, n)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, deliverer Deliverer, opts Options) (*Dispatcher, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if opts.Store == nil {
		opts.Store = ephemeral.NewMemoryStoreWithOptions(ephemeral.MemoryOptions{Now: clock.Now})
	}
	opts.Deliverer = deliverer
	opts.Now = clock.Now
	return NewDispatcher(opts), clock
}

func sampleRequest(title string) Request {
	return Request{Type: "comment", Title: title, Message: "someone replied"}
}

func TestSendToOnlineUserDeliversAndPersists(t *testing.T) {
	deliverer := newFakeDeliverer("u1")
	d, _ := newTestDispatcher(t, deliverer, Options{})
	ctx := context.Background()

	result, err := d.Send(ctx, "u1", sampleRequest("hello"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !result.Delivered || !result.Persisted || result.NotificationID == "" {
		t.Fatalf("expected delivered and persisted result, got %+v", result)
	}
	if got := len(deliverer.events("u1", hub.OutboundNotificationNew)); got != 1 {
		t.Fatalf("expected one notification:new event, got %d", got)
	}
	pending, err := d.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != result.NotificationID {
		t.Fatalf("expected the sent notification to be pending, got %+v", pending)
	}
	if !pending[0].Delivered || pending[0].Priority != PriorityMedium {
		t.Fatalf("expected delivered medium notification, got %+v", pending[0])
	}
}

func TestSendToOfflineUserQueuesOnly(t *testing.T) {
	deliverer := newFakeDeliverer()
	d, _ := newTestDispatcher(t, deliverer, Options{})

	result, err := d.Send(context.Background(), "u2", sampleRequest("queued"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Delivered || !result.Persisted {
		t.Fatalf("expected queued-only result, got %+v", result)
	}
	pending, _ := d.Pending(context.Background(), "u2")
	if len(pending) != 1 || pending[0].Delivered {
		t.Fatalf("expected one undelivered pending notification, got %+v", pending)
	}
}

func TestSendValidation(t *testing.T) {
	d, clock := newTestDispatcher(t, newFakeDeliverer(), Options{})
	ctx := context.Background()
	past := clock.Now().Add(-time.Minute)

	cases := map[string]struct {
		user string
		req  Request
	}{
		"missing user":    {"", sampleRequest("x")},
		"missing type":    {"u1", Request{Title: "t", Message: "m"}},
		"missing title":   {"u1", Request{Type: "comment", Title: "  ", Message: "m"}},
		"missing message": {"u1", Request{Type: "comment", Title: "t"}},
		"bad priority":    {"u1", Request{Type: "comment", Title: "t", Message: "m", Priority: "critical"}},
		"title too long":  {"u1", Request{Type: "comment", Title: strings.Repeat("a", 300), Message: "m"}},
		"expired":         {"u1", Request{Type: "comment", Title: "t", Message: "m", ExpiresAt: &past}},
	}
	for name, tc := range cases {
		if _, err := d.Send(ctx, tc.user, tc.req); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	if pending, _ := d.Pending(ctx, "u1"); len(pending) != 0 {
		t.Fatalf("expected no side effects from invalid sends, got %d pending", len(pending))
	}
}

func TestPendingIsNewestFirstAndBounded(t *testing.T) {
	d, clock := newTestDispatcher(t, newFakeDeliverer(), Options{MaxPending: 3})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, err := d.Send(ctx, "u1", sampleRequest(fmt.Sprintf("n%d", i))); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	pending, err := d.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	var titles []string
	for _, n := range pending {
		titles = append(titles, n.Title)
	}
	if strings.Join(titles, ",") != "n5,n4,n3" {
		t.Fatalf("expected n5,n4,n3, got %v", titles)
	}
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	deliverer := newFakeDeliverer("u1")
	d, _ := newTestDispatcher(t, deliverer, Options{})
	ctx := context.Background()

	first, _ := d.Send(ctx, "u1", sampleRequest("first"))
	_, _ = d.Send(ctx, "u1", sampleRequest("second"))
	_, _ = d.Send(ctx, "u1", sampleRequest("third"))

	if err := d.MarkRead(ctx, "u1", first.NotificationID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if err := d.MarkRead(ctx, "u1", first.NotificationID); err != nil {
		t.Fatalf("expected repeated mark read to succeed, got %v", err)
	}
	pending, _ := d.Pending(ctx, "u1")
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending after mark read, got %d", len(pending))
	}
	for _, n := range pending {
		if n.ID == first.NotificationID {
			t.Fatalf("expected %s to be hidden after mark read", first.NotificationID)
		}
	}

	updated, err := d.MarkAllRead(ctx, "u1")
	if err != nil || updated != 2 {
		t.Fatalf("expected 2 updated, got %d (%v)", updated, err)
	}
	if pending, _ := d.Pending(ctx, "u1"); len(pending) != 0 {
		t.Fatalf("expected empty pending after mark all read, got %d", len(pending))
	}
	updated, err = d.MarkAllRead(ctx, "u1")
	if err != nil || updated != 0 {
		t.Fatalf("expected idempotent mark all read, got %d (%v)", updated, err)
	}
	if got := len(deliverer.events("u1", hub.OutboundNotificationRead)); got != 2 {
		t.Fatalf("expected 2 notification:read events, got %d", got)
	}
}

func TestMarkReadUnknownNotification(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakeDeliverer(), Options{})
	err := d.MarkRead(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendBulkIsolatesRecipientFailures(t *testing.T) {
	deliverer := newFakeDeliverer("u1", "u2")
	deliverer.fail["u1"] = true
	d, _ := newTestDispatcher(t, deliverer, Options{})

	results, err := d.SendBulk(context.Background(), []string{"u1", "u2", " "}, sampleRequest("bulk"))
	if err != nil {
		t.Fatalf("bulk send failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].UserID != "u1" || results[0].Delivered {
		t.Fatalf("expected u1 undelivered, got %+v", results[0])
	}
	if results[1].UserID != "u2" || !results[1].Delivered {
		t.Fatalf("expected u2 delivered, got %+v", results[1])
	}
	if results[2].Error == "" {
		t.Fatalf("expected blank recipient to report an error")
	}
	if pending, _ := d.Pending(context.Background(), "u1"); len(pending) != 1 {
		t.Fatalf("expected u1 notification persisted despite failed delivery, got %d", len(pending))
	}
	if _, err := d.SendBulk(context.Background(), nil, sampleRequest("none")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty recipients, got %v", err)
	}
}

func TestExpiredNotificationsAreHiddenAndCleanedUp(t *testing.T) {
	d, clock := newTestDispatcher(t, newFakeDeliverer(), Options{})
	ctx := context.Background()
	soon := clock.Now().Add(time.Minute)

	_, _ = d.Send(ctx, "u1", Request{Type: "promo", Title: "flash sale", Message: "ends soon", ExpiresAt: &soon})
	kept, _ := d.Send(ctx, "u1", sampleRequest("keep"))
	read, _ := d.Send(ctx, "u1", sampleRequest("read"))
	if err := d.MarkRead(ctx, "u1", read.NotificationID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	pending, _ := d.Pending(ctx, "u1")
	if len(pending) != 1 || pending[0].ID != kept.NotificationID {
		t.Fatalf("expected only the unexpired unread notification, got %+v", pending)
	}

	removed, err := d.Cleanup(ctx, "u1")
	if err != nil || removed != 2 {
		t.Fatalf("expected cleanup to remove 2, got %d (%v)", removed, err)
	}
	removed, err = d.Cleanup(ctx, "u1")
	if err != nil || removed != 0 {
		t.Fatalf("expected second cleanup to remove nothing, got %d (%v)", removed, err)
	}
}

func TestHighPriorityIsRelayedOutOfBand(t *testing.T) {
	outbound := &recordingOutbound{}
	d, _ := newTestDispatcher(t, newFakeDeliverer(), Options{Outbound: outbound})
	ctx := context.Background()

	_, _ = d.Send(ctx, "u1", Request{Type: "alert", Title: "spike", Message: "engagement up", Priority: PriorityUrgent})
	_, _ = d.Send(ctx, "u1", Request{Type: "digest", Title: "weekly", Message: "summary", Priority: PriorityLow})

	outbound.mu.Lock()
	defer outbound.mu.Unlock()
	if len(outbound.items) != 1 || outbound.items[0].Priority != PriorityUrgent {
		t.Fatalf("expected only the urgent notification relayed, got %+v", outbound.items)
	}
}

func TestNotificationSurvivesReconnect(t *testing.T) {
	registry := hub.NewRegistry(hub.RegistryOptions{})
	d, _ := newTestDispatcher(t, registry, Options{})
	ctx := context.Background()

	sender := &inboxSender{}
	if err := registry.Register("c1", "u1", sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	result, err := d.Send(ctx, "u1", sampleRequest("durable"))
	if err != nil || !result.Delivered {
		t.Fatalf("expected live delivery, got %+v (%v)", result, err)
	}
	registry.Unregister("c1")
	if err := registry.Register("c2", "u1", &inboxSender{}); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	pending, _ := d.Pending(ctx, "u1")
	if len(pending) != 1 || pending[0].ID != result.NotificationID {
		t.Fatalf("expected notification to survive reconnect, got %+v", pending)
	}
}

type inboxSender struct {
	mu     sync.Mutex
	events []hub.Event
}

func (s *inboxSender) Send(evt hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type failingStore struct {
	ephemeral.Store
}

func (failingStore) ListPush(context.Context, string, string, int, time.Duration) error {
	return ephemeral.ErrUnavailable
}

func TestSendFailsOnlyWhenNeitherDeliveredNorPersisted(t *testing.T) {
	store := failingStore{Store: ephemeral.NewMemoryStore()}
	deliverer := newFakeDeliverer("online")
	d, _ := newTestDispatcher(t, deliverer, Options{Store: store})
	ctx := context.Background()

	result, err := d.Send(ctx, "online", sampleRequest("live only"))
	if err != nil || !result.Delivered || result.Persisted {
		t.Fatalf("expected delivered but unpersisted result, got %+v (%v)", result, err)
	}
	if _, err := d.Send(ctx, "offline", sampleRequest("lost")); !errors.Is(err, ephemeral.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// interleavingStore runs beforeReplace once, just before the first inbox
// rewrite reaches the store.
type interleavingStore struct {
	ephemeral.Store
	once          sync.Once
	beforeReplace func()
}

func (s *interleavingStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	s.once.Do(s.beforeReplace)
	return s.Store.ListReplace(ctx, key, values, ttl)
}

func TestSendDuringMarkAllReadIsNotLost(t *testing.T) {
	store := &interleavingStore{Store: ephemeral.NewMemoryStore()}
	d, _ := newTestDispatcher(t, nil, Options{Store: store})
	ctx := context.Background()

	if _, err := d.Send(ctx, "u1", sampleRequest("old")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	sent := make(chan SendResult, 1)
	store.beforeReplace = func() {
		go func() {
			result, err := d.Send(ctx, "u1", sampleRequest("fresh"))
			if err != nil {
				t.Errorf("concurrent send failed: %v", err)
			}
			sent <- result
		}()
		// Give the concurrent send time to reach the store if nothing
		// holds it back.
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := d.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}
	var fresh SendResult
	select {
	case fresh = <-sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("concurrent send never completed")
	}

	pending, err := d.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != fresh.NotificationID {
		t.Fatalf("expected only %s pending, got %+v", fresh.NotificationID, pending)
	}
}
