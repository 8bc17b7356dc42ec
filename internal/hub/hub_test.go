package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSender) Send(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrSendBufferFull
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSender) kinds() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]Outbound, 0, len(s.events))
	for _, evt := range s.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func (s *recordingSender) count(kind Outbound) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *recordingSender) last(kind Outbound) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind == kind {
			return s.events[i], true
		}
	}
	return Event{}, false
}

func (s *recordingSender) presence(userID, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evt := range s.events {
		change, ok := evt.Data.(PresenceChange)
		if evt.Kind == OutboundPresenceChanged && ok && change.UserID == userID && change.Status == status {
			n++
		}
	}
	return n
}

func mustRegister(t *testing.T, r *Registry, connID, userID string) *recordingSender {
	t.Helper()
	sender := &recordingSender{}
	if err := r.Register(connID, userID, sender); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	return sender
}

func TestPresenceFlipsOnlyOnFirstAndLastConnection(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	observer := mustRegister(t, r, "obs", "watcher")

	mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "alice")
	mustRegister(t, r, "c3", "alice")
	if got := observer.presence("alice", StatusOnline); got != 1 {
		t.Fatalf("expected one online announcement, got %d", got)
	}

	r.Unregister("c1")
	r.Unregister("c2")
	if !r.IsOnline("alice") {
		t.Fatalf("expected alice online with one connection left")
	}
	if got := observer.presence("alice", StatusOffline); got != 0 {
		t.Fatalf("expected no offline announcement yet, got %d", got)
	}

	r.Unregister("c3")
	if r.IsOnline("alice") {
		t.Fatalf("expected alice offline")
	}
	r.Unregister("c3")
	if got := observer.presence("alice", StatusOffline); got != 1 {
		t.Fatalf("expected exactly one offline announcement, got %d", got)
	}
}

func TestRegisterIsIdempotentAndValidates(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	sender := mustRegister(t, r, "c1", "alice")
	if err := r.Register("c1", "alice", sender); err != nil {
		t.Fatalf("expected re-register to be a no-op, got %v", err)
	}
	if got := r.ConnectionsOf("alice"); len(got) != 1 {
		t.Fatalf("expected one connection, got %v", got)
	}
	if err := r.Register("c1", "bob", sender); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for reused id, got %v", err)
	}
	if err := r.Register("", "bob", sender); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
	r.Unregister("never-registered")
}

func TestAllOnlineUsersAndConnectionInfo(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	mustRegister(t, r, "c1", "bob")
	mustRegister(t, r, "c2", "alice")
	if _, err := r.Channels().Join("c1", "team"); err != nil {
		t.Fatalf("join: %v", err)
	}

	users := r.AllOnlineUsers()
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", users)
	}
	info, ok := r.Connection("c1")
	if !ok {
		t.Fatalf("expected connection info")
	}
	if info.UserID != "bob" || len(info.Channels) != 2 || info.Channels[0] != "team" || info.Channels[1] != UserChannel("bob") {
		t.Fatalf("unexpected connection info %+v", info)
	}
	if r.ConnectionCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", r.ConnectionCount())
	}
}

func TestOccupancyAfterThreeJoinsAndOneLeave(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	channels := r.Channels()
	for _, id := range []string{"c1", "c2", "c3"} {
		mustRegister(t, r, id, "user-"+id)
		if _, err := channels.Join(id, "doc-room"); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	count, left := channels.Leave("c2", "doc-room")
	if !left || count != 2 {
		t.Fatalf("expected occupancy 2 after leave, got %d (left=%v)", count, left)
	}
	if got := channels.Occupancy("doc-room"); got != 2 {
		t.Fatalf("expected occupancy 2, got %d", got)
	}
	if _, left := channels.Leave("c2", "doc-room"); left {
		t.Fatalf("expected second leave to be a no-op")
	}
}

func TestJoinAnnouncesOccupancyToMembers(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	first := mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "bob")
	_, _ = r.Channels().Join("c1", "room")
	_, _ = r.Channels().Join("c2", "room")
	_, _ = r.Channels().Join("c2", "room")

	evt, ok := first.last(OutboundChannelOccupancy)
	if !ok {
		t.Fatalf("expected occupancy event")
	}
	occupancy := evt.Data.(Occupancy)
	if occupancy.ChannelID != "room" || occupancy.Count != 2 {
		t.Fatalf("unexpected occupancy %+v", occupancy)
	}
	if got := first.count(OutboundChannelOccupancy); got != 2 {
		t.Fatalf("expected 2 occupancy events (no repeat for duplicate join), got %d", got)
	}
}

func TestJoinRequiresRegisteredConnection(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	if _, err := r.Channels().Join("ghost", "room"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestUnregisterLeavesEveryChannelAndAnnouncesOnce(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	watcher := mustRegister(t, r, "w", "watcher")
	mustRegister(t, r, "c1", "alice")
	channels := r.Channels()
	for _, ch := range []string{"a", "b"} {
		_, _ = channels.Join("w", ch)
		_, _ = channels.Join("c1", ch)
	}
	before := watcher.count(OutboundChannelOccupancy)

	r.Unregister("c1")
	if got := watcher.count(OutboundChannelOccupancy) - before; got != 2 {
		t.Fatalf("expected one occupancy event per affected channel, got %d", got)
	}
	if channels.Occupancy("a") != 1 || channels.Occupancy("b") != 1 {
		t.Fatalf("expected occupancy 1 in both channels")
	}
	if got := channels.JoinedBy("c1"); len(got) != 0 {
		t.Fatalf("expected no memberships left, got %v", got)
	}
}

func TestBroadcastExcludesSenderAndIsolatesFailures(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	origin := mustRegister(t, r, "c1", "alice")
	broken := mustRegister(t, r, "c2", "bob")
	healthy := mustRegister(t, r, "c3", "carol")
	for _, id := range []string{"c1", "c2", "c3"} {
		_, _ = r.Channels().Join(id, "room")
	}
	broken.fail = true

	result := r.Channels().Broadcast("room", NewEvent(OutboundEditChanges, map[string]any{"v": 1}), "c1")
	if result.Recipients != 2 || result.Delivered != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if origin.count(OutboundEditChanges) != 0 {
		t.Fatalf("expected sender to be excluded")
	}
	if healthy.count(OutboundEditChanges) != 1 {
		t.Fatalf("expected healthy member to receive the event")
	}
}

func TestBroadcastPreservesSendOrderPerRecipient(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	receiver := mustRegister(t, r, "c1", "alice")
	_, _ = r.Channels().Join("c1", "room")
	for i := 0; i < 20; i++ {
		r.Channels().Broadcast("room", NewEvent(OutboundMessageReceived, i), "")
	}
	seen := -1
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	for _, evt := range receiver.events {
		if evt.Kind != OutboundMessageReceived {
			continue
		}
		n := evt.Data.(int)
		if n != seen+1 {
			t.Fatalf("expected message %d, got %d", seen+1, n)
		}
		seen = n
	}
	if seen != 19 {
		t.Fatalf("expected 20 messages, got %d", seen+1)
	}
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	phone := mustRegister(t, r, "phone", "alice")
	laptop := mustRegister(t, r, "laptop", "alice")

	delivered, err := r.SendToUser(context.Background(), "alice", NewEvent(OutboundNotificationNew, "n1"))
	if err != nil || delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d (%v)", delivered, err)
	}
	if phone.count(OutboundNotificationNew) != 1 || laptop.count(OutboundNotificationNew) != 1 {
		t.Fatalf("expected both devices to receive the notification")
	}

	delivered, err = r.SendToUser(context.Background(), "nobody", NewEvent(OutboundNotificationNew, "n1"))
	if err != nil || delivered != 0 {
		t.Fatalf("expected offline user to get 0 deliveries without error, got %d (%v)", delivered, err)
	}

	phone.fail = true
	laptop.fail = true
	if _, err := r.SendToUser(context.Background(), "alice", NewEvent(OutboundNotificationNew, "n2")); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
}

func TestSetStatusBroadcastsToOthers(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	self := mustRegister(t, r, "c1", "alice")
	other := mustRegister(t, r, "c2", "bob")
	r.SetStatus("alice", "away")
	if other.presence("alice", "away") != 1 {
		t.Fatalf("expected bob to see alice away")
	}
	if self.presence("alice", "away") != 0 {
		t.Fatalf("expected alice not to receive her own status")
	}
}

func TestConcurrentRegisterAndJoin(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "c" + strings.Repeat("x", i)
			if err := r.Register(id, "alice", &recordingSender{}); err != nil {
				t.Errorf("register: %v", err)
				return
			}
			_, _ = r.Channels().Join(id, "room")
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	if got := r.Channels().Occupancy("room"); got != 25 {
		t.Fatalf("expected 25 members, got %d", got)
	}
	if got := len(r.ConnectionsOf("alice")); got != 25 {
		t.Fatalf("expected 25 connections, got %d", got)
	}
}

func TestEventJSONAndKindParsing(t *testing.T) {
	evt := NewEvent(OutboundLockAcquired, map[string]string{"documentId": "d1"}).Reply("req-1")
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event"] != "lock:acquired" || decoded["id"] != "req-1" {
		t.Fatalf("unexpected frame %s", data)
	}
	if _, err := json.Marshal(Event{Kind: Outbound(200)}); err == nil {
		t.Fatalf("expected unknown kind to fail marshalling")
	}

	for _, kind := range InboundKinds() {
		parsed, ok := ParseInbound(kind.String())
		if !ok || parsed != kind {
			t.Fatalf("expected %s to parse back, got %v", kind, parsed)
		}
	}
	if len(InboundKinds()) != len(inboundNames) {
		t.Fatalf("expected every inbound kind to be listed")
	}
	if _, ok := ParseInbound("presence:teleport"); ok {
		t.Fatalf("expected unknown inbound kind to be rejected")
	}
	if kind, ok := ParseOutbound("analytics:update"); !ok || kind != OutboundAnalyticsUpdate {
		t.Fatalf("expected analytics:update to parse")
	}
}

func TestTypingStartBroadcastsAndExpires(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	typist := mustRegister(t, r, "c1", "alice")
	peer := mustRegister(t, r, "c2", "bob")
	_, _ = r.Channels().Join("c1", "room")
	_, _ = r.Channels().Join("c2", "room")

	typing := NewTyping(r.Channels(), 30*time.Millisecond)
	defer typing.Close()
	typing.Start("c1", "alice", "room")
	typing.Start("c1", "alice", "room")

	if peer.count(OutboundTypingChanged) != 1 {
		t.Fatalf("expected one typing start for peer, got %d", peer.count(OutboundTypingChanged))
	}
	if typist.count(OutboundTypingChanged) != 0 {
		t.Fatalf("expected typist not to receive own indicator")
	}

	deadline := time.Now().Add(time.Second)
	for peer.count(OutboundTypingChanged) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	evt, _ := peer.last(OutboundTypingChanged)
	if change := evt.Data.(TypingChange); change.Typing {
		t.Fatalf("expected expiry to broadcast typing stopped")
	}
	if len(typing.Active("room")) != 0 {
		t.Fatalf("expected no active typists")
	}
}

func TestTypingClearConnection(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	mustRegister(t, r, "c1", "alice")
	peer := mustRegister(t, r, "c2", "bob")
	_, _ = r.Channels().Join("c1", "room")
	_, _ = r.Channels().Join("c2", "room")

	typing := NewTyping(r.Channels(), time.Minute)
	defer typing.Close()
	typing.Start("c1", "alice", "room")
	typing.ClearConnection("c1")

	if peer.count(OutboundTypingChanged) != 2 {
		t.Fatalf("expected start and stop, got %d", peer.count(OutboundTypingChanged))
	}
	typing.Stop("c1", "alice", "room")
	if peer.count(OutboundTypingChanged) != 2 {
		t.Fatalf("expected stop after clear to be a no-op")
	}
}

func TestTypingClearChannelOnlyTouchesThatChannel(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	mustRegister(t, r, "c1", "alice")
	peer := mustRegister(t, r, "c2", "bob")
	for _, channelID := range []string{"room", "lobby"} {
		_, _ = r.Channels().Join("c1", channelID)
		_, _ = r.Channels().Join("c2", channelID)
	}

	typing := NewTyping(r.Channels(), time.Minute)
	defer typing.Close()
	typing.Start("c1", "alice", "room")
	typing.Start("c1", "alice", "lobby")
	typing.ClearChannel("c2", "room")
	if len(typing.Active("room")) != 1 {
		t.Fatalf("expected another connection's clear to leave alice typing, got %v", typing.Active("room"))
	}
	typing.ClearChannel("c1", "room")

	if active := typing.Active("room"); len(active) != 0 {
		t.Fatalf("expected no typists in room, got %v", active)
	}
	if active := typing.Active("lobby"); len(active) != 1 || active[0] != "alice" {
		t.Fatalf("expected alice still typing in lobby, got %v", active)
	}
	if peer.count(OutboundTypingChanged) != 3 {
		t.Fatalf("expected two starts and one stop, got %d", peer.count(OutboundTypingChanged))
	}
}
