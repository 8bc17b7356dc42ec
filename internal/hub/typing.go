package hub

import (
	"sync"
	"time"
)

const DefaultTypingTTL = 8 * time.Second

type typingKey struct {
	channelID string
	userID    string
}

type typingEntry struct {
	connID string
	timer  *time.Timer
	gen    uint64
}

// Typing broadcasts typing indicators and clears ones whose stop never
// arrived.
type Typing struct {
	mu       sync.Mutex
	entries  map[typingKey]*typingEntry
	channels *Channels
	ttl      time.Duration
}

func NewTyping(channels *Channels, ttl time.Duration) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{
		entries:  map[typingKey]*typingEntry{},
		channels: channels,
		ttl:      ttl,
	}
}

func (t *Typing) Start(connID, userID, channelID string) {
	key := typingKey{channelID: channelID, userID: userID}
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		t.entries[key] = entry
	}
	entry.connID = connID
	entry.gen++
	gen := entry.gen
	entry.timer = time.AfterFunc(t.ttl, func() { t.expire(key, gen) })
	t.mu.Unlock()

	if !ok {
		t.announce(key, connID, true)
	}
}

func (t *Typing) Stop(connID, userID, channelID string) {
	key := typingKey{channelID: channelID, userID: userID}
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		entry.timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if ok {
		t.announce(key, connID, false)
	}
}

// ClearConnection stops every indicator started from connID.
func (t *Typing) ClearConnection(connID string) {
	t.mu.Lock()
	var cleared []typingKey
	for key, entry := range t.entries {
		if entry.connID == connID {
			entry.timer.Stop()
			delete(t.entries, key)
			cleared = append(cleared, key)
		}
	}
	t.mu.Unlock()
	for _, key := range cleared {
		t.announce(key, connID, false)
	}
}

// ClearChannel stops the indicator connID started in channelID, if any.
func (t *Typing) ClearChannel(connID, channelID string) {
	t.mu.Lock()
	var cleared []typingKey
	for key, entry := range t.entries {
		if entry.connID == connID && key.channelID == channelID {
			entry.timer.Stop()
			delete(t.entries, key)
			cleared = append(cleared, key)
		}
	}
	t.mu.Unlock()
	for _, key := range cleared {
		t.announce(key, connID, false)
	}
}

func (t *Typing) Active(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for key := range t.entries {
		if key.channelID == channelID {
			users = append(users, key.userID)
		}
	}
	return users
}

func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	connID := entry.connID
	t.mu.Unlock()
	t.announce(key, connID, false)
}

func (t *Typing) announce(key typingKey, exclude string, typing bool) {
	t.channels.Broadcast(key.channelID, NewEvent(OutboundTypingChanged, TypingChange{
		ChannelID: key.channelID,
		UserID:    key.userID,
		Typing:    typing,
	}), exclude)
}
