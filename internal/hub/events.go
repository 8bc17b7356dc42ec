package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound enumerates every event the server pushes to connections.
type Outbound uint8

const (
	OutboundConnected Outbound = iota + 1
	OutboundPresenceChanged
	OutboundTypingChanged
	OutboundChannelJoined
	OutboundChannelLeft
	OutboundChannelOccupancy
	OutboundEditChanges
	OutboundEditSaved
	OutboundLockAcquired
	OutboundLockReleased
	OutboundLockDenied
	OutboundAnalyticsUpdate
	OutboundAnalyticsSubscribed
	OutboundAnalyticsUnsubscribed
	OutboundNotificationNew
	OutboundNotificationRead
	OutboundMessageReceived
	OutboundError
)

var outboundNames = map[Outbound]string{
	OutboundConnected:             "connected",
	OutboundPresenceChanged:       "presence:changed",
	OutboundTypingChanged:         "typing:changed",
	OutboundChannelJoined:         "channel:joined",
	OutboundChannelLeft:           "channel:left",
	OutboundChannelOccupancy:      "channel:occupancy",
	OutboundEditChanges:           "edit:changes",
	OutboundEditSaved:             "edit:saved",
	OutboundLockAcquired:          "lock:acquired",
	OutboundLockReleased:          "lock:released",
	OutboundLockDenied:            "lock:denied",
	OutboundAnalyticsUpdate:       "analytics:update",
	OutboundAnalyticsSubscribed:   "analytics:subscribed",
	OutboundAnalyticsUnsubscribed: "analytics:unsubscribed",
	OutboundNotificationNew:       "notification:new",
	OutboundNotificationRead:      "notification:read",
	OutboundMessageReceived:       "message:received",
	OutboundError:                 "error",
}

func (k Outbound) String() string {
	if name, ok := outboundNames[k]; ok {
		return name
	}
	return fmt.Sprintf("outbound(%d)", uint8(k))
}

func (k Outbound) Valid() bool {
	_, ok := outboundNames[k]
	return ok
}

func ParseOutbound(name string) (Outbound, bool) {
	for kind, candidate := range outboundNames {
		if candidate == name {
			return kind, true
		}
	}
	return 0, false
}

// Inbound enumerates every event a client may send.
type Inbound uint8

const (
	InboundPresenceOnline Inbound = iota + 1
	InboundPresenceOffline
	InboundTypingStart
	InboundTypingStop
	InboundChannelJoin
	InboundChannelLeave
	InboundEditChange
	InboundEditSave
	InboundLockAcquire
	InboundLockRelease
	InboundAnalyticsSubscribe
	InboundAnalyticsUnsubscribe
	InboundNotificationMarkRead
	InboundNotificationMarkAllRead
	InboundMessageSend
)

var inboundNames = map[Inbound]string{
	InboundPresenceOnline:          "presence:online",
	InboundPresenceOffline:         "presence:offline",
	InboundTypingStart:             "typing:start",
	InboundTypingStop:              "typing:stop",
	InboundChannelJoin:             "channel:join",
	InboundChannelLeave:            "channel:leave",
	InboundEditChange:              "edit:change",
	InboundEditSave:                "edit:save",
	InboundLockAcquire:             "lock:acquire",
	InboundLockRelease:             "lock:release",
	InboundAnalyticsSubscribe:      "analytics:subscribe",
	InboundAnalyticsUnsubscribe:    "analytics:unsubscribe",
	InboundNotificationMarkRead:    "notification:mark-read",
	InboundNotificationMarkAllRead: "notification:mark-all-read",
	InboundMessageSend:             "message:send",
}

func (k Inbound) String() string {
	if name, ok := inboundNames[k]; ok {
		return name
	}
	return fmt.Sprintf("inbound(%d)", uint8(k))
}

func ParseInbound(name string) (Inbound, bool) {
	for kind, candidate := range inboundNames {
		if candidate == name {
			return kind, true
		}
	}
	return 0, false
}

// InboundKinds lists every inbound kind in declaration order.
func InboundKinds() []Inbound {
	kinds := make([]Inbound, 0, len(inboundNames))
	for kind := InboundPresenceOnline; kind <= InboundMessageSend; kind++ {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Event is one outbound frame.
type Event struct {
	Kind      Outbound
	RequestID string
	Data      any
	Timestamp time.Time
}

func NewEvent(kind Outbound, data any) Event {
	return Event{Kind: kind, Data: data, Timestamp: time.Now().UTC()}
}

// Reply tags an event as the answer to the inbound frame with requestID.
func (e Event) Reply(requestID string) Event {
	e.RequestID = requestID
	return e
}

type eventJSON struct {
	Event     string    `json:"event"`
	ID        string    `json:"id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("unknown outbound event kind %d", uint8(e.Kind))
	}
	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return json.Marshal(eventJSON{
		Event:     e.Kind.String(),
		ID:        e.RequestID,
		Data:      e.Data,
		Timestamp: timestamp,
	})
}

// Payloads shared by the hub and its callers.

type PresenceChange struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Occupancy struct {
	ChannelID string `json:"channelId"`
	Count     int    `json:"count"`
}

type TypingChange struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
