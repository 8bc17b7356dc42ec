package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/schema"
)

const frameSchemaName = "frame"

const frameSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "minLength": 1, "maxLength": 64},
		"id": {"type": "string", "maxLength": 128},
		"data": {}
	},
	"additionalProperties": false
}`

const channelIDSchema = `{"type": "string", "minLength": 1, "maxLength": 256}`

const documentIDSchema = `{"type": "string", "minLength": 1, "maxLength": 256}`

// dataSchemas holds one schema per inbound kind, keyed by the wire name.
var dataSchemas = map[hub.Inbound]string{
	hub.InboundPresenceOnline: `{
		"type": "object",
		"properties": {"status": {"enum": ["online", "away", "busy", "offline"]}},
		"additionalProperties": false
	}`,
	hub.InboundPresenceOffline: `{
		"type": "object",
		"properties": {"status": {"enum": ["online", "away", "busy", "offline"]}},
		"additionalProperties": false
	}`,
	hub.InboundTypingStart: `{
		"type": "object",
		"required": ["channelId"],
		"properties": {"channelId": ` + channelIDSchema + `}
	}`,
	hub.InboundTypingStop: `{
		"type": "object",
		"required": ["channelId"],
		"properties": {"channelId": ` + channelIDSchema + `}
	}`,
	hub.InboundChannelJoin: `{
		"type": "object",
		"required": ["channelId"],
		"properties": {"channelId": ` + channelIDSchema + `}
	}`,
	hub.InboundChannelLeave: `{
		"type": "object",
		"required": ["channelId"],
		"properties": {"channelId": ` + channelIDSchema + `}
	}`,
	hub.InboundEditChange: `{
		"type": "object",
		"required": ["documentId", "delta"],
		"properties": {"documentId": ` + documentIDSchema + `, "delta": {}}
	}`,
	hub.InboundEditSave: `{
		"type": "object",
		"required": ["documentId"],
		"properties": {"documentId": ` + documentIDSchema + `}
	}`,
	hub.InboundLockAcquire: `{
		"type": "object",
		"required": ["documentId"],
		"properties": {
			"documentId": ` + documentIDSchema + `,
			"ttl": {"type": "integer", "minimum": 1, "maximum": 3600}
		}
	}`,
	hub.InboundLockRelease: `{
		"type": "object",
		"required": ["documentId"],
		"properties": {"documentId": ` + documentIDSchema + `}
	}`,
	hub.InboundAnalyticsSubscribe: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"target": {"type": "object"},
			"filters": {"type": "object"},
			"updateInterval": {"type": "integer", "minimum": 0}
		}
	}`,
	hub.InboundAnalyticsUnsubscribe: `{
		"type": "object",
		"required": ["subscriptionId"],
		"properties": {"subscriptionId": {"type": "string", "minLength": 1}}
	}`,
	hub.InboundNotificationMarkRead: `{
		"type": "object",
		"required": ["notificationId"],
		"properties": {"notificationId": {"type": "string", "minLength": 1}}
	}`,
	hub.InboundNotificationMarkAllRead: `{"type": "object"}`,
	hub.InboundMessageSend: `{
		"type": "object",
		"required": ["channelId", "content"],
		"properties": {
			"channelId": ` + channelIDSchema + `,
			"content": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"}
		}
	}`,
}

var frameSchemas = func() *schema.Set {
	sources := map[string]string{frameSchemaName: frameSchema}
	for kind, src := range dataSchemas {
		sources[kind.String()] = src
	}
	return schema.NewSet(sources)
}()

type inboundFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type frameError struct {
	code    string
	message string
}

func (e *frameError) Error() string {
	return e.code + ": " + e.message
}

// decodeFrame validates the envelope, resolves the event kind and checks
// its data against the kind's schema. The request id is returned even when
// a later step fails so the error can be correlated.
func decodeFrame(raw []byte) (hub.Inbound, inboundFrame, *frameError) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return 0, frame, &frameError{code: "invalid_frame", message: "frame must be a JSON object"}
	}
	if err := frameSchemas.Validate(frameSchemaName, raw); err != nil {
		return 0, frame, &frameError{code: "invalid_frame", message: err.Error()}
	}
	kind, ok := hub.ParseInbound(frame.Event)
	if !ok {
		return 0, frame, &frameError{code: "unknown_event", message: fmt.Sprintf("unknown event %q", frame.Event)}
	}
	if err := frameSchemas.Validate(kind.String(), frame.Data); err != nil {
		return kind, frame, &frameError{code: "validation_failed", message: err.Error()}
	}
	return kind, frame, nil
}
