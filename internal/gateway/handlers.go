package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/collab"
	"github.com/agentworkforce/relayhub/internal/hub"
)

type channelData struct {
	ChannelID string `json:"channelId"`
}

type presenceData struct {
	Status string `json:"status"`
}

type editChangeData struct {
	DocumentID string          `json:"documentId"`
	Delta      json.RawMessage `json:"delta"`
}

type documentData struct {
	DocumentID string `json:"documentId"`
}

type lockAcquireData struct {
	DocumentID string `json:"documentId"`
	TTL        int    `json:"ttl"`
}

type subscriptionData struct {
	SubscriptionID string `json:"subscriptionId"`
}

type markReadData struct {
	NotificationID string `json:"notificationId"`
}

type messageData struct {
	ChannelID string         `json:"channelId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
}

type channelReply struct {
	ChannelID string `json:"channelId"`
	Count     int    `json:"count"`
	Left      *bool  `json:"left,omitempty"`
}

type lockReply struct {
	DocumentID string `json:"documentId"`
	Holder     string `json:"holder,omitempty"`
	Released   *bool  `json:"released,omitempty"`
}

type subscribedReply struct {
	SubscriptionID string `json:"subscriptionId"`
	Type           string `json:"type"`
	UpdateInterval int    `json:"updateInterval"`
}

func (h *Handler) dispatch(s *session, raw []byte) {
	kind, frame, ferr := decodeFrame(raw)
	if ferr != nil {
		label := "unknown"
		if kind != 0 {
			label = kind.String()
		}
		h.metrics.RecordInboundFrame(label, false)
		s.replyError(frame.ID, ferr.code, ferr.message)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, h.opTimeout)
	defer cancel()
	err := h.handle(ctx, s, kind, frame)
	h.metrics.RecordInboundFrame(kind.String(), err == nil)
	if err == nil {
		return
	}
	var fe *frameError
	if errors.As(err, &fe) {
		s.replyError(frame.ID, fe.code, fe.message)
		return
	}
	code := errorCode(err)
	if code == "internal_error" {
		s.logger.Warn("inbound event failed", "event", kind.String(), "error", err)
	}
	s.replyError(frame.ID, code, err.Error())
}

// handle matches every inbound kind. Adding a kind to hub.Inbound without a
// case here is reported to the client as unknown_event.
func (h *Handler) handle(ctx context.Context, s *session, kind hub.Inbound, frame inboundFrame) error {
	switch kind {
	case hub.InboundPresenceOnline:
		return h.handlePresence(s, frame, hub.StatusOnline)
	case hub.InboundPresenceOffline:
		return h.handlePresence(s, frame, "away")
	case hub.InboundTypingStart:
		return h.handleTyping(s, frame, true)
	case hub.InboundTypingStop:
		return h.handleTyping(s, frame, false)
	case hub.InboundChannelJoin:
		return h.handleJoin(s, frame)
	case hub.InboundChannelLeave:
		return h.handleLeave(s, frame)
	case hub.InboundEditChange:
		return h.handleEditChange(ctx, s, frame)
	case hub.InboundEditSave:
		return h.handleEditSave(ctx, s, frame)
	case hub.InboundLockAcquire:
		return h.handleLockAcquire(ctx, s, frame)
	case hub.InboundLockRelease:
		return h.handleLockRelease(ctx, s, frame)
	case hub.InboundAnalyticsSubscribe:
		return h.handleSubscribe(ctx, s, frame)
	case hub.InboundAnalyticsUnsubscribe:
		return h.handleUnsubscribe(s, frame)
	case hub.InboundNotificationMarkRead:
		return h.handleMarkRead(ctx, s, frame)
	case hub.InboundNotificationMarkAllRead:
		return h.handleMarkAllRead(ctx, s)
	case hub.InboundMessageSend:
		return h.handleMessage(ctx, s, frame)
	default:
		return &frameError{code: "unknown_event", message: fmt.Sprintf("unknown event %q", frame.Event)}
	}
}

func decodeData(frame inboundFrame, v any) error {
	if len(frame.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return &frameError{code: "validation_failed", message: err.Error()}
	}
	return nil
}

func unavailable(component string) error {
	return &frameError{code: "unavailable", message: component + " is not enabled"}
}

func (h *Handler) handlePresence(s *session, frame inboundFrame, fallback string) error {
	var data presenceData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	status := data.Status
	if status == "" {
		status = fallback
	}
	h.registry.SetStatus(s.userID, status)
	return nil
}

func (h *Handler) handleTyping(s *session, frame inboundFrame, typing bool) error {
	var data channelData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if !h.channels.IsMember(s.id, data.ChannelID) {
		return &frameError{code: "not_member", message: "join " + data.ChannelID + " before typing in it"}
	}
	if typing {
		h.typing.Start(s.id, s.userID, data.ChannelID)
	} else {
		h.typing.Stop(s.id, s.userID, data.ChannelID)
	}
	return nil
}

func (h *Handler) handleJoin(s *session, frame inboundFrame) error {
	var data channelData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if hub.IsPrivateChannel(data.ChannelID) && data.ChannelID != hub.UserChannel(s.userID) {
		return &frameError{code: "forbidden", message: "cannot join another user's private channel"}
	}
	count, err := h.channels.Join(s.id, data.ChannelID)
	if err != nil {
		return err
	}
	s.reply(frame.ID, hub.OutboundChannelJoined, channelReply{ChannelID: data.ChannelID, Count: count})
	return nil
}

func (h *Handler) handleLeave(s *session, frame inboundFrame) error {
	var data channelData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if hub.IsPrivateChannel(data.ChannelID) {
		return &frameError{code: "forbidden", message: "private channels cannot be left"}
	}
	count, left := h.channels.Leave(s.id, data.ChannelID)
	if left {
		h.typing.ClearChannel(s.id, data.ChannelID)
	}
	s.reply(frame.ID, hub.OutboundChannelLeft, channelReply{ChannelID: data.ChannelID, Count: count, Left: &left})
	return nil
}

// joinDocument subscribes the connection to the document's broadcasts.
func (h *Handler) joinDocument(s *session, documentID string) error {
	if h.channels.IsMember(s.id, collab.DocumentChannel(documentID)) {
		return nil
	}
	_, err := h.channels.Join(s.id, collab.DocumentChannel(documentID))
	return err
}

func (h *Handler) handleEditChange(ctx context.Context, s *session, frame inboundFrame) error {
	if h.locks == nil {
		return unavailable("collaboration")
	}
	var data editChangeData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if err := h.joinDocument(s, data.DocumentID); err != nil {
		return err
	}
	_, err := h.locks.RecordChange(ctx, data.DocumentID, s.userID, data.Delta, s.id)
	return err
}

func (h *Handler) handleEditSave(ctx context.Context, s *session, frame inboundFrame) error {
	if h.locks == nil {
		return unavailable("collaboration")
	}
	var data documentData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if err := h.joinDocument(s, data.DocumentID); err != nil {
		return err
	}
	result, err := h.locks.ClearChanges(ctx, data.DocumentID, s.userID, s.id)
	if err != nil {
		return err
	}
	s.reply(frame.ID, hub.OutboundEditSaved, result)
	return nil
}

// handleLockAcquire answers a denial directly. A grant reaches the
// requester through the document channel broadcast.
func (h *Handler) handleLockAcquire(ctx context.Context, s *session, frame inboundFrame) error {
	if h.locks == nil {
		return unavailable("collaboration")
	}
	var data lockAcquireData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if err := h.joinDocument(s, data.DocumentID); err != nil {
		return err
	}
	result, err := h.locks.Acquire(ctx, data.DocumentID, s.userID, time.Duration(data.TTL)*time.Second)
	if err != nil {
		return err
	}
	if !result.Granted {
		s.reply(frame.ID, hub.OutboundLockDenied, lockReply{DocumentID: data.DocumentID, Holder: result.Holder})
	}
	return nil
}

func (h *Handler) handleLockRelease(ctx context.Context, s *session, frame inboundFrame) error {
	if h.locks == nil {
		return unavailable("collaboration")
	}
	var data documentData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	released, err := h.locks.Release(ctx, data.DocumentID, s.userID)
	if err != nil {
		return err
	}
	if !released {
		s.reply(frame.ID, hub.OutboundLockReleased, lockReply{DocumentID: data.DocumentID, Released: &released})
	}
	return nil
}

// handleSubscribe replies after the initial snapshot has been pushed, so
// clients may see analytics:update before analytics:subscribed.
func (h *Handler) handleSubscribe(ctx context.Context, s *session, frame inboundFrame) error {
	if h.analytics == nil {
		return unavailable("analytics")
	}
	var spec analytics.Spec
	if err := decodeData(frame, &spec); err != nil {
		return err
	}
	id, err := h.analytics.Subscribe(ctx, s.userID, spec)
	if err != nil {
		return err
	}
	reply := subscribedReply{SubscriptionID: id, Type: spec.Type}
	for _, info := range h.analytics.List(s.userID) {
		if info.ID == id {
			reply.UpdateInterval = info.UpdateInterval
			break
		}
	}
	s.reply(frame.ID, hub.OutboundAnalyticsSubscribed, reply)
	return nil
}

func (h *Handler) handleUnsubscribe(s *session, frame inboundFrame) error {
	if h.analytics == nil {
		return unavailable("analytics")
	}
	var data subscriptionData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if err := h.analytics.Unsubscribe(s.userID, data.SubscriptionID); err != nil {
		return err
	}
	s.reply(frame.ID, hub.OutboundAnalyticsUnsubscribed, data)
	return nil
}

// Read receipts reach every connection of the user, this one included,
// through the dispatcher's notification:read event.
func (h *Handler) handleMarkRead(ctx context.Context, s *session, frame inboundFrame) error {
	if h.notifications == nil {
		return unavailable("notifications")
	}
	var data markReadData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	return h.notifications.MarkRead(ctx, s.userID, data.NotificationID)
}

func (h *Handler) handleMarkAllRead(ctx context.Context, s *session) error {
	if h.notifications == nil {
		return unavailable("notifications")
	}
	_, err := h.notifications.MarkAllRead(ctx, s.userID)
	return err
}

func (h *Handler) handleMessage(ctx context.Context, s *session, frame inboundFrame) error {
	if h.chat == nil {
		return unavailable("messages")
	}
	var data messageData
	if err := decodeData(frame, &data); err != nil {
		return err
	}
	if !h.channels.IsMember(s.id, data.ChannelID) {
		return &frameError{code: "not_member", message: "join " + data.ChannelID + " before sending to it"}
	}
	_, err := h.chat.Send(ctx, data.ChannelID, s.userID, data.Content, data.Metadata)
	return err
}
