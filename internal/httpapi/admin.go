package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/chat"
	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
)

type statusResponse struct {
	IsOnline           bool                 `json:"isOnline"`
	ConnectionInfo     []hub.ConnectionInfo `json:"connectionInfo"`
	ConnectedUserCount int                  `json:"connectedUserCount"`
	SubscriptionStats  analytics.Stats      `json:"subscriptionStats"`
	Store              *ephemeral.Health    `json:"store,omitempty"`
}

type broadcastRequest struct {
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// handleStatus reports the caller's presence alongside process-wide counts.
// A degraded store shows up here rather than as request failures.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Registry == nil {
		unavailable(w, "registry", correlationID)
		return
	}
	resp := statusResponse{
		IsOnline:           s.opts.Registry.IsOnline(principal.UserID),
		ConnectionInfo:     s.opts.Registry.ConnectionInfos(principal.UserID),
		ConnectedUserCount: len(s.opts.Registry.AllOnlineUsers()),
		SubscriptionStats:  analytics.Stats{ByType: map[string]int{}},
	}
	if s.opts.Analytics != nil {
		resp.SubscriptionStats = s.opts.Analytics.Stats()
	}
	if s.opts.StoreHealth != nil {
		health := s.opts.StoreHealth.Health()
		resp.Store = &health
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBroadcast sends an event to one channel, or to every connection
// when channelId is empty.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, _ auth.Principal, _ []string, correlationID string) {
	if s.opts.Registry == nil {
		unavailable(w, "registry", correlationID)
		return
	}
	var req broadcastRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	kind, ok := hub.ParseOutbound(strings.TrimSpace(req.Event))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown event: "+req.Event, correlationID)
		return
	}
	evt := hub.NewEvent(kind, req.Data)
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		delivered := s.opts.Registry.BroadcastAll(evt, "")
		writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
		return
	}
	result := s.opts.Registry.Channels().Broadcast(channelID, evt, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"channelId":  channelID,
		"delivered":  result.Delivered,
		"recipients": result.Recipients,
		"failed":     result.Failed,
	})
}

func (s *Server) handleConnectedUsers(w http.ResponseWriter, _ *http.Request, _ auth.Principal, _ []string, correlationID string) {
	if s.opts.Registry == nil {
		unavailable(w, "registry", correlationID)
		return
	}
	users := s.opts.Registry.AllOnlineUsers()
	writeJSON(w, http.StatusOK, map[string]any{
		"users":       users,
		"count":       len(users),
		"connections": s.opts.Registry.ConnectionCount(),
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, _ auth.Principal, parts []string, correlationID string) {
	if s.opts.Locks == nil {
		unavailable(w, "collaboration", correlationID)
		return
	}
	holder, locked, err := s.opts.Locks.Holder(r.Context(), parts[2])
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": parts[2],
		"locked":     locked,
		"holder":     holder,
	})
}

// handleChannelMessages keeps private user channels readable only by their
// owner and admins. Other channels are readable by admins and by users with a
// live connection joined to the channel.
func (s *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request, principal auth.Principal, parts []string, correlationID string) {
	if s.opts.Chat == nil {
		unavailable(w, "messages", correlationID)
		return
	}
	channelID := parts[2]
	if hub.IsPrivateChannel(channelID) && channelID != hub.UserChannel(principal.UserID) && !principal.Admin {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's private channel", correlationID)
		return
	}
	if !hub.IsPrivateChannel(channelID) && !principal.Admin && !s.joinedByUser(principal.UserID, channelID) {
		writeError(w, http.StatusForbidden, "forbidden", "join the channel to read its history", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 100)
	messages, err := s.opts.Chat.History(r.Context(), channelID, limit)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "messages": messages})
}

func (s *Server) joinedByUser(userID, channelID string) bool {
	if s.opts.Registry == nil {
		return false
	}
	channels := s.opts.Registry.Channels()
	for _, connID := range s.opts.Registry.ConnectionsOf(userID) {
		if channels.IsMember(connID, channelID) {
			return true
		}
	}
	return false
}

func (s *Server) handleAdminOutbound(w http.ResponseWriter, _ *http.Request, _ auth.Principal, _ []string, _ string) {
	if s.opts.Relay == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	status := s.opts.Relay.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     true,
		"depth":       status.Depth,
		"capacity":    status.Capacity,
		"delivered":   status.Delivered,
		"retried":     status.Retried,
		"deadLetters": status.DeadLetters,
	})
}
