package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/notify"
)

const maxBulkTargets = 1000

type sendNotificationRequest struct {
	TargetUserID string         `json:"targetUserId"`
	Notification notify.Request `json:"notification"`
}

type sendBulkRequest struct {
	TargetUserIDs []string       `json:"targetUserIds"`
	Notification  notify.Request `json:"notification"`
}

// handleSendNotification lets a caller notify themselves; notifying anyone
// else needs the admin scope.
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Notifications == nil {
		unavailable(w, "notifications", correlationID)
		return
	}
	var req sendNotificationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	target := strings.TrimSpace(req.TargetUserID)
	if target == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "targetUserId is required", correlationID)
		return
	}
	if target != principal.UserID && !principal.Admin {
		s.logger.Warn("notification to another user rejected", "user_id", principal.UserID, "target_user_id", target, "correlation_id", correlationID)
		writeError(w, http.StatusForbidden, "forbidden", "cannot notify another user", correlationID)
		return
	}
	result, err := s.opts.Notifications.Send(r.Context(), target, req.Notification)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request, _ auth.Principal, _ []string, correlationID string) {
	if s.opts.Notifications == nil {
		unavailable(w, "notifications", correlationID)
		return
	}
	var req sendBulkRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.TargetUserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "targetUserIds is required", correlationID)
		return
	}
	if len(req.TargetUserIDs) > maxBulkTargets {
		writeError(w, http.StatusBadRequest, "bad_request", "too many targetUserIds", correlationID)
		return
	}
	results, err := s.opts.Notifications.SendBulk(r.Context(), req.TargetUserIDs, req.Notification)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Notifications == nil {
		unavailable(w, "notifications", correlationID)
		return
	}
	items, err := s.opts.Notifications.Pending(r.Context(), principal.UserID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, principal auth.Principal, parts []string, correlationID string) {
	if s.opts.Notifications == nil {
		unavailable(w, "notifications", correlationID)
		return
	}
	if err := s.opts.Notifications.MarkRead(r.Context(), principal.UserID, parts[2]); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notificationId": parts[2], "updated": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Notifications == nil {
		unavailable(w, "notifications", correlationID)
		return
	}
	count, err := s.opts.Notifications.MarkAllRead(r.Context(), principal.UserID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": count})
}
