package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/auth"
)

type analyticsPushRequest struct {
	TargetUserID string         `json:"targetUserId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Data         map[string]any `json:"data"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}
	var spec analytics.Spec
	if !s.decodeJSONBody(w, r, correlationID, &spec) {
		return
	}
	id, err := s.opts.Analytics.Subscribe(r.Context(), principal.UserID, spec)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"subscriptionId": id})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}
	subs := s.opts.Analytics.List(principal.UserID)
	if subs == nil {
		subs = []analytics.SubscriptionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, _ *http.Request, principal auth.Principal, parts []string, correlationID string) {
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}
	if err := s.opts.Analytics.Unsubscribe(principal.UserID, parts[3]); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptionId": parts[3], "unsubscribed": true})
}

func (s *Server) handleUnsubscribeAll(w http.ResponseWriter, _ *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}
	count := s.opts.Analytics.UnsubscribeAll(principal.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"unsubscribed": count})
}

// handleAnalyticsPush injects data into the caller's subscriptions, or into
// another user's when the caller holds the admin scope.
func (s *Server) handleAnalyticsPush(w http.ResponseWriter, r *http.Request, principal auth.Principal, _ []string, correlationID string) {
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}
	var req analyticsPushRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	target := strings.TrimSpace(req.TargetUserID)
	if target == "" {
		target = principal.UserID
	}
	if target != principal.UserID && !principal.Admin {
		s.logger.Warn("analytics push to another user rejected", "user_id", principal.UserID, "target_user_id", target, "correlation_id", correlationID)
		writeError(w, http.StatusForbidden, "forbidden", "cannot push analytics to another user", correlationID)
		return
	}
	matched, err := s.opts.Analytics.PushExternal(r.Context(), target, req.Data)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"matched": matched})
}

// handleInternalAnalyticsPush serves backend services that sign requests
// with the shared HMAC secret instead of holding a user token.
func (s *Server) handleInternalAnalyticsPush(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if s.opts.Analytics == nil {
		unavailable(w, "analytics", correlationID)
		return
	}

	var req analyticsPushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	matched, err := s.opts.Analytics.PushExternal(r.Context(), req.UserID, req.Data)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"matched": matched})
}
