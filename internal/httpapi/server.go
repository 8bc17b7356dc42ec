package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/chat"
	"github.com/agentworkforce/relayhub/internal/collab"
	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/notify"
	"github.com/agentworkforce/relayhub/internal/observability"
)

type ServerConfig struct {
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

// HealthReporter exposes the ephemeral store health for the status report.
// *ephemeral.Failover satisfies it.
type HealthReporter interface {
	Health() ephemeral.Health
}

// Options carries the components the control plane fronts. Nil components
// disable their routes with 503.
type Options struct {
	Auth          *auth.Authenticator
	Registry      *hub.Registry
	Notifications *notify.Dispatcher
	Relay         *notify.Relay
	Analytics     *analytics.Engine
	Locks         *collab.LockManager
	Chat          *chat.Service
	StoreHealth   HealthReporter
	Realtime      http.Handler
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

type Server struct {
	opts               Options
	cfg                ServerConfig
	logger             *slog.Logger
	metricsHandler     http.Handler
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts Options, cfg ServerConfig) *Server {
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		opts:               opts,
		cfg:                cfg,
		logger:             logger,
		metricsHandler:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

type routeHandler func(w http.ResponseWriter, r *http.Request, principal auth.Principal, parts []string, correlationID string)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}
	// The websocket upgrade needs the raw ResponseWriter and authenticates
	// on its own.
	if r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet {
		if s.opts.Realtime == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "realtime gateway is not enabled", getCorrelationID(r))
			return
		}
		s.opts.Realtime.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	if r.URL.Path == "/v1/internal/analytics-push" && r.Method == http.MethodPost {
		s.handleInternalAnalyticsPush(rec, r, correlationID)
		s.opts.Metrics.RecordHTTPRequest("internal_analytics_push", rec.status)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	route, privileged, handler := s.match(r.Method, parts)
	if handler == nil {
		writeError(rec, http.StatusNotFound, "not_found", "route not found", correlationID)
		s.opts.Metrics.RecordHTTPRequest("unmatched", rec.status)
		return
	}
	defer func() { s.opts.Metrics.RecordHTTPRequest(route, rec.status) }()

	principal, authErr := authorizeBearer(s.opts.Auth, r.Header.Get("Authorization"), privileged)
	if authErr != nil {
		if authErr.status == http.StatusForbidden {
			s.logger.Warn("privileged route rejected", "route", route, "user_id", principal.UserID, "correlation_id", correlationID)
		}
		writeError(rec, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(principal.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			rec.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(rec, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	handler(rec, r, principal, parts, correlationID)
}

// match resolves a route name, whether it needs the admin scope, and its
// handler.
func (s *Server) match(method string, parts []string) (string, bool, routeHandler) {
	if len(parts) < 2 || parts[0] != "v1" {
		return "", false, nil
	}
	switch {
	case len(parts) == 2 && parts[1] == "status" && method == http.MethodGet:
		return "status", false, s.handleStatus
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "send" && method == http.MethodPost:
		return "notifications_send", false, s.handleSendNotification
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "send-bulk" && method == http.MethodPost:
		return "notifications_send_bulk", true, s.handleSendBulk
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "pending" && method == http.MethodGet:
		return "notifications_pending", false, s.handlePending
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && method == http.MethodPut:
		return "notifications_read_all", false, s.handleMarkAllRead
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && method == http.MethodPut:
		return "notification_read", false, s.handleMarkRead
	case len(parts) == 3 && parts[1] == "analytics" && parts[2] == "subscribe" && method == http.MethodPost:
		return "analytics_subscribe", false, s.handleSubscribe
	case len(parts) == 3 && parts[1] == "analytics" && parts[2] == "subscriptions" && method == http.MethodGet:
		return "analytics_subscriptions", false, s.handleListSubscriptions
	case len(parts) == 4 && parts[1] == "analytics" && parts[2] == "subscribe" && method == http.MethodDelete:
		return "analytics_unsubscribe", false, s.handleUnsubscribe
	case len(parts) == 3 && parts[1] == "analytics" && parts[2] == "subscribe-all" && method == http.MethodDelete:
		return "analytics_unsubscribe_all", false, s.handleUnsubscribeAll
	case len(parts) == 3 && parts[1] == "analytics" && parts[2] == "push" && method == http.MethodPost:
		return "analytics_push", false, s.handleAnalyticsPush
	case len(parts) == 2 && parts[1] == "broadcast" && method == http.MethodPost:
		return "broadcast", true, s.handleBroadcast
	case len(parts) == 2 && parts[1] == "connected-users" && method == http.MethodGet:
		return "connected_users", true, s.handleConnectedUsers
	case len(parts) == 3 && parts[1] == "locks" && method == http.MethodGet:
		return "lock", false, s.handleLock
	case len(parts) == 4 && parts[1] == "channels" && parts[3] == "messages" && method == http.MethodGet:
		return "channel_messages", false, s.handleChannelMessages
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "outbound" && method == http.MethodGet:
		return "admin_outbound", true, s.handleAdminOutbound
	default:
		return "", false, nil
	}
}

// writeServiceError maps component sentinels onto the error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, notify.ErrValidation),
		errors.Is(err, analytics.ErrValidation),
		errors.Is(err, collab.ErrInvalidInput),
		errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, hub.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, notify.ErrNotFound), errors.Is(err, analytics.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, analytics.ErrUpstream):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error(), correlationID)
	case errors.Is(err, notify.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.Error("control plane request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func unavailable(w http.ResponseWriter, component, correlationID string) {
	writeError(w, http.StatusServiceUnavailable, "unavailable", component+" is not enabled", correlationID)
}

// getCorrelationID echoes the caller's id or generates one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
