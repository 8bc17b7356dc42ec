// Package gateway terminates real-time websocket connections, registers
// them with the hub and dispatches inbound frames to the coordination
// components.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/chat"
	"github.com/agentworkforce/relayhub/internal/collab"
	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/notify"
	"github.com/agentworkforce/relayhub/internal/observability"
)

const (
	DefaultPingInterval  = 30 * time.Second
	DefaultSendBuffer    = 64
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxFrameBytes = 64 << 10
	DefaultOpTimeout     = 10 * time.Second
)

type Options struct {
	Auth          *auth.Authenticator
	Registry      *hub.Registry
	Typing        *hub.Typing
	Locks         *collab.LockManager
	Chat          *chat.Service
	Notifications *notify.Dispatcher
	Analytics     *analytics.Engine
	Logger        *slog.Logger
	Metrics       *observability.Metrics

	PingInterval  time.Duration
	SendBuffer    int
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	OpTimeout     time.Duration

	// OriginPatterns lists hosts allowed to open connections from a
	// browser. InsecureSkipVerify disables the origin check entirely.
	OriginPatterns     []string
	InsecureSkipVerify bool
}

type Handler struct {
	auth          *auth.Authenticator
	registry      *hub.Registry
	channels      *hub.Channels
	typing        *hub.Typing
	locks         *collab.LockManager
	chat          *chat.Service
	notifications *notify.Dispatcher
	analytics     *analytics.Engine
	logger        *slog.Logger
	metrics       *observability.Metrics

	pingInterval  time.Duration
	sendBuffer    int
	writeTimeout  time.Duration
	maxFrameBytes int64
	opTimeout     time.Duration
	acceptOptions *websocket.AcceptOptions

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	maxFrameBytes := opts.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	typing := opts.Typing
	if typing == nil {
		typing = hub.NewTyping(opts.Registry.Channels(), 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		ctx:           ctx,
		cancel:        cancel,
		auth:          opts.Auth,
		registry:      opts.Registry,
		channels:      opts.Registry.Channels(),
		typing:        typing,
		locks:         opts.Locks,
		chat:          opts.Chat,
		notifications: opts.Notifications,
		analytics:     opts.Analytics,
		logger:        logger,
		metrics:       opts.Metrics,
		pingInterval:  pingInterval,
		sendBuffer:    sendBuffer,
		writeTimeout:  writeTimeout,
		maxFrameBytes: maxFrameBytes,
		opTimeout:     opTimeout,
		acceptOptions: &websocket.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}
}

type connectedPayload struct {
	ConnectionID         string `json:"connectionId"`
	UserID               string `json:"userId"`
	PendingNotifications int    `json:"pendingNotifications"`
}

// ServeHTTP authenticates the request before upgrading. A connection that
// fails authentication is answered with a plain 401 and never registered.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if h.ctx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "gateway is shutting down", correlationID)
		return
	}
	if h.auth == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication is not configured", correlationID)
		return
	}
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Info("websocket authentication rejected", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, h.acceptOptions)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", principal.UserID, "error", err)
		return
	}
	conn.SetReadLimit(h.maxFrameBytes)

	ctx, cancel := context.WithCancel(h.ctx)
	s := &session{
		id:      uuid.NewString(),
		userID:  principal.UserID,
		conn:    conn,
		handler: h,
		send:    make(chan []byte, h.sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.logger = h.logger.With("connection_id", s.id, "user_id", s.userID)

	if err := h.registry.Register(s.id, s.userID, s); err != nil {
		cancel()
		s.logger.Warn("connection registration failed", "error", err)
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	s.logger.Info("connection opened")

	pending := 0
	if h.notifications != nil {
		opCtx, opCancel := context.WithTimeout(ctx, h.opTimeout)
		items, err := h.notifications.Pending(opCtx, s.userID)
		opCancel()
		if err != nil {
			s.logger.Warn("pending notification lookup failed", "error", err)
		}
		pending = len(items)
	}
	_ = s.Send(hub.NewEvent(hub.OutboundConnected, connectedPayload{
		ConnectionID:         s.id,
		UserID:               s.userID,
		PendingNotifications: pending,
	}))

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()
	go s.pingLoop()

	s.readLoop()
	h.teardown(s)
	<-writeDone
	conn.Close(websocket.StatusNormalClosure, "")
}

// Close ends every open session and refuses new ones.
func (h *Handler) Close() {
	h.cancel()
}

// teardown drops every piece of state the connection owned. Analytics
// subscriptions belong to the user and are cancelled only when the last
// connection goes away.
func (h *Handler) teardown(s *session) {
	s.cancel()
	h.typing.ClearConnection(s.id)
	h.registry.Unregister(s.id)
	if h.analytics != nil && !h.registry.IsOnline(s.userID) {
		if n := h.analytics.UnsubscribeAll(s.userID); n > 0 {
			s.logger.Info("analytics subscriptions cancelled", "count", n)
		}
	}
	s.logger.Info("connection closed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// errorCode maps component errors onto the codes carried by error frames.
func errorCode(err error) string {
	switch {
	case errors.Is(err, hub.ErrInvalidInput),
		errors.Is(err, collab.ErrInvalidInput),
		errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, notify.ErrValidation),
		errors.Is(err, analytics.ErrValidation):
		return "validation_failed"
	case errors.Is(err, notify.ErrNotFound), errors.Is(err, analytics.ErrNotFound):
		return "not_found"
	case errors.Is(err, analytics.ErrUpstream):
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}
