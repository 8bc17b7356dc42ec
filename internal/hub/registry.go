// Package hub tracks live connections, derives presence from them, and
// fans events out through channels.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayhub/internal/observability"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendBufferFull    = errors.New("send buffer full")
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	userChannelPrefix = "user:"
)

// Sender hands an event to one connection's transport. It must not block.
type Sender interface {
	Send(evt Event) error
}

type ConnectionInfo struct {
	ID          string    `json:"connectionId"`
	UserID      string    `json:"userId"`
	Channels    []string  `json:"channels"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type connection struct {
	id          string
	userID      string
	sender      Sender
	connectedAt time.Time
}

type RegistryOptions struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Registry owns the connection→user and user→connections maps. A user is
// online while at least one of their connections is registered.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]map[string]struct{}

	channels *Channels
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		conns:   map[string]*connection{},
		byUser:  map[string]map[string]struct{}{},
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
	r.channels = newChannels(r, logger, opts.Metrics)
	return r
}

func (r *Registry) Channels() *Channels {
	return r.channels
}

// UserChannel is the private channel every connection of userID joins on
// registration.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

func IsPrivateChannel(channelID string) bool {
	return strings.HasPrefix(channelID, userChannelPrefix)
}

// Register adds a connection. Registering an id that is already present is
// a no-op. The first connection of a user announces presence online.
func (r *Registry) Register(connID, userID string, sender Sender) error {
	connID = strings.TrimSpace(connID)
	userID = strings.TrimSpace(userID)
	if connID == "" || userID == "" || sender == nil {
		return ErrInvalidInput
	}

	r.mu.Lock()
	if existing, ok := r.conns[connID]; ok {
		r.mu.Unlock()
		if existing.userID != userID {
			return fmt.Errorf("%w: connection %s belongs to another user", ErrInvalidInput, connID)
		}
		return nil
	}
	first := len(r.byUser[userID]) == 0
	r.conns[connID] = &connection{id: connID, userID: userID, sender: sender, connectedAt: r.now().UTC()}
	if r.byUser[userID] == nil {
		r.byUser[userID] = map[string]struct{}{}
	}
	r.byUser[userID][connID] = struct{}{}
	connCount, userCount := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	r.metrics.SetConnections(connCount, userCount)
	if _, err := r.channels.join(connID, UserChannel(userID), false); err != nil {
		return err
	}
	r.logger.Debug("connection registered", "connection_id", connID, "user_id", userID, "first", first)
	if first {
		r.announcePresence(userID, StatusOnline)
	}
	return nil
}

// Unregister removes a connection and every channel membership it held.
// Unknown ids are ignored. The last connection of a user announces
// presence offline.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userConns := r.byUser[conn.userID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		delete(r.byUser, conn.userID)
	}
	connCount, userCount := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	r.metrics.SetConnections(connCount, userCount)
	r.channels.removeConnection(connID)
	r.logger.Debug("connection unregistered", "connection_id", connID, "user_id", conn.userID, "last", last)
	if last {
		r.announcePresence(conn.userID, StatusOffline)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) AllOnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return conn.userID, true
}

func (r *Registry) Connection(connID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ID:          conn.id,
		UserID:      conn.userID,
		Channels:    r.channels.JoinedBy(connID),
		ConnectedAt: conn.connectedAt,
	}, true
}

func (r *Registry) ConnectionInfos(userID string) []ConnectionInfo {
	ids := r.ConnectionsOf(userID)
	infos := make([]ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Connection(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// SendToConnection delivers evt to a single connection.
func (r *Registry) SendToConnection(connID string, evt Event) error {
	sender, ok := r.sender(connID)
	if !ok {
		return ErrUnknownConnection
	}
	err := sender.Send(evt)
	r.metrics.RecordDelivery(err == nil)
	return err
}

// SendToUser delivers evt to every connection of userID through the
// user's private channel and reports how many accepted it. It fails only
// when the user had connections and none of them accepted the event.
func (r *Registry) SendToUser(ctx context.Context, userID string, evt Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result := r.channels.Broadcast(UserChannel(userID), evt, "")
	if result.Delivered == 0 && result.Failed > 0 {
		return 0, fmt.Errorf("%w: no connection of %s accepted %s", ErrSendBufferFull, userID, evt.Kind)
	}
	return result.Delivered, nil
}

// SetStatus broadcasts a client-declared status such as "away" without
// changing derived presence.
func (r *Registry) SetStatus(userID, status string) {
	if !r.IsOnline(userID) {
		return
	}
	r.announcePresence(userID, status)
}

// BroadcastAll sends evt to every connection not owned by excludeUser.
func (r *Registry) BroadcastAll(evt Event, excludeUser string) int {
	r.mu.RLock()
	targets := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if excludeUser != "" && conn.userID == excludeUser {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		err := conn.sender.Send(evt)
		r.metrics.RecordDelivery(err == nil)
		if err != nil {
			r.logger.Debug("broadcast dropped", "connection_id", conn.id, "event", evt.Kind.String(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) announcePresence(userID, status string) {
	evt := NewEvent(OutboundPresenceChanged, PresenceChange{
		UserID:    userID,
		Status:    status,
		Timestamp: r.now().UTC(),
	})
	delivered := r.BroadcastAll(evt, userID)
	r.logger.Info("presence changed", "user_id", userID, "status", status, "notified", delivered)
}

func (r *Registry) sender(connID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return conn.sender, true
}

func (r *Registry) registered(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}
