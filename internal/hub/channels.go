package hub

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relayhub/internal/observability"
)

type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Channels keeps membership in both directions under one lock so that a
// connection's join set and each channel's member set never disagree.
type Channels struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	joined  map[string]map[string]struct{}

	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func newChannels(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Channels {
	return &Channels{
		members:  map[string]map[string]struct{}{},
		joined:   map[string]map[string]struct{}{},
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Join adds connID to channelID and returns the new occupancy. Members are
// told about the new count unless the connection was already a member.
func (c *Channels) Join(connID, channelID string) (int, error) {
	return c.join(connID, channelID, true)
}

func (c *Channels) join(connID, channelID string, announce bool) (int, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || connID == "" {
		return 0, ErrInvalidInput
	}
	if !c.registry.registered(connID) {
		return 0, ErrUnknownConnection
	}

	c.mu.Lock()
	members := c.members[channelID]
	if members == nil {
		members = map[string]struct{}{}
		c.members[channelID] = members
	}
	_, already := members[connID]
	members[connID] = struct{}{}
	if c.joined[connID] == nil {
		c.joined[connID] = map[string]struct{}{}
	}
	c.joined[connID][channelID] = struct{}{}
	count := len(members)
	c.mu.Unlock()

	// Unregister may have run between the check above and the insert.
	if !c.registry.registered(connID) {
		c.removeConnection(connID)
		return 0, ErrUnknownConnection
	}
	if announce && !already {
		c.announceOccupancy(channelID, count)
	}
	return count, nil
}

// Leave removes connID from channelID. Leaving a channel that was never
// joined is a no-op and reports false.
func (c *Channels) Leave(connID, channelID string) (int, bool) {
	c.mu.Lock()
	members := c.members[channelID]
	if _, ok := members[connID]; !ok {
		count := len(members)
		c.mu.Unlock()
		return count, false
	}
	delete(members, connID)
	count := len(members)
	if count == 0 {
		delete(c.members, channelID)
	}
	if set := c.joined[connID]; set != nil {
		delete(set, channelID)
		if len(set) == 0 {
			delete(c.joined, connID)
		}
	}
	c.mu.Unlock()

	c.announceOccupancy(channelID, count)
	return count, true
}

// Broadcast sends evt to every member except exclude, in member order, and
// isolates per-connection failures.
func (c *Channels) Broadcast(channelID string, evt Event, exclude string) BroadcastResult {
	c.mu.RLock()
	targets := make([]string, 0, len(c.members[channelID]))
	for connID := range c.members[channelID] {
		if connID != exclude {
			targets = append(targets, connID)
		}
	}
	c.mu.RUnlock()
	sort.Strings(targets)

	result := BroadcastResult{Recipients: len(targets)}
	for _, connID := range targets {
		sender, ok := c.registry.sender(connID)
		if !ok {
			result.Failed++
			continue
		}
		err := sender.Send(evt)
		c.metrics.RecordDelivery(err == nil)
		if err != nil {
			result.Failed++
			c.logger.Debug("channel delivery dropped", "channel_id", channelID, "connection_id", connID, "event", evt.Kind.String(), "error", err)
			continue
		}
		result.Delivered++
	}
	return result
}

func (c *Channels) Occupancy(channelID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members[channelID])
}

func (c *Channels) IsMember(connID, channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[channelID][connID]
	return ok
}

func (c *Channels) Members(channelID string) []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.members[channelID]))
	for id := range c.members[channelID] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (c *Channels) JoinedBy(connID string) []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.joined[connID]))
	for id := range c.joined[connID] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// removeConnection drops connID from every channel it occupied and
// announces each affected channel's occupancy once.
func (c *Channels) removeConnection(connID string) {
	c.mu.Lock()
	set := c.joined[connID]
	delete(c.joined, connID)
	affected := make(map[string]int, len(set))
	for channelID := range set {
		members := c.members[channelID]
		delete(members, connID)
		if len(members) == 0 {
			delete(c.members, channelID)
		}
		affected[channelID] = len(members)
	}
	c.mu.Unlock()

	for channelID, count := range affected {
		if IsPrivateChannel(channelID) {
			continue
		}
		c.announceOccupancy(channelID, count)
	}
}

func (c *Channels) announceOccupancy(channelID string, count int) {
	if count == 0 {
		return
	}
	c.Broadcast(channelID, NewEvent(OutboundChannelOccupancy, Occupancy{ChannelID: channelID, Count: count}), "")
}
