// Package chat stores and relays per-channel messages.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/hub"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultHistoryMax = 100
	DefaultHistoryTTL = 24 * time.Hour
	maxContentBytes   = 16 << 10
)

type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	UserID    string         `json:"userId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SentAt    time.Time      `json:"sentAt"`
}

type Options struct {
	Store      ephemeral.Store
	Channels   *hub.Channels
	Logger     *slog.Logger
	HistoryMax int
	HistoryTTL time.Duration
	Now        func() time.Time
}

type Service struct {
	store      ephemeral.Store
	channels   *hub.Channels
	logger     *slog.Logger
	historyMax int
	historyTTL time.Duration
	now        func() time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	historyMax := opts.HistoryMax
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	historyTTL := opts.HistoryTTL
	if historyTTL <= 0 {
		historyTTL = DefaultHistoryTTL
	}
	return &Service{
		store:      opts.Store,
		channels:   opts.Channels,
		logger:     logger,
		historyMax: historyMax,
		historyTTL: historyTTL,
		now:        now,
	}
}

func historyKey(channelID string) string {
	return "messages:" + channelID
}

// Send records the message in the channel history and broadcasts it to
// every member, sender included. A history write failure is logged and
// does not stop the broadcast.
func (s *Service) Send(ctx context.Context, channelID, userID, content string, metadata map[string]any) (Message, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || strings.TrimSpace(userID) == "" {
		return Message{}, fmt.Errorf("%w: channelId and userId are required", ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if len(content) > maxContentBytes {
		return Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, maxContentBytes)
	}
	msg := Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		Metadata:  metadata,
		SentAt:    s.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.ListPush(ctx, historyKey(channelID), string(payload), s.historyMax, s.historyTTL); err != nil {
		s.logger.Warn("message history append failed", "channel_id", channelID, "error", err)
	}
	if s.channels != nil {
		s.channels.Broadcast(channelID, hub.NewEvent(hub.OutboundMessageReceived, msg), "")
	}
	return msg, nil
}

// History returns up to limit recent messages, newest first.
func (s *Service) History(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > s.historyMax {
		limit = s.historyMax
	}
	items, err := s.store.ListRange(ctx, historyKey(channelID), 0, limit-1)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("skipping malformed message", "channel_id", channelID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
