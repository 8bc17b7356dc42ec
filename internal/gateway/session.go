package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayhub/internal/hub"
)

var errSessionClosed = errors.New("session closed")

// session is one websocket connection. Outbound frames go through a
// bounded buffer drained by writeLoop; the buffer is never closed, senders
// observe shutdown through ctx instead.
type session struct {
	id      string
	userID  string
	conn    *websocket.Conn
	handler *Handler
	logger  *slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Send implements hub.Sender. It never blocks: a full buffer drops the
// frame for this connection only.
func (s *session) Send(evt hub.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Debug("send buffer full, dropping frame", "event", evt.Kind.String())
		return hub.ErrSendBufferFull
	}
}

func (s *session) reply(requestID string, kind hub.Outbound, data any) {
	_ = s.Send(hub.NewEvent(kind, data).Reply(requestID))
}

func (s *session) replyError(requestID, code, message string) {
	s.reply(requestID, hub.OutboundError, hub.ErrorPayload{Code: code, Message: message})
}

func (s *session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if s.ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.replyError("", "invalid_frame", "frames must be JSON text messages")
			continue
		}
		s.handler.dispatch(s, data)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, s.handler.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Info("websocket write failed, closing connection", "error", err)
				}
				s.cancel()
				return
			}
		}
	}
}

// pingLoop relies on readLoop running concurrently to receive pongs.
func (s *session) pingLoop() {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.handler.writeTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Info("websocket ping failed, closing connection", "error", err)
				}
				s.cancel()
				return
			}
		}
	}
}
