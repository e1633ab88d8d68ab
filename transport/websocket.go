package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"server-hub/domain"
	"server-hub/domain/event"
	"server-hub/errors"
	"server-hub/runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// serveWebSocket upgrades first and authenticates after, so that a refused
// token gets a close frame the client can read instead of a bare 401.
//
//	GET /ws?token=<jwt>&scopes=server-1,group-7&after=<seq>
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var after *uint64
	if raw := query.Get("after"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = &seq
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)
	socket := NewSocket(conn, s.config.WriteTimeout)

	session, err := s.binder.Bind(r.Context(), socket, query.Get("token"), domain.ParseScopes(query.Get("scopes")), after)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if stderrors.Is(err, errors.ErrAuthFailure) {
			code = websocket.ClosePolicyViolation
		} else if errors.IsRetryable(err) {
			code = websocket.CloseTryAgainLater
		}
		s.log.Info("Connection refused", "remote", r.RemoteAddr, "error", err)
		_ = socket.CloseWith(code, err.Error())
		return
	}
	defer s.binder.Unbind(session.ID())

	go s.keepAlive(session, socket)
	s.readFrames(session, socket)
}

// keepAlive pings the client and closes the socket once the session ends,
// whoever ended it: reaper, failed delivery or shutdown.
func (s *Server) keepAlive(session *runtime.Session, socket *Socket) {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			_ = socket.CloseWith(websocket.CloseGoingAway, "connection closed by server")
			return
		case <-ticker.C:
			if err := socket.Ping(); err != nil {
				s.log.Debug("Ping failed", "connection", session.ID(), "error", err)
				// Unblocks readFrames, which unbinds
				_ = socket.Close()
				return
			}
		}
	}
}

func (s *Server) readFrames(session *runtime.Session, socket *Socket) {
	conn := socket.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		s.registry.Touch(session.ID(), time.Now().UTC())
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !session.Closed() {
				s.log.Debug("Unexpected close", "connection", session.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		s.registry.Touch(session.ID(), time.Now().UTC())

		ctx, cancel := context.WithTimeout(session.Context(), s.config.WriteTimeout)
		if err = s.handleFrame(ctx, session, payload); err != nil {
			s.log.Debug("Client frame rejected", "connection", session.ID(), "error", err)
			if sendErr := socket.SendError(ctx, err); sendErr != nil {
				cancel()
				return
			}
		}
		cancel()
	}
}

func (s *Server) handleFrame(ctx context.Context, session *runtime.Session, payload []byte) error {
	var frame event.ClientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("%w: malformed frame", errors.ErrInvalidRequest)
	}
	switch {
	case frame.Acknowledge != nil:
		return s.dispatcher.Acknowledge(ctx, session.ID(), *frame.Acknowledge)
	case frame.MarkRead != nil:
		return s.dispatcher.MarkRead(ctx, session.ID(), *frame.MarkRead)
	case frame.Subscribe != nil:
		return s.binder.Subscribe(ctx, session.ID(), *frame.Subscribe)
	case frame.Unsubscribe != nil:
		return s.binder.Unsubscribe(ctx, session.ID(), *frame.Unsubscribe)
	default:
		return fmt.Errorf("%w: unknown frame", errors.ErrInvalidRequest)
	}
}
