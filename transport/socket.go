package transport

import (
	"context"
	"encoding/json"
	"server-hub/domain"
	"server-hub/domain/event"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the per-connection handle the dispatcher pushes through.
// gorilla connections allow a single concurrent writer, hence the mutex;
// control frames go through WriteControl, which needs none.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func NewSocket(conn *websocket.Conn, writeTimeout time.Duration) *Socket {
	return &Socket{conn: conn, writeTimeout: writeTimeout}
}

func (s *Socket) Push(ctx context.Context, record domain.NotificationRecord) error {
	return s.send(ctx, event.ServerFrame{Notification: &record})
}

// SendError reports a rejected client frame without closing the connection.
func (s *Socket) SendError(ctx context.Context, err error) error {
	return s.send(ctx, event.ServerFrame{Error: err.Error()})
}

func (s *Socket) send(ctx context.Context, frame event.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = ctx.Err(); err != nil {
		return err
	}
	// The write cannot observe ctx, its deadline bounds it instead
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Socket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// maxCloseReason is the room left for a reason in a close frame payload.
const maxCloseReason = 123

// CloseWith sends a close frame with code and reason, then closes the connection.
func (s *Socket) CloseWith(code int, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.writeTimeout))
	return s.conn.Close()
}

func (s *Socket) Close() error {
	return s.conn.Close()
}
