package results

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketSink streams records as JSON text frames to a dashboard endpoint.
type WebSocketSink struct {
	conn *websocket.Conn
}

// DialWebSocketSink connects to url (ws:// or wss://).
func DialWebSocketSink(ctx context.Context, url string) (*WebSocketSink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	return &WebSocketSink{conn: conn}, nil
}

func (s *WebSocketSink) Publish(ctx context.Context, env Envelope) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a normal closure frame before closing the connection.
func (s *WebSocketSink) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sweep finished"),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
