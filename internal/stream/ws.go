package stream

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteWait bounds a single WebSocket frame write.
const DefaultWriteWait = 10 * time.Second

// WSWriter sends frames as JSON text messages on a WebSocket connection.
// It is not safe for concurrent use; the framer emits from one goroutine.
type WSWriter struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

// NewWSWriter wraps conn.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, writeWait: DefaultWriteWait}
}

// Emit writes one frame. It matches EmitFunc.
func (w *WSWriter) Emit(f Frame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeWait)); err != nil {
		return err
	}
	if err := w.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}
