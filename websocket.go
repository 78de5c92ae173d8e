package mktdata

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens frame transports over ws:// and wss:// endpoints.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, address string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket %s (status %d): %w", address, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket %s: %w", address, err)
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketConn carries one JSON frame per WebSocket text message.
type WebSocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

func (w *WebSocketConn) WriteFrame(f *Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (w *WebSocketConn) ReadFrame() (*Frame, error) {
	for {
		msgType, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case websocket.TextMessage:
		case websocket.BinaryMessage:
			if isGzip(payload) {
				if payload, err = ungzip(payload); err != nil {
					return nil, err
				}
			}
		default:
			continue
		}
		return decodeFrame(payload)
	}
}

func (w *WebSocketConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *WebSocketConn) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
