package mktdata

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	opSession       = "session"
	opOpenService   = "openService"
	opRequest       = "request"
	opSubscribe     = "subscribe"
	opUnsubscribe   = "unsubscribe"
	opGenerateToken = "generateToken"
	opEvent         = "event"
)

// Frame is one unit on the wire in either direction.
type Frame struct {
	Op            string         `json:"op"`
	CID           CorrelationID  `json:"cid,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Service       string         `json:"service,omitempty"`
	Operation     string         `json:"operation,omitempty"`
	Identity      CorrelationID  `json:"identity,omitempty"`
	Options       string         `json:"options,omitempty"`
	Body          *Element       `json:"body,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	EventType     EventType      `json:"eventType,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
}

func (f *Frame) event() Event {
	return Event{Type: f.EventType, Messages: f.Messages}
}

func eventFrame(ev Event) *Frame {
	return &Frame{Op: opEvent, EventType: ev.Type, Messages: ev.Messages}
}

// Transport carries frames for one physical connection.
type Transport interface {
	WriteFrame(f *Frame) error
	ReadFrame() (*Frame, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Transport to one endpoint.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// StreamConn speaks line-delimited JSON over a stream connection.
// Gzip-compressed lines are accepted on read.
type StreamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

func (s *StreamConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *StreamConn) ReadMessage() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if isGzip(trimmed) {
			payload, err := ungzip(trimmed)
			if err != nil {
				return nil, err
			}
			return bytes.TrimSpace(payload), nil
		}
		return trimmed, nil
	}
}

func (s *StreamConn) WriteFrame(f *Frame) error {
	if err := s.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (s *StreamConn) ReadFrame() (*Frame, error) {
	payload, err := s.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeFrame(payload)
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}

func (s *StreamConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func decodeFrame(payload []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, &ProtocolError{Op: ExtractOp(payload), Err: fmt.Errorf("decode frame: %w", err)}
	}
	if f.Op == "" {
		return nil, &ProtocolError{Err: fmt.Errorf("frame without op: %s", truncate(payload, 120))}
	}
	return &f, nil
}

// ExtractOp returns the op of a raw frame, or "" when it cannot be decoded.
func ExtractOp(raw []byte) string {
	var base struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &base); err == nil {
		return base.Op
	}
	return ""
}

// NetDialer dials TCP endpoints, optionally wrapped in TLS.
type NetDialer struct {
	TLS       bool
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (d NetDialer) Dial(ctx context.Context, address string) (Transport, error) {
	netDialer := &net.Dialer{Timeout: d.Timeout}

	if !d.TLS {
		conn, err := netDialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return NewStreamConn(conn), nil
	}

	tlsConf := d.TLSConfig
	if tlsConf == nil {
		host, _, _ := net.SplitHostPort(address)
		tlsConf = &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
	tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConf}
	conn, err := tlsDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial tls %s: %w", address, err)
	}
	return NewStreamConn(conn), nil
}

// DefaultDialer routes ws:// and wss:// addresses to the WebSocket
// transport and everything else to NetDialer.
type DefaultDialer struct {
	Net       NetDialer
	WebSocket WebSocketDialer
}

func (d DefaultDialer) Dial(ctx context.Context, address string) (Transport, error) {
	if isWebSocketAddress(address) {
		return d.WebSocket.Dial(ctx, address)
	}
	return d.Net.Dial(ctx, address)
}

func isWebSocketAddress(address string) bool {
	return strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://")
}

// endpointAddress joins host and port unless host already names a full endpoint.
func endpointAddress(host string, port int) string {
	if isWebSocketAddress(host) {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func ungzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
