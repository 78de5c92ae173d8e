package mktdata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pipeEnd is one side of an in-memory frame transport. Frames cross as
// JSON so every test also exercises the wire encoding.
type pipeEnd struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newPipe() (client, server *pipeEnd) {
	toServer := make(chan []byte, 256)
	toClient := make(chan []byte, 256)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &pipeEnd{in: toClient, out: toServer, done: done, once: once}
	server = &pipeEnd{in: toServer, out: toClient, done: done, once: once}
	return client, server
}

func (p *pipeEnd) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) ReadFrame() (*Frame, error) {
	select {
	case data := <-p.in:
		return decodeFrame(data)
	default:
	}

	p.mu.Lock()
	dl := p.deadline
	p.mu.Unlock()
	var timer <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timer = t.C
	}

	select {
	case data := <-p.in:
		return decodeFrame(data)
	case <-p.done:
		return nil, io.EOF
	case <-timer:
		return nil, os.ErrDeadlineExceeded
	}
}

func (p *pipeEnd) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// serverConn is the fake service's view of one connection.
type serverConn struct {
	t  *testing.T
	tr *pipeEnd
}

func (c *serverConn) send(ev Event) {
	_ = c.tr.WriteFrame(eventFrame(ev))
}

func msgFor(msgType string, cid CorrelationID, body *Element) Message {
	m := Message{Type: msgType, Body: body}
	if cid != 0 {
		m.CorrelationIDs = []CorrelationID{cid}
	}
	return m
}

func reasonBody(category, description string) *Element {
	return NewChoice("", NewChoice("reason",
		NewString("category", category),
		NewString("description", description),
	))
}

// fakeService is a scripted server. Unset hooks fall back to the happy path.
type fakeService struct {
	t *testing.T

	startFailure bool
	openFailure  map[string]bool
	tokenFailure bool
	authFailure  bool
	eids         []int64

	dropOn      map[string]bool
	onRequest   func(c *serverConn, f *Frame)
	onSubscribe func(c *serverConn, f *Frame)

	mu       sync.Mutex
	received []*Frame
	conns    []*serverConn
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{t: t, openFailure: map[string]bool{}}
}

func (s *fakeService) frames(op string) []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Frame
	for _, f := range s.received {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

// dropAll closes every live connection from the server side.
func (s *fakeService) dropAll() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.tr.Close()
	}
}

// push sends ev on the most recent connection.
func (s *fakeService) push(ev Event) {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	c.send(ev)
}

func (s *fakeService) serve(c *serverConn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	for {
		f, err := c.tr.ReadFrame()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		drop := s.dropOn[f.Op]
		s.mu.Unlock()
		if drop {
			c.tr.Close()
			return
		}

		switch f.Op {
		case opSession:
			if s.startFailure {
				c.send(Event{Type: EventSessionStatus, Messages: []Message{
					msgFor(MessageSessionStartupFailure, 0, reasonBody("CONNECTION", "refused by test")),
				}})
				continue
			}
			c.send(sessionStatusEvent(MessageSessionStarted, ""))
		case opOpenService:
			if s.openFailure[f.Service] {
				c.send(Event{Type: EventServiceStatus, Messages: []Message{
					msgFor(MessageServiceOpenFailure, f.CID, reasonBody("NOT_FOUND", "no such service")),
				}})
				continue
			}
			c.send(Event{Type: EventServiceStatus, Messages: []Message{msgFor(MessageServiceOpened, f.CID, nil)}})
		case opGenerateToken:
			if s.tokenFailure {
				c.send(Event{Type: EventTokenStatus, Messages: []Message{
					msgFor(MessageTokenGenerationFailure, f.CID, reasonBody("AUTH", "bad credentials")),
				}})
				continue
			}
			c.send(Event{Type: EventTokenStatus, Messages: []Message{
				msgFor(MessageTokenGenerationSuccess, f.CID, NewChoice("", NewString("token", "tok-123"))),
			}})
		case opRequest:
			if f.Operation == OperationAuthorization && f.Service == ServiceAuth {
				s.authorize(c, f)
				continue
			}
			if s.onRequest != nil {
				s.onRequest(c, f)
			}
		case opSubscribe:
			if s.onSubscribe != nil {
				s.onSubscribe(c, f)
				continue
			}
			for _, sub := range f.Subscriptions {
				c.send(Event{Type: EventSubscriptionStatus, Messages: []Message{
					{Type: MessageSubscriptionStarted, CorrelationIDs: []CorrelationID{sub.CorrelationID}},
				}})
			}
		}
	}
}

func (s *fakeService) authorize(c *serverConn, f *Frame) {
	if s.authFailure || f.Body.GetString("token") != "tok-123" {
		c.send(Event{Type: EventResponse, Messages: []Message{
			msgFor(MessageAuthorizationFailure, f.CID, reasonBody("NO_AUTH", "not authorized")),
		}})
		return
	}
	eids := NewSequence("eids")
	for _, eid := range s.eids {
		eids.AppendValue(NewInt64("", eid))
	}
	c.send(Event{Type: EventResponse, Messages: []Message{
		msgFor(MessageAuthorizationSuccess, f.CID, NewChoice("", eids)),
	}})
}

// fakeDialer connects to fakeService; addresses in refuse fail to dial.
type fakeDialer struct {
	service *fakeService
	refuse  map[string]bool

	mu    sync.Mutex
	dials []string
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (Transport, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	d.mu.Unlock()

	if d.refuse[address] {
		return nil, errors.New("connection refused")
	}
	client, server := newPipe()
	go d.service.serve(&serverConn{t: d.service.t, tr: server})
	return client, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

// startSession starts a session against svc and stops it at cleanup.
func startSession(t *testing.T, svc *fakeService, opts SessionOptions) (*Session, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{service: svc}
	opts.Dialer = dialer
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	s := NewSession(opts, testLogger(t))
	t.Cleanup(func() { stopAndDrain(s) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}

	ev, err := s.NextEvent(ctx, time.Second)
	if err != nil || !ev.HasMessage(MessageSessionStarted) {
		t.Fatalf("expected SessionStarted, got %v (err %v)", ev, err)
	}
	return s, dialer
}

// stopAndDrain stops s and waits for the main stream to close so no
// session goroutine logs after the test returns.
func stopAndDrain(s *Session) {
	_ = s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := s.NextEvent(ctx, 0); err != nil {
			return
		}
	}
}

// nextOfType pulls main-stream events until one of the wanted type arrives.
func nextOfType(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := s.NextEvent(ctx, 0)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
	}
}
