package mktdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultHost                = "localhost"
	DefaultPort                = 8194
	DefaultStartAttempts       = 2
	DefaultSubscriptionService = ServiceMarketData

	defaultConnectTimeout  = 10 * time.Second
	defaultRetryDelay      = 500 * time.Millisecond
	defaultEventBufferSize = 1024
)

// SessionOptions configures the Connection Manager.
type SessionOptions struct {
	Hosts                      []string
	Port                       int
	NumStartAttempts           int
	AutoRestartOnDisconnection bool
	AuthOptions                string
	DefaultSubscriptionService string
	ConnectTimeout             time.Duration
	RetryDelay                 time.Duration
	Dialer                     Dialer
	Metrics                    *Metrics
	EventBufferSize            int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if len(o.Hosts) == 0 {
		o.Hosts = []string{DefaultHost}
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.NumStartAttempts <= 0 {
		o.NumStartAttempts = DefaultStartAttempts
	}
	if o.DefaultSubscriptionService == "" {
		o.DefaultSubscriptionService = DefaultSubscriptionService
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Dialer == nil {
		o.Dialer = DefaultDialer{Net: NetDialer{Timeout: o.ConnectTimeout}}
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaultEventBufferSize
	}
	return o
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateStarting
	stateStarted
	stateStopping
	stateStopped
)

type activeSubscription struct {
	entry    Subscription
	identity CorrelationID
}

// Session is one logical connection, possibly backed by several endpoints
// tried in failover order. It owns the correlation table, the main event
// stream and any dedicated event queues.
type Session struct {
	opts    SessionOptions
	logger  zerolog.Logger
	metrics *Metrics
	id      string

	correlations *correlationTable
	events       chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         sessionState
	transport     Transport
	queues        map[CorrelationID]*EventQueue
	services      map[string]*Service
	subscriptions map[CorrelationID]activeSubscription

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewSession(opts SessionOptions, logger zerolog.Logger) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:          opts,
		logger:        logger.With().Str("session", id).Logger(),
		metrics:       opts.Metrics,
		id:            id,
		correlations:  newCorrelationTable(),
		events:        make(chan Event, opts.EventBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		queues:        make(map[CorrelationID]*EventQueue),
		services:      make(map[string]*Service),
		subscriptions: make(map[CorrelationID]activeSubscription),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Start connects to the first endpoint that accepts the session, cycling
// through the host list until NumStartAttempts dials have been made.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrSessionAlreadyStarted
	}
	s.state = stateStarting
	s.mu.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(s.ctx, cancel)
	defer stopWatch()

	t, started, err := s.connect(startCtx)
	if err != nil {
		s.terminate(MessageSessionStartupFailure, err.Error())
		return err
	}

	s.mu.Lock()
	if s.state != stateStarting {
		s.mu.Unlock()
		_ = t.Close()
		return ErrSessionStopped
	}
	s.transport = t
	s.state = stateStarted
	s.events <- started
	s.mu.Unlock()

	go s.readLoop(t)
	return nil
}

func (s *Session) connect(ctx context.Context) (Transport, Event, error) {
	var lastErr error
	hosts := s.opts.Hosts

	for attempt := 0; attempt < s.opts.NumStartAttempts; attempt++ {
		address := endpointAddress(hosts[attempt%len(hosts)], s.opts.Port)
		s.metrics.startAttempt()
		s.logger.Info().Str("address", address).Int("attempt", attempt+1).Msg("starting session")

		t, started, err := s.handshake(ctx, address)
		if err == nil {
			s.logger.Info().Str("address", address).Msg("session started")
			return t, started, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Str("address", address).Int("attempt", attempt+1).Msg("session start attempt failed")

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt+1 == s.opts.NumStartAttempts {
			break
		}
		select {
		case <-time.After(s.opts.RetryDelay):
		case <-ctx.Done():
			return nil, Event{}, &ConnectionError{Hosts: hosts, Attempts: attempt + 1, Err: ctx.Err()}
		}
	}

	return nil, Event{}, &ConnectionError{Hosts: hosts, Attempts: s.opts.NumStartAttempts, Err: lastErr}
}

func (s *Session) handshake(ctx context.Context, address string) (Transport, Event, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	t, err := s.opts.Dialer.Dial(dialCtx, address)
	if err != nil {
		return nil, Event{}, err
	}

	hello := &Frame{
		Op:        opSession,
		SessionID: s.id,
		Options:   s.opts.AuthOptions,
		Service:   s.opts.DefaultSubscriptionService,
	}
	if err := t.WriteFrame(hello); err != nil {
		_ = t.Close()
		return nil, Event{}, fmt.Errorf("send session request: %w", err)
	}

	if err := t.SetReadDeadline(time.Now().Add(s.opts.ConnectTimeout)); err != nil {
		_ = t.Close()
		return nil, Event{}, err
	}

	for {
		f, err := t.ReadFrame()
		if err != nil {
			_ = t.Close()
			return nil, Event{}, fmt.Errorf("read session status: %w", err)
		}
		if f.Op != opEvent || f.EventType != EventSessionStatus {
			s.logger.Debug().Str("op", f.Op).Str("event_type", string(f.EventType)).Msg("ignoring frame during session start")
			continue
		}

		ev := f.event()
		switch {
		case ev.HasMessage(MessageSessionStarted):
			if err := t.SetReadDeadline(time.Time{}); err != nil {
				_ = t.Close()
				return nil, Event{}, err
			}
			return t, ev, nil
		case ev.HasMessage(MessageSessionStartupFailure):
			_ = t.Close()
			_, description := ev.Messages[0].Reason()
			return nil, ev, fmt.Errorf("session startup failure: %s", description)
		}
	}
}

// Stop closes the session. The next NextEvent yields a terminal
// SessionTerminated event. Stop is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	prev := s.state
	if prev == stateStopping || prev == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	t := s.transport
	s.mu.Unlock()

	s.cancel()

	var err error
	if t != nil {
		err = t.Close()
	}
	if prev != stateStarted {
		s.terminate(MessageSessionTerminated, "session stopped")
	}
	return err
}

// NextEvent blocks for the next event on the main stream. With a positive
// timeout it returns an EventTimeout event when nothing arrives in time.
// After the terminal event has been consumed it returns ErrSessionStopped.
func (s *Session) NextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrSessionStopped
		}
		return ev, nil
	case <-timer:
		return Event{Type: EventTimeout}, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Session) NewEventQueue() *EventQueue {
	return newEventQueue(s)
}

// NewCorrelationID registers value as the context of a new outstanding request.
func (s *Session) NewCorrelationID(value any) CorrelationID {
	return s.correlations.reserve(kindRequest, value)
}

// CorrelationValue returns the context registered for id.
func (s *Session) CorrelationValue(id CorrelationID) (any, bool) {
	e, ok := s.correlations.lookup(id)
	return e.value, ok
}

// Outstanding reports whether id was submitted on this session and not yet released.
func (s *Session) Outstanding(id CorrelationID) bool {
	_, ok := s.correlations.lookup(id)
	return ok
}

// Release forgets id. Further messages carrying it are orphans.
func (s *Session) Release(id CorrelationID) {
	s.correlations.release(id)
	s.mu.Lock()
	delete(s.subscriptions, id)
	delete(s.queues, id)
	s.mu.Unlock()
}

func (s *Session) ActiveSubscriptions() int {
	return s.correlations.count(kindSubscription)
}

// OpenService resolves a service by name. Opened services are cached.
func (s *Session) OpenService(ctx context.Context, name string) (*Service, error) {
	s.mu.Lock()
	if svc, ok := s.services[name]; ok {
		s.mu.Unlock()
		return svc, nil
	}
	s.mu.Unlock()

	q := s.NewEventQueue()
	defer q.Close()

	cid, _ := s.correlations.claim(0, kindService, name, "")
	s.bindQueue(cid, q)

	if err := s.send(&Frame{Op: opOpenService, CID: cid, Service: name}); err != nil {
		return nil, &RequestError{Service: name, Err: err}
	}

	for {
		ev, err := q.NextEvent(ctx, s.opts.ConnectTimeout)
		if err != nil {
			return nil, &RequestError{Service: name, Err: err}
		}

		switch ev.Type {
		case EventTimeout:
			return nil, &RequestError{Service: name, Category: "TIMEOUT", Description: "no service status received"}
		case EventSessionStatus:
			if ev.IsTerminal() {
				return nil, &RequestError{Service: name, Err: ErrSessionStopped}
			}
		case EventRequestStatus:
			if ev.HasMessage(MessageRequestFailure) {
				category, description := ev.Messages[0].Reason()
				return nil, &RequestError{Service: name, Category: category, Description: description}
			}
		case EventServiceStatus:
			for _, msg := range ev.Messages {
				switch msg.Type {
				case MessageServiceOpened:
					svc := &Service{name: name, session: s}
					s.mu.Lock()
					s.services[name] = svc
					s.mu.Unlock()
					s.logger.Debug().Str("service", name).Msg("service opened")
					return svc, nil
				case MessageServiceOpenFailure:
					category, description := msg.Reason()
					return nil, &RequestError{Service: name, Category: category, Description: description}
				}
			}
		}
	}
}

// SendRequest submits req once. A zero cid is allocated; a non-zero cid
// must not already be outstanding. With a queue, responses bypass the main
// stream. On failure the cid is released.
func (s *Session) SendRequest(req *Request, identity *Identity, cid CorrelationID, queue *EventQueue) (CorrelationID, error) {
	cid, err := s.correlations.claim(cid, kindRequest, req.operation, "")
	if err != nil {
		return 0, err
	}
	if queue != nil {
		s.bindQueue(cid, queue)
	}

	f := &Frame{
		Op:        opRequest,
		CID:       cid,
		Service:   req.service,
		Operation: req.operation,
		Identity:  identity.correlationID(),
		Body:      req.body,
	}
	if err := s.send(f); err != nil {
		s.Release(cid)
		return 0, fmt.Errorf("send %s: %w", req.operation, err)
	}
	return cid, nil
}

// GenerateToken asks the server for a short-lived token. The token status
// arrives on queue when given, otherwise on the main stream.
func (s *Session) GenerateToken(cid CorrelationID, queue *EventQueue) (CorrelationID, error) {
	cid, err := s.correlations.claim(cid, kindToken, nil, "")
	if err != nil {
		return 0, err
	}
	if queue != nil {
		s.bindQueue(cid, queue)
	}
	if err := s.send(&Frame{Op: opGenerateToken, CID: cid}); err != nil {
		s.Release(cid)
		return 0, fmt.Errorf("generate token: %w", err)
	}
	return cid, nil
}

// Subscribe submits list atomically under one identity. Entries with a zero
// correlation id are assigned one, written back into list.
func (s *Session) Subscribe(list SubscriptionList, identity *Identity) error {
	if len(list) == 0 {
		return ErrEmptySubscriptionList
	}

	entries := make([]Subscription, len(list))
	copy(entries, list)
	claimed := make([]CorrelationID, 0, len(entries))
	rollback := func() {
		for _, id := range claimed {
			s.correlations.release(id)
		}
	}

	for i := range entries {
		cid, err := s.correlations.claim(entries[i].CorrelationID, kindSubscription, entries[i].Topic, entries[i].Topic)
		if err != nil {
			rollback()
			return fmt.Errorf("subscribe %s: %w", entries[i].Topic, err)
		}
		entries[i].CorrelationID = cid
		claimed = append(claimed, cid)
	}

	f := &Frame{Op: opSubscribe, Identity: identity.correlationID(), Subscriptions: entries}
	if err := s.send(f); err != nil {
		rollback()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		s.subscriptions[e.CorrelationID] = activeSubscription{entry: e, identity: identity.correlationID()}
	}
	s.mu.Unlock()

	copy(list, entries)
	s.logger.Info().Strs("topics", list.Topics()).Msg("subscriptions submitted")
	return nil
}

// Unsubscribe cancels the entries of list and releases their ids.
func (s *Session) Unsubscribe(list SubscriptionList) error {
	if len(list) == 0 {
		return ErrEmptySubscriptionList
	}
	if err := s.send(&Frame{Op: opUnsubscribe, Subscriptions: list}); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	for _, e := range list {
		s.Release(e.CorrelationID)
	}
	return nil
}

func (s *Session) bindQueue(cid CorrelationID, q *EventQueue) {
	s.mu.Lock()
	s.queues[cid] = q
	s.mu.Unlock()
	q.track(cid)
}

func (s *Session) unbindQueue(cid CorrelationID) {
	s.mu.Lock()
	delete(s.queues, cid)
	s.mu.Unlock()
}

func (s *Session) send(f *Frame) error {
	s.mu.Lock()
	t, state := s.transport, s.state
	s.mu.Unlock()

	switch state {
	case stateStarted:
	case stateStopping, stateStopped:
		return ErrSessionStopped
	default:
		return ErrSessionNotStarted
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return t.WriteFrame(f)
}

func (s *Session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStopping || s.state == stateStopped
}

func (s *Session) readLoop(t Transport) {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			var protoErr *ProtocolError
			switch {
			case s.stopping():
				s.terminate(MessageSessionTerminated, "session stopped")
				return
			case errors.As(err, &protoErr):
				s.logger.Error().Err(err).Msg("malformed frame from service")
				_ = t.Close()
				s.terminate(MessageSessionTerminated, err.Error())
				return
			case !s.opts.AutoRestartOnDisconnection:
				s.terminate(MessageSessionTerminated, fmt.Sprintf("connection lost: %v", err))
				return
			}

			next, restartErr := s.restart(err)
			if restartErr != nil {
				s.terminate(MessageSessionTerminated, restartErr.Error())
				return
			}
			t = next
			continue
		}

		if f.Op != opEvent {
			s.logger.Debug().Str("op", f.Op).Msg("ignoring non-event frame")
			continue
		}
		s.route(f.event())
	}
}

func (s *Session) restart(cause error) (Transport, error) {
	s.logger.Warn().Err(cause).Msg("connection lost, restarting session")
	s.publish(sessionStatusEvent(MessageSessionConnectionDown, cause.Error()))
	s.failPending(fmt.Sprintf("connection lost: %v", cause))

	t, _, err := s.connect(s.ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		_ = t.Close()
		return nil, ErrSessionStopped
	}
	s.transport = t
	active := make([]activeSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		active = append(active, sub)
	}
	s.mu.Unlock()

	s.publish(sessionStatusEvent(MessageSessionConnectionUp, ""))
	s.resubscribe(t, active)
	return t, nil
}

// failPending answers every submitted request, token and service open with a
// RequestFailure, since the dropped connection will never answer them. The
// consumers release the ids as for any other failure.
func (s *Session) failPending(description string) {
	for _, id := range s.correlations.submitted(kindRequest, kindToken, kindService) {
		s.logger.Warn().Uint64("cid", uint64(id)).Msg("failing request lost with the connection")
		s.route(requestFailureEvent(id, "CONNECTION", description))
	}
}

// retainIdentity moves an authorization id off its dedicated queue. The id
// stays outstanding for identity-scoped messages until the session stops.
func (s *Session) retainIdentity(cid CorrelationID, q *EventQueue) {
	q.untrack(cid)
	s.unbindQueue(cid)
	s.correlations.setKind(cid, kindIdentity)
}

// resubscribe replays active subscriptions grouped by identity.
func (s *Session) resubscribe(t Transport, active []activeSubscription) {
	byIdentity := make(map[CorrelationID][]Subscription)
	for _, sub := range active {
		byIdentity[sub.identity] = append(byIdentity[sub.identity], sub.entry)
	}
	for identity, entries := range byIdentity {
		s.writeMu.Lock()
		err := t.WriteFrame(&Frame{Op: opSubscribe, Identity: identity, Subscriptions: entries})
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Error().Err(err).Int("subscriptions", len(entries)).Msg("resubscribe failed")
			continue
		}
		s.logger.Info().Int("subscriptions", len(entries)).Msg("resubscribed after restart")
	}
}

func (s *Session) route(ev Event) {
	s.metrics.observeEvent(ev)
	s.fillTopics(ev)

	if len(ev.Messages) > 0 {
		s.mu.Lock()
		q := s.queues[ev.Messages[0].CorrelationID()]
		s.mu.Unlock()
		if q != nil {
			q.deliver(ev)
			return
		}
	}
	s.publish(ev)
}

func (s *Session) fillTopics(ev Event) {
	for i := range ev.Messages {
		msg := &ev.Messages[i]
		if msg.Topic != "" || msg.CorrelationID() == 0 {
			continue
		}
		if entry, ok := s.correlations.lookup(msg.CorrelationID()); ok && entry.topic != "" {
			msg.Topic = entry.topic
		}
	}
}

func (s *Session) publish(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// terminate delivers the terminal status to every consumer and closes the
// main stream. It runs once.
func (s *Session) terminate(msgType, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateStopped
		queues := make([]*EventQueue, 0, len(s.queues))
		for _, q := range s.queues {
			queues = append(queues, q)
		}
		s.mu.Unlock()
		s.cancel()

		ev := sessionStatusEvent(msgType, reason)
		for _, q := range queues {
			q.offer(ev)
		}
		select {
		case s.events <- ev:
		default:
			s.logger.Warn().Msg("event stream full, terminal status dropped")
		}
		s.logger.Info().Str("status", msgType).Str("reason", reason).Msg("session closed")
		close(s.events)
	})
}
