package mktdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects the loop's completion rule.
type Mode int

const (
	// ModeRequest ends on the first RESPONSE event.
	ModeRequest Mode = iota
	// ModeSubscription runs until the session ends or every subscription is gone.
	ModeSubscription
)

// StopReason records why a loop ended.
type StopReason int

const (
	StopNone StopReason = iota
	StopResponse
	StopSessionTerminated
	StopSubscriptionsEnded
	StopTimeout
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopResponse:
		return "response"
	case StopSessionTerminated:
		return "session terminated"
	case StopSubscriptionsEnded:
		return "subscriptions ended"
	case StopTimeout:
		return "timeout"
	case StopCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Handler receives routed messages. Returning a *FieldError logs it and
// keeps going; any other error aborts the loop.
type Handler interface {
	OnData(msg Message) error
	OnPartialResponse(msg Message) error
	OnResponse(msg Message) error
	OnStatus(eventType EventType, msg Message) error
}

// HandlerFuncs adapts optional functions to Handler. Nil entries are no-ops.
type HandlerFuncs struct {
	Data            func(Message) error
	PartialResponse func(Message) error
	Response        func(Message) error
	Status          func(EventType, Message) error
}

func (h HandlerFuncs) OnData(msg Message) error {
	if h.Data == nil {
		return nil
	}
	return h.Data(msg)
}

func (h HandlerFuncs) OnPartialResponse(msg Message) error {
	if h.PartialResponse == nil {
		return nil
	}
	return h.PartialResponse(msg)
}

func (h HandlerFuncs) OnResponse(msg Message) error {
	if h.Response == nil {
		return nil
	}
	return h.Response(msg)
}

func (h HandlerFuncs) OnStatus(eventType EventType, msg Message) error {
	if h.Status == nil {
		return nil
	}
	return h.Status(eventType, msg)
}

// EventObserver sees every event before it is routed.
type EventObserver interface {
	Observe(ev Event) error
}

// EventSource is the pull side of a session.
type EventSource interface {
	NextEvent(ctx context.Context, timeout time.Duration) (Event, error)
	Stop() error
	Outstanding(id CorrelationID) bool
	Release(id CorrelationID)
	ActiveSubscriptions() int
}

// Result summarizes a finished loop.
type Result struct {
	Stop     StopReason
	Events   int
	Messages int
	Orphans  []CorrelationID
}

const defaultDrainTimeout = 5 * time.Second

// EventLoop is the single consumer of a session's main event stream.
type EventLoop struct {
	Source        EventSource
	Handler       Handler
	Mode          Mode
	Timeout       time.Duration
	StopOnTimeout bool
	Observers     []EventObserver
	Logger        zerolog.Logger
	Metrics       *Metrics
	DrainTimeout  time.Duration
}

// Run pulls events until a terminal condition. Cancelling ctx stops the
// source and drains it to its terminal status.
func (l *EventLoop) Run(ctx context.Context) (Result, error) {
	var res Result
	handler := l.Handler
	if handler == nil {
		handler = HandlerFuncs{}
	}

	for {
		ev, err := l.Source.NextEvent(ctx, l.Timeout)
		if err != nil {
			if errors.Is(err, ErrSessionStopped) {
				res.Stop = StopSessionTerminated
				return res, nil
			}
			if ctx.Err() != nil {
				l.drain()
				res.Stop = StopCancelled
				return res, ctx.Err()
			}
			return res, fmt.Errorf("next event: %w", err)
		}
		res.Events++

		if ev.Type != EventTimeout {
			for _, obs := range l.Observers {
				if err := obs.Observe(ev); err != nil {
					l.Logger.Warn().Err(err).Str("event", ev.String()).Msg("event observer failed")
				}
			}
		}

		stop, err := l.dispatch(handler, ev, &res)
		if err != nil {
			return res, err
		}
		if stop != StopNone {
			res.Stop = stop
			l.Logger.Debug().Str("stop", stop.String()).Int("events", res.Events).Msg("event loop finished")
			return res, nil
		}
	}
}

func (l *EventLoop) dispatch(handler Handler, ev Event, res *Result) (StopReason, error) {
	if ev.Type == EventTimeout {
		l.Logger.Debug().Dur("timeout", l.Timeout).Msg("no event before timeout")
		if l.StopOnTimeout {
			return StopTimeout, nil
		}
		return StopNone, nil
	}

	subscriptionsReleased := false
	for _, msg := range ev.Messages {
		res.Messages++
		l.checkCorrelation(ev.Type, msg, res)

		var err error
		switch ev.Type {
		case EventSubscriptionData:
			err = handler.OnData(msg)
		case EventPartialResponse:
			err = handler.OnPartialResponse(msg)
		case EventResponse:
			err = handler.OnResponse(msg)
		case EventSubscriptionStatus:
			l.logStatus(ev.Type, msg)
			if msg.Type == MessageSubscriptionFailure || msg.Type == MessageSubscriptionTerminated {
				for _, id := range msg.CorrelationIDs {
					l.Source.Release(id)
				}
				subscriptionsReleased = true
			}
			err = handler.OnStatus(ev.Type, msg)
		default:
			l.logStatus(ev.Type, msg)
			err = handler.OnStatus(ev.Type, msg)
		}

		if err := l.handlerError(msg, err); err != nil {
			return StopNone, err
		}
	}

	switch {
	case ev.IsTerminal():
		return StopSessionTerminated, nil
	case ev.Type == EventResponse:
		l.releaseAll(ev)
		if l.Mode == ModeRequest {
			return StopResponse, nil
		}
	case ev.Type == EventRequestStatus && ev.HasMessage(MessageRequestFailure):
		l.releaseAll(ev)
		if l.Mode == ModeRequest {
			category, description := ev.Messages[0].Reason()
			return StopNone, &RequestError{Category: category, Description: description}
		}
	case subscriptionsReleased && l.Mode == ModeSubscription && l.Source.ActiveSubscriptions() == 0:
		return StopSubscriptionsEnded, nil
	}
	return StopNone, nil
}

// checkCorrelation reports messages whose ids were never submitted or were
// already released. Administrative messages carry no id and are exempt.
func (l *EventLoop) checkCorrelation(eventType EventType, msg Message, res *Result) {
	switch eventType {
	case EventSessionStatus, EventServiceStatus, EventAdmin:
		return
	}
	for _, id := range msg.CorrelationIDs {
		if id == 0 || l.Source.Outstanding(id) {
			continue
		}
		res.Orphans = append(res.Orphans, id)
		l.Metrics.orphan()
		l.Logger.Error().
			Err(&OrphanMessageError{CorrelationID: id, MessageType: msg.Type}).
			Str("event_type", string(eventType)).
			Msg("message for unknown correlation id")
	}
}

func (l *EventLoop) releaseAll(ev Event) {
	for _, msg := range ev.Messages {
		for _, id := range msg.CorrelationIDs {
			l.Source.Release(id)
		}
	}
}

func (l *EventLoop) handlerError(msg Message, err error) error {
	if err == nil {
		return nil
	}
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		l.Logger.Warn().Err(err).Str("message_type", msg.Type).Msg("item error")
		return nil
	}
	return fmt.Errorf("handle %s: %w", msg.Type, err)
}

func (l *EventLoop) logStatus(eventType EventType, msg Message) {
	category, description := msg.Reason()
	entry := l.Logger.Info()
	if category != "" {
		entry = l.Logger.Warn()
	}
	entry.
		Str("event_type", string(eventType)).
		Str("message_type", msg.Type).
		Str("topic", msg.Topic).
		Str("category", category).
		Str("description", description).
		Msg("status")

	exceptions := msg.Body.Field("exceptions")
	if exceptions == nil {
		return
	}
	for _, ex := range exceptions.Values() {
		reason := ex.Field("reason")
		l.Logger.Warn().
			Str("topic", msg.Topic).
			Str("field", ex.GetString("fieldId")).
			Str("category", reason.GetString("category")).
			Str("description", reason.GetString("description")).
			Msg("subscription field exception")
	}
}

func (l *EventLoop) drain() {
	if err := l.Source.Stop(); err != nil {
		l.Logger.Debug().Err(err).Msg("stop during cancellation")
	}
	timeout := l.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	for {
		ev, err := l.Source.NextEvent(context.Background(), timeout)
		if err != nil || ev.Type == EventTimeout || ev.IsTerminal() {
			return
		}
	}
}
