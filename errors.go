package mktdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotStarted      = errors.New("session not started")
	ErrSessionAlreadyStarted  = errors.New("session already started")
	ErrSessionStopped         = errors.New("session stopped")
	ErrDuplicateCorrelationID = errors.New("correlation id already outstanding")
	ErrMissingAuthName        = errors.New("authentication mode requires an application or directory name")
	ErrUnknownAuthMode        = errors.New("unknown authentication mode")
	ErrEmptySubscriptionList  = errors.New("subscription list is empty")
	ErrQueueClosed            = errors.New("event queue closed")
	ErrRecorderClosed         = errors.New("recorder closed")
)

// ConnectionError reports that no session could be established. Fatal.
type ConnectionError struct {
	Hosts    []string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session failed to start after %d attempts on [%s]: %v", e.Attempts, strings.Join(e.Hosts, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports a failed token or authorization exchange.
type AuthenticationError struct {
	Stage  AuthState
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed in %s", e.Stage)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RequestError reports a failed service open or a response-level error.
type RequestError struct {
	Service     string
	Category    string
	Description string
	Err         error
}

func (e *RequestError) Error() string {
	msg := "request failed"
	if e.Service != "" {
		msg += " on " + e.Service
	}
	if e.Category != "" || e.Description != "" {
		msg += fmt.Sprintf(": %s %s", e.Category, e.Description)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return strings.TrimSpace(msg)
}

func (e *RequestError) Unwrap() error { return e.Err }

// FieldError is an item-level error nested in an otherwise successful response.
type FieldError struct {
	Security string
	Field    string
	Category string
	Message  string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s %s", e.Security, e.Category, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s %s", e.Security, e.Field, e.Category, e.Message)
}

// ProtocolError reports a malformed or unexpected frame from the service.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// OrphanMessageError reports an inbound message whose correlation id was never submitted.
type OrphanMessageError struct {
	CorrelationID CorrelationID
	MessageType   string
}

func (e *OrphanMessageError) Error() string {
	return fmt.Sprintf("orphan %s message for correlation id %d", e.MessageType, e.CorrelationID)
}

// IsFatal reports whether err leaves the run with nothing useful to do.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connErr *ConnectionError
	var authErr *AuthenticationError
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &connErr), errors.As(err, &authErr), errors.As(err, &protoErr):
		return true
	case errors.Is(err, ErrSessionStopped), errors.Is(err, ErrSessionNotStarted):
		return true
	}

	var reqErr *RequestError
	var fieldErr *FieldError
	var orphanErr *OrphanMessageError
	if errors.As(err, &reqErr) || errors.As(err, &fieldErr) || errors.As(err, &orphanErr) {
		return false
	}
	return true
}
