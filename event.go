package mktdata

import (
	"fmt"
	"strings"
)

// EventType is the category shared by every message of an Event.
type EventType string

const (
	EventSessionStatus      EventType = "SESSION_STATUS"
	EventServiceStatus      EventType = "SERVICE_STATUS"
	EventSubscriptionStatus EventType = "SUBSCRIPTION_STATUS"
	EventSubscriptionData   EventType = "SUBSCRIPTION_DATA"
	EventPartialResponse    EventType = "PARTIAL_RESPONSE"
	EventResponse           EventType = "RESPONSE"
	EventTokenStatus        EventType = "TOKEN_STATUS"
	EventRequestStatus      EventType = "REQUEST_STATUS"
	EventAdmin              EventType = "ADMIN"
	EventTimeout            EventType = "TIMEOUT"
)

// Message types observed on the status and token streams.
const (
	MessageSessionStarted          = "SessionStarted"
	MessageSessionStartupFailure   = "SessionStartupFailure"
	MessageSessionTerminated       = "SessionTerminated"
	MessageSessionConnectionUp     = "SessionConnectionUp"
	MessageSessionConnectionDown   = "SessionConnectionDown"
	MessageServiceOpened           = "ServiceOpened"
	MessageServiceOpenFailure      = "ServiceOpenFailure"
	MessageSubscriptionStarted     = "SubscriptionStarted"
	MessageSubscriptionFailure     = "SubscriptionFailure"
	MessageSubscriptionTerminated  = "SubscriptionTerminated"
	MessageTokenGenerationSuccess  = "TokenGenerationSuccess"
	MessageTokenGenerationFailure  = "TokenGenerationFailure"
	MessageAuthorizationSuccess    = "AuthorizationSuccess"
	MessageAuthorizationFailure    = "AuthorizationFailure"
	MessageRequestFailure          = "RequestFailure"
	MessageSlowConsumerWarning     = "SlowConsumerWarning"
	MessageSlowConsumerWarningDone = "SlowConsumerWarningCleared"
)

// Event is one inbound batch of messages sharing a category.
type Event struct {
	Type     EventType `json:"eventType"`
	Messages []Message `json:"messages,omitempty"`
}

// Message is one inbound unit answering zero or more correlation ids.
type Message struct {
	Type           string          `json:"type"`
	CorrelationIDs []CorrelationID `json:"cids,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Body           *Element        `json:"body,omitempty"`
}

// CorrelationID returns the first correlation id of the message, or zero.
func (m Message) CorrelationID() CorrelationID {
	if len(m.CorrelationIDs) == 0 {
		return 0
	}
	return m.CorrelationIDs[0]
}

// Reason extracts category and description from the message's reason element.
func (m Message) Reason() (category, description string) {
	reason := m.Body.Field("reason")
	if reason == nil {
		return "", ""
	}
	return reason.GetString("category"), reason.GetString("description")
}

func (e Event) String() string {
	types := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		types = append(types, m.Type)
	}
	return fmt.Sprintf("%s[%s]", e.Type, strings.Join(types, ","))
}

// HasMessage reports whether any message in the event has the given type.
func (e Event) HasMessage(msgType string) bool {
	for _, m := range e.Messages {
		if m.Type == msgType {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the event ends the session's event stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventSessionStatus &&
		(e.HasMessage(MessageSessionTerminated) || e.HasMessage(MessageSessionStartupFailure))
}

func reasonElement(category, description string) *Element {
	return NewChoice("reason",
		NewString("category", category),
		NewString("description", description),
	)
}

func sessionStatusEvent(msgType, description string) Event {
	msg := Message{Type: msgType}
	if description != "" {
		msg.Body = NewChoice(msgType, reasonElement("SESSION", description))
	}
	return Event{Type: EventSessionStatus, Messages: []Message{msg}}
}

func requestFailureEvent(cid CorrelationID, category, description string) Event {
	return Event{Type: EventRequestStatus, Messages: []Message{{
		Type:           MessageRequestFailure,
		CorrelationIDs: []CorrelationID{cid},
		Body:           NewChoice(MessageRequestFailure, reasonElement(category, description)),
	}}}
}
