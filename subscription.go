package mktdata

import (
	"strings"
)

// Subscription is one streaming topic with its field set and option overrides.
type Subscription struct {
	CorrelationID CorrelationID `json:"cid"`
	Topic         string        `json:"topic"`
	Fields        []string      `json:"fields,omitempty"`
	Options       []string      `json:"options,omitempty"`
}

// SubscriptionList is submitted as one ordered, atomic subscribe call.
type SubscriptionList []Subscription

// Add appends an entry. A zero cid is assigned by the session on Subscribe.
func (l *SubscriptionList) Add(topic string, fields, options []string, cid CorrelationID) {
	*l = append(*l, Subscription{
		CorrelationID: cid,
		Topic:         topic,
		Fields:        fields,
		Options:       options,
	})
}

// Topics returns the topics in submission order.
func (l SubscriptionList) Topics() []string {
	topics := make([]string, len(l))
	for i, s := range l {
		topics[i] = s.Topic
	}
	return topics
}

// String renders the entry in the conventional topic?fields=a,b&opt form.
func (s Subscription) String() string {
	var b strings.Builder
	b.WriteString(s.Topic)
	sep := "?"
	if len(s.Fields) > 0 {
		b.WriteString(sep + "fields=" + strings.Join(s.Fields, ","))
		sep = "&"
	}
	for _, opt := range s.Options {
		b.WriteString(sep + opt)
		sep = "&"
	}
	return b.String()
}
