package mktdata

import "fmt"

// Well-known service names. They are passed to the server verbatim.
const (
	ServiceAuth        = "//blp/apiauth"
	ServiceRefData     = "//blp/refdata"
	ServiceMarketData  = "//blp/mktdata"
	ServiceMarketBars  = "//blp/mktbar"
	ServiceFieldLookup = "//blp/apiflds"
)

// Request operation names used by the bundled examples.
const (
	OperationReferenceData  = "ReferenceDataRequest"
	OperationHistoricalData = "HistoricalDataRequest"
	OperationIntradayBar    = "IntradayBarRequest"
	OperationAuthorization  = "AuthorizationRequest"
)

// Service is an opened remote service.
type Service struct {
	name    string
	session *Session
}

func (s *Service) Name() string {
	return s.name
}

// CreateRequest returns an empty request for the named operation.
func (s *Service) CreateRequest(operation string) *Request {
	return &Request{
		service:   s.name,
		operation: operation,
		body:      NewChoice(operation),
	}
}

func (s *Service) CreateAuthorizationRequest() *Request {
	return s.CreateRequest(OperationAuthorization)
}

// Request is a one-shot query under construction. Repeated fields keep
// insertion order; the server answers parallel arrays in that order.
type Request struct {
	service   string
	operation string
	body      *Element
}

func (r *Request) Service() string   { return r.service }
func (r *Request) Operation() string { return r.operation }
func (r *Request) Body() *Element    { return r.body }

// Set assigns a scalar field, replacing any previous value.
func (r *Request) Set(name string, value any) error {
	el, err := NewElement(name, value)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", r.operation, name, err)
	}
	r.body.SetField(el)
	return nil
}

// SetElement assigns a prebuilt element such as a nested choice.
func (r *Request) SetElement(el *Element) {
	r.body.SetField(el)
}

// Append adds values to the named repeated field, creating it when absent.
func (r *Request) Append(name string, values ...any) error {
	seq := r.body.Field(name)
	if seq == nil {
		seq = NewSequence(name)
		r.body.SetField(seq)
	} else if seq.Type != DatatypeSequence {
		return fmt.Errorf("append %s.%s: field is %s, not a sequence", r.operation, name, seq.Type)
	}
	for _, v := range values {
		el, err := NewElement("", v)
		if err != nil {
			return fmt.Errorf("append %s.%s: %w", r.operation, name, err)
		}
		seq.AppendValue(el)
	}
	return nil
}
