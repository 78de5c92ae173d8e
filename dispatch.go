package mktdata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Dispatcher builds and submits one-shot requests and subscription lists,
// pacing outbound traffic with a token-bucket limiter.
type Dispatcher struct {
	session *Session
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewDispatcher wraps session. A nil limiter leaves submissions unpaced.
func NewDispatcher(session *Session, limiter *rate.Limiter, logger zerolog.Logger) *Dispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Dispatcher{
		session: session,
		limiter: limiter,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Request opens serviceName, lets build populate the request and submits it
// once. value is kept as the correlation context. There is no retry.
func (d *Dispatcher) Request(ctx context.Context, serviceName, operation string, build func(*Request) error, identity *Identity, value any) (CorrelationID, error) {
	svc, err := d.session.OpenService(ctx, serviceName)
	if err != nil {
		return 0, err
	}

	req := svc.CreateRequest(operation)
	if build != nil {
		if err := build(req); err != nil {
			return 0, fmt.Errorf("build %s: %w", operation, err)
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("wait to send %s: %w", operation, err)
	}

	if value == nil {
		value = operation
	}
	cid := d.session.NewCorrelationID(value)
	if _, err := d.session.SendRequest(req, identity, cid, nil); err != nil {
		d.session.Release(cid)
		return 0, &RequestError{Service: serviceName, Err: err}
	}

	d.logger.Info().Str("service", serviceName).Str("operation", operation).Uint64("cid", uint64(cid)).Msg("request sent")
	return cid, nil
}

// Subscribe submits list as one call under identity. Mixing authorized and
// unauthorized entries needs two calls.
func (d *Dispatcher) Subscribe(ctx context.Context, list SubscriptionList, identity *Identity) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait to subscribe: %w", err)
	}
	return d.session.Subscribe(list, identity)
}

func (d *Dispatcher) Unsubscribe(ctx context.Context, list SubscriptionList) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait to unsubscribe: %w", err)
	}
	return d.session.Unsubscribe(list)
}
