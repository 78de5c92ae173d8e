package mktdata

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	lastValuePrefix = "mktdata:last:"
	defaultLastTTL  = 24 * time.Hour
)

// HashStore is the subset of the redis client the cache writes through.
type HashStore interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// LastValueCache keeps the latest non-null scalar field values of every
// subscribed topic in a redis hash.
type LastValueCache struct {
	store  HashStore
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewLastValueCache(store HashStore, ttl time.Duration, logger zerolog.Logger) *LastValueCache {
	if ttl <= 0 {
		ttl = defaultLastTTL
	}
	return &LastValueCache{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "last_value_cache").Logger(),
		now:    time.Now,
	}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func LastValueKey(topic string) string {
	return lastValuePrefix + topic
}

// Store writes the message's scalar fields under its topic. Messages
// without a topic or without scalar values are skipped.
func (c *LastValueCache) Store(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return nil
	}

	fields := make(map[string]any)
	for _, f := range msg.Body.Fields() {
		if f.IsNull() || !f.Type.IsScalar() {
			continue
		}
		fields[f.Name] = FormatValue(f)
	}
	if len(fields) == 0 {
		return nil
	}
	fields["_updated"] = c.now().UTC().Format(time.RFC3339Nano)

	key := LastValueKey(msg.Topic)
	if err := c.store.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("store last values for %s: %w", msg.Topic, err)
	}
	if err := c.store.Expire(ctx, key, c.ttl).Err(); err != nil {
		return fmt.Errorf("expire last values for %s: %w", msg.Topic, err)
	}
	return nil
}

// Wrap returns a Handler that stores data messages before passing them on.
// Cache failures are logged and never stop the loop.
func (c *LastValueCache) Wrap(ctx context.Context, next Handler) Handler {
	if next == nil {
		next = HandlerFuncs{}
	}
	return &cachingHandler{Handler: next, cache: c, ctx: ctx}
}

type cachingHandler struct {
	Handler
	cache *LastValueCache
	ctx   context.Context
}

func (h *cachingHandler) OnData(msg Message) error {
	if err := h.cache.Store(h.ctx, msg); err != nil {
		h.cache.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("last value cache write failed")
	}
	return h.Handler.OnData(msg)
}
