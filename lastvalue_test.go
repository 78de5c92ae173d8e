package mktdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHashStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]any
	expires map[string]time.Duration
	hsetErr error
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{hashes: map[string]map[string]any{}, expires: map[string]time.Duration{}}
}

func (f *fakeHashStore) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	if f.hsetErr != nil {
		return redis.NewIntResult(0, f.hsetErr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = map[string]any{}
		f.hashes[key] = h
	}
	for k, v := range values[0].(map[string]any) {
		h[k] = v
	}
	return redis.NewIntResult(int64(len(h)), nil)
}

func (f *fakeHashStore) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func tick(topic string, fields ...*Element) Message {
	return Message{Type: "MarketDataEvents", CorrelationIDs: []CorrelationID{1}, Topic: topic, Body: NewChoice("MarketDataEvents", fields...)}
}

func TestLastValueCacheStore(t *testing.T) {
	store := newFakeHashStore()
	cache := NewLastValueCache(store, time.Hour, testLogger(t))
	cache.now = func() time.Time { return time.Date(2024, time.March, 5, 9, 30, 0, 0, time.UTC) }

	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, tick("IBM US Equity",
		NewFloat64("LAST_PRICE", 180.25),
		NewNull("BID", DatatypeFloat64),
		NewInt64("VOLUME", 1200),
		NewSequence("TRADES", NewFloat64("", 1)),
	)))
	require.NoError(t, cache.Store(ctx, tick("IBM US Equity", NewFloat64("BID", 180.2))))

	key := LastValueKey("IBM US Equity")
	assert.Equal(t, "mktdata:last:IBM US Equity", key)
	assert.Equal(t, map[string]any{
		"LAST_PRICE": "180.25",
		"VOLUME":     "1200",
		"BID":        "180.2",
		"_updated":   "2024-03-05T09:30:00Z",
	}, store.hashes[key])
	assert.Equal(t, time.Hour, store.expires[key])
}

func TestLastValueCacheSkips(t *testing.T) {
	store := newFakeHashStore()
	cache := NewLastValueCache(store, 0, testLogger(t))
	assert.Equal(t, 24*time.Hour, cache.ttl)

	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, tick("", NewFloat64("LAST_PRICE", 1))))
	require.NoError(t, cache.Store(ctx, tick("IBM US Equity", NewNull("LAST_PRICE", DatatypeFloat64))))
	require.NoError(t, cache.Store(ctx, Message{Topic: "IBM US Equity"}))
	assert.Empty(t, store.hashes)
}

func TestLastValueCacheWrap(t *testing.T) {
	store := newFakeHashStore()
	store.hsetErr = errors.New("connection refused")
	cache := NewLastValueCache(store, time.Minute, testLogger(t))

	var seen []string
	handler := cache.Wrap(context.Background(), HandlerFuncs{
		Data: func(msg Message) error {
			seen = append(seen, msg.Topic)
			return nil
		},
	})

	require.NoError(t, handler.OnData(tick("IBM US Equity", NewFloat64("LAST_PRICE", 1))), "cache failures never reach the loop")
	require.NoError(t, handler.OnResponse(Message{Type: "ReferenceDataResponse"}))
	assert.Equal(t, []string{"IBM US Equity"}, seen)

	store.hsetErr = nil
	require.NoError(t, handler.OnData(tick("MSFT US Equity", NewFloat64("LAST_PRICE", 2))))
	assert.Contains(t, store.hashes, LastValueKey("MSFT US Equity"))
}
