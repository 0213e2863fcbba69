package cache

import (
	"context"
	"testing"
	"time"

	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedProduct struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), config.RedisConfig{Addr: srv.Addr(), ProductTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, srv
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	var got cachedProduct
	found, err := store.Get(ctx, "product:1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "product:1", cachedProduct{ID: 1, Name: "Kenya AA", Price: "10.00"}))
	assert.Equal(t, time.Minute, srv.TTL("product:1"))

	found, err = store.Get(ctx, "product:1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cachedProduct{ID: 1, Name: "Kenya AA", Price: "10.00"}, got)

	require.NoError(t, store.Delete(ctx, "product:1", "product:2"))
	assert.False(t, srv.Exists("product:1"))
	require.NoError(t, store.Delete(ctx))
}

func TestRedisStoreExpiry(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "product:7", cachedProduct{ID: 7}))
	srv.FastForward(2 * time.Minute)

	found, err := store.Get(ctx, "product:7", &cachedProduct{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreDecodeError(t *testing.T) {
	store, srv := newTestStore(t)
	require.NoError(t, srv.Set("product:3", "not json"))

	found, err := store.Get(context.Background(), "product:3", &cachedProduct{})
	assert.Error(t, err)
	assert.False(t, found)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, srv := newTestStore(t)
	addr := srv.Addr()
	srv.Close()

	_, err := store.Get(context.Background(), "product:1", &cachedProduct{})
	assert.Error(t, err)

	_, err = NewRedisStore(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
