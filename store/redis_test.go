package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(rdb, "test:", bytes.Repeat([]byte{7}, crypto.KeySize))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return mr, s
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) peer.Store {
		_, s := newTestRedis(t)
		return s
	})
}

func TestRedisStoreTokenExpires(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	tok, err := peer.NewToken(transport.DeriveAddress([]byte("ttl")), time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutToken(ctx, tok))

	ttl := mr.TTL("test:token:" + tok.KeyID.String())
	assert.Greater(t, ttl, 50*time.Second)

	mr.FastForward(2 * time.Minute)

	_, err = s.GetToken(ctx, tok.KeyID)
	assert.ErrorIs(t, err, peer.ErrNotFound)

	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRedisStoreAddressIndexFollowsPut(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	p := testIdentity(t, "moving")
	require.NoError(t, s.PutPeer(ctx, p))

	oldAddr := p.Address
	p.Address = transport.DeriveAddress([]byte("moved"))
	require.NoError(t, s.PutPeer(ctx, p))

	_, err := s.GetPeerByAddress(ctx, oldAddr)
	assert.ErrorIs(t, err, peer.ErrNotFound)
	got, err := s.GetPeerByAddress(ctx, p.Address)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, s := newTestRedis(t)
	mr.Close()

	_, err := s.ListPeers(context.Background())
	assert.ErrorIs(t, err, peer.ErrStore)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	url := "redis://" + mr.Addr()

	s, err := DialRedis(ctx, url, "dial", []byte("hunter2"), fastKDF)
	require.NoError(t, err)
	p := testIdentity(t, "dial")
	require.NoError(t, s.PutPeer(ctx, p))
	require.NoError(t, s.Close())

	assert.True(t, mr.Exists("dial:peers"))
	assert.True(t, mr.Exists("dial:peer:"+p.ID))
	assert.True(t, mr.Exists("dial:salt"))

	_, err = DialRedis(ctx, url, "dial", []byte("wrong"), fastKDF)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	s, err = DialRedis(ctx, url, "dial", []byte("hunter2"), fastKDF)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetPeer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.PrivateKey, got.PrivateKey)
}

func TestRedisStoreSealsValues(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	p := testIdentity(t, "sealed")
	p.SessionKey = bytes.Repeat([]byte{0xab}, crypto.KeySize)
	require.NoError(t, s.PutPeer(ctx, p))

	raw, err := mr.Get("test:peer:" + p.ID)
	require.NoError(t, err)
	assert.False(t, json.Valid([]byte(raw)))
	assert.NotContains(t, raw, string(p.PrivateKey))
	assert.NotContains(t, raw, string(p.SessionKey))

	got, err := s.GetPeer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.SessionKey, got.SessionKey)
}

func TestRedisStoreDeleteTokenOnce(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	tok, err := peer.NewToken(transport.DeriveAddress([]byte("once")), time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutToken(ctx, tok))

	require.NoError(t, s.DeleteToken(ctx, tok.KeyID))
	assert.False(t, mr.Exists("test:tokens"))
	assert.ErrorIs(t, s.DeleteToken(ctx, tok.KeyID), peer.ErrNotFound)
}
