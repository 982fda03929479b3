package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

const (
	maxTxRetries = 8

	// redisCheck is sealed under the store key on first use so a later
	// open can tell a wrong passphrase from an empty store.
	redisCheck = "peerchat redis store"
)

// RedisStore keeps peer.Store records in Redis. Every value is JSON sealed
// with crypto.Encrypt under a key derived from the store passphrase, the same
// way FileStore seals its data file.
//
// Keys, all under the configured prefix (prefix:peer:<id> and so on):
//
//	salt                  KDF salt for the store key, in the clear
//	check                 sealed marker used to verify the passphrase
//	peer:<id>             sealed Identity
//	peer:addr:<address>   id of the peer at address
//	peers                 set of peer ids
//	chat:<peer id>        list of sealed ChatEntry
//	pending:<address>     sorted set of pending ids, scored by queue time
//	pending:msg:<id>      sealed PendingMessage
//	token:<key id>        sealed Token, expiring with the token
//	tokens                set of key ids
type RedisStore struct {
	rdb          *redis.Client
	prefix       string
	sealKey      []byte
	timeProvider crypto.TimeProvider
}

// NewRedisStore wraps rdb. prefix namespaces every key and key seals every
// value; it must be crypto.KeySize bytes.
func NewRedisStore(rdb *redis.Client, prefix string, key []byte) (*RedisStore, error) {
	return NewRedisStoreWithTimeProvider(rdb, prefix, key, nil)
}

// NewRedisStoreWithTimeProvider is NewRedisStore with a custom clock used for
// token TTLs.
func NewRedisStoreWithTimeProvider(rdb *redis.Client, prefix string, key []byte, tp crypto.TimeProvider) (*RedisStore, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("redis store key is %d bytes, want %d", len(key), crypto.KeySize)
	}
	return &RedisStore{
		rdb:          rdb,
		prefix:       strings.TrimSuffix(prefix, ":"),
		sealKey:      append([]byte(nil), key...),
		timeProvider: crypto.OrSystem(tp),
	}, nil
}

// DialRedis connects to url (redis://...), derives the store key from
// passphrase and the salt kept in Redis, and checks the passphrase against
// the stored marker.
func DialRedis(ctx context.Context, url, prefix string, passphrase []byte, params crypto.KDFParams) (*RedisStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", peer.ErrStore, err)
	}

	s, err := openRedis(ctx, rdb, prefix, passphrase, params)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialRedis",
		"addr":     opts.Addr,
		"prefix":   s.prefix,
	}).Info("Connected to Redis store")
	return s, nil
}

func openRedis(ctx context.Context, rdb *redis.Client, prefix string, passphrase []byte, params crypto.KDFParams) (*RedisStore, error) {
	keys := &RedisStore{prefix: strings.TrimSuffix(prefix, ":")}

	fresh := make([]byte, SaltSize)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := rdb.SetNX(ctx, keys.key("salt"), fresh, 0).Err(); err != nil {
		return nil, storeErr("init salt", err)
	}
	salt, err := rdb.Get(ctx, keys.key("salt")).Bytes()
	if err != nil {
		return nil, storeErr("get salt", err)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes, want %d", peer.ErrStore, len(salt), SaltSize)
	}

	key, err := crypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}
	defer crypto.ZeroBytes(key)

	s, err := NewRedisStore(rdb, prefix, key)
	if err != nil {
		return nil, err
	}

	check, err := crypto.Encrypt(s.sealKey, []byte(redisCheck))
	if err != nil {
		return nil, err
	}
	if err := rdb.SetNX(ctx, s.key("check"), check, 0).Err(); err != nil {
		return nil, storeErr("init check", err)
	}
	stored, err := rdb.Get(ctx, s.key("check")).Bytes()
	if err != nil {
		return nil, storeErr("get check", err)
	}
	if plain, err := crypto.Decrypt(s.sealKey, stored); err != nil || string(plain) != redisCheck {
		crypto.ZeroBytes(s.sealKey)
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

func (r *RedisStore) key(parts ...string) string {
	if r.prefix == "" {
		return strings.Join(parts, ":")
	}
	return r.prefix + ":" + strings.Join(parts, ":")
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", peer.ErrStore, op, err)
}

// seal encodes v as JSON and encrypts it under the store key.
func (r *RedisStore) seal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(data)
	return crypto.Encrypt(r.sealKey, data)
}

// unseal reverses seal.
func (r *RedisStore) unseal(raw []byte, v any) error {
	data, err := crypto.Decrypt(r.sealKey, raw)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(data)
	return json.Unmarshal(data, v)
}

func (r *RedisStore) getSealed(ctx context.Context, key string, v any, notFound error) error {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return storeErr("get "+key, err)
	}
	if err := r.unseal(raw, v); err != nil {
		return storeErr("decode "+key, err)
	}
	return nil
}

// PutPeer creates or replaces a peer record.
func (r *RedisStore) PutPeer(ctx context.Context, p *peer.Identity) error {
	data, err := r.seal(p)
	if err != nil {
		return storeErr("encode peer", err)
	}

	var previous peer.Identity
	hadPrevious := r.getSealed(ctx, r.key("peer", p.ID), &previous, peer.ErrNotFound) == nil

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if hadPrevious && previous.Address != p.Address {
			pipe.Del(ctx, r.key("peer", "addr", previous.Address.String()))
		}
		pipe.Set(ctx, r.key("peer", p.ID), data, 0)
		pipe.Set(ctx, r.key("peer", "addr", p.Address.String()), p.ID, 0)
		pipe.SAdd(ctx, r.key("peers"), p.ID)
		return nil
	})
	if err != nil {
		return storeErr("put peer", err)
	}
	return nil
}

// GetPeer returns the record with id.
func (r *RedisStore) GetPeer(ctx context.Context, id string) (*peer.Identity, error) {
	var p peer.Identity
	if err := r.getSealed(ctx, r.key("peer", id), &p, fmt.Errorf("peer %s: %w", id, peer.ErrNotFound)); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPeerByAddress returns the record for addr.
func (r *RedisStore) GetPeerByAddress(ctx context.Context, addr transport.Address) (*peer.Identity, error) {
	id, err := r.rdb.Get(ctx, r.key("peer", "addr", addr.String())).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("peer %s: %w", addr.Short(), peer.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get peer address", err)
	}
	return r.GetPeer(ctx, id)
}

// UpdatePeer applies u inside an optimistic WATCH transaction.
func (r *RedisStore) UpdatePeer(ctx context.Context, id string, u peer.Update) (*peer.Identity, error) {
	key := r.key("peer", id)
	var out *peer.Identity

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("peer %s: %w", id, peer.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var p peer.Identity
		if err := r.unseal(raw, &p); err != nil {
			return err
		}
		u.Apply(&p)

		data, err := r.seal(&p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = &p
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, peer.ErrNotFound):
			return nil, err
		default:
			return nil, storeErr("update peer", err)
		}
	}
	return nil, storeErr("update peer", fmt.Errorf("transaction retries exhausted"))
}

// DeletePeer removes the record with id.
func (r *RedisStore) DeletePeer(ctx context.Context, id string) error {
	p, err := r.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("peer", id), r.key("peer", "addr", p.Address.String()))
		pipe.SRem(ctx, r.key("peers"), id)
		return nil
	})
	if err != nil {
		return storeErr("delete peer", err)
	}
	return nil
}

// ListPeers returns all records, oldest first.
func (r *RedisStore) ListPeers(ctx context.Context) ([]*peer.Identity, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("peers")).Result()
	if err != nil {
		return nil, storeErr("list peers", err)
	}

	out := make([]*peer.Identity, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetPeer(ctx, id)
		if errors.Is(err, peer.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortPeers(out)
	return out, nil
}

// AppendChat adds an entry to a peer's history.
func (r *RedisStore) AppendChat(ctx context.Context, e peer.ChatEntry) error {
	data, err := r.seal(e)
	if err != nil {
		return storeErr("encode chat entry", err)
	}
	if err := r.rdb.RPush(ctx, r.key("chat", e.PeerID), data).Err(); err != nil {
		return storeErr("append chat", err)
	}
	return nil
}

// ListChat returns a peer's history oldest first.
func (r *RedisStore) ListChat(ctx context.Context, peerID string) ([]peer.ChatEntry, error) {
	items, err := r.rdb.LRange(ctx, r.key("chat", peerID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list chat", err)
	}

	out := make([]peer.ChatEntry, 0, len(items))
	for _, item := range items {
		var e peer.ChatEntry
		if err := r.unseal([]byte(item), &e); err != nil {
			return nil, storeErr("decode chat entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteChat drops a peer's history.
func (r *RedisStore) DeleteChat(ctx context.Context, peerID string) error {
	if err := r.rdb.Del(ctx, r.key("chat", peerID)).Err(); err != nil {
		return storeErr("delete chat", err)
	}
	return nil
}

// AppendPending queues a message.
func (r *RedisStore) AppendPending(ctx context.Context, m peer.PendingMessage) error {
	data, err := r.seal(m)
	if err != nil {
		return storeErr("encode pending message", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("pending", "msg", m.ID), data, 0)
		pipe.ZAdd(ctx, r.key("pending", m.Dest.String()), redis.Z{
			Score:  float64(m.QueuedAt.UnixNano()),
			Member: m.ID,
		})
		return nil
	})
	if err != nil {
		return storeErr("append pending", err)
	}
	return nil
}

// ListPending returns the queue for dest oldest first.
func (r *RedisStore) ListPending(ctx context.Context, dest transport.Address) ([]peer.PendingMessage, error) {
	ids, err := r.rdb.ZRange(ctx, r.key("pending", dest.String()), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list pending", err)
	}

	out := make([]peer.PendingMessage, 0, len(ids))
	for _, id := range ids {
		var m peer.PendingMessage
		err := r.getSealed(ctx, r.key("pending", "msg", id), &m, peer.ErrNotFound)
		if errors.Is(err, peer.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeletePending removes a queued message.
func (r *RedisStore) DeletePending(ctx context.Context, id string) error {
	var m peer.PendingMessage
	if err := r.getSealed(ctx, r.key("pending", "msg", id), &m, fmt.Errorf("pending message %s: %w", id, peer.ErrNotFound)); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("pending", "msg", id))
		pipe.ZRem(ctx, r.key("pending", m.Dest.String()), id)
		return nil
	})
	if err != nil {
		return storeErr("delete pending", err)
	}
	return nil
}

// PutToken stores a token; Redis drops it once it expires.
func (r *RedisStore) PutToken(ctx context.Context, t *peer.Token) error {
	data, err := r.seal(t)
	if err != nil {
		return storeErr("encode token", err)
	}

	ttl := t.Expiration.Sub(r.timeProvider.Now())
	if ttl < time.Second {
		ttl = time.Second
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("token", t.KeyID.String()), data, ttl)
		pipe.SAdd(ctx, r.key("tokens"), t.KeyID.String())
		return nil
	})
	if err != nil {
		return storeErr("put token", err)
	}
	return nil
}

// GetToken returns the token with keyID.
func (r *RedisStore) GetToken(ctx context.Context, keyID transport.KeyID) (*peer.Token, error) {
	var t peer.Token
	if err := r.getSealed(ctx, r.key("token", keyID.String()), &t, fmt.Errorf("token %s: %w", keyID, peer.ErrNotFound)); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken removes the token. Only one concurrent caller sees success.
func (r *RedisStore) DeleteToken(ctx context.Context, keyID transport.KeyID) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.key("token", keyID.String()))
		pipe.SRem(ctx, r.key("tokens"), keyID.String())
		return nil
	})
	if err != nil {
		return storeErr("delete token", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("token %s: %w", keyID, peer.ErrNotFound)
	}
	return nil
}

// ListTokens returns the stored tokens that have not expired in Redis.
func (r *RedisStore) ListTokens(ctx context.Context) ([]*peer.Token, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("tokens")).Result()
	if err != nil {
		return nil, storeErr("list tokens", err)
	}

	var out []*peer.Token
	for _, id := range ids {
		var t peer.Token
		err := r.getSealed(ctx, r.key("token", id), &t, peer.ErrNotFound)
		if errors.Is(err, peer.ErrNotFound) {
			// Expired in Redis; drop the dangling index entry.
			if err := r.rdb.SRem(ctx, r.key("tokens"), id).Err(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "RedisStore.ListTokens",
					"key_id":   id,
					"error":    err.Error(),
				}).Warn("Failed to drop expired token from index")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

// Close wipes the store key and closes the Redis client.
func (r *RedisStore) Close() error {
	crypto.ZeroBytes(r.sealKey)
	return r.rdb.Close()
}

var _ peer.Store = (*RedisStore)(nil)
