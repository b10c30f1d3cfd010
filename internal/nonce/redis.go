package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// KeyPrefix is prepended to every nonce key in Redis.
const KeyPrefix = "quadran:nonce:"

// consumeScript checks namespace, expiry and prior use, then marks the nonce
// consumed. Redis runs scripts atomically, so concurrent callers serialize.
//
// KEYS[1] = nonce key
// ARGV[1] = namespace, ARGV[2] = now (ms), ARGV[3] = ttl (ms)
var consumeScript = redis.NewScript(`
local ns = redis.call("HGET", KEYS[1], "ns")
if not ns then
  return {"unknown", 0}
end
local iat = tonumber(redis.call("HGET", KEYS[1], "iat"))
if ns ~= ARGV[1] then
  return {"badctx", iat}
end
if tonumber(ARGV[2]) - iat > tonumber(ARGV[3]) then
  return {"expired", iat}
end
if redis.call("HEXISTS", KEYS[1], "used") == 1 then
  return {"replay", iat}
end
redis.call("HSET", KEYS[1], "used", ARGV[2])
return {"ok", iat}
`)

// RedisStore keeps nonces as Redis hashes that expire after the retention
// window.
type RedisStore struct {
	client redis.UniversalClient
	policy Policy
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed nonce store. A nil now defaults to
// time.Now.
func NewRedisStore(client redis.UniversalClient, policy Policy, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, policy: policy.withDefaults(), now: now}
}

// Policy returns the effective policy.
func (s *RedisStore) Policy() Policy {
	return s.policy
}

// Issue implements Store.
func (s *RedisStore) Issue(ctx context.Context, namespace string) (Issued, error) {
	ns := NormalizeNamespace(namespace)
	if err := checkNamespace(s.policy, ns); err != nil {
		return Issued{}, err
	}

	token, err := NewToken()
	if err != nil {
		return Issued{}, err
	}

	issuedAt := store.FromMillis(store.Millis(s.now()))
	key := KeyPrefix + token
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "ns", ns, "iat", store.Millis(issuedAt))
		pipe.PExpire(ctx, key, s.policy.Retention)
		return nil
	})
	if err != nil {
		return Issued{}, fmt.Errorf("issue nonce: %w", err)
	}

	return Issued{Nonce: token, IssuedAt: issuedAt, Namespace: ns}, nil
}

// Verify implements Store.
func (s *RedisStore) Verify(ctx context.Context, nonce string, issuedAt time.Time, namespace string, now time.Time) error {
	ns := NormalizeNamespace(namespace)
	if err := precheck(s.policy, nonce, issuedAt, ns, now); err != nil {
		return err
	}

	res, err := consumeScript.Run(ctx, s.client,
		[]string{KeyPrefix + nonce},
		ns, store.Millis(now), s.policy.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("consume nonce: unexpected script reply %v", res)
	}

	status, _ := res[0].(string)
	stored, _ := res[1].(int64)
	switch status {
	case "ok":
		return nil
	case "unknown":
		return verdict.New(verdict.ReasonUnknownNonce, "nonce was not issued by this store")
	case "badctx":
		return verdict.New(verdict.ReasonBadContext, "nonce was issued for a different namespace")
	case "expired":
		return checkExpiry(s.policy, store.FromMillis(stored), now)
	case "replay":
		return verdict.New(verdict.ReasonReplay, "nonce already consumed")
	default:
		return fmt.Errorf("consume nonce: unexpected status %q", status)
	}
}

// Prune implements Store. Keys expire on their own after the retention
// window, so there is nothing to delete.
func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
