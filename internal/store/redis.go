package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the compare-and-swap server-side so two verifiers racing
// on the same key can never both win. An empty expected value means the key
// must not exist yet.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// Redis implements Store on a Redis backend. Every call is bounded by
// opTimeout so a slow backend surfaces ErrUnavailable instead of hanging
// the caller.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

func NewRedis(addr, password string, opTimeout time.Duration) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Redis{client: c, opTimeout: opTimeout}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	res, err := casScript.Run(ctx, r.client, []string{key}, string(expected), string(next)).Int()
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	if res != 1 {
		return ErrConflict
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
