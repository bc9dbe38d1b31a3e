package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementIfBelowScript atomically reads the counter, rejects when it has
// reached the limit, and otherwise increments. The expiry is set only on the
// first increment of a window so the key dies exactly at the window boundary.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = expiry (unix milliseconds)
// Returns: {admitted (0|1), used}.
var incrementIfBelowScript = redis.NewScript(`
		local used  = tonumber(redis.call('GET', KEYS[1]) or '0')
		local limit = tonumber(ARGV[1])

		if used >= limit then
			return {0, used}
		end

		used = redis.call('INCR', KEYS[1])
		if used == 1 then
			redis.call('PEXPIREAT', KEYS[1], tonumber(ARGV[2]))
		end
		return {1, used}
`)

// RedisStore implements Store on a shared Redis, making the budget global
// across gateway replicas.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) IncrementIfBelow(ctx context.Context, key string, limit int, expireAt time.Time) (bool, int, error) {
	res, err := incrementIfBelowScript.Run(ctx, s.rdb,
		[]string{key},
		limit, expireAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, nil
	}
	return res[0] == 1, int(res[1]), nil
}
