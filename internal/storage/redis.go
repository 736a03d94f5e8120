package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps go-redis and implements the limiter and breaker store
// contracts. Every conditional write runs as a Lua script so the
// read-check-write is a single atomic operation; separate GET/SET calls from
// concurrent replicas could otherwise both observe budget and both proceed.
type RedisClient struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// compareAndSetScript writes ARGV[2] only when the stored value still equals
// ARGV[1] (empty ARGV[1] means the key must not exist). ARGV[3] is a TTL in
// milliseconds, 0 to persist.
var compareAndSetScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if ARGV[1] == '' then
		if cur then return 0 end
	else
		if not cur or cur ~= ARGV[1] then return 0 end
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	else
		redis.call('SET', KEYS[1], ARGV[2])
	end
	return 1
`)

// incrBelowScript increments the counter only while it is below ARGV[1],
// refreshing the TTL (ARGV[2], milliseconds). Returns {count, applied}.
var incrBelowScript = redis.NewScript(`
	local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
	if cur >= tonumber(ARGV[1]) then
		return {cur, 0}
	end
	local n = redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {n, 1}
`)

func bucketKey(identifier string) string {
	return fmt.Sprintf("ratelimit:bucket:%s", identifier)
}

func windowKey(identifier string, window int64) string {
	return fmt.Sprintf("ratelimit:window:%s:%d", identifier, window)
}

func circuitKey(serviceID string) string {
	return fmt.Sprintf("circuit:%s", serviceID)
}

func storeErr(op string, err error) error {
	return errors.Wrapf(ratelimit.ErrStore, "%s: %v", op, err)
}

func (r *RedisClient) GetBucket(ctx context.Context, identifier string) (*ratelimit.TokenBucketRecord, error) {
	data, err := r.client.Get(ctx, bucketKey(identifier)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get bucket", err)
	}

	var rec ratelimit.TokenBucketRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, storeErr("decode bucket", err)
	}
	return &rec, nil
}

func (r *RedisClient) PutBucket(ctx context.Context, identifier string, prev *ratelimit.TokenBucketRecord, next ratelimit.TokenBucketRecord, ttl time.Duration) (bool, error) {
	// Records are only ever written by this marshaller, so re-encoding prev
	// reproduces the stored bytes exactly and the script can compare strings.
	var prevJSON []byte
	if prev != nil {
		var err error
		prevJSON, err = json.Marshal(prev)
		if err != nil {
			return false, storeErr("encode bucket", err)
		}
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return false, storeErr("encode bucket", err)
	}

	res, err := compareAndSetScript.Run(ctx, r.client,
		[]string{bucketKey(identifier)},
		string(prevJSON), string(nextJSON), ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeErr("put bucket", err)
	}
	return res == 1, nil
}

func (r *RedisClient) WindowCounts(ctx context.Context, identifier string, current, previous int64) (uint64, uint64, error) {
	vals, err := r.client.MGet(ctx, windowKey(identifier, current), windowKey(identifier, previous)).Result()
	if err != nil {
		return 0, 0, storeErr("get window counts", err)
	}

	counts := [2]uint64{}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // missing slot counts as zero
		}
		var n uint64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return 0, 0, storeErr("decode window count", err)
		}
		counts[i] = n
	}
	return counts[0], counts[1], nil
}

func (r *RedisClient) IncrWindowBelow(ctx context.Context, identifier string, window int64, ceiling uint64, ttl time.Duration) (uint64, bool, error) {
	res, err := incrBelowScript.Run(ctx, r.client,
		[]string{windowKey(identifier, window)},
		ceiling, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, storeErr("increment window", err)
	}
	if len(res) != 2 {
		return 0, false, storeErr("increment window", fmt.Errorf("unexpected reply %v", res))
	}

	count, _ := res[0].(int64)
	applied, _ := res[1].(int64)
	return uint64(count), applied == 1, nil
}

func (r *RedisClient) GetCircuit(ctx context.Context, serviceID string) (*circuitbreaker.Record, error) {
	data, err := r.client.Get(ctx, circuitKey(serviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get circuit", err)
	}

	var rec circuitbreaker.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, storeErr("decode circuit", err)
	}
	return &rec, nil
}

func (r *RedisClient) PutCircuit(ctx context.Context, serviceID string, prev *circuitbreaker.Record, next circuitbreaker.Record) (bool, error) {
	var prevJSON []byte
	if prev != nil {
		var err error
		prevJSON, err = json.Marshal(prev)
		if err != nil {
			return false, storeErr("encode circuit", err)
		}
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return false, storeErr("encode circuit", err)
	}

	// Circuit records are never expired; the history survives restarts.
	res, err := compareAndSetScript.Run(ctx, r.client,
		[]string{circuitKey(serviceID)},
		string(prevJSON), string(nextJSON), 0).Int()
	if err != nil {
		return false, storeErr("put circuit", err)
	}
	return res == 1, nil
}
