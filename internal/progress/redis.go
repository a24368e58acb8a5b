package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// addScript increments processed clamped at total and returns the full hash,
// or an empty reply when the entry does not exist.
var addScript = redis.NewScript(`
local total = redis.call('HGET', KEYS[1], 'total')
if not total then return {} end
total = tonumber(total)
local p = tonumber(redis.call('HGET', KEYS[1], 'processed') or '0') + tonumber(ARGV[1])
if p > total then p = total end
redis.call('HSET', KEYS[1], 'processed', p, 'updated', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// updateScript sets fields on an existing entry and optionally resets its TTL.
// ARGV[1] is the TTL in milliseconds (0 keeps the current one).
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

// startScript creates an entry with its TTL in one step. It returns 0 when
// the id is already taken. ARGV: total, stage, updated, TTL in milliseconds.
var startScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'total', ARGV[1], 'processed', 0, 'stage', ARGV[2],
  'done', 0, 'failed', 0, 'updated', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore keeps entries as hashes at <prefix>progress:<id>. Expiry is
// enforced by Redis, so Sweep has nothing to do.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	runningTTL time.Duration
	doneTTL    time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, runningTTL, doneTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		runningTTL: runningTTL,
		doneTTL:    doneTTL,
	}
}

// Dial parses a redis:// URL and verifies the server answers PING.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "progress:" + id
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (s *RedisStore) Start(ctx context.Context, id string, total int) error {
	created, err := startScript.Run(ctx, s.client, []string{s.key(id)},
		max(total, 0), StageQueued, nowMillis(), s.runningTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("progress start: %w", err)
	}
	if created == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, id string, n int) (State, error) {
	res, err := addScript.Run(ctx, s.client, []string{s.key(id)}, max(n, 0), nowMillis()).StringSlice()
	if err != nil {
		return State{}, fmt.Errorf("progress add: %w", err)
	}
	if len(res) == 0 {
		return State{}, ErrNotFound
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return parseState(fields), nil
}

func (s *RedisStore) update(ctx context.Context, id string, ttl time.Duration, fields ...any) error {
	args := append([]any{ttl.Milliseconds()}, fields...)
	n, err := updateScript.Run(ctx, s.client, []string{s.key(id)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SetStage(ctx context.Context, id, stage string) error {
	if err := s.update(ctx, id, 0, "stage", stage, "updated", nowMillis()); err != nil {
		return fmt.Errorf("progress stage: %w", err)
	}
	return nil
}

func (s *RedisStore) Finish(ctx context.Context, id string, failed bool, message string) error {
	f := 0
	if failed {
		f = 1
	}
	err := s.update(ctx, id, s.doneTTL,
		"done", 1, "failed", f, "stage", StageDone, "message", message, "updated", nowMillis())
	if err != nil {
		return fmt.Errorf("progress finish: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("progress get: %w", err)
	}
	if len(fields) == 0 {
		return State{}, ErrNotFound
	}
	return parseState(fields), nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) int {
	return 0
}

func parseState(f map[string]string) State {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	processed, total := atoi("processed"), atoi("total")
	var updated time.Time
	if ms, err := strconv.ParseInt(f["updated"], 10, 64); err == nil {
		updated = time.UnixMilli(ms)
	}
	return State{
		Processed: processed,
		Total:     total,
		Percent:   Percent(processed, total),
		Done:      f["done"] == "1",
		Stage:     f["stage"],
		Failed:    f["failed"] == "1",
		Message:   f["message"],
		UpdatedAt: updated,
	}
}
