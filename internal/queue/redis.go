package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/coderoom/internal/model"
)

// TerminalTTL is how long a finished job stays readable in Redis.
const TerminalTTL = 24 * time.Hour

// Compile-time interface satisfaction check.
var _ Queue = (*RedisQueue)(nil)

var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
  return 0
end
redis.call('HSET', KEYS[3], unpack(ARGV, 6))
redis.call('LPUSH', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])
redis.call('HINCRBY', KEYS[4], 'lang:' .. ARGV[5], 1)
return 1
`)

var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[4] .. id
redis.call('HSET', key, 'state', 'active', 'worker_id', ARGV[1], 'lease_ms', ARGV[2], 'started_ms', ARGV[3])
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'state', 'worker_id')
if cur[1] ~= 'active' or cur[2] ~= ARGV[2] then
  return cur[1]
end
redis.call('HSET', KEYS[1], 'lease_ms', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'state', 'worker_id')
if cur[1] ~= 'active' or cur[2] ~= ARGV[2] then
  return cur[1]
end
redis.call('HSET', KEYS[1], 'state', ARGV[3], unpack(ARGV, 6))
redis.call('HDEL', KEYS[1], 'lease_ms')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
if ARGV[5] ~= '' then
  redis.call('HINCRBY', KEYS[3], 'duration_sum', ARGV[5])
  redis.call('HINCRBY', KEYS[3], 'duration_n', 1)
end
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
local requeued, failed = {}, {}
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  redis.call('ZREM', KEYS[2], id)
  local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
  redis.call('HDEL', key, 'lease_ms')
  if attempts >= tonumber(ARGV[2]) then
    redis.call('HSET', key, 'state', 'failed', 'error', 'abandoned after ' .. attempts .. ' attempts', 'finished_ms', ARGV[1])
    redis.call('EXPIRE', key, ARGV[4])
    redis.call('HINCRBY', KEYS[3], 'failed', 1)
    table.insert(failed, id)
  else
    redis.call('HSET', key, 'state', 'queued', 'worker_id', '')
    redis.call('RPUSH', KEYS[1], id)
    table.insert(requeued, id)
  end
end
return {requeued, failed}
`)

// RedisQueue implements Queue on Redis so several server processes can share
// one queue. New jobs are pushed on the left of a pending list and claimed
// from the right; reclaimed jobs are pushed back on the right so they run
// next. Active jobs are tracked in a sorted set scored by lease expiry.
// Every state change runs as a Lua script, so it is atomic on the server.
type RedisQueue struct {
	rdb  redis.UniversalClient
	name string
	opts Options
}

// NewRedisQueue returns a queue stored under the given name. The caller owns
// rdb and closes it.
func NewRedisQueue(rdb redis.UniversalClient, name string, opts Options) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name, opts: opts}
}

func (q *RedisQueue) key(suffix string) string {
	return "coderoom:" + q.name + ":" + suffix
}

func (q *RedisQueue) jobPrefix() string {
	return q.key("job:")
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix() + id
}

// Close is a no-op; the Redis client belongs to the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// Enqueue stores the job hash and pushes it on the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	job := &model.Job{
		ID:          model.NewID(),
		State:       model.StateQueued,
		Language:    nj.Language,
		Source:      nj.Source,
		Stdin:       nj.Stdin,
		RoomID:      nj.RoomID,
		SubmittedAt: time.Now().UTC(),
	}
	submitted := job.SubmittedAt.UnixMilli()

	args := []any{
		q.opts.MaxQueued,
		job.ID,
		submitted,
		job.SubmittedAt.Add(-TerminalTTL).UnixMilli(),
		job.Language,
		"id", job.ID,
		"state", job.State,
		"language", job.Language,
		"source", job.Source,
		"stdin", job.Stdin,
		"room_id", job.RoomID,
		"attempts", 0,
		"submitted_ms", submitted,
	}
	keys := []string{q.key("pending"), q.key("index"), q.jobKey(job.ID), q.key("stats")}

	ok, err := enqueueScript.Run(ctx, q.rdb, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue job: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get reads a job hash.
func (q *RedisQueue) Get(ctx context.Context, id string) (*model.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(fields)
}

// Claim pops the oldest pending job and marks it active under workerID.
func (q *RedisQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	now := time.Now()
	keys := []string{q.key("pending"), q.key("active")}
	id, err := claimScript.Run(ctx, q.rdb, keys,
		workerID, now.Add(lease).UnixMilli(), now.UnixMilli(), q.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return q.Get(ctx, id)
}

// Heartbeat extends the lease of an active job held by workerID.
func (q *RedisQueue) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	keys := []string{q.jobKey(id), q.key("active")}
	reply, err := heartbeatScript.Run(ctx, q.rdb, keys,
		id, workerID, time.Now().Add(lease).UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return ownershipError(reply, model.StateActive)
}

// Complete moves an active job to completed with its result attached.
func (q *RedisQueue) Complete(ctx context.Context, id, workerID string, res model.Result) error {
	return q.finish(ctx, id, workerID, model.StateCompleted, "", &res)
}

// Fail moves an active job to failed with errMsg and an optional partial result.
func (q *RedisQueue) Fail(ctx context.Context, id, workerID, errMsg string, res *model.Result) error {
	return q.finish(ctx, id, workerID, model.StateFailed, errMsg, res)
}

func (q *RedisQueue) finish(ctx context.Context, id, workerID, state, errMsg string, res *model.Result) error {
	duration := ""
	args := []any{id, workerID, state, int(TerminalTTL.Seconds())}
	fields := []any{
		"error", errMsg,
		"finished_ms", time.Now().UnixMilli(),
	}
	if res != nil {
		duration = strconv.FormatInt(res.ExecutionTimeMillis, 10)
		fields = append(fields,
			"has_result", 1,
			"stdout", res.Stdout,
			"stderr", res.Stderr,
			"exit_code", res.ExitCode,
			"duration_ms", res.ExecutionTimeMillis,
		)
	}
	args = append(args, duration)
	args = append(args, fields...)

	keys := []string{q.jobKey(id), q.key("active"), q.key("stats")}
	reply, err := finishScript.Run(ctx, q.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return ownershipError(reply, state)
}

// ownershipError decodes a guarded script reply: -1 for a missing job, 1 on
// success, or the job's current state when the guard did not match.
func ownershipError(reply any, target string) error {
	switch v := reply.(type) {
	case int64:
		if v < 0 {
			return ErrNotFound
		}
		return nil
	case string:
		return guardError(v, target)
	default:
		return fmt.Errorf("unexpected script reply %T", reply)
	}
}

// Reclaim requeues or fails active jobs whose lease expired before now.
func (q *RedisQueue) Reclaim(ctx context.Context, now time.Time) (Reclaimed, error) {
	var out Reclaimed

	keys := []string{q.key("pending"), q.key("active"), q.key("stats")}
	raw, err := reclaimScript.Run(ctx, q.rdb, keys,
		now.UnixMilli(), q.opts.maxAttempts(), q.jobPrefix(), int(TerminalTTL.Seconds()),
	).Slice()
	if err != nil {
		return out, fmt.Errorf("reclaim jobs: %w", err)
	}
	if len(raw) == 2 {
		out.Requeued = toStrings(raw[0])
		out.Failed = toStrings(raw[1])
	}
	return out, nil
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// List returns a page of jobs submitted in the last TerminalTTL, newest first.
func (q *RedisQueue) List(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	total, err := q.rdb.ZCard(ctx, q.key("index")).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	ids, err := q.rdb.ZRevRange(ctx, q.key("index"), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, int(total), nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, int(total), nil
}

// Stats reads live queue lengths and the cumulative counters. Finished
// counts include jobs whose hashes have already expired.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.key("pending"))
	active := pipe.ZCard(ctx, q.key("active"))
	counters := pipe.HGetAll(ctx, q.key("stats"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	stats := &Stats{
		CountByState: map[string]int{
			model.StateQueued: int(pending.Val()),
			model.StateActive: int(active.Val()),
		},
		CountByLanguage: make(map[string]int),
	}

	var durationSum, durationN int64
	for field, value := range counters.Val() {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == model.StateCompleted || field == model.StateFailed:
			stats.CountByState[field] = int(n)
		case field == "duration_sum":
			durationSum = n
		case field == "duration_n":
			durationN = n
		case strings.HasPrefix(field, "lang:"):
			stats.CountByLanguage[strings.TrimPrefix(field, "lang:")] = int(n)
		}
	}
	for _, n := range stats.CountByState {
		stats.Total += n
	}
	if durationN > 0 {
		stats.AvgDurationMS = float64(durationSum) / float64(durationN)
	}
	return stats, nil
}

func decodeJob(f map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:       f["id"],
		State:    f["state"],
		Language: f["language"],
		Source:   f["source"],
		Stdin:    f["stdin"],
		RoomID:   f["room_id"],
		Error:    f["error"],
		WorkerID: f["worker_id"],
	}

	var err error
	if job.Attempts, err = atoiField(f, "attempts"); err != nil {
		return nil, err
	}
	submitted, err := msField(f, "submitted_ms")
	if err != nil {
		return nil, err
	}
	if submitted != nil {
		job.SubmittedAt = *submitted
	}
	if job.StartedAt, err = msField(f, "started_ms"); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = msField(f, "finished_ms"); err != nil {
		return nil, err
	}
	if job.LeaseExpiresAt, err = msField(f, "lease_ms"); err != nil {
		return nil, err
	}

	if f["has_result"] == "1" {
		exitCode, err := atoiField(f, "exit_code")
		if err != nil {
			return nil, err
		}
		duration, err := strconv.ParseInt(f["duration_ms"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job %s duration_ms: %w", job.ID, err)
		}
		job.Result = &model.Result{
			Stdout:              f["stdout"],
			Stderr:              f["stderr"],
			ExitCode:            exitCode,
			ExecutionTimeMillis: duration,
		}
	}
	return job, nil
}

func atoiField(f map[string]string, name string) (int, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("decode job %s %s: %w", f["id"], name, err)
	}
	return n, nil
}

func msField(f map[string]string, name string) (*time.Time, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode job %s %s: %w", f["id"], name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
