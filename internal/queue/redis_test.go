package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/coderoom/internal/model"
)

func newRedisTestQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisQueue(rdb, "test", opts), mr
}

func TestRedisEnqueueAndGet(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, model.NewJob{Language: "python", Source: "print(1)", Stdin: "in", RoomID: "r1"})
	require.NoError(t, err)
	require.Equal(t, model.StateQueued, job.State)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, "python", got.Language)
	require.Equal(t, "print(1)", got.Source)
	require.Equal(t, "in", got.Stdin)
	require.Equal(t, "r1", got.RoomID)
	require.Nil(t, got.Result)
	require.Nil(t, got.StartedAt)
	require.Equal(t, job.SubmittedAt.UnixMilli(), got.SubmittedAt.UnixMilli())
}

func TestRedisGetNotFound(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	_, err := q.Get(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisEnqueueRespectsCapacity(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{MaxQueued: 1})
	enqueue(t, q, "python")

	_, err := q.Enqueue(context.Background(), model.NewJob{Language: "python", Source: "x"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestRedisEnqueueUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedisQueue(rdb, "test", Options{})

	_, err := q.Enqueue(context.Background(), model.NewJob{Language: "python", Source: "x"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisClaimIsFIFO(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	ctx := context.Background()

	first := enqueue(t, q, "python")
	second := enqueue(t, q, "cpp")

	got, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, model.StateActive, got.State)
	require.Equal(t, "w1", got.WorkerID)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LeaseExpiresAt)

	got, err = q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)

	got, err = q.Claim(ctx, "w3", time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisClaimConcurrentIsExclusive(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})

	const jobs, workers = 8, 12
	for i := 0; i < jobs; i++ {
		enqueue(t, q, "python")
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Go(func() {
			job, err := q.Claim(context.Background(), "w", time.Minute)
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		require.Equalf(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestRedisCompleteSetsTTL(t *testing.T) {
	q, mr := newRedisTestQueue(t, Options{})
	ctx := context.Background()
	job := enqueue(t, q, "python")

	_, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	res := model.Result{Stdout: "1\n", ExecutionTimeMillis: 12}
	require.NoError(t, q.Complete(ctx, job.ID, "w1", res))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.State)
	require.Equal(t, &res, got.Result)
	require.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.FinishedAt)

	require.Equal(t, TerminalTTL, mr.TTL(q.jobKey(job.ID)))
	mr.FastForward(TerminalTTL + time.Second)

	_, err = q.Get(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisFinishOwnership(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	ctx := context.Background()
	job := enqueue(t, q, "python")

	_, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, q.Complete(ctx, job.ID, "w2", model.Result{}), ErrLeaseLost)
	require.ErrorIs(t, q.Heartbeat(ctx, job.ID, "w2", time.Minute), ErrLeaseLost)
	require.ErrorIs(t, q.Complete(ctx, "missing", "w1", model.Result{}), ErrNotFound)

	require.NoError(t, q.Fail(ctx, job.ID, "w1", "process exited with status 2", nil))
	require.ErrorIs(t, q.Complete(ctx, job.ID, "w1", model.Result{}), model.ErrInvalidTransition)
	require.ErrorIs(t, q.Heartbeat(ctx, job.ID, "w1", time.Minute), model.ErrInvalidTransition)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.State)
	require.Equal(t, "process exited with status 2", got.Error)
	require.Nil(t, got.Result)
}

func TestRedisReclaim(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	job := enqueue(t, q, "python")
	later := enqueue(t, q, "python")

	_, err := q.Claim(ctx, "w1", time.Millisecond)
	require.NoError(t, err)

	res, err := q.Reclaim(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, res.Requeued)
	require.Empty(t, res.Failed)

	// The reclaimed job runs before jobs submitted after it.
	got, err := q.Claim(ctx, "w2", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, 2, got.Attempts)

	res, err = q.Reclaim(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, res.Requeued)
	require.Equal(t, []string{job.ID}, res.Failed)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.State)
	require.Equal(t, "abandoned after 2 attempts", got.Error)

	next, err := q.Claim(ctx, "w3", time.Minute)
	require.NoError(t, err)
	require.Equal(t, later.ID, next.ID)
}

func TestRedisHeartbeatKeepsJobActive(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	ctx := context.Background()
	job := enqueue(t, q, "python")

	_, err := q.Claim(ctx, "w1", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Heartbeat(ctx, job.ID, "w1", time.Hour))

	res, err := q.Reclaim(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, res.Requeued)
	require.Empty(t, res.Failed)
}

func TestRedisListAndStats(t *testing.T) {
	q, _ := newRedisTestQueue(t, Options{})
	ctx := context.Background()

	a := enqueue(t, q, "python")
	b := enqueue(t, q, "cpp")
	c := enqueue(t, q, "python")

	jobs, total, err := q.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	require.Equal(t, c.ID, jobs[0].ID)
	require.Equal(t, b.ID, jobs[1].ID)

	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, a.ID, "w1", model.Result{ExecutionTimeMillis: 40}))
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.CountByState[model.StateQueued])
	require.Equal(t, 1, stats.CountByState[model.StateActive])
	require.Equal(t, 1, stats.CountByState[model.StateCompleted])
	require.Equal(t, 2, stats.CountByLanguage["python"])
	require.Equal(t, 1, stats.CountByLanguage["cpp"])
	require.InDelta(t, 40.0, stats.AvgDurationMS, 0.001)
}
