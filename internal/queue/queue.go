// Package queue is the durable, ordered job queue. It is the only writer of
// job state: workers claim queued jobs under a lease, renew it with
// heartbeats, and finish them exactly once. Leases that expire without a
// heartbeat put the job back at the head of the queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/coderoom/internal/model"
)

// Sentinel errors.
var (
	// ErrNotFound is returned for job ids the queue does not know.
	ErrNotFound = errors.New("job not found")

	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrUnavailable wraps backend failures during submission.
	ErrUnavailable = errors.New("queue backend unavailable")

	// ErrLeaseLost is returned when a worker tries to renew or finish a job it
	// no longer holds because the lease expired and the job was reclaimed.
	// A job that has already reached a terminal state reports
	// model.ErrInvalidTransition instead.
	ErrLeaseLost = errors.New("job lease lost")
)

// guardError explains why an update moving a job to target matched nothing,
// given the job's current state. Live jobs have changed hands; finished jobs
// cannot move again.
func guardError(state, target string) error {
	switch state {
	case model.StateQueued, model.StateActive:
		return ErrLeaseLost
	}
	if !model.ValidTransition(state, target) {
		return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, state, target)
	}
	return ErrLeaseLost
}

// Options tunes queue admission and reclamation.
type Options struct {
	// MaxQueued caps the number of queued jobs. Zero means unbounded.
	MaxQueued int

	// MaxAttempts is how many times a job may be claimed before an expired
	// lease fails it instead of requeueing it. Zero means 3.
	MaxAttempts int
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return 3
	}
	return o.MaxAttempts
}

// Reclaimed lists the jobs moved by a Reclaim pass.
type Reclaimed struct {
	Requeued []string
	Failed   []string
}

// Stats holds aggregate queue statistics.
type Stats struct {
	Total           int            `json:"total"`
	CountByState    map[string]int `json:"count_by_state"`
	CountByLanguage map[string]int `json:"count_by_language"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Queue defines the job queue operations.
type Queue interface {
	// Enqueue records a new job in state queued and returns it. It never
	// blocks on execution.
	Enqueue(ctx context.Context, nj model.NewJob) (*model.Job, error)

	// Get returns the job with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)

	// Claim atomically takes the oldest queued job, marks it active under
	// workerID with a lease of the given length, and returns it. It returns
	// (nil, nil) when nothing is queued.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error)

	// Heartbeat extends the lease on an active job held by workerID.
	Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error

	// Complete attaches res and moves the job to completed.
	Complete(ctx context.Context, id, workerID string, res model.Result) error

	// Fail records errMsg (and res, if any) and moves the job to failed.
	Fail(ctx context.Context, id, workerID, errMsg string, res *model.Result) error

	// Reclaim requeues active jobs whose lease expired before now, failing
	// those that have used up their attempts.
	Reclaim(ctx context.Context, now time.Time) (Reclaimed, error)

	List(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
