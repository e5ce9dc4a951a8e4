package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/queue"
	"github.com/seantiz/coderoom/internal/sandbox"
)

// Defaults applied to zero Options fields.
const (
	DefaultWorkers      = 1
	DefaultExecTimeout  = 5 * time.Second
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// publishTimeout bounds delivery of a result event to the bus.
const publishTimeout = 5 * time.Second

// EventJobResult is the broadcast event type carrying a finished job.
const EventJobResult = "jobResult"

// ResultEvent is the payload of a jobResult event.
type ResultEvent struct {
	JobID               string `json:"jobId"`
	RoomID              string `json:"roomId,omitempty"`
	State               string `json:"state"`
	Output              string `json:"output,omitempty"`
	Error               string `json:"error,omitempty"`
	ExitCode            int    `json:"exitCode"`
	ExecutionTimeMillis int64  `json:"executionTimeMillis"`
}

// Options tunes the worker pool.
type Options struct {
	// Workers is the number of concurrent sandbox runs.
	Workers      int
	ExecTimeout  time.Duration
	LeaseTTL     time.Duration
	PollInterval time.Duration

	// InstanceID prefixes worker ids so leases from different processes
	// sharing a queue are distinguishable. Empty means a fresh ULID.
	InstanceID string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.InstanceID == "" {
		o.InstanceID = model.NewID()
	}
	return o
}

// Pool is a fixed-size set of workers that claim jobs from the queue, run
// them in the sandbox and publish the outcome.
type Pool struct {
	queue   queue.Queue
	sandbox sandbox.Sandbox
	bus     broadcast.Bus
	logger  *slog.Logger
	opts    Options

	wake     chan struct{}
	inflight sync.WaitGroup
}

// NewPool creates a worker pool. Workers start when Run is called.
func NewPool(q queue.Queue, sb sandbox.Sandbox, bus broadcast.Bus, opts Options, logger *slog.Logger) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		queue:   q,
		sandbox: sb,
		bus:     bus,
		logger:  logger,
		opts:    opts,
		wake:    make(chan struct{}, opts.Workers),
	}
}

// Options returns the effective pool options.
func (p *Pool) Options() Options {
	return p.opts
}

// Submit enqueues a job and nudges an idle worker. It returns as soon as the
// job is recorded; execution happens on a worker.
func (p *Pool) Submit(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	job, err := p.queue.Enqueue(ctx, nj)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}

	p.logger.Info("job queued", "job_id", job.ID, "language", job.Language, "room_id", job.RoomID)
	return job, nil
}

// Run starts the workers and the lease reaper and blocks until ctx is
// cancelled. Jobs already claimed run to completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s/w%d", p.opts.InstanceID, i)
		g.Go(func() error {
			p.work(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.reap(ctx)
		return nil
	})

	p.logger.Info("worker pool started", "workers", p.opts.Workers, "instance_id", p.opts.InstanceID)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Wait blocks until all in-flight jobs finish.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

// work is one worker's claim loop.
func (p *Pool) work(ctx context.Context, workerID string) {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, workerID, p.opts.LeaseTTL)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("claim job", "worker_id", workerID, "error", err)
		}
		if job != nil {
			p.process(ctx, workerID, job)
			continue
		}

		timer.Reset(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// process runs a claimed job through the sandbox and records the outcome.
// Execution is detached from ctx so shutdown does not abandon a claimed job.
func (p *Pool) process(ctx context.Context, workerID string, job *model.Job) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	jobsActive.Inc()
	defer jobsActive.Dec()

	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("job_id", job.ID, "worker_id", workerID, "language", job.Language)
	logger.Info("job started", "attempt", job.Attempts)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, logger, job.ID, workerID)

	res, runErr := p.execute(ctx, job)
	stopHeartbeat()

	result := model.Result{
		Stdout:              res.Stdout,
		Stderr:              res.Stderr,
		ExitCode:            res.ExitCode,
		ExecutionTimeMillis: res.Duration.Milliseconds(),
	}

	state := model.StateCompleted
	errMsg := ""
	var err error
	if runErr == nil {
		err = p.queue.Complete(ctx, job.ID, workerID, result)
	} else {
		state = model.StateFailed
		errMsg = failureMessage(runErr, res, p.opts.ExecTimeout)
		var partial *model.Result
		if res.Duration > 0 {
			partial = &result
		}
		err = p.queue.Fail(ctx, job.ID, workerID, errMsg, partial)
	}

	if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, model.ErrInvalidTransition) {
		logger.Warn("lease lost before finish, result discarded", "error", err)
		return
	}
	if err != nil {
		logger.Error("record job result", "error", err)
		return
	}

	jobsTotal.WithLabelValues(job.Language, state).Inc()
	jobDuration.WithLabelValues(job.Language).Observe(res.Duration.Seconds())

	if runErr != nil {
		logger.Info("job failed", "error", errMsg, "duration_ms", result.ExecutionTimeMillis)
	} else {
		logger.Info("job completed", "duration_ms", result.ExecutionTimeMillis)
	}

	p.publish(ctx, ResultEvent{
		JobID:               job.ID,
		RoomID:              job.RoomID,
		State:               state,
		Output:              result.Stdout,
		Error:               errMsg,
		ExitCode:            result.ExitCode,
		ExecutionTimeMillis: result.ExecutionTimeMillis,
	})
}

// execute runs the sandbox under the execution bound. A panicking sandbox
// fails the job instead of the worker.
func (p *Pool) execute(ctx context.Context, job *model.Job) (res sandbox.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.opts.ExecTimeout)
	defer cancel()

	return p.sandbox.Run(ctx, sandbox.Request{
		JobID:    job.ID,
		Language: job.Language,
		Source:   job.Source,
		Stdin:    job.Stdin,
		Timeout:  p.opts.ExecTimeout,
	})
}

// failureMessage renders the user-visible error for a failed run. It is
// never empty.
func failureMessage(err error, res sandbox.Result, timeout time.Duration) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("execution timed out after %s", timeout)
	case errors.Is(err, sandbox.ErrCompile):
		if s := strings.TrimSpace(res.Stderr); s != "" {
			return s
		}
		return err.Error()
	case errors.Is(err, sandbox.ErrNonZeroExit):
		if s := strings.TrimSpace(res.Stderr); s != "" {
			return s
		}
		return fmt.Sprintf("process exited with status %d", res.ExitCode)
	default:
		return err.Error()
	}
}

// heartbeat renews the job lease until ctx is cancelled or the lease is lost.
func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, jobID, workerID string) {
	ticker := time.NewTicker(p.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, jobID, workerID, p.opts.LeaseTTL)
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, model.ErrInvalidTransition) {
				logger.Warn("lease lost during execution", "error", err)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat", "error", err)
			}
		}
	}
}

// reap periodically reclaims jobs whose lease expired.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.opts.LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reclaim(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("reclaim jobs", "error", err)
			}
		}
	}
}

// Reclaim runs one reclamation pass. Requeued jobs wake idle workers; jobs
// failed for exceeding their attempts are published like any other result.
func (p *Pool) Reclaim(ctx context.Context) (queue.Reclaimed, error) {
	res, err := p.queue.Reclaim(ctx, time.Now())
	if err != nil {
		return res, fmt.Errorf("reclaim: %w", err)
	}

	if n := len(res.Requeued) + len(res.Failed); n > 0 {
		jobsReclaimed.Add(float64(n))
		p.logger.Warn("reclaimed abandoned jobs", "requeued", res.Requeued, "failed", res.Failed)
	}

	for range res.Requeued {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	for _, id := range res.Failed {
		job, err := p.queue.Get(ctx, id)
		if err != nil {
			p.logger.Warn("load reclaimed job", "job_id", id, "error", err)
			continue
		}
		jobsTotal.WithLabelValues(job.Language, model.StateFailed).Inc()
		p.publish(ctx, ResultEvent{
			JobID:  job.ID,
			RoomID: job.RoomID,
			State:  job.State,
			Error:  job.Error,
		})
	}
	return res, nil
}

// publish sends a jobResult event on the job topic and, for jobs submitted
// from a room, on the room topic.
func (p *Pool) publish(ctx context.Context, ev ResultEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	topics := []string{broadcast.JobTopic(ev.JobID)}
	if ev.RoomID != "" {
		topics = append(topics, broadcast.RoomTopic(ev.RoomID))
	}

	for _, topic := range topics {
		msg, err := broadcast.NewMessage(topic, EventJobResult, ev)
		if err != nil {
			p.logger.Error("encode job result", "job_id", ev.JobID, "error", err)
			return
		}
		if err := p.bus.Publish(ctx, msg); err != nil {
			p.logger.Warn("publish job result", "job_id", ev.JobID, "topic", topic, "error", err)
		}
	}
}
