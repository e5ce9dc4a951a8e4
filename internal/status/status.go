// Package status is the poll-based read path over job state. Clients that
// do not hold a realtime subscription call Poll on an interval until a
// terminal state comes back.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/queue"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
)

// JobReader is the slice of the queue the facade reads from.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// Outcome is the result part of a terminal status. Completed jobs carry
// Output, failed jobs carry Error.
type Outcome struct {
	Output              string `json:"output,omitempty"`
	Error               string `json:"error,omitempty"`
	ExecutionTimeMillis int64  `json:"executionTimeMillis"`
}

// Status is what a poll returns.
type Status struct {
	JobID  string   `json:"jobId"`
	State  string   `json:"state"`
	Result *Outcome `json:"result,omitempty"`
}

// FromJob renders job as a poll status.
func FromJob(job *model.Job) Status {
	st := Status{JobID: job.ID, State: job.State}
	if !model.IsTerminal(job.State) {
		return st
	}

	out := &Outcome{}
	if job.Result != nil {
		out.ExecutionTimeMillis = job.Result.ExecutionTimeMillis
	}
	if job.State == model.StateFailed {
		out.Error = job.Error
	} else if job.Result != nil {
		out.Output = job.Result.Stdout
	}
	st.Result = out
	return st
}

// Facade answers status polls. Terminal statuses never change, so they are
// served from an expiring LRU cache after the first read.
type Facade struct {
	jobs  JobReader
	cache *expirable.LRU[string, Status]
}

// NewFacade creates a status facade over jobs. Non-positive size or ttl use
// the defaults.
func NewFacade(jobs JobReader, size int, ttl time.Duration) *Facade {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Facade{
		jobs:  jobs,
		cache: expirable.NewLRU[string, Status](size, nil, ttl),
	}
}

// Poll returns the current status of jobID. Unknown ids report state
// not_found without an error; callers polling right after submission
// should treat that as transient.
func (f *Facade) Poll(ctx context.Context, jobID string) (Status, error) {
	if st, ok := f.cache.Get(jobID); ok {
		return st, nil
	}

	job, err := f.jobs.Get(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return Status{JobID: jobID, State: model.StateNotFound}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("get job: %w", err)
	}

	st := FromJob(job)
	if model.IsTerminal(st.State) {
		f.cache.Add(jobID, st)
	}
	return st, nil
}

// CachedCount reports how many terminal statuses are cached.
func (f *Facade) CachedCount() int {
	return f.cache.Len()
}
