package model

import (
	"errors"
	"time"
)

// Job state constants.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"

	// StateNotFound is reported by status polls for ids the queue does not
	// know (yet). It is never stored.
	StateNotFound = "not_found"
)

// ErrInvalidTransition is returned when a job state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions maps each state to the set of states it may transition to.
// active→queued is lease reclamation of a job abandoned by a crashed worker.
var validTransitions = map[string]map[string]bool{
	StateQueued: {
		StateActive: true,
	},
	StateActive: {
		StateCompleted: true,
		StateFailed:    true,
		StateQueued:    true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a job in this state can no longer change.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Result holds what a sandbox run produced. It is immutable once attached to
// a terminal job.
type Result struct {
	Stdout              string `json:"stdout"`
	Stderr              string `json:"stderr,omitempty"`
	ExitCode            int    `json:"exit_code"`
	ExecutionTimeMillis int64  `json:"execution_time_ms"`
}

// Job is one code execution request tracked through the queue.
type Job struct {
	ID             string     `json:"id"`
	State          string     `json:"state"`
	Language       string     `json:"language"`
	Source         string     `json:"source"`
	Stdin          string     `json:"stdin,omitempty"`
	RoomID         string     `json:"room_id,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// NewJob is the caller-supplied part of a job at submission time.
type NewJob struct {
	Language string
	Source   string
	Stdin    string
	RoomID   string
}
