// Package engine provides the worker pool that executes queued jobs.
// Workers claim jobs from the queue under a lease, run them in a sandbox
// with a hard wall-clock bound, record the result, and publish a jobResult
// event on the broadcast bus. A reaper requeues jobs whose lease expired.
package engine
