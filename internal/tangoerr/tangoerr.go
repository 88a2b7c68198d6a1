// Package tangoerr collects the sentinel errors the core distinguishes
// between: each sentinel carries one policy (retry, dead, log-only, reject)
// enforced by the caller that returns it.
package tangoerr

import "errors"

var (
	// ErrTransientSandbox: VMMS returned failure during WAITING or
	// COPYING_IN. Retried up to MAX_JOB_RETRIES, then the job goes dead.
	ErrTransientSandbox = errors.New("tango: transient sandbox failure")

	// ErrFatalSandbox: VMMS could not provision a sandbox at all. The job
	// goes dead immediately; any partially created sandbox is destroyed.
	ErrFatalSandbox = errors.New("tango: fatal sandbox provisioning failure")

	// ErrWorkloadTimeout: runJob exceeded its bound. Reported as a
	// completion with exit=timeout, never retried.
	ErrWorkloadTimeout = errors.New("tango: workload exceeded timeout")

	// ErrOversizeOutput is not itself an error condition for the caller —
	// output is truncated and delivered — but is used internally to tag the
	// case in traces and tests.
	ErrOversizeOutput = errors.New("tango: output exceeded max size")

	// ErrCallbackFailed: the NOTIFY POST failed. Logged, never fatal.
	ErrCallbackFailed = errors.New("tango: notify callback failed")

	// ErrQueueFull / ErrIDExhausted: JobQueue could not mint a new ID.
	ErrQueueFull    = errors.New("tango: job queue is full")
	ErrIDExhausted  = errors.New("tango: job id space exhausted")

	// ErrDuplicateJob: an identical job is already live; no new ID minted.
	ErrDuplicateJob = errors.New("tango: duplicate job")

	// ErrConfigError: missing or invalid required configuration. Startup
	// aborts.
	ErrConfigError = errors.New("tango: configuration error")

	// ErrJobNotFound: no job with the given id in live or dead.
	ErrJobNotFound = errors.New("tango: job not found")

	// ErrNotAssigned: UnassignJob called on a job that was never assigned.
	ErrNotAssigned = errors.New("tango: job not assigned")

	// ErrNoSandbox: a worker observed a placeholder machine with no BYO
	// credentials to fall back on. Routed to dead.
	ErrNoSandbox = errors.New("tango: no sandbox available and no BYO credentials")

	// ErrPoolClosed signals the semaphore-gated worker dispatch path that
	// the dispatcher is shutting down.
	ErrPoolClosed = errors.New("tango: dispatcher is shutting down")
)
