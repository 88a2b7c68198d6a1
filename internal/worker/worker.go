// ============================================================================
// Tango Worker — Per-Job Sandbox State Machine
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Drive one job through CREATED -> WAITING -> COPYING_IN ->
//          RUNNING -> COPYING_OUT -> DONE, with RETRY/DEAD/NOTIFY side
//          paths, enforcing per-stage timeouts and the retry budget.
//
// Design:
//   One goroutine per dispatched job, bounded by a Semaphore that Run
//   acquires on entry, with the same stage-timeout discipline as a
//   goroutine-per-task pool pulling off a shared channel. Each stage
//   transition appends a trace line via Job.AppendTrace in the
//   "<utc>|<message>" format every worker stage uses.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/araiyan/tango/internal/preallocator"
	"github.com/araiyan/tango/internal/queue"
	"github.com/araiyan/tango/internal/tangoerr"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/internal/vmms"
	"github.com/araiyan/tango/pkg/tango"
)

// Config bounds every worker stage.
type Config struct {
	WaitVMTimeout  time.Duration // WAITVM_TIMEOUT
	CopyInTimeout  time.Duration // COPYIN_TIMEOUT
	CopyOutTimeout time.Duration // COPYOUT_TIMEOUT
	NotifyTimeout  time.Duration
	CopyInRetries  int // COPYIN_RETRIES
	MaxJobRetries  int // MAX_JOB_RETRIES
	ReuseVMs       bool
}

// DefaultConfig mirrors typical values from original_source/Config.py.
func DefaultConfig() Config {
	return Config{
		WaitVMTimeout:  60 * time.Second,
		CopyInTimeout:  30 * time.Second,
		CopyOutTimeout: 30 * time.Second,
		NotifyTimeout:  5 * time.Second,
		CopyInRetries:  3,
		MaxJobRetries:  3,
		ReuseVMs:       true,
	}
}

// Worker drives one job's sandbox lifecycle.
type Worker struct {
	job     *tango.Job
	vm      tango.Machine
	backend vmms.Interface
	queue   *queue.Queue
	pool    *preallocator.Preallocator
	cfg     Config
	sem     Semaphore
	log     *tangolog.Logger
}

// New builds a Worker for an already-assigned job. vm is the sandbox the
// dispatcher paired it with (possibly a placeholder, handled in Run).
func New(job *tango.Job, vm tango.Machine, backend vmms.Interface, q *queue.Queue, pool *preallocator.Preallocator, cfg Config, sem Semaphore) *Worker {
	return &Worker{job: job, vm: vm, backend: backend, queue: q, pool: pool, cfg: cfg, sem: sem}
}

// Run executes the full state machine. Intended to be launched with `go
// w.Run(ctx)` by the dispatcher immediately after AssignJob; Run itself
// acquires and releases the concurrency semaphore so the dispatcher never
// blocks on job completion.
func (w *Worker) Run(ctx context.Context) {
	if err := w.sem.Acquire(ctx); err != nil {
		return
	}
	defer w.sem.Release()

	w.log = tangolog.Default

	if w.vm.IsPlaceholder() && !w.job.HasBYOCredentials() {
		w.dead(ctx, tangoerr.ErrNoSandbox.Error())
		return
	}

	if err := w.waiting(ctx); err != nil {
		w.retryOrDie(ctx, err)
		return
	}
	if err := w.copyingIn(ctx); err != nil {
		w.retryOrDie(ctx, err)
		return
	}

	exitStatus, runErr := w.running(ctx)
	// A timed-out job still reports whatever output it produced and is
	// never retried: the grader's own timeout handling inside the sandbox
	// is trusted over a second attempt.
	if runErr != nil && !errors.Is(runErr, tangoerr.ErrWorkloadTimeout) {
		w.dead(ctx, fmt.Sprintf("run failed: %v", runErr))
		w.dispose(ctx, false)
		return
	}

	if err := w.copyingOut(ctx); err != nil {
		w.dead(ctx, fmt.Sprintf("copyOut failed: %v", err))
		w.dispose(ctx, false)
		return
	}

	w.notify(ctx, exitStatus)

	trace := "Job completed"
	if errors.Is(runErr, tangoerr.ErrWorkloadTimeout) {
		trace = "Job completed with exit=timeout"
	}
	if err := w.queue.MarkCompleted(ctx, w.job.ID, trace); err != nil {
		w.log.Error("worker: failed to mark job %d completed: %v", w.job.ID, err)
	}
	w.dispose(ctx, true)
}

func (w *Worker) waiting(ctx context.Context) error {
	w.job.AppendTrace("WAITING")
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.WaitVMTimeout)
	defer cancel()
	if err := w.backend.WaitVM(waitCtx, w.vm, int(w.cfg.WaitVMTimeout.Seconds())); err != nil {
		w.job.AppendTrace(fmt.Sprintf("WAITING failed: %v", err))
		return fmt.Errorf("%w: %v", tangoerr.ErrTransientSandbox, err)
	}
	return nil
}

func (w *Worker) copyingIn(ctx context.Context) error {
	w.job.AppendTrace("COPYING_IN")
	var lastErr error
	for attempt := 0; attempt < w.cfg.CopyInRetries; attempt++ {
		copyCtx, cancel := context.WithTimeout(ctx, w.cfg.CopyInTimeout)
		err := w.backend.CopyIn(copyCtx, w.vm, w.job.Input, w.job.ID)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		w.job.AppendTrace(fmt.Sprintf("COPYING_IN retry %d: %v", attempt+1, err))
	}
	return fmt.Errorf("%w: %v", tangoerr.ErrTransientSandbox, lastErr)
}

func (w *Worker) running(ctx context.Context) (int, error) {
	w.job.AppendTrace("RUNNING")
	timeoutSecs := w.job.Timeout
	outer := 2 * time.Duration(timeoutSecs) * time.Second
	if timeoutSecs == 0 {
		outer = 0
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if outer > 0 {
		runCtx, cancel = context.WithTimeout(ctx, outer)
		defer cancel()
	}

	exitStatus, err := w.backend.RunJob(runCtx, w.vm, timeoutSecs, w.job.MaxOutputFileSize, w.job.DisableNetwork)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			w.job.AppendTrace("RUNNING timed out")
			return -1, tangoerr.ErrWorkloadTimeout
		}
		w.job.AppendTrace(fmt.Sprintf("RUNNING failed: %v", err))
		return exitStatus, err
	}
	w.job.AppendTrace(fmt.Sprintf("RUNNING exited %d", exitStatus))
	return exitStatus, nil
}

func (w *Worker) copyingOut(ctx context.Context) error {
	w.job.AppendTrace("COPYING_OUT")
	copyCtx, cancel := context.WithTimeout(ctx, w.cfg.CopyOutTimeout)
	defer cancel()
	if err := w.backend.CopyOut(copyCtx, w.vm, w.job.OutputFile); err != nil {
		w.job.AppendTrace(fmt.Sprintf("COPYING_OUT failed: %v", err))
		return err
	}
	w.enforceOutputSizeLimit()
	return nil
}

// enforceOutputSizeLimit truncates the file copyOut produced down to
// MaxOutputFileSize and appends a single-line "[truncated]" marker, so one
// runaway job can't exhaust disk or notify payload size.
func (w *Worker) enforceOutputSizeLimit() {
	if w.job.MaxOutputFileSize <= 0 || w.job.OutputFile == "" {
		return
	}
	info, err := os.Stat(w.job.OutputFile)
	if err != nil || info.Size() <= w.job.MaxOutputFileSize {
		return
	}

	f, err := os.OpenFile(w.job.OutputFile, os.O_RDWR, 0644)
	if err != nil {
		w.log.Error("worker: failed to truncate oversize output for job %d: %v", w.job.ID, err)
		return
	}
	defer f.Close()

	marker := "\n[truncated]\n"
	truncateAt := w.job.MaxOutputFileSize - int64(len(marker))
	if truncateAt < 0 {
		truncateAt = 0
	}
	if err := f.Truncate(truncateAt); err != nil {
		return
	}
	_, _ = f.WriteAt([]byte(marker), truncateAt)
	w.job.AppendTrace(fmt.Sprintf("output truncated to %d bytes", w.job.MaxOutputFileSize))
}

type notifyPayload struct {
	JobID      int      `json:"job_id"`
	ExitStatus int      `json:"exit_status"`
	OutputPath string   `json:"output_path"`
	Trace      []string `json:"trace"`
}

func (w *Worker) notify(ctx context.Context, exitStatus int) {
	if w.job.NotifyURL == "" {
		return
	}
	body, err := json.Marshal(notifyPayload{
		JobID:      w.job.ID,
		ExitStatus: exitStatus,
		OutputPath: w.job.OutputFile,
		Trace:      w.job.Trace,
	})
	if err != nil {
		w.log.Warn("worker: failed to encode notify payload for job %d: %v", w.job.ID, err)
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(notifyCtx, http.MethodPost, w.job.NotifyURL, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("worker: bad notify url for job %d: %v", w.job.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		w.job.AppendTrace(fmt.Sprintf("notify failed: %v", err))
		w.log.Warn("worker: %v for job %d", tangoerr.ErrCallbackFailed, w.job.ID)
		return
	}
	defer resp.Body.Close()
}

// dispose returns vm to the preallocator when pool-reuse is enabled and the
// run succeeded, otherwise destroys it outright, honouring keep-for-debugging
// retention either way.
func (w *Worker) dispose(ctx context.Context, success bool) {
	if w.vm.IsPlaceholder() {
		return
	}
	if w.vm.KeepForDebugging {
		w.vm.Notes = fmt.Sprintf("failed-%s", w.vm.Name)
		w.job.AppendTrace("sandbox retained for debugging")
		return
	}
	if success && w.cfg.ReuseVMs && w.pool != nil {
		if err := w.pool.FreeVM(ctx, w.vm); err != nil {
			w.log.Error("worker: failed to free vm for job %d: %v", w.job.ID, err)
		}
		return
	}
	if err := w.backend.SafeDestroyVM(ctx, w.vm); err != nil {
		w.log.Error("worker: failed to destroy vm for job %d: %v", w.job.ID, err)
	}
}

// retryOrDie implements the WAITING/COPYING_IN retry discipline: retryable
// stages call UnassignJob while under budget, otherwise MakeDead.
func (w *Worker) retryOrDie(ctx context.Context, cause error) {
	if w.job.Retries < w.cfg.MaxJobRetries {
		if err := w.queue.UnassignJob(ctx, w.job.ID); err != nil {
			w.log.Error("worker: failed to unassign job %d: %v", w.job.ID, err)
		}
		w.dispose(ctx, false)
		return
	}
	w.dead(ctx, cause.Error())
	w.dispose(ctx, false)
}

func (w *Worker) dead(ctx context.Context, reason string) {
	if err := w.queue.MakeDead(ctx, w.job.ID, reason); err != nil {
		w.log.Error("worker: failed to mark job %d dead: %v", w.job.ID, err)
	}
}
