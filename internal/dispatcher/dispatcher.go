// ============================================================================
// Tango Dispatcher — JobManager Dispatch Loop
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Pull the next pending job off the JobQueue, pair it with a
//          sandbox, and hand it to a per-job Worker goroutine.
//
// Design:
//   A goroutine blocking on a single queue pop per iteration, with errors
//   routed to a dead-letter path instead of silently dropped, immediately
//   spawning a Worker per job. Exactly one of these loops runs per
//   deployment; there is no dispatcher fan-out.
//
// Sandbox pairing, in order:
//   1. Bring-your-own-credentials jobs get a dedicated sandbox outside the
//      pool: a fresh VMMS call with a job-scoped id from a wrapping
//      5-digit counter, synchronous InitializeVM, fatal on failure.
//   2. Otherwise, with REUSE_VMS enabled and a pool configured,
//      JobQueue.ReuseVM is retried every DISPATCH_PERIOD until it hits —
//      reuse is never bypassed by falling through early, only waited on.
//   3. With REUSE_VMS disabled, the Preallocator's AllocVM is tried once
//      and may return a placeholder; with no pool configured at all,
//      AllocVM is not called. In both of those cases the dispatcher itself
//      provisions a fresh sandbox synchronously via InitializeVM before
//      assigning the job, so the Worker is never handed a placeholder.
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/araiyan/tango/internal/preallocator"
	"github.com/araiyan/tango/internal/queue"
	"github.com/araiyan/tango/internal/statestore"
	"github.com/araiyan/tango/internal/tangoerr"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/internal/vmms"
	"github.com/araiyan/tango/internal/worker"
	"github.com/araiyan/tango/pkg/tango"
)

// Config bounds dispatch behaviour.
type Config struct {
	ReuseVMs           bool          // REUSE_VMS
	DispatchPeriod     time.Duration // DISPATCH_PERIOD: back-off between ReuseVM attempts
	MaxConcurrentJobs  int           // MAX_CONCURRENT_JOBS, sizes the worker semaphore
}

func DefaultConfig() Config {
	return Config{ReuseVMs: true, DispatchPeriod: 500 * time.Millisecond, MaxConcurrentJobs: 8}
}

// Dispatcher pulls pending jobs off the queue and pairs each with a sandbox.
type Dispatcher struct {
	queue     *queue.Queue
	pool      *preallocator.Preallocator
	registry  *vmms.Registry
	workerCfg worker.Config
	cfg       Config
	sem       worker.Semaphore
	log       *tangolog.Logger

	byoMu  sync.Mutex
	byoNextID int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Dispatcher. pool may be nil for a deployment with no
// preallocated capacity (every job then provisions its sandbox fresh).
func New(q *queue.Queue, pool *preallocator.Preallocator, registry *vmms.Registry, workerCfg worker.Config, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		pool:      pool,
		registry:  registry,
		workerCfg: workerCfg,
		cfg:       cfg,
		sem:       worker.NewSemaphore(cfg.MaxConcurrentJobs),
		log:       tangolog.Default,
		byoNextID: tango.MinJobScopedID,
		stopCh:    make(chan struct{}),
	}
}

// Run blocks, dispatching jobs until ctx is done or Stop is called. Both
// are checked before each pop; the local queue's blocking pop does not
// watch ctx, so with that backend a Run waiting on an empty queue keeps
// waiting until a job arrives.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		default:
		}

		job, err := d.queue.GetNextPendingJob(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, statestore.ErrTimeout) {
				continue
			}
			d.log.Error("dispatcher: failed to pop next job: %v", err)
			continue
		}

		if err := d.dispatch(ctx, job); err != nil {
			d.log.Error("dispatcher: job %d failed to dispatch: %v", job.ID, err)
			if derr := d.queue.MakeDead(ctx, job.ID, fmt.Sprintf("dispatch failed: %v", err)); derr != nil {
				d.log.Error("dispatcher: failed to mark job %d dead: %v", job.ID, derr)
			}
		}
	}
}

// Stop signals Run to return after its current iteration.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, job *tango.Job) error {
	if job.HasBYOCredentials() {
		return d.dispatchBYO(ctx, job)
	}
	return d.dispatchPooled(ctx, job)
}

// dispatchBYO provisions a dedicated sandbox outside the shared pool,
// tagged with a wrapping 5-digit job-scoped id.
func (d *Dispatcher) dispatchBYO(ctx context.Context, job *tango.Job) error {
	backend, ok := d.registry.Lookup(job.Machine.VMMS)
	if !ok {
		return fmt.Errorf("no vmms backend registered for %q", job.Machine.VMMS)
	}

	vm := job.Machine
	vm.ID = d.nextBYOID()

	if err := backend.InitializeVM(ctx, &vm); err != nil {
		return fmt.Errorf("initialize BYO sandbox: %w", err)
	}

	if err := d.queue.AssignJob(ctx, job.ID, vm); err != nil {
		_ = backend.SafeDestroyVM(ctx, vm)
		return err
	}
	d.spawnWorker(ctx, job, vm, backend, nil)
	return nil
}

// dispatchPooled waits on the queue's pool-reuse fast path when REUSE_VMS
// is enabled, otherwise tries the preallocator's AllocVM once; a
// placeholder (or no pool at all) is replaced here by a freshly
// initialised sandbox.
func (d *Dispatcher) dispatchPooled(ctx context.Context, job *tango.Job) error {
	backend, ok := d.registry.Lookup(job.Machine.VMMS)
	if !ok {
		return fmt.Errorf("no vmms backend registered for %q", job.Machine.VMMS)
	}

	var vm tango.Machine
	switch {
	case d.cfg.ReuseVMs && d.pool != nil:
		reused, err := d.waitForReuse(ctx, job)
		if err != nil {
			return err
		}
		vm = reused
	case d.pool != nil:
		allocated, err := d.pool.AllocVM(ctx, job.Machine.Name)
		if err != nil {
			return err
		}
		vm = allocated
	}

	if vm.IsPlaceholder() {
		vm = job.Machine
		created, err := d.createFreshSandbox(ctx, backend, vm)
		if err != nil {
			return fmt.Errorf("create sandbox on demand: %w", err)
		}
		vm = created
	}

	if err := d.queue.AssignJob(ctx, job.ID, vm); err != nil {
		return err
	}
	d.spawnWorker(ctx, job, vm, backend, d.pool)
	return nil
}

// waitForReuse retries Queue.ReuseVM every DispatchPeriod until it hits, the
// dispatcher is stopped, or ctx is done. REUSE_VMS means sandboxes are only
// ever reused while enabled, never bypassed by falling through to on-demand
// creation the moment the free pool happens to be momentarily empty — a
// permanently empty pool backs off at DispatchPeriod instead of busy-spinning.
func (d *Dispatcher) waitForReuse(ctx context.Context, job *tango.Job) (tango.Machine, error) {
	for {
		if reused, hit := d.queue.ReuseVM(ctx, job); hit {
			return reused, nil
		}
		select {
		case <-ctx.Done():
			return tango.Machine{}, ctx.Err()
		case <-d.stopCh:
			return tango.Machine{}, tangoerr.ErrPoolClosed
		case <-time.After(d.cfg.DispatchPeriod):
		}
	}
}

func (d *Dispatcher) createFreshSandbox(ctx context.Context, backend vmms.Interface, template tango.Machine) (tango.Machine, error) {
	vm := template
	if err := backend.InitializeVM(ctx, &vm); err != nil {
		return tango.Machine{}, err
	}
	return vm, nil
}

func (d *Dispatcher) spawnWorker(ctx context.Context, job *tango.Job, vm tango.Machine, backend vmms.Interface, pool *preallocator.Preallocator) {
	w := worker.New(job, vm, backend, d.queue, pool, d.workerCfg, d.sem)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.Run(ctx)
	}()
}

// nextBYOID returns the next id in the wrapping [MinJobScopedID,
// MaxJobScopedID] range used to tag bring-your-own-credential sandboxes.
func (d *Dispatcher) nextBYOID() int {
	d.byoMu.Lock()
	defer d.byoMu.Unlock()
	id := d.byoNextID
	d.byoNextID++
	if d.byoNextID > tango.MaxJobScopedID {
		d.byoNextID = tango.MinJobScopedID
	}
	return id
}
