// ============================================================================
// Tango JobQueue — Job Lifecycle State Machine
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Own the live/dead job maps, the unassigned FIFO, and ID minting
//
// Design Philosophy:
//   Two keyed maps (live, dead) plus a FIFO of unassigned live job IDs and
//   a shared nextID counter, all backed by the statestore abstraction so
//   the same code runs against an in-process store or a shared Redis store
//   selected at deployment time.
//
// State Transitions:
//   add            -> live, unassigned
//   getNextPending -> popped off unassigned, still live and unassigned
//   assignJob      -> live (assigned=true)
//   unassignJob    -> live (assigned=false, retries++), back onto unassigned
//   makeDead       -> live -> dead
//   remove         -> live or dead -> gone
//
// Concurrency:
//   Remove, AssignJob, UnassignJob, MarkCompleted and MakeDead take the
//   per-job lock from the statestore Locker before their read-modify-write
//   round trip, per the "sync-from-store -> mutate -> write-back" pattern
//   the design notes call out as racy without one. Add, AddToUnassigned,
//   AddDeadJob, DelJob and RestoreFromSnapshot take no lock.
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/araiyan/tango/internal/durability"
	"github.com/araiyan/tango/internal/statestore"
	"github.com/araiyan/tango/internal/tangoerr"
	"github.com/araiyan/tango/pkg/tango"
)

const liveMapName = "live"
const deadMapName = "dead"
const unassignedQueueName = "unassigned"
const nextIDCounterName = "nextID"

// PoolSource is the slice of Preallocator behaviour ReuseVM needs. Defined
// here (not imported from internal/preallocator) so queue has no dependency
// on the preallocator package — the concrete *preallocator.Preallocator
// satisfies this interface and is wired in at construction.
type PoolSource interface {
	AllocVM(ctx context.Context, name string) (tango.Machine, error)
	PoolSizes(ctx context.Context, name string) (total, free int)
}

// Queue owns job lifecycle state: the live/dead maps, the unassigned FIFO,
// and ID minting.
type Queue struct {
	live       statestore.Map[int, *tango.Job]
	dead       statestore.Map[int, *tango.Job]
	unassigned statestore.Queue[int]
	nextID     statestore.Counter
	locker     statestore.Locker
	maxJobID   int
	pool       PoolSource
	journal    *durability.Journal
}

// New builds a Queue over the given statestore primitives. maxJobID bounds
// the ID space jobs are minted from, wrapping back to 1 once exhausted;
// pool may be nil if reuse-VM fast-pathing is not wired (ReuseVM then
// always misses).
func New(live statestore.Map[int, *tango.Job], dead statestore.Map[int, *tango.Job], unassigned statestore.Queue[int], nextID statestore.Counter, locker statestore.Locker, maxJobID int, pool PoolSource) *Queue {
	return &Queue{
		live:       live,
		dead:       dead,
		unassigned: unassigned,
		nextID:     nextID,
		locker:     locker,
		maxJobID:   maxJobID,
		pool:       pool,
	}
}

// SetJournal attaches a durability journal: from then on Add, AssignJob,
// UnassignJob, MarkCompleted and MakeDead each record an event before
// returning (Remove, DelJob, AddDeadJob and AddToUnassigned record none),
// giving the local (non-Redis) backend a log of what happened. Safe to call
// with nil to disable again.
func (q *Queue) SetJournal(j *durability.Journal) {
	q.journal = j
}

// Snapshot gathers the full live and dead job tables for
// durability.SnapshotManager to persist; it carries no journal sequence number of its own — the caller
// stamps LastSeq from its journal at the moment it takes the snapshot.
func (q *Queue) Snapshot(ctx context.Context) (durability.SnapshotData, error) {
	liveItems, err := q.live.Items(ctx)
	if err != nil {
		return durability.SnapshotData{}, err
	}
	deadItems, err := q.dead.Items(ctx)
	if err != nil {
		return durability.SnapshotData{}, err
	}

	jobs := make(map[int]*tango.Job, len(liveItems)+len(deadItems))
	for id, job := range liveItems {
		jobs[id] = job
	}
	for id, job := range deadItems {
		jobs[id] = job
	}
	return durability.SnapshotData{Jobs: jobs}, nil
}

// RestoreFromSnapshot repopulates the live/dead maps from a previously-
// written snapshot, pushes every live job that is neither assigned nor
// completed onto the unassigned FIFO, and advances nextID past the highest
// restored id so minting never collides with a recovered job.
func (q *Queue) RestoreFromSnapshot(ctx context.Context, snap durability.SnapshotData) error {
	maxID := 0
	for id, job := range snap.Jobs {
		if job.Status == tango.StatusDead {
			if err := q.dead.Set(ctx, id, job); err != nil {
				return err
			}
		} else {
			if err := q.live.Set(ctx, id, job); err != nil {
				return err
			}
			if !job.Assigned && job.Status != tango.StatusCompleted {
				if err := q.unassigned.Push(ctx, id); err != nil {
					return err
				}
			}
		}
		if id > maxID {
			maxID = id
		}
	}
	if maxID > 0 {
		for {
			cur, err := q.nextID.Get(ctx)
			if err != nil {
				return err
			}
			if cur > int64(maxID) {
				break
			}
			if _, err := q.nextID.IncrementAndGet(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) record(eventType durability.EventType, id int) error {
	if q.journal == nil {
		return nil
	}
	return q.journal.Append(eventType, id)
}

// Add mints an ID for job, or returns the ID of an identical live job.
func (q *Queue) Add(ctx context.Context, job *tango.Job) (int, error) {
	liveJobs, err := q.live.Items(ctx)
	if err != nil {
		return 0, err
	}
	for _, existing := range liveJobs {
		if existing.DuplicateKey() == job.DuplicateKey() {
			return existing.ID, tangoerr.ErrDuplicateJob
		}
	}

	start, err := q.nextID.Get(ctx)
	if err != nil {
		return 0, err
	}
	if start <= 0 {
		start = 1
	}

	for i := 0; i < q.maxJobID; i++ {
		candidate := int((start+int64(i)-1)%int64(q.maxJobID)) + 1
		liveHas, err := q.live.Has(ctx, candidate)
		if err != nil {
			return 0, err
		}
		deadHas, err := q.dead.Has(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if liveHas || deadHas {
			continue
		}

		job.ID = candidate
		job.Assigned = false
		job.Retries = 0
		job.Status = tango.StatusPending
		job.CreatedAt = time.Now().UnixMilli()
		job.UpdatedAt = job.CreatedAt
		job.AppendTrace(fmt.Sprintf("Added job %d", candidate))

		if err := q.live.Set(ctx, candidate, job); err != nil {
			return 0, err
		}
		if err := q.unassigned.Push(ctx, candidate); err != nil {
			return 0, err
		}
		if _, err := q.nextID.IncrementAndGet(ctx); err != nil {
			return 0, err
		}
		if err := q.record(durability.JobEnqueued, candidate); err != nil {
			return 0, err
		}
		return candidate, nil
	}

	return 0, tangoerr.ErrIDExhausted
}

// AddToUnassigned pushes an existing live job's id back onto the FIFO.
func (q *Queue) AddToUnassigned(ctx context.Context, id int) error {
	return q.unassigned.Push(ctx, id)
}

// AddDeadJob moves an id's job record directly into the dead map without
// requiring it to have been live first (used by tests and administrative
// tools mirroring the original's addDeadJob).
func (q *Queue) AddDeadJob(ctx context.Context, job *tango.Job) error {
	job.Status = tango.StatusDead
	return q.dead.Set(ctx, job.ID, job)
}

// Remove deletes id from whichever map holds it and from the unassigned
// queue if present. Reports whether the job existed.
func (q *Queue) Remove(ctx context.Context, id int) (bool, error) {
	release, err := q.locker.Lock(ctx, lockName(id))
	if err != nil {
		return false, err
	}
	defer release()

	liveHas, _ := q.live.Has(ctx, id)
	deadHas, _ := q.dead.Has(ctx, id)
	if !liveHas && !deadHas {
		return false, nil
	}

	if liveHas {
		_ = q.live.Delete(ctx, id)
		_, _ = q.unassigned.Remove(ctx, id)
	}
	if deadHas {
		_ = q.dead.Delete(ctx, id)
	}
	return true, nil
}

// DelJob moves live->dead when deadjobs==0, or removes from dead entirely
// when deadjobs==1.
func (q *Queue) DelJob(ctx context.Context, id int, deadjobs int) error {
	if deadjobs == 0 {
		job, err := q.live.GetOrFail(ctx, id)
		if err != nil {
			return err
		}
		job.Status = tango.StatusDead
		if err := q.dead.Set(ctx, id, job); err != nil {
			return err
		}
		_ = q.live.Delete(ctx, id)
		_, _ = q.unassigned.Remove(ctx, id)
		return nil
	}
	return q.dead.Delete(ctx, id)
}

// GetNextPendingJob blocks until a job is ready to dispatch. The returned
// job is not yet marked assigned.
func (q *Queue) GetNextPendingJob(ctx context.Context) (*tango.Job, error) {
	id, err := q.unassigned.Pop(ctx, true, 0)
	if err != nil {
		return nil, err
	}
	job, err := q.live.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	job.SetRemoteAddr(liveMapName)
	return job, nil
}

// AssignJob pairs job id with vm and marks it assigned, to be called by the
// dispatcher before any worker observes the job.
func (q *Queue) AssignJob(ctx context.Context, id int, vm tango.Machine) error {
	release, err := q.locker.Lock(ctx, lockName(id))
	if err != nil {
		return err
	}
	defer release()

	job, err := q.live.GetOrFail(ctx, id)
	if err != nil {
		return err
	}
	job.Machine = vm
	job.Assigned = true
	job.Status = tango.StatusAssigned
	job.AppendTrace(fmt.Sprintf("Dispatched job %d [try %d]", id, job.Retries+1))
	if err := q.live.Set(ctx, id, job); err != nil {
		return err
	}
	return q.record(durability.JobDispatched, id)
}

// UnassignJob reverts the assigned flag, increments retries, and pushes id
// back onto the unassigned FIFO — the recoverable-failure path a worker
// takes on WAITING/COPYING_IN failure.
func (q *Queue) UnassignJob(ctx context.Context, id int) error {
	release, err := q.locker.Lock(ctx, lockName(id))
	if err != nil {
		return err
	}
	defer release()

	job, err := q.live.GetOrFail(ctx, id)
	if err != nil {
		return err
	}
	if !job.Assigned {
		return tangoerr.ErrNotAssigned
	}
	job.Assigned = false
	job.Retries++
	job.Status = tango.StatusPending
	job.AppendTrace(fmt.Sprintf("Retry job %d (attempt %d)", id, job.Retries))
	if err := q.live.Set(ctx, id, job); err != nil {
		return err
	}
	if err := q.unassigned.Push(ctx, id); err != nil {
		return err
	}
	return q.record(durability.JobRetried, id)
}

// MarkCompleted records a successful run. The job stays in the live map,
// since the dead map is reserved for failures, with its status flipped and
// assigned cleared so it is not mistaken for in-flight.
func (q *Queue) MarkCompleted(ctx context.Context, id int, trace string) error {
	release, err := q.locker.Lock(ctx, lockName(id))
	if err != nil {
		return err
	}
	defer release()

	job, err := q.live.GetOrFail(ctx, id)
	if err != nil {
		return err
	}
	job.Status = tango.StatusCompleted
	job.Assigned = false
	job.AppendTrace(trace)
	if err := q.live.Set(ctx, id, job); err != nil {
		return err
	}
	return q.record(durability.JobCompleted, id)
}

// MakeDead appends reason to the job's trace and moves it live->dead.
func (q *Queue) MakeDead(ctx context.Context, id int, reason string) error {
	release, err := q.locker.Lock(ctx, lockName(id))
	if err != nil {
		return err
	}
	defer release()

	job, err := q.live.GetOrFail(ctx, id)
	if err != nil {
		return err
	}
	job.AppendTrace(reason)
	job.Status = tango.StatusDead
	if err := q.dead.Set(ctx, id, job); err != nil {
		return err
	}
	if err := q.live.Delete(ctx, id); err != nil {
		return err
	}
	return q.record(durability.JobDead, id)
}

// ReuseVM is the pool-aware fast path: if job.Machine.Name's free pool is
// non-empty, pop a free VM; otherwise report a miss rather than blocking.
// The caller (Dispatcher.dispatchPooled) is responsible for retrying on a
// miss while REUSE_VMS is enabled, so demand that currently exceeds the
// free pool is satisfied by waiting for the pool to replenish rather than
// by anything ReuseVM tracks itself.
func (q *Queue) ReuseVM(ctx context.Context, job *tango.Job) (tango.Machine, bool) {
	if q.pool == nil || job.Machine.Name == "" {
		return tango.Machine{}, false
	}
	_, free := q.pool.PoolSizes(ctx, job.Machine.Name)
	if free <= 0 {
		return tango.Machine{}, false
	}
	vm, err := q.pool.AllocVM(ctx, job.Machine.Name)
	if err != nil || vm.IsPlaceholder() {
		return tango.Machine{}, false
	}
	return vm, true
}

// GetJob returns the job if it is live or dead, nil otherwise.
func (q *Queue) GetJob(ctx context.Context, id int) *tango.Job {
	if job, ok, _ := q.live.Get(ctx, id); ok {
		return job
	}
	if job, ok, _ := q.dead.Get(ctx, id); ok {
		return job
	}
	return nil
}

// IsDead reports whether id is currently in the dead map.
func (q *Queue) IsDead(ctx context.Context, id int) bool {
	has, _ := q.dead.Has(ctx, id)
	return has
}

// Stats reports live/dead/unassigned sizes for introspection.
func (q *Queue) Stats(ctx context.Context) map[string]int {
	liveItems, _ := q.live.Items(ctx)
	deadItems, _ := q.dead.Items(ctx)
	unassignedSize, _ := q.unassigned.Size(ctx)
	return map[string]int{
		"live":       len(liveItems),
		"dead":       len(deadItems),
		"unassigned": unassignedSize,
	}
}

func lockName(id int) string {
	return fmt.Sprintf("job:%d", id)
}
