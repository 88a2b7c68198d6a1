package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/araiyan/tango/internal/preallocator"
	"github.com/araiyan/tango/internal/queue"
	"github.com/araiyan/tango/internal/statestore"
	"github.com/araiyan/tango/internal/vmms"
	"github.com/araiyan/tango/pkg/tango"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	waitErr     error
	copyInErr   error
	copyInFails int // fail this many CopyIn calls before succeeding
	copyInCalls int
	runExit     int
	runErr      error
	runSleep    time.Duration
	copyOutErr  error
	copyOutFile string

	destroyed []tango.Machine
}

func (f *fakeBackend) InitializeVM(_ context.Context, vm *tango.Machine) error {
	vm.InstanceID = "i-test"
	return nil
}
func (f *fakeBackend) WaitVM(context.Context, tango.Machine, int) error { return f.waitErr }
func (f *fakeBackend) CopyIn(context.Context, tango.Machine, []tango.InputFile, int) error {
	f.copyInCalls++
	if f.copyInCalls <= f.copyInFails {
		return f.copyInErr
	}
	return nil
}
func (f *fakeBackend) RunJob(ctx context.Context, _ tango.Machine, _ int, _ int64, _ bool) (int, error) {
	if f.runSleep > 0 {
		select {
		case <-time.After(f.runSleep):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return f.runExit, f.runErr
}
func (f *fakeBackend) CopyOut(_ context.Context, _ tango.Machine, destFile string) error {
	if f.copyOutErr != nil {
		return f.copyOutErr
	}
	if destFile != "" {
		return os.WriteFile(destFile, []byte(f.copyOutFile), 0644)
	}
	return nil
}
func (f *fakeBackend) DestroyVM(_ context.Context, vm tango.Machine) error {
	f.destroyed = append(f.destroyed, vm)
	return nil
}
func (f *fakeBackend) SafeDestroyVM(ctx context.Context, vm tango.Machine) error {
	return f.DestroyVM(ctx, vm)
}
func (f *fakeBackend) GetVMs(context.Context) ([]tango.Machine, error)      { return nil, nil }
func (f *fakeBackend) ExistsVM(context.Context, tango.Machine) (bool, error) { return true, nil }
func (f *fakeBackend) GetImages(context.Context) ([]string, error)          { return nil, nil }
func (f *fakeBackend) GetPartialOutput(context.Context, tango.Machine) (string, error) {
	return "", nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	live := statestore.NewLocalMap[int, *tango.Job]()
	dead := statestore.NewLocalMap[int, *tango.Job]()
	unassigned := statestore.NewLocalQueue[int](func(a, b int) bool { return a == b })
	nextID := statestore.NewLocalCounter(1)
	locker := statestore.NewLocalLocker()
	return queue.New(live, dead, unassigned, nextID, locker, 100, nil)
}

func addTestJob(t *testing.T, q *queue.Queue, job *tango.Job) *tango.Job {
	t.Helper()
	ctx := context.Background()
	id, err := q.Add(ctx, job)
	require.NoError(t, err)
	got := q.GetJob(ctx, id)
	require.NotNil(t, got)
	return got
}

func TestRunHappyPathMarksCompleted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst1", OutputFile: "", Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{runExit: 0}
	w := New(job, job.Machine, backend, q, nil, DefaultConfig(), NewSemaphore(1))
	w.Run(ctx)

	final := q.GetJob(ctx, job.ID)
	require.NotNil(t, final)
	assert.Equal(t, tango.StatusCompleted, final.Status)
	assert.False(t, final.Assigned)
	assert.Len(t, backend.destroyed, 1)
}

func TestRunWaitingFailureRetriesThenDies(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxJobRetries = 1

	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst2", Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{waitErr: assertErr}
	w := New(job, job.Machine, backend, q, nil, cfg, NewSemaphore(1))
	w.Run(ctx)

	// MaxJobRetries=1 and Retries starts at 0: the first failure
	// (Retries==0 < 1) retries once, pushing back to unassigned with
	// Retries=1.
	after := q.GetJob(ctx, job.ID)
	require.NotNil(t, after)
	assert.False(t, after.Assigned)
	assert.Equal(t, 1, after.Retries)
	assert.Equal(t, tango.StatusPending, after.Status)

	// The second failure (Retries==1, not < 1) exhausts the budget.
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)
	New(job, job.Machine, backend, q, nil, cfg, NewSemaphore(1)).Run(ctx)
	assert.True(t, q.IsDead(ctx, job.ID))
}

func TestRunCopyInExhaustsRetriesGoesDead(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxJobRetries = 0
	cfg.CopyInRetries = 2

	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst3", Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{copyInErr: assertErr, copyInFails: 99}
	w := New(job, job.Machine, backend, q, nil, cfg, NewSemaphore(1))
	w.Run(ctx)

	assert.True(t, q.IsDead(ctx, job.ID))
	assert.Equal(t, 2, backend.copyInCalls)
}

func TestRunJobTimeoutCompletesNotRetried(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst4", Timeout: 1, Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{runSleep: 5 * time.Second}
	w := New(job, job.Machine, backend, q, nil, DefaultConfig(), NewSemaphore(1))
	w.Run(ctx)

	final := q.GetJob(ctx, job.ID)
	require.NotNil(t, final)
	assert.Equal(t, tango.StatusCompleted, final.Status)
	assert.False(t, q.IsDead(ctx, job.ID))
}

func TestRunTruncatesOversizeOutput(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	outputPath := t.TempDir() + "/out.txt"

	job := addTestJob(t, q, &tango.Job{
		Name:              "asst5",
		OutputFile:        outputPath,
		MaxOutputFileSize: 16,
		Machine:           tango.Machine{Name: "img", VMMS: "fake"},
	})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{copyOutFile: "this output is far larger than the configured limit"}
	w := New(job, job.Machine, backend, q, nil, DefaultConfig(), NewSemaphore(1))
	w.Run(ctx)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 16)
	assert.Contains(t, string(data), "[truncated]")
}

func TestRunNotifiesCallbackOnSuccess(t *testing.T) {
	ctx := context.Background()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst6", NotifyURL: srv.URL, Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{}
	w := New(job, job.Machine, backend, q, nil, DefaultConfig(), NewSemaphore(1))
	w.Run(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRunNotifyFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst7", NotifyURL: "http://127.0.0.1:0/unreachable", Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, tango.Machine{Name: "img", VMMS: "fake", InstanceID: "i-1"}))
	job = q.GetJob(ctx, job.ID)

	backend := &fakeBackend{}
	w := New(job, job.Machine, backend, q, nil, DefaultConfig(), NewSemaphore(1))
	w.Run(ctx)

	final := q.GetJob(ctx, job.ID)
	require.NotNil(t, final)
	assert.Equal(t, tango.StatusCompleted, final.Status)
}

func TestRunDisposesViaPoolWhenReuseEnabled(t *testing.T) {
	ctx := context.Background()
	registry := vmms.NewRegistry()
	backend := &fakeBackend{}
	registry.Register("fake", backend)
	pool := preallocator.New(registry)
	require.NoError(t, pool.Update(ctx, tango.Machine{Name: "img", VMMS: "fake"}, 1))
	require.Eventually(t, func() bool {
		p := pool.GetPool("img")
		return p.Free == 1
	}, time.Second, 10*time.Millisecond)

	vm, err := pool.AllocVM(ctx, "img")
	require.NoError(t, err)
	require.False(t, vm.IsPlaceholder())

	q := newTestQueue(t)
	job := addTestJob(t, q, &tango.Job{Name: "asst8", Machine: tango.Machine{Name: "img", VMMS: "fake"}})
	require.NoError(t, q.AssignJob(ctx, job.ID, vm))
	job = q.GetJob(ctx, job.ID)

	cfg := DefaultConfig()
	cfg.ReuseVMs = true
	w := New(job, job.Machine, backend, q, pool, cfg, NewSemaphore(1))
	w.Run(ctx)

	p := pool.GetPool("img")
	assert.Equal(t, 1, p.Free)
	assert.Empty(t, backend.destroyed)
}

var assertErr = &testSandboxError{"sandbox unreachable"}

type testSandboxError struct{ msg string }

func (e *testSandboxError) Error() string { return e.msg }
