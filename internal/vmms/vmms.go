// Package vmms defines the VM Management Service interface every sandbox
// backend implements, and the name-keyed registry the dispatcher and worker
// use to resolve a job's vm.vmms tag to a concrete backend at dispatch time.
// Backends depend on this package, never the reverse, so new sandbox types
// can be added without touching the dispatcher or worker.
package vmms

import (
	"context"

	"github.com/araiyan/tango/pkg/tango"
)

// Interface is the fixed operation set every backend provides. The core
// treats all backends uniformly through it.
type Interface interface {
	// InitializeVM provisions vm, setting its InstanceID (and DomainName,
	// for backends reached over the network) on success. Returns an error wrapping tangoerr.ErrFatalSandbox on
	// unrecoverable failure.
	InitializeVM(ctx context.Context, vm *tango.Machine) error
	// WaitVM blocks until vm is reachable or maxSecs elapses.
	WaitVM(ctx context.Context, vm tango.Machine, maxSecs int) error
	// CopyIn copies every input file into the sandbox under a job-scoped
	// directory.
	CopyIn(ctx context.Context, vm tango.Machine, files []tango.InputFile, jobID int) error
	// RunJob runs the autograding workload and returns its exit status (0
	// success, non-zero failure, a timeout error on hang).
	RunJob(ctx context.Context, vm tango.Machine, timeoutSecs int, maxOutputBytes int64, disableNetwork bool) (int, error)
	// CopyOut retrieves the produced output to destFile on the host,
	// atomically (write-then-rename).
	CopyOut(ctx context.Context, vm tango.Machine, destFile string) error
	// DestroyVM tears down vm unconditionally.
	DestroyVM(ctx context.Context, vm tango.Machine) error
	// SafeDestroyVM tears down vm; a backend whose teardown is not
	// immediate waits for vm to disappear, up to a backend-defined timeout
	// (localdocker polls ExistsVM; ec2ssh returns once termination is
	// requested).
	SafeDestroyVM(ctx context.Context, vm tango.Machine) error
	// GetVMs lists every sandbox this backend currently manages.
	GetVMs(ctx context.Context) ([]tango.Machine, error)
	// ExistsVM reports whether vm is still alive.
	ExistsVM(ctx context.Context, vm tango.Machine) (bool, error)
	// GetImages lists image names this backend can provision.
	GetImages(ctx context.Context) ([]string, error)
	// GetPartialOutput streams whatever output a running job has produced
	// so far, for a live-tail endpoint (out of core scope, but every
	// backend still implements the contract).
	GetPartialOutput(ctx context.Context, vm tango.Machine) (string, error)
}

// Registry resolves a backend tag (tango.Machine.VMMS) to an Interface.
type Registry struct {
	backends map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Interface)}
}

// Register adds or replaces the backend for tag.
func (r *Registry) Register(tag string, backend Interface) {
	r.backends[tag] = backend
}

// Lookup returns the backend for tag, or false if none is registered.
func (r *Registry) Lookup(tag string) (Interface, bool) {
	b, ok := r.backends[tag]
	return b, ok
}

// Tags lists every registered backend name.
func (r *Registry) Tags() []string {
	out := make([]string, 0, len(r.backends))
	for tag := range r.backends {
		out = append(out, tag)
	}
	return out
}
