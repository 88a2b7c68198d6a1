// ============================================================================
// Tango Preallocator — VM Pool Manager
// ============================================================================
//
// Package: internal/preallocator
// File: preallocator.go
// Purpose: Maintain, per named image, a total pool and a free pool of
//          sandboxes; grow pools in the background, reclaim on freeVM,
//          shrink on update.
//
// Design:
//   A mutex-guarded map keyed by image name rather than by job. Each image's
//   pool gets its own lock so allocators across different images never
//   contend. free is a blocking statestore.Queue so JobQueue.ReuseVM can
//   poll it cheaply without its own synchronization.
//
// ============================================================================

package preallocator

import (
	"context"
	"fmt"
	"sync"

	"github.com/araiyan/tango/internal/statestore"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/internal/vmms"
	"github.com/araiyan/tango/pkg/tango"
)

func machineEqual(a, b tango.Machine) bool {
	return a.InstanceID == b.InstanceID && a.Name == b.Name
}

// pool is the per-image state: total is every provisioned sandbox for the
// image, free is the idle subset.
type pool struct {
	mu       sync.Mutex
	name     string
	target   int
	template tango.Machine // last Update template, used to regrow after Reset
	total    []tango.Machine
	free     *statestore.LocalQueue[tango.Machine]
}

// Preallocator maintains a free/total sandbox pool per image.
type Preallocator struct {
	mu       sync.Mutex
	pools    map[string]*pool
	registry *vmms.Registry
	log      *tangolog.Logger
}

func New(registry *vmms.Registry) *Preallocator {
	return &Preallocator{
		pools:    make(map[string]*pool),
		registry: registry,
		log:      tangolog.Default,
	}
}

func (p *Preallocator) poolFor(name string) *pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pools[name]
	if !ok {
		ps = &pool{name: name, free: statestore.NewLocalQueue[tango.Machine](machineEqual)}
		p.pools[name] = ps
	}
	return ps
}

// Update sets the target pool size for machine.Name to n. Growth spawns a
// background creator calling InitializeVM in parallel for the delta;
// shrinkage destroys from the free pool immediately and defers the rest
// until workers free enough sandboxes.
func (p *Preallocator) Update(ctx context.Context, machine tango.Machine, n int) error {
	ps := p.poolFor(machine.Name)

	ps.mu.Lock()
	ps.target = n
	ps.template = machine
	current := len(ps.total)
	ps.mu.Unlock()

	if current < n {
		go p.grow(context.Background(), ps, machine, n-current)
		return nil
	}
	if current > n {
		return p.shrink(ctx, ps, current-n)
	}
	return nil
}

func (p *Preallocator) grow(ctx context.Context, ps *pool, template tango.Machine, delta int) {
	var wg sync.WaitGroup
	for i := 0; i < delta; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := p.CreateVM(ctx, template)
			if err != nil {
				p.log.Error("preallocator: failed to create vm for pool %s: %v", ps.name, err)
				return
			}
			ps.mu.Lock()
			ps.total = append(ps.total, vm)
			ps.mu.Unlock()
			_ = ps.free.Push(ctx, vm)
		}()
	}
	wg.Wait()
}

func (p *Preallocator) shrink(ctx context.Context, ps *pool, excess int) error {
	for i := 0; i < excess; i++ {
		vm, err := ps.free.Pop(ctx, false, 0)
		if err != nil {
			// free pool smaller than excess: drop the remaining excess
			// (all in use) from total now, so FreeVM destroys those
			// sandboxes when workers hand them back.
			ps.mu.Lock()
			if remaining := excess - i; remaining <= len(ps.total) {
				ps.total = ps.total[:len(ps.total)-remaining]
			}
			ps.mu.Unlock()
			return nil
		}
		ps.mu.Lock()
		ps.total = removeMachine(ps.total, vm)
		ps.mu.Unlock()
		if backend, ok := p.registry.Lookup(vm.VMMS); ok {
			_ = backend.SafeDestroyVM(ctx, vm)
		}
	}
	return nil
}

// AllocVM pops a free sandbox for name, or returns a placeholder machine
// (empty Name) signalling "create on demand".
func (p *Preallocator) AllocVM(ctx context.Context, name string) (tango.Machine, error) {
	ps := p.poolFor(name)
	vm, err := ps.free.Pop(ctx, false, 0)
	if err != nil {
		return tango.Machine{}, nil
	}
	return vm, nil
}

// FreeVM returns vm to its pool's free queue if the pool still claims it in
// total; otherwise the pool has since shrunk and vm is destroyed instead.
func (p *Preallocator) FreeVM(ctx context.Context, vm tango.Machine) error {
	ps := p.poolFor(vm.Name)
	ps.mu.Lock()
	stillTotal := containsMachine(ps.total, vm)
	ps.mu.Unlock()

	if stillTotal {
		return ps.free.Push(ctx, vm)
	}
	backend, ok := p.registry.Lookup(vm.VMMS)
	if !ok {
		return fmt.Errorf("preallocator: no backend registered for %q", vm.VMMS)
	}
	return backend.SafeDestroyVM(ctx, vm)
}

// AddVM / RemoveVM / DestroyVM are direct total-pool mutations for
// administrative use.
func (p *Preallocator) AddVM(vm tango.Machine) {
	ps := p.poolFor(vm.Name)
	ps.mu.Lock()
	ps.total = append(ps.total, vm)
	ps.mu.Unlock()
}

func (p *Preallocator) RemoveVM(vm tango.Machine) {
	ps := p.poolFor(vm.Name)
	ps.mu.Lock()
	ps.total = removeMachine(ps.total, vm)
	ps.mu.Unlock()
}

func (p *Preallocator) DestroyVM(ctx context.Context, vm tango.Machine) error {
	p.RemoveVM(vm)
	backend, ok := p.registry.Lookup(vm.VMMS)
	if !ok {
		return fmt.Errorf("preallocator: no backend registered for %q", vm.VMMS)
	}
	return backend.SafeDestroyVM(ctx, vm)
}

// GetPool returns a snapshot of pool sizes for introspection.
func (p *Preallocator) GetPool(name string) tango.Pool {
	ps := p.poolFor(name)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	total := make([]tango.Machine, len(ps.total))
	copy(total, ps.total)
	free, _ := ps.free.Size(context.Background())
	return tango.Pool{Name: name, Total: total, Free: free}
}

// PoolSizes implements queue.PoolSource for JobQueue.ReuseVM.
func (p *Preallocator) PoolSizes(_ context.Context, name string) (total, free int) {
	ps := p.poolFor(name)
	ps.mu.Lock()
	total = len(ps.total)
	ps.mu.Unlock()
	free, _ = ps.free.Size(context.Background())
	return total, free
}

// CreateVM synchronously provisions a single sandbox, used by the creator
// and for bring-your-own-account dispatches that bypass the pool entirely.
func (p *Preallocator) CreateVM(ctx context.Context, template tango.Machine) (tango.Machine, error) {
	backend, ok := p.registry.Lookup(template.VMMS)
	if !ok {
		return tango.Machine{}, fmt.Errorf("preallocator: no backend registered for %q", template.VMMS)
	}
	vm := template
	if err := backend.InitializeVM(ctx, &vm); err != nil {
		return tango.Machine{}, err
	}
	return vm, nil
}

// Reset runs once at startup, since sandboxes left over from a previous
// process cannot be trusted: for every registered backend it destroys
// whatever GetVMs reports as still running, then clears each pool's free
// queue and total list and regrows back to the pool's last known target
// size. Errors destroying individual leaked sandboxes are logged and do
// not stop the sweep; the first error (if any) is returned afterward.
func (p *Preallocator) Reset(ctx context.Context) error {
	var firstErr error
	for _, tag := range p.registry.Tags() {
		backend, ok := p.registry.Lookup(tag)
		if !ok {
			continue
		}
		leaked, err := backend.GetVMs(ctx)
		if err != nil {
			p.log.Error("preallocator: reset: failed to list vms for backend %q: %v", tag, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, vm := range leaked {
			if err := backend.SafeDestroyVM(ctx, vm); err != nil {
				p.log.Error("preallocator: reset: failed to destroy leaked vm %s/%s: %v", tag, vm.InstanceID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	p.mu.Lock()
	pools := make([]*pool, 0, len(p.pools))
	for _, ps := range p.pools {
		pools = append(pools, ps)
	}
	p.mu.Unlock()

	for _, ps := range pools {
		_, _ = ps.free.Drain(ctx)
		ps.mu.Lock()
		ps.total = nil
		target := ps.target
		template := ps.template
		ps.mu.Unlock()
		if target > 0 {
			go p.grow(context.Background(), ps, template, target)
		}
	}

	return firstErr
}

func removeMachine(machines []tango.Machine, target tango.Machine) []tango.Machine {
	out := make([]tango.Machine, 0, len(machines))
	removed := false
	for _, m := range machines {
		if !removed && machineEqual(m, target) {
			removed = true
			continue
		}
		out = append(out, m)
	}
	return out
}

func containsMachine(machines []tango.Machine, target tango.Machine) bool {
	for _, m := range machines {
		if machineEqual(m, target) {
			return true
		}
	}
	return false
}
