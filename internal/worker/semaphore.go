package worker

import "context"

// Semaphore caps concurrent Worker goroutines at MAX_CONCURRENT_JOBS. A
// buffered channel of empty structs, the usual idiom for bounded
// concurrency.
type Semaphore chan struct{}

func NewSemaphore(n int) Semaphore {
	return make(Semaphore, n)
}

// Acquire blocks until a slot is free or ctx is done.
func (s Semaphore) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s Semaphore) Release() {
	<-s
}
