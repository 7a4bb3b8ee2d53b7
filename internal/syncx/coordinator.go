package syncx

import "context"

// Coordinator serializes the two long-running background tasks: at most one
// sync cycle and one key rotation in flight overall, never both at once. A
// task requested while the other is running waits until it completes.
type Coordinator struct {
	slot chan struct{}
}

// NewCoordinator returns a coordinator with a single execution slot.
func NewCoordinator() *Coordinator {
	c := &Coordinator{slot: make(chan struct{}, 1)}
	c.slot <- struct{}{}
	return c
}

// Acquire blocks until the slot is free or ctx is done. The returned release
// function must be called exactly once.
func (c *Coordinator) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-c.slot:
		return func() { c.slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the slot without blocking; ok is false when busy.
func (c *Coordinator) TryAcquire() (func(), bool) {
	select {
	case <-c.slot:
		return func() { c.slot <- struct{}{} }, true
	default:
		return nil, false
	}
}
