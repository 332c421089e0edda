// Package ratelimit hands out call start times so that upstream requests respect
// a global gap and a per-partition gap.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Allocator is a reservation allocator. Reserve is atomic; waiting happens
// outside the lock so a sleeping caller never blocks other reservations.
type Allocator struct {
	mu            sync.Mutex
	globalGap     time.Duration
	partitionGap  time.Duration
	overrides     map[string]time.Duration
	nextGlobal    time.Time
	nextPartition map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Allocator)

// WithPartitionGaps sets per-partition gaps that replace the default partition gap.
func WithPartitionGaps(gaps map[string]time.Duration) Option {
	return func(a *Allocator) {
		for p, d := range gaps {
			a.overrides[p] = d
		}
	}
}

// WithClock replaces time.Now and the context-aware sleep used by Wait.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

func NewAllocator(globalGap, partitionGap time.Duration, opts ...Option) *Allocator {
	a := &Allocator{
		globalGap:     globalGap,
		partitionGap:  partitionGap,
		overrides:     make(map[string]time.Duration),
		nextPartition: make(map[string]time.Time),
		now:           time.Now,
		sleep:         Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PartitionGap returns the effective gap for partition.
func (a *Allocator) PartitionGap(partition string) time.Duration {
	if d, ok := a.overrides[partition]; ok {
		return d
	}
	return a.partitionGap
}

// Reserve returns the earliest start at or after now that honors both gaps,
// and advances the watermarks past it.
func (a *Allocator) Reserve(partition string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.now()
	if a.nextGlobal.After(start) {
		start = a.nextGlobal
	}
	if next, ok := a.nextPartition[partition]; ok && next.After(start) {
		start = next
	}
	a.nextGlobal = start.Add(a.globalGap)
	a.nextPartition[partition] = start.Add(a.PartitionGap(partition))
	return start
}

// Wait reserves a slot for partition and sleeps until it starts.
// It returns how long the caller waited.
func (a *Allocator) Wait(ctx context.Context, partition string) (time.Duration, error) {
	start := a.Reserve(partition)
	d := start.Sub(a.now())
	if d <= 0 {
		return 0, nil
	}
	if err := a.sleep(ctx, d); err != nil {
		return 0, err
	}
	return d, nil
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
