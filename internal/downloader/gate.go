package downloader

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxParallel is the gate capacity used when none is configured.
const DefaultMaxParallel = 5

// Gate bounds how many file transfers run at once. One Gate instance is
// constructed at client initialization time and shared by every download
// call in the process, so concurrent batches share the same cap.
type Gate struct {
	sem *semaphore.Weighted
	cap int64
}

// NewGate creates a gate admitting at most maxParallel concurrent holders.
// Non-positive values fall back to DefaultMaxParallel.
func NewGate(maxParallel int) *Gate {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	return &Gate{
		sem: semaphore.NewWeighted(int64(maxParallel)),
		cap: int64(maxParallel),
	}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot. Must be called exactly once per successful
// Acquire; a leaked slot permanently shrinks effective concurrency for the
// rest of the process lifetime.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Cap returns the configured capacity.
func (g *Gate) Cap() int {
	return int(g.cap)
}
