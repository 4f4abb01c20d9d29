// Package worker runs independent jobs on a bounded set of goroutines.
package worker

import (
	"context"
	"sync"
)

// DefaultWorkers is used when a caller passes n <= 0.
const DefaultWorkers = 4

// Map calls fn for every item, at most n at a time, and returns the
// results in input order. fn is expected to honor ctx; Map itself never
// skips an item.
func Map[T, R any](ctx context.Context, n int, items []T, fn func(ctx context.Context, item T) R) []R {
	results := make([]R, len(items))
	if n <= 0 {
		n = DefaultWorkers
	}
	if n == 1 || len(items) <= 1 {
		// Sequential execution, no goroutines needed.
		for i, it := range items {
			results[i] = fn(ctx, it)
		}
		return results
	}

	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{} // Acquire worker slot.

		go func(idx int, it T) {
			defer wg.Done()
			defer func() { <-sem }() // Release worker slot.
			results[idx] = fn(ctx, it)
		}(i, item)
	}

	wg.Wait()
	return results
}
