package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMap_KeepsInputOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	got := Map(context.Background(), 3, items, func(_ context.Context, n int) int {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10
	})
	assert.Equal(t, []int{50, 10, 40, 20, 30}, got)
}

func TestMap_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	items := make([]int, 12)
	Map(context.Background(), 3, items, func(_ context.Context, _ int) struct{} {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return struct{}{}
	})
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestMap_SequentialWithOneWorker(t *testing.T) {
	var order []string
	Map(context.Background(), 1, []string{"a", "b", "c"}, func(_ context.Context, s string) bool {
		order = append(order, s)
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMap_Empty(t *testing.T) {
	got := Map(context.Background(), 0, []int(nil), func(_ context.Context, n int) int { return n })
	assert.Empty(t, got)
}
