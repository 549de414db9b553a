package topn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byInt(a, b int) bool { return a < b }

func TestEmplace_BelowCapacity(t *testing.T) {
	q := New(4, byInt)
	q.Emplace(3)
	q.Emplace(1)
	require.Equal(t, 2, q.Size())
	require.False(t, q.Empty())
}

func TestEmplace_OverflowKeepsTopN(t *testing.T) {
	q := New(4, byInt)
	for _, v := range []int{100, 200, 300, 400, 500, 600} {
		q.Emplace(v)
	}
	items, dropped := q.StealData()
	assert.Equal(t, uint64(2), dropped)
	assert.Equal(t, []int{600, 500, 400, 300}, items)
}

func TestStealData_ResetsQueue(t *testing.T) {
	q := New(4, byInt)
	q.Emplace(1)
	q.StealData()
	assert.True(t, q.Empty())
	_, dropped := q.StealData()
	assert.Zero(t, dropped)
}

func TestEmplace_DoesNotReplaceWhenNotGreater(t *testing.T) {
	q := New(2, byInt)
	q.Emplace(5)
	q.Emplace(10)
	q.Emplace(1) // below the current min (5), should only count as dropped
	items, dropped := q.StealData()
	assert.Equal(t, []int{10, 5}, items)
	assert.Equal(t, uint64(1), dropped)
}

func TestEmplace_ConcurrentSafe(t *testing.T) {
	q := New(16, byInt)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Emplace(v)
		}(i)
	}
	wg.Wait()
	items, dropped := q.StealData()
	assert.Equal(t, 16, len(items))
	assert.Equal(t, uint64(200-16), dropped)
}
