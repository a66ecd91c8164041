package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	assert.Equal(t, 1, q.Enqueue("a"))
	assert.Equal(t, 2, q.Enqueue("b"))
	assert.Equal(t, 3, q.Enqueue("c"))

	assert.Equal(t, 2, q.Position("b"))
	assert.Zero(t, q.Position("zzz"))

	head, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, "a", head)
	assert.Equal(t, 1, q.Position("b"), "positions shift after a pop")

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"c"}, q.Snapshot())

	head, ok = q.PopFront()
	require.True(t, ok)
	assert.Equal(t, "c", head)

	_, ok = q.PopFront()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len())
	seen := make(map[string]bool)
	for {
		id, ok := q.PopFront()
		if !ok {
			break
		}
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}
