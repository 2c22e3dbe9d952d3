package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockingQueueEmptyIsEmpty(t *testing.T) {
	bq := NewBlockingQueue[byte]()
	assert.Equal(t, 0, bq.Len())
	assert.True(t, bq.Empty())

	bq.PushBack('$')

	assert.Equal(t, 1, bq.Len())
	assert.False(t, bq.Empty())

	for _, c := range []byte("MONEY") {
		bq.PushBack(c)
	}

	assert.Equal(t, 6, bq.Len())
	assert.False(t, bq.Empty())

	bq.Clear()

	assert.Equal(t, 0, bq.Len())
	assert.True(t, bq.Empty())
}

func TestBlockingQueuePopAllButMostRecent(t *testing.T) {
	bq := NewBlockingQueue[string]()

	for _, c := range "abcdefghijklmnopqrstuvwxyz" {
		bq.PushBack(string(c))
	}

	assert.Equal(t, "z", bq.PopAllButMostRecent())
	assert.Equal(t, 1, bq.Len())
}

func TestBlockingQueueInterleaved(t *testing.T) {
	var shared []int

	// Two queues as control structures between two goroutines: the main
	// goroutine feeds evens, the worker answers with odds, and both append to
	// the shared slice in strict alternation.
	evens := NewBlockingQueue[int]()
	odds := NewBlockingQueue[int]()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i < 10; i += 2 {
			v, ok := evens.PopFront()
			require.True(t, ok)
			shared = append(shared, v)
			odds.PushBack(i)
		}
	}()

	for i := 0; i < 10; i += 2 {
		evens.PushBack(i)
		v, ok := odds.PopFront()
		require.True(t, ok)
		shared = append(shared, v)
	}
	<-done

	assert.True(t, evens.Empty())
	assert.True(t, odds.Empty())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, shared)
}

func TestBlockingQueueCloseDrainsThenReportsShutdown(t *testing.T) {
	bq := NewBlockingQueue[int]()
	bq.PushBack(1)
	bq.PushBack(2)
	bq.Close()

	v, ok := bq.PopFront()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = bq.PopFront()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = bq.PopFront()
	assert.False(t, ok)

	// Pushes after close are dropped.
	assert.False(t, bq.PushBack(3))
	_, ok = bq.PopFront()
	assert.False(t, ok)
}

func TestBlockingQueueCloseWakesBlockedConsumer(t *testing.T) {
	bq := NewBlockingQueue[int]()

	done := make(chan bool)
	go func() {
		_, ok := bq.PopFront()
		done <- ok
	}()

	bq.Close()
	assert.False(t, <-done)
}
