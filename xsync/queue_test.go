package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	assert.Equal(t, 10, q.Len())
	for i := 0; i < 10; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string]()
	done := NewLatch()
	var got string
	go func() {
		got, _ = q.Pop()
		done.Trigger()
	}()

	// The consumer should still be blocked.
	select {
	case <-done.WaitChan():
		t.Fatal("Pop returned before anything was pushed.")
	case <-time.After(10 * time.Millisecond):
	}

	q.Push("signal")
	select {
	case <-done.WaitChan():
		// Success.
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for Pop to be released by Push.")
	}
	assert.Equal(t, "signal", got)
}

func TestQueue_CloseReleasesBlockedPops(t *testing.T) {
	q := NewQueue[int]()
	const waiters = 4
	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			if !ok {
				released.Add(1)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close() // Idempotent.

	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()
	select {
	case <-done.WaitChan():
		// Success.
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for Close to release blocked Pops.")
	}
	assert.Equal(t, int32(waiters), released.Load())
}

func TestQueue_DrainsAfterClose(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Close()

	// Queued values survive Close, new ones are discarded.
	q.Push(3)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Pop()
	assert.False(t, ok)
	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueue_ManyProducers(t *testing.T) {
	q := NewQueue[int]()
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(1)
			}
		}()
	}
	wg.Wait()

	var sum int
	for i := 0; i < producers*perProducer; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		sum += v
	}
	assert.Equal(t, producers*perProducer, sum)
	assert.Equal(t, 0, q.Len())
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	select {
	case <-l.WaitChan():
		t.Fatal("Latch fired before Trigger.")
	default:
	}

	l.Trigger()
	l.Trigger() // Only the first trigger counts.
	assert.True(t, l.Test())
	l.Wait()
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan must be closed after Trigger.")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	assert.False(t, l.Test())
	go l.Trigger(nil)
	assert.NoError(t, l.Wait())
	assert.True(t, l.Test())

	// Only the first trigger counts.
	l2 := NewLatchWithValue[int]()
	l2.Trigger(7)
	l2.Trigger(11)
	assert.Equal(t, 7, l2.Wait())
}
