package ring

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	r := New(8)
	for i := uint64(1); i <= 8; i++ {
		require.True(t, r.Push(i))
	}
	assert.False(t, r.Push(9), "ring should report full at capacity")

	for i := uint64(1); i <= 8; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestWrapAround(t *testing.T) {
	r := New(4)
	for i := uint64(1); i <= 4; i++ {
		require.True(t, r.Push(i))
	}
	for i := 0; i < 100; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i%4+1), v)
		require.True(t, r.Push(uint64(i%4+1)))
	}
}

func TestConcurrentProducersConsumersLinearizable(t *testing.T) {
	const producers = 8
	const perProducer = 512
	const n = producers * perProducer
	r := New(256)

	var producerWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		producerWG.Add(1)
		go func() {
			defer producerWG.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Push(1) {
					runtime.Gosched()
				}
			}
		}()
	}

	var count atomic.Int64
	stop := make(chan struct{})
	var consumerWG sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			for {
				if _, ok := r.Pop(); ok {
					count.Add(1)
					continue
				}
				select {
				case <-stop:
					return
				default:
					runtime.Gosched()
				}
			}
		}()
	}

	producerWG.Wait()
	// Drain whatever remains, then let consumers observe they're done.
	for count.Load() < n {
		runtime.Gosched()
	}
	close(stop)
	consumerWG.Wait()

	assert.Equal(t, int64(n), count.Load())
	_, ok := r.Pop()
	assert.False(t, ok, "ring should be fully drained")
}

func TestPushRejectsZero(t *testing.T) {
	r := New(2)
	assert.Panics(t, func() { r.Push(0) })
}
