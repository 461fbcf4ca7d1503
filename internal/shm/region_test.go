package shm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempRegionName(t *testing.T) (dir, name string) {
	dir = t.TempDir()
	name = "test-region"
	return
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir, name := tempRegionName(t)

	owner, err := Create(dir, name)
	require.NoError(t, err)
	defer owner.Close()
	defer os.Remove(dir + "/" + name)

	peer, err := Open(dir, name)
	require.NoError(t, err)
	defer peer.Close()

	slot, ok := owner.ReserveBuffer()
	require.True(t, ok)
	owner.LockBuffer(slot)
	copy(owner.Buffer(slot), []byte("hello world"))
	owner.UnlockBuffer(slot)

	// The peer's mapping is the same physical pages.
	assert.Equal(t, "hello world", string(peer.Buffer(slot)[:11]))
	owner.ReleaseBuffer(slot)
}

func TestBufferBitmapSaturates(t *testing.T) {
	dir, name := tempRegionName(t)
	r, err := Create(dir, name)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < NumBufferSlots; i++ {
		_, ok := r.ReserveBuffer()
		require.True(t, ok)
	}
	_, ok := r.ReserveBuffer()
	assert.False(t, ok)

	r.ReleaseBuffer(3)
	idx, ok := r.ReserveBuffer()
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestQueuePairRingsAreIndependentPerPair(t *testing.T) {
	dir, name := tempRegionName(t)
	r, err := Create(dir, name)
	require.NoError(t, err)
	defer r.Close()

	a, ok := r.ReservePair()
	require.True(t, ok)
	b, ok := r.ReservePair()
	require.True(t, ok)
	require.NotEqual(t, a, b)

	require.True(t, r.Pair(a).Rx.Push(42))
	_, popped := r.Pair(b).Rx.Pop()
	assert.False(t, popped, "pushing to pair a must not be visible on pair b")

	v, popped := r.Pair(a).Rx.Pop()
	require.True(t, popped)
	assert.Equal(t, uint64(42), v)
}

func TestCommandQueueSharedAcrossRegionHandles(t *testing.T) {
	dir, name := tempRegionName(t)
	owner, err := Create(dir, name)
	require.NoError(t, err)
	defer owner.Close()
	defer os.Remove(dir + "/" + name)

	peer, err := Open(dir, name)
	require.NoError(t, err)
	defer peer.Close()

	require.True(t, peer.CommandQueue().Push(7))
	v, ok := owner.CommandQueue().Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(7), v)
}
