package notify

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFDSignalDrain(t *testing.T) {
	n, err := New(t.TempDir() + "/unused")
	require.NoError(t, err)
	defer n.Close()

	count, err := n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count, "nothing signaled yet")

	require.NoError(t, n.Signal())
	require.NoError(t, n.Signal())
	count, err = n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count, "eventfd counter accumulates")

	count, err = n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count, "draining again finds nothing pending")
}

func TestFromFDOwnsReceivedDescriptor(t *testing.T) {
	n, err := New(t.TempDir() + "/unused")
	require.NoError(t, err)
	defer n.Close()

	// Simulate what SCM_RIGHTS delivery actually hands the receiver: a
	// distinct descriptor number backed by the same underlying file.
	dupFD, err := unix.Dup(n.FD())
	require.NoError(t, err)

	dup := FromFD(dupFD)
	assert.True(t, dup.Owned(), "FromFD must own its local copy of a received descriptor")
	require.NoError(t, dup.Close())
}

func TestEnableDisableNotificationState(t *testing.T) {
	var state uint32
	assert.False(t, ShouldSignal(&state), "uninitialized state should not request signaling")

	EnableNotification(&state)
	assert.True(t, ShouldSignal(&state))

	DisableNotification(&state)
	assert.False(t, ShouldSignal(&state))
}
