//go:build linux

package pollset

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSignalWaitRemove(t *testing.T) {
	ps, err := New()
	require.NoError(t, err)
	defer ps.Close()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fd)

	const tag = uint64(42)
	require.NoError(t, ps.Add(fd, tag))

	events, err := ps.Wait(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing signaled yet")

	var buf [8]byte
	buf[0] = 1
	_, err = unix.Write(fd, buf[:])
	require.NoError(t, err)

	events, err = ps.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, tag, events[0].Tag)

	require.NoError(t, ps.Remove(fd))
	// The eventfd is left undrained, so it is still readable, but the poll
	// set no longer reports on it once removed.
	events, err = ps.Wait(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "removed fd should not fire")
}
