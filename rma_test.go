//go:build linux

package smep

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smfabric/smep/internal/wire"
)

func handleOf(bufs ...[]byte) wire.Handle {
	h := wire.Handle{Flags: wire.AccessRead | wire.AccessWrite}
	for _, b := range bufs {
		h.Segments = append(h.Segments, wire.Segment{Base: uintptr(unsafe.Pointer(&b[0])), Length: uint64(len(b))})
	}
	return h
}

// TestGetScatterGather covers spec.md §8 scenario 6: a 3x1000-byte local
// scatter/gather handle against a single 3000-byte remote segment, reading
// a 2000-byte window starting 500 bytes in.
func TestGetScatterGather(t *testing.T) {
	ep, err := Open("tester", Options{NoWait: true, TmpDir: t.TempDir(), ShmDir: t.TempDir()})
	require.NoError(t, err)
	defer ep.Close()

	remote := make([]byte, 3000)
	for i := range remote {
		remote[i] = byte(i)
	}
	remoteHandle := handleOf(remote)

	local0 := make([]byte, 1000)
	local1 := make([]byte, 1000)
	local2 := make([]byte, 1000)
	localHandle := handleOf(local0, local1, local2)

	pid := uint32(os.Getpid())
	require.NoError(t, ep.Get(pid, remoteHandle, 500, localHandle, 0, 2000))

	assert.Equal(t, remote[500:1500], local0)
	assert.Equal(t, remote[1500:2500], local1)
	assert.Equal(t, make([]byte, 1000), local2, "third segment untouched beyond the 2000-byte window")
}

func TestPutScatterGather(t *testing.T) {
	ep, err := Open("tester", Options{NoWait: true, TmpDir: t.TempDir(), ShmDir: t.TempDir()})
	require.NoError(t, err)
	defer ep.Close()

	local0 := []byte("aaaabbbb")
	local1 := []byte("ccccdddd")
	localHandle := handleOf(local0, local1)

	remote := make([]byte, 32)
	remoteHandle := handleOf(remote)

	pid := uint32(os.Getpid())
	require.NoError(t, ep.Put(pid, remoteHandle, 8, localHandle, 0, 16))

	assert.Equal(t, make([]byte, 8), remote[:8])
	assert.Equal(t, []byte("aaaabbbbccccdddd"), remote[8:24])
}

func TestPutRejectsReadOnlyRemote(t *testing.T) {
	ep, err := Open("tester", Options{NoWait: true, TmpDir: t.TempDir(), ShmDir: t.TempDir()})
	require.NoError(t, err)
	defer ep.Close()

	local := make([]byte, 16)
	remote := make([]byte, 16)
	remoteHandle := wire.Handle{Flags: wire.AccessRead, Segments: []wire.Segment{{Base: uintptr(unsafe.Pointer(&remote[0])), Length: 16}}}

	err = ep.Put(uint32(os.Getpid()), remoteHandle, 0, handleOf(local), 0, 16)
	require.Error(t, err)
	assert.True(t, Is(err, CodePermissionDenied))
}
