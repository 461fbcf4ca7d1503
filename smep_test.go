package smep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPair opens two listening endpoints sharing a scratch namespace, the
// way two separate processes on the host would share /dev/shm and the
// control-socket tree (spec.md §8's scenarios all assume this topology).
func openPair(t *testing.T) (a, b *Endpoint) {
	t.Helper()
	shmDir := t.TempDir()
	tmpDir := t.TempDir()
	opts := Options{Listen: true, NoWait: true, ShmDir: shmDir, TmpDir: tmpDir}

	a, err := Open("tester", opts)
	require.NoError(t, err)
	b, err = Open("tester", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func drainUntil(t *testing.T, eps []*Endpoint, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for progress")
		}
		for _, ep := range eps {
			ep.Progress(0)
		}
	}
}

// TestLoopbackEcho covers spec.md §8 scenario 1.
func TestLoopbackEcho(t *testing.T) {
	ep, err := Open("tester", Options{Listen: true, NoWait: true, ShmDir: t.TempDir(), TmpDir: t.TempDir()})
	require.NoError(t, err)
	defer ep.Close()

	var sendDone, recvDone bool
	var gotSource *Address
	var gotTag uint32
	var gotN int

	sendOp := NewOperation(ep)
	require.NoError(t, ep.SendUnexpected(ep.SourceAddress(), []byte("hello world"), 7, sendOp, func(r Result) {
		sendDone = true
		require.NoError(t, r.Err)
	}))

	recvBuf := make([]byte, 32)
	recvOp := NewOperation(ep)
	require.NoError(t, ep.RecvUnexpected(recvBuf, recvOp, func(r Result) {
		recvDone = true
		require.NoError(t, r.Err)
		gotSource = r.Source
		gotTag = r.Tag
		gotN = r.ActualSize
	}))

	drainUntil(t, []*Endpoint{ep}, func() bool { return sendDone && recvDone })

	assert.Equal(t, 11, gotN)
	assert.Equal(t, uint32(7), gotTag)
	assert.Same(t, ep.SourceAddress(), gotSource)
	assert.Equal(t, "hello world", string(recvBuf[:gotN]))
}

// TestLateUnexpectedReceivePosting covers spec.md §8 scenario 3: sends
// arrive before any receive is posted, and FIFO order is preserved once
// receives are posted afterward.
func TestLateUnexpectedReceivePosting(t *testing.T) {
	a, b := openPair(t)

	dest := a.Lookup(b.pid, b.instance)
	defer a.FreeAddress(dest)

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, p := range payloads {
		op := NewOperation(a)
		require.NoError(t, a.SendUnexpected(dest, p, uint32(i), op, func(r Result) {
			require.NoError(t, r.Err)
		}))
	}

	// Drive the sends (and on b's side, the arrival into its holding
	// queue) before any receive exists.
	drainUntil(t, []*Endpoint{a, b}, func() bool {
		a.Progress(0)
		return true
	})
	for i := 0; i < 50; i++ {
		b.Progress(0)
	}

	var got []string
	for range payloads {
		buf := make([]byte, 16)
		var done bool
		op := NewOperation(b)
		require.NoError(t, b.RecvUnexpected(buf, op, func(r Result) {
			done = true
			require.NoError(t, r.Err)
			got = append(got, string(buf[:r.ActualSize]))
		}))
		drainUntil(t, []*Endpoint{a, b}, func() bool { return done })
	}

	assert.Equal(t, []string{"one", "two", "three"}, got)
}

// TestExpectedMatch covers spec.md §8 scenario 4: a receive-expected
// posted before the matching send arrives.
func TestExpectedMatch(t *testing.T) {
	a, b := openPair(t)

	destFromA := a.Lookup(b.pid, b.instance)
	defer a.FreeAddress(destFromA)

	// b must look up a's address too, since expected receive matches by
	// (source, tag) and the source record has to exist before dispatch.
	destFromB := b.Lookup(a.pid, a.instance)
	defer b.FreeAddress(destFromB)

	var recvDone bool
	var gotN int
	recvBuf := make([]byte, 16)
	recvOp := NewOperation(b)
	require.NoError(t, b.RecvExpected(destFromB, 9, recvBuf, recvOp, func(r Result) {
		recvDone = true
		require.NoError(t, r.Err)
		gotN = r.ActualSize
	}))

	sendOp := NewOperation(a)
	var sendDone bool
	require.NoError(t, a.SendExpected(destFromA, []byte("matched"), 9, sendOp, func(r Result) {
		sendDone = true
		require.NoError(t, r.Err)
	}))

	drainUntil(t, []*Endpoint{a, b}, func() bool { return sendDone && recvDone })
	assert.Equal(t, "matched", string(recvBuf[:gotN]))
}

// TestBackpressureRetry covers spec.md §8 scenario 2: saturating all 64
// copy-buffer slots parks the 65th send on the retry queue until a buffer
// frees up.
func TestBackpressureRetry(t *testing.T) {
	a, b := openPair(t)

	dest := a.Lookup(b.pid, b.instance)
	defer a.FreeAddress(dest)

	const slots = 64
	ops := make([]*Operation, slots+1)
	var completed int
	for i := 0; i < slots; i++ {
		ops[i] = NewOperation(a)
		idx := i
		require.NoError(t, a.SendUnexpected(dest, []byte{byte(idx)}, uint32(idx), ops[i], func(r Result) {
			require.NoError(t, r.Err)
			completed++
		}))
	}
	require.Equal(t, slots, completed, "all 64 sends should complete immediately, buffers available")

	// The 65th send has no free buffer: it must park on the retry queue
	// rather than fail.
	ops[slots] = NewOperation(a)
	var lastDone bool
	require.NoError(t, a.SendUnexpected(dest, []byte{99}, 99, ops[slots], func(r Result) {
		lastDone = true
		require.NoError(t, r.Err)
	}))
	assert.False(t, lastDone, "65th send should be parked, not completed synchronously")

	// Nothing has drained b's side yet, so no buffers have been released.
	a.Progress(0)
	assert.False(t, lastDone)

	// Draining b's ring dispatches the held messages and releases their
	// buffers, unblocking the parked retry.
	drainUntil(t, []*Endpoint{a, b}, func() bool { return lastDone })
}

// TestCancelAlreadyCompletedIsNoop covers the idempotent-cancel invariant:
// canceling an operation that already completed must not disturb its
// result.
func TestCancelAlreadyCompletedIsNoop(t *testing.T) {
	ep, err := Open("tester", Options{Listen: true, NoWait: true, ShmDir: t.TempDir(), TmpDir: t.TempDir()})
	require.NoError(t, err)
	defer ep.Close()

	var gotCanceled bool
	op := NewOperation(ep)
	require.NoError(t, ep.SendUnexpected(ep.SourceAddress(), []byte("x"), 1, op, func(r Result) {
		gotCanceled = r.Canceled
	}))
	ep.Cancel(op) // races a synchronously-completed send: must be a no-op
	assert.False(t, gotCanceled)
}

// TestDisconnectCleanup covers spec.md §8 scenario 5: freeing an address
// tears it out of the address map once its refcount reaches zero.
func TestDisconnectCleanup(t *testing.T) {
	a, b := openPair(t)

	dest := a.Lookup(b.pid, b.instance)
	op := NewOperation(a)
	require.NoError(t, a.SendUnexpected(dest, []byte("x"), 1, op, func(r Result) {
		require.NoError(t, r.Err)
	}))
	drainUntil(t, []*Endpoint{a, b}, func() bool {
		a.Progress(0)
		return true
	})

	a.FreeAddress(dest)
	// Let b observe the RELEASED command and tear its side down too.
	for i := 0; i < 50; i++ {
		b.Progress(0)
	}

	a.addrMu.RLock()
	_, stillThere := a.addrMap[keyOf(b.pid, b.instance)]
	a.addrMu.RUnlock()
	assert.False(t, stillThere, "freed address must leave the address map")
}

// TestPollingResolveCloseDescriptorAccounting covers spec.md §3's fd-count
// invariant and §8 scenario 5 ("descriptor count on both endpoints returns
// to its pre-resolution value") with real notifiers and control-socket fd
// passing, rather than NoWait's purely synchronous path. It guards against
// destroy() leaking the two eventfds a resolve creates.
func TestPollingResolveCloseDescriptorAccounting(t *testing.T) {
	shmDir := t.TempDir()
	tmpDir := t.TempDir()
	opts := Options{Listen: true, NoWait: false, ShmDir: shmDir, TmpDir: tmpDir}

	a, err := Open("tester", opts)
	require.NoError(t, err)
	b, err := Open("tester", opts)
	require.NoError(t, err)

	dest := a.Lookup(b.pid, b.instance)
	op := NewOperation(a)
	var sendDone bool
	require.NoError(t, a.SendUnexpected(dest, []byte("x"), 1, op, func(r Result) {
		sendDone = true
		require.NoError(t, r.Err)
	}))

	// Resolving creates two real eventfds on a's side and passes them to
	// b over the control socket. The send completes synchronously once
	// resolve succeeds, so this returns without further progress; b adopts
	// the fds (handleReserved) in the Progress loop after FreeAddress below,
	// in the same pass that processes the RELEASED command.
	drainUntil(t, []*Endpoint{a, b}, func() bool { return sendDone })

	assert.Greater(t, a.openFDs.Load(), int32(0))
	assert.Greater(t, b.openFDs.Load(), int32(0))

	a.FreeAddress(dest)
	for i := 0; i < 50; i++ {
		b.Progress(0)
	}

	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
}
