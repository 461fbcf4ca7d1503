// Package smep implements a low-latency, intra-node shared-memory endpoint
// fabric: peers on the same host identify each other by process ID and a
// small instance ordinal, establish lightweight shared message channels on
// demand, exchange small tagged payloads via copy through shared ring
// buffers, and transfer bulk data with the host kernel's cross-process
// memory primitive, generalizing a single fixed shared-memory channel and
// a single publish socket into a many-peers fabric addressed by process ID
// and instance ordinal.
package smep

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/smfabric/smep/internal/control"
	"github.com/smfabric/smep/internal/errs"
	"github.com/smfabric/smep/internal/notify"
	"github.com/smfabric/smep/internal/pollset"
	"github.com/smfabric/smep/internal/shm"
)

// instanceCounter is the shared atomic counter spec.md §9 requires for
// process-wide instance uniqueness ("thread-local or per-endpoint counters
// are insufficient").
var instanceCounter atomic.Uint32

// Options configures an Endpoint (spec.md §6 "Configuration options").
type Options struct {
	// Listen makes this endpoint own a shared-memory region other peers
	// can resolve addresses into.
	Listen bool
	// NoWait disables the poll set and notifiers entirely; progress only
	// ever polls (spec.md §6: "no_wait: disables poll set and
	// notifiers").
	NoWait bool
	// MaxContexts is accepted as a configuration value but Endpoint does
	// not read it: no bound on per-endpoint execution contexts is applied.
	MaxContexts int
	// Prefix names the shared-memory/control-socket namespace
	// (spec.md §6: "<shm_prefix>_<user>").
	Prefix string
	// TmpDir roots the control-socket directory tree. Defaults to
	// os.TempDir().
	TmpDir string
	// ShmDir roots the shared-memory namespace. Defaults to
	// shm.DefaultDir ("/dev/shm").
	ShmDir string
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "smep"
	}
	if o.TmpDir == "" {
		o.TmpDir = os.TempDir()
	}
	if o.ShmDir == "" {
		o.ShmDir = shm.DefaultDir
	}
	return o
}

// Endpoint is one process's view of the fabric (spec.md §3 "Endpoint").
type Endpoint struct {
	opts Options

	user     string
	pid      uint32
	instance uint8

	region *shm.Region // non-nil only when listening
	source *Address

	control  *control.Channel
	poll     pollset.PollSet // nil in NoWait mode
	txNotify notify.Notifier

	addrMu  sync.RWMutex
	addrMap map[addrKey]*Address

	pollMu   sync.Mutex
	pollList *list.List       // *Address, polled for incoming traffic
	pollByFD map[int]*Address // rx-notify fd -> owning address

	unexpMsgMu    sync.Mutex
	unexpMsgQueue *list.List // *unexpectedInfo

	unexpOpMu    sync.Mutex
	unexpOpQueue *list.List // *Operation

	expOpMu    sync.Mutex
	expOpQueue *list.List // *Operation

	retryMu    sync.Mutex
	retryQueue *list.List // *Operation

	openFDs   atomic.Int32
	fdCeiling int

	closed atomic.Bool
}

// Open creates an endpoint (spec.md §4.4 "Open"). user identifies the
// shared-memory/control-socket namespace this endpoint participates in,
// normally the OS user name.
func Open(user string, opts Options) (*Endpoint, error) {
	opts = opts.withDefaults()

	ep := &Endpoint{
		opts:          opts,
		user:          user,
		pid:           uint32(os.Getpid()),
		instance:      uint8(instanceCounter.Add(1) - 1),
		addrMap:       make(map[addrKey]*Address),
		pollList:      list.New(),
		pollByFD:      make(map[int]*Address),
		unexpMsgQueue: list.New(),
		unexpOpQueue:  list.New(),
		expOpQueue:    list.New(),
		retryQueue:    list.New(),
		fdCeiling:     fdRlimit(),
	}

	if opts.Listen {
		name := shm.Name(opts.Prefix, user, ep.pid, ep.instance)
		region, err := shm.Create(opts.ShmDir, name)
		if err != nil {
			return nil, err
		}
		ep.region = region
		ep.openFDs.Add(1)

		sockPath := control.SocketPath(opts.TmpDir, opts.Prefix, user, ep.pid, ep.instance)
		ch, err := control.Listen(sockPath)
		if err != nil {
			region.Close()
			return nil, err
		}
		ep.control = ch
		ep.openFDs.Add(1)
	} else {
		ch, err := control.Dial()
		if err != nil {
			return nil, err
		}
		ep.control = ch
		ep.openFDs.Add(1)
	}

	if !opts.NoWait {
		ps, err := pollset.New()
		if err != nil {
			ep.Close()
			return nil, err
		}
		ep.poll = ps
		ep.poll.Add(ep.control.FD(), uint64(ep.control.FD()))

		tn, err := notify.New(ep.fifoBase(0, "self-tx"))
		if err != nil {
			ep.Close()
			return nil, err
		}
		ep.txNotify = tn
		ep.openFDs.Add(1)
		ep.poll.Add(tn.FD(), uint64(tn.FD()))
	}

	src := &Address{ep: ep, pid: ep.pid, instance: ep.instance, expected: false}
	if ep.region != nil {
		idx, ok := ep.region.ReservePair()
		if !ok {
			ep.Close()
			return nil, errs.New(errs.NoMemory, "open", nil)
		}
		pair := ep.region.Pair(idx)
		src.pairIndex = idx
		// Loopback has no peer on the other end of the pair, so both
		// directions of a self-send/self-recv have to ride the same ring
		// (Rx is simply unused) rather than the rx/tx split a real pair
		// uses to keep the two directions from colliding.
		src.rx = pair.Tx
		src.tx = pair.Tx
		// The loopback pair is wired up directly, not through resolve(): it
		// has no peer to announce RESERVED to, so mark it resolved here
		// rather than letting the send path mistake it for an unresolved
		// peer address and try to map a region for itself.
		src.status.Store(uint32(statusReserved | statusCmdPushed | statusResolved))
	}
	src.refCount.Store(1)
	ep.source = src

	return ep, nil
}

// fifoBase derives the path-base for a FIFO fallback notifier, used only
// when the kernel has no eventfd support (spec.md §6).
func (ep *Endpoint) fifoBase(pairIndex int, role string) string {
	dir := fmt.Sprintf("%s/%s_%s/%d/%d", ep.opts.TmpDir, ep.opts.Prefix, ep.user, ep.pid, ep.instance)
	return fmt.Sprintf("%s/fifo-%d-%s", dir, pairIndex, role)
}

// SourceAddress returns this endpoint's own address record.
func (ep *Endpoint) SourceAddress() *Address { return ep.source }

// Close tears the endpoint down. It refuses (returning Busy) while any
// operation queue is non-empty (spec.md §7: "Endpoint close refuses while
// any queue is non-empty").
func (ep *Endpoint) Close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}

	if ep.queuesNonEmpty() {
		ep.closed.Store(false)
		return errs.New(errs.Busy, "close", nil)
	}

	ep.addrMu.Lock()
	addrs := make([]*Address, 0, len(ep.addrMap))
	for _, a := range ep.addrMap {
		addrs = append(addrs, a)
	}
	ep.addrMu.Unlock()
	for _, a := range addrs {
		a.destroy()
	}

	ep.pollMu.Lock()
	var pollAddrs []*Address
	for e := ep.pollList.Front(); e != nil; e = e.Next() {
		pollAddrs = append(pollAddrs, e.Value.(*Address))
	}
	ep.pollMu.Unlock()
	for _, a := range pollAddrs {
		a.destroy()
	}

	if ep.region != nil && ep.source != nil {
		ep.region.ReleasePair(ep.source.pairIndex)
	}

	if ep.poll != nil {
		ep.poll.Close()
	}
	if ep.txNotify != nil {
		ep.txNotify.Close()
		ep.openFDs.Add(-1)
	}
	if ep.control != nil {
		ep.control.Close()
		ep.openFDs.Add(-1)
	}
	if ep.region != nil {
		ep.region.Close()
		ep.openFDs.Add(-1)
	}

	if ep.openFDs.Load() != 0 {
		return errs.New(errs.Protocol, "close", fmt.Errorf("descriptor leak: %d still open", ep.openFDs.Load()))
	}
	return nil
}

func (ep *Endpoint) queuesNonEmpty() bool {
	ep.unexpOpMu.Lock()
	n1 := ep.unexpOpQueue.Len()
	ep.unexpOpMu.Unlock()
	ep.expOpMu.Lock()
	n2 := ep.expOpQueue.Len()
	ep.expOpMu.Unlock()
	ep.retryMu.Lock()
	n3 := ep.retryQueue.Len()
	ep.retryMu.Unlock()
	return n1+n2+n3 > 0
}

// fdRlimit reads the process's file-descriptor rlimit (spec.md §6:
// "file-descriptor ceiling: read from the process's file-descriptor
// rlimit").
func fdRlimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0
	}
	return int(rl.Cur)
}
