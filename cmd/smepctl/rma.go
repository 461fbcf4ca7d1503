package main

import (
	"flag"
	"log"
	"strconv"
	"unsafe"

	smep "github.com/smfabric/smep"
	"github.com/smfabric/smep/internal/wire"
)

// runRMA performs a one-sided put or get against a peer's previously
// published memory handle (spec.md §4.8). The remote base address is an
// out-of-band input here, the same way a real caller learns it: from a
// handle a peer advertised over a prior two-sided message.
func runRMA(args []string) int {
	fs := flag.NewFlagSet("rma", flag.ContinueOnError)
	peerPID := fs.Uint("peer-pid", 0, "peer process id")
	mode := fs.String("mode", "get", "\"put\" or \"get\"")
	remoteBase := fs.String("remote-base", "0", "remote segment base address (decimal or 0x-hex)")
	remoteLen := fs.Uint64("remote-len", 0, "remote segment length in bytes")
	length := fs.Uint64("length", 0, "transfer length in bytes")
	offset := fs.Uint64("offset", 0, "offset into the remote segment")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *peerPID == 0 || *remoteLen == 0 || *length == 0 {
		log.Println("rma: -peer-pid, -remote-len and -length are required")
		return 2
	}

	base, err := strconv.ParseUint(*remoteBase, 0, 64)
	if err != nil {
		log.Printf("rma: bad -remote-base: %v", err)
		return 2
	}

	local := make([]byte, *length)
	localHandle := wire.Handle{
		Flags:    wire.AccessRead | wire.AccessWrite,
		Segments: []wire.Segment{{Base: uintptr(unsafe.Pointer(&local[0])), Length: uint64(len(local))}},
	}
	remoteHandle := wire.Handle{
		Flags:    wire.AccessRead | wire.AccessWrite,
		Segments: []wire.Segment{{Base: uintptr(base), Length: *remoteLen}},
	}

	ep, err := smep.Open(currentUser(), smep.Options{})
	if err != nil {
		log.Printf("rma: open: %v", err)
		return 1
	}
	defer ep.Close()

	switch *mode {
	case "put":
		err = ep.Put(uint32(*peerPID), remoteHandle, *offset, localHandle, 0, *length)
	case "get":
		err = ep.Get(uint32(*peerPID), remoteHandle, *offset, localHandle, 0, *length)
	default:
		log.Printf("rma: unknown -mode %q", *mode)
		return 2
	}
	if err != nil {
		log.Printf("rma: %v", err)
		return 1
	}
	if *mode == "get" {
		log.Printf("read %d bytes: %x", len(local), local)
	} else {
		log.Printf("wrote %d bytes", len(local))
	}
	return 0
}
