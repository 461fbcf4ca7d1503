package wire

import (
	"encoding/binary"
	"fmt"
)

// AccessFlags describes what a memory handle may be used for on the RMA
// path (spec.md §3: "access flags (read, write, read+write)").
type AccessFlags uint8

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
)

// Segment is one scatter/gather entry: a base address in the owner's
// address space and a length in bytes.
type Segment struct {
	Base   uintptr
	Length uint64
}

// Handle is a scatter/gather memory descriptor (spec.md §3's "memory
// handle"). Sender and receiver must interpret Segments' Base addresses as
// residing in the sender's address space (spec.md §6).
type Handle struct {
	Flags    AccessFlags
	Segments []Segment
}

// TotalLength returns the sum of all segment lengths.
func (h Handle) TotalLength() uint64 {
	var total uint64
	for _, s := range h.Segments {
		total += s.Length
	}
	return total
}

const segmentWireSize = 16 // base (8) + length (8)
const descInfoWireSize = 4 + 8 + 1

// Encode packs h into its wire form: a desc-info header (iov count, total
// length, flags) followed by iov-count (base, length) pairs (spec.md §6).
func (h Handle) Encode() []byte {
	buf := make([]byte, descInfoWireSize+len(h.Segments)*segmentWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(h.Segments)))
	binary.LittleEndian.PutUint64(buf[4:12], h.TotalLength())
	buf[12] = byte(h.Flags)

	off := descInfoWireSize
	for _, s := range h.Segments {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(s.Base))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], s.Length)
		off += segmentWireSize
	}
	return buf
}

// DecodeHandle unpacks a wire form produced by Handle.Encode.
func DecodeHandle(buf []byte) (Handle, error) {
	if len(buf) < descInfoWireSize {
		return Handle{}, fmt.Errorf("wire: short memory handle (%d bytes)", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	total := binary.LittleEndian.Uint64(buf[4:12])
	flags := AccessFlags(buf[12])

	want := descInfoWireSize + int(count)*segmentWireSize
	if len(buf) < want {
		return Handle{}, fmt.Errorf("wire: memory handle truncated (%d bytes, want %d)", len(buf), want)
	}

	h := Handle{Flags: flags, Segments: make([]Segment, count)}
	off := descInfoWireSize
	var sum uint64
	for i := 0; i < int(count); i++ {
		base := binary.LittleEndian.Uint64(buf[off : off+8])
		length := binary.LittleEndian.Uint64(buf[off+8 : off+16])
		h.Segments[i] = Segment{Base: uintptr(base), Length: length}
		sum += length
		off += segmentWireSize
	}
	if sum != total {
		return Handle{}, fmt.Errorf("wire: memory handle total length %d does not match segment sum %d", total, sum)
	}
	return h, nil
}
