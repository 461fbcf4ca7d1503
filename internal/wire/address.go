package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Addr identifies a peer by process id and per-process instance ordinal
// (spec.md §6: "sm://<pid>/<instance>").
type Addr struct {
	PID      uint32
	Instance uint8
}

// SerializedAddrSize is the wire size of a serialized Addr: 4-byte PID plus
// 1-byte instance (spec.md §6).
const SerializedAddrSize = 5

// Encode packs a into its 5-byte wire form.
func (a Addr) Encode() [SerializedAddrSize]byte {
	var b [SerializedAddrSize]byte
	binary.LittleEndian.PutUint32(b[0:4], a.PID)
	b[4] = a.Instance
	return b
}

// DecodeAddr unpacks a 5-byte wire form produced by Addr.Encode.
func DecodeAddr(b []byte) (Addr, error) {
	if len(b) < SerializedAddrSize {
		return Addr{}, fmt.Errorf("wire: short address (%d bytes, want %d)", len(b), SerializedAddrSize)
	}
	return Addr{
		PID:      binary.LittleEndian.Uint32(b[0:4]),
		Instance: b[4],
	}, nil
}

// String renders a in its sm:// textual form.
func (a Addr) String() string {
	return fmt.Sprintf("sm://%d/%d", a.PID, a.Instance)
}

// ParseAddr parses a textual address, tolerating an optional "sm://"
// prefix (spec.md §6: "Parser ignores an optional sm:// prefix").
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimPrefix(s, "sm://")
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Addr{}, fmt.Errorf("wire: malformed address %q", s)
	}
	pid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Addr{}, fmt.Errorf("wire: bad pid in address %q: %w", s, err)
	}
	instance, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Addr{}, fmt.Errorf("wire: bad instance in address %q: %w", s, err)
	}
	return Addr{PID: uint32(pid), Instance: uint8(instance)}, nil
}
