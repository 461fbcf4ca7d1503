package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHeaderRoundTrip(t *testing.T) {
	h := MessageHeader{Tag: 7, Length: 11, Slot: 5, Kind: OpUnexpectedSend}
	got := DecodeMessage(EncodeMessage(h))
	assert.Equal(t, h, got)
}

func TestMessageHeaderZeroIsEmptySlot(t *testing.T) {
	assert.Panics(t, func() { EncodeMessage(MessageHeader{}) })
}

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := CommandHeader{OriginPID: 4242, OriginInstance: 3, PairIndex: 200, Kind: CmdReserved}
	got := DecodeCommand(EncodeCommand(h))
	assert.Equal(t, h, got)
}

func TestAddrRoundTrip(t *testing.T) {
	a := Addr{PID: 99, Instance: 1}
	enc := a.Encode()
	got, err := DecodeAddr(enc[:])
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestAddrStringRoundTrip(t *testing.T) {
	a := Addr{PID: 1234, Instance: 2}
	parsed, err := ParseAddr(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	parsed2, err := ParseAddr("5/9")
	require.NoError(t, err)
	assert.Equal(t, Addr{PID: 5, Instance: 9}, parsed2)
}

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{
		Flags: AccessRead | AccessWrite,
		Segments: []Segment{
			{Base: 0x1000, Length: 1000},
			{Base: 0x2000, Length: 1000},
			{Base: 0x3000, Length: 1000},
		},
	}
	got, err := DecodeHandle(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
