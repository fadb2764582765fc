package rtpgw

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendStateMonotonicSequenceAndTimestamp(t *testing.T) {
	s := NewSendState()
	startSeq := uint16(0)
	frame0, err := s.BuildFrame(PayloadPCMU, false, make([]byte, SamplesPerFrame))
	require.NoError(t, err)
	pt, payload, err := ParsePacket(frame0)
	require.NoError(t, err)
	require.Equal(t, uint8(PayloadPCMU), pt)
	require.Len(t, payload, SamplesPerFrame)

	for i := 0; i < 50; i++ {
		before := s.seq
		ts := s.ts
		frame, err := s.BuildFrame(PayloadPCMU, false, make([]byte, SamplesPerFrame))
		require.NoError(t, err)
		_, _, err = ParsePacket(frame)
		require.NoError(t, err)
		require.Equal(t, uint16(before+1)&0xFFFF, uint16(s.seq))
		require.Equal(t, ts+TimestampIncrement, s.ts)
	}
	_ = startSeq
}

func TestPeerAddrPinsOnlyOnce(t *testing.T) {
	var p PeerAddr
	first := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5060}
	second := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5060}

	require.True(t, p.Pin(first))
	require.False(t, p.Pin(second))
	require.Equal(t, first, p.Load())
}

func TestCallSocketDoesNotSendBeforePeerPinned(t *testing.T) {
	cs, err := NewCallSocket(0, testLogger())
	require.NoError(t, err)
	defer cs.Close()

	err = cs.Send(PayloadPCMU, false, make([]byte, SamplesPerFrame))
	require.NoError(t, err, "sending before any inbound packet must be a silent no-op")
}
