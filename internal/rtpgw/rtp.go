// Package rtpgw owns the gateway's per-call RTP socket: symmetric RTP
// (send from the same socket and port used to receive), the per-call
// sequence/timestamp state, and the fixed 12-byte RTP header the spec
// requires (version 2, no padding/extension/CSRC).
package rtpgw

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Payload types this pipeline negotiates.
const (
	PayloadPCMU           = 0
	PayloadTelephoneEvent = 101
)

// SamplesPerFrame and FrameDuration fix the 20ms / 160-sample G.711 cadence
// used throughout the gateway and the outbound scheduler.
const (
	SamplesPerFrame    = 160
	FrameDuration      = 20 * time.Millisecond
	TimestampIncrement = 160
)

// SendState tracks the per-call outbound RTP sequence number, timestamp
// and SSRC. Sequence increments by exactly 1 and timestamp by exactly
// 160 per 20ms frame, regardless of how many scheduler ticks were silent.
type SendState struct {
	ssrc uint32
	seq  uint32 // stored widened so atomic ops are simple; wraps at 16 bits on read
	ts   uint32
}

// NewSendState creates send state with a random initial sequence number
// and timestamp, the conventional RTP practice of not starting a stream
// at zero (mirrors the teacher's WAV player initialization).
func NewSendState() *SendState {
	return &SendState{
		ssrc: rand.Uint32(),
		seq:  uint32(rand.Uint32() & 0xFFFF),
		ts:   rand.Uint32(),
	}
}

// SSRC returns the fixed synchronization source identifier for this call.
func (s *SendState) SSRC() uint32 { return s.ssrc }

// BuildFrame marshals one RTP packet carrying payload at the current
// sequence/timestamp, then advances both for the next call. Marker is
// set only for the first packet of a talkspurt; callers pass it through.
func (s *SendState) BuildFrame(payloadType uint8, marker bool, payload []byte) ([]byte, error) {
	seq := uint16(atomic.LoadUint32(&s.seq))
	ts := atomic.LoadUint32(&s.ts)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	atomic.StoreUint32(&s.seq, uint32(seq+1)&0xFFFF)
	atomic.StoreUint32(&s.ts, ts+TimestampIncrement)

	return pkt.Marshal()
}

// PeerAddr holds a learned remote RTP address, updated atomically so the
// receive goroutine can publish it and the send path can read it without
// a lock.
type PeerAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

// Load returns the currently known peer address, or nil if none has been
// learned yet (no inbound RTP packet has arrived for this call).
func (p *PeerAddr) Load() *net.UDPAddr { return p.v.Load() }

// Pin records addr as the call's peer, unless one is already pinned —
// per the spec, the peer address is captured from the first inbound
// packet and never moves afterward.
func (p *PeerAddr) Pin(addr *net.UDPAddr) (pinned bool) {
	return p.v.CompareAndSwap(nil, addr)
}

// ParsePacket unmarshals an inbound RTP datagram and returns its payload
// type and payload bytes. It rejects packets too short to contain a
// fixed 12-byte header.
func ParsePacket(buf []byte) (payloadType uint8, payload []byte, err error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return 0, nil, fmt.Errorf("rtpgw: parse packet: %w", err)
	}
	return pkt.PayloadType, pkt.Payload, nil
}
