package sipfsm

import (
	"errors"
	"time"

	"github.com/flowpbx/voicebridge/internal/rtpgw"
	"github.com/flowpbx/voicebridge/internal/shmring"
)

// outRingPollInterval mirrors the inbound processor's ring-poll cadence:
// short enough that a fresh scheduler tick is picked up promptly, long
// enough not to spin the CPU between ticks.
const outRingPollInterval = 5 * time.Millisecond

// startBridge launches the two goroutines that move RTP payloads between
// the pinned PBX socket and this call's shared-memory rings: one reads
// RTP and writes inbound-ring frames, the other drains the outbound ring
// and sends RTP. Each owns its direction exclusively, per the
// one-thread-per-socket concurrency rule.
func (g *Gateway) startBridge(call *Call) {
	call.bridgeWG.Add(2)
	go g.recvLoop(call)
	go g.sendLoop(call)
}

func (g *Gateway) recvLoop(call *Call) {
	defer call.bridgeWG.Done()

	stopped := func() bool {
		select {
		case <-call.stopBridge:
			return true
		default:
			return false
		}
	}

	call.Socket.Receive(stopped, func(payloadType uint8, payload []byte) {
		if payloadType != rtpgw.PayloadPCMU {
			return
		}
		if err := call.InRing.WriteFrame(payload); err != nil {
			g.logger.Debug("dropping inbound rtp frame, ring full", "call_id", call.CallID, "error", err)
		}
	})
}

func (g *Gateway) sendLoop(call *Call) {
	defer call.bridgeWG.Done()

	ticker := time.NewTicker(outRingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-call.stopBridge:
			return
		case <-ticker.C:
		}

		frame, err := call.OutRing.ReadFrame()
		if err != nil {
			if !errors.Is(err, shmring.ErrEmpty) {
				g.logger.Debug("outbound ring read error", "call_id", call.CallID, "error", err)
			}
			continue
		}

		if err := call.Socket.Send(rtpgw.PayloadPCMU, false, frame); err != nil {
			g.logger.Debug("rtp send failed", "call_id", call.CallID, "error", err)
		}
	}
}
