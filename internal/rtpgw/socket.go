package rtpgw

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// maxPacket is the largest UDP datagram this gateway will read; matches
// the teacher's relay.go sizing (Ethernet MTU headroom for G.711 frames).
const maxPacket = 1500

// readDeadline bounds each ReadFromUDP call so the receive loop can
// observe a stop signal without blocking forever, the same idiom the
// teacher's relay.go uses for its forward loop.
const readDeadline = 100 * time.Millisecond

// CallSocket owns the single UDP socket used for both RTP receive and
// symmetric RTP send for one call. The SIP gateway allocates one of
// these per active call at port 10000+line_id.
type CallSocket struct {
	conn *net.UDPConn
	peer PeerAddr
	send *SendState

	logger *slog.Logger
}

// NewCallSocket binds a UDP socket at the given local port.
func NewCallSocket(localPort int, logger *slog.Logger) (*CallSocket, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: localPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpgw: bind rtp port %d: %w", localPort, err)
	}
	return &CallSocket{
		conn:   conn,
		send:   NewSendState(),
		logger: logger.With("subsystem", "rtp-socket", "local_port", localPort),
	}, nil
}

// LocalPort returns the bound local UDP port.
func (c *CallSocket) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Peer returns the learned remote address, or nil before the first
// inbound packet has arrived.
func (c *CallSocket) Peer() *net.UDPAddr { return c.peer.Load() }

// Close releases the underlying socket.
func (c *CallSocket) Close() error { return c.conn.Close() }

// Receive runs the RTP receive loop until stop reports true, handing
// each decoded payload (and the RTP payload type it carried) to onFrame.
// The first packet's source address is pinned as the call's peer; it
// never moves afterward regardless of subsequent packets' source.
func (c *CallSocket) Receive(stop func() bool, onFrame func(payloadType uint8, payload []byte)) {
	buf := make([]byte, maxPacket)
	for {
		if stop() {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if stop() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			c.logger.Debug("rtp read error", "error", err)
			continue
		}

		pt, payload, err := ParsePacket(buf[:n])
		if err != nil {
			c.logger.Debug("dropping malformed rtp packet", "error", err)
			continue
		}

		if c.peer.Pin(addr) {
			c.logger.Info("symmetric rtp: pinned peer address", "peer", addr.String())
		}

		onFrame(pt, payload)
	}
}

// Send wraps payload in an RTP header and writes it to the pinned peer.
// It is a no-op (and returns nil) if no peer has been learned yet — per
// the boundary rule, nothing is sent before the first inbound packet
// pins a destination.
func (c *CallSocket) Send(payloadType uint8, marker bool, payload []byte) error {
	peer := c.peer.Load()
	if peer == nil {
		return nil
	}
	frame, err := c.send.BuildFrame(payloadType, marker, payload)
	if err != nil {
		return fmt.Errorf("rtpgw: build frame: %w", err)
	}
	_, err = c.conn.WriteToUDP(frame, peer)
	return err
}

// SendState exposes the outbound sequence/timestamp state for tests and
// for the scheduler's continuity checks.
func (c *CallSocket) SendState() *SendState { return c.send }
