// Package rendezvous implements the UDP REGISTER/BYE discovery plane
// that lets decoupled AI worker processes find each other's TCP
// endpoints without a central registry: a plain ASCII datagram on a
// call-id-derived (or fixed) port.
package rendezvous

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Event is one parsed REGISTER or BYE datagram.
type Event struct {
	Bye    bool
	CallID string
}

// Listener owns one UDP socket and dispatches parsed REGISTER/BYE
// events to a caller-supplied handler, one goroutine per Listener.
type Listener struct {
	conn    *net.UDPConn
	handle  func(Event)
	logger  *slog.Logger
	stopped chan struct{}
}

// Listen binds a UDP socket on port and starts dispatching events to
// handle in a new goroutine. Close stops the loop.
func Listen(port int, handle func(Event), logger *slog.Logger) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listening on port %d: %w", port, err)
	}
	l := &Listener{
		conn:    conn,
		handle:  handle,
		logger:  logger.With("subsystem", "rendezvous", "port", port),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	defer close(l.stopped)
	buf := make([]byte, 256)
	for {
		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return // socket closed
		}
		ev, err := parse(string(buf[:n]))
		if err != nil {
			l.logger.Warn("malformed rendezvous datagram", "error", err)
			continue
		}
		l.handle(ev)
	}
}

// Close shuts down the listener's socket and waits for its goroutine to
// exit.
func (l *Listener) Close() error {
	err := l.conn.Close()
	<-l.stopped
	return err
}

func parse(payload string) (Event, error) {
	switch {
	case strings.HasPrefix(payload, "REGISTER:"):
		return Event{CallID: strings.TrimPrefix(payload, "REGISTER:")}, nil
	case strings.HasPrefix(payload, "BYE:"):
		return Event{Bye: true, CallID: strings.TrimPrefix(payload, "BYE:")}, nil
	default:
		return Event{}, fmt.Errorf("rendezvous: unrecognized payload %q", payload)
	}
}

// SendRegister sends a REGISTER:<call_id> datagram to the given UDP
// port on localhost.
func SendRegister(port int, callID string) error {
	return send(port, "REGISTER:"+callID)
}

// SendBye sends a BYE:<call_id> datagram to the given UDP port on
// localhost.
func SendBye(port int, callID string) error {
	return send(port, "BYE:"+callID)
}

func send(port int, payload string) error {
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("rendezvous: dialing port %d: %w", port, err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	return err
}
