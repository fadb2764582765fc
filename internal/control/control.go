// Package control implements the per-process Unix-domain control socket
// shared by the inbound and outbound processors: a well-known path
// accepting one line-oriented command per connection (ACTIVATE,
// DEACTIVATE, SHUTDOWN).
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Command is one parsed control-socket line.
type Command struct {
	Verb   string // "ACTIVATE", "DEACTIVATE", "SHUTDOWN"
	CallID string // only set for ACTIVATE
}

// Handler reacts to a parsed command. A non-nil error is logged but does
// not close the accept loop. Handler returning shutdown=true tells the
// Server to stop accepting and return from Serve.
type Handler func(cmd Command) (shutdown bool, err error)

// Server owns the listening Unix-domain socket.
type Server struct {
	path    string
	handle  Handler
	logger  *slog.Logger
	ln      net.Listener
	mu      sync.Mutex
	closing bool
}

// New creates a control server bound to path. Any pre-existing socket
// file at path is removed first, mirroring the usual Unix-socket
// restart convention (a stale file from an unclean previous exit must
// not block bind).
func New(path string, handle Handler, logger *slog.Logger) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", path, err)
	}
	return &Server{
		path:   path,
		handle: handle,
		logger: logger.With("subsystem", "control", "path", path),
		ln:     ln,
	}, nil
}

// Serve runs the accept loop until ctx is cancelled, SHUTDOWN is
// received, or Close is called. Exactly one goroutine owns this accept
// loop, per the concurrency model.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		shutdown := s.handleConn(conn)
		if shutdown {
			s.Close()
			return nil
		}
	}
}

// handleConn reads exactly one command line from conn, dispatches it,
// and closes the connection.
func (s *Server) handleConn(conn net.Conn) (shutdown bool) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return false
	}
	cmd, err := parse(scanner.Text())
	if err != nil {
		s.logger.Warn("malformed control command", "error", err)
		return false
	}

	shutdown, err = s.handle(cmd)
	if err != nil {
		s.logger.Warn("control command failed", "verb", cmd.Verb, "error", err)
	}
	return shutdown
}

// Close stops the accept loop and removes the socket file. Safe to call
// more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.closing = true
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// SendActivate dials the control socket at path and sends "ACTIVATE
// <callID>", the command the SIP gateway issues to the inbound/outbound
// processors when a call enters Establishing.
func SendActivate(path string, callID uint64) error {
	return send(path, fmt.Sprintf("ACTIVATE %d", callID))
}

// SendDeactivate dials the control socket at path and sends "DEACTIVATE",
// issued when a call enters Terminating.
func SendDeactivate(path string) error {
	return send(path, "DEACTIVATE")
}

// SendShutdown dials the control socket at path and sends "SHUTDOWN".
func SendShutdown(path string) error {
	return send(path, "SHUTDOWN")
}

func send(path, line string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("control: dialing %s: %w", path, err)
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("control: writing command to %s: %w", path, err)
	}
	return nil
}

func parse(line string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Command{}, errors.New("control: empty command")
	}
	switch verb := strings.ToUpper(fields[0]); verb {
	case "ACTIVATE":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("control: ACTIVATE requires exactly one call_id argument")
		}
		if _, err := strconv.ParseUint(fields[1], 10, 64); err != nil {
			return Command{}, fmt.Errorf("control: ACTIVATE call_id %q is not numeric: %w", fields[1], err)
		}
		return Command{Verb: "ACTIVATE", CallID: fields[1]}, nil
	case "DEACTIVATE":
		if len(fields) != 1 {
			return Command{}, errors.New("control: DEACTIVATE takes no arguments")
		}
		return Command{Verb: "DEACTIVATE"}, nil
	case "SHUTDOWN":
		if len(fields) != 1 {
			return Command{}, errors.New("control: SHUTDOWN takes no arguments")
		}
		return Command{Verb: "SHUTDOWN"}, nil
	default:
		return Command{}, fmt.Errorf("control: unknown verb %q", verb)
	}
}
