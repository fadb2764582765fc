package sipfsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"

	"github.com/emiago/sipgo"
)

// Gateway wraps the sipgo UA/Server with the handlers that implement the
// gateway's reduced SIP 2.0 subset: client REGISTER to configured lines,
// and INVITE/ACK/BYE/NOTIFY on calls the lines route to us. It does not
// implement authoritative registrar behavior — it never authenticates an
// inbound REGISTER, forks to multiple callees, or interprets DTMF.
type Gateway struct {
	cfg *config.Config

	ua  *sipgo.UserAgent
	srv *sipgo.Server

	registrar *LineRegistrar
	manager   *Manager

	lines   database.SIPLineRepository
	callers database.CallerRepository
	calls   database.CallRepository

	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway builds a Gateway. The line/caller/call repositories give it
// everything it needs to resolve an inbound INVITE's source to a
// configured line and persist the resulting call record.
func NewGateway(cfg *config.Config, lines database.SIPLineRepository, callers database.CallerRepository, calls database.CallRepository, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With("component", "sipfsm")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voicebridge"),
		sipgo.WithUserAgentHostname(cfg.MediaIP),
	)
	if err != nil {
		return nil, fmt.Errorf("sipfsm: creating user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipfsm: creating sip server: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		registrar: NewLineRegistrar(ua, lines, logger),
		manager:   NewManager(logger),
		lines:     lines,
		callers:   callers,
		calls:     calls,
		logger:    logger,
	}
	g.registerHandlers()
	return g, nil
}

func (g *Gateway) registerHandlers() {
	g.srv.OnInvite(g.HandleInvite)
	g.srv.OnAck(g.HandleAck)
	g.srv.OnBye(g.HandleBye)
	g.srv.OnNotify(g.HandleNotify)
}

// Start binds the SIP UDP listener and begins registering configured
// lines. Per the Non-goals, only UDP transport is supported — no TCP or
// TLS SIP listener is started.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", g.cfg.SIPPort)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.Info("sip udp listener starting", "addr", addr)
		if err := g.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			g.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	if err := g.registrar.Start(ctx); err != nil {
		return fmt.Errorf("sipfsm: starting line registration: %w", err)
	}
	return nil
}

// Stop tears down every active call, stops line registration, and closes
// the SIP server. Per the control-socket SHUTDOWN ordering, resources are
// released in the reverse order of acquisition.
func (g *Gateway) Stop() {
	g.logger.Info("stopping sip gateway")
	if g.cancel != nil {
		g.cancel()
	}
	g.registrar.Stop()

	for _, c := range g.manager.snapshot() {
		g.teardownCall(c, "shutdown")
	}

	g.wg.Wait()
	g.srv.Close()
	g.ua.Close()
	g.logger.Info("sip gateway stopped")
}

// ActiveCalls returns the number of calls currently tracked, exposed for
// the admin API's health/status surface.
func (g *Gateway) ActiveCalls() int {
	return g.manager.ActiveCount()
}

func (m *Manager) snapshot() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}
