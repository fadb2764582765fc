package sipfsm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// registerExpiry is the requested registration lifetime; the gateway
// re-registers at 80% of whatever the server grants, defaulting to this
// value when the server omits an Expires/expires parameter.
const registerExpiry = 1800 // 30 minutes, per the spec's re-register cadence

// lineEntry tracks the runtime state of one configured line's client
// registration.
type lineEntry struct {
	line   models.SIPLine
	client *sipgo.Client
	cancel context.CancelFunc
}

// LineRegistrar sends client-side REGISTER requests for each configured
// line, handling digest challenge/response and periodic re-registration.
// It owns no server-side registrar behavior: it never authenticates
// inbound REGISTERs, per the gateway's reduced scope.
type LineRegistrar struct {
	ua     *sipgo.UserAgent
	lines  database.SIPLineRepository
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]*lineEntry
}

// NewLineRegistrar creates a registrar bound to the given user agent.
func NewLineRegistrar(ua *sipgo.UserAgent, lines database.SIPLineRepository, logger *slog.Logger) *LineRegistrar {
	return &LineRegistrar{
		ua:      ua,
		lines:   lines,
		logger:  logger.With("subsystem", "sipfsm-register"),
		entries: make(map[int64]*lineEntry),
	}
}

// Start launches a registration loop for every enabled line. It runs
// until ctx is cancelled.
func (r *LineRegistrar) Start(ctx context.Context) error {
	enabled, err := r.lines.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("sipfsm: listing enabled lines: %w", err)
	}
	for _, line := range enabled {
		if err := r.startLine(ctx, line); err != nil {
			r.logger.Error("failed to start line registration", "line_id", line.LineID, "error", err)
		}
	}
	return nil
}

func (r *LineRegistrar) startLine(ctx context.Context, line models.SIPLine) error {
	client, err := sipgo.NewClient(r.ua, sipgo.WithClientLogger(r.logger.With("line_id", line.LineID)))
	if err != nil {
		return fmt.Errorf("creating sip client for line %d: %w", line.LineID, err)
	}

	lineCtx, cancel := context.WithCancel(ctx)
	entry := &lineEntry{line: line, client: client, cancel: cancel}

	r.mu.Lock()
	r.entries[line.LineID] = entry
	r.mu.Unlock()

	go r.registrationLoop(lineCtx, entry)
	return nil
}

// Stop cancels every line's registration loop.
func (r *LineRegistrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

func (r *LineRegistrar) registrationLoop(ctx context.Context, entry *lineEntry) {
	line := entry.line
	backoff := newBackoff()

	r.logger.Info("starting line registration", "line_id", line.LineID, "server", line.ServerIP, "port", line.ServerPort)

	for {
		grantedExpiry, err := r.sendRegister(ctx, entry, registerExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("line registration failed", "line_id", line.LineID, "error", err, "retry_in", retryDelay.String())
			_ = r.lines.SetStatus(context.Background(), line.LineID, "error")

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		_ = r.lines.SetStatus(context.Background(), line.LineID, "connected")
		r.logger.Info("line registered", "line_id", line.LineID, "expires_in", grantedExpiry)

		refresh := time.Duration(float64(grantedExpiry)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sendRegister sends one REGISTER, handling a 401/407 digest challenge by
// resending with an Authorization header computed from the line's
// credentials. It reuses the initial request's Call-ID on the retry, per
// the spec's requirement to keep Call-ID stable across the challenge
// round trip.
func (r *LineRegistrar) sendRegister(ctx context.Context, entry *lineEntry, expiry int) (int, error) {
	line := entry.line

	recipientStr := fmt.Sprintf("sip:%s:%d", line.ServerIP, line.ServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", line.Username, line.ServerIP)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", line.Username, r.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := entry.client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: line.Username,
			Password: line.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := entry.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}
	return grantedExpiry, nil
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries, preventing a thundering herd if multiple lines fail at once.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{baseDelay: 5 * time.Second, maxDelay: 5 * time.Minute}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
