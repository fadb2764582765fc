// Package sipfsm implements the SIP/RTP gateway's per-call protocol
// state machine: client-side REGISTER against configured lines, the
// INVITE/ACK/BYE/NOTIFY handlers that turn a PBX dialog into a pair of
// shared-memory rings and an RTP socket, and the control-socket signals
// that hand the call off to the inbound/outbound processors.
package sipfsm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/voicebridge/internal/rtpgw"
	"github.com/flowpbx/voicebridge/internal/shmring"

	"github.com/emiago/sipgo/sip"
)

// CallState is the lifecycle state of one call, per the gateway's state
// machine: Idle -> Ringing -> Establishing -> Active -> Terminating -> Idle.
type CallState string

const (
	CallStateIdle         CallState = "idle"
	CallStateRinging      CallState = "ringing"
	CallStateEstablishing CallState = "establishing"
	CallStateActive       CallState = "active"
	CallStateTerminating  CallState = "terminating"
)

// Call tracks one active SIP dialog and the resources it owns: the RTP
// socket pinned to the PBX, and the inbound/outbound shared-memory
// rings that bridge to the processor processes.
type Call struct {
	// CallID is the row id from persistence; it derives every per-call
	// port and shared-memory channel name.
	CallID uint64

	// SIPCallID is the opaque SIP Call-ID header value.
	SIPCallID string

	// LineID identifies which configured line this call arrived on.
	LineID int64

	// CallerNumber is the E.164/extension-normalized caller number.
	CallerNumber string
	CalledNumber string

	State CallState

	// InviteReq/InviteTx are the original INVITE and its server
	// transaction, kept so a later BYE from our side can be built
	// in-dialog and so the 200 OK can be sent on the same transaction.
	InviteReq *sip.Request
	InviteTx  sip.ServerTransaction

	// FromTag/ToTag identify the dialog for matching in-dialog requests.
	FromTag string
	ToTag   string

	// Socket is the UDP RTP socket bound at 10000+LineID. Each line has
	// its own port; a second concurrent call on the same line cannot
	// bind it.
	Socket *rtpgw.CallSocket

	// InRing carries µ-law payloads from this gateway (producer) to the
	// inbound processor (consumer): /ap_in_<call_id>.
	InRing *shmring.Ring

	// OutRing carries scheduler-emitted µ-law frames from the outbound
	// processor (producer) to this gateway (consumer): /ap_out_<call_id>.
	OutRing *shmring.Ring

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time

	stopBridge chan struct{}
	bridgeWG   sync.WaitGroup
}

// Manager tracks all active calls in memory, keyed by SIP Call-ID.
type Manager struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	logger *slog.Logger
}

// NewManager creates an empty call table.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		calls:  make(map[string]*Call),
		logger: logger.With("subsystem", "sipfsm"),
	}
}

// Put registers a call under construction (state Ringing).
func (m *Manager) Put(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.SIPCallID] = c
}

// Get returns the call for a SIP Call-ID, or nil.
func (m *Manager) Get(sipCallID string) *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[sipCallID]
}

// Remove drops a call from the table, returning it if present.
func (m *Manager) Remove(sipCallID string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sipCallID]
	if !ok {
		return nil
	}
	delete(m.calls, sipCallID)
	return c
}

// ActiveCount returns the number of calls currently tracked.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// ActiveCountForLine returns how many tracked calls are using lineID.
// The INVITE path does not consult it; a second call on a line fails
// only when establish cannot bind the line's fixed 10000+line_id port.
func (m *Manager) ActiveCountForLine(lineID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.LineID == lineID {
			n++
		}
	}
	return n
}
