package sipfsm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/flowpbx/voicebridge/internal/control"
	"github.com/flowpbx/voicebridge/internal/database/models"
	"github.com/flowpbx/voicebridge/internal/numberfmt"
	"github.com/flowpbx/voicebridge/internal/rtpgw"
	"github.com/flowpbx/voicebridge/internal/shmring"

	"github.com/emiago/sipgo/sip"
)

// ringSlotSize/ringSlotCount fix the shared-memory ring geometry for
// every call: 256 bytes comfortably holds one 160-byte G.711 frame plus
// its 4-byte length prefix, and 64 slots (63 usable) give about 1.26 s of
// buffering; once the ring is full, writes fail with ErrFull and the
// frame is dropped.
const (
	ringSlotSize  = 256
	ringSlotCount = 64
)

// rtpPortBase is added to line_id to derive the fixed RTP listen port
// for a line, per the spec's "10000 + line_id" rule.
const rtpPortBase = 10000

// HandleInvite answers an incoming INVITE: normalizes the caller number,
// matches the request's source address to a configured line, persists
// the call record, sends 180 Ringing then 200 OK with the fixed PCMU/
// telephone-event SDP answer, and opens the shared-memory rings that
// bridge this call to the inbound/outbound processors.
func (g *Gateway) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := headerValue(req.CallID())
	if sipCallID == "" {
		g.respondError(req, tx, 400, "Missing Call-ID")
		return
	}

	if existing := g.manager.Get(sipCallID); existing != nil {
		g.logger.Debug("duplicate invite for tracked call, ignoring", "sip_call_id", sipCallID)
		return
	}

	fromUser := ""
	if from := req.From(); from != nil {
		fromUser = from.Address.String()
	}
	callerNumber := numberfmt.Normalize(fromUser)

	line, err := g.lineForSource(req)
	if err != nil {
		g.logger.Warn("invite from unrecognized source, rejecting", "source", req.Source(), "error", err)
		g.respondError(req, tx, 403, "Forbidden")
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		g.logger.Error("failed to send 100 trying", "sip_call_id", sipCallID, "error", err)
		return
	}

	ctx := context.Background()
	caller, err := g.callers.GetOrCreate(ctx, callerNumber)
	if err != nil {
		g.logger.Error("failed to resolve caller", "error", err)
		g.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	callRecord := &models.Call{
		SIPCallID:   sipCallID,
		CallerID:    caller.ID,
		LineID:      line.LineID,
		PhoneNumber: callerNumber,
	}
	if err := g.calls.Create(ctx, callRecord); err != nil {
		g.logger.Error("failed to create call record", "sip_call_id", sipCallID, "error", err)
		g.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	call := &Call{
		CallID:       uint64(callRecord.ID),
		SIPCallID:    sipCallID,
		LineID:       line.LineID,
		CallerNumber: callerNumber,
		CalledNumber: req.Recipient.User,
		State:        CallStateRinging,
		InviteReq:    req,
		InviteTx:     tx,
		StartTime:    time.Now(),
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			call.FromTag = tag
		}
	}
	g.manager.Put(call)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		g.logger.Error("failed to send 180 ringing", "sip_call_id", sipCallID, "error", err)
		g.manager.Remove(sipCallID)
		return
	}

	if err := g.establish(call); err != nil {
		g.logger.Error("failed to establish call media", "sip_call_id", sipCallID, "error", err)
		g.respondError(req, tx, 500, "Internal Server Error")
		g.manager.Remove(sipCallID)
		return
	}

	rtpPort := rtpPortBase + int(call.LineID)
	body := sdpAnswer(g.cfg.MediaIP, rtpPort)

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", body)
	okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	okResponse.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s:%d>", g.cfg.MediaIP, g.cfg.SIPPort)))
	if to := okResponse.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
		if tag, ok := to.Params.Get("tag"); ok {
			call.ToTag = tag
		}
	}

	if err := tx.Respond(okResponse); err != nil {
		g.logger.Error("failed to send 200 ok", "sip_call_id", sipCallID, "error", err)
		g.teardownCall(call, "send_ok_failed")
		return
	}

	call.State = CallStateEstablishing
	g.logger.Info("invite answered", "sip_call_id", sipCallID, "call_id", call.CallID, "line_id", call.LineID, "rtp_port", rtpPort)
}

// HandleAck completes call establishment. Per RFC 3261 §13.2.2.4, ACK for
// a 2xx is not transactional and has no response of its own.
func (g *Gateway) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := headerValue(req.CallID())
	call := g.manager.Get(sipCallID)
	if call == nil {
		g.logger.Debug("ack for unknown call", "sip_call_id", sipCallID)
		return
	}
	now := time.Now()
	call.AnswerTime = &now
	call.State = CallStateActive
	g.logger.Info("call active", "sip_call_id", sipCallID, "call_id", call.CallID)
}

// HandleBye tears down the call: acknowledges with 200 OK, deactivates
// the processors, releases the RTP socket and rings, and marks the call
// ended in persistence.
func (g *Gateway) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := headerValue(req.CallID())
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to bye", "sip_call_id", sipCallID, "error", err)
	}

	call := g.manager.Remove(sipCallID)
	if call == nil {
		g.logger.Warn("bye for untracked call", "sip_call_id", sipCallID)
		return
	}
	call.State = CallStateTerminating
	g.teardownCallAsync(call, "remote_bye")
}

// HandleNotify acknowledges an in-dialog NOTIFY (e.g. refer progress)
// with 200 OK without acting on its body; DTMF/event interpretation is
// out of scope.
func (g *Gateway) HandleNotify(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to notify", "error", err)
	}
}

// establish allocates the RTP socket and the two shared-memory rings for
// call, then signals ACTIVATE to both processors. It is the
// Ringing -> Establishing transition's resource acquisition step.
func (g *Gateway) establish(call *Call) error {
	rtpPort := rtpPortBase + int(call.LineID)
	socket, err := rtpgw.NewCallSocket(rtpPort, g.logger)
	if err != nil {
		return fmt.Errorf("binding rtp socket: %w", err)
	}

	inRing, err := shmring.Create(shmring.PathFor("ap_in", call.CallID), call.CallID, ringSlotSize, ringSlotCount)
	if err != nil {
		socket.Close()
		return fmt.Errorf("creating inbound ring: %w", err)
	}

	outRing, err := shmring.Create(shmring.PathFor("ap_out", call.CallID), call.CallID, ringSlotSize, ringSlotCount)
	if err != nil {
		socket.Close()
		inRing.Close()
		shmring.Unlink(shmring.PathFor("ap_in", call.CallID))
		return fmt.Errorf("creating outbound ring: %w", err)
	}
	outRing.SetConsumerConnected(true)

	call.Socket = socket
	call.InRing = inRing
	call.OutRing = outRing
	call.stopBridge = make(chan struct{})

	g.startBridge(call)

	if err := control.SendActivate(g.cfg.InboundControlSocketPath, call.CallID); err != nil {
		g.logger.Error("failed to activate inbound processor", "call_id", call.CallID, "error", err)
	}
	if err := control.SendActivate(g.cfg.OutboundControlSocketPath, call.CallID); err != nil {
		g.logger.Error("failed to activate outbound processor", "call_id", call.CallID, "error", err)
	}

	return nil
}

// teardownCallAsync runs teardownCall on its own goroutine so SIP
// message handlers (called synchronously by the sipgo transaction layer)
// never block on ring/socket close.
func (g *Gateway) teardownCallAsync(call *Call, reason string) {
	go g.teardownCall(call, reason)
}

// teardownCall releases every resource a call acquired in establish, in
// reverse order: stop the bridge goroutines, deactivate the processors,
// close the RTP socket, then close and unlink the rings.
func (g *Gateway) teardownCall(call *Call, reason string) {
	now := time.Now()
	call.EndTime = &now

	if call.stopBridge != nil {
		close(call.stopBridge)
		call.bridgeWG.Wait()
	}

	if err := control.SendDeactivate(g.cfg.InboundControlSocketPath); err != nil {
		g.logger.Warn("failed to deactivate inbound processor", "call_id", call.CallID, "error", err)
	}
	if err := control.SendDeactivate(g.cfg.OutboundControlSocketPath); err != nil {
		g.logger.Warn("failed to deactivate outbound processor", "call_id", call.CallID, "error", err)
	}

	if call.Socket != nil {
		call.Socket.Close()
	}
	if call.InRing != nil {
		call.InRing.Close()
		shmring.Unlink(shmring.PathFor("ap_in", call.CallID))
	}
	if call.OutRing != nil {
		call.OutRing.Close()
		shmring.Unlink(shmring.PathFor("ap_out", call.CallID))
	}

	status := models.CallStatusEnded
	if call.AnswerTime == nil {
		status = models.CallStatusMissed
	}
	if err := g.calls.End(context.Background(), int64(call.CallID), status); err != nil {
		g.logger.Error("failed to mark call ended", "call_id", call.CallID, "error", err)
	}

	g.logger.Info("call terminated", "sip_call_id", call.SIPCallID, "call_id", call.CallID, "reason", reason)
}

// lineForSource matches an inbound request's source IP against the
// configured lines' server_ip, the gateway's substitute for authoritative
// registrar-style request routing (out of scope per the Non-goals).
func (g *Gateway) lineForSource(req *sip.Request) (*models.SIPLine, error) {
	host, _, err := net.SplitHostPort(req.Source())
	if err != nil {
		host = req.Source()
	}

	lines, err := g.lines.ListEnabled(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing enabled lines: %w", err)
	}
	for i := range lines {
		if lines[i].ServerIP == host {
			return &lines[i], nil
		}
	}
	return nil, fmt.Errorf("no enabled line matches source %q", host)
}

func (g *Gateway) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

func headerValue(h sip.Header) string {
	if h == nil {
		return ""
	}
	return h.Value()
}

// sdpAnswer builds the fixed single-codec-pair SDP body the spec
// requires: PCMU at payload type 0 plus telephone-event at 101,
// negotiated but never acted on.
func sdpAnswer(mediaIP string, rtpPort int) []byte {
	return []byte(fmt.Sprintf(
		"v=0\r\n"+
			"o=- %d %d IN IP4 %s\r\n"+
			"s=voicebridge\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio %d RTP/AVP 0 101\r\n"+
			"a=rtpmap:0 PCMU/8000\r\n"+
			"a=rtpmap:101 telephone-event/8000\r\n"+
			"a=sendrecv\r\n",
		time.Now().Unix(), time.Now().Unix(), mediaIP, mediaIP, rtpPort,
	))
}
