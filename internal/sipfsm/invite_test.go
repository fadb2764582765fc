package sipfsm

import (
	"strings"
	"testing"
)

func TestSdpAnswerFixedCodecPair(t *testing.T) {
	body := string(sdpAnswer("203.0.113.9", 10005))

	wantLines := []string{
		"v=0",
		"c=IN IP4 203.0.113.9",
		"m=audio 10005 RTP/AVP 0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=sendrecv",
	}
	for _, want := range wantLines {
		if !strings.Contains(body, want) {
			t.Errorf("sdp answer missing expected line %q, got:\n%s", want, body)
		}
	}

	if !strings.HasPrefix(body, "v=0\r\n") {
		t.Errorf("sdp answer must start with v=0, got:\n%s", body)
	}
	if !strings.HasSuffix(body, "\r\n") {
		t.Error("sdp answer lines must be CRLF-terminated")
	}
}

func TestSdpAnswerPortVariesByLine(t *testing.T) {
	a := string(sdpAnswer("127.0.0.1", rtpPortBase+1))
	b := string(sdpAnswer("127.0.0.1", rtpPortBase+2))

	if !strings.Contains(a, "m=audio 10001 ") {
		t.Errorf("expected port 10001 for line 1, got:\n%s", a)
	}
	if !strings.Contains(b, "m=audio 10002 ") {
		t.Errorf("expected port 10002 for line 2, got:\n%s", b)
	}
}
