package ttsworker

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/wire"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleConnSynthesizesAndDeliversAudio(t *testing.T) {
	rendConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rendConn.Close()
	rendPort := rendConn.LocalAddr().(*net.UDPAddr).Port

	w := New("127.0.0.1:0", rendPort, 1, testLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	const callID = "0" // so ttsAudioPortBase+0 and rendPort+0 are deterministic

	conn, err := net.Dial("tcp", w.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteHello(conn, callID))
	require.NoError(t, wire.WriteText(conn, "hello"))

	rendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := rendConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "REGISTER:0", string(buf[:n]))

	outConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ttsAudioPortBase))
	require.NoError(t, err)
	defer outConn.Close()
	require.NoError(t, wire.WriteHello(outConn, callID))

	outConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	chunk, ok, err := wire.ReadTTSChunk(outConn)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(synthSampleRate), chunk.SampleRate)
	require.Equal(t, uint32(1), chunk.ChunkID)
	require.NotEmpty(t, chunk.Payload)
}

func TestSynthesizeIsEmptyForEmptyText(t *testing.T) {
	require.Empty(t, synthesize(""))
	require.NotEmpty(t, synthesize("hello"))
}
