package rendezvous

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestRegisterAndByeDispatch(t *testing.T) {
	port := freePort(t)

	var events []Event
	var mu sync.Mutex
	l, err := Listen(port, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, testLogger())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, SendRegister(port, "5"))
	require.NoError(t, SendBye(port, "5"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Event{CallID: "5"}, events[0])
	require.Equal(t, Event{Bye: true, CallID: "5"}, events[1])
}

func TestMalformedDatagramIgnored(t *testing.T) {
	port := freePort(t)

	var count int
	var mu sync.Mutex
	l, err := Listen(port, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, testLogger())
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	_, err = conn.Write([]byte("GARBAGE"))
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, SendRegister(port, "9"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}
