package control

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sendLine(t *testing.T, path, line string) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestActivateParsesCallID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	var got Command
	var mu sync.Mutex

	s, err := New(path, func(cmd Command) (bool, error) {
		mu.Lock()
		got = cmd
		mu.Unlock()
		return false, nil
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Serve(ctx)
	}()

	sendLine(t, path, "ACTIVATE 42")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	require.Equal(t, "ACTIVATE", got.Verb)
	require.Equal(t, "42", got.CallID)
	mu.Unlock()

	cancel()
	wg.Wait()
}

func TestShutdownStopsServeLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s, err := New(path, func(cmd Command) (bool, error) {
		return cmd.Verb == "SHUTDOWN", nil
	}, testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	sendLine(t, path, "SHUTDOWN")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after SHUTDOWN")
	}
}

func TestSendHelpersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	var got []Command
	var mu sync.Mutex

	s, err := New(path, func(cmd Command) (bool, error) {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		return cmd.Verb == "SHUTDOWN", nil
	}, testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	require.NoError(t, SendActivate(path, 7))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, SendDeactivate(path))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, SendShutdown(path))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after SHUTDOWN")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	require.Equal(t, Command{Verb: "ACTIVATE", CallID: "7"}, got[0])
	require.Equal(t, Command{Verb: "DEACTIVATE"}, got[1])
	require.Equal(t, Command{Verb: "SHUTDOWN"}, got[2])
}

func TestMalformedCommandDoesNotCrashServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s, err := New(path, func(cmd Command) (bool, error) {
		return false, nil
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	defer cancel()

	sendLine(t, path, "BOGUS")
	sendLine(t, path, "ACTIVATE not-a-number")
	sendLine(t, path, "ACTIVATE")

	// Server should still accept a well-formed command afterward.
	var gotDeactivate bool
	var mu sync.Mutex
	s.handle = func(cmd Command) (bool, error) {
		mu.Lock()
		gotDeactivate = cmd.Verb == "DEACTIVATE"
		mu.Unlock()
		return false, nil
	}
	sendLine(t, path, "DEACTIVATE")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	require.True(t, gotDeactivate)
	mu.Unlock()
}
