package client_test

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexlab/instrclient/client"
	"github.com/cortexlab/instrclient/frame"
	"github.com/cortexlab/instrclient/protocol"
	"github.com/cortexlab/instrclient/wire"
)

// fakeServer accepts exactly one connection per Accept call and lets
// the test script read/write raw frames against it.
type fakeServer struct {
	ln   net.Listener
	host string
	port int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &fakeServer{ln: ln, host: host, port: port}
}

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	return conn
}

func acptFrame(granted wire.AccessLevel) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(granted)))
	return frame.Encode(append(append([]byte{}, wire.TagACPT[:]...), buf[:]...))
}

func newTestClient(t *testing.T, s *fakeServer) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		ServerAddress: s.host,
		Port:          s.port,
		Username:      wire.ConstrainedUsername,
		MachineName:   wire.ConstrainedMachineName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectSucceedsOnAcpt(t *testing.T) {
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)

	connected := make(chan struct{}, 1)
	c.OnConnect(func() { connected <- struct{}{} })

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := s.accept(t)
		defer conn.Close()
		_, err := frame.Decode(conn) // LOGIN frame
		require.NoError(t, err)
		_, err = conn.Write(acptFrame(wire.AccessMaster))
		require.NoError(t, err)
	}()

	ok := c.Connect(wire.AccessMaster)
	require.True(t, ok)
	require.True(t, c.IsConnected())
	require.Equal(t, wire.AccessMaster, c.GrantedAccess())

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected Connect event")
	}
	<-serverDone
}

func TestConnectFailsOnRefusedDial(t *testing.T) {
	// Bind and immediately close to get a free port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	require.NoError(t, ln.Close())

	c, err := client.New(client.Config{ServerAddress: host, Port: port})
	require.NoError(t, err)
	defer c.Close()

	require.False(t, c.Connect(wire.AccessMaster))
	require.False(t, c.IsConnected())
}

func TestDisconnectIdempotenceOnNotConnected(t *testing.T) {
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)

	disconnectCount := 0
	c.OnDisconnect(func() { disconnectCount++ })

	c.Disconnect() // no-op: never connected
	require.Equal(t, 0, disconnectCount)
}

func TestDisconnectFromConnectedEmitsExactlyOnce(t *testing.T) {
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)

	var mu sync.Mutex
	disconnectCount := 0
	c.OnDisconnect(func() {
		mu.Lock()
		disconnectCount++
		mu.Unlock()
	})

	go func() {
		conn := s.accept(t)
		defer conn.Close()
		_, _ = frame.Decode(conn)
		_, _ = conn.Write(acptFrame(wire.AccessMaster))
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // block until client closes
	}()

	require.True(t, c.Connect(wire.AccessMaster))

	c.Disconnect()
	c.Disconnect() // second call on NotConnected must be a no-op

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, disconnectCount)
	require.False(t, c.IsConnected())
}

func TestReconnectWarningThenSuccess(t *testing.T) {
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)
	c.SetCommFailureTimeouts(300*time.Millisecond, 3*time.Second)

	var mu sync.Mutex
	var events []string
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}
	c.OnDisconnect(func() { record("disconnect") })
	c.OnDisconnectWarning(func() { record("warning") })
	c.OnDisconnectError(func() { record("error") })
	connected := make(chan struct{}, 2)
	c.OnConnect(func() { connected <- struct{}{} })

	firstConn := make(chan net.Conn, 1)
	go func() {
		conn := s.accept(t)
		firstConn <- conn
		_, _ = frame.Decode(conn)
		_, _ = conn.Write(acptFrame(wire.AccessMaster))
	}()

	require.True(t, c.Connect(wire.AccessMaster))
	<-connected

	conn := <-firstConn
	// Take the server down first so the ladder's first retry (at ~1s,
	// past the 300ms warning delay) is refused and raises the warning.
	require.NoError(t, s.ln.Close())
	conn.Close() // simulate peer drop -> triggers reconnect ladder

	// Server comes back on the same port at ~1.5s, accepts the next
	// retry and completes login again.
	go func() {
		time.Sleep(1500 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = frame.Decode(conn)
		_, _ = conn.Write(acptFrame(wire.AccessMaster))
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("expected client to reconnect")
	}

	time.Sleep(200 * time.Millisecond) // let any trailing warning land

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, "disconnect")
	require.Contains(t, events, "warning")
	require.NotContains(t, events, "error")
}

func TestLoginTimeoutReturnsToNotConnected(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full 10s login timeout; skip with -short")
	}
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)

	connected := false
	c.OnConnect(func() { connected = true })
	disconnected := false
	c.OnDisconnect(func() { disconnected = true })

	go func() {
		conn := s.accept(t)
		defer conn.Close()
		_, _ = frame.Decode(conn) // read LOGIN, never reply with ACPT
		time.Sleep(11 * time.Second)
	}()

	start := time.Now()
	ok := c.Connect(wire.AccessMaster)
	elapsed := time.Since(start)

	require.False(t, ok)
	require.False(t, c.IsConnected())
	require.False(t, connected)
	require.False(t, disconnected)
	require.GreaterOrEqual(t, elapsed, 10*time.Second)
}

func TestSendGetRequiresConnected(t *testing.T) {
	s := newFakeServer(t)
	defer s.ln.Close()
	c := newTestClient(t, s)

	ok, seq := c.SendGetCommand(1, nil, protocol.Completion{})
	require.False(t, ok)
	require.Zero(t, seq)
}
