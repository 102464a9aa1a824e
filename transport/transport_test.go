package transport_test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexlab/instrclient/frame"
	"github.com/cortexlab/instrclient/transport"
)

// recordingSink captures every Log call for assertions.
type recordingSink struct {
	mu   sync.Mutex
	tags []string
}

func (s *recordingSink) Log(tag string, buffer []byte, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tag)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, host, port
}

func TestConnectSendAndReceive(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	var mu sync.Mutex
	var received [][]byte
	payloadCh := make(chan struct{}, 10)

	tr, err := transport.New(transport.Config{ServerAddress: host, Port: port},
		func(payload []byte) {
			mu.Lock()
			received = append(received, append([]byte(nil), payload...))
			mu.Unlock()
			payloadCh <- struct{}{}
		},
		func(string) {},
		func() {},
	)
	require.NoError(t, err)

	serverAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		serverAccepted <- conn
	}()

	require.NoError(t, tr.Connect())
	serverConn := <-serverAccepted
	defer serverConn.Close()

	require.NoError(t, tr.SendMessage([]byte{0xAA, 0xBB, 0xCC, 0xDD}))
	buf := make([]byte, 16)
	n, err := serverConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, frame.Encode([]byte{0xAA, 0xBB, 0xCC, 0xDD}), buf[:n])

	_, err = serverConn.Write(frame.Encode([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	select {
	case <-payloadCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, []byte{1, 2, 3, 4}, received[0])
}

func TestUnexpectedDisconnectSignalsOnlyWhenNotRequested(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	disconnected := make(chan struct{}, 1)
	tr, err := transport.New(transport.Config{ServerAddress: host, Port: port},
		func([]byte) {},
		func(string) {},
		func() { disconnected <- struct{}{} },
	)
	require.NoError(t, err)

	serverAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverAccepted <- conn
	}()
	require.NoError(t, tr.Connect())
	serverConn := <-serverAccepted

	serverConn.Close() // simulate peer drop

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected async disconnect signal")
	}
}

func TestRequestedDisconnectSuppressesSignal(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	disconnected := make(chan struct{}, 1)
	tr, err := transport.New(transport.Config{ServerAddress: host, Port: port},
		func([]byte) {},
		func(string) {},
		func() { disconnected <- struct{}{} },
	)
	require.NoError(t, err)

	serverAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverAccepted <- conn
	}()
	require.NoError(t, tr.Connect())
	serverConn := <-serverAccepted
	defer serverConn.Close()

	tr.Disconnect()

	select {
	case <-disconnected:
		t.Fatal("did not expect async disconnect signal after user Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	_, err := transport.New(transport.Config{ServerAddress: "not-an-ip"}, nil, nil, nil)
	require.Error(t, err)
}

func TestSinkReceivesSentAndReceivedPayloads(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	sink := &recordingSink{}
	payloadCh := make(chan struct{}, 1)
	tr, err := transport.New(transport.Config{ServerAddress: host, Port: port, Sink: sink},
		func([]byte) { payloadCh <- struct{}{} },
		func(string) {},
		func() {},
	)
	require.NoError(t, err)

	serverAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverAccepted <- conn
	}()
	require.NoError(t, tr.Connect())
	serverConn := <-serverAccepted
	defer serverConn.Close()

	require.NoError(t, tr.SendMessage([]byte{'G', 'E', 'T', ' ', 0xAA}))
	_, err = serverConn.Write(frame.Encode([]byte{'R', 'S', 'P', ' ', 0xBB}))
	require.NoError(t, err)

	select {
	case <-payloadCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}

	require.ElementsMatch(t, []string{"GET ", "RSP "}, sink.snapshot())
}
