// Package transport owns one TCP stream connection to the instrument:
// it frames and serializes outbound writes, runs a dedicated reader
// goroutine that delivers decoded payloads upward, and detects
// unexpected disconnects.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/cortexlab/instrclient/frame"
	"github.com/cortexlab/instrclient/instrlog"
)

// Config holds the knobs recognized by Connect.
type Config struct {
	// ServerAddress is an IPv4 literal; parsing happens in New, not
	// at Connect time.
	ServerAddress string
	Port          int // defaults to wire.ServerPort when 0

	// SendTimeoutMs, when > 0, is applied as the write deadline on
	// every SendMessage call.
	SendTimeoutMs int
	// ReceiveTimeoutMs, when > 0, is applied as the read deadline on
	// every reader-loop read.
	ReceiveTimeoutMs int

	// Sink receives one Log call per payload sent or received, keyed
	// by the payload's 4-byte type tag. Nil defaults to instrlog.NoOp.
	Sink instrlog.Sink
}

// PayloadHandler is invoked once per successfully decoded frame, on
// the reader goroutine.
type PayloadHandler func(payload []byte)

// AsyncErrorHandler is invoked for transport-level error strings
// (I/O errors, framing failures).
type AsyncErrorHandler func(description string)

// DisconnectHandler is invoked exactly when the connection drops
// unexpectedly -- never when the user called Disconnect().
type DisconnectHandler func()

// Transport owns the lifecycle of one net.Conn.
type Transport struct {
	cfg Config

	onPayload    PayloadHandler
	onAsyncError AsyncErrorHandler
	onDisconnect DisconnectHandler

	writeMu sync.Mutex
	conn    net.Conn

	disconnectRequested atomic.Bool
	readerDone          chan struct{}
}

// New validates cfg.ServerAddress as an IPv4 literal and constructs a
// Transport bound to it. Callers must set the three handlers before
// calling Connect.
func New(cfg Config, onPayload PayloadHandler, onAsyncError AsyncErrorHandler, onDisconnect DisconnectHandler) (*Transport, error) {
	ip := net.ParseIP(cfg.ServerAddress)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("transport: %q is not a valid IPv4 literal", cfg.ServerAddress)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Sink == nil {
		cfg.Sink = instrlog.NoOp
	}
	return &Transport{
		cfg:          cfg,
		onPayload:    onPayload,
		onAsyncError: onAsyncError,
		onDisconnect: onDisconnect,
	}, nil
}

const defaultPort = 8080

// Connect dials the server and starts the reader goroutine.
func (t *Transport) Connect() error {
	addr := fmt.Sprintf("%s:%d", t.cfg.ServerAddress, t.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.disconnectRequested.Store(false)
	t.readerDone = make(chan struct{})
	go t.readLoop()
	return nil
}

// LocalAddress returns the local IPv4 address of the active
// connection as 4 raw bytes, or the zero value if not connected.
func (t *Transport) LocalAddress() [4]byte {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()
	var out [4]byte
	if conn == nil {
		return out
	}
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return out
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return out
	}
	copy(out[:], ip4)
	return out
}

// SendMessage frames payload and writes it atomically. A write error
// tears the connection down and reports an async error; it never
// triggers the async disconnect signal when the caller itself is
// mid-Disconnect, matching the reader loop's rule.
func (t *Transport) SendMessage(payload []byte) error {
	encoded := frame.Encode(payload)
	t.cfg.Sink.Log(payloadTag(payload), payload, len(payload))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn := t.conn
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	if t.cfg.SendTimeoutMs > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Duration(t.cfg.SendTimeoutMs) * time.Millisecond))
	}
	if _, err := conn.Write(encoded); err != nil {
		t.shutdownNetwork()
		t.raiseAsync(fmt.Sprintf("write failed: %v", err))
		return err
	}
	return nil
}

// payloadTag returns the 4-byte ASCII type tag leading payload, or
// "" for a payload too short to carry one.
func payloadTag(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	return string(payload[:4])
}

// Disconnect requests an orderly shutdown: it marks the disconnect as
// user-requested (suppressing the async disconnect signal), closes
// the stream to unblock the reader, and waits briefly for the reader
// goroutine to notice.
func (t *Transport) Disconnect() {
	t.disconnectRequested.Store(true)
	t.shutdownNetwork()
	if t.readerDone != nil {
		select {
		case <-t.readerDone:
		case <-time.After(500 * time.Millisecond):
			// The reader is blocked in a read syscall on a socket we
			// already closed; it will unblock and exit on its own.
			// Go offers no safe way to force-terminate a goroutine,
			// so we simply stop waiting (see SPEC_FULL.md §9).
		}
	}
}

// shutdownNetwork closes the underlying connection, if any. Safe to
// call multiple times.
func (t *Transport) shutdownNetwork() {
	t.writeMu.Lock()
	conn := t.conn
	t.conn = nil
	t.writeMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) raiseAsync(description string) {
	if t.onAsyncError != nil {
		t.onAsyncError(description)
	}
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)

	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()
	if conn == nil {
		return
	}

	codec := frame.Codec{}
	for {
		if t.cfg.ReceiveTimeoutMs > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(t.cfg.ReceiveTimeoutMs) * time.Millisecond))
		}
		payload, err := codec.Decode(conn)
		if err != nil {
			// A timeout before any byte of the next frame arrived is
			// safe to retry. A timeout after part of the frame was
			// read (frame.ErrPayloadTimeout) leaves the stream
			// desynced -- bytes already drained for this frame can't
			// be put back -- so it's fatal like any other framing
			// error instead.
			if isTimeout(err) && !errors.Is(err, frame.ErrPayloadTimeout) {
				continue
			}
			t.raiseAsync(describeFrameError(err))
			t.shutdownNetwork()
			if !t.disconnectRequested.Load() {
				if t.onDisconnect != nil {
					t.onDisconnect()
				}
			}
			return
		}
		t.cfg.Sink.Log(payloadTag(payload), payload, len(payload))
		t.onPayload(payload)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func describeFrameError(err error) string {
	return fmt.Sprintf("frame error: %v", err)
}
