// Package client implements the Connection Controller: it drives the
// NotConnected -> WaitingForLogin -> Connected -> DisconnectInProgress
// lifecycle, performs the login handshake, and runs the reconnect
// ladder after an unexpected disconnect.
package client

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cortexlab/instrclient/asyncerr"
	"github.com/cortexlab/instrclient/instrlog"
	"github.com/cortexlab/instrclient/protocol"
	"github.com/cortexlab/instrclient/transport"
	"github.com/cortexlab/instrclient/wire"
)

const loginTimeout = 10 * time.Second

const (
	defaultWarningDelay = 5 * time.Second
	defaultErrorDelay   = 30 * time.Second
)

// Config configures a Client. Username and MachineName are sent in
// the LOGN frame; on a constrained device profile callers should set
// them to wire.ConstrainedUsername / wire.ConstrainedMachineName.
type Config struct {
	ServerAddress    string
	Port             int
	SendTimeoutMs    int
	ReceiveTimeoutMs int
	Username         string
	MachineName      string

	// Logger receives structured operational log lines (connect
	// attempts, reconnect ladder progress, disconnects). A nil Logger
	// defaults to zap.NewNop(), matching the teacher's pattern of a
	// package-level *zap.Logger threaded through every component.
	Logger *zap.Logger

	// Sink receives one Log call per payload sent or received, the
	// diagnostic logger external collaborator. A nil Sink defaults to
	// instrlog.NoOp.
	Sink instrlog.Sink
}

// Client is the public entry point: connect/disconnect lifecycle,
// GET/ACTION commands, STAT subscriptions, and event subscriptions.
type Client struct {
	cfg Config

	transport *transport.Transport
	engine    *protocol.Engine
	asyncQ    *asyncerr.Queue
	events    *observerSet

	state         atomic.Uint32 // protocol.State
	grantedAccess atomic.Uint32 // wire.AccessLevel

	connectMu sync.Mutex // serializes manual Connect() against the reconnect ladder

	loginMu      sync.Mutex
	loginAcceptC chan wire.AccessLevel

	// warningDelay and errorDelay are stored as nanosecond counts
	// (atomic.Int64) rather than atomic.Duration for portability
	// across go.uber.org/atomic versions.
	warningDelayNs atomic.Int64
	errorDelayNs   atomic.Int64

	ladderMu      sync.Mutex
	ladderRunning bool

	log *zap.Logger
}

// New constructs a Client bound to cfg. It does not connect; call
// Connect to begin.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		events: newObserverSet(),
		log:    logger,
	}
	c.state.Store(uint32(protocol.NotConnected))
	c.warningDelayNs.Store(int64(defaultWarningDelay))
	c.errorDelayNs.Store(int64(defaultErrorDelay))

	c.asyncQ = asyncerr.New(c.events.emitAsyncError)
	c.asyncQ.Start()

	c.engine = protocol.NewEngine()
	c.engine.StateFn = c.getState
	c.engine.AsyncError = c.raiseAsync
	c.engine.OnLoginAccept = c.handleLoginAccept

	tr, err := transport.New(transport.Config{
		ServerAddress:    cfg.ServerAddress,
		Port:             cfg.Port,
		SendTimeoutMs:    cfg.SendTimeoutMs,
		ReceiveTimeoutMs: cfg.ReceiveTimeoutMs,
		Sink:             cfg.Sink,
	}, c.engine.Dispatch, c.raiseAsync, c.handleUnexpectedDisconnect)
	if err != nil {
		return nil, err
	}
	c.transport = tr
	c.engine.Send = tr.SendMessage

	return c, nil
}

func (c *Client) getState() protocol.State { return protocol.State(c.state.Load()) }

// raiseAsync enqueues description, gated per spec.md §4.F: only while
// Connected or WaitingForLogin, to suppress floods during teardown.
func (c *Client) raiseAsync(description string) {
	switch c.getState() {
	case protocol.Connected, protocol.WaitingForLogin:
		c.asyncQ.Enqueue(description)
	}
}

// IsConnected reports whether the client is currently Connected.
func (c *Client) IsConnected() bool {
	return c.getState() == protocol.Connected
}

// GrantedAccess returns the access level granted at the last
// successful login.
func (c *Client) GrantedAccess() wire.AccessLevel {
	return wire.AccessLevel(c.grantedAccess.Load())
}

// SetCommFailureTimeouts reconfigures the reconnect ladder's
// warning/error thresholds. The change is accepted only if
// warning > 0 and error > warning; otherwise it is silently rejected.
func (c *Client) SetCommFailureTimeouts(warning, errorDelay time.Duration) {
	if warning <= 0 || errorDelay <= warning {
		return
	}
	c.warningDelayNs.Store(int64(warning))
	c.errorDelayNs.Store(int64(errorDelay))
}

func (c *Client) warningDelay() time.Duration { return time.Duration(c.warningDelayNs.Load()) }
func (c *Client) errorDelay() time.Duration   { return time.Duration(c.errorDelayNs.Load()) }

// OnConnect, OnDisconnect, OnDisconnectWarning, OnDisconnectError, and
// OnAsyncError subscribe to the five observable event streams,
// returning a token usable with Unsubscribe.
func (c *Client) OnConnect(f func()) SubscriptionToken          { return c.events.OnConnect(f) }
func (c *Client) OnDisconnect(f func()) SubscriptionToken        { return c.events.OnDisconnect(f) }
func (c *Client) OnDisconnectWarning(f func()) SubscriptionToken { return c.events.OnDisconnectWarning(f) }
func (c *Client) OnDisconnectError(f func()) SubscriptionToken   { return c.events.OnDisconnectError(f) }
func (c *Client) OnAsyncError(f func(string)) SubscriptionToken  { return c.events.OnAsyncError(f) }
func (c *Client) Unsubscribe(tok SubscriptionToken)              { c.events.Unsubscribe(tok) }

// RegisterStatusHandler registers h for substatus. Returns false if
// one is already registered for this substatus.
func (c *Client) RegisterStatusHandler(substatus uint32, h protocol.StatusHandler) bool {
	return c.engine.RegisterStatusHandler(substatus, h)
}

// RegisterUnhandledStatusHandler sets the singleton fallback STAT
// handler. Returns false if one is already registered.
func (c *Client) RegisterUnhandledStatusHandler(h protocol.StatusHandler) bool {
	return c.engine.RegisterUnhandledStatusHandler(h)
}

// SendGetCommand issues a GET command. See protocol.Engine.SendGet.
func (c *Client) SendGetCommand(subcommand uint32, data []byte, completion protocol.Completion) (bool, uint32) {
	return c.engine.SendGet(subcommand, data, completion)
}

// SendActionCommand issues an ACTN command, gated on the granted
// access level. See protocol.Engine.SendAction.
func (c *Client) SendActionCommand(subcommand uint32, data []byte, completion protocol.Completion) (bool, uint32) {
	return c.engine.SendAction(subcommand, data, c.GrantedAccess(), completion)
}

// DeleteCommandInProgress cooperatively cancels an outstanding
// command. A late ACK/NAK/RSP for seq may still surface as an async
// "Unexpected" error if the race was lost.
func (c *Client) DeleteCommandInProgress(seq uint32) {
	c.engine.CancelCommand(seq)
}

// Connect performs the full connect + login handshake, only legal
// from NotConnected. It blocks up to 10s waiting for the server's
// login acceptance.
func (c *Client) Connect(accessRequested wire.AccessLevel) bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(accessRequested)
}

// connectLocked performs one connect attempt. Callers must hold
// connectMu; the reconnect ladder calls this directly to avoid
// deadlocking against Connect's own lock.
func (c *Client) connectLocked(accessRequested wire.AccessLevel) bool {
	if !c.state.CAS(uint32(protocol.NotConnected), uint32(protocol.WaitingForLogin)) {
		return false
	}

	if err := c.transport.Connect(); err != nil {
		c.log.Warn("connect failed", zap.String("server", c.cfg.ServerAddress), zap.Error(err))
		c.state.Store(uint32(protocol.NotConnected))
		return false
	}

	acceptCh := c.resetLoginAccept()
	localAddr := c.transport.LocalAddress()
	loginPayload := protocol.BuildLogin(accessRequested, localAddr, c.cfg.Username, c.cfg.MachineName)
	if err := c.transport.SendMessage(loginPayload); err != nil {
		c.transport.Disconnect()
		c.state.Store(uint32(protocol.NotConnected))
		return false
	}

	select {
	case granted := <-acceptCh:
		c.grantedAccess.Store(uint32(granted))
		c.state.Store(uint32(protocol.Connected))
		c.log.Info("login accepted", zap.Stringer("grantedAccess", granted))
		c.events.emitConnect()
		return true
	case <-time.After(loginTimeout):
		c.log.Warn("login timed out", zap.Duration("timeout", loginTimeout))
		c.transport.Disconnect()
		c.state.Store(uint32(protocol.NotConnected))
		return false
	}
}

func (c *Client) resetLoginAccept() chan wire.AccessLevel {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	ch := make(chan wire.AccessLevel, 1)
	c.loginAcceptC = ch
	return ch
}

func (c *Client) handleLoginAccept(granted wire.AccessLevel) {
	c.loginMu.Lock()
	ch := c.loginAcceptC
	c.loginMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- granted:
	default:
	}
}

// Disconnect tears down an active connection. A no-op when not
// Connected (spec.md P6).
func (c *Client) Disconnect() {
	if !c.state.CAS(uint32(protocol.Connected), uint32(protocol.DisconnectInProgress)) {
		return
	}
	c.engine.Inflight().Clear()
	c.transport.Disconnect()
	c.state.Store(uint32(protocol.NotConnected))
	c.log.Info("disconnected by caller")
	c.events.emitDisconnect()
}

// Close releases all background goroutines owned by the client
// (async error dispatcher). It does not itself disconnect; call
// Disconnect first if Connected.
func (c *Client) Close() error {
	c.asyncQ.Stop()
	return nil
}

func (c *Client) handleUnexpectedDisconnect() {
	c.engine.Inflight().Clear()

	prevState := c.getState()
	if prevState != protocol.Connected {
		// Never-connected (or already-tearing-down) session: no
		// recovery attempted, matching spec.md §4.E.
		c.log.Debug("unexpected disconnect while not connected, not retrying", zap.Stringer("state", prevState))
		return
	}

	c.log.Warn("unexpected disconnect, entering reconnect ladder")
	c.events.emitDisconnect()
	c.state.Store(uint32(protocol.NotConnected))

	lastGranted := c.GrantedAccess()
	go c.runReconnectLadder(lastGranted)
}
