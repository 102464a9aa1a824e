// Package protocol implements the message semantics of the instrument
// protocol: outbound LOGIN/GET/ACTION frame construction, inbound tag
// dispatch, in-flight sequence bookkeeping, and STAT subscription
// routing. It knows nothing about socket lifecycle (package
// transport) or reconnect policy (package client).
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cortexlab/instrclient/wire"
)

// Sender writes one already-framed-at-the-payload-level message; the
// implementation (transport.Transport.SendMessage) takes care of
// envelope framing.
type Sender func(payload []byte) error

// AsyncErrorFunc reports a human-readable protocol-level error.
type AsyncErrorFunc func(description string)

// LoginAcceptFunc is invoked when an ACPT frame arrives.
type LoginAcceptFunc func(granted wire.AccessLevel)

// Engine parses and builds protocol frames and owns the in-flight
// table and STAT subscriber registry. It does not own connection
// state; StateFn is injected by the Connection Controller, and the
// granted access level is passed to SendAction by the caller.
type Engine struct {
	Send          Sender
	StateFn       func() State
	AsyncError    AsyncErrorFunc
	OnLoginAccept LoginAcceptFunc

	inflight *InflightTable
	status   *statusRegistry
}

// NewEngine constructs an Engine. Send, StateFn, and AsyncError must
// be set (directly or via the returned value's fields) before use.
func NewEngine() *Engine {
	return &Engine{
		inflight: NewInflightTable(),
		status:   newStatusRegistry(),
	}
}

// Inflight exposes the in-flight table for the Connection Controller,
// which must call Clear() on disconnect.
func (e *Engine) Inflight() *InflightTable { return e.inflight }

// RegisterStatusHandler registers h for substatus. Returns false if
// one is already registered for this substatus.
func (e *Engine) RegisterStatusHandler(substatus uint32, h StatusHandler) bool {
	return e.status.Register(substatus, h)
}

// RegisterUnhandledStatusHandler sets the singleton fallback STAT
// handler. Returns false if one is already registered.
func (e *Engine) RegisterUnhandledStatusHandler(h StatusHandler) bool {
	return e.status.RegisterUnhandled(h)
}

// BuildLogin constructs a LOGN payload requesting accessLevel, using
// localAddr (4 bytes), username, and machineName (UTF-8, truncated to
// 64 bytes, left intact in a zero-initialized field otherwise).
func BuildLogin(accessLevel wire.AccessLevel, localAddr [4]byte, username, machineName string) []byte {
	var buf bytes.Buffer
	buf.Write(wire.TagLOGN[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(accessLevel))
	buf.Write(localAddr[:])
	buf.Write(fixedField(username, wire.LoginUsernameSize))
	buf.Write(fixedField(machineName, wire.LoginMachineNameSize))
	return buf.Bytes()
}

func fixedField(s string, width int) []byte {
	out := make([]byte, width)
	b := []byte(s)
	if len(b) > width {
		b = b[:width]
	}
	copy(out, b)
	return out
}

// SendGet builds and writes a GET frame for subcommand/data, iff the
// engine's current state is Connected. On success it registers
// completion in the in-flight table and returns (true, seq); on
// failure it returns (false, 0) and writes nothing.
func (e *Engine) SendGet(subcommand uint32, data []byte, completion Completion) (bool, uint32) {
	if e.StateFn() != Connected {
		return false, 0
	}
	return e.sendTagged(wire.TagGET, subcommand, data, completion)
}

// SendAction builds and writes an ACTN frame for subcommand/data, iff
// the engine's state is Connected and the granted access level
// permits actions. On failure it returns (false, 0) and writes
// nothing.
func (e *Engine) SendAction(subcommand uint32, data []byte, granted wire.AccessLevel, completion Completion) (bool, uint32) {
	if e.StateFn() != Connected {
		return false, 0
	}
	if !granted.CanAction() {
		return false, 0
	}
	return e.sendTagged(wire.TagACTN, subcommand, data, completion)
}

func (e *Engine) sendTagged(tag [4]byte, subcommand uint32, data []byte, completion Completion) (bool, uint32) {
	seq := e.inflight.Add(completion)

	var buf bytes.Buffer
	buf.Write(tag[:])
	_ = binary.Write(&buf, binary.LittleEndian, seq)
	_ = binary.Write(&buf, binary.LittleEndian, subcommand)
	buf.Write(data)

	if err := e.Send(buf.Bytes()); err != nil {
		e.inflight.Delete(seq)
		return false, 0
	}
	return true, seq
}

// CancelCommand cooperatively removes seq from the in-flight table.
// A late ACK/NAK/RSP for that sequence will then surface through
// Dispatch as an "Unexpected" async error if the race was lost.
func (e *Engine) CancelCommand(seq uint32) {
	e.inflight.Delete(seq)
}

func (e *Engine) reportAsync(format string, args ...interface{}) {
	if e.AsyncError != nil {
		e.AsyncError(fmt.Sprintf(format, args...))
	}
}
