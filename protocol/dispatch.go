package protocol

import (
	"encoding/binary"

	"github.com/cortexlab/instrclient/wire"
)

// Dispatch decodes payload's leading type tag and routes it to the
// appropriate completion handler or status subscriber. It must be
// called on the transport's reader goroutine (spec.md I5); handler
// invocations happen outside the in-flight table's lock.
func (e *Engine) Dispatch(payload []byte) {
	if len(payload) < wire.TagSize {
		e.reportAsync("Protocol Failure - short payload")
		return
	}
	var tag [4]byte
	copy(tag[:], payload[:wire.TagSize])
	body := payload[wire.TagSize:]

	switch tag {
	case wire.TagACPT:
		e.dispatchAcpt(body)
	case wire.TagACK:
		e.dispatchAck(body)
	case wire.TagNAK:
		e.dispatchNak(body)
	case wire.TagRSP:
		e.dispatchRsp(body)
	case wire.TagSTAT:
		e.dispatchStat(body)
	default:
		e.reportAsync("Protocol Failure - Unknown MessageType")
	}
}

func (e *Engine) dispatchAcpt(body []byte) {
	if len(body) < 4 {
		e.reportAsync("Protocol Failure - malformed ACPT")
		return
	}
	granted := wire.AccessLevel(int32(binary.LittleEndian.Uint32(body[:4])))
	if e.OnLoginAccept != nil {
		e.OnLoginAccept(granted)
	}
}

func (e *Engine) dispatchAck(body []byte) {
	if len(body) < 4 {
		e.reportAsync("Protocol Failure - malformed ACK")
		return
	}
	seq := binary.LittleEndian.Uint32(body[:4])

	completion, ackAlready, present := e.inflight.Retrieve(seq)
	if !present {
		e.reportAsync("Protocol Failure - Unexpected ACK")
		return
	}
	if ackAlready {
		e.inflight.Delete(seq)
		e.reportAsync("Protocol Failure - Double ACK")
		return
	}
	e.inflight.SetAckLatch(seq)
	if completion.OnAck != nil {
		completion.OnAck(completion.UserData, seq)
	}
	// Entry remains pending for RSP.
}

func (e *Engine) dispatchNak(body []byte) {
	if len(body) < 8 {
		e.reportAsync("Protocol Failure - malformed NAK")
		return
	}
	seq := binary.LittleEndian.Uint32(body[0:4])
	statusCode := binary.LittleEndian.Uint32(body[4:8])

	completion, ackAlready, present := e.inflight.Delete(seq)
	if !present {
		e.reportAsync("Protocol Failure - Unexpected NAK")
		return
	}
	if ackAlready {
		e.reportAsync("Protocol Failure - ACK - NAK")
		return
	}
	if completion.OnNak != nil {
		completion.OnNak(completion.UserData, seq, statusCode)
	}
}

func (e *Engine) dispatchRsp(body []byte) {
	if len(body) < 12 {
		e.reportAsync("Protocol Failure - malformed RSP")
		return
	}
	seq := binary.LittleEndian.Uint32(body[0:4])
	subcommand := binary.LittleEndian.Uint32(body[4:8])
	statusCode := binary.LittleEndian.Uint32(body[8:12])
	data := body[12:]

	completion, ackAlready, present := e.inflight.Delete(seq)
	if !present {
		e.reportAsync("Protocol Failure - Unexpected RSP")
		return
	}
	if !ackAlready {
		e.reportAsync("Protocol Failure - Missing ACK")
		return
	}
	if completion.OnResp != nil {
		completion.OnResp(completion.UserData, seq, subcommand, statusCode, data)
	}
}

func (e *Engine) dispatchStat(body []byte) {
	if e.StateFn() != Connected {
		return // discarded silently, spec.md I3
	}
	if len(body) < 4 {
		// Full payload (tag + substatus) would be < 8 bytes; the
		// source's behavior here is undefined (spec.md §9), this
		// implementation discards silently without invoking a handler.
		return
	}
	substatus := binary.LittleEndian.Uint32(body[0:4])
	handler, ok := e.status.lookup(substatus)
	if !ok {
		return
	}
	handler(body[4:]) // data may legitimately be empty
}
