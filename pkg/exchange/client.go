package exchange

import "github.com/samsamfire/lwm2mclient/pkg/coap"

// NewClientRequest starts a client-initiated exchange (spec §4.1).
// Generates a token/message-id if the caller didn't pre-populate them
// (NOTIFY pre-binds its own token to the observation). Calling
// read_payload here may discover the payload needs block-wise transfer,
// in which case the request is forced confirmable, BLOCK1's more-flag is
// set, and — for a NOTIFY being serviced as a server-initiated block
// transfer — direction flips to server-initiated.
func (e *Engine) NewClientRequest(msg *coap.Message, handlers coap.Handlers, bufLen int) State {
	if e.state != StateFinished {
		panic("exchange: NewClientRequest called while an exchange is already in flight")
	}
	if handlers == nil {
		handlers = coap.NoopHandlers{}
	}

	if len(msg.Token) == 0 {
		msg.Token = e.clock.Token(8)
	}
	if msg.ID == 0 {
		idBytes := e.clock.Token(2)
		msg.ID = uint16(idBytes[0])<<8 | uint16(idBytes[1])
	}

	e.direction = DirectionClient
	e.handlers = handlers
	e.blockSize = coap.LargestBlockSize(bufLen)
	e.retry = 0

	buf := make([]byte, bufLen)
	var out coap.ReadOut
	out.Format = msg.ContentFormat
	result := handlers.ReadPayload(buf, &out)

	if code, isErr := result.AsCode(); isErr {
		e.finish(nil, coap.ResultFromCode(code))
		return e.state
	}

	msg.Payload = buf[:out.PayloadLen]
	msg.ContentFormat = out.Format

	if result == coap.BlockTransferNeeded {
		msg.Confirmable = true
		msg.Block.Direction = coap.Block1
		msg.Block.Number = 0
		msg.Block.Size = e.blockSize
		msg.Block.More = true
		if msg.Op == coap.OpConNotify || msg.Op == coap.OpNonConNotify {
			e.direction = DirectionServer
		}
	}

	e.confirmable = msg.Confirmable
	e.base = cloneMessage(msg)
	e.state = StateMsgToSend
	return e.state
}

func cloneMessage(msg *coap.Message) *coap.Message {
	clone := *msg
	clone.Payload = append([]byte(nil), msg.Payload...)
	clone.Token = append(coap.Token(nil), msg.Token...)
	return &clone
}

// processClientSend handles the EventSendConfirmation transition for a
// client-initiated exchange: non-confirmable with no blocks finishes
// immediately, otherwise the engine waits for an ACK/response.
func (e *Engine) processClientSend() State {
	if !e.confirmable && e.base.Block.Direction == coap.BlockNone {
		e.finish(nil, coap.ResultOK)
		return e.state
	}
	now := e.clock.NowMs()
	e.retryDeadlineMs = now + e.initialTimeoutMs()
	e.sendAckDeadlineMs = now + ProcessingDelayMs
	e.state = StateWaitingMsg
	return e.state
}

// processClientTimeout advances the retry counter or finalises with
// ERROR_TIMEOUT (spec §4.1's WAITING_MSG timeout transition).
func (e *Engine) processClientTimeout() State {
	if e.retry >= e.tx.MaxRetransmit {
		e.finish(nil, coap.ResultErrorTimeout)
		return e.state
	}
	e.retry++
	now := e.clock.NowMs()
	initial := e.initialTimeoutMs()
	e.retryDeadlineMs = now + retryDelayMs(initial, e.retry)
	e.state = StateWaitingSendConfirmation
	return e.state
}

// processClientResponse validates and routes an incoming response on a
// client-initiated exchange (spec §4.1 "Response handling (client
// side)").
func (e *Engine) processClientResponse(resp *coap.Message) State {
	if resp.Op == coap.OpReset {
		e.finish(resp, coap.ResultFromCode(coap.CodeBadRequest4_00))
		return e.state
	}

	// Empty ACKs correlate by message ID, not token — checked before the
	// token match below, same as original_source's handle_server_response.
	if resp.Op == coap.OpEmpty {
		if e.base.Op == coap.OpConNotify || e.base.Op == coap.OpNonConNotify {
			e.finish(resp, coap.ResultOK)
			return e.state
		}
		e.separateResponse = true
		return e.state
	}

	if !resp.Token.Equal(e.base.Token) {
		if resp.Code.Class() >= 2 {
			// mismatched-token response: belongs to some other exchange,
			// silently drop and keep waiting for ours.
			return e.state
		}
		// mismatched-token request: answer it with service unavailable
		// without disturbing the exchange we're actually waiting on —
		// base, retry count and deadline are both left untouched.
		e.divertResponse(&coap.Message{Op: coap.OpResponse, Code: coap.CodeServiceUnavailable5_03, Token: resp.Token, ID: resp.ID})
		return e.state
	}

	if resp.Code.IsError() {
		e.finish(resp, coap.ResultFromCode(resp.Code))
		return e.state
	}

	continuing := (resp.Block.Direction == coap.Block2 && resp.Block.More) ||
		(e.base.Block.Direction == coap.Block1 && e.base.Block.More)
	if !continuing {
		e.finish(resp, coap.ResultOK)
		return e.state
	}

	return e.continueClientBlockTransfer(resp)
}

// continueClientBlockTransfer writes the incoming block, reads the next
// outbound block, and re-arms the send path.
func (e *Engine) continueClientBlockTransfer(resp *coap.Message) State {
	if e.base.Block.Direction == coap.Block1 && e.base.Block.More {
		if int(resp.Block.Number) != int(e.base.Block.Number) {
			// block number mismatch: drop, keep waiting.
			return e.state
		}
		e.base.Block.Number++
		buf := make([]byte, e.blockSize)
		var out coap.ReadOut
		result := e.handlers.ReadPayload(buf, &out)
		if code, isErr := result.AsCode(); isErr {
			e.finish(resp, coap.ResultFromCode(code))
			return e.state
		}
		e.base.Payload = buf[:out.PayloadLen]
		e.base.Block.More = result == coap.BlockTransferNeeded
		e.retry = 0
		e.state = StateMsgToSend
		return e.state
	}

	// Block2 continuation: write the chunk we just received, request
	// the next one.
	writeResult := e.handlers.WritePayload(resp.Payload, !resp.Block.More)
	if code, isErr := writeResult.AsCode(); isErr {
		e.finish(resp, coap.ResultFromCode(code))
		return e.state
	}
	if !resp.Block.More {
		e.finish(resp, coap.ResultOK)
		return e.state
	}
	e.base.Block.Direction = coap.Block2
	e.base.Block.Number = resp.Block.Number + 1
	e.retry = 0
	e.state = StateMsgToSend
	return e.state
}

// divertResponse queues a one-off response to go out on top of whatever
// exchange is currently in flight, without touching its base message,
// retry count or deadlines — used for a 5.03 answer to a stray
// mismatched-token request while the real exchange keeps waiting.
func (e *Engine) divertResponse(resp *coap.Message) {
	e.diverted = resp
}
