package exchange

import "github.com/samsamfire/lwm2mclient/pkg/coap"

// NewServerRequest handles an incoming server-initiated request (spec
// §4.1). Precondition: the engine is FINISHED and bufLen >= 16. May
// short-circuit a PING to an empty RESET, or a pre-classified error
// (responseCode >= 4.00) straight to a response, without ever touching
// read_payload/write_payload — the PING case is unconditional per
// original_source's exchange.c (SPEC_FULL §C.5).
func (e *Engine) NewServerRequest(responseCode coap.Code, msg *coap.Message, handlers coap.Handlers, bufLen int) State {
	if e.state != StateFinished {
		panic("exchange: NewServerRequest called while an exchange is already in flight")
	}
	if bufLen < 16 {
		panic("exchange: NewServerRequest requires bufLen >= 16")
	}
	if handlers == nil {
		handlers = coap.NoopHandlers{}
	}

	if e.lastServerResponse != nil && e.lastServerResponse.ID == msg.ID && e.lastServerResponse.Token.Equal(msg.Token) {
		e.direction = DirectionServer
		e.handlers = handlers
		e.base = cloneMessage(e.lastServerResponse)
		e.state = StateMsgToSend
		return e.state
	}

	e.direction = DirectionServer
	e.blockSize = coap.LargestBlockSize(bufLen)
	e.blockCounter = 0
	e.base = cloneMessage(msg)
	e.serverExchangeTimeoutMs = e.clock.NowMs() + DefaultServerExchangeTimeoutMs

	if msg.Op == coap.OpPingUDP {
		resp := &coap.Message{Op: coap.OpReset, Token: msg.Token, ID: msg.ID}
		e.base = cloneMessage(resp)
		e.state = StateMsgToSend
		return e.state
	}

	if responseCode.IsError() {
		resp := &coap.Message{Op: coap.OpResponse, Code: responseCode, Token: msg.Token, ID: msg.ID}
		e.handlers = handlers
		e.finishServerResponse(resp, responseCode)
		return e.state
	}

	e.handlers = handlers
	return e.handleBlock1Chunk(msg)
}

// handleBlock1Chunk writes one inbound BLOCK1 chunk (or a non-block
// payload) and either answers CONTINUE (more expected) or proceeds to
// produce the final response.
func (e *Engine) handleBlock1Chunk(msg *coap.Message) State {
	if len(msg.Payload) > 0 || msg.Block.Direction == coap.Block1 {
		last := !msg.Block.More
		writeResult := e.handlers.WritePayload(msg.Payload, last)
		if code, isErr := writeResult.AsCode(); isErr {
			e.finishServerResponse(&coap.Message{Op: coap.OpResponse, Code: code, Token: msg.Token, ID: msg.ID}, code)
			return e.state
		}
		if msg.Block.Direction == coap.Block1 && msg.Block.More {
			resp := &coap.Message{
				Op: coap.OpResponse, Code: coap.CodeContinue2_31,
				Token: msg.Token, ID: msg.ID,
				Block: coap.BlockOption{Direction: coap.Block1, Number: msg.Block.Number, Size: e.blockSize},
			}
			e.awaitingMoreBlock1 = true
			e.base = cloneMessage(resp)
			e.state = StateMsgToSend
			return e.state
		}
	}

	return e.produceServerResponse(msg)
}

// produceServerResponse calls read_payload for the outbound side of a
// server-initiated request (READ, discover, or the final block of a
// WRITE/CREATE) and builds the response, including Block2/BLOCK_BOTH
// continuation and the observe-establishing INF_INITIAL_NOTIFY response
// operation and create-path Location-Path echo.
func (e *Engine) produceServerResponse(req *coap.Message) State {
	e.awaitingMoreBlock1 = false
	buf := make([]byte, e.blockSize)
	var out coap.ReadOut
	out.Format = req.Accept
	result := e.handlers.ReadPayload(buf, &out)

	if code, isErr := result.AsCode(); isErr {
		e.finishServerResponse(&coap.Message{Op: coap.OpResponse, Code: code, Token: req.Token, ID: req.ID}, code)
		return e.state
	}

	resp := &coap.Message{
		Op:            coap.OpResponse,
		Code:          responseCodeFor(req.Op),
		Token:         req.Token,
		ID:            req.ID,
		Payload:       buf[:out.PayloadLen],
		ContentFormat: out.Format,
	}

	if req.Op == coap.OpObserve || req.Op == coap.OpObserveComposite {
		resp.Op = coap.OpInitialNotify
		resp.ObserveSet = true
	}

	if out.WithCreatePath {
		resp.LocationPath = []string{fmtUint(out.CreatedOID), fmtUint(out.CreatedIID)}
	}

	more := result == coap.BlockTransferNeeded
	if req.Block.Direction == coap.Block1 {
		resp.Block = coap.BlockOption{Direction: coap.BlockBoth, Number: 0, Size: e.blockSize, More: more}
	} else if req.Block.Direction == coap.Block2 || more {
		resp.Block = coap.BlockOption{Direction: coap.Block2, Number: req.Block.Number, Size: e.blockSize, More: more}
	}

	e.base = cloneMessage(resp)
	if more {
		e.state = StateMsgToSend
	} else {
		e.finishServerResponse(resp, resp.Code)
	}
	return e.state
}

func responseCodeFor(op coap.Operation) coap.Code {
	switch op {
	case coap.OpDMCreate:
		return coap.CodeCreated2_01
	case coap.OpDMDelete:
		return coap.CodeDeleted2_02
	case coap.OpDMExecute, coap.OpDMWriteReplace, coap.OpDMWritePartial, coap.OpDMWriteComposite:
		return coap.CodeChanged2_04
	default:
		return coap.CodeContent2_05
	}
}

func fmtUint(v uint16) string {
	if v == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// finishServerResponse queues resp as the final response of a
// server-initiated exchange: the engine stays in MSG_TO_SEND until the
// host reports EventSendConfirmation, and Process then moves it to
// FINISHED.
func (e *Engine) finishServerResponse(resp *coap.Message, _ coap.Code) {
	e.base = cloneMessage(resp)
	e.state = StateMsgToSend
}

// handleDuplicateServerRequest answers a retransmitted server request
// with the cached response verbatim without touching the data-model
// path, per spec's retransmission-detection and idempotent-
// retransmission testable property.
func (e *Engine) handleDuplicateServerRequest(msg *coap.Message) (*coap.Message, bool) {
	if e.base == nil {
		return nil, false
	}
	if e.base.ID == msg.ID && e.base.Token.Equal(msg.Token) {
		return e.base, true
	}
	return nil, false
}

// processServerNewMsg handles a new inbound message while a
// server-initiated exchange is WAITING_MSG: dedup by (message_id,
// token), block number monotonicity, and block continuation.
func (e *Engine) processServerNewMsg(msg *coap.Message) State {
	if resp, dup := e.handleDuplicateServerRequest(msg); dup {
		e.base = cloneMessage(resp)
		e.state = StateMsgToSend
		return e.state
	}
	if e.awaitingMoreBlock1 && msg.Block.Direction == coap.Block1 {
		next := e.blockCounter + 1
		if msg.Block.Number != next {
			// block number mismatch: drop, keep waiting for the expected
			// one (original_source's handle_server_request).
			return e.state
		}
		e.blockCounter = next
		e.base = cloneMessage(msg)
		return e.handleBlock1Chunk(msg)
	}
	e.base = cloneMessage(msg)
	if msg.Block.Direction == coap.Block2 {
		return e.produceServerResponse(msg)
	}
	e.serverExchangeTimeoutMs = e.clock.NowMs() + DefaultServerExchangeTimeoutMs
	return e.state
}

// processServerTimeout handles the server_exchange_timeout deadline:
// the engine gives up waiting for the next expected block.
func (e *Engine) processServerTimeout() State {
	e.finish(nil, coap.ResultErrorTimeout)
	return e.state
}
