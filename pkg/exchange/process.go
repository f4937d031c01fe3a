package exchange

import "github.com/samsamfire/lwm2mclient/pkg/coap"

// Process is the driver: called whenever a message arrives, a send
// completes, or the caller wants to check timeouts (spec §4.1).
// msgInOut carries the incoming message for EventNewMsg and is ignored
// otherwise.
func (e *Engine) Process(event Event, msgInOut *coap.Message) State {
	if e.diverted != nil {
		if event == EventSendConfirmation {
			e.diverted = nil
		}
		return e.state
	}

	switch e.state {
	case StateFinished:
		return e.state

	case StateMsgToSend:
		if event == EventSendConfirmation {
			if e.direction == DirectionClient {
				return e.processClientSend()
			}
			return e.processServerSend()
		}
		return e.state

	case StateWaitingSendConfirmation:
		// A retry's resend has completed; re-arm the timeout and go
		// back to waiting, same as the initial send.
		if event == EventSendConfirmation {
			now := e.clock.NowMs()
			e.sendAckDeadlineMs = now + ProcessingDelayMs
			e.state = StateWaitingMsg
			return e.state
		}
		return e.checkTimeout()

	case StateWaitingMsg:
		if event == EventNewMsg && msgInOut != nil {
			if e.direction == DirectionClient {
				return e.processClientResponse(msgInOut)
			}
			return e.processServerNewMsg(msgInOut)
		}
		return e.checkTimeout()
	}
	return e.state
}

// checkTimeout compares the engine's deadlines to now and advances the
// FSM accordingly; called whenever Process is invoked with EventNone
// (a bare timeout poll).
func (e *Engine) checkTimeout() State {
	now := e.clock.NowMs()

	if e.sendAckDeadlineMs != 0 && now >= e.sendAckDeadlineMs &&
		(e.state == StateMsgToSend || e.state == StateWaitingSendConfirmation) {
		e.finish(nil, coap.ResultErrorTimeout)
		return e.state
	}

	if e.state != StateWaitingMsg {
		return e.state
	}

	if e.direction == DirectionServer {
		if now >= e.serverExchangeTimeoutMs {
			return e.processServerTimeout()
		}
		return e.state
	}

	if now >= e.retryDeadlineMs {
		return e.processClientTimeout()
	}
	return e.state
}

// processServerSend handles EventSendConfirmation for a server-initiated
// exchange: a response with no further expected blocks finishes
// immediately; otherwise the engine waits for the next request block.
func (e *Engine) processServerSend() State {
	if e.awaitingMoreBlock1 || (e.base.Block.Direction == coap.Block2 && e.base.Block.More) {
		e.serverExchangeTimeoutMs = e.clock.NowMs() + DefaultServerExchangeTimeoutMs
		e.state = StateWaitingMsg
		return e.state
	}
	resp := e.base
	e.finish(resp, coap.ResultOK)
	return e.state
}
