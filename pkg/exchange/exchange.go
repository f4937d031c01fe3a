// Package exchange implements the single-in-flight CoAP request/response
// engine (spec §4.1): RFC 7252 retransmission, RFC 7959 block-wise
// transfer in both directions, separate responses, and dedup of
// retransmitted server requests. Exactly one Engine exists per server
// connection; at most one exchange is ever in flight on it.
//
// Grounded on pkg/sdo/client.go's exchange loop (retry counters driving
// a Process-style state advance) and on original_source's exchange.c
// state names, with the retransmission backoff shaped like
// pdo_tpdo.go's inhibit/event timer countdown-and-clamp pattern.
package exchange

import (
	"fmt"
	"log/slog"

	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
)

// State is the exchange FSM state (spec §3).
type State uint8

const (
	StateFinished State = iota
	StateMsgToSend
	StateWaitingSendConfirmation
	StateWaitingMsg
)

func (s State) String() string {
	switch s {
	case StateFinished:
		return "FINISHED"
	case StateMsgToSend:
		return "MSG_TO_SEND"
	case StateWaitingSendConfirmation:
		return "WAITING_SEND_CONFIRMATION"
	case StateWaitingMsg:
		return "WAITING_MSG"
	default:
		return "UNKNOWN"
	}
}

// Direction distinguishes a client-initiated exchange (we sent the
// request) from a server-initiated one (the peer sent us a request).
type Direction uint8

const (
	DirectionClient Direction = iota
	DirectionServer
)

// Event drives Process: a message arrived, a send completed, or the
// caller is merely polling for timeouts.
type Event uint8

const (
	EventNone Event = iota
	EventNewMsg
	EventSendConfirmation
)

// TxParams are the per-connection UDP retransmission parameters (spec
// §3/§6).
type TxParams struct {
	AckTimeoutMs    int64
	AckRandomFactor float64
	MaxRetransmit   int
}

// DefaultTxParams mirrors spec §6's documented defaults.
func DefaultTxParams() TxParams {
	return TxParams{AckTimeoutMs: 2000, AckRandomFactor: 1.5, MaxRetransmit: 4}
}

// ProcessingDelayMs is the host-level send-ACK deadline (spec §4.1).
const ProcessingDelayMs int64 = 2000

// DefaultServerExchangeTimeoutMs is the server-request idle deadline
// default (spec §4.1).
const DefaultServerExchangeTimeoutMs int64 = 50000

// Engine owns a single request/response transaction at a time.
type Engine struct {
	clock  clock.Source
	logger *slog.Logger

	state     State
	direction Direction

	confirmable bool
	retry       int

	// blockCounter is the last BLOCK1 chunk number accepted on a
	// server-initiated request; processServerNewMsg requires the next
	// chunk to equal blockCounter+1 and drops anything else.
	blockCounter uint32
	blockSize    uint16

	// base is the cached message: for a client request it is the
	// retransmit buffer; for a server request it is the cached
	// response used to answer duplicate (message_id, token) pairs
	// verbatim.
	base *coap.Message

	handlers coap.Handlers

	tx TxParams

	serverExchangeTimeoutMs int64

	sendAckDeadlineMs int64
	retryDeadlineMs   int64

	separateResponse bool
	lastResult       coap.Result

	// awaitingMoreBlock1 is true only while the engine has just sent a
	// 2.31 Continue for an in-progress BLOCK1 upload and still expects
	// the next request block; produceServerResponse clears it once a
	// final response is built.
	awaitingMoreBlock1 bool

	// lastServerResponse survives past FINISHED so a retransmitted
	// server request (same message_id+token) arriving after the
	// original exchange already completed still gets the cached
	// response verbatim instead of re-running the data-model path
	// (spec's retransmission-detection / idempotent-retransmission
	// property).
	lastServerResponse *coap.Message

	// abortInProgress is not read or written anywhere; Terminate is safe
	// to call from inside a completion handler because finish sets
	// StateFinished before invoking Completion, so the nested call
	// returns early.
	abortInProgress bool

	// diverted is a one-off response queued on top of whatever exchange
	// is currently in flight (a 5.03 answer to a stray mismatched-token
	// request); PendingMessage reports it ahead of base and Process
	// clears it on send confirmation without advancing state, leaving
	// the real exchange's base/retry/deadlines untouched.
	diverted *coap.Message
}

// New creates an Engine in FINISHED state, ready for its first exchange.
func New(src clock.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		clock:  src,
		logger: logger,
		state:  StateFinished,
		tx:     DefaultTxParams(),
	}
}

// GetState returns the current FSM state.
func (e *Engine) GetState() State { return e.state }

// Ongoing reports whether an exchange is currently in flight.
func (e *Engine) Ongoing() bool { return e.state != StateFinished }

// LastResult returns the result code of the most recently finished
// exchange, for a host that needs it after the fact (e.g. to complete a
// send-queue report once its exchange reaches FINISHED).
func (e *Engine) LastResult() coap.Result { return e.lastResult }

// PendingMessage returns the message the host should encode and
// transmit while the engine is in StateMsgToSend, or nil otherwise. The
// host calls Process(EventSendConfirmation, nil) once the bytes are on
// the wire.
func (e *Engine) PendingMessage() *coap.Message {
	if e.diverted != nil {
		return e.diverted
	}
	if e.state != StateMsgToSend {
		return nil
	}
	return e.base
}

// SetUDPTxParams validates and installs new retransmission parameters.
func (e *Engine) SetUDPTxParams(p TxParams) error {
	if p.AckRandomFactor < 1.0 {
		return fmt.Errorf("exchange: ack_random_factor must be >= 1.0, got %v", p.AckRandomFactor)
	}
	if p.AckTimeoutMs < 1000 {
		return fmt.Errorf("exchange: ack_timeout_ms must be >= 1000, got %d", p.AckTimeoutMs)
	}
	e.tx = p
	return nil
}

// Terminate finalises the exchange with ERROR_TERMINATED, invoking
// completion exactly once.
func (e *Engine) Terminate() State {
	if e.state == StateFinished {
		return e.state
	}
	e.finish(nil, coap.ResultErrorTerminated)
	return e.state
}

// finish transitions to FINISHED, invokes completion once, and clears
// all block/buffer state (spec §4.1 failure model).
func (e *Engine) finish(response *coap.Message, result coap.Result) {
	handlers := e.handlers
	if e.direction == DirectionServer && response != nil {
		e.lastServerResponse = cloneMessage(response)
	}
	e.state = StateFinished
	e.base = nil
	e.handlers = nil
	e.blockCounter = 0
	e.blockSize = 0
	e.awaitingMoreBlock1 = false
	e.separateResponse = false
	e.diverted = nil
	e.lastResult = result
	if handlers != nil {
		handlers.Completion(response, result)
	}
}

// initialTimeoutMs computes ack_timeout_ms * U(1, ack_random_factor) using
// the engine's seeded jitter source (spec §4.1).
func (e *Engine) initialTimeoutMs() int64 {
	span := e.tx.AckRandomFactor - 1.0
	factor := 1.0 + e.clock.Jitter()*span
	return int64(float64(e.tx.AckTimeoutMs) * factor)
}

// retryDelayMs computes 2^k * initial_timeout for retry k (spec §4.1).
func retryDelayMs(initial int64, retry int) int64 {
	return initial << uint(retry)
}

// NextDeadlineMs returns the soonest of this exchange's pending
// deadlines, or clock.NoDeadline if none is pending.
func (e *Engine) NextDeadlineMs() int64 {
	next := clock.NoDeadline
	if e.state == StateWaitingMsg {
		next = clock.NextDeadline(next, e.retryDeadlineMs)
		if e.direction == DirectionServer {
			next = clock.NextDeadline(next, e.serverExchangeTimeoutMs)
		}
	}
	if e.state == StateMsgToSend || e.state == StateWaitingSendConfirmation {
		next = clock.NextDeadline(next, e.sendAckDeadlineMs)
	}
	return next
}
