package exchange

import (
	"testing"

	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedHandlers struct {
	payload      []byte
	readCalls    int
	writeCalls   int
	writtenBytes []byte
	completed    bool
	lastResult   coap.Result
	lastResponse *coap.Message
}

func (h *scriptedHandlers) ReadPayload(buf []byte, out *coap.ReadOut) coap.PayloadResult {
	h.readCalls++
	n := copy(buf, h.payload)
	out.PayloadLen = n
	out.Format = coap.FormatLinkFormat
	return coap.PayloadDone
}

func (h *scriptedHandlers) WritePayload(buf []byte, lastBlock bool) coap.PayloadResult {
	h.writeCalls++
	h.writtenBytes = append(h.writtenBytes, buf...)
	return coap.PayloadDone
}

func (h *scriptedHandlers) Completion(resp *coap.Message, result coap.Result) {
	h.completed = true
	h.lastResult = result
	h.lastResponse = resp
}

func TestRegisterRoundTrip(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("</1>;ver=1.2,</1/0>,</3>;ver=1.0,</3/0>")}

	msg := &coap.Message{Op: coap.OpRegister, Path: "/rd", Confirmable: true, ContentFormat: coap.FormatLinkFormat}
	state := eng.NewClientRequest(msg, h, 512)
	require.Equal(t, StateMsgToSend, state)
	assert.NotEmpty(t, msg.Token)

	state = eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateWaitingMsg, state)
	assert.True(t, eng.Ongoing())

	resp := &coap.Message{Op: coap.OpResponse, Code: coap.CodeCreated2_01, Token: msg.Token, ID: msg.ID,
		LocationPath: []string{"dd", "eee"}}
	state = eng.Process(EventNewMsg, resp)
	assert.Equal(t, StateFinished, state)
	assert.True(t, h.completed)
	assert.Equal(t, coap.ResultOK, h.lastResult)
	assert.Equal(t, []string{"dd", "eee"}, h.lastResponse.LocationPath)
}

func TestClientRetransmitsOnTimeoutThenGivesUp(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	require.NoError(t, eng.SetUDPTxParams(TxParams{AckTimeoutMs: 1000, AckRandomFactor: 1.0, MaxRetransmit: 2}))
	h := &scriptedHandlers{payload: []byte("x")}

	msg := &coap.Message{Op: coap.OpUpdate, Confirmable: true}
	eng.NewClientRequest(msg, h, 64)
	eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateWaitingMsg, eng.GetState())

	mc.Advance(1001)
	state := eng.Process(EventNone, nil)
	assert.Equal(t, StateWaitingSendConfirmation, state, "first timeout should schedule a retry, not finish")

	state = eng.Process(EventSendConfirmation, nil)
	assert.Equal(t, StateWaitingMsg, state)

	mc.Advance(2001)
	state = eng.Process(EventNone, nil)
	assert.Equal(t, StateWaitingSendConfirmation, state, "second retry of max_retransmit=2")

	eng.Process(EventSendConfirmation, nil)
	mc.Advance(4001)
	state = eng.Process(EventNone, nil)
	assert.Equal(t, StateFinished, state, "exhausting max_retransmit should finish with ERROR_TIMEOUT")
	assert.Equal(t, coap.ResultErrorTimeout, h.lastResult)
}

func TestNonConfirmableFinishesOnSend(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("report")}
	msg := &coap.Message{Op: coap.OpNonConSend, Confirmable: false}
	eng.NewClientRequest(msg, h, 64)
	state := eng.Process(EventSendConfirmation, nil)
	assert.Equal(t, StateFinished, state)
	assert.True(t, h.completed)
}

func TestServerRequestDuplicateGetsCachedResponse(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("2.05 content")}

	req := &coap.Message{Op: coap.OpDMRead, ID: 0x1111, Token: coap.Token{0x01}}
	state := eng.NewServerRequest(0, req, h, 64)
	require.Equal(t, StateMsgToSend, state)
	firstPayload := append([]byte(nil), eng.base.Payload...)
	state = eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateFinished, state)
	assert.Equal(t, 1, h.readCalls)

	req2 := &coap.Message{Op: coap.OpDMRead, ID: 0x1111, Token: coap.Token{0x01}}
	state = eng.NewServerRequest(0, req2, h, 64)
	require.Equal(t, StateMsgToSend, state)
	assert.Equal(t, 1, h.readCalls, "duplicate (message_id,token) must not re-invoke read_payload")
	assert.Equal(t, firstPayload, eng.base.Payload)
}

func TestServerRequestBlock1ThenFinalBlockProducesResponse(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("ok")}

	block0 := &coap.Message{
		Op: coap.OpDMWriteReplace, ID: 1, Token: coap.Token{0xAA},
		Payload: []byte("first-half"),
		Block:   coap.BlockOption{Direction: coap.Block1, Number: 0, More: true},
	}
	state := eng.NewServerRequest(0, block0, h, 32)
	require.Equal(t, StateMsgToSend, state)
	assert.Equal(t, coap.CodeContinue2_31, eng.base.Code)
	state = eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateWaitingMsg, state, "engine should wait for the next request block, not finish")

	block1 := &coap.Message{
		Op: coap.OpDMWriteReplace, ID: 2, Token: coap.Token{0xAA},
		Payload: []byte("second-half"),
		Block:   coap.BlockOption{Direction: coap.Block1, Number: 1, More: false},
	}
	state = eng.Process(EventNewMsg, block1)
	require.Equal(t, StateMsgToSend, state)
	assert.Equal(t, "first-halfsecond-half", string(h.writtenBytes))

	state = eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateFinished, state)
	assert.Equal(t, coap.CodeChanged2_04, h.lastResponse.Code)
}

func TestPingGetsUnconditionalReset(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{}
	ping := &coap.Message{Op: coap.OpPingUDP, ID: 7, Token: nil}
	state := eng.NewServerRequest(0, ping, h, 32)
	require.Equal(t, StateMsgToSend, state)
	assert.Equal(t, coap.OpReset, eng.base.Op)
	assert.Equal(t, 0, h.readCalls)
	assert.Equal(t, 0, h.writeCalls)
}

func TestServerRequestBlock1NumberMismatchDropped(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("ok")}

	block0 := &coap.Message{
		Op: coap.OpDMWriteReplace, ID: 1, Token: coap.Token{0xAA},
		Payload: []byte("first-half"),
		Block:   coap.BlockOption{Direction: coap.Block1, Number: 0, More: true},
	}
	eng.NewServerRequest(0, block0, h, 32)
	eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateWaitingMsg, eng.GetState())

	skippedBlock := &coap.Message{
		Op: coap.OpDMWriteReplace, ID: 3, Token: coap.Token{0xAA},
		Payload: []byte("out-of-order"),
		Block:   coap.BlockOption{Direction: coap.Block1, Number: 2, More: false},
	}
	state := eng.Process(EventNewMsg, skippedBlock)
	assert.Equal(t, StateWaitingMsg, state, "non-sequential block number must be dropped, not accepted")
	assert.Equal(t, "first-half", string(h.writtenBytes), "skipped block must never reach write_payload")
}

// processClientResponse's mismatched-token handling is exercised through
// Process so the client-initiated path (retry counters, base) is covered
// end to end, same as the other client tests in this file.
func TestClientResponseMismatchedTokenRequestGetsServiceUnavailableWithoutDisturbingExchange(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("x")}

	msg := &coap.Message{Op: coap.OpUpdate, Confirmable: true}
	eng.NewClientRequest(msg, h, 64)
	eng.Process(EventSendConfirmation, nil)
	require.Equal(t, StateWaitingMsg, eng.GetState())
	ourToken := append(coap.Token(nil), eng.base.Token...)

	stray := &coap.Message{Op: coap.OpDMRead, Code: coap.NewCode(0, 1), Token: coap.Token{0xFF}, ID: 99}
	state := eng.Process(EventNewMsg, stray)
	assert.Equal(t, StateWaitingMsg, state, "a stray request must not disturb the real exchange's state")
	assert.False(t, h.completed, "the real exchange must not finish because of a stray message")

	pending := eng.PendingMessage()
	require.NotNil(t, pending, "a service-unavailable response must be queued for the stray request")
	assert.Equal(t, coap.CodeServiceUnavailable5_03, pending.Code)
	assert.Equal(t, coap.Token{0xFF}, pending.Token)

	state = eng.Process(EventSendConfirmation, nil)
	assert.Equal(t, StateWaitingMsg, state, "after the diverted response is sent, the real exchange keeps waiting")
	assert.Nil(t, eng.PendingMessage())
	assert.Equal(t, ourToken, eng.base.Token, "the real exchange's base message must be untouched")

	resp := &coap.Message{Op: coap.OpResponse, Code: coap.CodeChanged2_04, Token: ourToken, ID: msg.ID}
	state = eng.Process(EventNewMsg, resp)
	assert.Equal(t, StateFinished, state)
	assert.True(t, h.completed)
	assert.Equal(t, coap.ResultOK, h.lastResult)
}

func TestClientResponseMismatchedTokenResponseDropped(t *testing.T) {
	mc := clock.NewManual(0)
	eng := New(mc, nil)
	h := &scriptedHandlers{payload: []byte("x")}

	msg := &coap.Message{Op: coap.OpUpdate, Confirmable: true}
	eng.NewClientRequest(msg, h, 64)
	eng.Process(EventSendConfirmation, nil)

	stray := &coap.Message{Op: coap.OpResponse, Code: coap.CodeContent2_05, Token: coap.Token{0xFF}, ID: 123}
	state := eng.Process(EventNewMsg, stray)
	assert.Equal(t, StateWaitingMsg, state)
	assert.Nil(t, eng.PendingMessage(), "a mismatched-token response belongs to no exchange of ours and is silently dropped")
	assert.False(t, h.completed)
}
