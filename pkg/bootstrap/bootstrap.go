// Package bootstrap drives the BOOTSTRAP-REQUEST/BOOTSTRAP-FINISH
// sequence (spec §4.3): it sends the request, accepts Bootstrap-Read/
// Write/Discover/Delete server requests through the data-model facade,
// refreshes a finish-timeout deadline on each, and validates the result
// when the server signals FINISH.
//
// Grounded on the exchange engine's client-request contract for request/
// response handling and on original_source's
// src/anj/core/bootstrap.c for the finish-timeout refresh-on-every-
// operation pattern and the retry back-off formula (SPEC_FULL §C.3's
// "last known good" retention is this package's one supplemented
// addition beyond the distilled spec).
package bootstrap

import (
	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
)

// ErrorCode enumerates the bootstrap context's error field (spec §3).
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorInProgress
	ErrorDataModelValidation
	ErrorExchangeError
	ErrorNetwork
	ErrorTimeout
)

// DefaultFinishTimeoutMs is the spec-documented bootstrap_timeout default
// (247 s).
const DefaultFinishTimeoutMs int64 = 247_000

// DefaultRetryTimeoutS and DefaultRetryCount bound the back-off policy
// (spec §4.3): bootstrap_retry_timeout * 2^(attempt-1), up to
// bootstrap_retry_count attempts.
const (
	DefaultRetryTimeoutS int64 = 60
	DefaultRetryCount    int  = 5
)

// Context is one bootstrap attempt's state (spec §3's "Bootstrap
// context").
type Context struct {
	clock clock.Source
	model dm.Model

	InProgress     bool
	Endpoint       string
	finishHandled  bool
	Error          ErrorCode
	finishDeadline int64

	retryAttempt       int
	retryTimeoutS      int64
	retryCount         int
	nextRetryDeadline  int64

	// lastGood retains the most recent Server/Security instance pair this
	// client successfully bootstrapped with, so a subsequent bootstrap
	// failure can fall back to still-valid credentials rather than
	// leaving the client with nothing (SPEC_FULL §C.3, grounded on
	// original_source's bootstrap.c retained-entry behavior).
	lastGoodSSID uint16
	haveLastGood bool
}

// New creates a bootstrap Context using the documented retry defaults.
func New(src clock.Source, model dm.Model) *Context {
	return &Context{
		clock:         src,
		model:         model,
		retryTimeoutS: DefaultRetryTimeoutS,
		retryCount:    DefaultRetryCount,
	}
}

// Start sends BOOTSTRAP-REQUEST with the endpoint name as its ep= query.
// preferredFormat is set as the message's ContentFormat; no pct= query
// is added.
func (c *Context) Start(eng *exchange.Engine, endpoint string, preferredFormat coap.ContentFormat, bufLen int) {
	c.InProgress = true
	c.Endpoint = endpoint
	c.finishHandled = false
	c.Error = ErrorNone
	c.finishDeadline = c.clock.NowMs() + DefaultFinishTimeoutMs

	h := &requestHandlers{ctx: c}
	msg := &coap.Message{
		Op:            coap.OpBootstrapRequest,
		Path:          "/bs",
		Confirmable:   true,
		ContentFormat: preferredFormat,
		Register:      &coap.RegisterAttr{Endpoint: endpoint},
	}
	eng.NewClientRequest(msg, h, bufLen)
}

type requestHandlers struct {
	ctx *Context
}

func (h *requestHandlers) ReadPayload(buf []byte, out *coap.ReadOut) coap.PayloadResult {
	out.PayloadLen = 0
	return coap.PayloadDone
}

func (h *requestHandlers) WritePayload([]byte, bool) coap.PayloadResult { return coap.PayloadDone }

func (h *requestHandlers) Completion(resp *coap.Message, result coap.Result) {
	if result != coap.ResultOK {
		h.ctx.Error = ErrorExchangeError
		h.ctx.InProgress = false
	}
}

// refreshTimeout extends the finish-timeout deadline, called on every
// successful Bootstrap-Read/Write/Discover/Delete server request (spec
// §4.3).
func (c *Context) refreshTimeout() {
	c.finishDeadline = c.clock.NowMs() + DefaultFinishTimeoutMs
}

// HandleServerRequest dispatches one inbound bootstrap server request
// (read/write/discover/delete) through the data-model facade and
// refreshes the finish timeout on success.
func (c *Context) HandleServerRequest(op dm.Operation, ssid uint16, uri string) dm.Result {
	res := c.model.OperationBegin(op, ssid, uri)
	if res == dm.ResultOK {
		c.refreshTimeout()
	}
	return res
}

// Finish handles BOOTSTRAP-FINISH: validates the data model and, on
// success, retains the just-validated server as "last known good."
func (c *Context) Finish(ssid uint16) (coap.Code, error) {
	if c.finishHandled {
		return coap.CodeBadRequest4_00, nil
	}
	c.finishHandled = true

	res := c.model.BootstrapValidate()
	if res != dm.ResultOK {
		c.Error = ErrorDataModelValidation
		c.InProgress = false
		return coap.CodeNotAcceptable4_06, res
	}

	c.lastGoodSSID = ssid
	c.haveLastGood = true
	c.InProgress = false
	c.Error = ErrorNone
	return coap.CodeChanged2_04, nil
}

// LastGoodSSID returns the most recently validated bootstrap server's
// ssid, for use as a fallback when a later bootstrap attempt fails
// before reaching FINISH (SPEC_FULL §C.3).
func (c *Context) LastGoodSSID() (uint16, bool) {
	return c.lastGoodSSID, c.haveLastGood
}

// CheckTimeout reports whether the bootstrap-finish deadline has
// elapsed, finalising the context with ErrorTimeout if so.
func (c *Context) CheckTimeout() bool {
	if !c.InProgress {
		return false
	}
	if c.clock.NowMs() < c.finishDeadline {
		return false
	}
	c.Error = ErrorTimeout
	c.InProgress = false
	return true
}

// OnNetworkLoss reports ERROR_NETWORK on the next process tick (spec
// §4.3: "Network loss during a bootstrap sequence causes the next
// process tick to report ERROR_NETWORK").
func (c *Context) OnNetworkLoss() {
	c.Error = ErrorNetwork
	c.InProgress = false
}

// NextRetryDeadline schedules the next retry attempt after a transport
// failure, using bootstrap_retry_timeout * 2^(attempt-1) back-off, up to
// bootstrap_retry_count attempts. Returns false once the retry budget is
// exhausted.
func (c *Context) NextRetryDeadline() (deadlineMs int64, ok bool) {
	if c.retryAttempt >= c.retryCount {
		return 0, false
	}
	c.retryAttempt++
	delayS := c.retryTimeoutS
	for i := 1; i < c.retryAttempt; i++ {
		delayS *= 2
	}
	c.nextRetryDeadline = c.clock.NowMs() + delayS*1000
	return c.nextRetryDeadline, true
}

// ResetRetries clears the retry-attempt counter, called when a fresh
// bootstrap sequence starts successfully.
func (c *Context) ResetRetries() {
	c.retryAttempt = 0
}
