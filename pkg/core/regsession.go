// Register-session sub-FSM (spec §4.5): once REGISTERED, this file's
// regState tracks IDLE/EXCHANGE/QUEUE_MODE/ENTERING_QUEUE_MODE/
// EXITING_QUEUE_MODE and the six ordered IDLE priority checks.
// Grounded on pkg/nmt/nmt.go's sub-state-inside-a-state shape (NMT's
// boot-up sequence nested under PRE_OPERATIONAL).
package core

import (
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
	"github.com/samsamfire/lwm2mclient/pkg/observe"
	"github.com/samsamfire/lwm2mclient/pkg/register"
)

// idleSub is the register-session sub-state (spec §4.5).
type idleSub uint8

const (
	subIdle idleSub = iota
	subExchange
	subEnteringQueueMode
	subQueueMode
	subExitingQueueMode
	// subDeregistering sends DEREGISTER before honoring a forced
	// transition out of REGISTERED (spec §4.2: "honor De-register
	// before forcing out of REGISTERED").
	subDeregistering
)

// exchangeKind distinguishes which exchange the EXCHANGE sub-state is
// currently driving, so its completion can route back to the right
// follow-up action.
type exchangeKind uint8

const (
	exchangeNone exchangeKind = iota
	exchangeUpdate
	exchangeSend
	exchangeNotify
	// exchangeServer marks an exchange the host started directly on the
	// engine (a server-initiated read/write/execute/observe request);
	// stepIdle only needs to wait for it to finish.
	exchangeServer
)

// regState holds the register-session sub-FSM's live state.
type regState struct {
	sub idleSub

	nextUpdateTimeMs int64
	queueEnterAtMs   int64

	exchangeKind  exchangeKind
	pendingNotify *observe.Notification
}

// maxTransmitWaitMs computes MAX_TRANSMIT_WAIT = ack_timeout *
// ((2^(max_retransmit+1))-1) * ack_random_factor (spec §4.5), the worst
// case an UPDATE's retransmission sequence can take.
func maxTransmitWaitMs(tx exchange.TxParams) int64 {
	span := float64(int64(1)<<uint(tx.MaxRetransmit+1) - 1)
	return int64(float64(tx.AckTimeoutMs) * span * tx.AckRandomFactor)
}

// computeNextUpdateTime implements spec §4.5's
// next_update_time = now + max(lifetime - MAX_TRANSMIT_WAIT, lifetime/2).
func computeNextUpdateTime(nowMs int64, lifetimeS uint32, tx exchange.TxParams) int64 {
	lifetimeMs := int64(lifetimeS) * 1000
	wait := maxTransmitWaitMs(tx)
	a := lifetimeMs - wait
	b := lifetimeMs / 2
	d := a
	if b > d {
		d = b
	}
	return nowMs + d
}

// CanSend implements send.RegisteredChecker: reports may only be
// enqueued while REGISTERED and not muted.
func (c *Core) CanSend() bool {
	return c.status == StatusRegistered && !c.muteSend
}

// stepRegistered drives the post-registration sub-FSM.
func (c *Core) stepRegistered(now int64) {
	if c.regSession.sub == subDeregistering || (c.anyForced() && c.status == StatusRegistered) {
		c.stepDeregistering()
		return
	}

	if c.regSession.nextUpdateTimeMs == 0 {
		c.regSession.nextUpdateTimeMs = computeNextUpdateTime(now, c.reg.Lifetime, c.txParams)
	}

	switch c.regSession.sub {
	case subExchange:
		c.stepExchange(now)
		return
	case subEnteringQueueMode:
		_ = c.deps.Transport.Disconnect()
		c.regSession.sub = subQueueMode
		c.status = StatusQueueMode
		return
	case subQueueMode:
		if c.hasQueueWakeReason() {
			_ = c.deps.Transport.ReuseLastPort()
			c.regSession.sub = subExitingQueueMode
			c.status = StatusEnteringQueueMode
		}
		return
	case subExitingQueueMode:
		c.regSession.sub = subIdle
		c.status = StatusRegistered
		return
	}

	c.stepIdle(now)
}

// stepIdle runs the six ordered priority checks (spec §4.5): forced
// transition, poll transport for server-initiated requests, a
// registration-update trigger, the send queue's head, a ready
// notification, then (in queue mode) the inactivity timer.
func (c *Core) stepIdle(now int64) {
	// 1. forced transition — handled by Core.Step before reaching here.

	// 2. poll transport for an inbound server request: handled by the
	// host feeding received datagrams into c.eng directly (pkg/client's
	// driving loop), which this sub-FSM observes via c.eng.Ongoing().
	if c.eng.Ongoing() {
		c.regSession.sub = subExchange
		c.regSession.exchangeKind = exchangeServer
		return
	}

	// 3. registration-update trigger: explicit request, or
	// next_update_time elapsed.
	if c.reg.NeedsUpdate() || now >= c.regSession.nextUpdateTimeMs {
		payload, _ := register.BuildLinkFormatPayload(c.deps.Model, c.ssid)
		_ = c.reg.Update(c.eng, payload, c.bufLen)
		c.regSession.sub = subExchange
		c.regSession.exchangeKind = exchangeUpdate
		return
	}

	// 4. send-queue head.
	if c.deps.SendQueue != nil {
		if _, ok := c.deps.SendQueue.Head(); ok {
			if c.beginSend() {
				c.regSession.sub = subExchange
				c.regSession.exchangeKind = exchangeSend
				return
			}
		}
	}

	// 5. a notification is ready to fire.
	if c.deps.Observe != nil {
		if n, _ := c.deps.Observe.Process(c.ssid, now, 0, c.defaultNotificationCon); n != nil {
			c.beginNotify(n)
			c.regSession.sub = subExchange
			c.regSession.exchangeKind = exchangeNotify
			return
		}
	}

	// 6. queue-mode inactivity timer.
	if c.queueModeEnabled && now >= c.regSession.queueEnterAtMs {
		c.regSession.sub = subEnteringQueueMode
	}
}

// stepDeregistering sends DEREGISTER (once) and, once it completes,
// drops status out of REGISTERED so Step's top-level forced-transition
// check resolves the pending flag on the next tick.
func (c *Core) stepDeregistering() {
	if c.regSession.sub != subDeregistering {
		_ = c.reg.Deregister(c.eng, c.bufLen)
		c.regSession.sub = subDeregistering
		return
	}
	if c.eng.Ongoing() {
		return
	}
	c.status = StatusInitial
	c.reg = nil
	c.regSession = regState{}
}

// stepExchange waits for the in-flight exchange started by stepIdle to
// reach FINISHED, then routes its result.
func (c *Core) stepExchange(now int64) {
	if c.eng.Ongoing() {
		return
	}
	switch c.regSession.exchangeKind {
	case exchangeUpdate:
		if c.reg.State() == register.StateError {
			c.status = StatusRegistering
			c.reg = nil
			c.regSession = regState{}
			return
		}
		c.regSession.nextUpdateTimeMs = 0
	case exchangeSend:
		if c.deps.SendQueue != nil {
			c.deps.SendQueue.Complete(c.eng.LastResult())
		}
	case exchangeNotify:
		if c.deps.Observe != nil && c.regSession.pendingNotify != nil {
			c.deps.Observe.Commit(c.regSession.pendingNotify, now)
		}
	}
	c.regSession.exchangeKind = exchangeNone
	c.regSession.pendingNotify = nil
	c.regSession.sub = subIdle
	if c.queueModeEnabled {
		c.regSession.queueEnterAtMs = now + c.queueModeTimeoutMs
	}
}

// hasQueueWakeReason reports whether anything justifies leaving queue
// mode early: a pending forced transition, an update trigger, or queued
// work.
func (c *Core) hasQueueWakeReason() bool {
	if c.anyForced() {
		return true
	}
	if c.reg != nil && c.reg.NeedsUpdate() {
		return true
	}
	if c.deps.SendQueue != nil {
		if _, ok := c.deps.SendQueue.Head(); ok {
			return true
		}
	}
	return false
}

// beginSend pops the send queue's head report and hands it to the
// exchange engine as a confirmable/non-confirmable Send. The payload is
// always SenML-JSON (encodeSenMLJSON); the report's ContentFormat is
// only copied into the message's Content-Format field, and the records
// are not encoded in that format (spec §4.9).
func (c *Core) beginSend() bool {
	report, ok := c.deps.SendQueue.BeginSend()
	if !ok {
		return false
	}
	op := coap.OpNonConSend
	if report.Confirmable {
		op = coap.OpConSend
	}
	msg := &coap.Message{
		Op:            op,
		Path:          "/dp",
		Confirmable:   report.Confirmable,
		ContentFormat: report.ContentFormat,
		Payload:       encodeSenMLJSON(report.Records),
	}
	c.eng.NewClientRequest(msg, coap.NoopHandlers{}, c.bufLen)
	return true
}

// beginNotify hands a built Notification to the exchange engine as a
// CON or NON notify. The payload is always SenML-JSON
// (encodeNotifyPaths); the notification's ContentFormat is only copied
// into the message's Content-Format field, and the values are not
// encoded in that format.
func (c *Core) beginNotify(n *observe.Notification) {
	op := coap.OpNonConNotify
	if n.Confirmable {
		op = coap.OpConNotify
	}
	msg := &coap.Message{
		Op:            op,
		Token:         n.Token,
		Confirmable:   n.Confirmable,
		ContentFormat: n.ContentFormat,
		ObserveSet:    true,
		ObserveNumber: n.ObserveNumber,
		Notification: &coap.NotificationAttr{ObserveNumber: n.ObserveNumber, Confirmable: n.Confirmable},
		Payload:       encodeNotifyPaths(n),
	}
	c.regSession.pendingNotify = n
	c.eng.NewClientRequest(msg, coap.NoopHandlers{}, c.bufLen)
}
