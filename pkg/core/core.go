// Package core drives the top-level lifecycle FSM (spec §4.2): the host
// calls Step in a loop, which advances INITIAL -> BOOTSTRAPPING ->
// REGISTERING -> REGISTERED (with SUSPENDED/FAILURE/INVALID terminals),
// invoking the bootstrap/register/reg-session submodules and the
// exchange engine as needed. NextStepTime advises how long the host may
// sleep.
//
// The state-naming and explicit-transition-function style is grounded
// on pkg/nmt/nmt.go's NMT state machine; unlike that file (and unlike
// pkg/network/network.go's goroutine-per-node model), this package is
// deliberately single-threaded and reentrant-free, per spec §5 — Step
// never spawns a goroutine, blocks, or takes a lock.
package core

import (
	"log/slog"

	"github.com/samsamfire/lwm2mclient/pkg/bootstrap"
	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
	"github.com/samsamfire/lwm2mclient/pkg/observe"
	"github.com/samsamfire/lwm2mclient/pkg/register"
	"github.com/samsamfire/lwm2mclient/pkg/send"
	"github.com/samsamfire/lwm2mclient/pkg/transport"
)

// Status is the core/server connection status (spec §3).
type Status uint8

const (
	StatusInitial Status = iota
	StatusBootstrapping
	StatusBootstrapped
	StatusRegistering
	StatusRegistered
	StatusEnteringQueueMode
	StatusQueueMode
	StatusSuspended
	StatusInvalid
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "INITIAL"
	case StatusBootstrapping:
		return "BOOTSTRAPPING"
	case StatusBootstrapped:
		return "BOOTSTRAPPED"
	case StatusRegistering:
		return "REGISTERING"
	case StatusRegistered:
		return "REGISTERED"
	case StatusEnteringQueueMode:
		return "ENTERING_QUEUE_MODE"
	case StatusQueueMode:
		return "QUEUE_MODE"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusInvalid:
		return "INVALID"
	case StatusFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Flags are the forced-transition triggers (spec §4.2).
type Flags struct {
	BootstrapRequested bool
	RestartRequested   bool
	DisableRequested   bool
}

// DefaultDisableTimeoutMs is used when DisableServer is called with
// timeoutMs <= 0, mirroring the Server Object's disable-timeout resource
// (id 5) compiled-in default.
const DefaultDisableTimeoutMs int64 = 86_400_000

// Deps bundles the collaborators Core drives; every field is a small
// interface or concrete struct the host wires once at startup (spec §2:
// the core is the top of the composition, everything else a leaf or
// submodule beneath it).
type Deps struct {
	Clock     clock.Source
	Transport transport.Transport
	Codec     coap.Codec
	Model     dm.Model
	Observe   *observe.Engine
	SendQueue *send.Queue
	Logger    *slog.Logger
}

// Core is the top-level lifecycle driver.
type Core struct {
	deps Deps
	eng  *exchange.Engine

	ssid     uint16
	endpoint string

	status Status
	flags  Flags

	boot *bootstrap.Context
	reg  *register.Session

	regSession regState

	suspendedUntilMs int64
	disableTimeoutMs int64
	bufLen           int

	hasBootstrapData bool

	bootstrapOnRegistrationFailure bool
	retry                          retryPolicy

	muteSend                bool
	defaultNotificationCon  bool
	queueModeEnabled        bool
	queueModeTimeoutMs      int64
	txParams                exchange.TxParams

	lastErr error
}

// New creates a Core. hasBootstrapData tells INITIAL whether to jump to
// BOOTSTRAPPING or straight to REGISTERING (spec §4.2). queueModeTimeoutMs
// of 0 disables queue mode.
func New(deps Deps, ssid uint16, endpoint string, hasBootstrapData bool, bufLen int, queueModeTimeoutMs int64) *Core {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Core{
		deps:               deps,
		eng:                exchange.New(deps.Clock, deps.Logger),
		ssid:               ssid,
		endpoint:           endpoint,
		status:             StatusInitial,
		boot:               bootstrap.New(deps.Clock, deps.Model),
		bufLen:             bufLen,
		hasBootstrapData:   hasBootstrapData,
		queueModeEnabled:   queueModeTimeoutMs > 0,
		queueModeTimeoutMs: queueModeTimeoutMs,
		txParams:           exchange.DefaultTxParams(),
	}
	return c
}

// SetMuteSend updates the Mute-Send resource mirror (Server Object
// /1/x/23), consulted by CanSend.
func (c *Core) SetMuteSend(muted bool) { c.muteSend = muted }

// SetBootstrapOnRegistrationFailure wires Server Object resource
// /1/x/16's effect: once the registration retry policy is exhausted,
// fall back to BOOTSTRAPPING instead of FAILURE (spec §4.6).
func (c *Core) SetBootstrapOnRegistrationFailure(v bool) { c.bootstrapOnRegistrationFailure = v }

// SetDefaultNotificationMode wires Server Object resource /1/x/26: mode
// 1 means notifications default to confirmable when a group's effective
// con attribute is unset (SPEC_FULL §C.4).
func (c *Core) SetDefaultNotificationMode(mode uint8) { c.defaultNotificationCon = mode == 1 }

// Status returns the current connection status.
func (c *Core) Status() Status { return c.status }

// Engine exposes the exchange engine so a host's I/O loop (pkg/client)
// can feed it received datagrams and retrieve pending outgoing messages
// without Core itself touching the transport for server-initiated
// traffic.
func (c *Core) Engine() *exchange.Engine { return c.eng }

// BootstrapCtx exposes the bootstrap sub-module for a host that needs
// to drive bootstrap-specific server requests directly.
func (c *Core) BootstrapCtx() *bootstrap.Context { return c.boot }

// RequestBootstrap/Restart/DisableServer set the corresponding
// forced-transition flag (spec §4.2). DisableServer's timeoutMs is how
// long SUSPENDED holds before falling back to INITIAL (spec §8 scenario
// 8: disable(timeout_ms=5000) suspends for exactly 5000ms); timeoutMs
// <= 0 falls back to DefaultDisableTimeoutMs.
func (c *Core) RequestBootstrap() { c.flags.BootstrapRequested = true }
func (c *Core) Restart()          { c.flags.RestartRequested = true }

func (c *Core) DisableServer(timeoutMs int64) {
	c.flags.DisableRequested = true
	c.disableTimeoutMs = timeoutMs
}

// RequestUpdate marks a sticky UPDATE trigger on the register session
// (spec §4.5 idle check 3); a no-op while Core holds no register
// session, i.e. before the first REGISTER has been sent.
func (c *Core) RequestUpdate(withPayload bool) {
	if c.reg != nil {
		c.reg.RequestUpdate(true, withPayload)
	}
}

// anyForced reports whether a forced transition is pending.
func (c *Core) anyForced() bool {
	return c.flags.RestartRequested || c.flags.BootstrapRequested || c.flags.DisableRequested
}

// resolveForced picks the highest-priority pending forced transition and
// clears the flags (spec §4.2: restart > bootstrap > disable).
func (c *Core) resolveForced() Status {
	switch {
	case c.flags.RestartRequested:
		c.flags.RestartRequested = false
		c.flags.BootstrapRequested = false
		c.flags.DisableRequested = false
		return StatusInitial
	case c.flags.BootstrapRequested:
		c.flags.BootstrapRequested = false
		c.flags.DisableRequested = false
		return StatusBootstrapping
	case c.flags.DisableRequested:
		c.flags.DisableRequested = false
		return StatusSuspended
	default:
		return c.status
	}
}

// Step advances the lifecycle FSM by one tick and returns the resulting
// status.
func (c *Core) Step(now int64) Status {
	if c.anyForced() && c.status != StatusRegistered {
		_ = c.eng.Terminate()
		_ = c.deps.Transport.Disconnect()
		c.status = c.resolveForced()
		if c.status == StatusSuspended {
			timeout := c.disableTimeoutMs
			if timeout <= 0 {
				timeout = DefaultDisableTimeoutMs
			}
			c.suspendedUntilMs = now + timeout
		}
		return c.status
	}

	switch c.status {
	case StatusInitial:
		c.stepInitial()
	case StatusBootstrapping:
		c.stepBootstrapping(now)
	case StatusBootstrapped:
		c.status = StatusRegistering
		c.stepRegistering(now)
	case StatusRegistering:
		c.stepRegistering(now)
	case StatusRegistered, StatusEnteringQueueMode, StatusQueueMode:
		c.stepRegistered(now)
	case StatusSuspended:
		if now >= c.suspendedUntilMs {
			c.status = StatusInitial
		}
	case StatusInvalid, StatusFailure:
		// terminal: host must Restart or discard this Core.
	}
	return c.status
}

func (c *Core) stepInitial() {
	if c.hasBootstrapData {
		c.status = StatusRegistering
		return
	}
	c.status = StatusBootstrapping
	c.retry = newRetryPolicy()
	if err := c.deps.Transport.Connect(); err != nil {
		c.status = StatusFailure
		c.lastErr = err
		return
	}
	c.boot.Start(c.eng, c.endpoint, coap.FormatSenMLCBOR, c.bufLen)
}

func (c *Core) stepBootstrapping(now int64) {
	if c.boot.CheckTimeout() {
		c.fallbackToLastGoodOrFail()
		return
	}
	if !c.boot.InProgress {
		if c.boot.Error == bootstrap.ErrorNone {
			c.hasBootstrapData = true
			c.status = StatusBootstrapped
			return
		}
		if deadline, ok := c.boot.NextRetryDeadline(); ok {
			c.suspendedUntilMs = deadline
			return
		}
		c.fallbackToLastGoodOrFail()
	}
}

// fallbackToLastGoodOrFail resolves a bootstrap sequence that exhausted
// its retries or timed out without a FINISH: if a prior bootstrap
// already validated a Security/Server pair, that pair was never purged,
// so registration resumes against it rather than stranding the device
// in FAILURE (SPEC_FULL §C.3, grounded on original_source's bootstrap.c
// retained-entry fallback).
func (c *Core) fallbackToLastGoodOrFail() {
	if _, hadGood := c.boot.LastGoodSSID(); hadGood {
		c.hasBootstrapData = true
		c.status = StatusRegistering
		return
	}
	c.status = StatusFailure
}

func (c *Core) stepRegistering(now int64) {
	if c.retry.RetryCount == 0 {
		c.retry = newRetryPolicy()
	}
	if c.reg == nil && now < c.suspendedUntilMs {
		return
	}
	if c.reg == nil {
		s, err := register.New(c.ssid, c.endpoint, 0, "1.1", "U", false)
		if err != nil {
			c.status = StatusFailure
			c.lastErr = err
			return
		}
		c.reg = s
		payload, err := register.BuildLinkFormatPayload(c.deps.Model, c.ssid)
		if err != nil {
			c.status = StatusFailure
			c.lastErr = err
			return
		}
		if err := c.deps.Transport.Connect(); err != nil {
			c.status = StatusFailure
			c.lastErr = err
			return
		}
		_ = c.reg.Register(c.eng, payload, c.bufLen)
		return
	}

	switch c.reg.State() {
	case register.StateFinished:
		c.status = StatusRegistered
		c.regSession = regState{}
		c.retry.reset()
	case register.StateError:
		if deadline, ok := c.retry.next(now); ok {
			c.suspendedUntilMs = deadline
			c.reg = nil
			return
		}
		if c.bootstrapOnRegistrationFailure {
			c.status = StatusBootstrapping
			c.reg = nil
			return
		}
		c.status = StatusFailure
	}
}

// NextStepTime returns the soonest deadline the host should call Step
// again by, or clock.NoDeadline if nothing is pending.
func (c *Core) NextStepTime() int64 {
	next := clock.NoDeadline
	if c.eng.Ongoing() {
		next = clock.NextDeadline(next, c.eng.NextDeadlineMs())
	}
	if c.status == StatusSuspended || c.status == StatusBootstrapping || c.status == StatusRegistering {
		next = clock.NextDeadline(next, c.suspendedUntilMs)
	}
	if c.status == StatusRegistered {
		next = clock.NextDeadline(next, c.regSession.nextUpdateTimeMs)
	}
	return next
}
