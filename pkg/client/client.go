// Package client is the top-level LwM2M client facade: it embeds
// *core.Core the way pkg/node.BaseNode embeds *canopen.BusManager and
// *sdo.SDOClient, and adds the one piece core deliberately leaves to a
// host — actually driving bytes between the transport and the exchange
// engine via a coap.Codec — so an application only has to call Poll in
// a loop.
package client

import (
	"log/slog"

	"github.com/samsamfire/lwm2mclient/pkg/bootstrap"
	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/core"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
	"github.com/samsamfire/lwm2mclient/pkg/observe"
	"github.com/samsamfire/lwm2mclient/pkg/send"
	"github.com/samsamfire/lwm2mclient/pkg/transport"
)

// Options configures a new Client.
type Options struct {
	SSID     uint16
	Endpoint string

	Clock     clock.Source
	Transport transport.Transport
	Codec     coap.Codec
	Model     dm.Model
	Logger    *slog.Logger

	HasBootstrapData  bool
	QueueModeTimeout  int64
	SendQueueCapacity int

	RecvBufferSize int
}

// Client is the single embedding facade over Core plus the observe
// engine and send queue a host actually interacts with.
type Client struct {
	*core.Core
	Observe *observe.Engine
	Send    *send.Queue

	ssid      uint16
	model     dm.Model
	codec     coap.Codec
	transport transport.Transport
	clock     clock.Source
	logger    *slog.Logger

	recvBuf []byte
}

// New wires a Client's collaborators the way pkg/node.newBaseNode wires
// a BusManager and SDOClient into one façade.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RecvBufferSize == 0 {
		opts.RecvBufferSize = 1500
	}
	if opts.SendQueueCapacity == 0 {
		opts.SendQueueCapacity = 16
	}

	obsEngine := observe.New(opts.Clock, opts.Model)
	sendQueue := send.NewQueue(opts.SendQueueCapacity)

	deps := core.Deps{
		Clock:     opts.Clock,
		Transport: opts.Transport,
		Codec:     opts.Codec,
		Model:     opts.Model,
		Observe:   obsEngine,
		SendQueue: sendQueue,
		Logger:    opts.Logger,
	}

	c := &Client{
		Core:      core.New(deps, opts.SSID, opts.Endpoint, opts.HasBootstrapData, opts.RecvBufferSize, opts.QueueModeTimeout),
		Observe:   obsEngine,
		Send:      sendQueue,
		ssid:      opts.SSID,
		model:     opts.Model,
		codec:     opts.Codec,
		transport: opts.Transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		recvBuf:   make([]byte, opts.RecvBufferSize),
	}
	return c
}

// Poll drives one iteration: drains one pending inbound datagram, steps
// the lifecycle FSM, then transmits whatever message that step produced.
// It returns the resulting status and the deadline (ms, clock.NoDeadline
// if none) by which Poll should be called again.
func (c *Client) Poll() (core.Status, int64) {
	now := c.clock.NowMs()
	c.recv()
	status := c.Step(now)
	c.send()
	return status, c.NextStepTime()
}

// recv tries to read one inbound datagram and, if one was waiting,
// decodes and feeds it to the exchange engine.
func (c *Client) recv() {
	n, err := c.transport.Recv(c.recvBuf)
	if err != nil || n == 0 {
		if err != nil && err != transport.ErrWouldBlock {
			c.logger.Warn("lwm2m: recv failed", "err", err)
		}
		return
	}
	msg, err := c.codec.Decode(c.recvBuf[:n])
	if err != nil {
		c.logger.Warn("lwm2m: decode failed", "err", err)
		return
	}

	eng := c.Engine()
	if eng.GetState() == exchange.StateFinished && (msg.Op == coap.OpNone || msg.Op == coap.OpPingUDP) {
		c.dispatchServerRequest(c.ssid, msg)
		return
	}
	eng.Process(exchange.EventNewMsg, msg)
}

// send encodes and transmits the exchange engine's pending outgoing
// message, if any, then tells the engine the send completed.
func (c *Client) send() {
	eng := c.Engine()
	msg := eng.PendingMessage()
	if msg == nil {
		return
	}
	buf, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Error("lwm2m: encode failed", "err", err)
		eng.Terminate()
		return
	}
	if err := c.transport.Send(buf); err != nil {
		if err != transport.ErrWouldBlock {
			c.logger.Error("lwm2m: send failed", "err", err)
		}
		return
	}
	eng.Process(exchange.EventSendConfirmation, nil)
}

// BootstrapContext exposes the bootstrap sub-module for a host that
// needs to drive bootstrap-specific server requests (spec §4.3); most
// callers only need Poll/Status.
func (c *Client) BootstrapContext() *bootstrap.Context { return c.Core.BootstrapCtx() }
