// Device-management request dispatch (spec §4.1 "Request handling
// (server side)" + §4.8): translates an inbound CoAP request's method
// and path into a dm.Model operation, builds the coap.Handlers vtable
// exchange.Engine.NewServerRequest needs, and establishes/cancels
// observations through the observe engine. Grounded on
// pkg/bootstrap.requestHandlers' minimal Handlers adapter, generalized
// from a fixed bootstrap exchange to the full device-management method
// set.
//
// Payload decoding is out of scope here the same way it is out of
// scope for dm.Model itself (pkg/dm's package doc): an inbound write/
// create/execute body is handed to the model as an opaque byte string;
// a production Model decodes it per msg.ContentFormat before applying
// it to the object tree.
package client

import (
	"strconv"
	"strings"

	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/core"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/observe"
)

// dispatchServerRequest classifies an inbound request and hands the
// engine a Handlers implementation for it. The decoded msg.Op is not
// populated for genuine requests (only for RESET/EMPTY/response codes
// the codec can recognize unambiguously), so classification happens
// here from the method code, path and options, and the resulting
// coap.Operation is stamped onto msg before it reaches the engine,
// since produceServerResponse keys its response code and
// Observe-establish behaviour off msg.Op.
func (c *Client) dispatchServerRequest(ssid uint16, msg *coap.Message) {
	method := msg.Code
	isGet := method == coap.NewCode(0, 1)
	isPut := method == coap.NewCode(0, 3)
	isPost := method == coap.NewCode(0, 2)
	isDelete := method == coap.NewCode(0, 4)

	switch {
	case msg.Op == coap.OpPingUDP:
		c.Engine().NewServerRequest(coap.CodeContent2_05, msg, coap.NoopHandlers{}, c.recvBufLen())
	case isGet && msg.ObserveSet && msg.ObserveNumber == 1:
		c.handleCancelObserve(ssid, msg)
	case isGet && msg.ObserveSet:
		c.handleObserve(ssid, msg)
	case isGet && msg.Accept == coap.FormatLinkFormat:
		msg.Op = coap.OpDMDiscover
		c.handleRead(ssid, msg, dm.OpDiscover)
	case isGet:
		msg.Op = coap.OpDMRead
		c.handleRead(ssid, msg, dm.OpRead)
	case isPut:
		msg.Op = coap.OpDMWriteReplace
		c.handleWrite(ssid, msg, dm.OpWriteReplace)
	case isDelete:
		msg.Op = coap.OpDMDelete
		c.handleDelete(ssid, msg)
	case isPost:
		c.handlePost(ssid, msg)
	default:
		c.Engine().NewServerRequest(coap.CodeMethodNotAllowed4_05, msg, coap.NoopHandlers{}, c.recvBufLen())
	}
}

func (c *Client) recvBufLen() int { return len(c.recvBuf) }

func pathDepth(path string) int {
	p := strings.Trim(path, "/")
	if p == "" {
		return 0
	}
	return len(strings.Split(p, "/"))
}

// operationBegin routes through the bootstrap context while a bootstrap
// session is in progress (spec §4.3: bootstrap read/write/discover/
// delete refresh the finish timeout on success), and straight to the
// model otherwise.
func (c *Client) operationBegin(op dm.Operation, ssid uint16, path string) dm.Result {
	if c.Status() == core.StatusBootstrapping {
		return c.BootstrapContext().HandleServerRequest(bootstrapOp(op), ssid, path)
	}
	return c.model.OperationBegin(op, ssid, path)
}

func bootstrapOp(op dm.Operation) dm.Operation {
	switch op {
	case dm.OpRead:
		return dm.OpBootstrapRead
	case dm.OpDiscover:
		return dm.OpBootstrapDiscover
	case dm.OpDelete:
		return dm.OpBootstrapDelete
	default:
		return dm.OpBootstrapWrite
	}
}

// readHandlers drives a GET/Discover response by walking every entry
// the model yields for the requested path.
type readHandlers struct {
	model dm.Model
	ssid  uint16
	path  string
	op    dm.Operation
	begin func(dm.Operation, uint16, string) dm.Result

	format coap.ContentFormat
	buf    []byte
	sent   bool
}

func (h *readHandlers) ReadPayload(buf []byte, out *coap.ReadOut) coap.PayloadResult {
	if !h.sent {
		if res := h.begin(h.op, h.ssid, h.path); res != dm.ResultOK {
			return coap.PayloadResult(res.CoAPCode())
		}
		defer h.model.OperationEnd()

		var entries []dm.Entry
		for {
			entry, res := h.model.GetReadEntry()
			if res != dm.ResultOK {
				return coap.PayloadResult(res.CoAPCode())
			}
			entries = append(entries, entry)
			if entry.Last {
				break
			}
		}
		if h.op == dm.OpDiscover {
			h.buf = encodeLinkFormat(entries)
			h.format = coap.FormatLinkFormat
		} else {
			h.buf = encodeEntriesSenMLJSON(entries)
			h.format = coap.FormatSenMLJSON
		}
		h.sent = true
	}
	out.Format = h.format
	n := copy(buf, h.buf)
	out.PayloadLen = n
	h.buf = h.buf[n:]
	if len(h.buf) > 0 {
		return coap.BlockTransferNeeded
	}
	return coap.PayloadDone
}

func (h *readHandlers) WritePayload([]byte, bool) coap.PayloadResult { return coap.PayloadDone }
func (h *readHandlers) Completion(*coap.Message, coap.Result)        {}

func (c *Client) newReadHandlers(ssid uint16, path string, op dm.Operation) *readHandlers {
	return &readHandlers{model: c.model, ssid: ssid, path: path, op: op, begin: c.operationBegin}
}

func (c *Client) handleRead(ssid uint16, msg *coap.Message, op dm.Operation) {
	c.Engine().NewServerRequest(coap.CodeContent2_05, msg, c.newReadHandlers(ssid, msg.Path, op), c.recvBufLen())
}

// mutateHandlers accumulates the inbound payload across every block,
// then applies the resulting action to the model exactly once from
// ReadPayload — which runs whether or not WritePayload was ever called,
// so requests with no body (a bare EXECUTE or DELETE) still apply.
type mutateHandlers struct {
	model dm.Model
	ssid  uint16
	path  string
	op    dm.Operation
	begin func(dm.Operation, uint16, string) dm.Result

	apply func(body []byte) dm.Result

	body []byte
	done bool
}

func (h *mutateHandlers) WritePayload(buf []byte, lastBlock bool) coap.PayloadResult {
	h.body = append(h.body, buf...)
	return coap.PayloadDone
}

func (h *mutateHandlers) ReadPayload(buf []byte, out *coap.ReadOut) coap.PayloadResult {
	if !h.done {
		h.done = true
		if res := h.begin(h.op, h.ssid, h.path); res != dm.ResultOK {
			return coap.PayloadResult(res.CoAPCode())
		}
		defer h.model.OperationEnd()
		if res := h.apply(h.body); res != dm.ResultOK {
			return coap.PayloadResult(res.CoAPCode())
		}
	}
	out.PayloadLen = 0
	return coap.PayloadDone
}

func (h *mutateHandlers) Completion(*coap.Message, coap.Result) {}

func (c *Client) handleWrite(ssid uint16, msg *coap.Message, op dm.Operation) {
	path := msg.Path
	h := &mutateHandlers{model: c.model, ssid: ssid, path: path, op: op, begin: c.operationBegin,
		apply: func(body []byte) dm.Result {
			return c.model.WriteEntry(dm.Entry{Path: path, Value: dm.Value{Kind: dm.KindOpaque, Opaque: body}})
		},
	}
	c.Engine().NewServerRequest(coap.CodeChanged2_04, msg, h, c.recvBufLen())
}

func (c *Client) handleDelete(ssid uint16, msg *coap.Message) {
	path := msg.Path
	h := &mutateHandlers{model: c.model, ssid: ssid, path: path, op: dm.OpDelete, begin: c.operationBegin,
		apply: func([]byte) dm.Result { return c.model.DeleteInstance(path) },
	}
	c.Engine().NewServerRequest(coap.CodeDeleted2_02, msg, h, c.recvBufLen())
}

func (c *Client) handlePost(ssid uint16, msg *coap.Message) {
	path := msg.Path
	if pathDepth(path) <= 1 {
		msg.Op = coap.OpDMCreate
		oid, iid, ok := splitObjectPath(path)
		h := &mutateHandlers{model: c.model, ssid: ssid, path: path, op: dm.OpCreate, begin: c.operationBegin,
			apply: func([]byte) dm.Result {
				if !ok {
					return dm.ResultBadRequest
				}
				_, res := c.model.CreateObjectInstance(oid, iid)
				return res
			},
		}
		c.Engine().NewServerRequest(coap.CodeCreated2_01, msg, h, c.recvBufLen())
		return
	}
	if len(msg.Payload) == 0 {
		msg.Op = coap.OpDMExecute
		h := &mutateHandlers{model: c.model, ssid: ssid, path: path, op: dm.OpExecute, begin: c.operationBegin,
			apply: func(args []byte) dm.Result { return c.model.Execute(path, args) },
		}
		c.Engine().NewServerRequest(coap.CodeChanged2_04, msg, h, c.recvBufLen())
		return
	}
	msg.Op = coap.OpDMWritePartial
	c.handleWrite(ssid, msg, dm.OpWritePartial)
}

// splitObjectPath parses "/oid" or "/oid/iid" into numeric ids;
// iid is -1 ("let the facade pick one") when absent.
func splitObjectPath(path string) (oid uint16, iid int32, ok bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return 0, 0, false
	}
	o, err := strconv.ParseUint(segs[0], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	if len(segs) == 1 {
		return uint16(o), -1, true
	}
	i, err := strconv.ParseUint(segs[1], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(o), int32(i), true
}

func (c *Client) handleObserve(ssid uint16, msg *coap.Message) {
	msg.Op = coap.OpObserve
	paths := []observe.Path{{Path: msg.Path}}
	if _, err := c.Observe.NewObserve(ssid, msg.Token, paths, msg.Accept, msg.ContentFormat); err != nil {
		c.Engine().NewServerRequest(coap.CodeBadRequest4_00, msg, coap.NoopHandlers{}, c.recvBufLen())
		return
	}
	c.Engine().NewServerRequest(coap.CodeContent2_05, msg, c.newReadHandlers(ssid, msg.Path, dm.OpRead), c.recvBufLen())
}

func (c *Client) handleCancelObserve(ssid uint16, msg *coap.Message) {
	msg.Op = coap.OpDMRead
	c.Observe.Cancel(ssid, msg.Token)
	c.Engine().NewServerRequest(coap.CodeContent2_05, msg, c.newReadHandlers(ssid, msg.Path, dm.OpRead), c.recvBufLen())
}

// encodeLinkFormat renders discovered entries as a minimal CoRE
// Link-Format document (RFC 6690), the required content format for
// Discover.
func encodeLinkFormat(entries []dm.Entry) []byte {
	var links []string
	for _, e := range entries {
		links = append(links, "<"+e.Path+">")
	}
	return []byte(strings.Join(links, ","))
}
