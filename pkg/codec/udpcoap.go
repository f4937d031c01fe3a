// Package codec is a reference RFC 7252 (CoAP over UDP) wire codec: the
// external collaborator pkg/coap.Codec describes but deliberately does
// not implement (payload serialization stays behind the data-model
// facade; this package only (de)serializes the CoAP envelope). Grounded
// on pkg/transport's reference net.UDPConn Transport — one concrete,
// swappable implementation of an otherwise external interface.
package codec

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/lwm2mclient/pkg/coap"
)

// Option numbers used by this codec (RFC 7252 §12.2, RFC 7959, RFC 7641).
const (
	optIfMatch       = 1
	optUriHost       = 3
	optETag          = 4
	optIfNoneMatch   = 5
	optObserve       = 6
	optLocationPath  = 8
	optUriPath       = 11
	optContentFormat = 12
	optMaxAge        = 14
	optUriQuery      = 15
	optAccept        = 17
	optLocationQuery = 20
	optBlock2        = 23
	optBlock1        = 27
	optSize2         = 28
	optProxyURI      = 35
	optSize1         = 60
)

// UDPCodec implements coap.Codec over plain UDP datagrams (RFC 7252
// §3, no DTLS).
type UDPCodec struct{}

// New returns a ready-to-use UDPCodec.
func New() *UDPCodec { return &UDPCodec{} }

type opKind struct {
	isResponse bool
	code       coap.Code
}

// classify maps a Message's Operation to the CoAP code it should carry
// on the wire: a request method for client-initiated operations, or the
// message's own Code for responses/resets/empties/notifications (which
// this engine always models as carrying an already-known Code/context).
func classify(msg *coap.Message) (opKind, error) {
	switch msg.Op {
	case coap.OpReset:
		return opKind{isResponse: true, code: coap.CodeEmpty}, nil
	case coap.OpEmpty:
		return opKind{isResponse: true, code: coap.CodeEmpty}, nil
	case coap.OpResponse:
		return opKind{isResponse: true, code: msg.Code}, nil
	case coap.OpConNotify, coap.OpNonConNotify, coap.OpInitialNotify:
		return opKind{isResponse: true, code: coap.CodeContent2_05}, nil
	case coap.OpPingUDP:
		return opKind{isResponse: false, code: coap.CodeEmpty}, nil
	case coap.OpRegister, coap.OpBootstrapRequest,
		coap.OpDMWritePartial, coap.OpDMWriteComposite, coap.OpDMExecute, coap.OpDMCreate,
		coap.OpConSend, coap.OpNonConSend, coap.OpUpdate, coap.OpBootstrapFinish:
		return opKind{code: coap.NewCode(0, 2)}, nil // POST
	case coap.OpDeregister, coap.OpDMDelete:
		return opKind{code: coap.NewCode(0, 4)}, nil // DELETE
	case coap.OpDMWriteReplace:
		return opKind{code: coap.NewCode(0, 3)}, nil // PUT
	case coap.OpDMRead, coap.OpDMReadComposite, coap.OpDMDiscover,
		coap.OpObserve, coap.OpObserveComposite, coap.OpCancelObserve, coap.OpCancelObserveComposite:
		return opKind{code: coap.NewCode(0, 1)}, nil // GET
	default:
		return opKind{}, fmt.Errorf("codec: unclassified operation %v", msg.Op)
	}
}

type rawOption struct {
	number int
	value  []byte
}

// Encode serializes msg into a CoAP-over-UDP datagram (RFC 7252 §3).
func (UDPCodec) Encode(msg *coap.Message) ([]byte, error) {
	kind, err := classify(msg)
	if err != nil {
		return nil, err
	}

	typ := byte(1) // NON
	if msg.Confirmable {
		typ = 0 // CON
	}
	if msg.Op == coap.OpReset {
		typ = 3
	} else if msg.Op == coap.OpEmpty || msg.Op == coap.OpPingUDP {
		typ = 0
	}

	var opts []rawOption
	if !kind.isResponse {
		for _, seg := range strings.Split(strings.Trim(msg.Path, "/"), "/") {
			if seg != "" {
				opts = append(opts, rawOption{optUriPath, []byte(seg)})
			}
		}
		if msg.Register != nil {
			opts = appendQuery(opts, "ep", msg.Register.Endpoint)
			if msg.Register.Lifetime != 0 {
				opts = appendQuery(opts, "lt", strconv.FormatUint(uint64(msg.Register.Lifetime), 10))
			}
			if msg.Register.LwM2MVer != "" {
				opts = appendQuery(opts, "lwm2m", msg.Register.LwM2MVer)
			}
			if msg.Register.Binding != "" {
				opts = appendQuery(opts, "b", msg.Register.Binding)
			}
			if msg.Register.Queue {
				opts = appendQuery(opts, "Q", "")
			}
		}
		if msg.ObserveSet {
			n := uint64(0)
			if msg.Op == coap.OpCancelObserve || msg.Op == coap.OpCancelObserveComposite {
				n = 1
			}
			opts = append(opts, rawOption{optObserve, uintBytes(n)})
		}
	} else {
		if msg.ObserveSet || msg.Notification != nil {
			num := msg.ObserveNumber
			if msg.Notification != nil {
				num = msg.Notification.ObserveNumber
			}
			opts = append(opts, rawOption{optObserve, uintBytes(uint64(num))})
		}
		for _, seg := range msg.LocationPath {
			opts = append(opts, rawOption{optLocationPath, []byte(seg)})
		}
	}
	if msg.ContentFormat != coap.FormatNone && len(msg.Payload) > 0 {
		opts = append(opts, rawOption{optContentFormat, uintBytes(uint64(msg.ContentFormat))})
	}
	if msg.Accept != coap.FormatNone {
		opts = append(opts, rawOption{optAccept, uintBytes(uint64(msg.Accept))})
	}
	if msg.Block.Direction == coap.Block1 || msg.Block.Direction == coap.BlockBoth {
		opts = append(opts, rawOption{optBlock1, encodeBlock(msg.Block)})
	}
	if msg.Block.Direction == coap.Block2 || msg.Block.Direction == coap.BlockBoth {
		opts = append(opts, rawOption{optBlock2, encodeBlock(msg.Block)})
	}

	sortOptionsStable(opts)

	buf := make([]byte, 0, 4+len(msg.Token)+32+len(msg.Payload))
	buf = append(buf, (1<<6)|(typ<<4)|byte(len(msg.Token)))
	code := kind.code
	buf = append(buf, byte(code))
	buf = append(buf, byte(msg.ID>>8), byte(msg.ID))
	buf = append(buf, msg.Token...)

	prevNumber := 0
	for _, o := range opts {
		delta := o.number - prevNumber
		prevNumber = o.number
		buf = appendOption(buf, delta, o.value)
	}
	if len(msg.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, msg.Payload...)
	}
	return buf, nil
}

func appendQuery(opts []rawOption, key, val string) []rawOption {
	v := key
	if val != "" {
		v = key + "=" + val
	}
	return append(opts, rawOption{optUriQuery, []byte(v)})
}

func uintBytes(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

func encodeBlock(b coap.BlockOption) []byte {
	szx := sizeExponent(b.Size)
	val := (uint32(b.Number) << 4) | szx
	if b.More {
		val |= 0x8
	}
	return uintBytes(uint64(val))
}

func sizeExponent(size uint16) uint32 {
	szx := uint32(0)
	for s := uint16(16); s < size && szx < 7; s <<= 1 {
		szx++
	}
	return szx
}

// appendOption writes one CoAP option's delta/length-prefixed TLV,
// using the extended 13/14 forms for values >= 13 (RFC 7252 §3.1).
func appendOption(buf []byte, delta int, value []byte) []byte {
	dNibble, dExt := splitExtended(delta)
	lNibble, lExt := splitExtended(len(value))
	buf = append(buf, byte(dNibble<<4)|byte(lNibble))
	buf = append(buf, dExt...)
	buf = append(buf, lExt...)
	return append(buf, value...)
}

func splitExtended(n int) (nibble int, ext []byte) {
	switch {
	case n < 13:
		return n, nil
	case n < 269:
		return 13, []byte{byte(n - 13)}
	default:
		v := n - 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// sortOptionsStable orders options by ascending number, preserving
// relative order among same-numbered options (needed for repeatable
// options like Uri-Path/Uri-Query), via a simple stable insertion sort
// (option counts per message are always small).
func sortOptionsStable(opts []rawOption) {
	for i := 1; i < len(opts); i++ {
		j := i
		for j > 0 && opts[j-1].number > opts[j].number {
			opts[j-1], opts[j] = opts[j], opts[j-1]
			j--
		}
	}
}

// Decode parses a CoAP-over-UDP datagram into a Message. Since this
// codec only ever decodes traffic arriving at an LwM2M client (server
// responses, or server-initiated requests), Op is left as OpResponse
// for any message carrying a response code, OpPingUDP for a
// Confirmable Empty message, and OpNone for a genuine request that
// pkg/client's dispatcher reclassifies by method and Path.
func (UDPCodec) Decode(buf []byte) (*coap.Message, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("codec: datagram too short (%d bytes)", len(buf))
	}
	ver := buf[0] >> 6
	if ver != 1 {
		return nil, fmt.Errorf("codec: unsupported CoAP version %d", ver)
	}
	typ := (buf[0] >> 4) & 0x3
	tkl := int(buf[0] & 0xF)
	code := coap.Code(buf[1])
	id := uint16(buf[2])<<8 | uint16(buf[3])
	pos := 4
	if tkl > 8 || pos+tkl > len(buf) {
		return nil, fmt.Errorf("codec: invalid token length %d", tkl)
	}
	token := append(coap.Token(nil), buf[pos:pos+tkl]...)
	pos += tkl

	msg := &coap.Message{
		Token:         token,
		ID:            id,
		Code:          code,
		Confirmable:   typ == 0,
		ContentFormat: coap.FormatNone,
		Accept:        coap.FormatNone,
	}
	if typ == 3 {
		msg.Op = coap.OpReset
	} else if code == coap.CodeEmpty && typ == 0 {
		msg.Op = coap.OpPingUDP
	} else if code == coap.CodeEmpty {
		msg.Op = coap.OpEmpty
	} else if code.Class() >= 2 {
		msg.Op = coap.OpResponse
	}

	var pathSegs []string
	prevNumber := 0
	for pos < len(buf) && buf[pos] != 0xFF {
		number, value, n, err := readOption(buf, pos, prevNumber)
		if err != nil {
			return nil, err
		}
		pos += n
		prevNumber = number
		switch number {
		case optUriPath:
			pathSegs = append(pathSegs, string(value))
		case optLocationPath:
			msg.LocationPath = append(msg.LocationPath, string(value))
		case optContentFormat:
			msg.ContentFormat = coap.ContentFormat(beUint(value))
		case optAccept:
			msg.Accept = coap.ContentFormat(beUint(value))
		case optObserve:
			msg.ObserveSet = true
			msg.ObserveNumber = uint32(beUint(value))
		case optBlock1:
			msg.Block = decodeBlock(value, coap.Block1)
		case optBlock2:
			msg.Block = decodeBlock(value, coap.Block2)
		}
	}
	if len(pathSegs) > 0 {
		msg.Path = "/" + strings.Join(pathSegs, "/")
	}
	if pos < len(buf) && buf[pos] == 0xFF {
		pos++
		msg.Payload = append([]byte(nil), buf[pos:]...)
	}
	return msg, nil
}

func readOption(buf []byte, pos int, prevNumber int) (number int, value []byte, consumed int, err error) {
	if pos >= len(buf) {
		return 0, nil, 0, fmt.Errorf("codec: truncated option header")
	}
	first := buf[pos]
	delta := int(first >> 4)
	length := int(first & 0xF)
	n := 1

	switch delta {
	case 13:
		if pos+n >= len(buf) {
			return 0, nil, 0, fmt.Errorf("codec: truncated option delta")
		}
		delta = 13 + int(buf[pos+n])
		n++
	case 14:
		if pos+n+1 >= len(buf) {
			return 0, nil, 0, fmt.Errorf("codec: truncated option delta")
		}
		delta = 269 + int(buf[pos+n])<<8 + int(buf[pos+n+1])
		n += 2
	}
	switch length {
	case 13:
		if pos+n >= len(buf) {
			return 0, nil, 0, fmt.Errorf("codec: truncated option length")
		}
		length = 13 + int(buf[pos+n])
		n++
	case 14:
		if pos+n+1 >= len(buf) {
			return 0, nil, 0, fmt.Errorf("codec: truncated option length")
		}
		length = 269 + int(buf[pos+n])<<8 + int(buf[pos+n+1])
		n += 2
	}
	if pos+n+length > len(buf) {
		return 0, nil, 0, fmt.Errorf("codec: option value overruns datagram")
	}
	value = buf[pos+n : pos+n+length]
	number = prevNumber + delta
	return number, value, n + length, nil
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func decodeBlock(value []byte, dir coap.BlockDirection) coap.BlockOption {
	raw := beUint(value)
	szx := uint32(raw & 0x7)
	more := raw&0x8 != 0
	num := uint32(raw >> 4)
	return coap.BlockOption{
		Direction: dir,
		Number:    num,
		Size:      uint16(16) << szx,
		More:      more,
	}
}
