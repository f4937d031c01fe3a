// Package register implements the REGISTER/UPDATE/DEREGISTER submodule
// (spec §4.4): it prepares the request message, hands it to the exchange
// engine, and stores the location path from a successful REGISTER for
// every subsequent UPDATE/DEREGISTER.
//
// Grounded on the exchange engine's client-request contract
// (pkg/exchange/client.go) for how a submodule lends a handler vtable
// and lets the engine own the message buffer until FINISHED; the
// internal state naming (INIT/REGISTERING/UPDATING/DEREGISTERING/
// FINISHED/ERROR) follows spec §3's "Register context".
package register

import (
	"fmt"
	"strings"

	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
)

// State is the register context's internal state (spec §3).
type State uint8

const (
	StateInit State = iota
	StateRegistering
	StateUpdating
	StateDeregistering
	StateFinished
	StateError
)

// DefaultLifetimeSeconds is the supplemented register lifetime default
// (SPEC_FULL §C.2, grounded on original_source's register.c) applied
// when the host configuration leaves Lifetime unset.
const DefaultLifetimeSeconds uint32 = 86400

// Session drives one server's register/update/deregister lifecycle.
type Session struct {
	SSID     uint16
	Endpoint string
	Lifetime uint32
	LwM2MVer string
	Binding  string
	Queue    bool

	state State

	locationPath []string

	// updateWithLifetime/updateWithPayload are sticky trigger flags the
	// register-session sub-FSM (pkg/core) sets before calling Update.
	updateWithLifetime bool
	updateWithPayload  bool

	lastErr error

	// LastRequestToken is the token the exchange engine assigned to the
	// most recently sent REGISTER/UPDATE/DEREGISTER request, so a caller
	// correlating an out-of-band RESET can match it up.
	LastRequestToken coap.Token
}

// New creates a Session, applying the lifetime default and validating
// binding (SPEC_FULL §C.2b: a binding string naming both U and T is
// rejected — this client only ever offers UDP, plus the TCP passthrough
// hook, never both at once).
func New(ssid uint16, endpoint string, lifetime uint32, lwm2mVer, binding string, queue bool) (*Session, error) {
	if lifetime == 0 {
		lifetime = DefaultLifetimeSeconds
	}
	if strings.Contains(binding, "U") && strings.Contains(binding, "T") {
		return nil, fmt.Errorf("register: binding %q combines U and T, not supported by this client", binding)
	}
	return &Session{
		SSID:     ssid,
		Endpoint: endpoint,
		Lifetime: lifetime,
		LwM2MVer: lwm2mVer,
		Binding:  binding,
		Queue:    queue,
		state:    StateInit,
	}, nil
}

func (s *Session) State() State { return s.state }

// LocationPath returns the stored location path from the last successful
// REGISTER, joined with "/".
func (s *Session) LocationPath() string {
	return "/" + strings.Join(s.locationPath, "/")
}

// RequestUpdate marks the register session as needing an UPDATE on its
// next Idle check (spec §4.5 trigger reasons).
func (s *Session) RequestUpdate(withLifetime, withPayload bool) {
	s.updateWithLifetime = s.updateWithLifetime || withLifetime
	s.updateWithPayload = s.updateWithPayload || withPayload
}

func (s *Session) needsPayloadOnUpdate() bool { return s.updateWithPayload }

// NeedsUpdate reports whether a sticky UPDATE trigger is pending (spec
// §4.5 idle check 3).
func (s *Session) NeedsUpdate() bool { return s.updateWithLifetime || s.updateWithPayload }

// payloadHandlers adapts a single precomputed payload buffer into the
// exchange engine's Handlers vtable; REGISTER/UPDATE payloads are small
// enough to never need block-wise transfer in practice, but the handler
// still honours BlockTransferNeeded if the buffer exceeds bufLen.
type payloadHandlers struct {
	payload []byte
	sent    int
	format  coap.ContentFormat

	locationPath []string
	onComplete   func(locationPath []string, result coap.Result)
}

func (h *payloadHandlers) ReadPayload(buf []byte, out *coap.ReadOut) coap.PayloadResult {
	out.Format = h.format
	n := copy(buf, h.payload[h.sent:])
	h.sent += n
	out.PayloadLen = n
	if h.sent < len(h.payload) {
		return coap.BlockTransferNeeded
	}
	return coap.PayloadDone
}

func (h *payloadHandlers) WritePayload([]byte, bool) coap.PayloadResult { return coap.PayloadDone }

func (h *payloadHandlers) Completion(resp *coap.Message, result coap.Result) {
	if resp != nil {
		h.locationPath = resp.LocationPath
	}
	if result == coap.ResultOK && !validLocationPath(h.locationPath) {
		result = coap.ResultFromCode(coap.CodeBadRequest4_00)
	}
	if h.onComplete != nil {
		h.onComplete(h.locationPath, result)
	}
}

// validLocationPath bounds a REGISTER response's Location-Path the way
// the register context's storage is bounded (spec §4.4: over-long paths
// fail the operation).
func validLocationPath(path []string) bool {
	if len(path) > coap.MaxLocationPaths {
		return false
	}
	for _, seg := range path {
		if len(seg) > coap.MaxLocationPathSize {
			return false
		}
	}
	return true
}

// Register builds and hands a REGISTER request to eng. payload must be
// the link-format object/instance list produced via the data-model
// facade (spec §4.4: "the payload is produced by the data-model facade
// in link-format").
func (s *Session) Register(eng *exchange.Engine, payload []byte, bufLen int) error {
	if s.state != StateInit && s.state != StateError {
		return fmt.Errorf("register: Register called from state %v", s.state)
	}
	s.state = StateRegistering
	h := &payloadHandlers{
		payload: payload,
		format:  coap.FormatLinkFormat,
		onComplete: func(loc []string, result coap.Result) {
			if result != coap.ResultOK {
				s.state = StateError
				s.lastErr = result
				return
			}
			s.locationPath = loc
			s.state = StateFinished
		},
	}
	msg := &coap.Message{
		Op:            coap.OpRegister,
		Path:          "/rd",
		Confirmable:   true,
		ContentFormat: coap.FormatLinkFormat,
		Register: &coap.RegisterAttr{
			Endpoint: s.Endpoint,
			Lifetime: s.Lifetime,
			LwM2MVer: s.LwM2MVer,
			Binding:  s.Binding,
			Queue:    s.Queue,
		},
	}
	eng.NewClientRequest(msg, h, bufLen)
	s.LastRequestToken = msg.Token
	return nil
}

// Update hands an UPDATE request reusing the stored location path,
// optionally refreshing lifetime and/or payload per the sticky trigger
// flags (spec §4.4/§4.5).
func (s *Session) Update(eng *exchange.Engine, payload []byte, bufLen int) error {
	if len(s.locationPath) == 0 {
		return fmt.Errorf("register: Update called with no stored location path")
	}
	s.state = StateUpdating
	withLifetime := s.updateWithLifetime
	withPayload := s.updateWithPayload && payload != nil
	s.updateWithLifetime = false
	s.updateWithPayload = false

	format := coap.FormatNone
	var body []byte
	if withPayload {
		format = coap.FormatLinkFormat
		body = payload
	}
	h := &payloadHandlers{
		payload: body,
		format:  format,
		onComplete: func(_ []string, result coap.Result) {
			if result != coap.ResultOK {
				s.state = StateError
				s.lastErr = result
				return
			}
			s.state = StateFinished
		},
	}
	reg := &coap.RegisterAttr{Endpoint: s.Endpoint, LwM2MVer: s.LwM2MVer, Binding: s.Binding, Queue: s.Queue}
	if withLifetime {
		reg.Lifetime = s.Lifetime
	}
	msg := &coap.Message{
		Op:            coap.OpUpdate,
		Path:          s.LocationPath(),
		Confirmable:   true,
		ContentFormat: format,
		Register:      reg,
	}
	eng.NewClientRequest(msg, h, bufLen)
	s.LastRequestToken = msg.Token
	return nil
}

// Deregister hands a DELETE to the stored location path.
func (s *Session) Deregister(eng *exchange.Engine, bufLen int) error {
	if len(s.locationPath) == 0 {
		return fmt.Errorf("register: Deregister called with no stored location path")
	}
	s.state = StateDeregistering
	h := &payloadHandlers{
		onComplete: func(_ []string, result coap.Result) {
			s.state = StateFinished
			if result != coap.ResultOK {
				s.lastErr = result
			}
		},
	}
	msg := &coap.Message{
		Op:          coap.OpDeregister,
		Path:        s.LocationPath(),
		Confirmable: true,
	}
	eng.NewClientRequest(msg, h, bufLen)
	s.LastRequestToken = msg.Token
	return nil
}

// BuildLinkFormatPayload asks the data-model facade to discover the
// readable entry list and renders it as a CoRE link-format body: each
// entry's path as "<path>", joined by commas, e.g. "</1/0>,</3/0>". No
// ";ver=" attributes are emitted.
func BuildLinkFormatPayload(model dm.Model, ssid uint16) ([]byte, error) {
	if res := model.OperationBegin(dm.OpDiscover, ssid, "/"); res != dm.ResultOK {
		return nil, res
	}
	defer model.OperationEnd()

	var links []string
	for {
		entry, res := model.GetReadEntry()
		if res != dm.ResultOK {
			return nil, res
		}
		links = append(links, "<"+entry.Path+">")
		if entry.Last {
			break
		}
	}
	return []byte(strings.Join(links, ",")), nil
}
