package client

import (
	"testing"

	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/core"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/exchange"
	"github.com/samsamfire/lwm2mclient/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records outgoing bytes and replays queued incoming
// datagrams one per Recv call, the way a UDP socket would.
type fakeTransport struct {
	sent    [][]byte
	inbox   [][]byte
	connect int
}

func (t *fakeTransport) Connect() error    { t.connect++; return nil }
func (t *fakeTransport) Disconnect() error { return nil }
func (t *fakeTransport) Send(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	t.sent = append(t.sent, cp)
	return nil
}
func (t *fakeTransport) Recv(buf []byte) (int, error) {
	if len(t.inbox) == 0 {
		return 0, transport.ErrWouldBlock
	}
	next := t.inbox[0]
	t.inbox = t.inbox[1:]
	return copy(buf, next), nil
}
func (t *fakeTransport) ReuseLastPort() error { return nil }

// fakeCodec is a trivial wire format sufficient for round-tripping a
// token and code between Encode and Decode in these tests: byte 0 is
// the code, byte 1 is the token length, the rest is the token.
type fakeCodec struct{}

func (fakeCodec) Encode(msg *coap.Message) ([]byte, error) {
	buf := []byte{byte(msg.Code), byte(len(msg.Token))}
	return append(buf, msg.Token...), nil
}
func (fakeCodec) Decode(buf []byte) (*coap.Message, error) {
	tokLen := int(buf[1])
	return &coap.Message{Code: coap.Code(buf[0]), Token: coap.Token(buf[2 : 2+tokLen])}, nil
}

type fakeModel struct{ discoverDone bool }

func (m *fakeModel) OperationBegin(dm.Operation, uint16, string) dm.Result {
	m.discoverDone = false
	return dm.ResultOK
}
func (m *fakeModel) OperationEnd() dm.Result            { return dm.ResultOK }
func (m *fakeModel) ReadableResourceCount() int          { return 1 }
func (m *fakeModel) GetReadEntry() (dm.Entry, dm.Result) {
	if m.discoverDone {
		return dm.Entry{Last: true}, dm.ResultOK
	}
	m.discoverDone = true
	return dm.Entry{Path: "/1/0", Last: true}, dm.ResultOK
}
func (m *fakeModel) PathHasReadableResources(string) dm.Result           { return dm.ResultOK }
func (m *fakeModel) ResourceKind(string) dm.ValueKind                    { return dm.KindNone }
func (m *fakeModel) GetResourceValue(string) (dm.Value, bool, dm.Result) { return dm.Value{}, false, dm.ResultOK }
func (m *fakeModel) WriteEntry(dm.Entry) dm.Result                         { return dm.ResultOK }
func (m *fakeModel) CreateObjectInstance(uint16, int32) (uint16, dm.Result) { return 0, dm.ResultOK }
func (m *fakeModel) Execute(string, []byte) dm.Result                     { return dm.ResultOK }
func (m *fakeModel) DeleteInstance(string) dm.Result                      { return dm.ResultOK }
func (m *fakeModel) BootstrapValidate() dm.Result                         { return dm.ResultOK }
func (m *fakeModel) FindServerInstance(uint16) (uint16, dm.Result)        { return 0, dm.ResultOK }
func (m *fakeModel) FindSecurityInstance(uint16) (uint16, dm.Result)      { return 0, dm.ResultOK }

func newTestClient(hasBootstrapData bool) (*Client, *clock.Manual, *fakeTransport) {
	mc := clock.NewManual(0)
	tr := &fakeTransport{}
	c := New(Options{
		SSID:             1,
		Endpoint:         "ep",
		Clock:            mc,
		Transport:        tr,
		Codec:            fakeCodec{},
		Model:            &fakeModel{},
		HasBootstrapData: hasBootstrapData,
		RecvBufferSize:   64,
	})
	return c, mc, tr
}

func TestPollSendsPendingRegisterMessage(t *testing.T) {
	c, _, tr := newTestClient(true)

	status, _ := c.Poll()
	require.Equal(t, core.StatusRegistering, status)
	status, _ = c.Poll()
	assert.Equal(t, core.StatusRegistering, status)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, 1, tr.connect)
}

func TestPollDecodesResponseAndAdvancesToRegistered(t *testing.T) {
	c, _, tr := newTestClient(true)

	status, _ := c.Poll()
	require.Equal(t, core.StatusRegistering, status)
	status, _ = c.Poll()
	require.Equal(t, core.StatusRegistering, status)
	require.Equal(t, exchange.StateWaitingMsg, c.Engine().GetState())

	sentTokLen := int(tr.sent[0][1])
	sentTok := tr.sent[0][2 : 2+sentTokLen]
	resp := append([]byte{byte(coap.CodeCreated2_01), byte(len(sentTok))}, sentTok...)
	tr.inbox = append(tr.inbox, resp)

	status, _ = c.Poll()
	assert.Equal(t, core.StatusRegistered, status)
}
