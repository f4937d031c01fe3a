package observe

import (
	"testing"

	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel is a minimal dm.Model test double exposing a small, directly
// settable resource table.
type fakeModel struct {
	values map[string]dm.Value
	kinds  map[string]dm.ValueKind
	multi  map[string]bool
}

func newFakeModel() *fakeModel {
	return &fakeModel{values: map[string]dm.Value{}, kinds: map[string]dm.ValueKind{}, multi: map[string]bool{}}
}

func (f *fakeModel) set(path string, kind dm.ValueKind, v dm.Value) {
	f.kinds[path] = kind
	f.values[path] = v
}

func (f *fakeModel) OperationBegin(dm.Operation, uint16, string) dm.Result { return dm.ResultOK }
func (f *fakeModel) OperationEnd() dm.Result                               { return dm.ResultOK }
func (f *fakeModel) ReadableResourceCount() int                           { return 0 }
func (f *fakeModel) GetReadEntry() (dm.Entry, dm.Result)                  { return dm.Entry{Last: true}, dm.ResultOK }
func (f *fakeModel) PathHasReadableResources(string) dm.Result            { return dm.ResultOK }
func (f *fakeModel) ResourceKind(path string) dm.ValueKind                { return f.kinds[path] }
func (f *fakeModel) GetResourceValue(path string) (dm.Value, bool, dm.Result) {
	v, ok := f.values[path]
	if !ok {
		return dm.Value{}, false, dm.ResultNotFound
	}
	return v, f.multi[path], dm.ResultOK
}
func (f *fakeModel) WriteEntry(dm.Entry) dm.Result                          { return dm.ResultOK }
func (f *fakeModel) CreateObjectInstance(uint16, int32) (uint16, dm.Result) { return 0, dm.ResultOK }
func (f *fakeModel) Execute(string, []byte) dm.Result                      { return dm.ResultOK }
func (f *fakeModel) DeleteInstance(string) dm.Result                       { return dm.ResultOK }
func (f *fakeModel) BootstrapValidate() dm.Result                         { return dm.ResultOK }
func (f *fakeModel) FindServerInstance(uint16) (uint16, dm.Result)        { return 0, dm.ResultOK }
func (f *fakeModel) FindSecurityInstance(uint16) (uint16, dm.Result)      { return 0, dm.ResultOK }

func tok(b byte) coap.Token { return coap.Token{b} }

func TestWriteAttributesInheritsFromRootToLeaf(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 20})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	pmin := uint32(5)
	require.NoError(t, e.WriteAttributes(1, "/3/0", Attrs{Pmin: &pmin}))

	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1"}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	require.Len(t, idxs, 1)

	obs := e.observations[idxs[0]]
	require.NotNil(t, obs.effective.Pmin)
	assert.Equal(t, uint32(5), *obs.effective.Pmin)
}

func TestRawObserveAttrsSupersedeInheritance(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 20})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	inherited := uint32(5)
	require.NoError(t, e.WriteAttributes(1, "/3/0", Attrs{Pmin: &inherited}))

	raw := uint32(30)
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{Pmin: &raw}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	obs := e.observations[idxs[0]]
	assert.Equal(t, uint32(30), *obs.effective.Pmin)
}

func TestStepThresholdTriggersNotification(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 20.0})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	st := 2.0
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{St: &st}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)

	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 21.0})
	e.onValueChanged("/3/0/1")
	assert.False(t, e.observations[idxs[0]].notificationPending)

	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 23.0})
	e.onValueChanged("/3/0/1")
	assert.True(t, e.observations[idxs[0]].notificationPending)
}

func TestLtGtCrossingTriggersNotification(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 10.0})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	lt := 5.0
	gt := 15.0
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{Lt: &lt, Gt: &gt}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)

	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 16.0})
	e.onValueChanged("/3/0/1")
	assert.True(t, e.observations[idxs[0]].notificationPending)
}

func TestEdgeOnBooleanTriggersNotification(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/9", dm.KindBool, dm.Value{Kind: dm.KindBool, Bool: false})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	edge := uint8(1)
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/9", Attrs: Attrs{Edge: &edge}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)

	m.set("/3/0/9", dm.KindBool, dm.Value{Kind: dm.KindBool, Bool: true})
	e.onValueChanged("/3/0/9")
	assert.True(t, e.observations[idxs[0]].notificationPending)
}

func TestPmaxFiresWithoutValueChange(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 1})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	pmax := uint32(1)
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{Pmax: &pmax}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	e.observations[idxs[0]].lastNotifyTs = 1000

	n, next := e.Process(1, 1000, DefaultMaxPmax, false)
	assert.Nil(t, n)
	assert.Equal(t, int64(2000), next)

	n, _ = e.Process(1, 2500, DefaultMaxPmax, false)
	require.NotNil(t, n)
	assert.Equal(t, []string{"/3/0/1"}, n.Paths)
}

func TestPminFloorDefersPendingNotification(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 1.0})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	pmin := uint32(5)
	st := 0.5
	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{Pmin: &pmin, St: &st}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	e.observations[idxs[0]].lastNotifyTs = 1000

	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 2.0})
	e.onValueChanged("/3/0/1")
	require.True(t, e.observations[idxs[0]].notificationPending)

	n, next := e.Process(1, 2000, DefaultMaxPmax, false)
	assert.Nil(t, n)
	assert.Equal(t, int64(6000), next)

	n, _ = e.Process(1, 6000, DefaultMaxPmax, false)
	require.NotNil(t, n)
}

func TestCompositeGroupSharesObserveNumberAndCancelRemovesAll(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 1})
	m.set("/3/0/2", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 2})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1"}, {Path: "/3/0/2"}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	require.Len(t, idxs, 2)

	members := e.groupMembers(idxs[0])
	assert.ElementsMatch(t, idxs, members)

	n := e.buildNotification(idxs[0], 1000, false)
	require.Len(t, n.Paths, 2)
	e.Commit(n, 1000)
	assert.Equal(t, e.observations[idxs[0]].observeNumber, e.observations[idxs[1]].observeNumber)

	assert.True(t, e.Cancel(1, tok(1)))
	assert.False(t, e.used[idxs[0]])
	assert.False(t, e.used[idxs[1]])
}

func TestNotificationFallsBackToServerDefaultConfirmability(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 1})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1"}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)

	withoutDefault := e.buildNotification(idxs[0], 1000, false)
	assert.False(t, withoutDefault.Confirmable, "no con attribute and defaultCon=false must yield NON")

	withDefault := e.buildNotification(idxs[0], 1000, true)
	assert.True(t, withDefault.Confirmable, "defaultCon=true must be used when con attribute is unset")

	con := uint8(0)
	idxs2, err := e.NewObserve(2, tok(2), []Path{{Path: "/3/0/1", Attrs: Attrs{Con: &con}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)
	explicit := e.buildNotification(idxs2[0], 1000, true)
	assert.False(t, explicit.Confirmable, "an explicit con=0 must override defaultCon")
}

func TestDeleteRemovesNonCompositeObservationUnderPath(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindInt, dm.Value{Kind: dm.KindInt, Int: 1})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	idxs, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1"}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	require.NoError(t, err)

	e.DataModelChanged(dm.ChangeDeleted, "/3/0", 1)
	assert.False(t, e.used[idxs[0]])
}

func TestValidateRejectsLtGtTooClose(t *testing.T) {
	m := newFakeModel()
	m.set("/3/0/1", dm.KindFloat, dm.Value{Kind: dm.KindFloat, Float: 10.0})
	mc := clock.NewManual(1000)
	e := New(mc, m)

	lt, gt, st := 5.0, 6.0, 1.0
	_, err := e.NewObserve(1, tok(1), []Path{{Path: "/3/0/1", Attrs: Attrs{Lt: &lt, Gt: &gt, St: &st}}}, coap.FormatSenMLCBOR, coap.FormatSenMLCBOR)
	assert.Error(t, err)
}
