package send

import (
	"testing"

	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysRegistered struct{ can bool }

func (a alwaysRegistered) CanSend() bool { return a.can }

func TestEnqueueAssignsMonotonicNonZeroIDs(t *testing.T) {
	q := NewQueue(4)
	id1, err := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	require.NoError(t, err)
	assert.NotZero(t, id1)
	assert.Greater(t, id2, id1)
}

func TestEnqueueRejectsWhenNotRegistered(t *testing.T) {
	q := NewQueue(4)
	_, err := q.Enqueue(alwaysRegistered{false}, nil, coap.FormatSenMLCBOR, true, nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	q := NewQueue(1)
	_, err := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAbortAllInvokesEveryHandlerOnce(t *testing.T) {
	q := NewQueue(4)
	var calls []coap.Result
	cb := func(r coap.Result) { calls = append(calls, r) }
	q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, cb)
	q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, cb)
	q.BeginSend()
	q.AbortAll()
	assert.Len(t, calls, 2)
	for _, r := range calls {
		assert.Equal(t, coap.ResultErrorTerminated, r)
	}
}

func TestAbortOneCompactsQueuePreservingOrder(t *testing.T) {
	q := NewQueue(4)
	id1, _ := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	id2, _ := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)
	id3, _ := q.Enqueue(alwaysRegistered{true}, nil, coap.FormatSenMLCBOR, true, nil)

	require.True(t, q.AbortOne(id2))
	first, ok := q.BeginSend()
	require.True(t, ok)
	assert.Equal(t, id1, first.ID)
	second, ok := q.BeginSend()
	require.True(t, ok)
	assert.Equal(t, id3, second.ID)
}
