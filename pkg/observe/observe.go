// Package observe implements the observation/notification engine (spec
// §4.7): storage, attribute inheritance, condition evaluation, and
// notification generation for single-path and composite observations.
//
// Grounded on pdo.go/pdo_tpdo.go's fixed-array mapping with an
// inhibit/event timer due-check loop, restructured around arbitrary
// LwM2M paths instead of fixed PDO slots; composite-group and
// effective-attribute-inheritance semantics grounded on
// original_source's observe/{observe,observe_attr,notification}.c.
package observe

import (
	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
)

// noPrev marks a non-composite observation; a prev equal to the
// observation's own index marks a single-member composite group — the
// "self-loop" sentinel from spec §9.
const noPrev = -1

// Observation is one server subscription to a path (spec §3).
type Observation struct {
	SSID  uint16
	Token coap.Token
	Path  string

	effective Attrs
	raw       Attrs

	lastSentValue      dm.Value
	lastNotifyTs       int64
	observeNumber      uint32
	active             bool
	notificationPending bool

	contentFormat coap.ContentFormat
	accept        coap.ContentFormat

	// prev is the intrusive circular list pointer among observations of
	// the same composite request; noPrev for non-composite, self-index
	// for a single-member group.
	prev int
}

// MaxObservations and MaxWriteAttributes bound the engine's arenas
// (spec §3).
const (
	MaxObservations    = 64
	MaxWriteAttributes = 64
)

// DefaultMaxPmax is the Server Object's default pmax (resource /1/x/3)
// fallback used when no effective pmax attribute applies.
const DefaultMaxPmax uint32 = 0

// Engine is the per-client observation/attribute arena.
type Engine struct {
	clock clock.Source
	model dm.Model

	observations [MaxObservations]Observation
	used         [MaxObservations]bool

	attrs    [MaxWriteAttributes]AttrEntry
	attrUsed [MaxWriteAttributes]bool
}

// New creates an empty observation engine.
func New(src clock.Source, model dm.Model) *Engine {
	return &Engine{clock: src, model: model}
}

func (e *Engine) allocObservation() (int, bool) {
	for i := range e.used {
		if !e.used[i] {
			e.used[i] = true
			e.observations[i] = Observation{prev: noPrev}
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) allocAttr() (int, bool) {
	for i := range e.attrUsed {
		if !e.attrUsed[i] {
			e.attrUsed[i] = true
			return i, true
		}
	}
	return 0, false
}

// groupMembers returns the indices of every observation sharing the
// composite group that idx belongs to (including idx itself), walking
// the circular prev list. For a non-composite observation this returns
// just {idx}.
func (e *Engine) groupMembers(idx int) []int {
	obs := &e.observations[idx]
	if obs.prev == noPrev {
		return []int{idx}
	}
	members := []int{idx}
	cur := obs.prev
	for cur != idx {
		members = append(members, cur)
		cur = e.observations[cur].prev
	}
	return members
}

// linkGroup wires a circular prev list across the given indices.
func (e *Engine) linkGroup(indices []int) {
	n := len(indices)
	if n == 1 {
		e.observations[indices[0]].prev = indices[0]
		return
	}
	for i, idx := range indices {
		next := indices[(i+1)%n]
		e.observations[idx].prev = next
	}
}
