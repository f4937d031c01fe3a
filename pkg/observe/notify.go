package observe

import (
	"math"

	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
)

// Notification is one built NOTIFY, possibly covering several paths for
// a composite observation.
type Notification struct {
	SSID          uint16
	Token         coap.Token
	Paths         []string
	Values        []dm.Value
	ObserveNumber uint32
	Confirmable   bool
	Accept        coap.ContentFormat
	ContentFormat coap.ContentFormat
	GroupIndices  []int
}

// pminMs/pmaxMs read effective attributes in milliseconds, falling back
// to the server's default_max (resource /1/x/3) when pmax is absent.
func pminMs(a Attrs) (int64, bool) {
	if a.Pmin == nil {
		return 0, false
	}
	return int64(*a.Pmin) * 1000, true
}

func pmaxMs(a Attrs, defaultMaxS uint32) (int64, bool) {
	if a.Pmax != nil {
		return int64(*a.Pmax) * 1000, true
	}
	if defaultMaxS > 0 {
		return int64(defaultMaxS) * 1000, true
	}
	return 0, false
}

// evaluateCondition re-checks one observation against its effective
// attributes after a value_changed notification (spec §4.7).
func (e *Engine) evaluateCondition(idx int) {
	obs := &e.observations[idx]
	value, isMulti, res := e.model.GetResourceValue(obs.Path)
	if res != dm.ResultOK || isMulti {
		obs.notificationPending = true
		return
	}

	if obs.effective.Lt == nil && obs.effective.Gt == nil && obs.effective.St == nil && obs.effective.Edge == nil {
		obs.notificationPending = true
		return
	}

	if obs.effective.Edge != nil && value.Kind == dm.KindBool {
		if value.Bool != obs.lastSentValue.Bool {
			obs.notificationPending = true
		}
		return
	}

	last, lok := asFloat(obs.lastSentValue)
	cur, cok := asFloat(value)
	if !lok || !cok {
		obs.notificationPending = true
		return
	}

	triggered := false
	if obs.effective.St != nil && math.Abs(cur-last) >= *obs.effective.St {
		triggered = true
	}
	if obs.effective.Lt != nil && ((last > *obs.effective.Lt) != (cur > *obs.effective.Lt)) {
		triggered = true
	}
	if obs.effective.Gt != nil && ((last > *obs.effective.Gt) != (cur > *obs.effective.Gt)) {
		triggered = true
	}
	if triggered {
		obs.notificationPending = true
	}
}

func asFloat(v dm.Value) (float64, bool) {
	switch v.Kind {
	case dm.KindInt:
		return float64(v.Int), true
	case dm.KindUint:
		return float64(v.Uint), true
	case dm.KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// isDue reports whether the representative observation of a group
// should fire now (spec §4.7's pmax-reached / clock-reversed /
// pending-flag-set conditions).
func (e *Engine) isDue(idx int, now int64, defaultMaxS uint32) bool {
	obs := &e.observations[idx]
	if !obs.active {
		return false
	}
	if obs.lastNotifyTs != 0 && now < obs.lastNotifyTs {
		return true // clock reversed
	}
	if obs.notificationPending {
		if pmin, ok := pminMs(obs.effective); ok {
			if now-obs.lastNotifyTs < pmin {
				return false // deferred until pmin releases
			}
		}
		return true
	}
	if pmax, ok := pmaxMs(obs.effective, defaultMaxS); ok && obs.lastNotifyTs != 0 {
		if now-obs.lastNotifyTs >= pmax {
			return true
		}
	}
	return false
}

// nextDeadline returns the soonest moment the representative
// observation will next be due, or clock.NoDeadline.
func (e *Engine) nextDeadline(idx int, now int64, defaultMaxS uint32) int64 {
	obs := &e.observations[idx]
	if !obs.active {
		return clock.NoDeadline
	}
	next := clock.NoDeadline
	if obs.notificationPending {
		if pmin, ok := pminMs(obs.effective); ok {
			next = clock.NextDeadline(next, obs.lastNotifyTs+pmin)
		} else {
			next = clock.NextDeadline(next, now)
		}
	}
	if pmax, ok := pmaxMs(obs.effective, defaultMaxS); ok {
		next = clock.NextDeadline(next, obs.lastNotifyTs+pmax)
	}
	return next
}

// representatives returns one index per distinct group among the
// currently used observations belonging to ssid.
func (e *Engine) representatives(ssid uint16) []int {
	seen := make(map[int]bool)
	var reps []int
	for i := range e.used {
		if !e.used[i] || e.observations[i].SSID != ssid {
			continue
		}
		if seen[i] {
			continue
		}
		for _, m := range e.groupMembers(i) {
			seen[m] = true
		}
		reps = append(reps, i)
	}
	return reps
}

// Process scans observations for ssid; if one group is due it builds
// exactly one Notification and stops (spec: "build one notification and
// stop"), otherwise it returns the shortest deadline for the core's
// sleep calculation. defaultCon is the Server Object's default
// notification mode (resource 26), used when a group's effective con
// attribute is unset.
func (e *Engine) Process(ssid uint16, now int64, defaultMaxS uint32, defaultCon bool) (*Notification, int64) {
	next := clock.NoDeadline
	for _, rep := range e.representatives(ssid) {
		if e.isDue(rep, now, defaultMaxS) {
			return e.buildNotification(rep, now, defaultCon), clock.NoDeadline
		}
		next = clock.NextDeadline(next, e.nextDeadline(rep, now, defaultMaxS))
	}
	return nil, next
}

// buildNotification assembles a Notification across every member of
// rep's group, advances the shared observe_number, and leaves the
// per-observation bookkeeping (last_sent_value/last_notify_timestamp/
// pending) for Commit to finalize once the send actually succeeds.
func (e *Engine) buildNotification(rep int, now int64, defaultCon bool) *Notification {
	members := e.groupMembers(rep)
	obs := &e.observations[rep]

	n := &Notification{
		SSID:          obs.SSID,
		Token:         obs.Token,
		ObserveNumber: (obs.observeNumber + 1) % coap.ObserveWrap,
		Accept:        obs.accept,
		ContentFormat: obs.contentFormat,
		GroupIndices:  members,
	}
	confirmable := effectiveCon(obs.effective, defaultCon)
	n.Confirmable = confirmable

	for _, idx := range members {
		m := &e.observations[idx]
		v, _, res := e.model.GetResourceValue(m.Path)
		n.Paths = append(n.Paths, m.Path)
		if res == dm.ResultOK {
			n.Values = append(n.Values, v)
		} else {
			n.Values = append(n.Values, dm.Value{})
		}
	}
	return n
}

// effectiveCon resolves confirmability from the effective con attribute,
// falling back to defaultCon — the Server Object's default notification
// mode (resource /1/x/26) — when absent (SPEC_FULL §C.4, grounded on
// original_source's notification.c).
func effectiveCon(a Attrs, defaultCon bool) bool {
	if a.Con != nil {
		return *a.Con == 1
	}
	return defaultCon
}

// Commit stamps every member of the notification's group with the new
// observe_number/timestamp and clears the pending flag, called once the
// notification has actually been sent (spec: "every successful send
// stamps last_notify_timestamp = now, clears pending, and ... updates
// last_sent_value").
func (e *Engine) Commit(n *Notification, now int64) {
	for _, idx := range n.GroupIndices {
		obs := &e.observations[idx]
		obs.observeNumber = n.ObserveNumber
		obs.lastNotifyTs = now
		obs.notificationPending = false
		if obs.effective.Lt != nil || obs.effective.Gt != nil || obs.effective.St != nil || obs.effective.Edge != nil {
			if v, isMulti, res := e.model.GetResourceValue(obs.Path); res == dm.ResultOK && !isMulti {
				obs.lastSentValue = v
			}
		}
	}
}

// OnReset cancels the observation group when a confirmable notification
// is answered with a CoAP RESET (spec §4.7).
func (e *Engine) OnReset(ssid uint16, token coap.Token) {
	e.Cancel(ssid, token)
}
