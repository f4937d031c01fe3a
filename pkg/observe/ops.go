package observe

import (
	"strings"

	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
)

// Path describes one member of a (possibly composite) observe request.
type Path struct {
	Path string
	Attrs
}

// NewObserve allocates a (possibly composite) observation group. Every
// member shares ssid, token, accept/content-format, and observe_number;
// a request with more than one path is linked into a circular group,
// while a single-path request stays non-composite (prev == noPrev)
// (spec §3/§4.7).
func (e *Engine) NewObserve(ssid uint16, token coap.Token, paths []Path, accept, contentFormat coap.ContentFormat) ([]int, error) {
	if len(paths) == 0 {
		return nil, errBadRequest("observe request with no paths")
	}
	indices := make([]int, 0, len(paths))
	for _, p := range paths {
		idx, ok := e.allocObservation()
		if !ok {
			e.freeAll(indices)
			return nil, errBadRequest("observation arena exhausted")
		}
		obs := &e.observations[idx]
		obs.SSID = ssid
		obs.Token = token
		obs.Path = p.Path
		obs.raw = p.Attrs
		obs.accept = accept
		obs.contentFormat = contentFormat
		obs.active = true
		indices = append(indices, idx)
	}
	isComposite := len(indices) > 1
	if isComposite {
		e.linkGroup(indices)
	}
	for _, idx := range indices {
		if err := e.refreshEffective(idx, isComposite); err != nil {
			e.freeAll(indices)
			return nil, err
		}
		obs := &e.observations[idx]
		if v, isMulti, res := e.model.GetResourceValue(obs.Path); res == dm.ResultOK && !isMulti {
			obs.lastSentValue = v
		}
	}
	return indices, nil
}

func (e *Engine) freeAll(indices []int) {
	for _, idx := range indices {
		e.used[idx] = false
	}
}

// Cancel removes every observation in the group identified by
// (ssid, token).
func (e *Engine) Cancel(ssid uint16, token coap.Token) bool {
	idx, ok := e.find(ssid, token)
	if !ok {
		return false
	}
	for _, member := range e.groupMembers(idx) {
		e.used[member] = false
	}
	return true
}

func (e *Engine) find(ssid uint16, token coap.Token) (int, bool) {
	for i := range e.used {
		if e.used[i] && e.observations[i].SSID == ssid && e.observations[i].Token.Equal(token) {
			return i, true
		}
	}
	return 0, false
}

// WriteAttributes inserts or updates the attribute entry for
// (ssid, path), validating per §4.7, then refreshes the effective
// attributes of every observation rooted at or above path.
func (e *Engine) WriteAttributes(ssid uint16, path string, attrs Attrs) error {
	isResource, isMulti, kind := e.describePath(path)
	validated, err := validate(attrs, isResource, false, isMulti, kind)
	if err != nil {
		return err
	}

	for i := range e.attrUsed {
		if e.attrUsed[i] && e.attrs[i].SSID == ssid && e.attrs[i].Path == path {
			e.attrs[i].Attrs = validated
			e.refreshObservationsUnder(ssid, path)
			return nil
		}
	}
	idx, ok := e.allocAttr()
	if !ok {
		return errBadRequest("attribute arena exhausted")
	}
	e.attrs[idx] = AttrEntry{SSID: ssid, Path: path, Attrs: validated}
	e.refreshObservationsUnder(ssid, path)
	return nil
}

func (e *Engine) describePath(path string) (isResource bool, isMulti bool, kind dm.ValueKind) {
	segments := strings.Count(strings.Trim(path, "/"), "/") + 1
	if path == "" || path == "/" {
		segments = 0
	}
	isResource = segments == 3 || segments == 4
	if isResource {
		_, isMulti, _ = e.model.GetResourceValue(path)
		kind = e.model.ResourceKind(path)
	}
	return
}

func (e *Engine) refreshObservationsUnder(ssid uint16, path string) {
	for i := range e.used {
		if !e.used[i] {
			continue
		}
		obs := &e.observations[i]
		if obs.SSID != ssid {
			continue
		}
		if isAtOrAbove(path, obs.Path) {
			isComposite := e.observations[i].prev != noPrev && e.observations[i].prev != i
			e.refreshEffective(i, isComposite)
		}
	}
}

// isAtOrAbove reports whether attrPath is a prefix of (or equal to)
// observationPath in the LwM2M path hierarchy.
func isAtOrAbove(attrPath, observationPath string) bool {
	if attrPath == observationPath {
		return true
	}
	return strings.HasPrefix(observationPath, strings.TrimSuffix(attrPath, "/")+"/")
}

// refreshEffective recomputes one observation's effective attributes by
// inheriting from root toward its path, overlaying each present entry
// (spec §4.7). If the observe request itself carried non-empty
// attributes, those supersede inheritance (LwM2M 1.2 rule).
func (e *Engine) refreshEffective(idx int, isComposite bool) error {
	obs := &e.observations[idx]
	if !obs.raw.isEmpty() {
		isResource, isMulti, kind := e.describePath(obs.Path)
		validated, err := validate(obs.raw, isResource, isComposite, isMulti, kind)
		if err != nil {
			return err
		}
		obs.effective = validated
		return nil
	}

	var acc Attrs
	for _, prefix := range pathPrefixes(obs.Path) {
		for i := range e.attrUsed {
			if e.attrUsed[i] && e.attrs[i].SSID == obs.SSID && e.attrs[i].Path == prefix {
				acc = acc.merge(e.attrs[i].Attrs)
			}
		}
	}
	isResource, isMulti, kind := e.describePath(obs.Path)
	validated, err := validate(acc, isResource, isComposite, isMulti, kind)
	if err != nil {
		return err
	}
	obs.effective = validated
	return nil
}

// pathPrefixes returns /obj, /obj/iid, /obj/iid/rid, /obj/iid/rid/riid
// in root-to-leaf order for the given path.
func pathPrefixes(path string) []string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(segs))
	cur := ""
	for _, s := range segs {
		cur += "/" + s
		out = append(out, cur)
	}
	return out
}

// DataModelChanged reacts to a data-model mutation (spec §4.7).
// originSSID is the originating server's ssid, or 0 for an
// internal/local change.
func (e *Engine) DataModelChanged(kind dm.ChangeKind, path string, originSSID uint16) {
	switch kind {
	case dm.ChangeDeleted:
		e.onDeleted(path)
	case dm.ChangeAdded:
		e.onAdded(path)
	case dm.ChangeValue:
		e.onValueChanged(path)
	}
}

func (e *Engine) onDeleted(path string) {
	for i := range e.attrUsed {
		if e.attrUsed[i] && isAtOrAbove(path, e.attrs[i].Path) {
			e.attrUsed[i] = false
		}
	}
	for i := range e.used {
		if e.used[i] && e.observations[i].prev == noPrev && isAtOrAbove(path, e.observations[i].Path) {
			e.used[i] = false
		}
	}
}

func (e *Engine) onAdded(path string) {
	for i := range e.used {
		if !e.used[i] {
			continue
		}
		obs := &e.observations[i]
		if isAtOrAbove(path, obs.Path) || isAtOrAbove(obs.Path, path) {
			obs.notificationPending = true
		}
	}
}

func (e *Engine) onValueChanged(path string) {
	for i := range e.used {
		if !e.used[i] || e.observations[i].Path != path {
			continue
		}
		e.evaluateCondition(i)
	}
}
