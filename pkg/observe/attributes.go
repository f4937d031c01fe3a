package observe

import "github.com/samsamfire/lwm2mclient/pkg/dm"

// Attrs holds the LwM2M 1.2 notification attributes, each optional
// (nil pointer = absent), as found on a write-attributes entry or
// carried on an observe request (spec §3's "Attribute storage entry").
type Attrs struct {
	Pmin  *uint32
	Pmax  *uint32
	Lt    *float64
	Gt    *float64
	St    *float64
	Epmin *uint32
	Epmax *uint32
	Edge  *uint8
	Con   *uint8
	Hqmax *uint32
}

// merge overlays non-nil fields of other onto a copy of a (used for
// inheritance: root -> path, each present entry overlaying the last).
func (a Attrs) merge(other Attrs) Attrs {
	out := a
	if other.Pmin != nil {
		out.Pmin = other.Pmin
	}
	if other.Pmax != nil {
		out.Pmax = other.Pmax
	}
	if other.Lt != nil {
		out.Lt = other.Lt
	}
	if other.Gt != nil {
		out.Gt = other.Gt
	}
	if other.St != nil {
		out.St = other.St
	}
	if other.Epmin != nil {
		out.Epmin = other.Epmin
	}
	if other.Epmax != nil {
		out.Epmax = other.Epmax
	}
	if other.Edge != nil {
		out.Edge = other.Edge
	}
	if other.Con != nil {
		out.Con = other.Con
	}
	if other.Hqmax != nil {
		out.Hqmax = other.Hqmax
	}
	return out
}

// isEmpty reports whether no attribute is set.
func (a Attrs) isEmpty() bool {
	return a.Pmin == nil && a.Pmax == nil && a.Lt == nil && a.Gt == nil &&
		a.St == nil && a.Epmin == nil && a.Epmax == nil && a.Edge == nil &&
		a.Con == nil && a.Hqmax == nil
}

// AttrEntry is a stored write-attributes record for (ssid, path) (spec
// §3). A zero ssid marks a free slot, mirroring the teacher's ODR-style
// "sentinel marks free" convention used for OD entries.
type AttrEntry struct {
	SSID  uint16
	Path  string
	Attrs Attrs
}

// validate applies the §4.7 validation rules, rejecting or silently
// dropping attributes as specified. isResource/isComposite/isMulti
// describe the target path; resourceKind is only consulted when a
// numeric/boolean-typed attribute is present.
func validate(a Attrs, isResource, isComposite, isMulti bool, resourceKind dm.ValueKind) (Attrs, error) {
	if a.Epmin != nil && a.Epmax != nil && *a.Epmin >= *a.Epmax {
		return a, errBadRequest("epmin >= epmax")
	}
	if a.Lt != nil && a.Gt != nil && *a.Lt >= *a.Gt {
		return a, errBadRequest("lt >= gt")
	}
	if a.Lt != nil && a.Gt != nil && a.St != nil && *a.Lt+2*(*a.St) >= *a.Gt {
		return a, errBadRequest("lt + 2*st >= gt")
	}
	if a.Edge != nil && *a.Edge != 0 && *a.Edge != 1 {
		return a, errBadRequest("edge must be 0 or 1")
	}
	if a.Con != nil && *a.Con != 0 && *a.Con != 1 {
		return a, errBadRequest("con must be 0 or 1")
	}

	changeValueApplies := isResource && !isComposite && !isMulti
	if !changeValueApplies {
		a.Lt, a.Gt, a.St, a.Edge = nil, nil, nil, nil
	} else {
		if (a.Lt != nil || a.Gt != nil || a.St != nil) && resourceKind != dm.KindInt && resourceKind != dm.KindUint && resourceKind != dm.KindFloat {
			return a, errBadRequest("lt/gt/st require a numeric resource")
		}
		if a.Edge != nil && resourceKind != dm.KindBool {
			return a, errBadRequest("edge requires a boolean resource")
		}
	}
	return a, nil
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequestError{msg} }
