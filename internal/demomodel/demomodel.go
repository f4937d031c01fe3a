// Package demomodel is a tiny in-memory dm.Model good enough to drive
// cmd/lwm2mclient against a real LwM2M server: one Device object
// instance (/3/0) and one Server object instance (/1/0) with a handful
// of resources whose values can be written, enough for REGISTER's
// link-format payload and a handful of read/observe requests. A real
// deployment supplies its own Model backed by its actual object tree;
// this one exists only so the example CLI has something to register.
package demomodel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/lwm2mclient/pkg/dm"
)

type resource struct {
	path  string
	value dm.Value
}

// Model is a fixed Device+Server object tree: WriteEntry replaces the
// value of an existing resource, but instances cannot be created or
// deleted.
type Model struct {
	resources []resource
	cursor    int
	op        dm.Operation
}

// New builds a demo Model reporting the given manufacturer/model/
// firmware strings under /3/0 (Device object).
func New(manufacturer, modelNumber, firmware string) *Model {
	return &Model{
		resources: []resource{
			{"/3/0/0", dm.Value{Kind: dm.KindString, String: manufacturer}},
			{"/3/0/1", dm.Value{Kind: dm.KindString, String: modelNumber}},
			{"/3/0/3", dm.Value{Kind: dm.KindString, String: firmware}},
			{"/3/0/9", dm.Value{Kind: dm.KindInt, Int: 100}},
			{"/1/0/0", dm.Value{Kind: dm.KindUint, Uint: 0}},
			{"/1/0/1", dm.Value{Kind: dm.KindUint, Uint: 86400}},
		},
	}
}

func (m *Model) OperationBegin(op dm.Operation, _ uint16, _ string) dm.Result {
	m.op = op
	m.cursor = 0
	return dm.ResultOK
}

func (m *Model) OperationEnd() dm.Result { return dm.ResultOK }

func (m *Model) ReadableResourceCount() int { return len(m.resources) }

func (m *Model) GetReadEntry() (dm.Entry, dm.Result) {
	if m.cursor >= len(m.resources) {
		return dm.Entry{Last: true}, dm.ResultOK
	}
	r := m.resources[m.cursor]
	m.cursor++
	return dm.Entry{Path: r.path, Value: r.value, Last: m.cursor >= len(m.resources)}, dm.ResultOK
}

func (m *Model) PathHasReadableResources(path string) dm.Result {
	for _, r := range m.resources {
		if strings.HasPrefix(r.path, path) {
			return dm.ResultOK
		}
	}
	return dm.ResultNotFound
}

func (m *Model) ResourceKind(path string) dm.ValueKind {
	for _, r := range m.resources {
		if r.path == path {
			return r.value.Kind
		}
	}
	return dm.KindNone
}

func (m *Model) GetResourceValue(path string) (dm.Value, bool, dm.Result) {
	for _, r := range m.resources {
		if r.path == path {
			return r.value, false, dm.ResultOK
		}
	}
	return dm.Value{}, false, dm.ResultNotFound
}

func (m *Model) WriteEntry(entry dm.Entry) dm.Result {
	for i, r := range m.resources {
		if r.path == entry.Path {
			m.resources[i].value = entry.Value
			return dm.ResultOK
		}
	}
	return dm.ResultNotFound
}

func (m *Model) CreateObjectInstance(uint16, int32) (uint16, dm.Result) {
	return 0, dm.ResultNotImplemented
}

func (m *Model) Execute(path string, _ []byte) dm.Result {
	if path == "/3/0/4" {
		return dm.ResultOK
	}
	return dm.ResultMethodNotAllowed
}

func (m *Model) DeleteInstance(string) dm.Result { return dm.ResultMethodNotAllowed }

func (m *Model) BootstrapValidate() dm.Result { return dm.ResultOK }

func (m *Model) FindServerInstance(ssid uint16) (uint16, dm.Result) {
	if ssid == 1 {
		return 0, dm.ResultOK
	}
	return 0, dm.ResultNotFound
}

func (m *Model) FindSecurityInstance(ssid uint16) (uint16, dm.Result) {
	if ssid == 1 {
		return 0, dm.ResultOK
	}
	return 0, dm.ResultNotFound
}

// String renders the current object tree, one "path = value" line per
// resource.
func (m *Model) String() string {
	var b strings.Builder
	for _, r := range m.resources {
		fmt.Fprintf(&b, "%s = %s\n", r.path, valueString(r.value))
	}
	return b.String()
}

func valueString(v dm.Value) string {
	switch v.Kind {
	case dm.KindString:
		return v.String
	case dm.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case dm.KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case dm.KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case dm.KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "<opaque>"
	}
}
