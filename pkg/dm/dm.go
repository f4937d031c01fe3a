// Package dm models the data-model facade (spec §4.8): the external
// contract the exchange and observe layers use to read/write the LwM2M
// object tree. The actual object tree, payload serialization (SenML-
// CBOR/LwM2M-TLV/link-format) and storage live in the host's
// implementation of Model; this package only owns the interface and the
// result-code-to-CoAP-code mapping, in the spirit of the teacher's
// pkg/od/interface.go OD_entry_t/ReadOriginal boundary.
package dm

import "github.com/samsamfire/lwm2mclient/pkg/coap"

// ValueKind tags the dynamic type carried by Value.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindInt
	KindUint
	KindFloat
	KindBool
	KindString
	KindOpaque
	KindObjLink
	KindTime
)

// Value is a single resource value, tagged per ValueKind. Mirrors the
// observation's "last_sent_value (int/uint/double/bool)" shape from
// spec §3, extended with the remaining LwM2M primitive types the write/
// create/execute paths need.
type Value struct {
	Kind   ValueKind
	Int    int64
	Uint   uint64
	Float  float64
	Bool   bool
	String string
	Opaque []byte
}

// Operation is the kind of data-model access being performed, passed to
// OperationBegin.
type Operation uint8

const (
	OpRead Operation = iota
	OpReadComposite
	OpDiscover
	OpWriteReplace
	OpWritePartial
	OpWriteComposite
	OpExecute
	OpCreate
	OpDelete
	OpBootstrapRead
	OpBootstrapWrite
	OpBootstrapDiscover
	OpBootstrapDelete
)

// Entry is one readable resource record returned by GetReadEntry,
// carrying its own path rather than relying on caller-tracked cursor
// state.
type Entry struct {
	Path  string
	Value Value
	IsMulti bool
	// Last marks the LAST_RECORD sentinel (spec §4.8): no further
	// entries exist for this operation.
	Last bool
}

// Result is the richer error enum SPEC_FULL §C.1 adds on top of the
// eight CoAP error-code buckets spec §4.8 names; every error value still
// collapses onto one of those eight when mapped through CoAPCode.
type Result uint8

const (
	ResultOK Result = iota
	ResultBadRequest
	ResultUnauthorized
	ResultNotFound
	ResultMethodNotAllowed
	ResultUnsupportedFormat
	ResultNotImplemented
	ResultServiceUnavailable
	ResultInternal
	// ResultInstanceExists is the supplemented Create-specific bucket:
	// the original maps "already exists" to Bad Request rather than
	// Internal Server Error (SPEC_FULL §C.1).
	ResultInstanceExists
	// ResultInstanceSpaceExhausted is the supplemented Create-specific
	// bucket for a full, instance-bearing path (SPEC_FULL §C.1): still
	// collapses to 5.00 but is distinguishable to the caller.
	ResultInstanceSpaceExhausted
)

var resultNames = [...]string{
	"ok",
	"bad request",
	"unauthorized",
	"not found",
	"method not allowed",
	"unsupported content format",
	"not implemented",
	"service unavailable",
	"internal error",
	"instance already exists",
	"instance space exhausted",
}

func (r Result) Error() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown data-model result"
}

// CoAPCode maps a Result onto the eight error buckets spec §4.8 names
// (ResultOK maps to 2.04 Changed).
func (r Result) CoAPCode() coap.Code {
	switch r {
	case ResultOK:
		return coap.CodeChanged2_04
	case ResultBadRequest, ResultInstanceExists:
		return coap.CodeBadRequest4_00
	case ResultUnauthorized:
		return coap.CodeUnauthorized4_01
	case ResultNotFound:
		return coap.CodeNotFound4_04
	case ResultMethodNotAllowed:
		return coap.CodeMethodNotAllowed4_05
	case ResultUnsupportedFormat:
		return coap.CodeUnsupportedFormat4_15
	case ResultNotImplemented:
		return coap.CodeNotImplemented5_01
	case ResultServiceUnavailable:
		return coap.CodeServiceUnavailable5_03
	default:
		return coap.CodeInternalServerError5_00
	}
}

// ChangeKind tags a data_model_changed notification (spec §4.7).
type ChangeKind uint8

const (
	ChangeValue ChangeKind = iota
	ChangeAdded
	ChangeDeleted
)

// BootstrapServerID is the dedicated SSID constant marking the
// bootstrap server (glossary: "a dedicated constant marks the bootstrap
// server").
const BootstrapServerID uint16 = 0

// AnySSID is the reserved "any server" SSID (glossary: 65535).
const AnySSID uint16 = 65535

// Model is the data-model facade contract (spec §4.8).
type Model interface {
	OperationBegin(op Operation, ssid uint16, uri string) Result
	OperationEnd() Result

	ReadableResourceCount() int
	// GetReadEntry returns the next entry of the current read
	// operation; Entry.Last is set on (and after) the final record.
	GetReadEntry() (Entry, Result)

	PathHasReadableResources(path string) Result
	ResourceKind(path string) ValueKind
	GetResourceValue(path string) (Value, bool /*isMulti*/, Result)

	WriteEntry(entry Entry) Result
	// CreateObjectInstance creates a new instance, optionally at a
	// caller-supplied iid (iid < 0 means "let the facade pick one").
	CreateObjectInstance(oid uint16, iid int32) (createdIID uint16, result Result)
	Execute(path string, args []byte) Result
	DeleteInstance(path string) Result

	BootstrapValidate() Result

	FindServerInstance(ssid uint16) (iid uint16, result Result)
	FindSecurityInstance(ssid uint16) (iid uint16, result Result)
}
