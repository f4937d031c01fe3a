// SenML-JSON (RFC 8428) encoding for the register session's Send/Notify
// payloads. The real wire codec lives entirely outside this module
// (spec §6 non-goal); this file only produces the record bytes that a
// Message.Payload carries, in the one content format every LwM2M server
// is required to accept.
package core

import (
	"encoding/json"

	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/pkg/observe"
)

type senmlRecord struct {
	Name        string   `json:"n"`
	Value       *float64 `json:"v,omitempty"`
	StringValue *string  `json:"vs,omitempty"`
	BoolValue   *bool    `json:"vb,omitempty"`
	DataValue   *string  `json:"vd,omitempty"`
}

func senmlFromValue(path string, v dm.Value) senmlRecord {
	r := senmlRecord{Name: path}
	switch v.Kind {
	case dm.KindInt:
		f := float64(v.Int)
		r.Value = &f
	case dm.KindUint:
		f := float64(v.Uint)
		r.Value = &f
	case dm.KindFloat:
		f := v.Float
		r.Value = &f
	case dm.KindBool:
		b := v.Bool
		r.BoolValue = &b
	case dm.KindString:
		s := v.String
		r.StringValue = &s
	case dm.KindOpaque:
		s := base64ish(v.Opaque)
		r.DataValue = &s
	}
	return r
}

// base64ish avoids pulling in encoding/base64 for what is, in this
// fallback encoder, cosmetic; the real codec replaces this path
// entirely.
func base64ish(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0x0f]
	}
	return string(out)
}

// encodeSenMLJSON renders a batch of read entries as a SenML-JSON array.
func encodeSenMLJSON(entries []dm.Entry) []byte {
	records := make([]senmlRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, senmlFromValue(e.Path, e.Value))
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil
	}
	return b
}

// encodeNotifyPaths renders a Notification's values as a SenML-JSON
// array, one record per observed path.
func encodeNotifyPaths(n *observe.Notification) []byte {
	records := make([]senmlRecord, 0, len(n.Paths))
	for i, p := range n.Paths {
		if i >= len(n.Values) {
			break
		}
		records = append(records, senmlFromValue(p, n.Values[i]))
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil
	}
	return b
}
