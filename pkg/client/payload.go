// SenML-JSON (RFC 8428) encoding for GET/Observe server-request
// responses. Mirrors pkg/core/payload.go's encodeSenMLJSON — that copy
// stays private to the register session's Send/Notify path, this one
// serves the device-management dispatcher's read responses, since
// pkg/dm deliberately has no payload-encoding helpers of its own.
package client

import (
	"encoding/json"

	"github.com/samsamfire/lwm2mclient/pkg/dm"
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
		s := hexString(v.Opaque)
		r.DataValue = &s
	}
	return r
}

func hexString(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0x0f]
	}
	return string(out)
}

// encodeEntriesSenMLJSON renders a batch of read entries as a
// SenML-JSON array, dropping the LAST_RECORD sentinel when it carries
// no path of its own (an empty model's only entry).
func encodeEntriesSenMLJSON(entries []dm.Entry) []byte {
	records := make([]senmlRecord, 0, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		records = append(records, senmlFromValue(e.Path, e.Value))
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil
	}
	return b
}
