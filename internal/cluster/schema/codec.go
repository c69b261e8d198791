package schema

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle codec.MsgpackHandle

const foreignTypeTag = "foreign/object"

// decodeRef parses a MsgPack-encoded schema object into a Ref,
// detecting the foreign marker {"type": "foreign/object", "endpoint": "..."}.
func decodeRef(data []byte) (Ref, error) {
	var m map[string]interface{}
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return Ref{}, fmt.Errorf("schema: decode: %w", err)
	}
	return refFromMap(m), nil
}

func refFromMap(m map[string]interface{}) Ref {
	if t, ok := m["type"]; ok {
		if s, ok := t.(string); ok && s == foreignTypeTag {
			if ep, ok := m["endpoint"].(string); ok {
				return NewForeign(ep)
			}
		}
	}
	return NewLocal(m)
}

// encodeRef serializes a Ref back to MsgPack bytes for persistence.
func encodeRef(r Ref) ([]byte, error) {
	var m map[string]interface{}
	if r.IsForeign() {
		m = map[string]interface{}{
			"type":     foreignTypeTag,
			"endpoint": r.ForeignEndpoint(),
		}
	} else {
		m = r.LocalBody()
		if m == nil {
			m = map[string]interface{}{}
		}
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	return buf, nil
}
