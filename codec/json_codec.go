package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Human-readable and easy to inspect with socat while debugging a worker.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode leaves v untouched when data is empty; a zero-length body is how a
// peer says "nothing to report".
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
