// Package codec serializes frame bodies.
//
// The frame header never says which codec produced a body, so both ends of a
// connection must be configured with the same one.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON
}

// Default returns the codec used when none is configured.
func Default() Codec {
	return &JSONCodec{}
}
