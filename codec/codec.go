// Package codec turns JSON-RPC messages into frame bodies and back.
//
// MCP stdio servers only understand JSON, so every codec here produces JSON; they differ in
// how fast they get there. The transport picks one at construction time.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeSonic CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Sonic
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeSonic {
		return &SonicCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a configuration name ("json", "sonic") to a CodecType.
// An empty name selects JSON.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "sonic":
		return CodecTypeSonic, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeSonic:
		return "sonic"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}
