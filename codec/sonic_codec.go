package codec

import (
	"github.com/bytedance/sonic"
)

// SonicCodec serializes with bytedance/sonic (JIT + SIMD). Useful when tool results are
// large; it honors the same struct tags and json.RawMessage as encoding/json.
type SonicCodec struct{}

var sonicAPI = sonic.ConfigStd

func (c *SonicCodec) Encode(v any) ([]byte, error) {
	return sonicAPI.Marshal(v)
}

func (c *SonicCodec) Decode(data []byte, v any) error {
	return sonicAPI.Unmarshal(data, v)
}

func (c *SonicCodec) Type() CodecType {
	return CodecTypeSonic
}
