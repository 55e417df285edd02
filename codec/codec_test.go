package codec

import (
	"bytes"
	"testing"

	"github.com/Datarails/mcp-outlet/message"
)

func testCodec(t *testing.T, c Codec) {
	t.Helper()

	req := &message.Request{
		JSONRPC: "2.0",
		ID:      message.IntID(7),
		Method:  "tools/call",
		Params: map[string]any{
			"name":  "get_time",
			"_meta": map[string]any{"tempDir": "/tmp/x"},
		},
	}

	data, err := c.Encode(req)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		t.Fatalf("%s output must be a single line, got %q", c.Type(), data)
	}

	var msg message.Message
	if err := c.Decode(data, &msg); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}
	if msg.Kind() != message.KindRequest {
		t.Errorf("kind mismatch: got %s, want request", msg.Kind())
	}
	if msg.Method != req.Method {
		t.Errorf("method mismatch: got %s, want %s", msg.Method, req.Method)
	}
	if id, ok := msg.NumericID(); !ok || id != 7 {
		t.Errorf("id mismatch: got %d (%v), want 7", id, ok)
	}
}

func TestJSONCodec(t *testing.T) {
	testCodec(t, &JSONCodec{})
}

func TestSonicCodec(t *testing.T) {
	testCodec(t, &SonicCodec{})
}

func TestCodecsAgreeOnResponses(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32602,"message":"bad","data":{"reason":"x"}}}`)
	for _, c := range []Codec{&JSONCodec{}, &SonicCodec{}} {
		var msg message.Message
		if err := c.Decode(frame, &msg); err != nil {
			t.Fatalf("%s Decode failed: %v", c.Type(), err)
		}
		if msg.Kind() != message.KindError || msg.Error.Code != -32602 {
			t.Errorf("%s decoded %+v", c.Type(), msg)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &SonicCodec{}} {
		var msg message.Message
		if err := c.Decode([]byte(`{"jsonrpc":`), &msg); err == nil {
			t.Errorf("%s accepted a truncated frame", c.Type())
		}
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Error("expected JSON codec")
	}
	if GetCodec(CodecTypeSonic).Type() != CodecTypeSonic {
		t.Error("expected sonic codec")
	}
	if GetCodec(CodecType(42)).Type() != CodecTypeJSON {
		t.Error("unknown types fall back to JSON")
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "sonic": CodecTypeSonic}
	for name, want := range cases {
		got, err := ParseCodecType(name)
		if err != nil || got != want {
			t.Errorf("ParseCodecType(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseCodecType("gob"); err == nil {
		t.Error("expected error for unknown codec")
	}
}
