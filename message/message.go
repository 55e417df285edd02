// Package message defines the JSON-RPC 2.0 envelopes exchanged with callers and with
// spawned MCP servers.
//
// Request and Response are what the outlet receives from and returns to its caller.
// Message is the loosely typed shape read off a child's stdout: it can be a response,
// an error, a notification or a server-to-client request, and Kind tells them apart.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	JSONRPCVersion        = "2.0"
	LatestProtocolVersion = "2025-03-26"

	// MetaKey is the params/result/error.data key carrying out-of-band metadata.
	MetaKey = "_meta"
	// LegacyMetaKey is accepted on input only.
	LegacyMetaKey = "meta"
)

var SupportedProtocolVersions = []string{LatestProtocolVersion, "2024-11-05", "2024-10-07"}

// Request is an inbound or outbound JSON-RPC request. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params,omitempty"`
}

func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Meta returns params._meta (or params.meta) when it is an object.
func (r *Request) Meta() (map[string]any, bool) {
	if r.Params == nil {
		return nil, false
	}
	for _, key := range []string{MetaKey, LegacyMetaKey} {
		if m, ok := r.Params[key].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

// Response is the envelope returned to the caller. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  map[string]any  `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the wire form of a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Message is any frame read from a server.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *Message) Kind() Kind {
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	case m.Result != nil && hasID:
		return KindResponse
	default:
		return KindInvalid
	}
}

// NumericID returns the id as an integer. Servers echo ids verbatim, so a correlation id
// we sent as a number comes back as a number; string ids are accepted when they parse.
func (m *Message) NumericID() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// IntID encodes a correlation id.
func IntID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// IDString renders an id for logs and trace ids: strings unquoted, everything else verbatim.
func IDString(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// InitializeResult is the validated answer to the handshake. Raw keeps every field the
// server sent so the proxied "initialize" method can return it unchanged.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`

	Raw map[string]any `json:"-"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ParseInitializeResult checks the handshake result shape.
func ParseInitializeResult(raw json.RawMessage) (*InitializeResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("initialize result is not an object")
	}
	if _, ok := fields["protocolVersion"].(string); !ok {
		return nil, fmt.Errorf("initialize result: protocolVersion must be a string")
	}
	if _, ok := fields["capabilities"].(map[string]any); !ok {
		return nil, fmt.Errorf("initialize result: capabilities must be an object")
	}
	info, ok := fields["serverInfo"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("initialize result: serverInfo must be an object")
	}
	if _, ok := info["name"].(string); !ok {
		return nil, fmt.Errorf("initialize result: serverInfo.name must be a string")
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("initialize result: %w", err)
	}
	result.Raw = fields
	return &result, nil
}
