package rpcerror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/transport"
)

func TestNormalize(t *testing.T) {
	own := WithReason(InvalidRequest, "bad", "missing server")
	wrapped := fmt.Errorf("dispatch: %w", own)

	cases := []struct {
		name    string
		in      any
		code    Code
		message string
	}{
		{"own error", own, InvalidRequest, "bad"},
		{"wrapped own error", wrapped, InvalidRequest, "bad"},
		{"downstream", &message.Error{Code: -32602, Message: "MCP error -32602: Invalid arguments"}, InvalidParams, "Invalid arguments"},
		{"deadline", context.DeadlineExceeded, RequestTimeout, "Request timed out"},
		{"closed transport", fmt.Errorf("send: %w", transport.ErrClosed), ConnectionClosed, "Connection closed"},
		{"plain error", errors.New("disk full"), InternalError, "disk full"},
		{"panic value", 42, InternalError, "Unknown error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.message, got.Message)
		})
	}

	assert.Nil(t, Normalize(nil))
}

func TestNormalizePanicValueKeepsDetail(t *testing.T) {
	got := Normalize("boom")
	assert.Equal(t, map[string]any{"error": "boom"}, got.Data)
}

func TestFromWireData(t *testing.T) {
	got := FromWire(&message.Error{Code: 7, Message: "custom", Data: map[string]any{"k": "v"}})
	assert.Equal(t, Code(7), got.Code)
	assert.Equal(t, "v", got.Data["k"])

	got = FromWire(&message.Error{Code: 7, Message: "custom", Data: "text"})
	assert.Equal(t, map[string]any{"data": "text"}, got.Data)

	// only the matching code prefix is removed
	got = FromWire(&message.Error{Code: -32603, Message: "MCP error -32000: other"})
	assert.Equal(t, "MCP error -32000: other", got.Message)
}

func TestWireCopiesData(t *testing.T) {
	e := WithReason(InvalidRequest, "bad", "why")
	w := e.Wire()
	w.Data.(map[string]any)["reason"] = "changed"

	assert.Equal(t, "why", e.Data["reason"])
	assert.Equal(t, -32600, w.Code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, RequestTimeout, CodeOf(fmt.Errorf("x: %w", New(RequestTimeout, "t"))))
	assert.Equal(t, InternalError, CodeOf(errors.New("x")))
}
