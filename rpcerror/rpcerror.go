// Package rpcerror is the outlet's error taxonomy. Every failure that leaves the dispatcher
// is an *Error, so callers always see {code, message, data}.
package rpcerror

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/transport"
)

type Code int

const (
	ParseError     Code = -32700
	InvalidRequest Code = -32600
	MethodNotFound Code = -32601
	InvalidParams  Code = -32602
	InternalError  Code = -32603

	ConnectionClosed Code = -32001
	RequestTimeout   Code = -32002
)

func (c Code) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidParams:
		return "InvalidParams"
	case InternalError:
		return "InternalError"
	case ConnectionClosed:
		return "ConnectionClosed"
	case RequestTimeout:
		return "RequestTimeout"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

type Error struct {
	Code    Code
	Message string
	Data    map[string]any

	cause error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithReason builds an error carrying data.reason.
func WithReason(code Code, msg, reason string) *Error {
	return &Error{Code: code, Message: msg, Data: map[string]any{"reason": reason}}
}

// Wrap keeps err reachable through errors.Is/As.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Wire converts e to its JSON-RPC form. Data is copied.
func (e *Error) Wire() *message.Error {
	w := &message.Error{Code: int(e.Code), Message: e.Message}
	if len(e.Data) > 0 {
		w.Data = maps.Clone(e.Data)
	}
	return w
}

// FromWire preserves a downstream server's error, dropping the redundant
// "MCP error <code>: " prefix some SDKs put in front of the message.
func FromWire(w *message.Error) *Error {
	msg := strings.TrimPrefix(w.Message, fmt.Sprintf("MCP error %d: ", w.Code))
	e := &Error{Code: Code(w.Code), Message: msg}
	switch d := w.Data.(type) {
	case nil:
	case map[string]any:
		e.Data = d
	default:
		e.Data = map[string]any{"data": d}
	}
	return e
}

// CodeOf reports the code of err, or InternalError if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// Normalize turns any error or recovered panic value into an *Error.
func Normalize(v any) *Error {
	switch err := v.(type) {
	case nil:
		return nil
	case *Error:
		return err
	case *message.Error:
		return FromWire(err)
	case error:
		var e *Error
		if errors.As(err, &e) {
			return e
		}
		var w *message.Error
		if errors.As(err, &w) {
			return FromWire(w)
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return Wrap(RequestTimeout, err, "Request timed out")
		case errors.Is(err, context.Canceled):
			return Wrap(ConnectionClosed, err, "Request cancelled")
		case errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrNotStarted):
			return Wrap(ConnectionClosed, err, "Connection closed")
		}
		return Wrap(InternalError, err, err.Error())
	default:
		return &Error{
			Code:    InternalError,
			Message: "Unknown error",
			Data:    map[string]any{"error": fmt.Sprint(v)},
		}
	}
}
