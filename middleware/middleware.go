// Package middleware wraps dispatcher handlers. A handler receives one validated call and
// returns the result object for the response envelope, or an error that the dispatcher
// turns into a JSON-RPC error.
package middleware

import (
	"context"

	"github.com/Datarails/mcp-outlet/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) (map[string]any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
