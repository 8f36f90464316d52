package jobs

import (
	"context"

	"github.com/jobledger/core/pkg/models"
)

// Handler runs one attempt of a job body against its execution context.
// The pipeline wraps the registered body in a Handler and threads it through
// the middleware chain.
type Handler func(ctx context.Context, ec *models.ExecContext) error

// Middleware wraps a Handler with one cross-cutting concern. An
// implementation may call next any number of times (retry), once (timeout,
// chaos pass-through) or not at all (open circuit, injected fault).
type Middleware interface {
	Name() string
	Execute(ctx context.Context, ec *models.ExecContext, next Handler) error
}

// Chain composes middlewares around a handler. The first middleware listed is
// outermost: Chain(h, a, b) runs a around b around h.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	wrapped := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		next := wrapped
		wrapped = func(ctx context.Context, ec *models.ExecContext) error {
			return mw.Execute(ctx, ec, next)
		}
	}
	return wrapped
}
