package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/conditions"
	"github.com/wudi/aigate/internal/errors"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/middleware"
)

type snapshotKey struct{}
type passKey struct{}
type matchedKey struct{}

// passState is the completion signal for one pipeline run. The chain
// terminal sets fellThrough; a step that responds instead of calling
// next leaves it unset, which dispatch reads as termination.
type passState struct {
	fellThrough bool
}

// chainEnd terminates every compiled chain. Reaching it means no step
// short-circuited, so dispatch may try the next matching pipeline.
var chainEnd = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if ps, ok := r.Context().Value(passKey{}).(*passState); ok {
		ps.fellThrough = true
	}
})

// snapshotFrom returns the dispatch-scoped request snapshot, creating
// a fresh one when a compiled chain is driven outside a table dispatch.
func snapshotFrom(r *http.Request) *conditions.Request {
	if snap, ok := r.Context().Value(snapshotKey{}).(*conditions.Request); ok {
		return snap
	}
	return conditions.NewRequest(r)
}

// Matched reports which pipeline answered a request. Callers wrapping
// dispatch with metrics or logging install a carrier before serving
// and read it after.
type Matched struct {
	Pipeline string
}

// ContextWithMatched installs a match carrier for dispatch to fill.
func ContextWithMatched(ctx context.Context, m *Matched) context.Context {
	return context.WithValue(ctx, matchedKey{}, m)
}

// MatchedFromContext returns the installed carrier, nil when absent.
func MatchedFromContext(ctx context.Context) *Matched {
	m, _ := ctx.Value(matchedKey{}).(*Matched)
	return m
}

// ServeHTTP runs the request through every matching pipeline in
// declaration order, stopping at the first one that terminates the
// response. No match, or every match falling through without
// responding, yields a structured not-found.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := conditions.NewRequest(r)
	matches := t.Match(snap.Host(), snap.Path())
	if len(matches) == 0 {
		writeNotFound(w, r)
		return
	}

	matched := MatchedFromContext(r.Context())
	if matched != nil {
		matched.Pipeline = matches[0].name
	}

	ps := &passState{}
	ctx := context.WithValue(r.Context(), snapshotKey{}, snap)
	ctx = context.WithValue(ctx, passKey{}, ps)
	r = r.WithContext(ctx)

	for _, p := range matches {
		ps.fellThrough = false
		if !runPipeline(p, ps, w, r) {
			if matched != nil {
				matched.Pipeline = p.name
			}
			return
		}
	}

	writeNotFound(w, r)
}

// runPipeline executes one compiled chain, converting a panicking step
// into a structured policy error. It reports whether dispatch should
// continue with the next matching pipeline.
func runPipeline(p *Pipeline, ps *passState, w http.ResponseWriter, r *http.Request) (cont bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("Panic recovered",
				zap.String("pipeline", p.name),
				zap.Any("error", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			gerr := errors.ErrPolicyFailure.WithDetails(fmt.Sprintf("panic: %v", rec))
			if reqID := requestIDFor(w, r); reqID != "" {
				gerr = gerr.WithRequestID(reqID)
			}
			gerr.WriteJSON(w)
			cont = false
		}
	}()

	p.handler.ServeHTTP(w, r)
	return ps.fellThrough
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	gerr := errors.ErrNotFound
	if reqID := requestIDFor(w, r); reqID != "" {
		gerr = gerr.WithRequestID(reqID)
	}
	gerr.WriteJSON(w)
}

// requestIDFor finds the request id from the context or, when a
// request-id step already stamped the response, from the pending
// response headers.
func requestIDFor(w http.ResponseWriter, r *http.Request) string {
	if id := middleware.GetRequestID(r); id != "" {
		return id
	}
	return w.Header().Get("X-Request-ID")
}
