// Package ctxutil carries cross-cutting request/job identity through
// context.Context without every call site needing to know about it.
package ctxutil

import "context"

type traceKey struct{}

// TraceData is the trace/request correlation pair. The status server's
// attachTraceContext middleware attaches it to each request context;
// job execution and callback payloads do not carry it.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	if td == nil {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceKey{}).(*TraceData)
	return td
}

type workerKey struct{}

// WithWorkerID tags a context with the identity of the worker process
// currently operating on it. Nothing in the core calls it; AppendEvent
// actors are passed explicitly by each caller.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey{}, workerID)
}

func GetWorkerID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}
