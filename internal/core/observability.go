package core

import (
	"context"
	"time"
)

// MetricsRecorder captures engine operation outcomes and event counters.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	Add(ctx context.Context, counter string, delta float64)
}

// Tracer starts spans around engine operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) Add(context.Context, string, float64)                 {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// MultiMetrics fans observations out to several recorders.
func MultiMetrics(recorders ...MetricsRecorder) MetricsRecorder {
	out := make(multiMetrics, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiMetrics []MetricsRecorder

func (m multiMetrics) Observe(ctx context.Context, op string, success bool, d time.Duration) {
	for _, r := range m {
		r.Observe(ctx, op, success, d)
	}
}

func (m multiMetrics) Add(ctx context.Context, counter string, delta float64) {
	for _, r := range m {
		r.Add(ctx, counter, delta)
	}
}
