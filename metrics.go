package asyncio

import (
	"github.com/rcrowley/go-metrics"
)

type contextMetrics struct {
	submits     metrics.Counter
	completions metrics.Counter
	cancels     metrics.Counter
	errors      metrics.Counter
	pending     metrics.Counter
	queued      metrics.Counter
	reapBatch   metrics.Histogram
}

func newContextMetrics(r metrics.Registry) *contextMetrics {
	return &contextMetrics{
		submits:     metrics.GetOrRegisterCounter("aio.submits", r),
		completions: metrics.GetOrRegisterCounter("aio.completions", r),
		cancels:     metrics.GetOrRegisterCounter("aio.cancels", r),
		errors:      metrics.GetOrRegisterCounter("aio.errors", r),
		pending:     metrics.GetOrRegisterCounter("aio.pending", r),
		queued:      metrics.GetOrRegisterCounter("aio.queued", r),
		reapBatch:   metrics.GetOrRegisterHistogram("aio.reap.batch", r, metrics.NewExpDecaySample(1028, 0.015)),
	}
}
