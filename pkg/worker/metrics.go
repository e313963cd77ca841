package worker

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Metrics exports counters over the worker fleet.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	executions   metric.Int64Counter
	failures     metric.Int64Counter
	deferrals    metric.Int64Counter
	unknown      metric.Int64Counter
	claims       metric.Int64Counter
	reapedDead   metric.Int64Counter
	reapedStuck  metric.Int64Counter
	pendingJobs  int64
	deferredJobs int64
}

// NewMetrics registers the worker metrics on a meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.executions, err = m.NewInt64Counter("worker_executions")
	if err != nil {
		return nil, err
	}
	metrics.failures, err = m.NewInt64Counter("worker_failures")
	if err != nil {
		return nil, err
	}
	metrics.deferrals, err = m.NewInt64Counter("worker_deferrals")
	if err != nil {
		return nil, err
	}
	metrics.unknown, err = m.NewInt64Counter("worker_unknown_commands")
	if err != nil {
		return nil, err
	}
	metrics.claims, err = m.NewInt64Counter("worker_claims")
	if err != nil {
		return nil, err
	}
	metrics.reapedDead, err = m.NewInt64Counter("worker_reaped_dead")
	if err != nil {
		return nil, err
	}
	metrics.reapedStuck, err = m.NewInt64Counter("worker_reaped_stuck")
	if err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("worker_pending_jobs", func(_ context.Context, res metric.Int64ObserverResult) {
		res.Observe(atomic.LoadInt64(&metrics.pendingJobs))
	}); err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("worker_deferred_jobs", func(_ context.Context, res metric.Int64ObserverResult) {
		res.Observe(atomic.LoadInt64(&metrics.deferredJobs))
	}); err != nil {
		return nil, err
	}
	return metrics, nil
}

func (m *Metrics) countExecution(ctx context.Context) {
	if m != nil {
		m.executions.Add(ctx, 1)
	}
}

func (m *Metrics) countFailure(ctx context.Context) {
	if m != nil {
		m.failures.Add(ctx, 1)
	}
}

func (m *Metrics) countDeferral(ctx context.Context) {
	if m != nil {
		m.deferrals.Add(ctx, 1)
	}
}

func (m *Metrics) countUnknown(ctx context.Context) {
	if m != nil {
		m.unknown.Add(ctx, 1)
	}
}

func (m *Metrics) countClaims(ctx context.Context, n int64) {
	if m != nil {
		m.claims.Add(ctx, n)
	}
}

func (m *Metrics) countReapedDead(ctx context.Context) {
	if m != nil {
		m.reapedDead.Add(ctx, 1)
	}
}

func (m *Metrics) countReapedStuck(ctx context.Context) {
	if m != nil {
		m.reapedStuck.Add(ctx, 1)
	}
}

func (m *Metrics) observeBacklog(pending, deferred int) {
	if m != nil {
		atomic.StoreInt64(&m.pendingJobs, int64(pending))
		atomic.StoreInt64(&m.deferredJobs, int64(deferred))
	}
}
