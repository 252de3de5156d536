package obs

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// PoolStatsFunc reports a point-in-time snapshot of the DB pool.
type PoolStatsFunc func() (active, idle, queued int64)

// Metrics is the hub's metric recorder. Counters and histograms are pushed
// by components; gauges are pull-based callbacks sampled at export time.
type Metrics struct {
	Received        metric.Int64Counter
	Processed       metric.Int64Counter
	FailedTransient metric.Int64Counter
	FailedPermanent metric.Int64Counter
	DeadLettered    metric.Int64Counter

	TaskDuration   metric.Float64Histogram
	DBCallDuration metric.Float64Histogram

	breakerState atomic.Int64
	inflight     atomic.Int64
	poolStats    atomic.Pointer[PoolStatsFunc]
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m = new(Metrics)
	var err error

	if m.Received, err = meter.Int64Counter("messages.received",
		metric.WithDescription("Messages delivered to the worker pool")); err != nil {
		return nil, err
	}
	if m.Processed, err = meter.Int64Counter("messages.processed",
		metric.WithDescription("Messages processed and acknowledged")); err != nil {
		return nil, err
	}
	if m.FailedTransient, err = meter.Int64Counter("messages.failed.transient",
		metric.WithDescription("Messages released for redelivery")); err != nil {
		return nil, err
	}
	if m.FailedPermanent, err = meter.Int64Counter("messages.failed.permanent",
		metric.WithDescription("Messages classified as never-succeeding")); err != nil {
		return nil, err
	}
	if m.DeadLettered, err = meter.Int64Counter("messages.dead_lettered",
		metric.WithDescription("Messages forwarded to the dead-letter queue")); err != nil {
		return nil, err
	}

	if m.TaskDuration, err = meter.Float64Histogram("task.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.DBCallDuration, err = meter.Float64Histogram("db.call.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	breakerGauge, err := meter.Int64ObservableGauge("breaker.state",
		metric.WithDescription("0=closed, 1=half-open, 2=open"))
	if err != nil {
		return nil, err
	}
	activeGauge, err := meter.Int64ObservableGauge("db.pool.active")
	if err != nil {
		return nil, err
	}
	idleGauge, err := meter.Int64ObservableGauge("db.pool.idle")
	if err != nil {
		return nil, err
	}
	queuedGauge, err := meter.Int64ObservableGauge("db.pool.queued")
	if err != nil {
		return nil, err
	}
	inflightGauge, err := meter.Int64ObservableGauge("worker.inflight")
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(breakerGauge, m.breakerState.Load())
		o.ObserveInt64(inflightGauge, m.inflight.Load())
		if fn := m.poolStats.Load(); fn != nil {
			var active, idle, queued = (*fn)()
			o.ObserveInt64(activeGauge, active)
			o.ObserveInt64(idleGauge, idle)
			o.ObserveInt64(queuedGauge, queued)
		}
		return nil
	}, breakerGauge, activeGauge, idleGauge, queuedGauge, inflightGauge)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetBreakerState records the breaker's numeric state for the gauge.
func (m *Metrics) SetBreakerState(state int64) { m.breakerState.Store(state) }

// BreakerState returns the last recorded breaker state.
func (m *Metrics) BreakerState() int64 { return m.breakerState.Load() }

// AddInflight adjusts the in-flight task gauge.
func (m *Metrics) AddInflight(delta int64) { m.inflight.Add(delta) }

// Inflight returns the current in-flight task count.
func (m *Metrics) Inflight() int64 { return m.inflight.Load() }

// ObservePool registers the DB pool snapshot callback.
func (m *Metrics) ObservePool(fn PoolStatsFunc) { m.poolStats.Store(&fn) }
