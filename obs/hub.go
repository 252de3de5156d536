// Package obs is the observability hub: one structured logger, one tracer,
// and one metric recorder, constructed at startup and injected into every
// component. When a collector endpoint is configured, telemetry is exported
// over OTLP/HTTP; console logging never depends on collector reachability.
package obs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/emporia/ordercore"

// Config selects the hub's outputs.
type Config struct {
	ServiceName       string
	LogFormat         string // "human" or "json"
	LogLevel          string
	CollectorEndpoint string // OTLP/HTTP base URL; "" disables the sink
	ExportInterval    time.Duration
	DebugAddr         string // optional local /metrics listener
}

// Hub bundles the logger, tracer, and metric recorder.
type Hub struct {
	Log     *log.Logger
	Metrics *Metrics

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	lp       *sdklog.LoggerProvider
	debugSrv *http.Server
}

// NewHub builds the hub. With no collector endpoint the tracer and meter are
// no-ops and only console logging is active.
func NewHub(ctx context.Context, cfg Config) (*Hub, error) {
	var logger, err = newLogger(cfg)
	if err != nil {
		return nil, err
	}

	var h = &Hub{
		Log:        logger,
		propagator: propagation.TraceContext{},
	}

	var meter metric.Meter
	if cfg.CollectorEndpoint == "" {
		h.tracer = tracenoop.NewTracerProvider().Tracer(scope)
		meter = metricnoop.NewMeterProvider().Meter(scope)
	} else {
		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
		if err != nil {
			return nil, fmt.Errorf("building telemetry resource: %w", err)
		}

		traceExp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(cfg.CollectorEndpoint))
		if err != nil {
			return nil, fmt.Errorf("building trace exporter: %w", err)
		}
		h.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(cfg.ExportInterval)),
			sdktrace.WithResource(res),
		)
		h.tracer = h.tp.Tracer(scope)

		metricExp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(cfg.CollectorEndpoint))
		if err != nil {
			return nil, fmt.Errorf("building metric exporter: %w", err)
		}
		h.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(cfg.ExportInterval))),
			sdkmetric.WithResource(res),
		)
		meter = h.mp.Meter(scope)

		logExp, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(cfg.CollectorEndpoint))
		if err != nil {
			return nil, fmt.Errorf("building log exporter: %w", err)
		}
		h.lp = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		logger.AddHook(&collectorHook{logger: h.lp.Logger(scope)})
	}

	h.Metrics, err = newMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	if cfg.DebugAddr != "" {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		h.debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: mux}
		go func() {
			if err := h.debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithField("error", err).Warn("debug listener stopped")
			}
		}()
	}

	return h, nil
}

// Tracer returns the hub's tracer.
func (h *Hub) Tracer() trace.Tracer { return h.tracer }

// Extract continues a trace from carrier attributes (a W3C traceparent on
// the queue message), returning a context carrying the remote span context.
func (h *Hub) Extract(ctx context.Context, carrier map[string]string) context.Context {
	return h.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// Close flushes and tears down the collector exporters and debug listener.
func (h *Hub) Close(ctx context.Context) error {
	var errs []error
	if h.debugSrv != nil {
		errs = append(errs, h.debugSrv.Shutdown(ctx))
	}
	if h.tp != nil {
		errs = append(errs, h.tp.Shutdown(ctx))
	}
	if h.mp != nil {
		errs = append(errs, h.mp.Shutdown(ctx))
	}
	if h.lp != nil {
		errs = append(errs, h.lp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
