package obs

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
)

func newLogger(cfg Config) (*log.Logger, error) {
	var logger = log.New()

	switch cfg.LogFormat {
	case "", "human":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	var level, err = log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger.SetLevel(level)

	return logger, nil
}

// collectorHook forwards every console log record to the OTLP log exporter.
// Export failures are absorbed by the batch processor; console output is
// never blocked on the collector.
type collectorHook struct {
	logger otellog.Logger
}

func (h *collectorHook) Levels() []log.Level { return log.AllLevels }

func (h *collectorHook) Fire(entry *log.Entry) error {
	var rec otellog.Record
	rec.SetTimestamp(entry.Time)
	rec.SetSeverity(severityOf(entry.Level))
	rec.SetSeverityText(entry.Level.String())
	rec.SetBody(otellog.StringValue(entry.Message))

	for k, v := range entry.Data {
		rec.AddAttributes(otellog.String(k, fmt.Sprint(v)))
	}

	var ctx = entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.logger.Emit(ctx, rec)
	return nil
}

func severityOf(level log.Level) otellog.Severity {
	switch level {
	case log.TraceLevel:
		return otellog.SeverityTrace
	case log.DebugLevel:
		return otellog.SeverityDebug
	case log.InfoLevel:
		return otellog.SeverityInfo
	case log.WarnLevel:
		return otellog.SeverityWarn
	case log.ErrorLevel:
		return otellog.SeverityError
	default:
		return otellog.SeverityFatal
	}
}
