// Package config defines the worker's configuration surface. Options are
// parsed from flags and environment variables via go-flags; every option has
// a documented default, and the few required options fail startup when
// missing.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config is the full option surface of the order worker.
type Config struct {
	Queue    Queue    `group:"queue" namespace:"queue" env-namespace:"QUEUE"`
	Worker   Worker   `group:"worker" namespace:"worker" env-namespace:"WORKER"`
	DB       DB       `group:"db" namespace:"db" env-namespace:"DB"`
	Breaker  Breaker  `group:"breaker" namespace:"breaker" env-namespace:"BREAKER"`
	Secrets  Secrets  `group:"secrets" namespace:"secrets" env-namespace:"SECRETS"`
	Obs      Obs      `group:"obs" namespace:"obs" env-namespace:"OBS"`
	AWS      AWS      `group:"aws" namespace:"aws" env-namespace:"AWS"`
}

// Queue configures the broker client and poll loop.
type Queue struct {
	URL                  string        `long:"url" env:"URL" description:"Main queue URL (required)"`
	DLQURL               string        `long:"dlq-url" env:"DLQ_URL" description:"Dead-letter queue URL (required)"`
	PollInterval         time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1s" description:"Pause between polls after an empty batch"`
	MaxBatch             int           `long:"max-batch" env:"MAX_BATCH" default:"10" description:"Maximum messages per receive (1-10)"`
	WaitSeconds          int           `long:"wait-seconds" env:"WAIT_SECONDS" default:"20" description:"Long-poll wait, in seconds"`
	VisibilityTimeout    time.Duration `long:"visibility-timeout" env:"VISIBILITY_TIMEOUT" default:"30s" description:"Visibility window granted by a receive"`
	ExtendThresholdRatio float64       `long:"extend-threshold-ratio" env:"EXTEND_THRESHOLD_RATIO" default:"0.5" description:"Fraction of the visibility window consumed before extension"`
	MaxReceives          int           `long:"max-receives" env:"MAX_RECEIVES" default:"3" description:"Receive count beyond which a message is dead-lettered on arrival"`
	DownThreshold        time.Duration `long:"down-threshold" env:"DOWN_THRESHOLD" default:"5m" description:"Continuous receive failure beyond which the endpoint is considered lost (fatal)"`
}

// Worker configures the processing pool.
type Worker struct {
	Concurrency   int           `long:"concurrency" env:"CONCURRENCY" default:"0" description:"Worker count; 0 means the DB pool max"`
	ShutdownGrace time.Duration `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"25s" description:"Time allowed for in-flight tasks to finish on shutdown"`
	MaxOrderTotal string        `long:"max-order-total" env:"MAX_ORDER_TOTAL" default:"1000000" description:"Orders above this total are rejected"`
}

// DB configures the connection pool.
type DB struct {
	MinConns       int           `long:"min-conns" env:"MIN_CONNS" default:"2" description:"Minimum pool connections"`
	MaxConns       int           `long:"max-conns" env:"MAX_CONNS" default:"10" description:"Maximum pool connections"`
	IdleTimeout    time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"5m" description:"Idle connection lifetime"`
	AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Time allowed to acquire a connection"`
}

// Breaker configures the circuit breaker over DB calls.
type Breaker struct {
	FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"5" description:"Consecutive failures before the circuit opens"`
	Cooldown         time.Duration `long:"cooldown" env:"COOLDOWN" default:"30s" description:"Open duration before a half-open probe is admitted"`
}

// Secrets configures the credential provider.
type Secrets struct {
	SecretName     string        `long:"name" env:"NAME" description:"Secret holding the DB credential (required)"`
	InitialBackoff time.Duration `long:"initial-backoff" env:"INITIAL_BACKOFF" default:"200ms" description:"Initial fetch retry backoff"`
	MaxBackoff     time.Duration `long:"max-backoff" env:"MAX_BACKOFF" default:"5s" description:"Backoff ceiling"`
	MaxAttempts    int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"5" description:"Fetch attempts before giving up"`
}

// Obs configures logging, tracing, and metrics.
type Obs struct {
	ServiceName       string        `long:"service-name" env:"SERVICE_NAME" default:"order-core" description:"Service name stamped on telemetry"`
	LogFormat         string        `long:"log-format" env:"LOG_FORMAT" default:"human" choice:"human" choice:"json" description:"Console log format"`
	LogLevel          string        `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug|info|warn|error|fatal)"`
	CollectorEndpoint string        `long:"collector-endpoint" env:"COLLECTOR_ENDPOINT" description:"OTLP/HTTP collector URL; unset disables the collector sink"`
	ExportInterval    time.Duration `long:"export-interval" env:"EXPORT_INTERVAL" default:"5s" description:"Telemetry batch export window"`
	DebugAddr         string        `long:"debug-addr" env:"DEBUG_ADDR" description:"Optional local listen address for /metrics and /healthz"`
}

// AWS configures the SDK clients shared by the queue and secrets.
type AWS struct {
	Region   string `long:"region" env:"REGION" description:"AWS region override"`
	Endpoint string `long:"endpoint" env:"ENDPOINT" description:"AWS endpoint override, for local stacks"`
}

// Validate enforces required options and cross-field constraints.
func (c *Config) Validate() error {
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if c.Queue.DLQURL == "" {
		return fmt.Errorf("queue.dlq-url is required")
	}
	if c.Secrets.SecretName == "" {
		return fmt.Errorf("secrets.name is required")
	}
	if c.Queue.MaxBatch < 1 || c.Queue.MaxBatch > 10 {
		return fmt.Errorf("queue.max-batch must be in [1, 10], got %d", c.Queue.MaxBatch)
	}
	if r := c.Queue.ExtendThresholdRatio; r <= 0 || r >= 1 {
		return fmt.Errorf("queue.extend-threshold-ratio must be in (0, 1), got %v", r)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min-conns (%d) exceeds db.max-conns (%d)", c.DB.MinConns, c.DB.MaxConns)
	}
	if _, err := decimal.NewFromString(c.Worker.MaxOrderTotal); err != nil {
		return fmt.Errorf("worker.max-order-total: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Obs.LogLevel); err != nil {
		return fmt.Errorf("obs.log-level: %w", err)
	}
	return nil
}

// MaxOrderTotal returns the parsed order total ceiling. Validate must have
// succeeded first.
func (c *Config) MaxOrderTotal() decimal.Decimal {
	var d, err = decimal.NewFromString(c.Worker.MaxOrderTotal)
	if err != nil {
		panic(err)
	}
	return d
}

// Concurrency resolves the effective worker count.
func (c *Config) Concurrency() int {
	if c.Worker.Concurrency > 0 {
		return c.Worker.Concurrency
	}
	return c.DB.MaxConns
}
