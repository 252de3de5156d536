package config

import (
	"testing"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Config {
	t.Helper()
	var cfg Config
	var _, err = flags.NewParser(&cfg, flags.None).ParseArgs(args)
	require.NoError(t, err)
	return &cfg
}

func required() []string {
	return []string{
		"--queue.url=https://sqs.test/orders",
		"--queue.dlq-url=https://sqs.test/orders-dlq",
		"--secrets.name=db-credential",
	}
}

func TestDefaults(t *testing.T) {
	var cfg = parse(t, required()...)
	require.NoError(t, cfg.Validate())

	require.Equal(t, time.Second, cfg.Queue.PollInterval)
	require.Equal(t, 10, cfg.Queue.MaxBatch)
	require.Equal(t, 20, cfg.Queue.WaitSeconds)
	require.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	require.Equal(t, 0.5, cfg.Queue.ExtendThresholdRatio)
	require.Equal(t, 3, cfg.Queue.MaxReceives)
	require.Equal(t, 5*time.Minute, cfg.Queue.DownThreshold)

	require.Equal(t, 25*time.Second, cfg.Worker.ShutdownGrace)
	require.Equal(t, "1000000", cfg.Worker.MaxOrderTotal)

	require.Equal(t, 2, cfg.DB.MinConns)
	require.Equal(t, 10, cfg.DB.MaxConns)
	require.Equal(t, 5*time.Second, cfg.DB.AcquireTimeout)

	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)

	require.Equal(t, 5, cfg.Secrets.MaxAttempts)
	require.Equal(t, "order-core", cfg.Obs.ServiceName)
	require.Equal(t, "info", cfg.Obs.LogLevel)
}

func TestRequiredOptions(t *testing.T) {
	require.ErrorContains(t, parse(t).Validate(), "queue.url")
	require.ErrorContains(t,
		parse(t, "--queue.url=x").Validate(), "queue.dlq-url")
	require.ErrorContains(t,
		parse(t, "--queue.url=x", "--queue.dlq-url=y").Validate(), "secrets.name")
}

func TestValidateBounds(t *testing.T) {
	var cfg = parse(t, append(required(), "--queue.max-batch=11")...)
	require.ErrorContains(t, cfg.Validate(), "max-batch")

	cfg = parse(t, append(required(), "--queue.max-batch=0")...)
	require.ErrorContains(t, cfg.Validate(), "max-batch")

	cfg = parse(t, append(required(), "--queue.extend-threshold-ratio=1.0")...)
	require.ErrorContains(t, cfg.Validate(), "extend-threshold-ratio")

	cfg = parse(t, append(required(), "--db.min-conns=20")...)
	require.ErrorContains(t, cfg.Validate(), "min-conns")

	cfg = parse(t, append(required(), "--worker.max-order-total=lots")...)
	require.ErrorContains(t, cfg.Validate(), "max-order-total")

	cfg = parse(t, append(required(), "--obs.log-level=loud")...)
	require.ErrorContains(t, cfg.Validate(), "log-level")
}

func TestMaxOrderTotal(t *testing.T) {
	var cfg = parse(t, append(required(), "--worker.max-order-total=100.50")...)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "100.5", cfg.MaxOrderTotal().String())
}

func TestConcurrencyDefaultsToPoolMax(t *testing.T) {
	var cfg = parse(t, required()...)
	require.Equal(t, 10, cfg.Concurrency())

	cfg = parse(t, append(required(), "--worker.concurrency=4")...)
	require.Equal(t, 4, cfg.Concurrency())
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("QUEUE_MAX_RECEIVES", "7")
	var cfg = parse(t, required()...)
	require.Equal(t, 7, cfg.Queue.MaxReceives)
}
