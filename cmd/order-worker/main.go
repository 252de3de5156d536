// order-worker drains the submitted-orders queue: it validates each order
// against the catalog and user store, writes the order row, and acknowledges
// the message. It is a worker, not an orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/emporia/ordercore/breaker"
	"github.com/emporia/ordercore/config"
	"github.com/emporia/ordercore/creds"
	"github.com/emporia/ordercore/dbpool"
	"github.com/emporia/ordercore/obs"
	"github.com/emporia/ordercore/orders"
	"github.com/emporia/ordercore/queue"
	"github.com/emporia/ordercore/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	var parser = flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	hub, err := obs.NewHub(ctx, obs.Config{
		ServiceName:       cfg.Obs.ServiceName,
		LogFormat:         cfg.Obs.LogFormat,
		LogLevel:          cfg.Obs.LogLevel,
		CollectorEndpoint: cfg.Obs.CollectorEndpoint,
		ExportInterval:    cfg.Obs.ExportInterval,
		DebugAddr:         cfg.Obs.DebugAddr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		var sctx, scancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := hub.Close(sctx); err != nil {
			fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
		}
	}()

	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	if cfg.AWS.Endpoint != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.Endpoint))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		hub.Log.WithField("error", err).Error("loading AWS configuration")
		return 1
	}

	var provider = creds.NewProvider(secretsmanager.NewFromConfig(awsCfg), creds.Config{
		SecretName:     cfg.Secrets.SecretName,
		InitialBackoff: cfg.Secrets.InitialBackoff,
		MaxBackoff:     cfg.Secrets.MaxBackoff,
		MaxAttempts:    cfg.Secrets.MaxAttempts,
	}, hub.Log)

	cred, err := provider.Fetch(ctx)
	if err != nil {
		hub.Log.WithField("error", err).Error("credential fetch failed; exiting")
		return 1
	}

	pool, err := dbpool.New(ctx, cred, dbpool.Config{
		MinConns:       int32(cfg.DB.MinConns),
		MaxConns:       int32(cfg.DB.MaxConns),
		IdleTimeout:    cfg.DB.IdleTimeout,
		AcquireTimeout: cfg.DB.AcquireTimeout,
	}, hub.Log)
	if err != nil {
		hub.Log.WithField("error", err).Error("opening database pool")
		return 1
	}
	defer pool.Close()
	hub.Metrics.ObservePool(func() (int64, int64, int64) {
		var s = pool.Stats()
		return s.Active, s.Idle, s.Queued
	})

	var brk = breaker.New(pool, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, hub.Log, func(s breaker.State) {
		hub.Metrics.SetBreakerState(int64(s))
	})

	var store = orders.NewStore(brk, hub.Metrics, hub.Log)

	var qc = queue.NewClient(sqs.NewFromConfig(awsCfg), queue.Config{
		QueueURL:             cfg.Queue.URL,
		DLQURL:               cfg.Queue.DLQURL,
		PollInterval:         cfg.Queue.PollInterval,
		MaxBatch:             cfg.Queue.MaxBatch,
		WaitSeconds:          cfg.Queue.WaitSeconds,
		VisibilityTimeout:    cfg.Queue.VisibilityTimeout,
		ExtendThresholdRatio: cfg.Queue.ExtendThresholdRatio,
		MaxReceives:          cfg.Queue.MaxReceives,
		DownThreshold:        cfg.Queue.DownThreshold,
	}, hub.Log)

	var concurrency = cfg.Concurrency()
	var poller = queue.NewPoller(qc, concurrency, hub.Log)

	var fatalCh = make(chan error, 1)
	var onFatal = func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	var wp = worker.NewPool(worker.Config{
		Concurrency:          concurrency,
		ShutdownGrace:        cfg.Worker.ShutdownGrace,
		MaxOrderTotal:        cfg.MaxOrderTotal(),
		MaxReceives:          cfg.Queue.MaxReceives,
		VisibilityTimeout:    cfg.Queue.VisibilityTimeout,
		ExtendThresholdRatio: cfg.Queue.ExtendThresholdRatio,
	}, store, qc, poller.Deliveries(), hub, onFatal)

	var pollerDone = make(chan error, 1)
	go func() { pollerDone <- poller.Run(ctx) }()
	wp.Start()

	hub.Log.WithFields(log.Fields{
		"queue":       cfg.Queue.URL,
		"concurrency": concurrency,
	}).Info("order worker running")

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var exit = 0
	var pollerExited = false
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				rotate(ctx, hub, provider, pool, onFatal)
				continue
			}
			hub.Log.WithField("signal", sig.String()).Info("signal received; shutting down")
			break loop
		case err := <-fatalCh:
			hub.Log.WithField("error", err).Error("fatal error; shutting down")
			exit = 1
			break loop
		case err := <-pollerDone:
			pollerExited = true
			if err != nil {
				hub.Log.WithField("error", err).Error("queue endpoint lost; shutting down")
				exit = 1
			}
			break loop
		}
	}

	cancel() // stops the poller; it closes the delivery channel
	if !pollerExited {
		select {
		case <-pollerDone:
		case <-time.After(5 * time.Second):
		}
	}
	wp.Stop()
	hub.Log.Info("order worker stopped")
	return exit
}

// rotate re-fetches the credential and rebuilds the pool in place. Failing
// to re-fetch is fatal per the recovery policy; failing to rebuild keeps the
// old pool serving.
func rotate(ctx context.Context, hub *obs.Hub, provider *creds.Provider, pool *dbpool.Pool, onFatal func(error)) {
	var cred, err = provider.Refresh(ctx)
	if err != nil {
		hub.Log.WithField("error", err).Error("credential refresh failed")
		onFatal(err)
		return
	}
	if err := pool.Rebuild(ctx, cred); err != nil {
		hub.Log.WithField("error", err).Error("pool rebuild failed; keeping current pool")
	}
}
