// Package worker is the processing pool: bounded parallelism over delivered
// messages, one pipeline per task, error-kind routing, and graceful
// shutdown of in-flight work.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emporia/ordercore/model"
	"github.com/emporia/ordercore/obs"
	"github.com/emporia/ordercore/queue"
)

// Store is the order persistence surface the pipeline needs.
type Store interface {
	VerifyUser(ctx context.Context, userID uint64) (model.User, error)
	ProductPrice(ctx context.Context, productID uint64) (decimal.Decimal, error)
	Insert(ctx context.Context, o *model.Order) (inserted bool, err error)
}

// Queue is the broker surface the pipeline needs. *queue.Client satisfies it.
type Queue interface {
	Delete(ctx context.Context, handle string) error
	ExtendVisibility(ctx context.Context, handle string, extra time.Duration) error
	SendToDeadLetter(ctx context.Context, msg model.Message, reason string) error
}

// Config tunes the pool and pipeline.
type Config struct {
	Concurrency   int
	ShutdownGrace time.Duration
	MaxOrderTotal decimal.Decimal
	// MaxReceives dead-letters a message on arrival once its receive count
	// exceeds it.
	MaxReceives int
	// VisibilityTimeout and ExtendThresholdRatio drive the lease extender:
	// once a task has consumed the threshold fraction of its window, the
	// lease is renewed for another full window.
	VisibilityTimeout    time.Duration
	ExtendThresholdRatio float64
}

// Pool consumes deliveries from the poller's channel with a fixed set of
// workers. Each message is owned by exactly one worker between dequeue and
// ack.
type Pool struct {
	cfg   Config
	store Store
	queue Queue
	hub   *obs.Hub
	in    <-chan queue.Delivery

	// onFatal, when set, reports pipeline errors that mean the process
	// should shut down.
	onFatal func(error)

	taskCtx     context.Context
	cancelTasks context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool builds the pool over the poller's delivery channel.
func NewPool(cfg Config, store Store, q Queue, in <-chan queue.Delivery, hub *obs.Hub, onFatal func(error)) *Pool {
	var ctx, cancel = context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		store:       store,
		queue:       q,
		hub:         hub,
		in:          in,
		onFatal:     onFatal,
		taskCtx:     ctx,
		cancelTasks: cancel,
	}
}

// Start launches the workers. They drain the delivery channel until it
// closes.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.hub.Log.WithField("concurrency", p.cfg.Concurrency).Info("worker pool started")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for d := range p.in {
		p.process(d)
	}
	p.hub.Log.WithField("worker", id).Debug("worker drained")
}

// Stop waits up to the shutdown grace period for in-flight tasks, then
// cancels the rest. The poller must already have stopped (its channel
// closed) so no new work arrives. Cancelled tasks never delete their
// message; the broker's lease expires and the message redelivers.
func (p *Pool) Stop() {
	var done = make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.hub.Log.Info("worker pool drained cleanly")
	case <-time.After(p.cfg.ShutdownGrace):
		p.hub.Log.Warn("shutdown grace exceeded; cancelling in-flight tasks")
		p.cancelTasks()
		<-done
	}
	p.cancelTasks()
}
