package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/emporia/ordercore/errs"
	"github.com/emporia/ordercore/model"
)

// Delivery is one received message handed to the worker pool, paired with
// the release of its worker slot.
type Delivery struct {
	Msg     model.Message
	release func()
}

// NewDelivery pairs a message with a release callback. The poller builds its
// own deliveries; this exists for wiring the pool to other sources.
func NewDelivery(msg model.Message, release func()) Delivery {
	return Delivery{Msg: msg, release: release}
}

// Release frees the delivery's worker slot. Safe to call more than once.
func (d Delivery) Release() {
	if d.release != nil {
		d.release()
	}
}

// Poller drives the receive loop. Worker slots are a weighted semaphore:
// the poller acquires slots BEFORE calling Receive, so while every worker is
// busy no receive call is made and the broker does not re-lease messages
// faster than workers finish them.
type Poller struct {
	client *Client
	sem    *semaphore.Weighted
	out    chan Delivery
	log    log.FieldLogger
}

// NewPoller returns a poller feeding at most slots concurrent deliveries.
func NewPoller(client *Client, slots int, logger log.FieldLogger) *Poller {
	return &Poller{
		client: client,
		sem:    semaphore.NewWeighted(int64(slots)),
		out:    make(chan Delivery),
		log:    logger,
	}
}

// Run drives the poll loop until ctx is cancelled, closing the deliveries
// channel on the way out. It returns non-nil only for a fatal condition:
// continuous receive failure past the configured down-threshold.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.out)

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = p.client.cfg.PollInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var downSince time.Time

	for {
		// Reserve one slot (blocking), then greedily take whatever else is
		// free up to the batch bound.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		var held = int64(1)
		for held < int64(p.client.cfg.MaxBatch) && p.sem.TryAcquire(1) {
			held++
		}

		var msgs, err = p.client.Receive(ctx, int(held))
		if err != nil {
			p.sem.Release(held)
			if ctx.Err() != nil {
				return nil
			}
			if downSince.IsZero() {
				downSince = time.Now()
			} else if d := p.client.cfg.DownThreshold; d > 0 && time.Since(downSince) >= d {
				return errs.Fatal(err)
			}
			p.log.WithField("error", err).Warn("queue receive failed (will retry)")
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()
		downSince = time.Time{}

		// Return slots we reserved but did not fill.
		if n := int64(len(msgs)); n < held {
			p.sem.Release(held - n)
		}

		for _, m := range msgs {
			var once sync.Once
			var d = Delivery{
				Msg: m,
				release: func() {
					once.Do(func() { p.sem.Release(1) })
				},
			}
			select {
			case p.out <- d:
			case <-ctx.Done():
				d.Release()
				return nil
			}
		}

		if len(msgs) == 0 {
			select {
			case <-time.After(p.client.cfg.PollInterval):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Deliveries returns the channel of received messages.
func (p *Poller) Deliveries() <-chan Delivery { return p.out }
