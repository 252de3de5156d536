package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emporia/ordercore/errs"
	"github.com/emporia/ordercore/model"
	"github.com/emporia/ordercore/queue"
)

// process runs one delivered message through the pipeline and routes its
// outcome: ack on success, DLQ on permanent failure, silent release on
// transient failure.
func (p *Pool) process(d queue.Delivery) {
	defer d.Release()
	var msg = d.Msg

	p.hub.Metrics.Received.Add(p.taskCtx, 1)
	p.hub.Metrics.AddInflight(1)
	defer p.hub.Metrics.AddInflight(-1)

	var correlationID = correlationOf(msg)
	var logger = p.hub.Log.WithFields(log.Fields{
		"correlationId": correlationID,
		"receiveCount":  msg.ReceiveCount,
	})

	// Continue the upstream trace when the message carries one.
	var carrier = map[string]string{}
	if msg.Traceparent != "" {
		carrier["traceparent"] = msg.Traceparent
	}
	var ctx = p.hub.Extract(p.taskCtx, carrier)
	ctx, span := p.hub.Tracer().Start(ctx, "order.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.correlation_id", correlationID),
			attribute.Int("messaging.receive_count", msg.ReceiveCount),
		))
	defer span.End()

	// Shutdown cancellation propagates into every step; the extender keeps
	// the lease alive for as long as the task actually runs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Poison on arrival: the broker has already redelivered this message
	// past the configured bound.
	if msg.ReceiveCount > p.cfg.MaxReceives {
		logger.Warn("receive count exceeded; dead-lettering")
		p.hub.Metrics.FailedPermanent.Add(ctx, 1)
		p.deadLetter(ctx, logger, msg, model.ReasonMaxReceives)
		return
	}

	var extDone = p.startExtender(ctx, logger, msg)
	defer extDone()

	var start = time.Now()
	var err = p.pipeline(ctx, logger, &msg)
	p.hub.Metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil:
		if derr := p.queue.Delete(ctx, msg.Handle); derr != nil {
			// The redelivery will hit the idempotency guard.
			logger.WithField("error", derr).Warn("ack failed; message will redeliver")
		}
		p.hub.Metrics.Processed.Add(ctx, 1)
		span.SetStatus(codes.Ok, "")

	case errs.KindOf(err) == errs.KindPermanent:
		var reason = errs.ReasonOf(err)
		logger.WithFields(log.Fields{"reason": reason, "error": err}).
			Warn("permanent failure; dead-lettering")
		p.hub.Metrics.FailedPermanent.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		p.deadLetter(ctx, logger, msg, reason)

	case errs.KindOf(err) == errs.KindFatal:
		logger.WithField("error", err).Error("fatal failure in pipeline")
		span.RecordError(err)
		span.SetStatus(codes.Error, "fatal")
		if p.onFatal != nil {
			p.onFatal(err)
		}

	default: // transient: release for redelivery after the lease expires
		logger.WithField("error", err).Info("transient failure; releasing for redelivery")
		p.hub.Metrics.FailedTransient.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transient")
	}
}

// pipeline is the per-task sequence: parse, verify user, price, total,
// insert. Every step classifies its own failures.
func (p *Pool) pipeline(ctx context.Context, logger log.FieldLogger, msg *model.Message) error {
	ctx, span := p.hub.Tracer().Start(ctx, "order.pipeline")
	defer span.End()

	var parsed, err = ParseOrder(msg.Body)
	if err != nil {
		return err
	}

	user, err := p.store.VerifyUser(ctx, parsed.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Permanentf(model.ReasonUserNotFound,
				"user %d does not exist", parsed.UserID)
		}
		return err
	}

	price, err := p.store.ProductPrice(ctx, parsed.ProductID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Permanentf(model.ReasonProductNotFound,
				"product %d does not exist", parsed.ProductID)
		}
		return err
	}

	var total = price.Mul(decimal.NewFromInt(int64(parsed.Quantity)))
	if total.GreaterThan(p.cfg.MaxOrderTotal) {
		return errs.Permanentf(model.ReasonTotalExceeded,
			"order total %s exceeds limit %s", total, p.cfg.MaxOrderTotal)
	}
	if !total.IsPositive() {
		return errs.Permanentf(model.ReasonInvalidTotal,
			"order total %s is not positive", total)
	}

	inserted, err := p.store.Insert(ctx, &model.Order{
		UserID:     parsed.UserID,
		ProductID:  parsed.ProductID,
		Quantity:   parsed.Quantity,
		TotalPrice: total,
		Status:     model.StatusComplete,
		DedupKey:   msg.DedupID,
	})
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"user":      user.DisplayName(),
		"product":   parsed.ProductID,
		"quantity":  parsed.Quantity,
		"total":     total.String(),
		"duplicate": !inserted,
	}).Info("order recorded")
	return nil
}

// deadLetter forwards the message with its reason tag. On forward failure
// the message is deliberately left undeleted so the broker redelivers it.
func (p *Pool) deadLetter(ctx context.Context, logger log.FieldLogger, msg model.Message, reason string) {
	if err := p.queue.SendToDeadLetter(ctx, msg, reason); err != nil {
		logger.WithField("error", err).Warn("dead-letter forward failed; leaving message to redeliver")
		return
	}
	p.hub.Metrics.DeadLettered.Add(ctx, 1)
}

// startExtender renews the message's visibility lease whenever the task has
// consumed the configured fraction of the current window, keeping the
// message invisible while the breaker or database legitimately stalls the
// task. The returned func stops the extender.
func (p *Pool) startExtender(ctx context.Context, logger log.FieldLogger, msg model.Message) func() {
	var extCtx, cancel = context.WithCancel(ctx)
	var window = p.cfg.VisibilityTimeout
	var threshold = time.Duration(float64(window) * p.cfg.ExtendThresholdRatio)

	go func() {
		var timer = time.NewTimer(threshold)
		defer timer.Stop()
		for {
			select {
			case <-extCtx.Done():
				return
			case <-timer.C:
			}
			if err := p.queue.ExtendVisibility(extCtx, msg.Handle, window); err != nil {
				logger.WithField("error", err).Warn("visibility extension failed")
			}
			timer.Reset(threshold)
		}
	}()
	return cancel
}

// correlationOf peeks at the body for a correlation id; tasks without one
// get a generated id so their log lines still correlate.
func correlationOf(msg model.Message) string {
	var peek struct {
		CorrelationID string `json:"correlationId"`
	}
	_ = json.Unmarshal(msg.Body, &peek)
	if peek.CorrelationID != "" {
		return peek.CorrelationID
	}
	return uuid.NewString()
}
