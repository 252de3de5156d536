// Package queue is the broker client: long-poll receives, deletes, visibility
// extension, and dead-letter forwarding over an SQS-shaped API.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	log "github.com/sirupsen/logrus"

	"github.com/emporia/ordercore/model"
)

// API is the broker surface the client depends on. *sqs.Client satisfies it.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput,
		optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config tunes the client and its poll loop.
type Config struct {
	QueueURL             string
	DLQURL               string
	PollInterval         time.Duration
	MaxBatch             int
	WaitSeconds          int
	VisibilityTimeout    time.Duration
	ExtendThresholdRatio float64
	MaxReceives          int
	// DownThreshold is how long continuous receive failure is tolerated
	// before the queue endpoint is considered lost.
	DownThreshold time.Duration
}

// Client wraps the broker API for one main queue and its DLQ.
type Client struct {
	api API
	cfg Config
	log log.FieldLogger
	now func() time.Time
}

// NewClient returns a Client over the given broker API.
func NewClient(api API, cfg Config, logger log.FieldLogger) *Client {
	return &Client{api: api, cfg: cfg, log: logger, now: time.Now}
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.cfg }

// Receive long-polls for up to max messages. An empty slice with a nil error
// means the poll simply timed out with nothing to deliver.
func (c *Client) Receive(ctx context.Context, max int) ([]model.Message, error) {
	var out, err = c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(c.cfg.WaitSeconds),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp,
			types.MessageSystemAttributeNameMessageDeduplicationId,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		receiveErrors.Inc()
		return nil, fmt.Errorf("receiving from queue: %w", err)
	}

	var received = c.now()
	var msgs = make([]model.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, c.convert(m, received))
	}
	receives.Add(float64(len(msgs)))
	return msgs, nil
}

func (c *Client) convert(m types.Message, received time.Time) model.Message {
	var msg = model.Message{
		Handle:          aws.ToString(m.ReceiptHandle),
		Body:            []byte(aws.ToString(m.Body)),
		ReceivedAt:      received,
		FirstReceivedAt: received,
		Attributes:      map[string]string{},
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(v)
	}
	if msg.ReceiveCount < 1 {
		msg.ReceiveCount = 1
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.FirstReceivedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)]; ok {
		msg.DedupID = v
	}
	for name, attr := range m.MessageAttributes {
		var v = aws.ToString(attr.StringValue)
		msg.Attributes[name] = v
		if name == "traceparent" {
			msg.Traceparent = v
		}
	}
	return msg
}

// Delete acknowledges a message by its delivery handle.
func (c *Client) Delete(ctx context.Context, handle string) error {
	var _, err = c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// ExtendVisibility renews the lease on a message by extra.
func (c *Client) ExtendVisibility(ctx context.Context, handle string, extra time.Duration) error {
	var _, err = c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(extra / time.Second),
	})
	if err != nil {
		return fmt.Errorf("extending visibility: %w", err)
	}
	extends.Inc()
	return nil
}

// SendToDeadLetter forwards a message to the DLQ tagged with reason, then
// deletes it from the main queue. If the DLQ send fails the message is NOT
// deleted, so the broker redelivers it; a failed delete after a successful
// send is only logged, since the idempotency guard absorbs the redelivery.
func (c *Client) SendToDeadLetter(ctx context.Context, msg model.Message, reason string) error {
	var attrs = make(map[string]types.MessageAttributeValue, len(msg.Attributes)+1)
	for name, v := range msg.Attributes {
		attrs[name] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	attrs["deadLetterReason"] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(reason),
	}

	var _, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(c.cfg.DLQURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		deadLetterErrors.Inc()
		return fmt.Errorf("forwarding to dead-letter queue: %w", err)
	}

	if err := c.Delete(ctx, msg.Handle); err != nil {
		c.log.WithFields(log.Fields{
			"reason": reason,
			"error":  err,
		}).Warn("dead-lettered message could not be deleted; it will redeliver")
	}
	return nil
}
