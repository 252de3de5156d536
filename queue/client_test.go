package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/emporia/ordercore/model"
)

// fakeSQS records calls and replays scripted responses.
type fakeSQS struct {
	mu sync.Mutex

	receiveOut *sqs.ReceiveMessageOutput
	receiveErr error
	// receiveFn, when set, overrides receiveOut/receiveErr per call.
	receiveFn func(call int) (*sqs.ReceiveMessageOutput, error)
	receives  []*sqs.ReceiveMessageInput

	deleteErr error
	deletes   []*sqs.DeleteMessageInput

	visibilityErr error
	visibilities  []*sqs.ChangeMessageVisibilityInput

	sendErr error
	sends   []*sqs.SendMessageInput
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput,
	_ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives = append(f.receives, in)
	var call = len(f.receives)
	f.mu.Unlock()

	if f.receiveFn != nil {
		return f.receiveFn(call)
	}
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if f.receiveOut != nil {
		return f.receiveOut, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) receiveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receives)
}

func (f *fakeSQS) receiveInput(i int) *sqs.ReceiveMessageInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receives[i]
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput,
	_ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deletes = append(f.deletes, in)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput,
	_ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibilities = append(f.visibilities, in)
	if f.visibilityErr != nil {
		return nil, f.visibilityErr
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput,
	_ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sends = append(f.sends, in)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sqs.SendMessageOutput{}, nil
}

func testLogger() logrus.FieldLogger {
	var l = logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

var clientCfg = Config{
	QueueURL:          "https://sqs.test/orders",
	DLQURL:            "https://sqs.test/orders-dlq",
	PollInterval:      time.Millisecond,
	MaxBatch:          10,
	WaitSeconds:       20,
	VisibilityTimeout: 30 * time.Second,
}

func TestReceiveConvertsMessages(t *testing.T) {
	var api = &fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{
		Messages: []types.Message{{
			Body:          aws.String(`{"userId":1}`),
			ReceiptHandle: aws.String("handle-1"),
			Attributes: map[string]string{
				"ApproximateReceiveCount":          "2",
				"ApproximateFirstReceiveTimestamp": "1756200000000",
				"MessageDeduplicationId":           "dedup-9",
			},
			MessageAttributes: map[string]types.MessageAttributeValue{
				"traceparent": {DataType: aws.String("String"),
					StringValue: aws.String("00-aaaa-bbbb-01")},
				"origin": {DataType: aws.String("String"),
					StringValue: aws.String("checkout")},
			},
		}},
	}}
	var c = NewClient(api, clientCfg, testLogger())

	var msgs, err = c.Receive(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var m = msgs[0]
	require.Equal(t, `{"userId":1}`, string(m.Body))
	require.Equal(t, "handle-1", m.Handle)
	require.Equal(t, 2, m.ReceiveCount)
	require.Equal(t, time.UnixMilli(1756200000000), m.FirstReceivedAt)
	require.Equal(t, "dedup-9", m.DedupID)
	require.Equal(t, "00-aaaa-bbbb-01", m.Traceparent)
	require.Equal(t, "checkout", m.Attributes["origin"])

	var in = api.receives[0]
	require.Equal(t, clientCfg.QueueURL, aws.ToString(in.QueueUrl))
	require.Equal(t, int32(5), in.MaxNumberOfMessages)
	require.Equal(t, int32(20), in.WaitTimeSeconds)
}

func TestReceiveDefaultsReceiveCount(t *testing.T) {
	var api = &fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{
		Messages: []types.Message{{
			Body:          aws.String(`{}`),
			ReceiptHandle: aws.String("h"),
		}},
	}}
	var c = NewClient(api, clientCfg, testLogger())

	var msgs, err = c.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, msgs[0].ReceiveCount)
}

func TestReceiveEmptyBatch(t *testing.T) {
	var c = NewClient(&fakeSQS{}, clientCfg, testLogger())
	var msgs, err = c.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDelete(t *testing.T) {
	var api = &fakeSQS{}
	var c = NewClient(api, clientCfg, testLogger())

	require.NoError(t, c.Delete(context.Background(), "handle-7"))
	require.Len(t, api.deletes, 1)
	require.Equal(t, "handle-7", aws.ToString(api.deletes[0].ReceiptHandle))
	require.Equal(t, clientCfg.QueueURL, aws.ToString(api.deletes[0].QueueUrl))
}

func TestExtendVisibility(t *testing.T) {
	var api = &fakeSQS{}
	var c = NewClient(api, clientCfg, testLogger())

	require.NoError(t, c.ExtendVisibility(context.Background(), "handle-7", 30*time.Second))
	require.Len(t, api.visibilities, 1)
	require.Equal(t, int32(30), api.visibilities[0].VisibilityTimeout)
}

func TestSendToDeadLetterForwardsThenDeletes(t *testing.T) {
	var api = &fakeSQS{}
	var c = NewClient(api, clientCfg, testLogger())

	var msg = model.Message{
		Body:       []byte(`{"userId":1}`),
		Handle:     "handle-1",
		Attributes: map[string]string{"origin": "checkout"},
	}
	require.NoError(t, c.SendToDeadLetter(context.Background(), msg, "user_not_found"))

	require.Len(t, api.sends, 1)
	var sent = api.sends[0]
	require.Equal(t, clientCfg.DLQURL, aws.ToString(sent.QueueUrl))
	require.Equal(t, `{"userId":1}`, aws.ToString(sent.MessageBody))
	require.Equal(t, "user_not_found",
		aws.ToString(sent.MessageAttributes["deadLetterReason"].StringValue))
	require.Equal(t, "checkout",
		aws.ToString(sent.MessageAttributes["origin"].StringValue))

	// Delete happens only after the forward succeeded.
	require.Len(t, api.deletes, 1)
	require.Equal(t, "handle-1", aws.ToString(api.deletes[0].ReceiptHandle))
}

func TestSendToDeadLetterFailureLeavesMessage(t *testing.T) {
	var api = &fakeSQS{sendErr: errors.New("dlq unreachable")}
	var c = NewClient(api, clientCfg, testLogger())

	var err = c.SendToDeadLetter(context.Background(),
		model.Message{Body: []byte(`{}`), Handle: "h"}, "parse_error")
	require.Error(t, err)
	require.Empty(t, api.deletes)
}

func TestSendToDeadLetterDeleteFailureIsAbsorbed(t *testing.T) {
	var api = &fakeSQS{deleteErr: errors.New("gone")}
	var c = NewClient(api, clientCfg, testLogger())

	// The forward succeeded; the redelivery hits the idempotency guard.
	require.NoError(t, c.SendToDeadLetter(context.Background(),
		model.Message{Body: []byte(`{}`), Handle: "h"}, "parse_error"))
	require.Len(t, api.sends, 1)
	require.Len(t, api.deletes, 1)
}
