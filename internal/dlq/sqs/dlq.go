package sqs

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/dlq/internal"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	DLQ     = internal.DLQ
	Message = internal.Message

	DLQParams struct {
		fx.In
		fxparams.Params
		Session *session.Session
	}

	// queue is an SQS-backed DLQ. The topic and retry counter travel as
	// message attributes and the payload as a JSON body.
	queue struct {
		cfg    config.SQSConfig
		logger *zap.Logger
		client sqsiface.SQSAPI
		url    string

		sendOp    instrument.Instrument
		resendOp  instrument.Instrument
		receiveOp instrument.InstrumentWithResult[*Message]
		deleteOp  instrument.Instrument
	}

	factory struct {
		params DLQParams
	}
)

const (
	attrTopic   = "topic"
	attrRetries = "retries"
)

var _ DLQ = (*queue)(nil)

func NewFactory(params DLQParams) internal.DLQFactory {
	return &factory{params: params}
}

func (f *factory) Create() (internal.DLQ, error) {
	return New(f.params)
}

func New(params DLQParams) (DLQ, error) {
	cfg := params.Config.AWS
	q := newQueue(sqs.New(params.Session), cfg.DLQ, params)

	if cfg.IsLocalStack {
		if err := q.prepareLocalQueue(cfg.IsResetLocal); err != nil {
			return nil, xerrors.Errorf("failed to prepare local queue: %w", err)
		}
	}

	if err := q.lookupURL(); err != nil {
		return nil, err
	}

	q.logger.Info("initialized dlq", zap.String("url", q.url), zap.Reflect("config", cfg.DLQ))
	return q, nil
}

func newQueue(client sqsiface.SQSAPI, cfg config.SQSConfig, params DLQParams) *queue {
	scope := params.Metrics.SubScope("dlq")
	return &queue{
		cfg:       cfg,
		logger:    log.WithPackage(params.Logger),
		client:    client,
		sendOp:    instrument.New(scope, "send_message"),
		resendOp:  instrument.New(scope, "resend_message"),
		receiveOp: instrument.NewWithResult[*Message](scope, "receive_message", instrument.WithFilter(internal.FilterError)),
		deleteOp:  instrument.New(scope, "delete_message"),
	}
}

func (q *queue) SendMessage(ctx context.Context, message *Message) error {
	return q.sendOp.Instrument(ctx, func(ctx context.Context) error {
		if err := q.put(ctx, message.Topic, 0, message.Data); err != nil {
			return err
		}

		q.logger.Info("sent message to dlq", zap.String("topic", message.Topic), zap.Reflect("data", message.Data))
		return nil
	})
}

// ResendMessage enqueues a copy carrying retries+1 before removing the original.
// A crash in between leaves a duplicate rather than losing the message.
func (q *queue) ResendMessage(ctx context.Context, message *Message) error {
	return q.resendOp.Instrument(ctx, func(ctx context.Context) error {
		retries := message.Retries + 1
		if err := q.put(ctx, message.Topic, retries, message.Data); err != nil {
			return err
		}
		if err := q.remove(ctx, message.ReceiptHandle); err != nil {
			return err
		}

		q.logger.Info("resent message to dlq",
			zap.String("topic", message.Topic),
			zap.Int("retries", retries),
		)
		return nil
	})
}

func (q *queue) ReceiveMessage(ctx context.Context) (*Message, error) {
	return q.receiveOp.Instrument(ctx, func(ctx context.Context) (*Message, error) {
		output, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.url),
			MaxNumberOfMessages:   aws.Int64(1),
			VisibilityTimeout:     aws.Int64(q.cfg.VisibilityTimeoutSecs),
			WaitTimeSeconds:       aws.Int64(q.cfg.WaitTimeSecs),
			AttributeNames:        aws.StringSlice([]string{sqs.MessageSystemAttributeNameSentTimestamp}),
			MessageAttributeNames: aws.StringSlice([]string{attrTopic, attrRetries}),
		})
		if err != nil {
			return nil, xerrors.Errorf("failed to receive message: %w", err)
		}

		switch n := len(output.Messages); {
		case n == 0:
			return nil, internal.ErrNotFound
		case n > 1:
			return nil, xerrors.Errorf("received more messages than expected: %v", n)
		}

		message, err := decodeMessage(output.Messages[0])
		if err != nil {
			return nil, err
		}
		if message.Data == nil {
			q.logger.Warn("unknown topic", zap.String("topic", message.Topic))
		}

		q.logger.Info("received message from dlq",
			zap.String("topic", message.Topic),
			zap.Int("retries", message.Retries),
			zap.Time("sent_timestamp", message.SentTimestamp),
		)
		return message, nil
	})
}

func (q *queue) DeleteMessage(ctx context.Context, message *Message) error {
	return q.deleteOp.Instrument(ctx, func(ctx context.Context) error {
		if err := q.remove(ctx, message.ReceiptHandle); err != nil {
			return err
		}

		q.logger.Info("deleted message from dlq", zap.String("topic", message.Topic))
		return nil
	})
}

func (q *queue) put(ctx context.Context, topic string, retries int, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return xerrors.Errorf("failed to marshal body: %w", err)
	}

	if _, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: encodeAttributes(topic, retries),
		DelaySeconds:      aws.Int64(q.cfg.DelaySecs),
	}); err != nil {
		return xerrors.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (q *queue) remove(ctx context.Context, receiptHandle string) error {
	if _, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	}); err != nil {
		return xerrors.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (q *queue) lookupURL() error {
	output, err := q.client.GetQueueUrl(&sqs.GetQueueUrlInput{
		QueueName: aws.String(q.cfg.Name),
	})
	if err != nil {
		return xerrors.Errorf("failed to get queue url (name=%v): %w", q.cfg.Name, err)
	}

	url := aws.StringValue(output.QueueUrl)
	if url == "" {
		return xerrors.Errorf("empty queue url (name=%v)", q.cfg.Name)
	}
	q.url = url
	return nil
}

// encodeAttributes omits the retry counter on first delivery.
func encodeAttributes(topic string, retries int) map[string]*sqs.MessageAttributeValue {
	attributes := map[string]*sqs.MessageAttributeValue{
		attrTopic: {
			DataType:    aws.String("String"),
			StringValue: aws.String(topic),
		},
	}
	if retries > 0 {
		attributes[attrRetries] = &sqs.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(retries)),
		}
	}
	return attributes
}

// decodeMessage rebuilds a Message from an SQS delivery.
// Data stays nil when the topic has no registered payload type.
func decodeMessage(m *sqs.Message) (*Message, error) {
	topic := m.MessageAttributes[attrTopic]
	if topic == nil {
		return nil, xerrors.Errorf("message has no topic attribute (id=%v)", aws.StringValue(m.MessageId))
	}

	sent := aws.StringValue(m.Attributes[sqs.MessageSystemAttributeNameSentTimestamp])
	sentMillis, err := strconv.ParseInt(sent, 10, 64)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse sent timestamp %q: %w", sent, err)
	}

	message := &Message{
		Topic:         aws.StringValue(topic.StringValue),
		SentTimestamp: time.UnixMilli(sentMillis).UTC(),
		ReceiptHandle: aws.StringValue(m.ReceiptHandle),
	}

	if attr := m.MessageAttributes[attrRetries]; attr != nil {
		// Malformed counters restart from zero.
		if retries, err := strconv.Atoi(aws.StringValue(attr.StringValue)); err == nil {
			message.Retries = retries
		}
	}

	if data := internal.NewData(message.Topic); data != nil {
		if err := json.Unmarshal([]byte(aws.StringValue(m.Body)), data); err != nil {
			return nil, xerrors.Errorf("failed to unmarshal message body (topic=%v): %w", message.Topic, err)
		}
		message.Data = data
	}
	return message, nil
}
