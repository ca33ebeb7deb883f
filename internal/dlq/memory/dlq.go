package memory

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

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
	}

	// queue keeps messages in process memory for local runs and tests.
	// Payloads are round-tripped through JSON so receivers see the same types as with SQS.
	queue struct {
		logger *zap.Logger

		mu       sync.Mutex
		pending  *list.List
		received map[string]record

		sendOp    instrument.Instrument
		resendOp  instrument.Instrument
		receiveOp instrument.InstrumentWithResult[*Message]
		deleteOp  instrument.Instrument
	}

	record struct {
		topic   string
		retries int
		sentAt  time.Time
		body    []byte
	}

	factory struct {
		params DLQParams
	}
)

var _ DLQ = (*queue)(nil)

func NewFactory(params DLQParams) internal.DLQFactory {
	return &factory{params: params}
}

func (f *factory) Create() (internal.DLQ, error) {
	return New(f.params), nil
}

func New(params DLQParams) DLQ {
	scope := params.Metrics.SubScope("dlq")
	return &queue{
		logger:    log.WithPackage(params.Logger),
		pending:   list.New(),
		received:  make(map[string]record),
		sendOp:    instrument.New(scope, "send_message"),
		resendOp:  instrument.New(scope, "resend_message"),
		receiveOp: instrument.NewWithResult[*Message](scope, "receive_message", instrument.WithFilter(internal.FilterError)),
		deleteOp:  instrument.New(scope, "delete_message"),
	}
}

func (q *queue) SendMessage(ctx context.Context, message *Message) error {
	return q.sendOp.Instrument(ctx, func(ctx context.Context) error {
		if err := q.put(message.Topic, 0, message.Data); err != nil {
			return err
		}

		q.logger.Info("sent message to dlq", zap.String("topic", message.Topic), zap.Reflect("data", message.Data))
		return nil
	})
}

func (q *queue) ResendMessage(ctx context.Context, message *Message) error {
	return q.resendOp.Instrument(ctx, func(ctx context.Context) error {
		retries := message.Retries + 1
		if err := q.put(message.Topic, retries, message.Data); err != nil {
			return err
		}
		q.take(message.ReceiptHandle)

		q.logger.Info("resent message to dlq", zap.String("topic", message.Topic), zap.Int("retries", retries))
		return nil
	})
}

func (q *queue) ReceiveMessage(ctx context.Context) (*Message, error) {
	return q.receiveOp.Instrument(ctx, func(ctx context.Context) (*Message, error) {
		receipt, rec, ok := q.next()
		if !ok {
			return nil, internal.ErrNotFound
		}

		data := internal.NewData(rec.topic)
		if data != nil {
			if err := json.Unmarshal(rec.body, data); err != nil {
				return nil, xerrors.Errorf("failed to unmarshal message body (topic=%v): %w", rec.topic, err)
			}
		}

		return &Message{
			Topic:         rec.topic,
			Retries:       rec.retries,
			SentTimestamp: rec.sentAt,
			ReceiptHandle: receipt,
			Data:          data,
		}, nil
	})
}

func (q *queue) DeleteMessage(ctx context.Context, message *Message) error {
	return q.deleteOp.Instrument(ctx, func(ctx context.Context) error {
		if !q.take(message.ReceiptHandle) {
			return xerrors.Errorf("unknown receipt handle %v: %w", message.ReceiptHandle, internal.ErrNotFound)
		}
		return nil
	})
}

func (q *queue) put(topic string, retries int, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return xerrors.Errorf("failed to marshal message body: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.PushBack(record{
		topic:   topic,
		retries: retries,
		sentAt:  time.Now().UTC(),
		body:    body,
	})
	return nil
}

// next pops the oldest pending record and tracks it under a fresh receipt handle.
func (q *queue) next() (string, record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.pending.Front()
	if front == nil {
		return "", record{}, false
	}
	rec := q.pending.Remove(front).(record)
	receipt := uuid.NewString()
	q.received[receipt] = rec
	return receipt, rec, true
}

func (q *queue) take(receipt string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.received[receipt]; !ok {
		return false
	}
	delete(q.received, receipt)
	return true
}
