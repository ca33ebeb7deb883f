package internal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
)

type (
	// DLQ parks work that failed permanently so it can be inspected and replayed.
	DLQ interface {
		SendMessage(ctx context.Context, message *Message) error
		// ResendMessage requeues the message with Retries+1 and deletes the received copy.
		ResendMessage(ctx context.Context, message *Message) error
		// ReceiveMessage returns ErrNotFound when nothing is queued.
		ReceiveMessage(ctx context.Context) (*Message, error)
		DeleteMessage(ctx context.Context, message *Message) error
	}

	// Message is one queued payload. ReceiptHandle and SentTimestamp are set on receive.
	Message struct {
		Topic         string
		Retries       int
		SentTimestamp time.Time
		ReceiptHandle string
		Data          any
	}

	DLQFactory interface {
		Create() (DLQ, error)
	}

	DLQFactoryParams struct {
		fx.In
		fxparams.Params
		SQS    DLQFactory `name:"dlq/sqs"`
		Memory DLQFactory `name:"dlq/memory"`
	}
)

var ErrNotFound = errors.New("not found")

// WithDLQFactory creates the queue selected by storage_type.dlq; SQS is the default.
func WithDLQFactory(params DLQFactoryParams) (DLQ, error) {
	factories := map[config.DLQType]DLQFactory{
		config.DLQType_UNSPECIFIED: params.SQS,
		config.DLQType_SQS:         params.SQS,
		config.DLQType_MEMORY:      params.Memory,
	}

	kind := params.Config.StorageType.DLQType
	factory, ok := factories[kind]
	if !ok || factory == nil {
		return nil, xerrors.Errorf("dlq type is not implemented: %v", kind)
	}

	queue, err := factory.Create()
	if err != nil {
		return nil, xerrors.Errorf("failed to create %v dlq: %w", kind, err)
	}
	return queue, nil
}

// FilterError treats an empty queue as an expected outcome.
func FilterError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NewData allocates the payload type registered for topic, or nil for an unknown topic.
func NewData(topic string) any {
	if topic == FailedLogTopic {
		return new(FailedLogData)
	}
	return nil
}
