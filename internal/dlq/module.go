package dlq

import (
	"go.uber.org/fx"

	"github.com/coinbase/chainmirror/internal/dlq/internal"
	"github.com/coinbase/chainmirror/internal/dlq/memory"
	"github.com/coinbase/chainmirror/internal/dlq/sqs"
)

const (
	FailedLogTopic = internal.FailedLogTopic
)

type (
	DLQ           = internal.DLQ
	Message       = internal.Message
	FailedLogData = internal.FailedLogData
)

var (
	ErrNotFound = internal.ErrNotFound
)

var Module = fx.Options(
	sqs.Module,
	memory.Module,
	fx.Provide(internal.WithDLQFactory),
)
