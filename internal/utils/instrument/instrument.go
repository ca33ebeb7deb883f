package instrument

import (
	"context"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/utils/timesource"
)

type (
	// Instrument records the outcome and latency of an operation:
	// a counter tagged by result_type and a latency timer under the operation name.
	Instrument interface {
		Instrument(ctx context.Context, operation OperationFn, opts ...InstrumentOption) error
	}

	InstrumentWithResult[T any] interface {
		Instrument(ctx context.Context, operation OperationWithResultFn[T], opts ...InstrumentOption) (T, error)
	}

	OperationFn                  func(ctx context.Context) error
	OperationWithResultFn[T any] func(ctx context.Context) (T, error)

	// FilterFn accepts errors that are expected outcomes, e.g. a missing row.
	FilterFn func(err error) bool

	Option           func(s *settings)
	InstrumentOption func(c *callSettings)

	outcome int

	recorder struct {
		counters [numOutcomes]tally.Counter
		latency  tally.Timer
		settings
	}

	withResult[T any] struct {
		*recorder
	}

	withoutResult struct {
		*recorder
	}

	settings struct {
		filter FilterFn
		clock  timesource.TimeSource
		logger *zap.Logger
		msg    string
	}

	callSettings struct {
		fields []zap.Field
	}
)

const (
	succeeded outcome = iota
	failed
	filtered
	numOutcomes
)

var outcomeTags = [numOutcomes]map[string]string{
	succeeded: {"result_type": "success"},
	failed:    {"result_type": "error"},
	filtered:  {"result_type": "success", "filtered": "true"},
}

func New(scope tally.Scope, name string, opts ...Option) Instrument {
	return withoutResult{newRecorder(scope, name, opts)}
}

func NewWithResult[T any](scope tally.Scope, name string, opts ...Option) InstrumentWithResult[T] {
	return withResult[T]{newRecorder(scope, name, opts)}
}

func newRecorder(scope tally.Scope, name string, opts []Option) *recorder {
	r := &recorder{
		latency: scope.SubScope(name).Timer("latency"),
		settings: settings{
			clock:  timesource.NewRealTimeSource(),
			logger: zap.NewNop(),
			msg:    name,
		},
	}
	for _, opt := range opts {
		opt(&r.settings)
	}
	for o, tags := range outcomeTags {
		r.counters[o] = scope.Tagged(tags).Counter(name)
	}
	return r
}

// WithFilter counts the errors accepted by filter as filtered successes, logged at debug level.
func WithFilter(filter FilterFn) Option {
	return func(s *settings) {
		s.filter = filter
	}
}

func WithLogger(logger *zap.Logger, msg string) Option {
	return func(s *settings) {
		s.logger = logger
		s.msg = msg
	}
}

func WithTimeSource(clock timesource.TimeSource) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

func WithLoggerFields(fields ...zap.Field) InstrumentOption {
	return func(c *callSettings) {
		c.fields = append(c.fields, fields...)
	}
}

func (i withoutResult) Instrument(ctx context.Context, operation OperationFn, opts ...InstrumentOption) error {
	start := i.clock.Now()
	err := operation(ctx)
	i.record(start, err, opts)
	return err
}

func (i withResult[T]) Instrument(ctx context.Context, operation OperationWithResultFn[T], opts ...InstrumentOption) (T, error) {
	start := i.clock.Now()
	res, err := operation(ctx)
	i.record(start, err, opts)
	return res, err
}

func (r *recorder) record(start time.Time, err error, opts []InstrumentOption) {
	elapsed := r.clock.Now().Sub(start)
	r.latency.Record(elapsed)

	var call callSettings
	for _, opt := range opts {
		opt(&call)
	}
	fields := append([]zap.Field{zap.String("duration", elapsed.String())}, call.fields...)

	switch {
	case err == nil:
		r.counters[succeeded].Inc(1)
		r.logger.Debug(r.msg, fields...)
	case r.filter != nil && r.filter(err):
		r.counters[filtered].Inc(1)
		r.logger.Debug(r.msg, append(fields, zap.Error(err))...)
	default:
		r.counters[failed].Inc(1)
		r.logger.Warn(r.msg, append(fields, zap.Error(err))...)
	}
}
