package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	RunnerParams struct {
		fx.In
		fxparams.Params
		Lifecycle fx.Lifecycle
		Manager   services.SystemManager
		Tasks     []Task `group:"task"`
	}

	// Job adapts a Task to the scheduler.
	// Ticks before the start delay has elapsed or beyond the task's parallelism are skipped.
	Job struct {
		ctx       context.Context
		task      Task
		logger    *zap.Logger
		notBefore time.Time
		slots     *semaphore.Weighted
		runs      instrument.Instrument
		skipped   tally.Counter
	}

	zapCronLogger struct {
		sugar *zap.SugaredLogger
	}
)

const (
	maxLocalStartDelay = 2 * time.Second
	stopTimeout        = 5 * time.Second
)

var (
	_ cron.Job    = (*Job)(nil)
	_ cron.Logger = (*zapCronLogger)(nil)
)

// RegisterRunner schedules every enabled task for the lifetime of the application.
func RegisterRunner(params RunnerParams) error {
	logger := log.WithPackage(params.Logger)
	scope := params.Metrics.SubScope("cron")

	scheduler := cron.New(cron.WithChain(cron.Recover(&zapCronLogger{sugar: logger.Sugar()})))
	ctx, cancel := context.WithCancel(params.Manager.ServiceContext())

	var scheduled []string
	for _, task := range params.Tasks {
		if !task.Enabled() {
			logger.Warn("task is disabled", zap.String("task", task.Name()))
			continue
		}

		job, err := NewJob(ctx, params.Config, logger, scope, task)
		if err == nil {
			_, err = scheduler.AddJob(task.Spec(), job)
		}
		if err != nil {
			cancel()
			return xerrors.Errorf("failed to schedule task %v (spec=%q): %w", task.Name(), task.Spec(), err)
		}
		scheduled = append(scheduled, task.Name())
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting cron", zap.Strings("tasks", scheduled))
			scheduler.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			select {
			case <-scheduler.Stop().Done():
				logger.Info("stopped cron")
			case <-time.After(stopTimeout):
				logger.Error("timed out waiting for running tasks")
			}
			return nil
		},
	})
	return nil
}

func NewJob(ctx context.Context, cfg *config.Config, logger *zap.Logger, scope tally.Scope, task Task) (*Job, error) {
	parallelism := task.Parallelism()
	if parallelism <= 0 {
		return nil, xerrors.Errorf("invalid parallelism: %v", parallelism)
	}

	delay := task.DelayStartDuration()
	if cfg.Env() == config.EnvLocal && delay > maxLocalStartDelay {
		delay = maxLocalStartDelay
	}

	logger = logger.With(zap.String("task", task.Name()))
	logger.Info("scheduled task", zap.String("spec", task.Spec()), zap.Duration("start_delay", delay))
	return &Job{
		ctx:       ctx,
		task:      task,
		logger:    logger,
		notBefore: time.Now().Add(delay),
		slots:     semaphore.NewWeighted(parallelism),
		runs:      instrument.New(scope, task.Name(), instrument.WithLogger(logger, "cron.job")),
		skipped:   scope.Tagged(map[string]string{"task": task.Name()}).Counter("skipped"),
	}, nil
}

func (j *Job) Run() {
	if time.Now().Before(j.notBefore) || !j.slots.TryAcquire(1) {
		j.skipped.Inc(1)
		j.logger.Debug("skipped task")
		return
	}
	defer j.slots.Release(1)

	ctx := j.ctx
	if timeout := j.task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Failures are recorded by the instrument; the next tick retries.
	_ = j.runs.Instrument(ctx, j.task.Run)
}

func (l *zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, zap.Error(err))...)
}
