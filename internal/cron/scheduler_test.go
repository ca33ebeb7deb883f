package cron

import (
	"context"
	"testing"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

type fakeTask struct {
	parallelism int64
	delay       time.Duration
	timeout     time.Duration
	err         error
	block       chan struct{}
	runs        atomic.Int32
	deadline    atomic.Bool
}

var _ Task = (*fakeTask)(nil)

func (t *fakeTask) Name() string                      { return "fake" }
func (t *fakeTask) Spec() string                      { return "@every 1s" }
func (t *fakeTask) Parallelism() int64                { return t.parallelism }
func (t *fakeTask) DelayStartDuration() time.Duration { return t.delay }
func (t *fakeTask) Timeout() time.Duration            { return t.timeout }
func (t *fakeTask) Enabled() bool                     { return true }

func (t *fakeTask) Run(ctx context.Context) error {
	t.runs.Inc()
	_, ok := ctx.Deadline()
	t.deadline.Store(ok)
	if t.block != nil {
		<-t.block
	}
	return t.err
}

func newTestJob(t *testing.T, task *fakeTask, env config.Env) (*Job, tally.TestScope) {
	require := testutil.Require(t)

	cfg, err := config.New(config.WithEnvironment(env))
	require.NoError(err)

	scope := tally.NewTestScope("cron", nil)
	job, err := NewJob(context.Background(), cfg, zaptest.NewLogger(t), scope, task)
	require.NoError(err)
	return job, scope
}

func skipped(scope tally.TestScope) int64 {
	counter, ok := scope.Snapshot().Counters()["cron.skipped+task=fake"]
	if !ok {
		return 0
	}
	return counter.Value()
}

func TestJob_Run(t *testing.T) {
	tests := []struct {
		name     string
		task     *fakeTask
		deadline bool
	}{
		{name: "success", task: &fakeTask{parallelism: 1}},
		{name: "failure", task: &fakeTask{parallelism: 1, err: xerrors.New("boom")}},
		{name: "timeout", task: &fakeTask{parallelism: 1, timeout: time.Minute}, deadline: true},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require := testutil.Require(t)

			job, scope := newTestJob(t, test.task, config.EnvLocal)
			job.Run()
			job.Run()
			require.Equal(int32(2), test.task.runs.Load())
			require.Equal(test.deadline, test.task.deadline.Load())
			require.Zero(skipped(scope))
		})
	}
}

func TestJob_StartDelay(t *testing.T) {
	require := testutil.Require(t)

	task := &fakeTask{parallelism: 1, delay: time.Hour}
	job, scope := newTestJob(t, task, config.EnvProduction)
	job.Run()
	require.Zero(task.runs.Load())
	require.Equal(int64(1), skipped(scope))
}

func TestJob_LocalStartDelayIsCapped(t *testing.T) {
	require := testutil.Require(t)

	task := &fakeTask{parallelism: 1, delay: time.Hour}
	job, _ := newTestJob(t, task, config.EnvLocal)
	require.WithinDuration(time.Now().Add(maxLocalStartDelay), job.notBefore, time.Second)
}

func TestJob_SkipsBeyondParallelism(t *testing.T) {
	require := testutil.Require(t)

	task := &fakeTask{parallelism: 1, block: make(chan struct{})}
	job, scope := newTestJob(t, task, config.EnvLocal)

	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run()
	}()
	require.Eventually(func() bool { return task.runs.Load() == 1 }, time.Second, time.Millisecond)

	job.Run()
	require.Equal(int64(1), skipped(scope))

	close(task.block)
	<-done
	require.Equal(int32(1), task.runs.Load())
}

func TestNewJob_InvalidParallelism(t *testing.T) {
	require := testutil.Require(t)

	cfg, err := config.New()
	require.NoError(err)
	_, err = NewJob(context.Background(), cfg, zaptest.NewLogger(t), tally.NoopScope, &fakeTask{})
	require.Error(err)
}
