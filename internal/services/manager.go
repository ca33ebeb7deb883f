package services

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	// SystemManager owns the process lifecycle. Long-running loops such as the
	// sync coordinator and the HTTP server run under ServiceContext and register on
	// ServiceWaitGroup, so shutdown can cancel them and wait for them to return.
	SystemManager interface {
		Context() context.Context
		Logger() *zap.Logger
		ServiceContext() context.Context
		ServiceWaitGroup() *sync.WaitGroup
		State() ServiceState
		AddPreShutdownHook(PreShutdownHook)
		AddShutdownHook(ShutdownHook)
		WaitForInterrupt()
		Shutdown()
	}

	ManagerOption func(*systemManager)

	Params struct {
		fx.In
		SystemManager SystemManager `optional:"true"`
	}

	ServiceState int32

	// PreShutdownHook runs before the service context is canceled, concurrently with its peers.
	PreShutdownHook func()
	// ShutdownHook runs after every service returned, in registration order.
	ShutdownHook func()

	systemManager struct {
		logger *zap.Logger
		state  atomic.Int32

		root     context.Context
		services context.Context
		cancel   context.CancelFunc
		running  sync.WaitGroup

		hooksMu sync.Mutex
		before  []PreShutdownHook
		after   []ShutdownHook

		stop     chan struct{}
		stopOnce sync.Once
	}
)

const (
	Starting ServiceState = iota + 1
	Running
	Stopping
	Terminated
)

func NewManager(opts ...ManagerOption) SystemManager {
	m := &systemManager{
		root: context.Background(),
		stop: make(chan struct{}),
	}
	m.state.Store(int32(Starting))
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.New()
	}
	m.services, m.cancel = context.WithCancel(m.root)
	return m
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *systemManager) {
		m.logger = logger
	}
}

func (m *systemManager) Context() context.Context          { return m.root }
func (m *systemManager) Logger() *zap.Logger               { return m.logger }
func (m *systemManager) ServiceWaitGroup() *sync.WaitGroup { return &m.running }
func (m *systemManager) State() ServiceState               { return ServiceState(m.state.Load()) }

// ServiceContext is canceled once the pre-shutdown hooks have run.
func (m *systemManager) ServiceContext() context.Context {
	return m.services
}

func (m *systemManager) AddPreShutdownHook(hook PreShutdownHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.before = append(m.before, hook)
}

func (m *systemManager) AddShutdownHook(hook ShutdownHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.after = append(m.after, hook)
}

// Shutdown unblocks WaitForInterrupt. Repeated calls are no-ops.
func (m *systemManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// WaitForInterrupt blocks until Shutdown or SIGINT/SIGTERM and then tears the process down.
func (m *systemManager) WaitForInterrupt() {
	m.state.Store(int32(Running))
	release := notifyOnSignal(m.logger, m.Shutdown)
	defer release()

	<-m.stop
	m.state.Store(int32(Stopping))

	m.hooksMu.Lock()
	before, after := m.before, m.after
	m.hooksMu.Unlock()

	m.logger.Debug("running pre-shutdown hooks", zap.Int("hooks", len(before)))
	var hooks sync.WaitGroup
	hooks.Add(len(before))
	for _, hook := range before {
		go func(hook PreShutdownHook) {
			defer hooks.Done()
			hook()
		}(hook)
	}
	hooks.Wait()

	m.logger.Info("shutting down")
	m.cancel()
	m.running.Wait()

	m.logger.Debug("running shutdown hooks", zap.Int("hooks", len(after)))
	for _, hook := range after {
		hook()
	}
	_ = m.logger.Sync()
	m.state.Store(int32(Terminated))
}
