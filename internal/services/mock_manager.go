package services

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/utils/log"
)

// MockSystemManager never cancels its contexts and runs its hooks synchronously on Shutdown.
type MockSystemManager struct {
	GContext          context.Context
	GLogger           *zap.Logger
	GServiceWaitGroup *sync.WaitGroup
	GShutdownHooks    []ShutdownHook
	GPreShutdownHooks []PreShutdownHook
}

var _ SystemManager = (*MockSystemManager)(nil)

func NewMockSystemManager() SystemManager {
	manager := &MockSystemManager{
		GContext:          context.Background(),
		GLogger:           log.NewDevelopment(),
		GServiceWaitGroup: new(sync.WaitGroup),
	}
	zap.ReplaceGlobals(manager.GLogger)
	return manager
}

func (m *MockSystemManager) Context() context.Context          { return m.GContext }
func (m *MockSystemManager) Logger() *zap.Logger               { return m.GLogger }
func (m *MockSystemManager) ServiceContext() context.Context   { return m.GContext }
func (m *MockSystemManager) ServiceWaitGroup() *sync.WaitGroup { return m.GServiceWaitGroup }
func (m *MockSystemManager) State() ServiceState               { return Running }
func (m *MockSystemManager) WaitForInterrupt()                 {}

func (m *MockSystemManager) AddPreShutdownHook(hook PreShutdownHook) {
	m.GPreShutdownHooks = append(m.GPreShutdownHooks, hook)
}

func (m *MockSystemManager) AddShutdownHook(hook ShutdownHook) {
	m.GShutdownHooks = append(m.GShutdownHooks, hook)
}

func (m *MockSystemManager) Shutdown() {
	for _, hook := range m.GPreShutdownHooks {
		hook()
	}
	for _, hook := range m.GShutdownHooks {
		hook()
	}
}
