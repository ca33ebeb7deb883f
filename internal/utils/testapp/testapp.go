package testapp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/coinbase/chainmirror/internal/aws"
	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

type (
	// TestApp is a started fx app wired with the ambient modules.
	// Tests add the modules under test and populate what they need.
	TestApp interface {
		Close()
		Logger() *zap.Logger
		Config() *config.Config
	}

	TestFn func(t *testing.T, cfg *config.Config)

	app struct {
		fx     *fxtest.App
		logger *zap.Logger
		cfg    *config.Config
	}
)

const Namespace = config.DefaultNamespace

var (
	// ConfigNames lists every config shipped under config/chainmirror.
	ConfigNames = []string{
		"bsc-mainnet",
		"bsc-testnet",
	}

	Envs = []config.Env{
		config.EnvLocal,
		config.EnvDevelopment,
		config.EnvProduction,
	}
)

func New(t testing.TB, opts ...fx.Option) TestApp {
	logger := zaptest.NewLogger(t)
	manager := services.NewMockSystemManager()

	a := &app{logger: logger}
	opts = append(opts,
		aws.Module,
		config.Module,
		endpoints.Module,
		fxparams.Module,
		fx.NopLogger,
		fx.Provide(
			func() testing.TB { return t },
			func() *zap.Logger { return logger },
			func() tally.Scope { return tally.NoopScope },
			func() services.SystemManager { return manager },
		),
		fx.Decorate(isolateDatabase),
		fx.Populate(&a.cfg),
	)

	a.fx = fxtest.New(t, opts...)
	a.fx.RequireStart()
	return a
}

func WithConfig(cfg *config.Config) fx.Option {
	return config.WithCustomConfig(cfg)
}

// WithIntegration skips the test unless TEST_TYPE=integration.
func WithIntegration() fx.Option {
	return fx.Invoke(func(tb testing.TB, cfg *config.Config) {
		if !cfg.IsIntegrationTest() {
			tb.Skip("integration test")
		}
	})
}

// MemoryDSN returns a sqlite DSN for a private in-memory database.
func MemoryDSN(name string) string {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	return fmt.Sprintf("file:%v-%v?mode=memory&cache=shared", name, uuid.NewString())
}

// isolateDatabase gives every sqlite-backed test app its own in-memory database.
// A single connection keeps the shared-cache database alive for the app's lifetime.
func isolateDatabase(tb testing.TB, cfg *config.Config) *config.Config {
	if cfg.StorageType.MetaStorageType != config.MetaStorageType_SQLITE || strings.Contains(cfg.Database.DSN, "mode=memory") {
		return cfg
	}

	isolated := *cfg
	isolated.Database.DSN = MemoryDSN(tb.Name())
	isolated.Database.MaxOpenConns = 1
	return &isolated
}

func (a *app) Close() {
	a.fx.RequireStop()
}

func (a *app) Logger() *zap.Logger {
	return a.logger
}

func (a *app) Config() *config.Config {
	return a.cfg
}

// TestAllConfigs runs fn against every config name in every env.
func TestAllConfigs(t *testing.T, fn TestFn) {
	for _, configName := range ConfigNames {
		for _, env := range Envs {
			configName, env := configName, env
			t.Run(fmt.Sprintf("%v/%v/%v", Namespace, configName, env), func(t *testing.T) {
				require := testutil.Require(t)

				blockchain, network, err := config.ParseConfigName(configName)
				require.NoError(err)

				cfg, err := config.New(
					config.WithNamespace(Namespace),
					config.WithEnvironment(env),
					config.WithBlockchain(blockchain),
					config.WithNetwork(network),
				)
				require.NoError(err)
				require.Equal(env, cfg.Env())
				require.Equal(blockchain, cfg.Blockchain())
				require.Equal(network, cfg.Network())

				fn(t, cfg)
			})
		}
	}
}
