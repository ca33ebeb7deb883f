package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

// cmdApp is a short-lived fx app holding the modules one command needs.
type cmdApp struct {
	app     *fx.App
	manager services.SystemManager
}

var (
	flags struct {
		env        string
		blockchain string
		network    string
		yes        bool
	}

	logger = log.NewDevelopment()
	cfg    *config.Config
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.env, "env", string(config.EnvLocal), "one of [local, development, production]")
	pf.StringVar(&flags.blockchain, "blockchain", "bsc", "blockchain name")
	pf.StringVar(&flags.network, "network", "mainnet", "network name, e.g. mainnet or testnet")
	pf.BoolVarP(&flags.yes, "yes", "y", false, "skip confirmation prompts")

	rootCmd.PersistentPreRunE = loadConfig
}

// loadConfig runs before every command. A .env file in the working directory is optional.
func loadConfig(*cobra.Command, []string) error {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	var err error
	cfg, err = config.New(
		config.WithEnvironment(config.Env(flags.env)),
		config.WithBlockchain(flags.blockchain),
		config.WithNetwork(flags.network),
	)
	if err != nil {
		return xerrors.Errorf("failed to load config: %w", err)
	}
	return nil
}

func startApp(opts ...fx.Option) (*cmdApp, error) {
	manager := services.NewManager(services.WithLogger(logger))

	app := fx.New(append([]fx.Option{
		config.WithCustomConfig(cfg),
		config.Module,
		fxparams.Module,
		fx.NopLogger,
		fx.Provide(
			func() *zap.Logger { return logger },
			func() tally.Scope { return tally.NoopScope },
			func() services.SystemManager { return manager },
		),
	}, opts...)...)
	if err := app.Start(manager.Context()); err != nil {
		manager.Shutdown()
		return nil, xerrors.Errorf("failed to start app: %w", err)
	}
	return &cmdApp{app: app, manager: manager}, nil
}

func (a *cmdApp) Close() {
	if err := a.app.Stop(a.manager.Context()); err != nil {
		logger.Error("failed to stop app", zap.Error(err))
	}
	a.manager.Shutdown()
}

// confirm asks whether to perform action on the selected chain.
// Local runs and --yes skip the prompt.
func confirm(action string) bool {
	if cfg.Env() == config.EnvLocal || flags.yes {
		return true
	}

	fmt.Print(
		color.CyanString("Are you sure you want to "),
		action,
		color.CyanString(" in "),
		color.MagentaString("%v::%v-%v", cfg.Env(), cfg.Blockchain(), cfg.Network()),
		color.CyanString("? (y/N) "),
	)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		logger.Error("failed to read from console", zap.Error(err))
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return xerrors.Errorf("failed to encode output: %w", err)
	}
	return nil
}
