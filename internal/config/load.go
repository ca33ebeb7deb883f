package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/config"
)

type (
	ConfigOption func(options *configOptions)

	configOptions struct {
		Namespace  string `validate:"required"`
		Blockchain string `validate:"required"`
		Network    string `validate:"required"`
		Env        Env    `validate:"required,oneof=production development local"`
	}
)

const (
	EnvVarNamespace   = "CHAINMIRROR_NAMESPACE"
	EnvVarConfigName  = "CHAINMIRROR_CONFIG"
	EnvVarEnvironment = "CHAINMIRROR_ENVIRONMENT"
	EnvVarConfigRoot  = "CHAINMIRROR_CONFIG_ROOT"
	EnvVarConfigPath  = "CHAINMIRROR_CONFIG_PATH"
	EnvVarTestType    = "TEST_TYPE"

	DefaultNamespace  = "chainmirror"
	DefaultConfigName = "bsc-mainnet"

	envPrefix = "CHAINMIRROR"
)

// New loads the config in layers: base.yml, then the env file (e.g. development.yml),
// then the untracked .secrets.yml, and finally CHAINMIRROR_* environment variables.
func New(opts ...ConfigOption) (*Config, error) {
	validate := validator.New()

	options, err := newConfigOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(options); err != nil {
		return nil, xerrors.Errorf("failed to validate config options: %w", err)
	}

	cfg := &Config{
		namespace: options.Namespace,
		env:       options.Env,
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	if options.Env == EnvLocal || cfg.IsTest() {
		v.SetDefault("aws.local_stack", true)
	}
	if cfg.IsTest() {
		v.SetDefault("aws.reset_local", true)
	}

	base, err := options.open(EnvBase)
	if err != nil {
		return nil, xerrors.Errorf("failed to locate config file: %w", err)
	}
	if err := v.ReadConfig(base); err != nil {
		return nil, xerrors.Errorf("failed to read config: %w", err)
	}

	for _, layer := range []Env{options.Env, envSecrets} {
		reader, err := options.open(layer)
		if err != nil {
			// Both layers are optional.
			continue
		}
		if err := v.MergeConfig(reader); err != nil {
			return nil, xerrors.Errorf("failed to merge in %v config: %w", layer, err)
		}
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		enumHook[MetaStorageType]("meta storage type", metaStorageTypeNames),
		enumHook[DLQType]("dlq type", dlqTypeNames),
	))); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.derive()

	if err := validate.Struct(cfg); err != nil {
		return nil, xerrors.Errorf("failed to validate config: %w", err)
	}
	if cfg.Chain.Client.Master.EndpointGroup.Empty() {
		return nil, xerrors.New("master endpoint group cannot be empty")
	}
	if cfg.StorageType.MetaStorageType == MetaStorageType_UNSPECIFIED {
		return nil, xerrors.New("meta storage type must be specified")
	}
	return cfg, nil
}

func WithNamespace(namespace string) ConfigOption {
	return func(opts *configOptions) {
		opts.Namespace = namespace
	}
}

func WithBlockchain(blockchain string) ConfigOption {
	return func(opts *configOptions) {
		opts.Blockchain = blockchain
	}
}

func WithNetwork(network string) ConfigOption {
	return func(opts *configOptions) {
		opts.Network = network
	}
}

func WithEnvironment(env Env) ConfigOption {
	return func(opts *configOptions) {
		opts.Env = env
	}
}

// newConfigOptions fills whatever the options leave unset from the environment.
// The config name is only consulted when neither blockchain nor network is given.
func newConfigOptions(opts []ConfigOption) (*configOptions, error) {
	options := new(configOptions)
	for _, opt := range opts {
		opt(options)
	}

	if options.Namespace == "" {
		options.Namespace = envOrDefault(EnvVarNamespace, DefaultNamespace)
	}
	if options.Env == "" {
		options.Env = GetEnv()
	}
	if options.Blockchain == "" && options.Network == "" {
		blockchain, network, err := ParseConfigName(envOrDefault(EnvVarConfigName, DefaultConfigName))
		if err != nil {
			return nil, xerrors.Errorf("failed to parse config name: %w", err)
		}
		options.Blockchain = blockchain
		options.Network = network
	}
	return options, nil
}

// ParseConfigName splits a config name such as "bsc-mainnet" or "bsc_testnet" into blockchain and network.
func ParseConfigName(configName string) (string, string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(configName, "-", "_"))
	blockchain, network, ok := strings.Cut(normalized, "_")
	if !ok || blockchain == "" || network == "" || strings.Contains(network, "_") {
		return "", "", xerrors.Errorf("config name is invalid: %v", configName)
	}
	return blockchain, network, nil
}

// open returns the yml for env. Sources, in order of precedence:
// CHAINMIRROR_CONFIG_PATH, a file under CHAINMIRROR_CONFIG_ROOT, the embedded store.
// The secrets file is never embedded and is read from the repo's config directory by default.
func (o *configOptions) open(env Env) (io.Reader, error) {
	root := os.Getenv(EnvVarConfigRoot)

	if env == envSecrets {
		if root == "" {
			repoRoot, err := repoRoot()
			if err != nil {
				return nil, err
			}
			root = filepath.Join(repoRoot, "config")
		}
		return openFile(filepath.Join(root, o.Namespace, o.Blockchain, o.Network, ".secrets.yml"))
	}

	if path := os.Getenv(EnvVarConfigPath); path != "" {
		return openFile(path)
	}
	if root != "" {
		return openFile(filepath.Join(root, o.Namespace, o.Blockchain, o.Network, fmt.Sprintf("%v.yml", env)))
	}

	path := fmt.Sprintf("%v/%v/%v/%v.yml", o.Namespace, o.Blockchain, o.Network, env)
	data, err := config.Store.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read embedded config %v: %w", path, err)
	}
	return bytes.NewReader(data), nil
}

func openFile(path string) (io.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config file %v: %w", path, err)
	}
	return bytes.NewReader(data), nil
}

// repoRoot is two levels above this package.
func repoRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", xerrors.New("failed to recover the source file name")
	}
	return filepath.Join(filepath.Dir(filename), "..", ".."), nil
}

func envOrDefault(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
