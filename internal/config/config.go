package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type (
	Config struct {
		ConfigName  string         `mapstructure:"config_name" validate:"required"`
		StorageType StorageType    `mapstructure:"storage_type"`
		Chain       ChainConfig    `mapstructure:"chain"`
		Contract    ContractConfig `mapstructure:"contract"`
		Sync        SyncConfig     `mapstructure:"sync"`
		Database    DatabaseConfig `mapstructure:"database"`
		AWS         AwsConfig      `mapstructure:"aws"`
		Api         ApiConfig      `mapstructure:"api"`
		Server      ServerConfig   `mapstructure:"server"`
		Cron        CronConfig     `mapstructure:"cron"`
		StatsD      *StatsDConfig  `mapstructure:"statsd"`

		namespace string
		env       Env
	}

	StorageType struct {
		MetaStorageType MetaStorageType `mapstructure:"meta"`
		DLQType         DLQType         `mapstructure:"dlq"`
	}

	ChainConfig struct {
		Blockchain string        `mapstructure:"blockchain" validate:"required"`
		Network    string        `mapstructure:"network" validate:"required"`
		Client     ClientConfig  `mapstructure:"client"`
		BlockTime  time.Duration `mapstructure:"block_time" validate:"required"`
	}

	ClientConfig struct {
		Master       JSONRPCConfig     `mapstructure:"master"`
		Subscription JSONRPCConfig     `mapstructure:"subscription"`
		Retry        ClientRetryConfig `mapstructure:"retry"`
		HttpTimeout  time.Duration     `mapstructure:"http_timeout"`
	}

	JSONRPCConfig struct {
		EndpointGroup EndpointGroup `mapstructure:"endpoint_group"`
	}

	ClientRetryConfig struct {
		// MaxAttempts defaults to two attempts per master endpoint.
		MaxAttempts int `mapstructure:"max_attempts"`
	}

	// ContractConfig pins the single contract being mirrored.
	ContractConfig struct {
		Address string `mapstructure:"address" validate:"required,eth_addr"`
		// GenesisBlock is the deployment block of the contract. Sync never starts below it.
		GenesisBlock uint64 `mapstructure:"genesis_block"`
	}

	SyncConfig struct {
		ChunkSize uint64 `mapstructure:"chunk_size" validate:"required"`
		// GrowAfter is the number of consecutive successful batches before a shrunk chunk is doubled again.
		GrowAfter      int           `mapstructure:"grow_after" validate:"required"`
		PollInterval   time.Duration `mapstructure:"poll_interval" validate:"required"`
		Confirmations  uint64        `mapstructure:"confirmations"`
		BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"required"`
		BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"required,gtefield=BackoffInitial"`
		// MaxReconnectAttempts is the number of consecutive subscription failures before push mode is disabled.
		MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" validate:"required"`
		// MaxDecodeRetries is the number of passes over a block with an undecodable log before it is skipped.
		MaxDecodeRetries int           `mapstructure:"max_decode_retries" validate:"required"`
		ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
		DisablePush      bool          `mapstructure:"disable_push"`
	}

	DatabaseConfig struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		AutoMigrate     bool          `mapstructure:"auto_migrate"`
	}

	AwsConfig struct {
		Region       string     `mapstructure:"region" validate:"required"`
		IsLocalStack bool       `mapstructure:"local_stack"`
		IsResetLocal bool       `mapstructure:"reset_local"`
		DLQ          SQSConfig  `mapstructure:"dlq"`
		AWSAccount   AWSAccount `mapstructure:"aws_account" validate:"required"`
	}

	SQSConfig struct {
		Name                  string `mapstructure:"name" validate:"required"`
		VisibilityTimeoutSecs int64  `mapstructure:"visibility_timeout_secs"`
		DelaySecs             int64  `mapstructure:"delay_secs"`
		// WaitTimeSecs enables long polling. SQS caps it at 20.
		WaitTimeSecs   int64  `mapstructure:"wait_time_secs" validate:"lte=20"`
		OwnerAccountId string `mapstructure:"owner_account_id"`
	}

	ApiConfig struct {
		DefaultPageSize int             `mapstructure:"default_page_size" validate:"required"`
		MaxPageSize     int             `mapstructure:"max_page_size" validate:"required,gtefield=DefaultPageSize"`
		Auth            AuthConfig      `mapstructure:"auth"`
		RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	}

	ServerConfig struct {
		BindAddress     string        `mapstructure:"bind_address" validate:"required"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}

	CronConfig struct {
		DLQBatchSize       int    `mapstructure:"dlq_batch_size" validate:"required"`
		ReconcileBatchSize int    `mapstructure:"reconcile_batch_size" validate:"required"`
		MaxLagBlocks       uint64 `mapstructure:"max_lag_blocks" validate:"required"`
		DisableDLQReplayer bool   `mapstructure:"disable_dlq_replayer"`
		DisableReconciler  bool   `mapstructure:"disable_reconciler"`
		DisableLagMonitor  bool   `mapstructure:"disable_lag_monitor"`
	}

	RateLimitConfig struct {
		GlobalRPS    int `mapstructure:"global_rps"`
		PerClientRPS int `mapstructure:"per_client_rps"`
	}

	StatsDConfig struct {
		Address string `mapstructure:"address" validate:"required"`
		Prefix  string `mapstructure:"prefix"`
		// TagFormat is either "datadog" (default) or "influxdb".
		TagFormat string `mapstructure:"tag_format" validate:"omitempty,oneof=datadog influxdb"`
	}

	Env        string
	AWSAccount string
)

const (
	EnvBase        Env = "base"
	EnvLocal       Env = "local"
	EnvDevelopment Env = "development"
	EnvProduction  Env = "production"
	// envSecrets names the untracked .secrets.yml layered on top of the env config.
	envSecrets Env = "secrets"

	AWSAccountDevelopment AWSAccount = "development"
	AWSAccountProduction  AWSAccount = "production"
)

// AWSAccountEnvMap maps the CHAINMIRROR_ENVIRONMENT value to the config env.
var AWSAccountEnvMap = map[AWSAccount]Env{
	"":                    EnvLocal,
	AWSAccountDevelopment: EnvDevelopment,
	AWSAccountProduction:  EnvProduction,
}

func (c *Config) Namespace() string {
	return c.namespace
}

func (c *Config) Env() Env {
	return c.env
}

func (c *Config) Blockchain() string {
	return c.Chain.Blockchain
}

func (c *Config) Network() string {
	return c.Chain.Network
}

// GetCommonTags are attached to every metric.
func (c *Config) GetCommonTags() map[string]string {
	return map[string]string{
		"blockchain": c.Blockchain(),
		"network":    c.Network(),
	}
}

// CheckpointKey identifies the (chain, contract) pair owning a checkpoint row.
func (c *Config) CheckpointKey() string {
	return fmt.Sprintf("%v-%v/%v", c.Blockchain(), c.Network(), strings.ToLower(c.Contract.Address))
}

func (c *Config) IsTest() bool {
	return os.Getenv(EnvVarTestType) != ""
}

func (c *Config) IsIntegrationTest() bool {
	return os.Getenv(EnvVarTestType) == "integration"
}

func (c *Config) IsFunctionalTest() bool {
	return os.Getenv(EnvVarTestType) == "functional"
}

// GetEnv resolves the env from CHAINMIRROR_ENVIRONMENT, falling back to local.
func GetEnv() Env {
	if env, ok := AWSAccountEnvMap[AWSAccount(os.Getenv(EnvVarEnvironment))]; ok {
		return env
	}
	return EnvLocal
}
