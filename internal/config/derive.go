package config

import (
	"fmt"
	"strings"
)

const (
	sqliteDSNFormat  = "file:chainmirror-%v.db?_busy_timeout=5000&_journal_mode=WAL"
	dlqNameFormat    = "example_chainmirror_failed_logs_%v"
	minRetryAttempts = 4
	attemptsPerNode  = 2
)

// derive fills the fields whose defaults depend on other parts of the config.
// Values set explicitly in yml or env are kept.
func (c *Config) derive() {
	c.Chain.Client.deriveRetry()

	if c.Database.DSN == "" && c.StorageType.MetaStorageType == MetaStorageType_SQLITE {
		c.Database.DSN = fmt.Sprintf(sqliteDSNFormat, strings.ReplaceAll(c.ConfigName, "_", "-"))
	}

	if c.AWS.DLQ.Name == "" {
		c.AWS.DLQ.Name = fmt.Sprintf(dlqNameFormat, c.ConfigName)
	}
}

// deriveRetry guarantees every master endpoint at least one attempt per call.
func (c *ClientConfig) deriveRetry() {
	nodes := len(c.Master.EndpointGroup.Endpoints)
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = attemptsPerNode * nodes
		if c.Retry.MaxAttempts < minRetryAttempts {
			c.Retry.MaxAttempts = minRetryAttempts
		}
	}
	if c.Retry.MaxAttempts < nodes {
		c.Retry.MaxAttempts = nodes
	}
}
