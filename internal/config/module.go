package config

import (
	"go.uber.org/fx"
)

type (
	Params struct {
		fx.In
		Override *override `optional:"true"`
	}

	override struct {
		cfg *Config
	}
)

var Module = fx.Options(
	fx.Provide(NewFacade),
)

// NewFacade provides the config set by WithCustomConfig, loading it from the environment otherwise.
func NewFacade(params Params) (*Config, error) {
	if params.Override != nil {
		return params.Override.cfg, nil
	}
	return New()
}

// WithCustomConfig replaces the loaded config, e.g. in tests or admin commands.
func WithCustomConfig(cfg *Config) fx.Option {
	return fx.Provide(func() *override {
		return &override{cfg: cfg}
	})
}
