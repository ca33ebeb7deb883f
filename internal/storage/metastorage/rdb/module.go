package rdb

import (
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(fx.Annotated{
		Name:   "metastorage/sqlite",
		Target: NewSQLiteFactory,
	}),
	fx.Provide(fx.Annotated{
		Name:   "metastorage/mysql",
		Target: NewMySQLFactory,
	}),
)
