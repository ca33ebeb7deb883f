package metastorage

import (
	"go.uber.org/fx"

	"github.com/coinbase/chainmirror/internal/storage/metastorage/internal"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/rdb"
)

var Module = fx.Options(
	rdb.Module,
	fx.Provide(internal.WithMetaStorageFactory),
)
