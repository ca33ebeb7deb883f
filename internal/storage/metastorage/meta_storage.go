package metastorage

import (
	"github.com/coinbase/chainmirror/internal/storage/metastorage/internal"
)

type (
	UserStorage        = internal.UserStorage
	EventStorage       = internal.EventStorage
	PackageStorage     = internal.PackageStorage
	CheckpointStorage  = internal.CheckpointStorage
	MetaStorage        = internal.MetaStorage
	Result             = internal.Result
	MetaStorageFactory = internal.MetaStorageFactory
)
