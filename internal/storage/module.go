package storage

import (
	"go.uber.org/fx"

	"github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
)

type (
	MetaStorage       = metastorage.MetaStorage
	UserStorage       = metastorage.UserStorage
	EventStorage      = metastorage.EventStorage
	PackageStorage    = metastorage.PackageStorage
	CheckpointStorage = metastorage.CheckpointStorage
)

var Module = fx.Options(
	metastorage.Module,
)

var (
	ErrItemNotFound    = errors.ErrItemNotFound
	ErrInvalidArgument = errors.ErrInvalidArgument
)
