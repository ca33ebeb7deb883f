package internal

import (
	"context"

	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
)

type (
	UserStorage interface {
		// UpsertUser creates the user if absent and merges the present fields of update.
		// Rewards are clamped at zero.
		UpsertUser(ctx context.Context, address string, update *model.UserUpdate) (*model.User, error)
		GetUser(ctx context.Context, address string) (*model.User, error)
		ListUsers(ctx context.Context, page model.Page) ([]*model.User, int64, error)
	}

	EventStorage interface {
		// AppendEvent inserts an event record. It is a no-op when the natural key already exists.
		AppendEvent(ctx context.Context, record *model.EventRecord) (bool, error)
		ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.EventRecord, int64, error)
		// ListEventsByUser returns the events whose subject or counterparty is address.
		ListEventsByUser(ctx context.Context, address string, page model.Page) ([]*model.EventRecord, int64, error)
		GetEventsSummary(ctx context.Context) (*model.EventsSummary, error)
		GetLatestEventBlock(ctx context.Context) (uint64, bool, error)
		// IterateEvents calls fn with batches of records in insertion order.
		IterateEvents(ctx context.Context, batchSize int, fn func(records []*model.EventRecord) error) error
	}

	PackageStorage interface {
		UpsertPackage(ctx context.Context, pkg *model.NodePackage) error
		GetPackage(ctx context.Context, id uint64) (*model.NodePackage, error)
		ListPackages(ctx context.Context) ([]*model.NodePackage, error)
	}

	CheckpointStorage interface {
		GetCheckpoint(ctx context.Context) (uint64, bool, error)
		SetCheckpoint(ctx context.Context, block uint64) error
	}

	MetaStorage interface {
		UserStorage
		EventStorage
		PackageStorage
		CheckpointStorage

		// ApplyDeltas applies aggregate deltas in one transaction, without replay protection.
		ApplyDeltas(ctx context.Context, deltas []*model.AggregateDelta) error

		// PersistBatch atomically appends the records, applies the deltas of the newly inserted ones
		// and writes the checkpoint last. It returns the number of inserted records.
		PersistBatch(ctx context.Context, entries []*model.BatchEntry, checkpoint uint64) (int, error)

		// PersistEntries is PersistBatch without a checkpoint, used to replay individual logs.
		PersistEntries(ctx context.Context, entries []*model.BatchEntry) (int, error)

		// ReplaceAggregates overwrites recomputed users and packages in one transaction.
		// A row whose event count no longer matches the one it was recomputed from is skipped:
		// it already carries the deltas of events the recompute did not see.
		ReplaceAggregates(ctx context.Context, replacement *model.Replacement) (*model.ReplacementResult, error)

		// Clear deletes users, events, packages and the checkpoint.
		Clear(ctx context.Context) error
	}

	Result struct {
		fx.Out
		MetaStorage       MetaStorage
		UserStorage       UserStorage
		EventStorage      EventStorage
		PackageStorage    PackageStorage
		CheckpointStorage CheckpointStorage
	}

	MetaStorageFactory interface {
		Create() (Result, error)
	}

	MetaStorageFactoryParams struct {
		fx.In
		fxparams.Params
		SQLite MetaStorageFactory `name:"metastorage/sqlite"`
		MySQL  MetaStorageFactory `name:"metastorage/mysql"`
	}
)

func NewResult(metaStorage MetaStorage) Result {
	return Result{
		MetaStorage:       metaStorage,
		UserStorage:       metaStorage,
		EventStorage:      metaStorage,
		PackageStorage:    metaStorage,
		CheckpointStorage: metaStorage,
	}
}

func WithMetaStorageFactory(params MetaStorageFactoryParams) (Result, error) {
	var factory MetaStorageFactory
	storageType := params.Config.StorageType.MetaStorageType
	switch storageType {
	case config.MetaStorageType_SQLITE:
		factory = params.SQLite
	case config.MetaStorageType_MYSQL:
		factory = params.MySQL
	}
	if factory == nil {
		return Result{}, xerrors.Errorf("meta storage type is not implemented: %v", storageType)
	}
	result, err := factory.Create()
	if err != nil {
		return Result{}, xerrors.Errorf("failed to create meta storage of type %v, error: %w", storageType, err)
	}
	return result, nil
}
