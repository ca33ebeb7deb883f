package rdb

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coinbase/chainmirror/internal/storage/metastorage/internal"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	metaStorageImpl struct {
		*userStorageImpl
		*eventStorageImpl
		*packageStorageImpl
		*checkpointStorageImpl

		db                       *gorm.DB
		logger                   *zap.Logger
		instrumentApply          instrument.Instrument
		instrumentPersist        instrument.InstrumentWithResult[int]
		instrumentPersistEntries instrument.InstrumentWithResult[int]
		instrumentReplace        instrument.InstrumentWithResult[*model.ReplacementResult]
		instrumentClear          instrument.Instrument
	}

	Params struct {
		fx.In
		fxparams.Params
		Lifecycle fx.Lifecycle
	}

	metaStorageFactory struct {
		params    Params
		dialector func(dsn string) gorm.Dialector
	}
)

var _ internal.MetaStorage = (*metaStorageImpl)(nil)

func NewMetaStorage(params Params, dialector gorm.Dialector) (internal.Result, error) {
	db, err := openDB(params, dialector)
	if err != nil {
		return internal.Result{}, xerrors.Errorf("failed to open database: %w", err)
	}

	metaStorage := newMetaStorage(params, db)
	return internal.NewResult(metaStorage), nil
}

func newMetaStorage(params Params, db *gorm.DB) *metaStorageImpl {
	logger := log.WithPackage(params.Logger)
	metrics := params.Metrics.SubScope("meta_storage")
	return &metaStorageImpl{
		userStorageImpl:          newUserStorage(db, metrics),
		eventStorageImpl:         newEventStorage(db, metrics),
		packageStorageImpl:       newPackageStorage(db, metrics),
		checkpointStorageImpl:    newCheckpointStorage(db, metrics, params.Config.CheckpointKey()),
		db:                       db,
		logger:                   logger,
		instrumentApply:          instrument.New(metrics, "apply_deltas"),
		instrumentPersist:        instrument.NewWithResult[int](metrics, "persist_batch"),
		instrumentPersistEntries: instrument.NewWithResult[int](metrics, "persist_entries"),
		instrumentReplace:        instrument.NewWithResult[*model.ReplacementResult](metrics, "replace_aggregates"),
		instrumentClear:          instrument.New(metrics, "clear", instrument.WithLogger(logger, "clear")),
	}
}

func openDB(params Params, dialector gorm.Dialector) (*gorm.DB, error) {
	cfg := params.Config.Database
	logger := log.WithPackage(params.Logger)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, xerrors.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(allTables()...); err != nil {
			_ = sqlDB.Close()
			return nil, xerrors.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info("migrated schema", zap.String("dialect", dialector.Name()))
	}

	if params.Lifecycle != nil {
		params.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return sqlDB.Close()
			},
		})
	}

	return db, nil
}

// Create implements internal.MetaStorageFactory.
func (f *metaStorageFactory) Create() (internal.Result, error) {
	return NewMetaStorage(f.params, f.dialector(f.params.Config.Database.DSN))
}

func NewSQLiteFactory(params Params) internal.MetaStorageFactory {
	return &metaStorageFactory{params: params, dialector: sqlite.Open}
}

func NewMySQLFactory(params Params) internal.MetaStorageFactory {
	return &metaStorageFactory{params: params, dialector: mysql.Open}
}
