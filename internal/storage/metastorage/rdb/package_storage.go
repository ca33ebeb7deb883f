package rdb

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/uber-go/tally/v4"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	storageerrors "github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	packageStorageImpl struct {
		db                      *gorm.DB
		instrumentUpsertPackage instrument.Instrument
		instrumentGetPackage    instrument.InstrumentWithResult[*model.NodePackage]
		instrumentListPackages  instrument.InstrumentWithResult[[]*model.NodePackage]
	}
)

func newPackageStorage(db *gorm.DB, metrics tally.Scope) *packageStorageImpl {
	return &packageStorageImpl{
		db:                      db,
		instrumentUpsertPackage: instrument.New(metrics, "upsert_package"),
		instrumentGetPackage:    instrument.NewWithResult[*model.NodePackage](metrics, "get_package", instrument.WithFilter(isNotFound)),
		instrumentListPackages:  instrument.NewWithResult[[]*model.NodePackage](metrics, "list_packages"),
	}
}

func (s *packageStorageImpl) UpsertPackage(ctx context.Context, pkg *model.NodePackage) error {
	return s.instrumentUpsertPackage.Instrument(ctx, func(ctx context.Context) error {
		return upsertPackage(s.db.WithContext(ctx), pkg)
	})
}

func upsertPackage(db *gorm.DB, pkg *model.NodePackage) error {
	if pkg == nil {
		return xerrors.Errorf("package is nil: %w", storageerrors.ErrInvalidArgument)
	}

	price := pkg.Price
	if price == "" {
		price = model.ZeroAmount
	}
	amount, err := decimal.NewFromString(price)
	if err != nil || amount.IsNegative() {
		return xerrors.Errorf("invalid package price %q: %w", pkg.Price, storageerrors.ErrInvalidArgument)
	}

	row := newNodePackageRow(pkg)
	row.Price = utils.FormatDecimal(amount)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price", "duration", "roi_percentage", "active", "updated_at"}),
	}).Create(row).Error; err != nil {
		return xerrors.Errorf("failed to upsert package %v: %w", pkg.ID, err)
	}
	return nil
}

func (s *packageStorageImpl) GetPackage(ctx context.Context, id uint64) (*model.NodePackage, error) {
	return s.instrumentGetPackage.Instrument(ctx, func(ctx context.Context) (*model.NodePackage, error) {
		var row nodePackageRow
		err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Errorf("package %v: %w", id, storageerrors.ErrItemNotFound)
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to get package %v: %w", id, err)
		}
		return row.toModel(), nil
	})
}

func (s *packageStorageImpl) ListPackages(ctx context.Context) ([]*model.NodePackage, error) {
	return s.instrumentListPackages.Instrument(ctx, func(ctx context.Context) ([]*model.NodePackage, error) {
		var rows []*nodePackageRow
		if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
			return nil, xerrors.Errorf("failed to list packages: %w", err)
		}

		packages := make([]*model.NodePackage, len(rows))
		for i, row := range rows {
			packages[i] = row.toModel()
		}
		return packages, nil
	})
}
