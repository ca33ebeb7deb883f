package rdb

import (
	"context"

	"github.com/uber-go/tally/v4"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coinbase/chainmirror/internal/utils/instrument"
)

type (
	// checkpointStorageImpl keeps the last fully processed block of one (chain, contract) pair.
	checkpointStorageImpl struct {
		db                      *gorm.DB
		key                     string
		instrumentGetCheckpoint instrument.Instrument
		instrumentSetCheckpoint instrument.Instrument
	}
)

func newCheckpointStorage(db *gorm.DB, metrics tally.Scope, key string) *checkpointStorageImpl {
	return &checkpointStorageImpl{
		db:                      db,
		key:                     key,
		instrumentGetCheckpoint: instrument.New(metrics, "get_checkpoint"),
		instrumentSetCheckpoint: instrument.New(metrics, "set_checkpoint"),
	}
}

func (s *checkpointStorageImpl) GetCheckpoint(ctx context.Context) (uint64, bool, error) {
	var block uint64
	var found bool
	err := s.instrumentGetCheckpoint.Instrument(ctx, func(ctx context.Context) error {
		var row checkpointRow
		err := s.db.WithContext(ctx).Where("name = ?", s.key).Take(&row).Error
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("failed to get checkpoint %v: %w", s.key, err)
		}
		block = row.BlockNumber
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return block, found, nil
}

func (s *checkpointStorageImpl) SetCheckpoint(ctx context.Context, block uint64) error {
	return s.instrumentSetCheckpoint.Instrument(ctx, func(ctx context.Context) error {
		return s.setCheckpoint(s.db.WithContext(ctx), block)
	})
}

func (s *checkpointStorageImpl) setCheckpoint(db *gorm.DB, block uint64) error {
	row := &checkpointRow{
		Name:        s.key,
		BlockNumber: block,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "updated_at"}),
	}).Create(row).Error; err != nil {
		return xerrors.Errorf("failed to set checkpoint %v to %v: %w", s.key, block, err)
	}
	return nil
}

func (s *checkpointStorageImpl) deleteCheckpoint(db *gorm.DB) error {
	if err := db.Where("name = ?", s.key).Delete(&checkpointRow{}).Error; err != nil {
		return xerrors.Errorf("failed to delete checkpoint %v: %w", s.key, err)
	}
	return nil
}
