package rdb

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	storageerrors "github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

func (s *metaStorageImpl) ReplaceAggregates(ctx context.Context, replacement *model.Replacement) (*model.ReplacementResult, error) {
	return s.instrumentReplace.Instrument(ctx, func(ctx context.Context) (*model.ReplacementResult, error) {
		if replacement == nil {
			return nil, xerrors.Errorf("replacement is nil: %w", storageerrors.ErrInvalidArgument)
		}

		var result *model.ReplacementResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result = &model.ReplacementResult{}
			for _, aggregate := range replacement.Users {
				replaced, err := replaceUser(tx, aggregate)
				if err != nil {
					return err
				}
				if replaced {
					result.Users = append(result.Users, aggregate.Address)
				} else {
					result.SkippedUsers = append(result.SkippedUsers, aggregate.Address)
				}
			}

			for _, revision := range replacement.Packages {
				replaced, err := replacePackage(tx, revision)
				if err != nil {
					return err
				}
				if replaced {
					result.Packages = append(result.Packages, revision.Package.ID)
				} else {
					result.SkippedPackages = append(result.SkippedPackages, revision.Package.ID)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		if len(result.SkippedUsers) > 0 || len(result.SkippedPackages) > 0 {
			s.logger.Info(
				"skipped aggregates with newer events",
				zap.Strings("users", result.SkippedUsers),
				zap.Uint64s("packages", result.SkippedPackages),
			)
		}
		return result, nil
	})
}

// replaceUser overwrites a user unless its events changed since the aggregate was computed.
// The event count is a locking read taken before the user row is locked, the same order
// in which persistEntries inserts an event and then updates its users.
func replaceUser(tx *gorm.DB, aggregate *model.UserAggregate) (bool, error) {
	if aggregate == nil || aggregate.Address == "" {
		return false, xerrors.Errorf("aggregate has no address: %w", storageerrors.ErrInvalidArgument)
	}

	var events int64
	if err := forShare(tx).
		Model(&eventRow{}).
		Where("subject = ? OR counterparty = ?", aggregate.Address, aggregate.Address).
		Count(&events).Error; err != nil {
		return false, xerrors.Errorf("failed to count events of %v: %w", aggregate.Address, err)
	}
	if events != aggregate.Events {
		return false, nil
	}

	row, err := lockUserRow(tx, aggregate.Address)
	if err != nil {
		return false, err
	}
	if row == nil {
		row = newUserRow(aggregate.Address)
	}
	row.TotalReferrals = aggregate.TotalReferrals
	row.TotalRewards = utils.FormatDecimal(clampAtZero(aggregate.TotalRewards))
	row.Registered = aggregate.Registered
	if err := saveUserRow(tx, row); err != nil {
		return false, err
	}

	if err := tx.Where("address = ?", aggregate.Address).Delete(&userPackageStatsRow{}).Error; err != nil {
		return false, xerrors.Errorf("failed to delete package stats of %v: %w", aggregate.Address, err)
	}
	for id, pkg := range aggregate.Packages {
		stats := &userPackageStatsRow{
			Address:              aggregate.Address,
			PackageID:            id,
			ReferralCount:        pkg.ReferralCount,
			TotalSales:           utils.FormatDecimal(pkg.TotalSales),
			RewardsClaimed:       utils.FormatDecimal(pkg.RewardsClaimed),
			PackageReferralCount: pkg.PackageReferralCount,
		}
		if err := savePackageStatsRow(tx, stats); err != nil {
			return false, err
		}
	}
	return true, nil
}

func replacePackage(tx *gorm.DB, revision *model.PackageRevision) (bool, error) {
	if revision == nil || revision.Package == nil {
		return false, xerrors.Errorf("package revision is empty: %w", storageerrors.ErrInvalidArgument)
	}

	var events int64
	if err := forShare(tx).
		Model(&eventRow{}).
		Where("package_id = ?", revision.Package.ID).
		Count(&events).Error; err != nil {
		return false, xerrors.Errorf("failed to count events of package %v: %w", revision.Package.ID, err)
	}
	if events != revision.Events {
		return false, nil
	}

	if err := upsertPackage(tx, revision.Package); err != nil {
		return false, err
	}
	return true, nil
}
