package rdb

import (
	"context"
	"time"

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
	userStorageImpl struct {
		db                   *gorm.DB
		instrumentUpsertUser instrument.InstrumentWithResult[*model.User]
		instrumentGetUser    instrument.InstrumentWithResult[*model.User]
		instrumentListUsers  instrument.Instrument
	}
)

func newUserStorage(db *gorm.DB, metrics tally.Scope) *userStorageImpl {
	return &userStorageImpl{
		db:                   db,
		instrumentUpsertUser: instrument.NewWithResult[*model.User](metrics, "upsert_user"),
		instrumentGetUser:    instrument.NewWithResult[*model.User](metrics, "get_user", instrument.WithFilter(isNotFound)),
		instrumentListUsers:  instrument.New(metrics, "list_users"),
	}
}

func (s *userStorageImpl) UpsertUser(ctx context.Context, address string, update *model.UserUpdate) (*model.User, error) {
	return s.instrumentUpsertUser.Instrument(ctx, func(ctx context.Context) (*model.User, error) {
		normalized, err := utils.NormalizeAddress(address)
		if err != nil {
			return nil, xerrors.Errorf("%v: %w", err, storageerrors.ErrInvalidArgument)
		}

		var rewards *string
		if update != nil && update.TotalRewards != nil {
			amount, err := decimal.NewFromString(*update.TotalRewards)
			if err != nil {
				return nil, xerrors.Errorf("invalid total rewards %q: %w", *update.TotalRewards, storageerrors.ErrInvalidArgument)
			}
			formatted := utils.FormatDecimal(clampAtZero(amount))
			rewards = &formatted
		}

		var user *model.User
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := lockUserRow(tx, normalized)
			if err != nil {
				return err
			}
			if row == nil {
				row = newUserRow(normalized)
			}

			if update != nil {
				if update.TotalReferrals != nil {
					row.TotalReferrals = *update.TotalReferrals
				}
				if rewards != nil {
					row.TotalRewards = *rewards
				}
				if update.Registered != nil {
					row.Registered = *update.Registered
				}
			}

			if err := saveUserRow(tx, row); err != nil {
				return err
			}

			stats, err := findPackageStats(tx, normalized)
			if err != nil {
				return err
			}
			user = row.toModel(stats)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return user, nil
	})
}

func (s *userStorageImpl) GetUser(ctx context.Context, address string) (*model.User, error) {
	return s.instrumentGetUser.Instrument(ctx, func(ctx context.Context) (*model.User, error) {
		normalized, err := utils.NormalizeAddress(address)
		if err != nil {
			return nil, xerrors.Errorf("%v: %w", err, storageerrors.ErrInvalidArgument)
		}

		db := s.db.WithContext(ctx)
		row, err := findUserRow(db, normalized)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, xerrors.Errorf("user %v: %w", normalized, storageerrors.ErrItemNotFound)
		}

		stats, err := findPackageStats(db, normalized)
		if err != nil {
			return nil, err
		}
		return row.toModel(stats), nil
	})
}

func (s *userStorageImpl) ListUsers(ctx context.Context, page model.Page) ([]*model.User, int64, error) {
	var users []*model.User
	var total int64
	err := s.instrumentListUsers.Instrument(ctx, func(ctx context.Context) error {
		db := s.db.WithContext(ctx)
		if err := db.Model(&userRow{}).Count(&total).Error; err != nil {
			return xerrors.Errorf("failed to count users: %w", err)
		}

		var rows []*userRow
		if err := db.
			Order("created_at ASC").
			Order("address ASC").
			Offset(page.Offset()).
			Limit(page.Limit()).
			Find(&rows).Error; err != nil {
			return xerrors.Errorf("failed to list users: %w", err)
		}
		if len(rows) == 0 {
			users = []*model.User{}
			return nil
		}

		addresses := make([]string, len(rows))
		for i, row := range rows {
			addresses[i] = row.Address
		}

		var stats []*userPackageStatsRow
		if err := db.
			Where("address IN ?", addresses).
			Order("package_id ASC").
			Find(&stats).Error; err != nil {
			return xerrors.Errorf("failed to list package stats: %w", err)
		}
		statsByAddress := make(map[string][]*userPackageStatsRow, len(rows))
		for _, s := range stats {
			statsByAddress[s.Address] = append(statsByAddress[s.Address], s)
		}

		users = make([]*model.User, len(rows))
		for i, row := range rows {
			users[i] = row.toModel(statsByAddress[row.Address])
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// saveUserRow inserts or overwrites a user row and refreshes its update time.
func saveUserRow(tx *gorm.DB, row *userRow) error {
	row.UpdatedAt = time.Time{}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		return xerrors.Errorf("failed to save user %v: %w", row.Address, err)
	}
	return nil
}

func savePackageStatsRow(tx *gorm.DB, row *userPackageStatsRow) error {
	row.UpdatedAt = time.Time{}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		return xerrors.Errorf("failed to save package %v stats of %v: %w", row.PackageID, row.Address, err)
	}
	return nil
}

// forUpdate and forShare turn a query into a locking read on mysql.
// The sqlite dialect drops the clause; sqlite serializes writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func forShare(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "SHARE"})
}

// lockUserRow is findUserRow holding the row until the transaction ends.
func lockUserRow(tx *gorm.DB, address string) (*userRow, error) {
	return findUserRow(forUpdate(tx), address)
}

// findUserRow returns nil when the user does not exist.
func findUserRow(db *gorm.DB, address string) (*userRow, error) {
	var row userRow
	err := db.Where("address = ?", address).Take(&row).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to get user %v: %w", address, err)
	}
	return &row, nil
}

func lockPackageStats(tx *gorm.DB, address string) ([]*userPackageStatsRow, error) {
	return findPackageStats(forUpdate(tx), address)
}

func findPackageStats(db *gorm.DB, address string) ([]*userPackageStatsRow, error) {
	var stats []*userPackageStatsRow
	if err := db.Where("address = ?", address).Order("package_id ASC").Find(&stats).Error; err != nil {
		return nil, xerrors.Errorf("failed to get package stats of %v: %w", address, err)
	}
	return stats, nil
}

func isNotFound(err error) bool {
	return xerrors.Is(err, storageerrors.ErrItemNotFound)
}

func clampAtZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
