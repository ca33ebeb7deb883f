package rdb

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	storageerrors "github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	// deltaApplier folds aggregate deltas into user rows loaded within one transaction.
	// Rows are locked when first loaded and cached until flush, so that concurrent writers
	// apply their deltas one after the other and several deltas on the same user cost one write.
	deltaApplier struct {
		tx     *gorm.DB
		users  map[string]*userRow
		stats  map[statsKey]*userPackageStatsRow
		dirty  map[string]bool
		loaded map[string]bool
	}

	statsKey struct {
		address   string
		packageID uint64
	}
)

func newDeltaApplier(tx *gorm.DB) *deltaApplier {
	return &deltaApplier{
		tx:     tx,
		users:  make(map[string]*userRow),
		stats:  make(map[statsKey]*userPackageStatsRow),
		dirty:  make(map[string]bool),
		loaded: make(map[string]bool),
	}
}

func (a *deltaApplier) apply(delta *model.AggregateDelta) error {
	if delta == nil {
		return nil
	}

	if delta.Kind == model.DeltaUpsertPackage {
		if delta.Package == nil {
			return xerrors.Errorf("delta %v has no package: %w", delta.Kind, storageerrors.ErrInvalidArgument)
		}
		return upsertPackage(a.tx, delta.Package)
	}

	if delta.Address == "" {
		return xerrors.Errorf("delta %v has no address: %w", delta.Kind, storageerrors.ErrInvalidArgument)
	}
	user, err := a.user(delta.Address)
	if err != nil {
		return err
	}

	switch delta.Kind {
	case model.DeltaEnsureUser:
	case model.DeltaMarkRegistered:
		user.Registered = true
	case model.DeltaSetReferralCount:
		user.TotalReferrals = utils.MaxUint64(user.TotalReferrals, delta.Count)
	case model.DeltaSetPackageReferralCount:
		stats, err := a.packageStats(delta.Address, delta.PackageID)
		if err != nil {
			return err
		}
		stats.PackageReferralCount = utils.MaxUint64(stats.PackageReferralCount, delta.Count)
	case model.DeltaAddReward:
		rewards, err := parseAmount(user.TotalRewards)
		if err != nil {
			return xerrors.Errorf("user %v: %w", user.Address, err)
		}
		user.TotalRewards = utils.FormatDecimal(clampAtZero(rewards.Add(delta.Amount)))
	case model.DeltaSubtractReward:
		rewards, err := parseAmount(user.TotalRewards)
		if err != nil {
			return xerrors.Errorf("user %v: %w", user.Address, err)
		}
		user.TotalRewards = utils.FormatDecimal(clampAtZero(rewards.Sub(delta.Amount)))
	case model.DeltaSetAscension:
		if delta.Ascension == nil {
			return xerrors.Errorf("delta %v has no ascension: %w", delta.Kind, storageerrors.ErrInvalidArgument)
		}
		stats, err := a.packageStats(delta.Address, delta.PackageID)
		if err != nil {
			return err
		}
		if err := mergeAscension(stats, delta.Ascension); err != nil {
			return xerrors.Errorf("user %v: %w", user.Address, err)
		}
	default:
		return xerrors.Errorf("unsupported delta kind %v: %w", delta.Kind, storageerrors.ErrInvalidArgument)
	}

	a.dirty[delta.Address] = true
	return nil
}

func (a *deltaApplier) user(address string) (*userRow, error) {
	if row, ok := a.users[address]; ok {
		return row, nil
	}

	row, err := lockUserRow(a.tx, address)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = newUserRow(address)
	}
	a.users[address] = row
	return row, nil
}

func (a *deltaApplier) packageStats(address string, packageID uint64) (*userPackageStatsRow, error) {
	key := statsKey{address: address, packageID: packageID}
	if row, ok := a.stats[key]; ok {
		return row, nil
	}

	if !a.loaded[address] {
		existing, err := lockPackageStats(a.tx, address)
		if err != nil {
			return nil, err
		}
		for _, row := range existing {
			a.stats[statsKey{address: address, packageID: row.PackageID}] = row
		}
		a.loaded[address] = true
		if row, ok := a.stats[key]; ok {
			return row, nil
		}
	}

	row := newUserPackageStatsRow(address, packageID)
	a.stats[key] = row
	return row, nil
}

// flush writes every touched user and its package stats, in address order.
func (a *deltaApplier) flush() error {
	addresses := make([]string, 0, len(a.dirty))
	for address := range a.dirty {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		if err := saveUserRow(a.tx, a.users[address]); err != nil {
			return err
		}
	}

	keys := make([]statsKey, 0, len(a.stats))
	for key := range a.stats {
		if a.dirty[key.address] {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].address != keys[j].address {
			return keys[i].address < keys[j].address
		}
		return keys[i].packageID < keys[j].packageID
	})
	for _, key := range keys {
		if err := savePackageStatsRow(a.tx, a.stats[key]); err != nil {
			return err
		}
	}

	return nil
}

func mergeAscension(stats *userPackageStatsRow, ascension *model.Ascension) error {
	totalSales, err := parseAmount(stats.TotalSales)
	if err != nil {
		return err
	}
	rewardsClaimed, err := parseAmount(stats.RewardsClaimed)
	if err != nil {
		return err
	}

	stats.ReferralCount = utils.MaxUint64(stats.ReferralCount, ascension.ReferralCount)
	stats.TotalSales = utils.FormatDecimal(decimal.Max(totalSales, ascension.TotalSales))
	stats.RewardsClaimed = utils.FormatDecimal(decimal.Max(rewardsClaimed, ascension.RewardsClaimed))
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, xerrors.Errorf("failed to parse stored amount %q: %w", s, err)
	}
	return v, nil
}

func (s *metaStorageImpl) ApplyDeltas(ctx context.Context, deltas []*model.AggregateDelta) error {
	return s.instrumentApply.Instrument(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			applier := newDeltaApplier(tx)
			for _, delta := range deltas {
				if err := applier.apply(delta); err != nil {
					return xerrors.Errorf("failed to apply delta %v: %w", delta.Kind, err)
				}
			}
			return applier.flush()
		})
	})
}

func (s *metaStorageImpl) PersistBatch(ctx context.Context, entries []*model.BatchEntry, checkpoint uint64) (int, error) {
	return s.instrumentPersist.Instrument(ctx, func(ctx context.Context) (int, error) {
		var inserted int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			inserted, err = persistEntries(tx, entries)
			if err != nil {
				return err
			}

			return s.setCheckpoint(tx, checkpoint)
		})
		if err != nil {
			return 0, err
		}

		s.logger.Debug(
			"persisted batch",
			zap.Int("events", len(entries)),
			zap.Int("inserted", inserted),
			zap.Uint64("checkpoint", checkpoint),
		)
		return inserted, nil
	})
}

func (s *metaStorageImpl) PersistEntries(ctx context.Context, entries []*model.BatchEntry) (int, error) {
	return s.instrumentPersistEntries.Instrument(ctx, func(ctx context.Context) (int, error) {
		var inserted int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			inserted, err = persistEntries(tx, entries)
			return err
		})
		if err != nil {
			return 0, err
		}
		return inserted, nil
	})
}

// persistEntries appends the records and applies the deltas of the newly inserted ones.
func persistEntries(tx *gorm.DB, entries []*model.BatchEntry) (int, error) {
	inserted := 0
	applier := newDeltaApplier(tx)
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		ok, err := appendEvent(tx, entry.Record)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		inserted++
		for _, delta := range entry.Deltas {
			if err := applier.apply(delta); err != nil {
				return 0, xerrors.Errorf(
					"failed to apply delta %v of event (tx=%v, index=%v): %w",
					delta.Kind, entry.Record.TxHash, entry.Record.LogIndex, err,
				)
			}
		}
	}

	if err := applier.flush(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *metaStorageImpl) Clear(ctx context.Context) error {
	return s.instrumentClear.Instrument(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
			for _, table := range []interface{}{
				&userPackageStatsRow{},
				&userRow{},
				&eventRow{},
				&nodePackageRow{},
			} {
				if err := global.Delete(table).Error; err != nil {
					return xerrors.Errorf("failed to clear %T: %w", table, err)
				}
			}
			return s.deleteCheckpoint(tx)
		})
	})
}
