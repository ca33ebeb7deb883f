package rdb

import (
	"time"

	"gorm.io/datatypes"

	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/pointer"
)

// Decimal amounts are stored as strings so that sqlite and mysql share one schema.
type (
	userRow struct {
		Address        string `gorm:"primaryKey;size:42"`
		TotalReferrals uint64 `gorm:"not null"`
		TotalRewards   string `gorm:"size:96;not null"`
		Registered     bool   `gorm:"not null"`
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	userPackageStatsRow struct {
		Address              string `gorm:"primaryKey;size:42"`
		PackageID            uint64 `gorm:"primaryKey;autoIncrement:false"`
		ReferralCount        uint64 `gorm:"not null"`
		TotalSales           string `gorm:"size:96;not null"`
		RewardsClaimed       string `gorm:"size:96;not null"`
		PackageReferralCount uint64 `gorm:"not null"`
		UpdatedAt            time.Time
	}

	eventRow struct {
		ID           uint64         `gorm:"primaryKey;autoIncrement"`
		TxHash       string         `gorm:"size:66;not null;uniqueIndex:uk_event_natural_key,priority:1"`
		BlockNumber  uint64         `gorm:"not null;uniqueIndex:uk_event_natural_key,priority:2;index:idx_event_block"`
		LogIndex     uint           `gorm:"not null;uniqueIndex:uk_event_natural_key,priority:3"`
		EventType    string         `gorm:"size:64;not null;uniqueIndex:uk_event_natural_key,priority:4;index:idx_event_type"`
		Subject      string         `gorm:"size:42;not null;uniqueIndex:uk_event_natural_key,priority:5;index:idx_event_subject"`
		PackageID    *uint64        `gorm:"index:idx_event_package"`
		Amount       string         `gorm:"size:96;not null"`
		Counterparty *string        `gorm:"size:42;index:idx_event_counterparty"`
		Timestamp    time.Time      `gorm:"not null"`
		Payload      datatypes.JSON `gorm:"not null"`
		CreatedAt    time.Time
	}

	nodePackageRow struct {
		ID            uint64 `gorm:"primaryKey;autoIncrement:false"`
		Name          string `gorm:"size:255;not null"`
		Price         string `gorm:"size:96;not null"`
		Duration      uint64 `gorm:"not null"`
		ROIPercentage uint64 `gorm:"column:roi_percentage;not null"`
		Active        bool   `gorm:"not null"`
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	checkpointRow struct {
		Name        string `gorm:"primaryKey;size:191"`
		BlockNumber uint64 `gorm:"not null"`
		UpdatedAt   time.Time
	}
)

func (userRow) TableName() string {
	return "users"
}

func (userPackageStatsRow) TableName() string {
	return "user_package_stats"
}

func (eventRow) TableName() string {
	return "events"
}

func (nodePackageRow) TableName() string {
	return "node_packages"
}

func (checkpointRow) TableName() string {
	return "sync_checkpoints"
}

func allTables() []interface{} {
	return []interface{}{
		&userRow{},
		&userPackageStatsRow{},
		&eventRow{},
		&nodePackageRow{},
		&checkpointRow{},
	}
}

func newUserRow(address string) *userRow {
	return &userRow{
		Address:      address,
		TotalRewards: model.ZeroAmount,
	}
}

func newUserPackageStatsRow(address string, packageID uint64) *userPackageStatsRow {
	return &userPackageStatsRow{
		Address:        address,
		PackageID:      packageID,
		TotalSales:     model.ZeroAmount,
		RewardsClaimed: model.ZeroAmount,
	}
}

func (r *userRow) toModel(stats []*userPackageStatsRow) *model.User {
	user := &model.User{
		Address:        r.Address,
		TotalReferrals: r.TotalReferrals,
		TotalRewards:   r.TotalRewards,
		Registered:     r.Registered,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	for _, s := range stats {
		user.Packages = append(user.Packages, &model.PackageStats{
			PackageID:            s.PackageID,
			ReferralCount:        s.ReferralCount,
			TotalSales:           s.TotalSales,
			RewardsClaimed:       s.RewardsClaimed,
			PackageReferralCount: s.PackageReferralCount,
		})
	}
	return user
}

func newEventRow(record *model.EventRecord) *eventRow {
	payload := datatypes.JSON(record.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON("{}")
	}

	amount := record.Amount
	if amount == "" {
		amount = model.ZeroAmount
	}

	row := &eventRow{
		TxHash:      record.TxHash,
		BlockNumber: record.BlockNumber,
		LogIndex:    record.LogIndex,
		EventType:   record.EventType,
		Subject:     record.Subject,
		Amount:      amount,
		Timestamp:   record.Timestamp.UTC(),
		Payload:     payload,
	}
	if record.PackageID != nil {
		row.PackageID = pointer.Uint64(*record.PackageID)
	}
	if record.Counterparty != nil {
		row.Counterparty = pointer.String(*record.Counterparty)
	}
	return row
}

func (r *eventRow) toModel() *model.EventRecord {
	return &model.EventRecord{
		EventType:    r.EventType,
		Subject:      r.Subject,
		PackageID:    r.PackageID,
		Amount:       r.Amount,
		Counterparty: r.Counterparty,
		TxHash:       r.TxHash,
		BlockNumber:  r.BlockNumber,
		LogIndex:     r.LogIndex,
		Timestamp:    r.Timestamp.UTC(),
		Payload:      []byte(r.Payload),
	}
}

func newNodePackageRow(pkg *model.NodePackage) *nodePackageRow {
	return &nodePackageRow{
		ID:            pkg.ID,
		Name:          pkg.Name,
		Price:         pkg.Price,
		Duration:      pkg.Duration,
		ROIPercentage: pkg.ROIPercentage,
		Active:        pkg.Active,
	}
}

func (r *nodePackageRow) toModel() *model.NodePackage {
	return &model.NodePackage{
		ID:            r.ID,
		Name:          r.Name,
		Price:         r.Price,
		Duration:      r.Duration,
		ROIPercentage: r.ROIPercentage,
		Active:        r.Active,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}
