package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ZeroAmount = "0.0"
)

type (
	User struct {
		Address        string          `json:"address"`
		TotalReferrals uint64          `json:"total_referrals"`
		TotalRewards   string          `json:"total_rewards"`
		Registered     bool            `json:"registered"`
		Packages       []*PackageStats `json:"packages,omitempty"`
		CreatedAt      time.Time       `json:"created_at"`
		UpdatedAt      time.Time       `json:"updated_at"`
	}

	// PackageStats holds the ascension bonus counters of a user for one package.
	PackageStats struct {
		PackageID            uint64 `json:"package_id"`
		ReferralCount        uint64 `json:"referral_count"`
		TotalSales           string `json:"total_sales"`
		RewardsClaimed       string `json:"rewards_claimed"`
		PackageReferralCount uint64 `json:"package_referral_count"`
	}

	// UserUpdate is a partial update of a user; nil fields are left untouched.
	UserUpdate struct {
		TotalReferrals *uint64 `json:"total_referrals,omitempty"`
		TotalRewards   *string `json:"total_rewards,omitempty"`
		Registered     *bool   `json:"registered,omitempty"`
	}

	// EventRecord is an immutable fact derived from one contract log.
	EventRecord struct {
		EventType    string          `json:"event_type"`
		Subject      string          `json:"subject"`
		PackageID    *uint64         `json:"package_id,omitempty"`
		Amount       string          `json:"amount"`
		Counterparty *string         `json:"counterparty,omitempty"`
		TxHash       string          `json:"tx_hash"`
		BlockNumber  uint64          `json:"block_number"`
		LogIndex     uint            `json:"log_index"`
		Timestamp    time.Time       `json:"timestamp"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}

	NodePackage struct {
		ID            uint64    `json:"id"`
		Name          string    `json:"name"`
		Price         string    `json:"price"`
		Duration      uint64    `json:"duration"`
		ROIPercentage uint64    `json:"roi_percentage"`
		Active        bool      `json:"active"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	Page struct {
		Number int
		Size   int
	}

	EventFilter struct {
		Page
		EventType string
		FromBlock *uint64
		ToBlock   *uint64
	}

	EventsSummary struct {
		TotalEvents   int64            `json:"total_events"`
		CountByType   map[string]int64 `json:"count_by_type"`
		DistinctUsers int64            `json:"distinct_users"`
		FirstBlock    uint64           `json:"first_block"`
		LastBlock     uint64           `json:"last_block"`
	}

	// BatchEntry pairs an event record with the aggregate deltas it carries.
	// The deltas are applied only when the record is new.
	BatchEntry struct {
		Record *EventRecord
		Deltas []*AggregateDelta
	}

	DeltaKind int

	// AggregateDelta is a single mutation of the user aggregates, discriminated by Kind.
	AggregateDelta struct {
		Kind      DeltaKind
		Address   string
		PackageID uint64
		Count     uint64
		Amount    decimal.Decimal
		Ascension *Ascension
		Package   *NodePackage
	}

	Ascension struct {
		ReferralCount  uint64
		TotalSales     decimal.Decimal
		RewardsClaimed decimal.Decimal
	}

	// UserAggregate is the in-memory form of a user used to recompute the mirror from the event history.
	UserAggregate struct {
		Address        string
		TotalReferrals uint64
		TotalRewards   decimal.Decimal
		Registered     bool
		Packages       map[uint64]*PackageAggregate
		// Events is the number of recomputed events whose subject or counterparty is the user.
		Events int64
	}

	PackageAggregate struct {
		ReferralCount        uint64
		TotalSales           decimal.Decimal
		RewardsClaimed       decimal.Decimal
		PackageReferralCount uint64
	}

	// PackageRevision is a recomputed package and the number of events referencing it.
	PackageRevision struct {
		Package *NodePackage
		Events  int64
	}

	// Replacement is a write-back of recomputed aggregates.
	Replacement struct {
		Users    []*UserAggregate
		Packages []*PackageRevision
	}

	// ReplacementResult lists the rows that were written back and those skipped
	// because their events changed after the recompute.
	ReplacementResult struct {
		Users           []string
		Packages        []uint64
		SkippedUsers    []string
		SkippedPackages []uint64
	}
)

const (
	DeltaEnsureUser DeltaKind = iota + 1
	DeltaMarkRegistered
	// DeltaSetReferralCount raises the total referral count to Count.
	DeltaSetReferralCount
	// DeltaSetPackageReferralCount raises the referral count of PackageID to Count.
	DeltaSetPackageReferralCount
	DeltaAddReward
	// DeltaSubtractReward subtracts Amount from the rewards, floored at zero.
	DeltaSubtractReward
	// DeltaSetAscension raises the ascension counters of PackageID to the reported values.
	DeltaSetAscension
	DeltaUpsertPackage
)

const (
	defaultPageSize = 50
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaEnsureUser:
		return "ensure_user"
	case DeltaMarkRegistered:
		return "mark_registered"
	case DeltaSetReferralCount:
		return "set_referral_count"
	case DeltaSetPackageReferralCount:
		return "set_package_referral_count"
	case DeltaAddReward:
		return "add_reward"
	case DeltaSubtractReward:
		return "subtract_reward"
	case DeltaSetAscension:
		return "set_ascension"
	case DeltaUpsertPackage:
		return "upsert_package"
	default:
		return "unknown"
	}
}

// Offset returns the number of rows to skip. Pages start at 1.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit()
}

func (p Page) Limit() int {
	if p.Size <= 0 {
		return defaultPageSize
	}
	return p.Size
}

func NewUserAggregate(address string) *UserAggregate {
	return &UserAggregate{
		Address:      address,
		TotalRewards: decimal.Zero,
		Packages:     make(map[uint64]*PackageAggregate),
	}
}

// Package returns the counters of a package, creating them if absent.
func (a *UserAggregate) Package(id uint64) *PackageAggregate {
	pkg, ok := a.Packages[id]
	if !ok {
		pkg = &PackageAggregate{
			TotalSales:     decimal.Zero,
			RewardsClaimed: decimal.Zero,
		}
		a.Packages[id] = pkg
	}
	return pkg
}
