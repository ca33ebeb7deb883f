package processor

import (
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

// Snapshot is an in-memory mirror that applies deltas with the same semantics as the Mirror Store.
type Snapshot struct {
	Users    map[string]*model.UserAggregate
	Packages map[uint64]*model.NodePackage
	// PackageEvents counts the recomputed events per package id.
	PackageEvents map[uint64]int64
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:         make(map[string]*model.UserAggregate),
		Packages:      make(map[uint64]*model.NodePackage),
		PackageEvents: make(map[uint64]int64),
	}
}

func (p *processorImpl) Recompute(records []*model.EventRecord) (*Snapshot, error) {
	sorted := make([]*model.EventRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	snapshot := NewSnapshot()
	for _, record := range sorted {
		event, err := EventFromRecord(record)
		if err != nil {
			return nil, xerrors.Errorf("failed to restore event: %w", err)
		}

		_, deltas, err := p.Apply(event)
		if err != nil {
			return nil, xerrors.Errorf("failed to replay event: %w", err)
		}

		snapshot.Apply(deltas...)
	}

	for _, record := range sorted {
		snapshot.count(record)
	}
	return snapshot, nil
}

// count attributes a record to the users and the package it references,
// matching how the Mirror Store selects the events of a user.
func (s *Snapshot) count(record *model.EventRecord) {
	if user, ok := s.Users[record.Subject]; ok {
		user.Events++
	}
	if record.Counterparty != nil && *record.Counterparty != record.Subject {
		if user, ok := s.Users[*record.Counterparty]; ok {
			user.Events++
		}
	}
	if record.PackageID != nil {
		s.PackageEvents[*record.PackageID]++
	}
}

func (s *Snapshot) Apply(deltas ...*model.AggregateDelta) {
	for _, delta := range deltas {
		if delta.Kind == model.DeltaUpsertPackage {
			if delta.Package != nil {
				pkg := *delta.Package
				s.Packages[pkg.ID] = &pkg
			}
			continue
		}

		user := s.user(delta.Address)
		switch delta.Kind {
		case model.DeltaMarkRegistered:
			user.Registered = true
		case model.DeltaSetReferralCount:
			user.TotalReferrals = utils.MaxUint64(user.TotalReferrals, delta.Count)
		case model.DeltaSetPackageReferralCount:
			pkg := user.Package(delta.PackageID)
			pkg.PackageReferralCount = utils.MaxUint64(pkg.PackageReferralCount, delta.Count)
		case model.DeltaAddReward:
			user.TotalRewards = user.TotalRewards.Add(delta.Amount)
		case model.DeltaSubtractReward:
			user.TotalRewards = floorAtZero(user.TotalRewards.Sub(delta.Amount))
		case model.DeltaSetAscension:
			if delta.Ascension == nil {
				continue
			}
			pkg := user.Package(delta.PackageID)
			pkg.ReferralCount = utils.MaxUint64(pkg.ReferralCount, delta.Ascension.ReferralCount)
			pkg.TotalSales = decimal.Max(pkg.TotalSales, delta.Ascension.TotalSales)
			pkg.RewardsClaimed = decimal.Max(pkg.RewardsClaimed, delta.Ascension.RewardsClaimed)
		}
	}
}

// User returns the aggregate of an address, or nil if the address was never referenced.
func (s *Snapshot) User(address string) *model.UserAggregate {
	return s.Users[address]
}

func (s *Snapshot) user(address string) *model.UserAggregate {
	user, ok := s.Users[address]
	if !ok {
		user = model.NewUserAggregate(address)
		s.Users[address] = user
	}
	return user
}

func floorAtZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
