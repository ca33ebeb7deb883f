package rdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	storageerrors "github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/internal"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/pointer"
	"github.com/coinbase/chainmirror/internal/utils/syncgroup"
	"github.com/coinbase/chainmirror/internal/utils/testapp"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type metaStorageTestSuite struct {
	suite.Suite
	app     testapp.TestApp
	storage internal.MetaStorage
}

func TestMetaStorageTestSuite(t *testing.T) {
	suite.Run(t, new(metaStorageTestSuite))
}

func (s *metaStorageTestSuite) SetupTest() {
	var storage internal.MetaStorage
	s.app = testapp.New(
		s.T(),
		fx.Provide(func(params Params) (internal.Result, error) {
			return NewSQLiteFactory(params).Create()
		}),
		fx.Populate(&storage),
	)
	s.storage = storage
}

func (s *metaStorageTestSuite) TearDownTest() {
	s.app.Close()
}

func address(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func newRecord(eventType string, subject string, block uint64, logIndex uint) *model.EventRecord {
	return &model.EventRecord{
		EventType:   eventType,
		Subject:     subject,
		Amount:      model.ZeroAmount,
		TxHash:      txHash(int(block)*1000 + int(logIndex)),
		BlockNumber: block,
		LogIndex:    logIndex,
		Timestamp:   utils.ToTimestamp(1705112256 + block),
		Payload:     []byte(`{"user":"` + subject + `"}`),
	}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *metaStorageTestSuite) TestAppendEvent_Idempotent() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	record := newRecord("UserRegistered", address(1), 100, 3)
	record.Counterparty = pointer.String(address(2))
	record.PackageID = pointer.Uint64(7)

	inserted, err := s.storage.AppendEvent(ctx, record)
	require.NoError(err)
	require.True(inserted)

	inserted, err = s.storage.AppendEvent(ctx, record)
	require.NoError(err)
	require.False(inserted)

	records, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(1), total)
	require.Len(records, 1)

	actual := records[0]
	require.Equal(record.EventType, actual.EventType)
	require.Equal(record.Subject, actual.Subject)
	require.Equal(address(2), pointer.StringDeref(actual.Counterparty))
	require.Equal(uint64(7), pointer.Uint64Deref(actual.PackageID))
	require.Equal(record.TxHash, actual.TxHash)
	require.Equal(uint64(100), actual.BlockNumber)
	require.Equal(uint(3), actual.LogIndex)
	require.True(record.Timestamp.Equal(actual.Timestamp))
	require.JSONEq(string(record.Payload), string(actual.Payload))
}

func (s *metaStorageTestSuite) TestAppendEvent_DistinctSubjectsInSameLog() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	first := newRecord("ReferralRegistered", address(1), 100, 0)
	second := newRecord("ReferralRegistered", address(2), 100, 0)

	inserted, err := s.storage.AppendEvent(ctx, first)
	require.NoError(err)
	require.True(inserted)

	inserted, err = s.storage.AppendEvent(ctx, second)
	require.NoError(err)
	require.True(inserted)
}

func (s *metaStorageTestSuite) TestAppendEvent_InvalidRecord() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	_, err := s.storage.AppendEvent(ctx, nil)
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))

	record := newRecord("UserRegistered", "", 1, 0)
	_, err = s.storage.AppendEvent(ctx, record)
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))
}

func (s *metaStorageTestSuite) TestPersistBatch_Replay() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	userA, userB, userC := address(0xa), address(0xb), address(0xc)
	entries := []*model.BatchEntry{
		{
			Record: newRecord("ReferralRegistered", userB, 10, 0),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaEnsureUser, Address: userA},
				{Kind: model.DeltaSetReferralCount, Address: userB, Count: 1},
				{Kind: model.DeltaSetPackageReferralCount, Address: userB, PackageID: 1, Count: 1},
			},
		},
		{
			Record: newRecord("ReferralRewardEarned", userB, 10, 1),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Address: userB, Amount: amount("1.5")},
			},
		},
		{
			Record: newRecord("ReferralRegistered", userB, 11, 0),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaEnsureUser, Address: userC},
				{Kind: model.DeltaSetReferralCount, Address: userB, Count: 2},
				{Kind: model.DeltaSetPackageReferralCount, Address: userB, PackageID: 1, Count: 2},
			},
		},
		{
			Record: newRecord("ReferralRewardEarned", userB, 11, 1),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Address: userB, Amount: amount("1.5")},
			},
		},
	}

	inserted, err := s.storage.PersistBatch(ctx, entries, 11)
	require.NoError(err)
	require.Equal(4, inserted)

	inserted, err = s.storage.PersistBatch(ctx, entries, 11)
	require.NoError(err)
	require.Equal(0, inserted)

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(2), b.TotalReferrals)
	require.Equal("3.0", b.TotalRewards)
	require.Len(b.Packages, 1)
	require.Equal(uint64(2), b.Packages[0].PackageReferralCount)

	_, err = s.storage.GetUser(ctx, userA)
	require.NoError(err)
	_, err = s.storage.GetUser(ctx, userC)
	require.NoError(err)

	checkpoint, ok, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(uint64(11), checkpoint)

	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(4), total)
}

func (s *metaStorageTestSuite) TestPersistBatch_PartialReplay() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	first := &model.BatchEntry{
		Record: newRecord("AddBoosterReward", user, 5, 0),
		Deltas: []*model.AggregateDelta{{Kind: model.DeltaAddReward, Address: user, Amount: amount("2")}},
	}
	second := &model.BatchEntry{
		Record: newRecord("AddBoosterReward", user, 6, 0),
		Deltas: []*model.AggregateDelta{{Kind: model.DeltaAddReward, Address: user, Amount: amount("0.25")}},
	}

	inserted, err := s.storage.PersistBatch(ctx, []*model.BatchEntry{first}, 5)
	require.NoError(err)
	require.Equal(1, inserted)

	inserted, err = s.storage.PersistBatch(ctx, []*model.BatchEntry{first, second}, 6)
	require.NoError(err)
	require.Equal(1, inserted)

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal("2.25", actual.TotalRewards)
}

func (s *metaStorageTestSuite) TestPersistEntries_KeepsCheckpoint() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	require.NoError(s.storage.SetCheckpoint(ctx, 20))

	user := address(2)
	entry := &model.BatchEntry{
		Record: newRecord("AddBoosterReward", user, 7, 0),
		Deltas: []*model.AggregateDelta{{Kind: model.DeltaAddReward, Address: user, Amount: amount("1")}},
	}

	inserted, err := s.storage.PersistEntries(ctx, []*model.BatchEntry{entry})
	require.NoError(err)
	require.Equal(1, inserted)

	inserted, err = s.storage.PersistEntries(ctx, []*model.BatchEntry{entry})
	require.NoError(err)
	require.Equal(0, inserted)

	u, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal("1.0", u.TotalRewards)

	checkpoint, found, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.True(found)
	require.Equal(uint64(20), checkpoint)
}

func (s *metaStorageTestSuite) TestPersistBatch_RollbackOnError() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	entries := []*model.BatchEntry{
		{
			Record: newRecord("AddBoosterReward", address(1), 5, 0),
			Deltas: []*model.AggregateDelta{{Kind: model.DeltaAddReward, Address: address(1), Amount: amount("2")}},
		},
		{
			Record: newRecord("AddBoosterReward", address(2), 5, 1),
			Deltas: []*model.AggregateDelta{{Kind: model.DeltaSetAscension, Address: address(2)}},
		},
	}

	_, err := s.storage.PersistBatch(ctx, entries, 5)
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))

	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(0), total)

	_, ok, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.False(ok)

	_, err = s.storage.GetUser(ctx, address(1))
	require.True(xerrors.Is(err, storageerrors.ErrItemNotFound))
}

func (s *metaStorageTestSuite) TestApplyDeltas_MaxWins() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{Kind: model.DeltaSetReferralCount, Address: user, Count: 4},
	}))
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{Kind: model.DeltaSetReferralCount, Address: user, Count: 3},
		{Kind: model.DeltaSetPackageReferralCount, Address: user, PackageID: 2, Count: 9},
	}))
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{Kind: model.DeltaSetPackageReferralCount, Address: user, PackageID: 2, Count: 5},
	}))

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal(uint64(4), actual.TotalReferrals)
	require.Len(actual.Packages, 1)
	require.Equal(uint64(2), actual.Packages[0].PackageID)
	require.Equal(uint64(9), actual.Packages[0].PackageReferralCount)
}

func (s *metaStorageTestSuite) TestApplyDeltas_RewardFloor() {
	testCases := []struct {
		name     string
		deltas   []*model.AggregateDelta
		expected string
	}{
		{
			name: "subtractBelowZero",
			deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Amount: amount("1")},
				{Kind: model.DeltaSubtractReward, Amount: amount("5")},
			},
			expected: "0.0",
		},
		{
			name: "subtractWithinBalance",
			deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Amount: amount("5")},
				{Kind: model.DeltaSubtractReward, Amount: amount("1.25")},
			},
			expected: "3.75",
		},
		{
			name: "subtractFromNewUser",
			deltas: []*model.AggregateDelta{
				{Kind: model.DeltaSubtractReward, Amount: amount("0.5")},
			},
			expected: "0.0",
		},
	}

	for i, testCase := range testCases {
		s.Run(testCase.name, func() {
			require := testutil.Require(s.T())
			ctx := context.Background()
			user := address(100 + i)

			for _, delta := range testCase.deltas {
				delta.Address = user
				require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{delta}))
			}

			actual, err := s.storage.GetUser(ctx, user)
			require.NoError(err)
			require.Equal(testCase.expected, actual.TotalRewards)
		})
	}
}

func (s *metaStorageTestSuite) TestApplyDeltas_Ascension() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{Kind: model.DeltaMarkRegistered, Address: user},
		{
			Kind:      model.DeltaSetAscension,
			Address:   user,
			PackageID: 3,
			Ascension: &model.Ascension{ReferralCount: 5, TotalSales: amount("500"), RewardsClaimed: amount("10")},
		},
	}))
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{
			Kind:      model.DeltaSetAscension,
			Address:   user,
			PackageID: 3,
			Ascension: &model.Ascension{ReferralCount: 4, TotalSales: amount("600"), RewardsClaimed: amount("1")},
		},
	}))

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.True(actual.Registered)
	require.Diff([]*model.PackageStats{
		{
			PackageID:      3,
			ReferralCount:  5,
			TotalSales:     "600.0",
			RewardsClaimed: "10.0",
		},
	}, actual.Packages)
}

func (s *metaStorageTestSuite) TestApplyDeltas_UpsertPackage() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{
			Kind:      model.DeltaUpsertPackage,
			PackageID: 1,
			Package:   &model.NodePackage{ID: 1, Name: "Starter", Price: "100", Duration: 30, ROIPercentage: 12, Active: true},
		},
	}))

	pkg, err := s.storage.GetPackage(ctx, 1)
	require.NoError(err)
	require.Equal("Starter", pkg.Name)
	require.Equal("100.0", pkg.Price)
	require.Equal(uint64(30), pkg.Duration)
	require.Equal(uint64(12), pkg.ROIPercentage)
	require.True(pkg.Active)
}

func (s *metaStorageTestSuite) TestUpsertUser() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	created, err := s.storage.UpsertUser(ctx, "0x"+fmt.Sprintf("%040X", 1), &model.UserUpdate{
		TotalReferrals: pointer.Uint64(3),
	})
	require.NoError(err)
	require.Equal(user, created.Address)
	require.Equal(uint64(3), created.TotalReferrals)
	require.Equal("0.0", created.TotalRewards)
	require.False(created.Registered)

	updated, err := s.storage.UpsertUser(ctx, user, &model.UserUpdate{
		TotalRewards: pointer.String("-4"),
		Registered:   pointer.Bool(true),
	})
	require.NoError(err)
	require.Equal(uint64(3), updated.TotalReferrals)
	require.Equal("0.0", updated.TotalRewards)
	require.True(updated.Registered)

	updated, err = s.storage.UpsertUser(ctx, user, &model.UserUpdate{
		TotalRewards: pointer.String("12.5"),
	})
	require.NoError(err)
	require.Equal("12.5", updated.TotalRewards)

	_, total, err := s.storage.ListUsers(ctx, model.Page{})
	require.NoError(err)
	require.Equal(int64(1), total)
}

func (s *metaStorageTestSuite) TestUpsertUser_InvalidArgument() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	_, err := s.storage.UpsertUser(ctx, "not-an-address", nil)
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))

	_, err = s.storage.UpsertUser(ctx, address(1), &model.UserUpdate{TotalRewards: pointer.String("abc")})
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))
}

func (s *metaStorageTestSuite) TestGetUser_NotFound() {
	require := testutil.Require(s.T())

	_, err := s.storage.GetUser(context.Background(), address(1))
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrItemNotFound))
}

func (s *metaStorageTestSuite) TestListUsers_Pagination() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := s.storage.UpsertUser(ctx, address(i), nil)
		require.NoError(err)
	}

	seen := make(map[string]bool)
	for page := 1; page <= 3; page++ {
		users, total, err := s.storage.ListUsers(ctx, model.Page{Number: page, Size: 2})
		require.NoError(err)
		require.Equal(int64(5), total)
		if page < 3 {
			require.Len(users, 2)
		} else {
			require.Len(users, 1)
		}
		for _, user := range users {
			require.False(seen[user.Address])
			seen[user.Address] = true
		}
	}
	require.Len(seen, 5)

	users, total, err := s.storage.ListUsers(ctx, model.Page{Number: 4, Size: 2})
	require.NoError(err)
	require.Equal(int64(5), total)
	require.Empty(users)
}

func (s *metaStorageTestSuite) TestListEvents_Filter() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	for block := uint64(1); block <= 5; block++ {
		_, err := s.storage.AppendEvent(ctx, newRecord("NodePurchased", address(1), block, 0))
		require.NoError(err)
		_, err = s.storage.AppendEvent(ctx, newRecord("AddBoosterReward", address(2), block, 1))
		require.NoError(err)
	}

	records, total, err := s.storage.ListEvents(ctx, model.EventFilter{
		EventType: "NodePurchased",
		FromBlock: pointer.Uint64(2),
		ToBlock:   pointer.Uint64(4),
	})
	require.NoError(err)
	require.Equal(int64(3), total)
	require.Len(records, 3)
	require.Equal(uint64(4), records[0].BlockNumber)
	require.Equal(uint64(2), records[2].BlockNumber)
	for _, record := range records {
		require.Equal("NodePurchased", record.EventType)
	}

	records, total, err = s.storage.ListEvents(ctx, model.EventFilter{Page: model.Page{Number: 2, Size: 4}})
	require.NoError(err)
	require.Equal(int64(10), total)
	require.Len(records, 4)
	require.Equal(uint64(3), records[0].BlockNumber)
	require.Equal(uint(1), records[0].LogIndex)

	_, _, err = s.storage.ListEvents(ctx, model.EventFilter{
		FromBlock: pointer.Uint64(5),
		ToBlock:   pointer.Uint64(4),
	})
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))
}

func (s *metaStorageTestSuite) TestListEventsByUser() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	userA, userB := address(0xa), address(0xb)
	referral := newRecord("ReferralRegistered", userB, 1, 0)
	referral.Counterparty = pointer.String(userA)
	_, err := s.storage.AppendEvent(ctx, referral)
	require.NoError(err)
	_, err = s.storage.AppendEvent(ctx, newRecord("NodePurchased", userA, 2, 0))
	require.NoError(err)
	_, err = s.storage.AppendEvent(ctx, newRecord("NodePurchased", address(0xc), 3, 0))
	require.NoError(err)

	records, total, err := s.storage.ListEventsByUser(ctx, userA, model.Page{})
	require.NoError(err)
	require.Equal(int64(2), total)
	require.Len(records, 2)
	require.Equal("NodePurchased", records[0].EventType)
	require.Equal("ReferralRegistered", records[1].EventType)

	_, _, err = s.storage.ListEventsByUser(ctx, "0x123", model.Page{})
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))
}

func (s *metaStorageTestSuite) TestGetEventsSummary() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	summary, err := s.storage.GetEventsSummary(ctx)
	require.NoError(err)
	require.Equal(int64(0), summary.TotalEvents)
	require.Empty(summary.CountByType)

	records := []*model.EventRecord{
		newRecord("NodePurchased", address(1), 100, 0),
		newRecord("NodePurchased", address(2), 105, 0),
		newRecord("AddBoosterReward", address(1), 110, 0),
		newRecord("Paused", utils.ZeroAddress, 120, 0),
	}
	for _, record := range records {
		_, err := s.storage.AppendEvent(ctx, record)
		require.NoError(err)
	}

	summary, err = s.storage.GetEventsSummary(ctx)
	require.NoError(err)
	require.Equal(int64(4), summary.TotalEvents)
	require.Equal(map[string]int64{
		"NodePurchased":    2,
		"AddBoosterReward": 1,
		"Paused":           1,
	}, summary.CountByType)
	require.Equal(int64(2), summary.DistinctUsers)
	require.Equal(uint64(100), summary.FirstBlock)
	require.Equal(uint64(120), summary.LastBlock)
}

func (s *metaStorageTestSuite) TestGetLatestEventBlock() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	_, ok, err := s.storage.GetLatestEventBlock(ctx)
	require.NoError(err)
	require.False(ok)

	for _, block := range []uint64{7, 42, 13} {
		_, err := s.storage.AppendEvent(ctx, newRecord("NodePurchased", address(1), block, 0))
		require.NoError(err)
	}

	block, ok, err := s.storage.GetLatestEventBlock(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(uint64(42), block)
}

func (s *metaStorageTestSuite) TestIterateEvents() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	for block := uint64(1); block <= 7; block++ {
		_, err := s.storage.AppendEvent(ctx, newRecord("NodePurchased", address(1), block, 0))
		require.NoError(err)
	}

	var batches []int
	var blocks []uint64
	err := s.storage.IterateEvents(ctx, 3, func(records []*model.EventRecord) error {
		batches = append(batches, len(records))
		for _, record := range records {
			blocks = append(blocks, record.BlockNumber)
		}
		return nil
	})
	require.NoError(err)
	require.Equal([]int{3, 3, 1}, batches)
	require.Equal([]uint64{1, 2, 3, 4, 5, 6, 7}, blocks)

	expected := xerrors.New("stop")
	err = s.storage.IterateEvents(ctx, 3, func(records []*model.EventRecord) error {
		return expected
	})
	require.Error(err)
	require.True(xerrors.Is(err, expected))
}

func (s *metaStorageTestSuite) TestPackages() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	packages, err := s.storage.ListPackages(ctx)
	require.NoError(err)
	require.Empty(packages)

	require.NoError(s.storage.UpsertPackage(ctx, &model.NodePackage{ID: 2, Name: "Pro", Price: "250.5", Duration: 60, ROIPercentage: 20, Active: true}))
	require.NoError(s.storage.UpsertPackage(ctx, &model.NodePackage{ID: 1, Name: "Starter", Price: "100", Duration: 30, ROIPercentage: 12, Active: true}))
	require.NoError(s.storage.UpsertPackage(ctx, &model.NodePackage{ID: 2, Name: "Pro+", Price: "300", Duration: 90, ROIPercentage: 25, Active: false}))

	packages, err = s.storage.ListPackages(ctx)
	require.NoError(err)
	require.Len(packages, 2)
	require.Equal(uint64(1), packages[0].ID)
	require.Equal("Pro+", packages[1].Name)
	require.Equal("300.0", packages[1].Price)
	require.False(packages[1].Active)

	_, err = s.storage.GetPackage(ctx, 3)
	require.True(xerrors.Is(err, storageerrors.ErrItemNotFound))

	err = s.storage.UpsertPackage(ctx, &model.NodePackage{ID: 4, Price: "-1"})
	require.True(xerrors.Is(err, storageerrors.ErrInvalidArgument))
}

func (s *metaStorageTestSuite) TestCheckpoint() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	_, ok, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.False(ok)

	require.NoError(s.storage.SetCheckpoint(ctx, 38500000))
	require.NoError(s.storage.SetCheckpoint(ctx, 38502000))

	block, ok, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(uint64(38502000), block)
}

func (s *metaStorageTestSuite) TestReplaceAggregates() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	require.NoError(s.storage.ApplyDeltas(ctx, []*model.AggregateDelta{
		{Kind: model.DeltaAddReward, Address: user, Amount: amount("99")},
		{Kind: model.DeltaSetPackageReferralCount, Address: user, PackageID: 8, Count: 3},
	}))

	aggregate := model.NewUserAggregate(user)
	aggregate.TotalReferrals = 2
	aggregate.TotalRewards = amount("3")
	aggregate.Registered = true
	aggregate.Package(1).PackageReferralCount = 2
	result, err := s.storage.ReplaceAggregates(ctx, &model.Replacement{
		Users: []*model.UserAggregate{aggregate},
		Packages: []*model.PackageRevision{
			{Package: &model.NodePackage{ID: 1, Name: "Starter", Price: "100", Duration: 30, Active: true}},
		},
	})
	require.NoError(err)
	require.Equal([]string{user}, result.Users)
	require.Equal([]uint64{1}, result.Packages)
	require.Empty(result.SkippedUsers)
	require.Empty(result.SkippedPackages)

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal(uint64(2), actual.TotalReferrals)
	require.Equal("3.0", actual.TotalRewards)
	require.True(actual.Registered)
	require.Len(actual.Packages, 1)
	require.Equal(uint64(1), actual.Packages[0].PackageID)
	require.Equal(uint64(2), actual.Packages[0].PackageReferralCount)

	pkg, err := s.storage.GetPackage(ctx, 1)
	require.NoError(err)
	require.Equal("Starter", pkg.Name)
}

func (s *metaStorageTestSuite) TestReplaceAggregates_SkipsRowsWithNewerEvents() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	other := address(2)
	record := newRecord("AddBoosterReward", user, 100, 0)
	record.PackageID = pointer.Uint64(1)
	_, err := s.storage.PersistBatch(ctx, []*model.BatchEntry{
		{
			Record: record,
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Address: user, Amount: amount("3")},
			},
		},
	}, 100)
	require.NoError(err)

	// Recomputed from the history above.
	recomputed := model.NewUserAggregate(user)
	recomputed.TotalRewards = amount("3")
	recomputed.Events = 1

	// A later event lands before the write-back.
	_, err = s.storage.PersistBatch(ctx, []*model.BatchEntry{
		{
			Record: newRecord("AddBoosterReward", user, 101, 0),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Address: user, Amount: amount("10")},
			},
		},
	}, 101)
	require.NoError(err)

	untouched := model.NewUserAggregate(other)
	untouched.Registered = true
	result, err := s.storage.ReplaceAggregates(ctx, &model.Replacement{
		Users: []*model.UserAggregate{recomputed, untouched},
		Packages: []*model.PackageRevision{
			{Package: &model.NodePackage{ID: 1, Name: "Stale", Price: "1"}, Events: 0},
		},
	})
	require.NoError(err)
	require.Equal([]string{other}, result.Users)
	require.Equal([]string{user}, result.SkippedUsers)
	require.Empty(result.Packages)
	require.Equal([]uint64{1}, result.SkippedPackages)

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal("13.0", actual.TotalRewards)

	actual, err = s.storage.GetUser(ctx, other)
	require.NoError(err)
	require.True(actual.Registered)

	_, err = s.storage.GetPackage(ctx, 1)
	require.Error(err)
	require.True(xerrors.Is(err, storageerrors.ErrItemNotFound))
}

func (s *metaStorageTestSuite) TestPersistEntries_ConcurrentDeltas() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	user := address(1)
	const writers = 8
	group, ctx := syncgroup.New(ctx)
	for i := 0; i < writers; i++ {
		i := i
		group.Go(func() error {
			_, err := s.storage.PersistEntries(ctx, []*model.BatchEntry{
				{
					Record: newRecord("AddBoosterReward", user, 100, uint(i)),
					Deltas: []*model.AggregateDelta{
						{Kind: model.DeltaAddReward, Address: user, Amount: amount("1.5")},
						{Kind: model.DeltaSetPackageReferralCount, Address: user, PackageID: 1, Count: uint64(i + 1)},
					},
				},
			})
			return err
		})
	}
	require.NoError(group.Wait())

	actual, err := s.storage.GetUser(ctx, user)
	require.NoError(err)
	require.Equal("12.0", actual.TotalRewards)
	require.Len(actual.Packages, 1)
	require.Equal(uint64(writers), actual.Packages[0].PackageReferralCount)
}

func (s *metaStorageTestSuite) TestClear() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	entries := []*model.BatchEntry{
		{
			Record: newRecord("AddBoosterReward", address(1), 5, 0),
			Deltas: []*model.AggregateDelta{
				{Kind: model.DeltaAddReward, Address: address(1), Amount: amount("2")},
				{Kind: model.DeltaSetPackageReferralCount, Address: address(1), PackageID: 1, Count: 1},
			},
		},
	}
	_, err := s.storage.PersistBatch(ctx, entries, 5)
	require.NoError(err)
	require.NoError(s.storage.UpsertPackage(ctx, &model.NodePackage{ID: 1, Name: "Starter", Price: "1"}))

	require.NoError(s.storage.Clear(ctx))

	_, total, err := s.storage.ListUsers(ctx, model.Page{})
	require.NoError(err)
	require.Equal(int64(0), total)
	_, total, err = s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(0), total)
	packages, err := s.storage.ListPackages(ctx)
	require.NoError(err)
	require.Empty(packages)
	_, ok, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.False(ok)

	// The natural key is free again after a clear.
	inserted, err := s.storage.PersistBatch(ctx, entries, 5)
	require.NoError(err)
	require.Equal(1, inserted)
	user, err := s.storage.GetUser(ctx, address(1))
	require.NoError(err)
	require.Equal("2.0", user.TotalRewards)
	require.True(time.Since(user.CreatedAt) < time.Hour)
}
