package reconciler

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/suite"
	"go.uber.org/fx"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/blockchain/parser/parsertest"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/pointer"
	"github.com/coinbase/chainmirror/internal/utils/testapp"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

type reconcilerTestSuite struct {
	suite.Suite
	app        testapp.TestApp
	parser     parser.Parser
	processor  processor.Processor
	storage    metastorage.MetaStorage
	reconciler Reconciler
}

var (
	userA = parsertest.Address(0xA)
	userB = parsertest.Address(0xB)
	userC = parsertest.Address(0xC)
)

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(reconcilerTestSuite))
}

func (s *reconcilerTestSuite) SetupTest() {
	s.app = testapp.New(
		s.T(),
		parser.Module,
		processor.Module,
		metastorage.Module,
		Module,
		fx.Populate(&s.parser),
		fx.Populate(&s.processor),
		fx.Populate(&s.storage),
		fx.Populate(&s.reconciler),
	)
}

func (s *reconcilerTestSuite) TearDownTest() {
	s.app.Close()
}

// appendHistory stores the event records without touching the aggregates.
func (s *reconcilerTestSuite) appendHistory() {
	require := testutil.Require(s.T())

	logs := []types.Log{
		parsertest.MustLog(parser.EventReferralRegistered, parsertest.Args{
			"user": userA, "referrer": userB, "packageId": 1, "totalReferralCount": 1, "packageReferralCount": 1,
		}, parsertest.WithBlock(100), parsertest.WithTxHash("0x01"), parsertest.WithLogIndex(0)),
		parsertest.MustLog(parser.EventAddBoosterReward, parsertest.Args{
			"user": userB, "amount": parsertest.Wei("5"), "timestamp": 1700000000,
		}, parsertest.WithBlock(100), parsertest.WithTxHash("0x02"), parsertest.WithLogIndex(1)),
		parsertest.MustLog(parser.EventReferralRegistered, parsertest.Args{
			"user": userC, "referrer": userB, "packageId": 1, "totalReferralCount": 2, "packageReferralCount": 2,
		}, parsertest.WithBlock(101), parsertest.WithTxHash("0x03"), parsertest.WithLogIndex(0)),
		parsertest.MustLog(parser.EventRewardsWithdrawn, parsertest.Args{
			"user": userB, "amount": parsertest.Wei("2"), "timestamp": 1700000100,
		}, parsertest.WithBlock(101), parsertest.WithTxHash("0x04"), parsertest.WithLogIndex(1)),
	}

	for _, l := range logs {
		event, err := s.parser.Decode(l)
		require.NoError(err)
		record, _, err := s.processor.Apply(event)
		require.NoError(err)
		inserted, err := s.storage.AppendEvent(context.Background(), record)
		require.NoError(err)
		require.True(inserted)
	}
}

func (s *reconcilerTestSuite) TestReconcile() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.appendHistory()

	result, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Equal(4, result.Events)
	require.Equal(3, result.Users)
	require.Equal([]string{userA, userB, userC}, result.DriftedUsers)

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(2), b.TotalReferrals)
	require.Equal("3.0", b.TotalRewards)
	require.Len(b.Packages, 1)
	require.Equal(uint64(2), b.Packages[0].PackageReferralCount)

	result, err = s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Empty(result.DriftedUsers)
	require.Empty(result.DriftedPackages)
}

func (s *reconcilerTestSuite) TestReconcile_RepairsDrift() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.appendHistory()

	_, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)

	_, err = s.storage.UpsertUser(ctx, userB, &model.UserUpdate{
		TotalRewards: pointer.String("42"),
	})
	require.NoError(err)

	result, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Equal([]string{userB}, result.DriftedUsers)

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal("3.0", b.TotalRewards)
}

func (s *reconcilerTestSuite) TestReconcile_DryRun() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.appendHistory()

	result, err := s.reconciler.Reconcile(ctx, WithDryRun(true))
	require.NoError(err)
	require.True(result.DryRun)
	require.Len(result.DriftedUsers, 3)

	_, err = s.storage.GetUser(ctx, userB)
	require.Error(err)
}

func (s *reconcilerTestSuite) TestReconcile_Packages() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	l := parsertest.MustLog(parser.EventNodePackageAdded, parsertest.Args{
		"packageId": 7, "name": "Gold", "price": parsertest.Wei("100"), "duration": 30, "roiPercentage": 12,
	}, parsertest.WithBlock(100), parsertest.WithTxHash("0x07"), parsertest.WithLogIndex(0))
	event, err := s.parser.Decode(l)
	require.NoError(err)
	record, _, err := s.processor.Apply(event)
	require.NoError(err)
	_, err = s.storage.AppendEvent(ctx, record)
	require.NoError(err)

	result, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Equal([]uint64{7}, result.DriftedPackages)

	pkg, err := s.storage.GetPackage(ctx, 7)
	require.NoError(err)
	require.Equal("Gold", pkg.Name)
	require.Equal("100.0", pkg.Price)

	result, err = s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Empty(result.DriftedPackages)
}

// interleavedStorage runs beforeReplace once the history is loaded and compared,
// right before the drifted aggregates are written back.
type interleavedStorage struct {
	metastorage.MetaStorage
	beforeReplace func()
}

func (s *interleavedStorage) ReplaceAggregates(ctx context.Context, replacement *model.Replacement) (*model.ReplacementResult, error) {
	s.beforeReplace()
	return s.MetaStorage.ReplaceAggregates(ctx, replacement)
}

func (s *reconcilerTestSuite) TestReconcile_KeepsBatchPersistedDuringRun() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.appendHistory()

	_, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)
	_, err = s.storage.UpsertUser(ctx, userB, &model.UserUpdate{
		TotalRewards: pointer.String("42"),
	})
	require.NoError(err)

	event, err := s.parser.Decode(parsertest.MustLog(parser.EventAddBoosterReward, parsertest.Args{
		"user": userB, "amount": parsertest.Wei("10"), "timestamp": 1700000200,
	}, parsertest.WithBlock(102), parsertest.WithTxHash("0x05"), parsertest.WithLogIndex(0)))
	require.NoError(err)
	record, deltas, err := s.processor.Apply(event)
	require.NoError(err)

	impl := s.reconciler.(*reconcilerImpl)
	impl.metaStorage = &interleavedStorage{
		MetaStorage: s.storage,
		beforeReplace: func() {
			inserted, err := s.storage.PersistBatch(ctx, []*model.BatchEntry{{Record: record, Deltas: deltas}}, 102)
			require.NoError(err)
			require.Equal(1, inserted)
		},
	}

	result, err := s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Equal([]string{userB}, result.DriftedUsers)
	require.Equal([]string{userB}, result.SkippedUsers)

	// The stale recompute (3.0) must not overwrite the batch applied on top of the stored value.
	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal("52.0", b.TotalRewards)

	impl.metaStorage = s.storage
	result, err = s.reconciler.Reconcile(ctx)
	require.NoError(err)
	require.Equal(5, result.Events)
	require.Equal([]string{userB}, result.DriftedUsers)
	require.Empty(result.SkippedUsers)

	b, err = s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal("13.0", b.TotalRewards)
}
