package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/suite"
	"go.uber.org/fx"
	"go.uber.org/mock/gomock"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	clientmocks "github.com/coinbase/chainmirror/internal/blockchain/client/mocks"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/blockchain/parser/parsertest"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/dlq"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/testapp"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

type syncerTestSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	app     testapp.TestApp
	client  *clientmocks.MockClient
	syncer  *syncerImpl
	storage metastorage.MetaStorage
	dlq     dlq.DLQ
	push    bool
}

const (
	genesisBlock  = 100
	baseTimestamp = 1700000000
)

var (
	userA = parsertest.Address(0xA)
	userB = parsertest.Address(0xB)
	userC = parsertest.Address(0xC)
)

func TestSyncerTestSuite(t *testing.T) {
	suite.Run(t, new(syncerTestSuite))
}

func (s *syncerTestSuite) SetupTest() {
	require := testutil.Require(s.T())

	cfg, err := config.New()
	require.NoError(err)
	cfg.StorageType.DLQType = config.DLQType_MEMORY
	cfg.Contract.GenesisBlock = genesisBlock
	cfg.Sync.ChunkSize = 10
	cfg.Sync.GrowAfter = 2
	cfg.Sync.PollInterval = time.Millisecond
	cfg.Sync.Confirmations = 0
	cfg.Sync.BackoffInitial = time.Millisecond
	cfg.Sync.BackoffMax = 5 * time.Millisecond
	cfg.Sync.MaxReconnectAttempts = 2
	cfg.Sync.MaxDecodeRetries = 2
	cfg.Sync.DisablePush = false

	s.push = false
	s.ctrl = gomock.NewController(s.T())
	s.client = clientmocks.NewMockClient(s.ctrl)
	s.client.EXPECT().SupportsPush().DoAndReturn(func() bool { return s.push }).AnyTimes()
	s.client.EXPECT().BatchGetBlocks(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, heights []uint64) ([]*client.Block, error) {
			blocks := make([]*client.Block, len(heights))
			for i, height := range heights {
				blocks[i] = &client.Block{Number: height, Timestamp: baseTimestamp + height}
			}
			return blocks, nil
		},
	).AnyTimes()

	var syncer Syncer
	s.app = testapp.New(
		s.T(),
		testapp.WithConfig(cfg),
		parser.Module,
		processor.Module,
		metastorage.Module,
		dlq.Module,
		Module,
		fx.Provide(func() client.Client { return s.client }),
		fx.Populate(&syncer, &s.storage, &s.dlq),
	)
	s.syncer = syncer.(*syncerImpl)
}

func (s *syncerTestSuite) TearDownTest() {
	s.app.Close()
	s.ctrl.Finish()
}

func (s *syncerTestSuite) newSyncContext() *SyncContext {
	return newSyncContext(&s.syncer.config.Sync)
}

func (s *syncerTestSuite) expectHeight(height uint64) {
	s.client.EXPECT().CurrentHeight(gomock.Any()).Return(height, nil).AnyTimes()
}

func (s *syncerTestSuite) expectLogs(from uint64, to uint64, logs ...types.Log) *gomock.Call {
	return s.client.EXPECT().
		GetLogs(gomock.Any(), from, to, common.HexToAddress(parsertest.ContractAddress)).
		Return(logs, nil)
}

func (s *syncerTestSuite) bootstrapAndCatchUp(sc *SyncContext) {
	require := testutil.Require(s.T())
	ctx := context.Background()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	require.Equal(StateCatchingUp, sc.state)
	require.NoError(s.syncer.catchUp(ctx, sc))
}

func (s *syncerTestSuite) checkpoint() uint64 {
	require := testutil.Require(s.T())
	checkpoint, found, err := s.storage.GetCheckpoint(context.Background())
	require.NoError(err)
	require.True(found)
	return checkpoint
}

func scenarioLogs() []types.Log {
	return []types.Log{
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
}

func registration(block uint64, logIndex uint, user string, total uint64) types.Log {
	return parsertest.MustLog(parser.EventReferralRegistered, parsertest.Args{
		"user": user, "referrer": userB, "packageId": 1, "totalReferralCount": total, "packageReferralCount": total,
	}, parsertest.WithBlock(block), parsertest.WithTxHash(fmt.Sprintf("0x%x", block*100+uint64(logIndex))), parsertest.WithLogIndex(logIndex))
}

func malformed(block uint64) types.Log {
	log := registration(block, 0, userA, 1)
	log.Data = log.Data[:40]
	return log
}

func (s *syncerTestSuite) TestCatchUp_Scenario() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(101)
	s.expectLogs(100, 101, scenarioLogs()...)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)
	require.Equal(StateLive, sc.state)
	require.Equal(uint64(101), sc.checkpoint)
	require.Equal(uint64(102), sc.next)
	require.Equal(uint64(101), s.checkpoint())

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(2), b.TotalReferrals)
	require.Equal("3.0", b.TotalRewards)

	events, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(4), total)
	require.Equal(time.Unix(baseTimestamp+101, 0).UTC(), events[0].Timestamp)
}

func (s *syncerTestSuite) TestCatchUp_Replay() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(101)
	s.expectLogs(100, 101, scenarioLogs()...).Times(2)

	s.bootstrapAndCatchUp(s.newSyncContext())

	// Rewind the checkpoint so that the same logs are delivered again.
	require.NoError(s.storage.SetCheckpoint(ctx, genesisBlock-1))
	s.bootstrapAndCatchUp(s.newSyncContext())

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(2), b.TotalReferrals)
	require.Equal("3.0", b.TotalRewards)

	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(4), total)
	require.Equal(uint64(101), s.checkpoint())
}

func (s *syncerTestSuite) TestCatchUp_Chunks() {
	require := testutil.Require(s.T())
	s.expectHeight(125)
	gomock.InOrder(
		s.expectLogs(100, 109),
		s.expectLogs(110, 119),
		s.expectLogs(120, 125),
	)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)
	require.Equal(uint64(125), s.checkpoint())
	require.Equal(uint64(125), sc.chainHeight)
	require.Equal(StateLive, sc.state)
}

func (s *syncerTestSuite) TestCatchUp_Confirmations() {
	require := testutil.Require(s.T())
	s.syncer.config.Sync.Confirmations = 5
	s.expectHeight(110)
	s.expectLogs(100, 105)

	s.bootstrapAndCatchUp(s.newSyncContext())
	require.Equal(uint64(105), s.checkpoint())
}

func (s *syncerTestSuite) TestCatchUp_BelowConfirmations() {
	require := testutil.Require(s.T())
	s.syncer.config.Sync.Confirmations = 200
	s.expectHeight(150)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)
	require.Equal(StateLive, sc.state)
	require.False(sc.hasCheckpoint)
}

func (s *syncerTestSuite) TestCatchUp_RangeTooLarge() {
	require := testutil.Require(s.T())
	s.expectHeight(119)
	gomock.InOrder(
		s.client.EXPECT().
			GetLogs(gomock.Any(), uint64(100), uint64(109), gomock.Any()).
			Return(nil, xerrors.Errorf("query failed: %w", client.ErrRangeTooLarge)),
		s.expectLogs(100, 104),
		s.expectLogs(105, 109),
		// The chunk doubles back after two consecutive successes.
		s.expectLogs(110, 119),
	)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)
	require.Equal(uint64(119), s.checkpoint())
	require.Equal(uint64(10), sc.chunkSize)
}

func (s *syncerTestSuite) TestCatchUp_RangeTooLargeSingleBlock() {
	require := testutil.Require(s.T())
	s.syncer.config.Sync.ChunkSize = 1
	s.expectHeight(100)
	s.client.EXPECT().
		GetLogs(gomock.Any(), uint64(100), uint64(100), gomock.Any()).
		Return(nil, client.ErrRangeTooLarge)

	sc := s.newSyncContext()
	require.NoError(s.syncer.bootstrap(context.Background(), sc))
	err := s.syncer.catchUp(context.Background(), sc)
	require.Error(err)
	require.True(client.IsRangeTooLarge(err))
	require.Equal(uint64(1), sc.chunkSize)
	require.Equal(StateCatchingUp, sc.state)
}

func (s *syncerTestSuite) TestCatchUp_RPCErrorRetriesSameRange() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(105)
	gomock.InOrder(
		s.client.EXPECT().
			GetLogs(gomock.Any(), uint64(100), uint64(105), gomock.Any()).
			Return(nil, xerrors.Errorf("eth_getLogs: %w", client.ErrRPCUnavailable)),
		s.expectLogs(100, 105, registration(103, 0, userA, 1)),
	)

	sc := s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	err := s.syncer.catchUp(ctx, sc)
	require.Error(err)
	require.True(xerrors.Is(err, client.ErrRPCUnavailable))
	require.True(sc.failover)
	require.Equal(StateCatchingUp, sc.state)
	require.Equal(uint64(genesisBlock), sc.next)

	require.NoError(s.syncer.catchUp(ctx, sc))
	require.False(sc.failover)
	require.Equal(uint64(105), s.checkpoint())
}

func (s *syncerTestSuite) TestCatchUp_SkipsUnknownAndRemovedLogs() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	unknown := parsertest.MustLog(parser.EventPaused, parsertest.Args{"account": userA}, parsertest.WithBlock(101), parsertest.WithLogIndex(1))
	unknown.Topics[0] = common.HexToHash("0xdeadbeef")
	removed := registration(102, 0, userC, 5)
	removed.Removed = true

	s.expectHeight(105)
	s.expectLogs(100, 105, registration(101, 0, userA, 1), unknown, removed)

	s.bootstrapAndCatchUp(s.newSyncContext())
	require.Equal(uint64(105), s.checkpoint())

	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(1), total)

	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(1), b.TotalReferrals)

	_, err = s.dlq.ReceiveMessage(ctx)
	require.True(xerrors.Is(err, dlq.ErrNotFound))
}

func (s *syncerTestSuite) TestCatchUp_DecodeFailureWithholdsCheckpoint() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(105)
	gomock.InOrder(
		s.expectLogs(100, 105, registration(101, 0, userA, 1), malformed(103), registration(104, 0, userC, 2)),
		s.expectLogs(103, 105, malformed(103), registration(104, 0, userC, 2)).Times(2),
	)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)
	require.Equal(StateLive, sc.state)
	require.Equal(uint64(102), s.checkpoint())
	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(1), total)

	// Second pass: the failed block opens the range, nothing is persisted.
	require.NoError(s.syncer.catchUp(ctx, sc))
	require.Equal(uint64(102), s.checkpoint())
	require.Equal(2, sc.decodeRetries[103])

	// Third pass: the block is given up on and the checkpoint advances.
	require.NoError(s.syncer.catchUp(ctx, sc))
	require.Equal(uint64(105), s.checkpoint())
	require.Empty(sc.decodeRetries)
	_, total, err = s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(2), total)

	// The undecodable log is reported once.
	message, err := s.dlq.ReceiveMessage(ctx)
	require.NoError(err)
	require.Equal(dlq.FailedLogTopic, message.Topic)
	data, ok := message.Data.(*dlq.FailedLogData)
	require.True(ok)
	require.Equal(uint64(103), data.BlockNumber)
	require.Equal(uint(0), data.LogIndex)
	require.NotEmpty(data.Error)
	require.NoError(s.dlq.DeleteMessage(ctx, message))
	_, err = s.dlq.ReceiveMessage(ctx)
	require.True(xerrors.Is(err, dlq.ErrNotFound))
}

func (s *syncerTestSuite) TestBootstrap() {
	require := testutil.Require(s.T())
	ctx := context.Background()

	sc := s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	require.Equal(uint64(genesisBlock), sc.next)
	require.False(sc.hasCheckpoint)

	_, err := s.storage.AppendEvent(ctx, &model.EventRecord{
		EventType:   string(parser.EventUserRegistered),
		Subject:     userA,
		Amount:      model.ZeroAmount,
		TxHash:      "0x01",
		BlockNumber: 120,
		Timestamp:   time.Unix(baseTimestamp, 0),
	})
	require.NoError(err)
	sc = s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	require.Equal(uint64(120), sc.next)

	require.NoError(s.storage.SetCheckpoint(ctx, 150))
	sc = s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	require.Equal(uint64(151), sc.next)
	require.Equal(uint64(150), sc.checkpoint)
	require.True(sc.hasCheckpoint)

	require.NoError(s.storage.SetCheckpoint(ctx, 50))
	sc = s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	require.Equal(uint64(genesisBlock), sc.next)
}

func (s *syncerTestSuite) TestHardRefresh() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(101)
	s.expectLogs(100, 101, scenarioLogs()...)

	sc := s.newSyncContext()
	s.bootstrapAndCatchUp(sc)

	requestID := s.syncer.RequestHardRefresh()
	require.NotEmpty(requestID)
	s.syncer.handleHardRefresh(ctx, sc)

	require.Equal(StateBootstrapping, sc.state)
	require.False(sc.hasCheckpoint)
	require.Equal(StateBootstrapping, s.syncer.Status().State)

	_, found, err := s.storage.GetCheckpoint(ctx)
	require.NoError(err)
	require.False(found)
	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(0), total)

	// Nothing is pending anymore.
	s.syncer.handleHardRefresh(ctx, sc)
	require.Equal(StateBootstrapping, sc.state)
}

func (s *syncerTestSuite) TestLive_Poll() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.expectHeight(100)

	sc := s.newSyncContext()
	sc.state = StateLive
	sc.setCheckpoint(100)
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateLive, sc.state)

	sc.setCheckpoint(99)
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateCatchingUp, sc.state)
	require.Equal(uint64(100), sc.chainHeight)
}

func (s *syncerTestSuite) TestLive_Notification() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.push = true
	s.syncer.config.Sync.PollInterval = time.Minute

	logs := make(chan types.Log, 2)
	errs := make(chan error)
	var logsOut <-chan types.Log = logs
	var errsOut <-chan error = errs

	subscription := clientmocks.NewMockSubscription(s.ctrl)
	subscription.EXPECT().Logs().Return(logsOut).AnyTimes()
	subscription.EXPECT().Err().Return(errsOut).AnyTimes()
	subscription.EXPECT().Close().Times(1)
	s.client.EXPECT().SubscribeLogs(gomock.Any(), gomock.Any()).Return(subscription, nil).Times(1)

	sc := s.newSyncContext()
	sc.state = StateLive
	sc.reconnectFailures = 1

	// A successful subscribe triggers a catch-up.
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateCatchingUp, sc.state)
	require.Equal(0, sc.reconnectFailures)
	require.Equal(subscription, sc.subscription)

	logs <- registration(101, 0, userA, 1)
	logs <- registration(102, 0, userC, 2)
	sc.state = StateLive
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateCatchingUp, sc.state)
	require.Len(logs, 0)

	sc.closeSubscription()
	require.Nil(sc.subscription)
}

func (s *syncerTestSuite) TestLive_SubscriptionError() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.push = true
	s.syncer.config.Sync.PollInterval = time.Minute

	errs := make(chan error, 1)
	var logsOut <-chan types.Log = make(chan types.Log)
	var errsOut <-chan error = errs

	subscription := clientmocks.NewMockSubscription(s.ctrl)
	subscription.EXPECT().Logs().Return(logsOut).AnyTimes()
	subscription.EXPECT().Err().Return(errsOut).AnyTimes()
	subscription.EXPECT().Close().Times(1)

	sc := s.newSyncContext()
	sc.state = StateLive
	sc.subscription = subscription

	errs <- xerrors.New("connection reset")
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateReconnecting, sc.state)
	require.Nil(sc.subscription)
	require.Equal(1, sc.reconnectFailures)
	require.Error(sc.lastErr)
}

func (s *syncerTestSuite) TestLive_PushDisabledAfterMaxReconnects() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.push = true
	s.expectHeight(100)
	s.client.EXPECT().
		SubscribeLogs(gomock.Any(), gomock.Any()).
		Return(nil, xerrors.Errorf("dial: %w", client.ErrRPCUnavailable)).
		Times(2)

	sc := s.newSyncContext()
	sc.state = StateLive
	sc.setCheckpoint(99)

	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateReconnecting, sc.state)
	require.NoError(s.syncer.reconnect(ctx, sc))
	require.Equal(StateLive, sc.state)

	require.NoError(s.syncer.live(ctx, sc))
	require.True(sc.pushDisabled)
	require.Equal(StateLive, sc.state)

	// Polling from now on.
	require.NoError(s.syncer.live(ctx, sc))
	require.Equal(StateCatchingUp, sc.state)

	s.syncer.publish(sc)
	require.True(s.syncer.Status().PushDisabled)
}

func (s *syncerTestSuite) TestRun() {
	require := testutil.Require(s.T())
	s.expectHeight(105)
	s.expectLogs(100, 105, registration(101, 0, userA, 1))
	s.client.EXPECT().GetLogs(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.syncer.Run(ctx)
	}()

	require.Eventually(func() bool {
		status := s.syncer.Status()
		return status.State == StateLive && status.Checkpoint != nil && *status.Checkpoint == 105
	}, 5*time.Second, time.Millisecond)

	status := s.syncer.Status()
	require.Equal("live", status.StateName)
	require.Equal(uint64(105), status.ChainHeight)
	require.Equal(uint64(0), status.Lag)
	require.Equal(uint64(10), status.ChunkSize)
	require.False(status.PushMode)
	require.Empty(status.LastError)

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(5 * time.Second):
		require.Fail("syncer did not stop")
	}
	require.Equal(StateStopped, s.syncer.Status().State)
}

// failingStorage fails the PersistBatch calls listed in failOn, counted from 1.
type failingStorage struct {
	metastorage.MetaStorage
	failOn map[int]bool
	calls  int
}

func (f *failingStorage) PersistBatch(ctx context.Context, entries []*model.BatchEntry, checkpoint uint64) (int, error) {
	f.calls++
	if f.failOn[f.calls] {
		return 0, xerrors.New("database is locked")
	}
	return f.MetaStorage.PersistBatch(ctx, entries, checkpoint)
}

func (s *syncerTestSuite) TestCatchUp_PersistenceErrorRetriesSameRange() {
	require := testutil.Require(s.T())
	ctx := context.Background()
	s.syncer.config.Sync.ChunkSize = 5
	s.expectHeight(109)
	gomock.InOrder(
		s.expectLogs(100, 104, registration(101, 0, userA, 1)),
		s.expectLogs(105, 109, registration(107, 0, userC, 2)).Times(2),
	)

	storage := &failingStorage{MetaStorage: s.storage, failOn: map[int]bool{2: true}}
	s.syncer.metaStorage = storage

	sc := s.newSyncContext()
	require.NoError(s.syncer.bootstrap(ctx, sc))
	err := s.syncer.catchUp(ctx, sc)
	require.Error(err)
	require.True(xerrors.Is(err, ErrPersistence))
	require.Contains(err.Error(), "[105, 109]")

	// The failed range is neither checkpointed nor partially applied.
	require.Equal(StateCatchingUp, sc.state)
	require.Equal(uint64(104), sc.checkpoint)
	require.Equal(uint64(105), sc.next)
	require.Equal(uint64(104), s.checkpoint())
	_, total, err := s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(1), total)
	b, err := s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(1), b.TotalReferrals)

	require.NoError(s.syncer.catchUp(ctx, sc))
	require.Equal(3, storage.calls)
	require.Equal(StateLive, sc.state)
	require.Equal(uint64(110), sc.next)
	require.Equal(uint64(109), s.checkpoint())
	_, total, err = s.storage.ListEvents(ctx, model.EventFilter{})
	require.NoError(err)
	require.Equal(int64(2), total)
	b, err = s.storage.GetUser(ctx, userB)
	require.NoError(err)
	require.Equal(uint64(2), b.TotalReferrals)
}

func TestPersistenceError(t *testing.T) {
	require := testutil.Require(t)
	cause := xerrors.New("database is locked")
	err := xerrors.Errorf("sync step: %w", newPersistenceError(100, 109, cause))
	require.True(xerrors.Is(err, ErrPersistence))
	require.True(xerrors.Is(err, cause))
	require.Contains(err.Error(), "[100, 109]")
}

func TestSyncContext_Chunk(t *testing.T) {
	require := testutil.Require(t)
	sc := newSyncContext(&config.SyncConfig{
		ChunkSize:      8,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})

	sc.shrinkChunk()
	sc.shrinkChunk()
	require.Equal(uint64(2), sc.chunkSize)
	sc.shrinkChunk()
	sc.shrinkChunk()
	require.Equal(uint64(1), sc.chunkSize)

	for _, expected := range []uint64{1, 2, 2, 4, 4, 8, 8, 8} {
		sc.recordSuccess(2)
		require.Equal(expected, sc.chunkSize)
	}
}
