package reconciler

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/storage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/syncgroup"
)

const (
	// compareParallelism bounds the concurrent user lookups.
	compareParallelism = 8
)

type (
	// Reconciler rebuilds the user aggregates and packages from the event history
	// and overwrites the stored rows that drifted from it.
	Reconciler interface {
		Reconcile(ctx context.Context, opts ...Option) (*Result, error)
	}

	Params struct {
		fx.In
		fxparams.Params
		Processor   processor.Processor
		MetaStorage metastorage.MetaStorage
	}

	Result struct {
		Events          int      `json:"events"`
		Users           int      `json:"users"`
		Packages        int      `json:"packages"`
		DriftedUsers    []string `json:"drifted_users"`
		DriftedPackages []uint64 `json:"drifted_packages"`
		// Drifted rows whose events changed after the history was loaded are left to the next run.
		SkippedUsers    []string `json:"skipped_users,omitempty"`
		SkippedPackages []uint64 `json:"skipped_packages,omitempty"`
		DryRun          bool     `json:"dry_run"`
	}

	Option func(opts *options)

	options struct {
		dryRun bool
	}

	reconcilerImpl struct {
		logger      *zap.Logger
		processor   processor.Processor
		metaStorage metastorage.MetaStorage
		batchSize   int
		metrics     *reconcilerMetrics
	}

	reconcilerMetrics struct {
		driftedUsers    tally.Counter
		driftedPackages tally.Counter
	}
)

// WithDryRun reports the drift without writing it back.
func WithDryRun(dryRun bool) Option {
	return func(opts *options) {
		opts.dryRun = dryRun
	}
}

func New(params Params) Reconciler {
	metrics := params.Metrics.SubScope("reconciler")
	return &reconcilerImpl{
		logger:      log.WithPackage(params.Logger),
		processor:   params.Processor,
		metaStorage: params.MetaStorage,
		batchSize:   params.Config.Cron.ReconcileBatchSize,
		metrics: &reconcilerMetrics{
			driftedUsers:    metrics.Counter("drifted_users"),
			driftedPackages: metrics.Counter("drifted_packages"),
		},
	}
}

func (r *reconcilerImpl) Reconcile(ctx context.Context, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var records []*model.EventRecord
	if err := r.metaStorage.IterateEvents(ctx, r.batchSize, func(batch []*model.EventRecord) error {
		records = append(records, batch...)
		return nil
	}); err != nil {
		return nil, xerrors.Errorf("failed to load event history: %w", err)
	}

	snapshot, err := r.processor.Recompute(records)
	if err != nil {
		return nil, xerrors.Errorf("failed to recompute aggregates: %w", err)
	}

	result := &Result{
		Events:   len(records),
		Users:    len(snapshot.Users),
		Packages: len(snapshot.Packages),
		DryRun:   o.dryRun,
	}

	drifted, err := r.driftedUsers(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	for _, aggregate := range drifted {
		result.DriftedUsers = append(result.DriftedUsers, aggregate.Address)
	}

	packages, err := r.driftedPackages(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	for _, pkg := range packages {
		result.DriftedPackages = append(result.DriftedPackages, pkg.ID)
	}

	r.metrics.driftedUsers.Inc(int64(len(drifted)))
	r.metrics.driftedPackages.Inc(int64(len(packages)))
	r.logger.Info(
		"reconciled aggregates",
		zap.Int("events", result.Events),
		zap.Int("users", result.Users),
		zap.Int("drifted_users", len(drifted)),
		zap.Int("drifted_packages", len(packages)),
		zap.Bool("dry_run", o.dryRun),
	)

	if o.dryRun {
		return result, nil
	}

	if len(drifted) == 0 && len(packages) == 0 {
		return result, nil
	}

	replacement := &model.Replacement{Users: drifted}
	for _, pkg := range packages {
		replacement.Packages = append(replacement.Packages, &model.PackageRevision{
			Package: pkg,
			Events:  snapshot.PackageEvents[pkg.ID],
		})
	}
	replaced, err := r.metaStorage.ReplaceAggregates(ctx, replacement)
	if err != nil {
		return nil, xerrors.Errorf("failed to replace aggregates: %w", err)
	}
	result.SkippedUsers = replaced.SkippedUsers
	result.SkippedPackages = replaced.SkippedPackages

	return result, nil
}

// driftedUsers returns the recomputed aggregates that differ from the stored users, sorted by address.
// Stored users that no event references are left alone.
func (r *reconcilerImpl) driftedUsers(ctx context.Context, snapshot *processor.Snapshot) ([]*model.UserAggregate, error) {
	addresses := make([]string, 0, len(snapshot.Users))
	for address := range snapshot.Users {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	// Each slot is written by exactly one worker, so the order of addresses is kept.
	matches := make([]bool, len(addresses))
	group, ctx := syncgroup.New(ctx, syncgroup.WithThrottling(compareParallelism))
	for i := range addresses {
		i := i
		group.Go(func() error {
			address := addresses[i]
			aggregate := snapshot.Users[address]
			user, err := r.metaStorage.GetUser(ctx, address)
			if err != nil {
				if xerrors.Is(err, storage.ErrItemNotFound) {
					return nil
				}
				return xerrors.Errorf("failed to get user %v: %w", address, err)
			}

			matches[i] = userMatches(user, aggregate)
			if !matches[i] {
				r.logger.Warn(
					"user aggregate drifted",
					zap.String("address", address),
					zap.Uint64("stored_referrals", user.TotalReferrals),
					zap.Uint64("expected_referrals", aggregate.TotalReferrals),
					zap.String("stored_rewards", user.TotalRewards),
					zap.String("expected_rewards", aggregate.TotalRewards.String()),
				)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var drifted []*model.UserAggregate
	for i, address := range addresses {
		if !matches[i] {
			drifted = append(drifted, snapshot.Users[address])
		}
	}
	return drifted, nil
}

func (r *reconcilerImpl) driftedPackages(ctx context.Context, snapshot *processor.Snapshot) ([]*model.NodePackage, error) {
	ids := make([]uint64, 0, len(snapshot.Packages))
	for id := range snapshot.Packages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var drifted []*model.NodePackage
	for _, id := range ids {
		expected := snapshot.Packages[id]
		stored, err := r.metaStorage.GetPackage(ctx, id)
		if err != nil {
			if xerrors.Is(err, storage.ErrItemNotFound) {
				drifted = append(drifted, expected)
				continue
			}
			return nil, xerrors.Errorf("failed to get package %v: %w", id, err)
		}

		if !packageMatches(stored, expected) {
			drifted = append(drifted, expected)
		}
	}

	return drifted, nil
}

func userMatches(user *model.User, aggregate *model.UserAggregate) bool {
	if user.TotalReferrals != aggregate.TotalReferrals || user.Registered != aggregate.Registered {
		return false
	}
	if !amountEquals(user.TotalRewards, aggregate.TotalRewards) {
		return false
	}

	if len(user.Packages) != len(aggregate.Packages) {
		return false
	}
	for _, stats := range user.Packages {
		expected, ok := aggregate.Packages[stats.PackageID]
		if !ok {
			return false
		}
		if stats.ReferralCount != expected.ReferralCount ||
			stats.PackageReferralCount != expected.PackageReferralCount ||
			!amountEquals(stats.TotalSales, expected.TotalSales) ||
			!amountEquals(stats.RewardsClaimed, expected.RewardsClaimed) {
			return false
		}
	}
	return true
}

func packageMatches(stored *model.NodePackage, expected *model.NodePackage) bool {
	return stored.Name == expected.Name &&
		amountEquals(stored.Price, mustAmount(expected.Price)) &&
		stored.Duration == expected.Duration &&
		stored.ROIPercentage == expected.ROIPercentage &&
		stored.Active == expected.Active
}

func amountEquals(stored string, expected decimal.Decimal) bool {
	amount, err := decimal.NewFromString(stored)
	if err != nil {
		return false
	}
	return amount.Equal(expected)
}

func mustAmount(s string) decimal.Decimal {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return amount
}
