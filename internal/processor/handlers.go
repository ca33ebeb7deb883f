package processor

import (
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	// handlerFn fills in the record of one event type and returns its deltas.
	handlerFn func(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error)

	// fieldReader reads typed fields and keeps the first error.
	fieldReader struct {
		event *parser.DecodedEvent
		err   error
	}
)

// handlers is closed over the contract ABI; TestHandlers_CoverContractABI enforces it.
var handlers = map[parser.EventType]handlerFn{
	parser.EventUserRegistered:                         handleUserRegistered,
	parser.EventNodePurchased:                          handleNodePurchased,
	parser.EventDiscountedNodePurchased:                handleDiscountedNodePurchased,
	parser.EventReferralRegistered:                     handleReferralRegistered,
	parser.EventReferralRewardEarned:                   handleReferralRewardEarned,
	parser.EventAddBoosterReward:                       handleAddBoosterReward,
	parser.EventBulkReferralRewardEarned:               handleBulkReferralRewardEarned,
	parser.EventReferralRegisteredAndRewardDistributed: handleReferralRegisteredAndRewardDistributed,
	parser.EventReferralRewardHeld:                     handleReferralRewardHeld,
	parser.EventReferralRewardReleased:                 handleReferralRewardReleased,
	parser.EventLiquidityWithdrawn:                     handleWithdrawal,
	parser.EventRewardsWithdrawn:                       handleWithdrawal,
	parser.EventNodePackageAdded:                       handleNodePackage,
	parser.EventNodePackageUpdated:                     handleNodePackage,
	parser.EventReferralPercentagesUpdated:             handleSettings,
	parser.EventBoosterSettingsUpdated:                 handleSettings,
	parser.EventOwnershipTransferred:                   handleOwnershipTransferred,
	parser.EventPaused:                                 handlePause,
	parser.EventUnpaused:                               handlePause,
}

func handleUserRegistered(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	referrer := r.address("referrer")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.Counterparty = counterparty(referrer)
	return appendEnsureUser(
		[]*model.AggregateDelta{ensureUser(user), markRegistered(user)},
		referrer,
	), nil
}

func handleNodePurchased(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	packageID := r.integer("packageId")
	price := r.amount("price")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.PackageID = &packageID
	record.Amount = parser.FormatDecimal(price)
	return []*model.AggregateDelta{ensureUser(user)}, nil
}

func handleDiscountedNodePurchased(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	packageID := r.integer("packageId")
	discount := r.amount("discountUsed")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.PackageID = &packageID
	record.Amount = parser.FormatDecimal(discount)
	return []*model.AggregateDelta{
		ensureUser(user),
		subtractReward(user, discount),
	}, nil
}

func handleReferralRegistered(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	referrer := r.address("referrer")
	packageID := r.integer("packageId")
	total := r.integer("totalReferralCount")
	packageTotal := r.integer("packageReferralCount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = referrer
	record.Counterparty = counterparty(user)
	record.PackageID = &packageID
	return []*model.AggregateDelta{
		ensureUser(user),
		ensureUser(referrer),
		{Kind: model.DeltaSetReferralCount, Address: referrer, Count: total},
		{Kind: model.DeltaSetPackageReferralCount, Address: referrer, PackageID: packageID, Count: packageTotal},
	}, nil
}

func handleReferralRewardEarned(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	referrer := r.address("referrer")
	user := r.address("user")
	amount := r.amount("amount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = referrer
	record.Counterparty = counterparty(user)
	record.Amount = parser.FormatDecimal(amount)
	return appendEnsureUser(
		[]*model.AggregateDelta{ensureUser(referrer), addReward(referrer, amount)},
		user,
	), nil
}

func handleAddBoosterReward(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	amount := r.amount("amount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.Amount = parser.FormatDecimal(amount)
	return []*model.AggregateDelta{ensureUser(user), addReward(user, amount)}, nil
}

func handleBulkReferralRewardEarned(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	packageID := r.integer("packageId")
	amount := r.amount("amount")
	ascension := &model.Ascension{
		ReferralCount:  r.integer("referralCount"),
		TotalSales:     r.amount("totalSales"),
		RewardsClaimed: r.amount("rewardsClaimed"),
	}
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.PackageID = &packageID
	record.Amount = parser.FormatDecimal(amount)
	return []*model.AggregateDelta{
		ensureUser(user),
		addReward(user, amount),
		{Kind: model.DeltaSetAscension, Address: user, PackageID: packageID, Ascension: ascension},
	}, nil
}

func handleReferralRegisteredAndRewardDistributed(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	referrer := r.address("referrer")
	packageID := r.integer("packageId")
	amount := r.amount("rewardAmount")
	total := r.integer("totalReferralCount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = referrer
	record.Counterparty = counterparty(user)
	record.PackageID = &packageID
	record.Amount = parser.FormatDecimal(amount)
	return []*model.AggregateDelta{
		ensureUser(user),
		ensureUser(referrer),
		addReward(referrer, amount),
		{Kind: model.DeltaSetReferralCount, Address: referrer, Count: total},
	}, nil
}

func handleReferralRewardHeld(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	referrer := r.address("referrer")
	user := r.address("user")
	amount := r.amount("amount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = referrer
	record.Counterparty = counterparty(user)
	record.Amount = parser.FormatDecimal(amount)
	return appendEnsureUser(
		[]*model.AggregateDelta{ensureUser(referrer), addReward(referrer, amount)},
		user,
	), nil
}

func handleReferralRewardReleased(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	referrer := r.address("referrer")
	amount := r.amount("amount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = referrer
	record.Amount = parser.FormatDecimal(amount)
	return []*model.AggregateDelta{ensureUser(referrer), addReward(referrer, amount)}, nil
}

func handleWithdrawal(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	user := r.address("user")
	amount := r.amount("amount")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = user
	record.Amount = parser.FormatDecimal(amount)
	return []*model.AggregateDelta{ensureUser(user), subtractReward(user, amount)}, nil
}

func handleNodePackage(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	pkg := &model.NodePackage{
		ID:            r.integer("packageId"),
		Name:          r.text("name"),
		Duration:      r.integer("duration"),
		ROIPercentage: r.integer("roiPercentage"),
		Active:        true,
	}
	price := r.amount("price")
	if r.event.Has("active") {
		pkg.Active = r.boolean("active")
	}
	if r.err != nil {
		return nil, r.err
	}

	pkg.Price = parser.FormatDecimal(price)
	record.PackageID = &pkg.ID
	record.Amount = pkg.Price
	return []*model.AggregateDelta{{Kind: model.DeltaUpsertPackage, PackageID: pkg.ID, Package: pkg}}, nil
}

func handleSettings(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	record.Subject = utils.ZeroAddress
	return nil, nil
}

func handleOwnershipTransferred(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	previousOwner := r.address("previousOwner")
	newOwner := r.address("newOwner")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = newOwner
	record.Counterparty = counterparty(previousOwner)
	return nil, nil
}

func handlePause(r *fieldReader, record *model.EventRecord) ([]*model.AggregateDelta, error) {
	account := r.address("account")
	if r.err != nil {
		return nil, r.err
	}

	record.Subject = account
	return nil, nil
}

func ensureUser(address string) *model.AggregateDelta {
	return &model.AggregateDelta{Kind: model.DeltaEnsureUser, Address: address}
}

// appendEnsureUser references a counterparty unless it is the zero address.
func appendEnsureUser(deltas []*model.AggregateDelta, address string) []*model.AggregateDelta {
	if address == utils.ZeroAddress {
		return deltas
	}
	return append(deltas, ensureUser(address))
}

func markRegistered(address string) *model.AggregateDelta {
	return &model.AggregateDelta{Kind: model.DeltaMarkRegistered, Address: address}
}

func addReward(address string, amount decimal.Decimal) *model.AggregateDelta {
	return &model.AggregateDelta{Kind: model.DeltaAddReward, Address: address, Amount: amount}
}

func subtractReward(address string, amount decimal.Decimal) *model.AggregateDelta {
	return &model.AggregateDelta{Kind: model.DeltaSubtractReward, Address: address, Amount: amount}
}

func counterparty(address string) *string {
	if address == "" || address == utils.ZeroAddress {
		return nil
	}
	return &address
}

func newFieldReader(event *parser.DecodedEvent) *fieldReader {
	return &fieldReader{event: event}
}

func (r *fieldReader) address(name string) string {
	if r.err != nil {
		return ""
	}

	value, err := r.event.GetAddress(name)
	if err != nil {
		r.err = err
		return ""
	}

	address, err := utils.NormalizeAddress(value)
	if err != nil {
		r.err = xerrors.Errorf("field %v: %v: %w", name, err, parser.ErrDecode)
		return ""
	}
	return address
}

func (r *fieldReader) integer(name string) uint64 {
	if r.err != nil {
		return 0
	}

	value, err := r.event.GetUint64(name)
	r.err = err
	return value
}

func (r *fieldReader) amount(name string) decimal.Decimal {
	if r.err != nil {
		return decimal.Zero
	}

	value, err := r.event.GetDecimal(name)
	if err != nil {
		r.err = err
		return decimal.Zero
	}
	if value.IsNegative() {
		r.err = xerrors.Errorf("field %v is negative: %w", name, parser.ErrDecode)
		return decimal.Zero
	}
	return value
}

func (r *fieldReader) text(name string) string {
	if r.err != nil {
		return ""
	}

	value, err := r.event.GetString(name)
	r.err = err
	return value
}

func (r *fieldReader) boolean(name string) bool {
	if r.err != nil {
		return false
	}

	value, err := r.event.GetBool(name)
	r.err = err
	return value
}
