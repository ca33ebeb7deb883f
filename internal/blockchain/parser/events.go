package parser

import (
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

type (
	EventType string

	// FieldKind decides how a uint256 field is normalized.
	FieldKind int
)

const (
	EventUserRegistered                         EventType = "UserRegistered"
	EventNodePurchased                          EventType = "NodePurchased"
	EventDiscountedNodePurchased                EventType = "DiscountedNodePurchased"
	EventReferralRegistered                     EventType = "ReferralRegistered"
	EventReferralRewardEarned                   EventType = "ReferralRewardEarned"
	EventAddBoosterReward                       EventType = "AddBoosterReward"
	EventBulkReferralRewardEarned               EventType = "BulkReferralRewardEarned"
	EventReferralRegisteredAndRewardDistributed EventType = "ReferralRegisteredAndRewardDistributed"
	EventReferralRewardHeld                     EventType = "ReferralRewardHeld"
	EventReferralRewardReleased                 EventType = "ReferralRewardReleased"
	EventLiquidityWithdrawn                     EventType = "LiquidityWithdrawn"
	EventRewardsWithdrawn                       EventType = "RewardsWithdrawn"
	EventNodePackageAdded                       EventType = "NodePackageAdded"
	EventNodePackageUpdated                     EventType = "NodePackageUpdated"
	EventReferralPercentagesUpdated             EventType = "ReferralPercentagesUpdated"
	EventBoosterSettingsUpdated                 EventType = "BoosterSettingsUpdated"
	EventOwnershipTransferred                   EventType = "OwnershipTransferred"
	EventPaused                                 EventType = "Paused"
	EventUnpaused                               EventType = "Unpaused"
)

const (
	KindRaw FieldKind = iota
	// KindMonetary is a wei amount, scaled by 10^18 into a decimal string.
	KindMonetary
	KindCount
	KindTimestamp
	KindID
)

const zeroAmount = "0.0"

// manifest lists the normalization of every (event, field) pair of the contract ABI.
var manifest = map[EventType]map[string]FieldKind{
	EventUserRegistered: {
		"user":      KindRaw,
		"referrer":  KindRaw,
		"timestamp": KindTimestamp,
	},
	EventNodePurchased: {
		"user":      KindRaw,
		"packageId": KindID,
		"price":     KindMonetary,
		"timestamp": KindTimestamp,
	},
	EventDiscountedNodePurchased: {
		"user":         KindRaw,
		"packageId":    KindID,
		"price":        KindMonetary,
		"discountUsed": KindMonetary,
		"timestamp":    KindTimestamp,
	},
	EventReferralRegistered: {
		"user":                 KindRaw,
		"referrer":             KindRaw,
		"packageId":            KindID,
		"totalReferralCount":   KindCount,
		"packageReferralCount": KindCount,
	},
	EventReferralRewardEarned: {
		"referrer": KindRaw,
		"user":     KindRaw,
		"amount":   KindMonetary,
		"level":    KindCount,
	},
	EventAddBoosterReward: {
		"user":      KindRaw,
		"amount":    KindMonetary,
		"timestamp": KindTimestamp,
	},
	EventBulkReferralRewardEarned: {
		"user":           KindRaw,
		"packageId":      KindID,
		"amount":         KindMonetary,
		"referralCount":  KindCount,
		"totalSales":     KindMonetary,
		"rewardsClaimed": KindMonetary,
	},
	EventReferralRegisteredAndRewardDistributed: {
		"user":               KindRaw,
		"referrer":           KindRaw,
		"packageId":          KindID,
		"rewardAmount":       KindMonetary,
		"totalReferralCount": KindCount,
	},
	EventReferralRewardHeld: {
		"referrer":    KindRaw,
		"user":        KindRaw,
		"amount":      KindMonetary,
		"releaseTime": KindTimestamp,
	},
	EventReferralRewardReleased: {
		"referrer": KindRaw,
		"amount":   KindMonetary,
	},
	EventLiquidityWithdrawn: {
		"user":      KindRaw,
		"amount":    KindMonetary,
		"timestamp": KindTimestamp,
	},
	EventRewardsWithdrawn: {
		"user":      KindRaw,
		"amount":    KindMonetary,
		"timestamp": KindTimestamp,
	},
	EventNodePackageAdded: {
		"packageId":     KindID,
		"name":          KindRaw,
		"price":         KindMonetary,
		"duration":      KindCount,
		"roiPercentage": KindCount,
	},
	EventNodePackageUpdated: {
		"packageId":     KindID,
		"name":          KindRaw,
		"price":         KindMonetary,
		"duration":      KindCount,
		"roiPercentage": KindCount,
		"active":        KindRaw,
	},
	EventReferralPercentagesUpdated: {
		"percentages": KindRaw,
	},
	EventBoosterSettingsUpdated: {
		"rewardRate": KindCount,
		"duration":   KindCount,
	},
	EventOwnershipTransferred: {
		"previousOwner": KindRaw,
		"newOwner":      KindRaw,
	},
	EventPaused: {
		"account": KindRaw,
	},
	EventUnpaused: {
		"account": KindRaw,
	},
}

func (k FieldKind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindMonetary:
		return "monetary"
	case KindCount:
		return "count"
	case KindTimestamp:
		return "timestamp"
	case KindID:
		return "id"
	default:
		return "unknown"
	}
}

// FieldKindOf returns the normalization of a field.
func FieldKindOf(eventType EventType, field string) (FieldKind, bool) {
	kinds, ok := manifest[eventType]
	if !ok {
		return KindRaw, false
	}

	kind, ok := kinds[field]
	return kind, ok
}

func (e *DecodedEvent) Has(name string) bool {
	_, ok := e.Fields[name]
	return ok
}

// GetAddress returns an address field as lowercase hex.
func (e *DecodedEvent) GetAddress(name string) (string, error) {
	return e.GetString(name)
}

func (e *DecodedEvent) GetString(name string) (string, error) {
	value, err := e.field(name)
	if err != nil {
		return "", err
	}

	s, ok := value.(string)
	if !ok {
		return "", xerrors.Errorf("field %v of %v is %T, not a string: %w", name, e.Type, value, ErrDecode)
	}
	return s, nil
}

func (e *DecodedEvent) GetUint64(name string) (uint64, error) {
	value, err := e.field(name)
	if err != nil {
		return 0, err
	}

	v, ok := value.(uint64)
	if !ok {
		return 0, xerrors.Errorf("field %v of %v is %T, not an integer: %w", name, e.Type, value, ErrDecode)
	}
	return v, nil
}

func (e *DecodedEvent) GetBool(name string) (bool, error) {
	value, err := e.field(name)
	if err != nil {
		return false, err
	}

	v, ok := value.(bool)
	if !ok {
		return false, xerrors.Errorf("field %v of %v is %T, not a bool: %w", name, e.Type, value, ErrDecode)
	}
	return v, nil
}

// GetDecimal parses a monetary field.
func (e *DecodedEvent) GetDecimal(name string) (decimal.Decimal, error) {
	s, err := e.GetString(name)
	if err != nil {
		return decimal.Zero, err
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, xerrors.Errorf("field %v of %v is not a decimal (%v): %w", name, e.Type, err, ErrDecode)
	}
	return v, nil
}

func (e *DecodedEvent) field(name string) (interface{}, error) {
	value, ok := e.Fields[name]
	if !ok {
		return nil, xerrors.Errorf("field %v is missing from %v: %w", name, e.Type, ErrDecode)
	}
	return value, nil
}
