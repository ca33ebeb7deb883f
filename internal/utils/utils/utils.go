package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// ZeroAddress is the canonical subject of events that do not reference a user.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress validates a hex address and returns its canonical lowercase form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", xerrors.Errorf("invalid address: %q", address)
	}

	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// AddressString returns the canonical lowercase form of an address.
func AddressString(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// ToTimestamp converts unix seconds into a UTC time.
func ToTimestamp(seconds uint64) time.Time {
	return time.Unix(int64(seconds), 0).UTC()
}

// FormatTimestamp renders unix seconds as an ISO 8601 string.
func FormatTimestamp(seconds uint64) string {
	return ToTimestamp(seconds).Format(time.RFC3339)
}

// GenerateSha256HashString A hash function to obfuscate the input string.
// This is to prevent the input from being leaked to the public.
func GenerateSha256HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func MaxUint64(a uint64, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func MinUint64(a uint64, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// FormatDecimal renders an amount in plain notation with at least one fractional digit.
func FormatDecimal(value decimal.Decimal) string {
	s := value.String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
