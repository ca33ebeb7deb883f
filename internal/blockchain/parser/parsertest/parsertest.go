// Package parsertest builds contract logs for tests.
package parsertest

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
)

type (
	LogOption func(log *types.Log)

	// Args are the event inputs keyed by ABI name. uint256 inputs accept uint64, int, decimal
	// strings and *big.Int; address inputs accept hex strings and common.Address.
	Args map[string]interface{}
)

// ContractAddress is the contract configured by bsc-mainnet.
const ContractAddress = "0xa4c123b1612dd272d1371c17149d439536b3216f"

// MustLog encodes an event of the contract ABI into a log. It panics on invalid arguments.
func MustLog(eventType parser.EventType, args Args, opts ...LogOption) types.Log {
	event, ok := parser.ContractABI().Events[string(eventType)]
	if !ok {
		panic(fmt.Sprintf("unknown event type: %v", eventType))
	}

	var indexed [][]interface{}
	var nonIndexed []interface{}
	for _, input := range event.Inputs {
		raw, ok := args[input.Name]
		if !ok {
			panic(fmt.Sprintf("missing argument %v of %v", input.Name, eventType))
		}

		value := toABIValue(input.Type, raw)
		if input.Indexed {
			indexed = append(indexed, []interface{}{value})
		} else {
			nonIndexed = append(nonIndexed, value)
		}
	}

	topics := []common.Hash{event.ID}
	if len(indexed) > 0 {
		rules, err := abi.MakeTopics(indexed...)
		if err != nil {
			panic(fmt.Sprintf("failed to make topics of %v: %v", eventType, err))
		}
		for _, rule := range rules {
			topics = append(topics, rule[0])
		}
	}

	data, err := event.Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		panic(fmt.Sprintf("failed to pack %v: %v", eventType, err))
	}

	log := types.Log{
		Address:     common.HexToAddress(ContractAddress),
		Topics:      topics,
		Data:        data,
		BlockNumber: 1,
		BlockHash:   common.BigToHash(big.NewInt(1)),
		TxHash:      common.BigToHash(big.NewInt(1001)),
	}
	for _, opt := range opts {
		opt(&log)
	}

	return log
}

// WithBlock places the log in the given block.
func WithBlock(number uint64) LogOption {
	return func(log *types.Log) {
		log.BlockNumber = number
		log.BlockHash = common.BigToHash(new(big.Int).SetUint64(number))
	}
}

func WithTxHash(hash string) LogOption {
	return func(log *types.Log) {
		log.TxHash = common.HexToHash(hash)
	}
}

func WithLogIndex(index uint) LogOption {
	return func(log *types.Log) {
		log.Index = index
	}
}

func WithAddress(address string) LogOption {
	return func(log *types.Log) {
		log.Address = common.HexToAddress(address)
	}
}

func WithRemoved() LogOption {
	return func(log *types.Log) {
		log.Removed = true
	}
}

// Wei converts a human amount such as "1.5" into wei.
func Wei(amount string) *big.Int {
	return decimal.RequireFromString(amount).Shift(18).BigInt()
}

// Address returns a deterministic lowercase address for a short label, e.g. Address(0xA).
func Address(n int64) string {
	return strings.ToLower(common.BigToAddress(big.NewInt(n)).Hex())
}

func toABIValue(typ abi.Type, value interface{}) interface{} {
	switch typ.T {
	case abi.UintTy, abi.IntTy:
		if typ.Size <= 64 {
			return value
		}
		return toBigInt(value)

	case abi.AddressTy:
		if s, ok := value.(string); ok {
			return common.HexToAddress(s)
		}
		return value

	case abi.SliceTy:
		if values, ok := value.([]uint64); ok {
			res := make([]*big.Int, len(values))
			for i, v := range values {
				res[i] = new(big.Int).SetUint64(v)
			}
			return res
		}
		return value

	default:
		return value
	}
}

func toBigInt(value interface{}) *big.Int {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v)
	case uint64:
		return new(big.Int).SetUint64(v)
	case int:
		return big.NewInt(int64(v))
	case string:
		res, ok := new(big.Int).SetString(v, 10)
		if !ok {
			panic(fmt.Sprintf("invalid integer: %v", v))
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported integer type %T", value))
	}
}
