package parser

import (
	"bytes"
	_ "embed"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	Parser interface {
		// Decode turns a raw contract log into a DecodedEvent.
		// It fails with ErrUnknownEvent when the signature is not part of the contract ABI,
		// and with ErrDecode when the signature is known but the payload is malformed.
		Decode(log types.Log) (*DecodedEvent, error)

		// EventTypes returns every event type of the contract ABI, sorted by name.
		EventTypes() []EventType
	}

	Params struct {
		fx.In
		fxparams.Params
	}

	// LogMeta carries the position of a log on chain.
	LogMeta struct {
		TxHash      string
		TxIndex     uint
		BlockNumber uint64
		BlockHash   string
		LogIndex    uint
		Address     string
		Removed     bool
		// BlockTimestamp is the unix time of the block header. Decode leaves it zero;
		// callers set it once the header is known.
		BlockTimestamp uint64
	}

	DecodedEvent struct {
		Type EventType
		Meta LogMeta
		// Fields holds the normalized field values keyed by their ABI name:
		// monetary fields are decimal strings, count/timestamp/id fields are uint64,
		// addresses are lowercase hex strings.
		Fields map[string]interface{}
	}

	parserImpl struct {
		logger  *zap.Logger
		abi     *abi.ABI
		metrics tally.Scope
	}
)

const (
	weiDecimals = 18

	metricsScope        = "parser"
	metricsDecoded      = "decoded"
	metricsUnknownEvent = "unknown_event"
	metricsDecodeError  = "decode_error"
	tagEventType        = "event_type"
)

var (
	//go:embed abi/referral.json
	referralABI []byte

	contractABI = mustParseABI(referralABI)
)

var _ Parser = (*parserImpl)(nil)

func New(params Params) Parser {
	return &parserImpl{
		logger:  log.WithPackage(params.Logger),
		abi:     contractABI,
		metrics: params.Metrics.SubScope(metricsScope),
	}
}

// ContractABI returns the parsed ABI of the mirrored contract.
func ContractABI() *abi.ABI {
	return contractABI
}

func mustParseABI(data []byte) *abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(xerrors.Errorf("failed to parse contract abi: %w", err))
	}

	return &parsed
}

func (p *parserImpl) Decode(eventLog types.Log) (*DecodedEvent, error) {
	if len(eventLog.Topics) == 0 {
		p.metrics.Counter(metricsUnknownEvent).Inc(1)
		return nil, xerrors.Errorf("log without topics (tx=%v, index=%v): %w", eventLog.TxHash.Hex(), eventLog.Index, ErrUnknownEvent)
	}

	event, err := p.abi.EventByID(eventLog.Topics[0])
	if err != nil {
		p.metrics.Counter(metricsUnknownEvent).Inc(1)
		p.logger.Debug("unknown event signature", zap.String("topic", eventLog.Topics[0].Hex()), zap.Uint64("block", eventLog.BlockNumber))
		return nil, xerrors.Errorf("unknown signature %v (tx=%v, index=%v): %w", eventLog.Topics[0].Hex(), eventLog.TxHash.Hex(), eventLog.Index, ErrUnknownEvent)
	}

	eventType := EventType(event.Name)
	scope := p.metrics.Tagged(map[string]string{tagEventType: string(eventType)})
	fields, err := decodeFields(eventType, event, eventLog)
	if err != nil {
		scope.Counter(metricsDecodeError).Inc(1)
		return nil, xerrors.Errorf("failed to decode %v (tx=%v, index=%v): %v: %w", eventType, eventLog.TxHash.Hex(), eventLog.Index, err, ErrDecode)
	}

	scope.Counter(metricsDecoded).Inc(1)
	return &DecodedEvent{
		Type:   eventType,
		Meta:   NewLogMeta(eventLog),
		Fields: fields,
	}, nil
}

func (p *parserImpl) EventTypes() []EventType {
	res := make([]EventType, 0, len(p.abi.Events))
	for name := range p.abi.Events {
		res = append(res, EventType(name))
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i] < res[j]
	})
	return res
}

func decodeFields(eventType EventType, event *abi.Event, eventLog types.Log) (map[string]interface{}, error) {
	kinds, ok := manifest[eventType]
	if !ok {
		return nil, xerrors.New("event is missing from the field manifest")
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	if len(eventLog.Topics) != len(indexed)+1 {
		return nil, xerrors.Errorf("unexpected number of topics: expected=%v, actual=%v", len(indexed)+1, len(eventLog.Topics))
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, eventLog.Topics[1:]); err != nil {
		return nil, xerrors.Errorf("failed to parse topics: %w", err)
	}

	if err := event.Inputs.UnpackIntoMap(values, eventLog.Data); err != nil {
		return nil, xerrors.Errorf("failed to unpack data: %w", err)
	}

	fields := make(map[string]interface{}, len(values))
	for _, input := range event.Inputs {
		kind, ok := kinds[input.Name]
		if !ok {
			return nil, xerrors.Errorf("field %v is missing from the field manifest", input.Name)
		}

		value, ok := values[input.Name]
		if !ok {
			return nil, xerrors.Errorf("field %v is missing from the log", input.Name)
		}

		normalized, err := normalize(kind, value)
		if err != nil {
			return nil, xerrors.Errorf("invalid field %v: %w", input.Name, err)
		}

		fields[input.Name] = normalized
	}

	return fields, nil
}

func normalize(kind FieldKind, value interface{}) (interface{}, error) {
	switch kind {
	case KindMonetary:
		v, ok := value.(*big.Int)
		if !ok {
			return nil, xerrors.Errorf("expected an integer for a monetary field, got %T", value)
		}
		return FormatWei(v), nil

	case KindCount, KindTimestamp, KindID:
		v, ok := value.(*big.Int)
		if !ok {
			return nil, xerrors.Errorf("expected an integer for a %v field, got %T", kind, value)
		}
		if !v.IsUint64() {
			return nil, xerrors.Errorf("%v does not fit into uint64", v)
		}
		return v.Uint64(), nil

	case KindRaw:
		switch v := value.(type) {
		case common.Address:
			return strings.ToLower(v.Hex()), nil
		case *big.Int:
			return v.String(), nil
		case []*big.Int:
			res := make([]string, len(v))
			for i, item := range v {
				res[i] = item.String()
			}
			return res, nil
		case string, bool:
			return v, nil
		default:
			return nil, xerrors.Errorf("unsupported raw value type %T", value)
		}

	default:
		return nil, xerrors.Errorf("unknown field kind: %v", kind)
	}
}

// FormatWei scales a wei amount into human units with at least one fractional digit,
// e.g. 5e18 becomes "5.0" and 1 becomes "0.000000000000000001".
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return zeroAmount
	}

	return FormatDecimal(decimal.NewFromBigInt(wei, -weiDecimals))
}

// FormatDecimal renders an arbitrary precision amount the same way FormatWei does.
func FormatDecimal(value decimal.Decimal) string {
	return utils.FormatDecimal(value)
}

// NewLogMeta extracts the position of a log.
func NewLogMeta(log types.Log) LogMeta {
	return LogMeta{
		TxHash:      log.TxHash.Hex(),
		TxIndex:     log.TxIndex,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		LogIndex:    log.Index,
		Address:     strings.ToLower(log.Address.Hex()),
		Removed:     log.Removed,
	}
}
