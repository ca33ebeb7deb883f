package processor

import (
	"encoding/json"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	Processor interface {
		// Apply derives the event record and the aggregate deltas of a decoded event.
		// Event types without a handler produce a pass-through record and no deltas.
		Apply(event *parser.DecodedEvent) (*model.EventRecord, []*model.AggregateDelta, error)

		// Recompute rebuilds the user aggregates and packages from an event history.
		Recompute(records []*model.EventRecord) (*Snapshot, error)
	}

	Params struct {
		fx.In
		fxparams.Params
	}

	processorImpl struct {
		logger   *zap.Logger
		handlers map[parser.EventType]handlerFn
	}
)

var _ Processor = (*processorImpl)(nil)

func New(params Params) Processor {
	return &processorImpl{
		logger:   log.WithPackage(params.Logger),
		handlers: handlers,
	}
}

func (p *processorImpl) Apply(event *parser.DecodedEvent) (*model.EventRecord, []*model.AggregateDelta, error) {
	if event == nil {
		return nil, nil, xerrors.New("event is nil")
	}

	record, err := newRecord(event)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to create record of %v: %w", event.Type, err)
	}

	handler, ok := p.handlers[event.Type]
	if !ok {
		p.logger.Warn(
			"no handler for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("tx_hash", event.Meta.TxHash),
		)
		return record, nil, nil
	}

	deltas, err := handler(newFieldReader(event), record)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to process %v (tx=%v, index=%v): %w", event.Type, event.Meta.TxHash, event.Meta.LogIndex, err)
	}

	return record, deltas, nil
}

func newRecord(event *parser.DecodedEvent) (*model.EventRecord, error) {
	payload, err := json.Marshal(event.Fields)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal payload: %w", err)
	}

	record := &model.EventRecord{
		EventType:   string(event.Type),
		Subject:     utils.ZeroAddress,
		Amount:      model.ZeroAmount,
		TxHash:      event.Meta.TxHash,
		BlockNumber: event.Meta.BlockNumber,
		LogIndex:    event.Meta.LogIndex,
		Payload:     payload,
	}
	if event.Meta.BlockTimestamp > 0 {
		record.Timestamp = utils.ToTimestamp(event.Meta.BlockTimestamp)
	} else if seconds, ok := event.Fields["timestamp"].(uint64); ok {
		// Fall back to the time reported by the contract.
		record.Timestamp = utils.ToTimestamp(seconds)
	}

	// Events without a handler still get a subject when they carry a user.
	if user, ok := event.Fields["user"].(string); ok {
		record.Subject = user
	}

	return record, nil
}

// EventFromRecord rebuilds the decoded event a record was derived from.
func EventFromRecord(record *model.EventRecord) (*parser.DecodedEvent, error) {
	eventType := parser.EventType(record.EventType)
	fields, err := decodePayload(eventType, record.Payload)
	if err != nil {
		return nil, xerrors.Errorf("invalid payload of %v (tx=%v, index=%v): %w", eventType, record.TxHash, record.LogIndex, err)
	}

	event := &parser.DecodedEvent{
		Type: eventType,
		Meta: parser.LogMeta{
			TxHash:      record.TxHash,
			BlockNumber: record.BlockNumber,
			LogIndex:    record.LogIndex,
		},
		Fields: fields,
	}
	if !record.Timestamp.IsZero() {
		event.Meta.BlockTimestamp = uint64(record.Timestamp.Unix())
	}

	return event, nil
}

func decodePayload(eventType parser.EventType, payload json.RawMessage) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(payload) == 0 {
		return fields, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal payload: %w", err)
	}

	for name, value := range raw {
		kind, ok := parser.FieldKindOf(eventType, name)
		if ok && kind != parser.KindRaw && kind != parser.KindMonetary {
			var v uint64
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, xerrors.Errorf("field %v is not an integer: %w", name, err)
			}
			fields[name] = v
			continue
		}

		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, xerrors.Errorf("failed to unmarshal field %v: %w", name, err)
		}

		if items, ok := v.([]interface{}); ok {
			values := make([]string, 0, len(items))
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return nil, xerrors.Errorf("field %v contains a non-string item", name)
				}
				values = append(values, s)
			}
			fields[name] = values
			continue
		}

		fields[name] = v
	}

	return fields, nil
}
