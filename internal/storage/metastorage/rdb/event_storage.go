package rdb

import (
	"context"

	"github.com/uber-go/tally/v4"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	storageerrors "github.com/coinbase/chainmirror/internal/storage/internal/errors"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	eventStorageImpl struct {
		db                            *gorm.DB
		instrumentAppendEvent         instrument.InstrumentWithResult[bool]
		instrumentListEvents          instrument.Instrument
		instrumentListEventsByUser    instrument.Instrument
		instrumentGetEventsSummary    instrument.InstrumentWithResult[*model.EventsSummary]
		instrumentGetLatestEventBlock instrument.Instrument
		instrumentIterateEvents       instrument.Instrument
	}

	eventTypeCount struct {
		EventType string
		Count     int64
	}

	blockBounds struct {
		FirstBlock uint64
		LastBlock  uint64
	}
)

const (
	defaultIterateBatchSize = 1000
)

func newEventStorage(db *gorm.DB, metrics tally.Scope) *eventStorageImpl {
	return &eventStorageImpl{
		db:                            db,
		instrumentAppendEvent:         instrument.NewWithResult[bool](metrics, "append_event"),
		instrumentListEvents:          instrument.New(metrics, "list_events"),
		instrumentListEventsByUser:    instrument.New(metrics, "list_events_by_user"),
		instrumentGetEventsSummary:    instrument.NewWithResult[*model.EventsSummary](metrics, "get_events_summary"),
		instrumentGetLatestEventBlock: instrument.New(metrics, "get_latest_event_block"),
		instrumentIterateEvents:       instrument.New(metrics, "iterate_events"),
	}
}

func (s *eventStorageImpl) AppendEvent(ctx context.Context, record *model.EventRecord) (bool, error) {
	return s.instrumentAppendEvent.Instrument(ctx, func(ctx context.Context) (bool, error) {
		return appendEvent(s.db.WithContext(ctx), record)
	})
}

// appendEvent inserts the record unless its natural key exists and reports whether a row was inserted.
func appendEvent(db *gorm.DB, record *model.EventRecord) (bool, error) {
	if err := validateEventRecord(record); err != nil {
		return false, err
	}

	row := newEventRow(record)
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return false, xerrors.Errorf("failed to append event (tx=%v, index=%v): %w", record.TxHash, record.LogIndex, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func validateEventRecord(record *model.EventRecord) error {
	if record == nil {
		return xerrors.Errorf("record is nil: %w", storageerrors.ErrInvalidArgument)
	}
	if record.EventType == "" {
		return xerrors.Errorf("record has no event type: %w", storageerrors.ErrInvalidArgument)
	}
	if record.TxHash == "" {
		return xerrors.Errorf("record has no tx hash: %w", storageerrors.ErrInvalidArgument)
	}
	if record.Subject == "" {
		return xerrors.Errorf("record has no subject: %w", storageerrors.ErrInvalidArgument)
	}
	return nil
}

func (s *eventStorageImpl) ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.EventRecord, int64, error) {
	var records []*model.EventRecord
	var total int64
	err := s.instrumentListEvents.Instrument(ctx, func(ctx context.Context) error {
		if filter.FromBlock != nil && filter.ToBlock != nil && *filter.FromBlock > *filter.ToBlock {
			return xerrors.Errorf("from_block %v is after to_block %v: %w", *filter.FromBlock, *filter.ToBlock, storageerrors.ErrInvalidArgument)
		}

		query := func() *gorm.DB {
			db := s.db.WithContext(ctx).Model(&eventRow{})
			if filter.EventType != "" {
				db = db.Where("event_type = ?", filter.EventType)
			}
			if filter.FromBlock != nil {
				db = db.Where("block_number >= ?", *filter.FromBlock)
			}
			if filter.ToBlock != nil {
				db = db.Where("block_number <= ?", *filter.ToBlock)
			}
			return db
		}

		var err error
		records, total, err = findEventPage(query, filter.Page)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (s *eventStorageImpl) ListEventsByUser(ctx context.Context, address string, page model.Page) ([]*model.EventRecord, int64, error) {
	var records []*model.EventRecord
	var total int64
	err := s.instrumentListEventsByUser.Instrument(ctx, func(ctx context.Context) error {
		normalized, err := utils.NormalizeAddress(address)
		if err != nil {
			return xerrors.Errorf("%v: %w", err, storageerrors.ErrInvalidArgument)
		}

		query := func() *gorm.DB {
			return s.db.WithContext(ctx).
				Model(&eventRow{}).
				Where("subject = ? OR counterparty = ?", normalized, normalized)
		}

		records, total, err = findEventPage(query, page)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// findEventPage returns one page of events, newest first, along with the total count.
func findEventPage(query func() *gorm.DB, page model.Page) ([]*model.EventRecord, int64, error) {
	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, xerrors.Errorf("failed to count events: %w", err)
	}

	var rows []*eventRow
	if err := query().
		Order("block_number DESC").
		Order("log_index DESC").
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&rows).Error; err != nil {
		return nil, 0, xerrors.Errorf("failed to list events: %w", err)
	}

	records := make([]*model.EventRecord, len(rows))
	for i, row := range rows {
		records[i] = row.toModel()
	}
	return records, total, nil
}

func (s *eventStorageImpl) GetEventsSummary(ctx context.Context) (*model.EventsSummary, error) {
	return s.instrumentGetEventsSummary.Instrument(ctx, func(ctx context.Context) (*model.EventsSummary, error) {
		db := s.db.WithContext(ctx)
		summary := &model.EventsSummary{
			CountByType: make(map[string]int64),
		}

		var counts []eventTypeCount
		if err := db.Model(&eventRow{}).
			Select("event_type, COUNT(*) AS count").
			Group("event_type").
			Scan(&counts).Error; err != nil {
			return nil, xerrors.Errorf("failed to count events by type: %w", err)
		}
		for _, c := range counts {
			summary.CountByType[c.EventType] = c.Count
			summary.TotalEvents += c.Count
		}
		if summary.TotalEvents == 0 {
			return summary, nil
		}

		if err := db.Model(&eventRow{}).
			Where("subject <> ?", utils.ZeroAddress).
			Distinct("subject").
			Count(&summary.DistinctUsers).Error; err != nil {
			return nil, xerrors.Errorf("failed to count distinct users: %w", err)
		}

		var bounds blockBounds
		if err := db.Model(&eventRow{}).
			Select("MIN(block_number) AS first_block, MAX(block_number) AS last_block").
			Scan(&bounds).Error; err != nil {
			return nil, xerrors.Errorf("failed to get block bounds: %w", err)
		}
		summary.FirstBlock = bounds.FirstBlock
		summary.LastBlock = bounds.LastBlock
		return summary, nil
	})
}

func (s *eventStorageImpl) GetLatestEventBlock(ctx context.Context) (uint64, bool, error) {
	var block uint64
	var found bool
	err := s.instrumentGetLatestEventBlock.Instrument(ctx, func(ctx context.Context) error {
		var rows []*eventRow
		if err := s.db.WithContext(ctx).
			Select("block_number").
			Order("block_number DESC").
			Limit(1).
			Find(&rows).Error; err != nil {
			return xerrors.Errorf("failed to get latest event block: %w", err)
		}
		if len(rows) > 0 {
			block = rows[0].BlockNumber
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return block, found, nil
}

func (s *eventStorageImpl) IterateEvents(ctx context.Context, batchSize int, fn func(records []*model.EventRecord) error) error {
	if batchSize <= 0 {
		batchSize = defaultIterateBatchSize
	}

	return s.instrumentIterateEvents.Instrument(ctx, func(ctx context.Context) error {
		var rows []*eventRow
		result := s.db.WithContext(ctx).FindInBatches(&rows, batchSize, func(tx *gorm.DB, batch int) error {
			records := make([]*model.EventRecord, len(rows))
			for i, row := range rows {
				records[i] = row.toModel()
			}
			if err := fn(records); err != nil {
				return xerrors.Errorf("failed to process batch %v: %w", batch, err)
			}
			return nil
		})
		if result.Error != nil {
			return xerrors.Errorf("failed to iterate events: %w", result.Error)
		}
		return nil
	})
}
