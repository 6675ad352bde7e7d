package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backfiller stores a discovered inventory host id on the batch host list.
type Backfiller interface {
	SetHostID(ctx context.Context, batchID string, itemID int64, hostID string) error
}

type Service struct {
	db       *gorm.DB
	backfill Backfiller
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Backfill Backfiller `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		backfill: p.Backfill,
		now:      time.Now,
	}
}

// stamp hands out strictly increasing timestamps so that two rows for the
// same item never tie, even when the clock does not move between calls.
func (s *Service) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	return ts
}

// Record appends rows for the batch. Rows carrying an inventory host id are
// then backfilled into the batch host list; backfill failures are only logged.
func (s *Service) Record(ctx context.Context, batchID string, rows []ResultRow) error {
	if len(rows) == 0 {
		return nil
	}

	ts := s.stamp()
	for i := range rows {
		rows[i].ID = 0
		rows[i].BatchID = batchID
		rows[i].RecordedAt = ts
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		zap.L().Error("[Ledger] failed to record results", zap.String("batch_id", batchID), zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}

	s.backfillHostIDs(ctx, batchID, rows)
	return nil
}

func (s *Service) backfillHostIDs(ctx context.Context, batchID string, rows []ResultRow) {
	if s.backfill == nil {
		return
	}
	for _, row := range rows {
		if row.InventoryHostID == nil || *row.InventoryHostID == "" {
			continue
		}
		if err := s.backfill.SetHostID(ctx, batchID, row.ItemID, *row.InventoryHostID); err != nil {
			zap.L().Warn("[Ledger] host id backfill failed",
				zap.String("batch_id", batchID),
				zap.Int64("item_id", row.ItemID),
				zap.String("host_id", *row.InventoryHostID),
				zap.Error(err),
			)
		}
	}
}

// Latest returns one row per item, the one with the greatest timestamp (ties
// broken by insertion order), ordered by item id. A non-empty itemIDs narrows
// the result to those items.
func (s *Service) Latest(ctx context.Context, batchID string, itemIDs []int64) ([]ResultRow, error) {
	q := s.db.WithContext(ctx).
		Where("r.batch_id = ?", batchID).
		Where(`NOT EXISTS (
			SELECT 1 FROM result_rows n
			WHERE n.batch_id = r.batch_id AND n.item_id = r.item_id
			AND (n.recorded_at > r.recorded_at OR (n.recorded_at = r.recorded_at AND n.id > r.id)))`)
	if len(itemIDs) > 0 {
		q = q.Where("r.item_id IN ?", itemIDs)
	}

	var rows []ResultRow
	if err := q.Table("result_rows AS r").Order("r.item_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// History returns every row for one item in recording order.
func (s *Service) History(ctx context.Context, batchID string, itemID int64) ([]ResultRow, error) {
	var rows []ResultRow
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND item_id = ?", batchID, itemID).
		Order("recorded_at ASC").Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteBatch removes every row of the batch inside tx.
func DeleteBatch(tx *gorm.DB, batchID string) error {
	return tx.Where("batch_id = ?", batchID).Delete(&ResultRow{}).Error
}
