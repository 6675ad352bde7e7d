package batch

import (
	"context"
	"errors"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{db: p.DB, node: p.Node}
}

// Save stores a new batch. Hosts without an item id are numbered after the
// highest id present, so ids stay stable and unique within the batch.
func (s *Service) Save(ctx context.Context, name string, hosts []Host) (*Batch, error) {
	if len(hosts) == 0 {
		return nil, errutil.BadRequest("batch needs at least one host", nil)
	}

	var next int64
	seen := make(map[int64]bool, len(hosts))
	for _, h := range hosts {
		if h.Address == "" {
			return nil, errutil.ValidationFailed("host address is required", nil,
				errutil.WithDetails(errutil.Detail{Field: "hosts", Message: "entry without ip"}))
		}
		if h.ItemID == 0 {
			continue
		}
		if seen[h.ItemID] {
			return nil, errutil.ValidationFailed("duplicate item_id in batch", nil)
		}
		seen[h.ItemID] = true
		if h.ItemID > next {
			next = h.ItemID
		}
	}
	for i := range hosts {
		if hosts[i].ItemID == 0 {
			next++
			hosts[i].ItemID = next
		}
	}

	b := &Batch{
		ID:    s.node.Generate().String(),
		Name:  name,
		Hosts: hosts,
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}

	zap.L().Info("[Batch] batch saved", zap.String("batch_id", b.ID), zap.String("name", name), zap.Int("hosts", len(hosts)))
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("batch not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetByName returns the most recently saved batch with the given name.
func (s *Service) GetByName(ctx context.Context, name string) (*Batch, error) {
	var b Batch
	err := s.db.WithContext(ctx).Where("name = ?", name).Order("created_at DESC").Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("batch not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var batches []Batch
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&batches).Error; err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(batches))
	for _, b := range batches {
		out = append(out, Summary{ID: b.ID, Name: b.Name, HostCount: len(b.Hosts), CreatedAt: b.CreatedAt})
	}
	return out, nil
}

// SetHostID records the inventory host id of one item. Unknown items and
// unchanged ids are no-ops.
func (s *Service) SetHostID(ctx context.Context, batchID string, itemID int64, hostID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b Batch
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).Take(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("batch not found", nil)
		}
		if err != nil {
			return err
		}

		changed := false
		for i := range b.Hosts {
			if b.Hosts[i].ItemID == itemID && b.Hosts[i].InventoryHostID != hostID {
				b.Hosts[i].InventoryHostID = hostID
				changed = true
			}
		}
		if !changed {
			return nil
		}

		return tx.Model(&Batch{}).Where("id = ?", batchID).Update("hosts", b.Hosts).Error
	})
}

// Delete removes the batch together with its result rows.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Batch{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.NotFound("batch not found", nil)
		}
		return ledger.DeleteBatch(tx, id)
	})
}
