package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent-provisioner/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const cancelledByUser = "cancelled by user"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	// serializes the active-task check and insert within this process
	enqueueMu sync.Mutex
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  time.Now,
	}
}

type EnqueueParams struct {
	BatchID string
	ItemIDs []int64
	Action  Action
	Payload Payload
}

// Enqueue persists a pending task, rejecting it with a conflict when the
// batch already has a pending or running task.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*Task, error) {
	if p.BatchID == "" {
		return nil, errutil.BadRequest("batch_id is required", nil)
	}
	if !p.Action.Valid() {
		return nil, errutil.BadRequest("action must be install or uninstall", nil)
	}

	batchID := p.BatchID
	task := &Task{
		ID:          s.node.Generate().String(),
		BatchID:     batchID,
		ActiveBatch: &batchID,
		ItemIDs:     datatypes.JSONSlice[int64](p.ItemIDs),
		Action:      p.Action,
		Payload:     datatypes.NewJSONType(p.Payload),
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	if task.ItemIDs == nil {
		task.ItemIDs = datatypes.JSONSlice[int64]{}
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Task{}).
			Where("batch_id = ? AND status IN ?", batchID, activeStatuses).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return errutil.Conflict("batch already has an active queue task", nil)
		}
		return tx.Create(task).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = errutil.Conflict("batch already has an active queue task", err)
	}
	if err != nil {
		if !errutil.Is(err, errutil.StatusConflict) {
			zap.L().Error("[Queue] enqueue failed", zap.String("batch_id", batchID), zap.Error(err))
		}
		return nil, err
	}

	zap.L().Info("[Queue] task enqueued",
		zap.String("queue_id", task.ID),
		zap.String("batch_id", batchID),
		zap.String("action", string(task.Action)),
		zap.Int("items", len(p.ItemIDs)),
	)

	return task, nil
}

// NextPending returns the oldest pending task without claiming it, or nil.
func (s *Service) NextPending(ctx context.Context) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").Order("id ASC").
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Start moves a pending task to running. It reports false when the task was
// no longer pending.
func (s *Service) Start(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finish records a terminal status. Tasks that are already terminal are left
// untouched.
func (s *Service) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Terminal() {
		return errutil.BadRequest("finish requires a terminal status", nil)
	}

	_, err := s.finalize(ctx, id, status, errMsg)
	return err
}

// Cancel moves a pending or running task to cancelled. It reports false when
// the task had already reached a terminal state.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.finalize(ctx, id, StatusCancelled, cancelledByUser)
	if err != nil {
		return false, err
	}
	if ok {
		zap.L().Info("[Queue] task cancelled", zap.String("queue_id", id))
		return true, nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Service) finalize(ctx context.Context, id string, status Status, errMsg string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":       status,
			"error":        errMsg,
			"finished_at":  s.now(),
			"active_batch": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsCancelled is the cheap poll in-flight work uses to notice a cancel.
func (s *Service) IsCancelled(ctx context.Context, id string) (bool, error) {
	var task Task
	err := s.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, errutil.NotFound("queue task not found", nil)
	}
	if err != nil {
		return false, err
	}
	return task.Status == StatusCancelled, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("queue task not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListActive returns every pending or running task, oldest first.
func (s *Service) ListActive(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("created_at ASC").Order("id ASC").
		Find(&tasks).Error
	return tasks, err
}

// RecoverInterrupted fails tasks left running by a previous process so their
// batches accept new work.
func (s *Service) RecoverInterrupted(ctx context.Context, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("status = ?", StatusRunning).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        reason,
			"finished_at":  s.now(),
			"active_batch": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("[Queue] recovered interrupted tasks", zap.Int64("count", res.RowsAffected), zap.String("reason", reason))
	}
	return res.RowsAffected, nil
}
