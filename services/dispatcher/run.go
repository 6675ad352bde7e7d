package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/ledger"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// taskRun is one task fanned out over its hosts.
//
// Ledger writes for the task happen under mu. Once abandoned is set, or the
// dispatcher context is done, no worker writes again, so the rows written by
// abandon stay the latest rows for every host that had not finished.
type taskRun struct {
	d       *Dispatcher
	task    *queue.Task
	payload queue.Payload
	hosts   []batch.Host

	mu        sync.Mutex
	abandoned bool
	done      map[int64]bool
	taskIDs   map[int64]string
}

func (r *taskRun) execute(ctx context.Context) (queue.Status, string) {
	if len(r.hosts) == 0 {
		return queue.StatusDone, ""
	}

	submitCtx, cancelSubmit := context.WithCancel(ctx)
	defer cancelSubmit()

	finished := make(chan struct{}, len(r.hosts))
	go func() {
		g := new(errgroup.Group)
		for _, h := range r.hosts {
			if err := r.d.slots.Acquire(submitCtx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer r.d.slots.Release(1)
				defer func() { finished <- struct{}{} }()
				r.runHost(ctx, h)
				return nil
			})
		}
		_ = g.Wait()
	}()

	ticker := time.NewTicker(r.d.cancelPoll)
	defer ticker.Stop()

	for remaining := len(r.hosts); remaining > 0; {
		select {
		case <-finished:
			remaining--
		case <-ticker.C:
			cancelled, err := r.d.queue.IsCancelled(ctx, r.task.ID)
			if err != nil {
				zap.L().Warn("[Dispatcher] failed to poll cancellation", zap.String("queue_id", r.task.ID), zap.Error(err))
				continue
			}
			if cancelled {
				cancelSubmit()
				r.abandon(ctx, reasonCancelled)
				return queue.StatusCancelled, "cancelled by user"
			}
		case <-ctx.Done():
			cancelSubmit()
			r.abandon(context.WithoutCancel(ctx), reasonStopped)
			return queue.StatusFailed, reasonStopped
		}
	}

	if ctx.Err() != nil {
		r.abandon(context.WithoutCancel(ctx), reasonStopped)
		return queue.StatusFailed, reasonStopped
	}
	return queue.StatusDone, ""
}

// runHost claims a ledger row for the host, runs it and records the outcome.
// The whole body holds one dispatcher slot.
func (r *taskRun) runHost(ctx context.Context, h batch.Host) {
	taskID, ok := r.begin(ctx, h)
	if !ok {
		return
	}

	req := buildRequest(r.task.Action, h, r.payload)
	out, err := r.executeHost(ctx, taskID, req)

	row := ledger.ResultRow{
		ItemID:       h.ItemID,
		Address:      h.Address,
		Hostname:     out.Hostname,
		TaskID:       &taskID,
		Status:       ledger.StatusOK,
		InventoryURL: out.InventoryURL,
	}
	if out.InventoryHostID != "" {
		row.InventoryHostID = &out.InventoryHostID
	}
	if err != nil {
		msg := errutil.Message(err)
		row.Status = ledger.StatusFailed
		row.Error = &msg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned || ctx.Err() != nil {
		return
	}
	r.done[h.ItemID] = true
	if werr := r.d.ledger.Record(ctx, r.task.BatchID, []ledger.ResultRow{row}); werr != nil {
		zap.L().Error("[Dispatcher] failed to record host result", zap.Int64("item_id", h.ItemID), zap.Error(werr))
	}
	r.d.metrics.HostFinished(string(req.Action()), string(row.Status))
}

// begin writes the installing row. It reports false once the run was
// abandoned.
func (r *taskRun) begin(ctx context.Context, h batch.Host) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned || ctx.Err() != nil {
		return "", false
	}

	taskID := r.d.newTaskID()
	r.taskIDs[h.ItemID] = taskID

	row := ledger.ResultRow{
		ItemID:       h.ItemID,
		Address:      h.Address,
		Hostname:     h.Hostname,
		TaskID:       &taskID,
		Status:       ledger.StatusInstalling,
		InventoryURL: r.d.inventoryURL,
	}
	if err := r.d.ledger.Record(ctx, r.task.BatchID, []ledger.ResultRow{row}); err != nil {
		zap.L().Warn("[Dispatcher] failed to record installing row", zap.Int64("item_id", h.ItemID), zap.Error(err))
	}
	return taskID, true
}

func (r *taskRun) executeHost(ctx context.Context, taskID string, req pipeline.Request) (out pipeline.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("[Dispatcher] host execution panicked", zap.String("address", req.Address()), zap.Any("panic", rec))
			err = errutil.Internal(fmt.Sprintf("execution panic: %v", rec), nil)
		}
	}()
	return r.d.executor.Execute(ctx, taskID, req)
}

// abandon stops further ledger writes and marks every unfinished host failed
// with reason, reusing the task id of hosts that had already started.
func (r *taskRun) abandon(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = true

	var rows []ledger.ResultRow
	for _, h := range r.hosts {
		if r.done[h.ItemID] {
			continue
		}
		row := ledger.ResultRow{
			ItemID:       h.ItemID,
			Address:      h.Address,
			Hostname:     h.Hostname,
			Status:       ledger.StatusFailed,
			Error:        &reason,
			InventoryURL: r.d.inventoryURL,
		}
		if id, ok := r.taskIDs[h.ItemID]; ok {
			row.TaskID = &id
		}
		rows = append(rows, row)
		action := buildRequest(r.task.Action, h, r.payload).Action()
		r.d.metrics.HostFinished(string(action), string(ledger.StatusFailed))
	}

	if err := r.d.ledger.Record(ctx, r.task.BatchID, rows); err != nil {
		zap.L().Error("[Dispatcher] failed to record abandoned hosts",
			zap.String("queue_id", r.task.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
