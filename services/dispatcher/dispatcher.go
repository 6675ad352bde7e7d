package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/lease"
	"agent-provisioner/pkg/metrics"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/ledger"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	reasonCancelled = "cancelled"
	reasonStopped   = "dispatcher stopped"
	reasonRestart   = "interrupted by restart"
)

// Executor runs one pipeline request against one host.
type Executor interface {
	Execute(ctx context.Context, taskID string, req pipeline.Request) (pipeline.Outcome, error)
}

// Lease gates queue polling when several processes share one database.
// *lease.Lease satisfies it; a nil *lease.Lease always holds.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	KeepAlive(ctx context.Context) (stop func())
	Release(ctx context.Context) error
}

// Dispatcher drains the queue one task at a time and fans each task out over
// a bounded pool of host workers.
type Dispatcher struct {
	queue    *queue.Service
	batches  *batch.Service
	ledger   *ledger.Service
	executor Executor
	lease    Lease
	metrics  *metrics.Metrics

	// slots bounds hosts in flight across task runs, including workers a
	// cancelled run stopped waiting for.
	slots *semaphore.Weighted
	// leading is set while this process holds the lease and has recovered
	// the tasks a previous holder left running.
	leading atomic.Bool

	concurrency  int
	pollInterval time.Duration
	cancelPoll   time.Duration
	inventoryURL string
	newTaskID    func() string

	stop context.CancelFunc
	wg   sync.WaitGroup
}

type Params struct {
	fx.In
	Config   *config.Config
	Queue    *queue.Service
	Batches  *batch.Service
	Ledger   *ledger.Service
	Executor Executor
	Metrics  *metrics.Metrics
	Lease    *lease.Lease `optional:"true"`
}

func New(p Params) *Dispatcher {
	d := &Dispatcher{
		queue:        p.Queue,
		batches:      p.Batches,
		ledger:       p.Ledger,
		executor:     p.Executor,
		lease:        p.Lease,
		metrics:      p.Metrics,
		concurrency:  p.Config.Dispatcher.Concurrency,
		pollInterval: p.Config.Dispatcher.PollInterval,
		cancelPoll:   p.Config.Dispatcher.CancelPollInterval,
		inventoryURL: p.Config.Inventory.URL,
		newTaskID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	d.slots = semaphore.NewWeighted(int64(d.concurrency))
	if d.pollInterval <= 0 {
		d.pollInterval = 2 * time.Second
	}
	if d.cancelPoll <= 0 {
		d.cancelPoll = time.Second
	}
	return d
}

// Start launches the polling loop. Tasks a previous process left running are
// recovered once this process holds the lease.
func (d *Dispatcher) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(loopCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current task to be finalized.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if rerr := d.lease.Release(context.WithoutCancel(ctx)); rerr != nil {
		zap.L().Warn("[Dispatcher] failed to release lease", zap.Error(rerr))
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context) {
	zap.L().Info("[Dispatcher] started",
		zap.Int("concurrency", d.concurrency),
		zap.Duration("poll_interval", d.pollInterval),
	)

	for {
		processed, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("[Dispatcher] poll failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			zap.L().Warn("[Dispatcher] stopped")
			return
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			zap.L().Warn("[Dispatcher] stopped")
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// RunOnce processes the oldest pending task, if any, and reports whether it
// found one. It does nothing while another process holds the lease.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	held, err := d.lease.Acquire(ctx)
	if err != nil {
		d.leading.Store(false)
		return false, err
	}
	if !held {
		d.leading.Store(false)
		return false, nil
	}
	if !d.leading.Load() {
		if err := d.recoverInterrupted(ctx); err != nil {
			return false, err
		}
		d.leading.Store(true)
	}

	task, err := d.queue.NextPending(ctx)
	if err != nil || task == nil {
		return false, err
	}

	stopKeepAlive := d.lease.KeepAlive(ctx)
	defer stopKeepAlive()

	d.process(ctx, task)
	return true, nil
}

// recoverInterrupted fails running tasks on taking the lease. The loop is
// serial, so none of them belongs to this process.
func (d *Dispatcher) recoverInterrupted(ctx context.Context) error {
	n, err := d.queue.RecoverInterrupted(ctx, reasonRestart)
	if err != nil {
		return err
	}
	if n > 0 {
		zap.L().Warn("[Dispatcher] recovered interrupted tasks", zap.Int64("count", n))
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, task *queue.Task) {
	log := zap.L().With(zap.String("queue_id", task.ID), zap.String("batch_id", task.BatchID))

	cancelled, err := d.queue.IsCancelled(ctx, task.ID)
	if err != nil {
		log.Error("[Dispatcher] failed to read task status", zap.Error(err))
		return
	}
	if cancelled {
		d.finish(ctx, task.ID, queue.StatusCancelled, "cancelled before start")
		return
	}

	started, err := d.queue.Start(ctx, task.ID)
	if err != nil {
		log.Error("[Dispatcher] failed to start task", zap.Error(err))
		return
	}
	if !started {
		log.Info("[Dispatcher] task left pending state before start")
		return
	}

	log.Info("[Dispatcher] task started", zap.String("action", string(task.Action)))
	start := time.Now()

	status, msg := d.runTask(ctx, task)
	d.finish(ctx, task.ID, status, msg)

	log.Info("[Dispatcher] task finished",
		zap.String("status", string(status)),
		zap.String("error", msg),
		zap.Duration("took", time.Since(start)),
	)
}

func (d *Dispatcher) finish(ctx context.Context, id string, status queue.Status, msg string) {
	if err := d.queue.Finish(context.WithoutCancel(ctx), id, status, msg); err != nil {
		zap.L().Error("[Dispatcher] failed to finish task", zap.String("queue_id", id), zap.Error(err))
		return
	}
	d.metrics.QueueTaskFinished(string(status))
}

func (d *Dispatcher) runTask(ctx context.Context, task *queue.Task) (status queue.Status, msg string) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("[Dispatcher] task panicked", zap.String("queue_id", task.ID), zap.Any("panic", rec))
			status, msg = queue.StatusFailed, fmt.Sprintf("dispatcher panic: %v", rec)
		}
	}()

	b, err := d.batches.Get(ctx, task.BatchID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return queue.StatusFailed, "batch not found"
	}
	if err != nil {
		return queue.StatusFailed, errutil.Message(err)
	}

	hosts, missing := selectHosts(b.Hosts, task.ItemIDs)
	if len(missing) > 0 {
		zap.L().Warn("[Dispatcher] selected items not in batch",
			zap.String("queue_id", task.ID),
			zap.Int64s("item_ids", missing),
		)
	}

	r := &taskRun{
		d:       d,
		task:    task,
		payload: task.Payload.Data(),
		hosts:   hosts,
		done:    make(map[int64]bool, len(hosts)),
		taskIDs: make(map[int64]string, len(hosts)),
	}
	return r.execute(ctx)
}
