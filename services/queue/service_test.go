package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Task{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(Params{DB: db, Node: node})
}

// steppedClock returns a clock that advances one second per call.
func steppedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestEnqueueRejectsSecondActiveTask(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)

	_, err = svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionUninstall})
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	started, err := svc.Start(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, started)

	_, err = svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	// other batches are independent
	_, err = svc.Enqueue(ctx, EnqueueParams{BatchID: "b2", Action: ActionInstall})
	require.NoError(t, err)
}

func TestEnqueueAllowedAfterTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, status := range []Status{StatusDone, StatusFailed, StatusCancelled} {
		task, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
		require.NoError(t, err)
		require.NoError(t, svc.Finish(ctx, task.ID, status, ""))
	}

	tasks, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestEnqueueConcurrentAdmitsOne(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errutil.Is(err, errutil.StatusConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, admitted)
	require.Equal(t, 9, conflicts)
}

func TestActiveBatchUniqueIndex(t *testing.T) {
	svc := newTestService(t)
	batch := "b1"

	require.NoError(t, svc.db.Create(&Task{ID: "1", BatchID: batch, ActiveBatch: &batch, Action: ActionInstall, Status: StatusPending}).Error)
	err := svc.db.Create(&Task{ID: "2", BatchID: batch, ActiveBatch: &batch, Action: ActionInstall, Status: StatusPending}).Error
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// terminal tasks carry NULL and never collide
	require.NoError(t, svc.db.Create(&Task{ID: "3", BatchID: batch, Action: ActionInstall, Status: StatusDone}).Error)
	require.NoError(t, svc.db.Create(&Task{ID: "4", BatchID: batch, Action: ActionInstall, Status: StatusFailed}).Error)
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueParams{Action: ActionInstall})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))

	_, err = svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: "reboot"})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}

func TestEnqueuePersistsPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	off := false
	task, err := svc.Enqueue(ctx, EnqueueParams{
		BatchID: "b1",
		ItemIDs: []int64{2, 3},
		Action:  ActionInstall,
		Payload: Payload{TemplateIDs: []string{"10001"}, RegisterServer: &off, JMXPort: 9999},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, []int64(got.ItemIDs))
	require.Equal(t, []string{"10001"}, got.Payload.Data().TemplateIDs)
	require.False(t, got.Payload.Data().ShouldRegister())
	require.Equal(t, 9999, got.Payload.Data().JMXPort)
	require.True(t, Payload{}.ShouldRegister())
}

func TestNextPendingIsFIFO(t *testing.T) {
	svc := newTestService(t)
	svc.now = steppedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	none, err := svc.NextPending(ctx)
	require.NoError(t, err)
	require.Nil(t, none)

	a, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "a", Action: ActionInstall})
	require.NoError(t, err)
	b, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b", Action: ActionInstall})
	require.NoError(t, err)

	next, err := svc.NextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID, next.ID)

	// reading does not claim
	again, err := svc.NextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)

	_, err = svc.Start(ctx, a.ID)
	require.NoError(t, err)

	next, err = svc.NextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID, next.ID)
}

func TestCancelPendingNeverRuns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := svc.Start(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, started)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Nil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	cancelled, err := svc.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	next, err := svc.NextPending(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)
	_, err = svc.Start(ctx, task.ID)
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Cancel(ctx, "missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestTransitionsAreMonotonic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)
	_, err = svc.Start(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, task.ID, StatusDone, ""))

	require.NoError(t, svc.Finish(ctx, task.ID, StatusFailed, "late"))
	started, err := svc.Start(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, started)
	ok, err := svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
	require.Empty(t, got.Error)

	require.Error(t, svc.Finish(ctx, task.ID, StatusRunning, ""))
}

func TestListActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "a", Action: ActionInstall})
	require.NoError(t, err)
	b, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b", Action: ActionUninstall})
	require.NoError(t, err)
	c, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "c", Action: ActionInstall})
	require.NoError(t, err)

	_, err = svc.Start(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, c.ID, StatusFailed, "boom"))

	tasks, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	ids := []string{tasks[0].ID, tasks[1].ID}
	require.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestRecoverInterrupted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)
	_, err = svc.Start(ctx, task.ID)
	require.NoError(t, err)
	pending, err := svc.Enqueue(ctx, EnqueueParams{BatchID: "b2", Action: ActionInstall})
	require.NoError(t, err)

	n, err := svc.RecoverInterrupted(ctx, "interrupted by restart")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "interrupted by restart", got.Error)

	got, err = svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	_, err = svc.Enqueue(ctx, EnqueueParams{BatchID: "b1", Action: ActionInstall})
	require.NoError(t, err)
}
