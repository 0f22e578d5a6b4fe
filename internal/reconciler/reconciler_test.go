package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarttasks/internal/classifier"
	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/internal/worker"
)

type sliceQueue struct {
	cap int
	ids []string
}

func (q *sliceQueue) TryEnqueue(id string) bool {
	if len(q.ids) >= q.cap {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func seed(t *testing.T, repo *repository.TaskRepository, ids ...string) {
	t.Helper()
	base := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	for i, id := range ids {
		require.NoError(t, repo.Insert(context.Background(), &model.TaskDocument{
			EmailID:   id,
			Subject:   "s",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestPassQueuesOldestFirstAndDropsWhenFull(t *testing.T) {
	mem := docstore.NewMemory()
	repo := repository.NewTaskRepository(mem)
	seed(t, repo, "c", "a", "b")

	q := &sliceQueue{cap: 2}
	r := New(Config{BatchSize: 10}, repo, q, zap.NewNop())
	stats, err := r.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a"}, q.ids)
	assert.Equal(t, Stats{Scanned: 3, Queued: 2, Dropped: 1}, stats)

	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ctrl.LastReconcileAt)
}

func TestPassSweepsExpiredLeases(t *testing.T) {
	mem := docstore.NewMemory()
	repo := repository.NewTaskRepository(mem)
	seed(t, repo, "stale", "live")

	now := time.Now()
	ok, err := repo.Claim(context.Background(), "stale", "dead-worker", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Claim(context.Background(), "live", "busy-worker", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(Config{Lease: time.Minute}, repo, &sliceQueue{cap: 10}, zap.NewNop())
	stats, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Swept)

	stale, err := repo.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Nil(t, stale.ClaimedAt)
	live, err := repo.Get(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, "busy-worker", live.ClaimOwner)
}

// 不依赖变更流也能收敛
func TestConvergesWithoutFeed(t *testing.T) {
	mem := docstore.NewMemory()
	repo := repository.NewTaskRepository(mem)
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("m%02d", i))
	}
	seed(t, repo, ids...)

	calls := 0
	flaky := classifier.Func(func(_ context.Context, in classifier.Input) (classifier.Result, error) {
		calls++
		if calls%4 == 0 {
			return classifier.Result{}, fmt.Errorf("%w: rejected", classifier.ErrInvalidInput)
		}
		return classifier.Result{HasTask: true, Task: in.Subject, Urgency: model.NotUrgent}, nil
	})
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 5, MaxAttempts: 1, RetryBase: time.Millisecond}, repo, flaky, zap.NewNop())
	r := New(Config{BatchSize: 5}, repo, pool, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		if _, err := r.Pass(ctx); err != nil {
			return false
		}
		left, err := repo.ListUnprocessed(ctx, 100)
		return err == nil && len(left) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFailingDocumentsDoNotStarveNewerOnes(t *testing.T) {
	mem := docstore.NewMemory()
	var tick atomic.Int64
	base := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) })
	repo := repository.NewTaskRepository(mem)
	seed(t, repo, "p0", "p1", "p2")
	require.NoError(t, repo.Insert(context.Background(), &model.TaskDocument{
		EmailID: "good", Subject: "Send the report", CreatedAt: base.Add(time.Hour),
	}))

	cls := classifier.Func(func(_ context.Context, in classifier.Input) (classifier.Result, error) {
		if in.Subject == "s" {
			return classifier.Result{}, fmt.Errorf("%w: unreadable", classifier.ErrInvalidInput)
		}
		return classifier.Result{HasTask: true, Task: in.Subject, Urgency: model.NotUrgent}, nil
	})
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 3, MaxAttempts: 1, RetryBase: time.Millisecond}, repo, cls, zap.NewNop())
	r := New(Config{BatchSize: 3}, repo, pool, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		if _, err := r.Pass(ctx); err != nil {
			return false
		}
		doc, err := repo.Get(ctx, "good")
		return err == nil && doc.Processed
	}, 5*time.Second, 20*time.Millisecond)

	left, err := repo.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 3, "failing documents stay unprocessed")
}
