package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
)

func TestEveryCadence(t *testing.T) {
	c := Every(2 * time.Minute)
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(2*time.Minute), c.Next(now))

	recent := now.Add(-time.Minute)
	old := now.Add(-3 * time.Minute)
	assert.False(t, c.Missed(&recent, now))
	assert.True(t, c.Missed(&old, now))
	assert.True(t, c.Missed(nil, now))
}

func TestDailyCadence(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	c, err := DailyAt("09:00", loc)
	require.NoError(t, err)

	before := time.Date(2024, 5, 6, 8, 59, 0, 0, loc)
	at := time.Date(2024, 5, 6, 9, 0, 0, 0, loc)
	after := time.Date(2024, 5, 6, 23, 30, 0, 0, loc)

	assert.Equal(t, at, c.Next(before))
	assert.Equal(t, at.AddDate(0, 0, 1), c.Next(at), "strictly after")
	assert.Equal(t, at.AddDate(0, 0, 1), c.Next(after))
	assert.Equal(t, at, c.Next(time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)), "evaluated in the cadence zone")

	yesterday := at.AddDate(0, 0, -1)
	assert.True(t, c.Missed(&yesterday, after), "today's 09:00 run is missing")
	assert.False(t, c.Missed(&yesterday, before), "today's slot has not come yet")
	assert.False(t, c.Missed(&at, after))

	_, err = DailyAt("9am", loc)
	assert.Error(t, err)
}

type fakeWorkers struct {
	starts, stops atomic.Int32
}

func (f *fakeWorkers) Start(context.Context) { f.starts.Add(1) }
func (f *fakeWorkers) Stop()                 { f.stops.Add(1) }

type blockingListener struct{ runs atomic.Int32 }

func (l *blockingListener) Run(ctx context.Context) error {
	l.runs.Add(1)
	<-ctx.Done()
	return nil
}

func TestSetTriggeredPersistsThenStartsAndStops(t *testing.T) {
	repo := repository.NewTaskRepository(docstore.NewMemory())
	workers := &fakeWorkers{}
	listener := &blockingListener{}
	o := New(repo, workers, zap.NewNop())
	o.SetListener(listener)
	require.NoError(t, o.Init(context.Background()))
	assert.False(t, o.Running())

	require.NoError(t, o.SetTriggered(context.Background(), true))
	assert.True(t, o.Running())
	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.True(t, ctrl.Triggered)
	require.Eventually(t, func() bool { return listener.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// 重复触发不会再次启动
	require.NoError(t, o.SetTriggered(context.Background(), true))
	assert.Equal(t, int32(1), workers.starts.Load())

	require.NoError(t, o.SetTriggered(context.Background(), false))
	assert.False(t, o.Running())
	assert.Equal(t, int32(1), workers.stops.Load())
	ctrl, err = repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.False(t, ctrl.Triggered)
}

type recordingWorkers struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingWorkers) Start(context.Context) { r.record("start") }
func (r *recordingWorkers) Stop()                 { r.record("stop") }

func (r *recordingWorkers) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingWorkers) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestRetriggerWhileStoppingWaitsForPreviousRun(t *testing.T) {
	repo := repository.NewTaskRepository(docstore.NewMemory())
	workers := &recordingWorkers{}
	o := New(repo, workers, zap.NewNop())

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	o.AddJob(Job{Name: "slow", Cadence: Every(5 * time.Millisecond), Run: func(context.Context) error {
		if runs.Add(1) == 1 {
			close(entered)
			// 忽略取消，模拟仍在进行的存储写入
			<-release
		}
		return nil
	}})

	require.NoError(t, o.Init(context.Background()))
	require.NoError(t, o.SetTriggered(context.Background(), true))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- o.SetTriggered(context.Background(), false) }()
	require.Eventually(t, func() bool { return !o.Running() }, time.Second, time.Millisecond)

	started := make(chan error, 1)
	go func() { started <- o.SetTriggered(context.Background(), true) }()

	select {
	case <-started:
		t.Fatal("restart finished while the previous run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	for _, ch := range []chan error{stopped, started} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("toggling triggered did not return")
		}
	}

	assert.True(t, o.Running())
	assert.Equal(t, []string{"start", "stop", "start"}, workers.Calls())
	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.True(t, ctrl.Triggered)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond, "new generation schedules jobs")

	done := make(chan struct{})
	go func() { o.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, []string{"start", "stop", "start", "stop"}, workers.Calls())
}

func TestInitStartsWhenTriggered(t *testing.T) {
	repo := repository.NewTaskRepository(docstore.NewMemory())
	require.NoError(t, repo.UpdateControl(context.Background(), docstore.Update{model.ControlTriggered: true}))
	workers := &fakeWorkers{}
	o := New(repo, workers, zap.NewNop())

	require.NoError(t, o.Init(context.Background()))
	defer o.Stop()
	assert.True(t, o.Running())
	assert.Equal(t, int32(1), workers.starts.Load())
}

func TestJobsAreIsolated(t *testing.T) {
	repo := repository.NewTaskRepository(docstore.NewMemory())
	o := New(repo, &fakeWorkers{}, zap.NewNop())

	var healthy, failing, panicking atomic.Int32
	o.AddJob(Job{Name: "panics", Cadence: Every(5 * time.Millisecond), Run: func(context.Context) error {
		panicking.Add(1)
		panic("boom")
	}})
	o.AddJob(Job{Name: "fails", Cadence: Every(5 * time.Millisecond), Run: func(context.Context) error {
		failing.Add(1)
		return errors.New("store unavailable")
	}})
	o.AddJob(Job{Name: "healthy", Cadence: Every(5 * time.Millisecond), Run: func(context.Context) error {
		healthy.Add(1)
		return nil
	}})

	require.NoError(t, o.Init(context.Background()))
	require.NoError(t, o.SetTriggered(context.Background(), true))
	defer o.Stop()

	require.Eventually(t, func() bool {
		return healthy.Load() >= 3 && failing.Load() >= 3 && panicking.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMissedDailyRunCatchesUp(t *testing.T) {
	repo := repository.NewTaskRepository(docstore.NewMemory())
	lastDigest := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)
	lastReprocess := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateControl(context.Background(), docstore.Update{
		model.ControlTriggered:       true,
		model.ControlLastDigestAt:    lastDigest,
		model.ControlLastReprocessAt: lastReprocess,
	}))

	digestAt, err := DailyAt("09:00", time.UTC)
	require.NoError(t, err)
	reprocessAt, err := DailyAt("00:00", time.UTC)
	require.NoError(t, err)

	var digests, reprocesses atomic.Int32
	o := New(repo, &fakeWorkers{}, zap.NewNop())
	o.now = func() time.Time { return time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC) }
	o.AddJob(Job{
		Name: "digest", Cadence: digestAt,
		Run:       func(context.Context) error { digests.Add(1); return nil },
		Watermark: func(c *model.ControlRecord) *time.Time { return c.LastDigestAt },
	})
	o.AddJob(Job{
		Name: "reprocess", Cadence: reprocessAt,
		Run:       func(context.Context) error { reprocesses.Add(1); return nil },
		Watermark: func(c *model.ControlRecord) *time.Time { return c.LastReprocessAt },
	})

	require.NoError(t, o.Init(context.Background()))
	defer o.Stop()

	require.Eventually(t, func() bool { return digests.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, reprocesses.Load())
}

func TestPruneChanges(t *testing.T) {
	mem := docstore.NewMemory()
	repo := repository.NewTaskRepository(mem)
	require.NoError(t, repo.Insert(context.Background(), &model.TaskDocument{EmailID: "a"}))

	require.NoError(t, PruneChanges(mem, time.Hour, zap.NewNop())(context.Background()))
	assert.Len(t, mem.Changes(), 1, "recent changes are kept")

	require.NoError(t, PruneChanges(mem, -time.Hour, zap.NewNop())(context.Background()))
	assert.Empty(t, mem.Changes())
	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ctrl.FeedHorizon)
}
