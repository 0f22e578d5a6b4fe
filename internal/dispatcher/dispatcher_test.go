package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/notifier"
	"smarttasks/internal/repository"
)

const owner = "owner@example.com"

var nineAM = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, string, string, string) error {
	f.calls++
	return errors.New("smtp: 451 try later")
}

func urgent(id string) *model.TaskDocument {
	return &model.TaskDocument{EmailID: id, Processed: true, HasTask: true, Task: "task " + id, Urgency: model.Urgent}
}

func setup(t *testing.T, n notifier.Notifier, docs ...*model.TaskDocument) (*Dispatcher, *repository.TaskRepository) {
	t.Helper()
	mem := docstore.NewMemory()
	for _, d := range docs {
		require.NoError(t, mem.InsertOne(context.Background(), d))
	}
	repo := repository.NewTaskRepository(mem)
	d := New(Config{Recipient: owner, Location: time.UTC}, repo, n, nil, zap.NewNop())
	d.now = func() time.Time { return nineAM }
	return d, repo
}

func TestWindowStart(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	at := time.Date(2024, 5, 6, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), WindowStart(at, time.UTC))
	assert.Equal(t, time.Date(2024, 5, 7, 0, 0, 0, 0, tokyo), WindowStart(at, tokyo))
}

func TestDispatchSendsOnceAndStamps(t *testing.T) {
	log := notifier.NewLog(nil)
	notNow := urgent("quiet")
	notNow.Urgency = model.SomewhatUrgent
	done := urgent("done")
	done.Completed = true

	d, repo := setup(t, log, urgent("a"), urgent("b"), notNow, done)

	res, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.ElementsMatch(t, []string{"a", "b"}, res.EmailIDs)

	sent := log.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, owner, sent[0].Recipient)
	assert.Equal(t, notifier.DigestSubject, sent[0].Subject)
	assert.Contains(t, sent[0].Body, "task a")
	assert.NotContains(t, sent[0].Body, "task done")

	for _, id := range []string{"a", "b"} {
		doc, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, nineAM, *doc.NotifiedAt)
	}
	for _, id := range []string{"quiet", "done"} {
		doc, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, doc.NotifiedAt)
	}
	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nineAM, *ctrl.LastDigestAt)

	// 同一天再跑不会重复
	d.now = func() time.Time { return nineAM.Add(3 * time.Hour) }
	res, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Len(t, log.Sent(), 1)

	// 第二天再次提醒
	d.now = func() time.Time { return nineAM.Add(24 * time.Hour) }
	res, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.EmailIDs)
	assert.Len(t, log.Sent(), 2)
}

func TestDispatchSkipsCompletedAfterNotification(t *testing.T) {
	log := notifier.NewLog(nil)
	d, repo := setup(t, log, urgent("a"))

	_, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.SetCompleted(docstore.WithOrigin(context.Background(), docstore.OriginUser), "a", true))

	d.now = func() time.Time { return nineAM.Add(24 * time.Hour) }
	res, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Len(t, log.Sent(), 1)
}

func TestDispatchFailureStampsNothing(t *testing.T) {
	n := &failingNotifier{}
	d, repo := setup(t, n, urgent("a"))

	_, err := d.Dispatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n.calls)

	doc, err := repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, doc.NotifiedAt)
	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ctrl.LastDigestAt)
}

func TestDispatchRejectsInvalidRecipient(t *testing.T) {
	log := notifier.NewLog(nil)
	d, repo := setup(t, log, urgent("a"))
	d.cfg.Recipient = "owner at example"

	_, err := d.Dispatch(context.Background())
	require.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Empty(t, log.Sent())

	doc, err := repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, doc.NotifiedAt)
}

func TestDispatchEmptySelectionSendsNothing(t *testing.T) {
	log := notifier.NewLog(nil)
	d, repo := setup(t, log)

	res, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Empty(t, log.Sent())

	ctrl, err := repo.LoadControl(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ctrl.LastDigestAt)
}
