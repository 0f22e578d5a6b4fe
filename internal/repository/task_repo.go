package repository

import (
	"context"
	"errors"
	"time"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
)

// ErrNotFound is returned when a user operation targets a missing document.
var ErrNotFound = docstore.ErrNotFound

// Classification is what a successful classification writes back. Deadline
// is only set when the document had none.
type Classification struct {
	HasTask  bool
	Task     string
	TaskBody string
	Urgency  model.Urgency
	Deadline *time.Time
}

// TaskRepository maps pipeline operations onto conditional store writes.
// Every method is a single store call, so exclusivity comes from the filter.
type TaskRepository struct {
	store docstore.Store
}

func NewTaskRepository(store docstore.Store) *TaskRepository {
	return &TaskRepository{store: store}
}

// Store exposes the underlying client.
func (r *TaskRepository) Store() docstore.Store {
	return r.store
}

// Claim takes the lease on an unprocessed document. It returns false when the
// document is processed, missing, or held by a live lease.
func (r *TaskRepository) Claim(ctx context.Context, emailID, owner string, now time.Time, lease time.Duration) (bool, error) {
	res, err := r.store.UpdateOne(ctx,
		docstore.And{
			docstore.Eq(model.FieldEmailID, emailID),
			docstore.Eq(model.FieldProcessed, false),
			docstore.Or{
				docstore.IsNull(model.FieldClaimedAt),
				docstore.Lt(model.FieldClaimedAt, now.Add(-lease)),
			},
		},
		docstore.Update{
			model.FieldClaimedAt:  now,
			model.FieldClaimOwner: owner,
		},
		docstore.UpdateOptions{},
	)
	if err != nil {
		return false, err
	}
	return res.Matched, nil
}

// Get loads one document.
func (r *TaskRepository) Get(ctx context.Context, emailID string) (*model.TaskDocument, error) {
	return r.store.FindOne(ctx, docstore.Eq(model.FieldEmailID, emailID))
}

// Complete writes the classification and clears the claim in one step. It
// only applies while owner still holds the claim, so a worker whose lease
// was taken over cannot overwrite the newer result.
func (r *TaskRepository) Complete(ctx context.Context, emailID, owner string, c Classification) (bool, error) {
	u := docstore.Update{
		model.FieldProcessed:  true,
		model.FieldHasTask:    c.HasTask,
		model.FieldClaimedAt:  nil,
		model.FieldClaimOwner: nil,
	}
	if c.HasTask {
		u[model.FieldTask] = c.Task
		u[model.FieldTaskBody] = c.TaskBody
		u[model.FieldUrgency] = c.Urgency
	} else {
		u[model.FieldTask] = nil
		u[model.FieldTaskBody] = nil
		u[model.FieldUrgency] = nil
	}

	// 建议的截止日期只在文档没有时写入，调用方据读取时的文档决定是否带上
	if c.HasTask && c.Deadline != nil {
		u[model.FieldDeadline] = *c.Deadline
	}

	res, err := r.store.UpdateOne(ctx, r.ownedBy(emailID, owner), u, docstore.UpdateOptions{})
	if err != nil {
		return false, err
	}
	return res.Matched, nil
}

// Release clears the claim without touching anything else.
func (r *TaskRepository) Release(ctx context.Context, emailID, owner string) error {
	_, err := r.store.UpdateOne(ctx, r.ownedBy(emailID, owner),
		docstore.Update{
			model.FieldClaimedAt:  nil,
			model.FieldClaimOwner: nil,
		},
		docstore.UpdateOptions{},
	)
	return err
}

func (r *TaskRepository) ownedBy(emailID, owner string) docstore.Filter {
	return docstore.And{
		docstore.Eq(model.FieldEmailID, emailID),
		docstore.Eq(model.FieldProcessed, false),
		docstore.Eq(model.FieldClaimOwner, owner),
	}
}

// ListUnprocessed returns up to limit unprocessed documents, least recently
// touched first. A failed attempt releases the claim and bumps updatedAt, so
// documents that keep failing rotate behind the rest.
func (r *TaskRepository) ListUnprocessed(ctx context.Context, limit uint64) ([]*model.TaskDocument, error) {
	return r.store.FindMany(ctx,
		docstore.Eq(model.FieldProcessed, false),
		docstore.FindOptions{
			Sort:  []docstore.SortField{docstore.Asc(model.FieldUpdatedAt), docstore.Asc(model.FieldCreatedAt)},
			Limit: limit,
		},
	)
}

// SweepExpiredClaims clears leases older than lease on unprocessed documents.
func (r *TaskRepository) SweepExpiredClaims(ctx context.Context, now time.Time, lease time.Duration) (int64, error) {
	return r.store.UpdateMany(ctx,
		docstore.And{
			docstore.Eq(model.FieldProcessed, false),
			docstore.Lt(model.FieldClaimedAt, now.Add(-lease)),
		},
		docstore.Update{
			model.FieldClaimedAt:  nil,
			model.FieldClaimOwner: nil,
		},
	)
}

// ListEscalationCandidates pages through open tasks with a deadline, ordered
// by emailId and starting after afterID.
func (r *TaskRepository) ListEscalationCandidates(ctx context.Context, afterID string, limit uint64) ([]*model.TaskDocument, error) {
	f := docstore.And{
		docstore.Eq(model.FieldHasTask, true),
		docstore.Eq(model.FieldCompleted, false),
		docstore.NotNull(model.FieldDeadline),
	}
	if afterID != "" {
		f = append(f, docstore.Gt(model.FieldEmailID, afterID))
	}
	return r.store.FindMany(ctx, f, docstore.FindOptions{
		Sort:  []docstore.SortField{docstore.Asc(model.FieldEmailID)},
		Limit: limit,
	})
}

// EscalateUrgency sets urgency to to only if it is still from. It returns
// false when someone else changed the document in between.
func (r *TaskRepository) EscalateUrgency(ctx context.Context, emailID string, from, to model.Urgency) (bool, error) {
	res, err := r.store.UpdateOne(ctx,
		docstore.And{
			docstore.Eq(model.FieldEmailID, emailID),
			docstore.Eq(model.FieldHasTask, true),
			docstore.Eq(model.FieldCompleted, false),
			docstore.Eq(model.FieldUrgency, from),
		},
		docstore.Update{model.FieldUrgency: to},
		docstore.UpdateOptions{},
	)
	if err != nil {
		return false, err
	}
	return res.Matched, nil
}

// ListDigestCandidates returns open urgent tasks not notified since cutoff.
func (r *TaskRepository) ListDigestCandidates(ctx context.Context, cutoff time.Time, limit uint64) ([]*model.TaskDocument, error) {
	return r.store.FindMany(ctx,
		docstore.And{
			docstore.Eq(model.FieldHasTask, true),
			docstore.Eq(model.FieldCompleted, false),
			docstore.Eq(model.FieldUrgency, model.Urgent),
			docstore.Or{
				docstore.IsNull(model.FieldNotifiedAt),
				docstore.Lt(model.FieldNotifiedAt, cutoff),
			},
		},
		docstore.FindOptions{
			Sort: []docstore.SortField{
				docstore.Asc(model.FieldDeadline),
				docstore.Asc(model.FieldCreatedAt),
			},
			Limit: limit,
		},
	)
}

// StampNotified sets notifiedAt on exactly ids.
func (r *TaskRepository) StampNotified(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.store.UpdateMany(ctx,
		docstore.In(model.FieldEmailID, ids),
		docstore.Update{model.FieldNotifiedAt: now},
	)
}

// Insert stores a new unprocessed document. Ingestion writes go through here.
func (r *TaskRepository) Insert(ctx context.Context, doc *model.TaskDocument) error {
	d := doc.Clone()
	d.Processed = false
	d.HasTask = false
	d.Task, d.TaskBody, d.Urgency = "", "", model.UrgencyNone
	d.Completed = false
	d.NotifiedAt, d.ClaimedAt, d.ClaimOwner = nil, nil, ""
	return r.store.InsertOne(ctx, d)
}

// TaskQuery filters the task list.
type TaskQuery struct {
	Urgency          model.Urgency
	IncludeCompleted bool
	Limit            uint64
	Skip             uint64
}

// ListTasks lists classified tasks, earliest deadline first.
func (r *TaskRepository) ListTasks(ctx context.Context, q TaskQuery) ([]*model.TaskDocument, error) {
	f := docstore.And{docstore.Eq(model.FieldHasTask, true)}
	if !q.IncludeCompleted {
		f = append(f, docstore.Eq(model.FieldCompleted, false))
	}
	if q.Urgency != model.UrgencyNone {
		f = append(f, docstore.Eq(model.FieldUrgency, q.Urgency))
	}
	return r.store.FindMany(ctx, f, docstore.FindOptions{
		Sort: []docstore.SortField{
			docstore.Asc(model.FieldDeadline),
			docstore.Desc(model.FieldCreatedAt),
		},
		Limit: q.Limit,
		Skip:  q.Skip,
	})
}

// SetCompleted marks a task done or reopens it.
func (r *TaskRepository) SetCompleted(ctx context.Context, emailID string, completed bool) error {
	return r.updateTask(ctx, emailID, docstore.Update{model.FieldCompleted: completed})
}

// SetUrgency is a user override; it may lower the tier.
func (r *TaskRepository) SetUrgency(ctx context.Context, emailID string, u model.Urgency) error {
	if !u.Valid() || u == model.UrgencyNone {
		return model.ErrInvalidUrgency
	}
	return r.updateTask(ctx, emailID, docstore.Update{model.FieldUrgency: u})
}

// SetDeadline sets or clears (nil) the deadline.
func (r *TaskRepository) SetDeadline(ctx context.Context, emailID string, deadline *time.Time) error {
	var v any
	if deadline != nil {
		v = *deadline
	}
	return r.updateTask(ctx, emailID, docstore.Update{model.FieldDeadline: v})
}

// ResetTask is delete-task: the document stays processed with no task.
func (r *TaskRepository) ResetTask(ctx context.Context, emailID string) error {
	res, err := r.store.UpdateOne(ctx,
		docstore.Eq(model.FieldEmailID, emailID),
		docstore.Update{
			model.FieldProcessed:  true,
			model.FieldHasTask:    false,
			model.FieldTask:       nil,
			model.FieldTaskBody:   nil,
			model.FieldUrgency:    nil,
			model.FieldDeadline:   nil,
			model.FieldNotifiedAt: nil,
			model.FieldClaimedAt:  nil,
			model.FieldClaimOwner: nil,
		},
		docstore.UpdateOptions{},
	)
	if err != nil {
		return err
	}
	if !res.Matched {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepository) updateTask(ctx context.Context, emailID string, u docstore.Update) error {
	res, err := r.store.UpdateOne(ctx,
		docstore.And{
			docstore.Eq(model.FieldEmailID, emailID),
			docstore.Eq(model.FieldHasTask, true),
		},
		u,
		docstore.UpdateOptions{},
	)
	if err != nil {
		return err
	}
	if !res.Matched {
		return ErrNotFound
	}
	return nil
}

// LoadControl reads the control record.
func (r *TaskRepository) LoadControl(ctx context.Context) (*model.ControlRecord, error) {
	return r.store.LoadControl(ctx)
}

// UpdateControl writes control record fields.
func (r *TaskRepository) UpdateControl(ctx context.Context, u docstore.Update) error {
	return r.store.UpdateControl(ctx, u)
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, docstore.ErrNotFound)
}
