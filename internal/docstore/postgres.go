package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"smarttasks/internal/model"
	"smarttasks/pkg/metrics"
)

const (
	documentsTable = "task_documents"
	controlTable   = "pipeline_control"
	changesTable   = "task_document_changes"
	changesChannel = "task_document_changes"
	originSetting  = "smarttasks.origin"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is the Store backed by PostgreSQL. Every write runs in a short
// transaction that tags the write origin for the change log trigger.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) FindOne(ctx context.Context, f Filter) (*model.TaskDocument, error) {
	docs, err := s.FindMany(ctx, f, FindOptions{Limit: 1, Sort: []SortField{Asc(model.FieldEmailID)}})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (s *Postgres) FindMany(ctx context.Context, f Filter, opts FindOptions) ([]*model.TaskDocument, error) {
	if err := validateFields(f.fields(), model.DocumentFields); err != nil {
		return nil, err
	}
	q := psql.Select(model.DocumentFields...).From(documentsTable).Where(f.Sqlizer())

	orderBy, err := orderClause(opts.Sort)
	if err != nil {
		return nil, err
	}
	q = q.OrderBy(orderBy...)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Skip > 0 {
		q = q.Offset(opts.Skip)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find: %w", err)
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	metrics.RecordDBQueryDuration("find", documentsTable, time.Since(start))
	return docs, err
}

func (s *Postgres) UpdateOne(ctx context.Context, f Filter, u Update, opts UpdateOptions) (UpdateResult, error) {
	if err := validateFields(append(f.fields(), updateFields(u)...), model.DocumentFields); err != nil {
		return UpdateResult{}, err
	}

	sqlStr, args, err := updateOneSQL(f, u)
	if err != nil {
		return UpdateResult{}, err
	}

	var res UpdateResult
	err = s.write(ctx, "update_one", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			res.Matched = true
			return nil
		}
		if !opts.Upsert {
			return nil
		}

		doc := &model.TaskDocument{}
		for field, v := range equalities(f) {
			if err := doc.SetField(field, v); err != nil {
				return err
			}
		}
		for field, v := range u {
			if err := doc.SetField(field, v); err != nil {
				return err
			}
		}
		if doc.EmailID == "" {
			return ErrUpsertKey
		}
		inserted, err := insertDocument(ctx, tx, doc, "ON CONFLICT (email_id) DO NOTHING")
		res.Upserted = inserted
		return err
	})
	return res, err
}

// updateOneSQL updates at most one row matching f. A row locked by another
// writer is waited for and the filter is re-checked once it commits.
func updateOneSQL(f Filter, u Update) (string, []any, error) {
	sub, subArgs, err := sq.Select(model.FieldEmailID).From(documentsTable).
		Where(f.Sqlizer()).
		OrderBy(model.FieldEmailID).
		Limit(1).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build update target: %w", err)
	}

	sqlStr, args, err := psql.Update(documentsTable).
		SetMap(setClause(u)).
		Where(sq.Expr(model.FieldEmailID+" = ("+sub+")", subArgs...)).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build update: %w", err)
	}
	return sqlStr, args, nil
}

func (s *Postgres) UpdateMany(ctx context.Context, f Filter, u Update) (int64, error) {
	if err := validateFields(append(f.fields(), updateFields(u)...), model.DocumentFields); err != nil {
		return 0, err
	}
	sqlStr, args, err := psql.Update(documentsTable).SetMap(setClause(u)).Where(f.Sqlizer()).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}

	var n int64
	err = s.write(ctx, "update_many", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Postgres) InsertOne(ctx context.Context, doc *model.TaskDocument) error {
	return s.write(ctx, "insert", func(tx pgx.Tx) error {
		_, err := insertDocument(ctx, tx, doc, "")
		return err
	})
}

func (s *Postgres) LoadControl(ctx context.Context) (*model.ControlRecord, error) {
	sqlStr, args, err := psql.Select(model.ControlFields...).From(controlTable).Where(sq.Eq{"id": 1}).ToSql()
	if err != nil {
		return nil, err
	}

	rec := &model.ControlRecord{}
	err = s.pool.QueryRow(ctx, sqlStr, args...).Scan(
		&rec.Triggered,
		&rec.LastReconcileAt,
		&rec.LastDigestAt,
		&rec.LastReprocessAt,
		&rec.FeedPosition,
		&rec.FeedHorizon,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.ControlRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Postgres) UpdateControl(ctx context.Context, u Update) error {
	if err := validateFields(updateFields(u), model.ControlFields); err != nil {
		return err
	}
	values := make(map[string]any, len(u))
	for k, v := range u {
		values[k] = normalize(v)
	}
	sqlStr, args, err := psql.Insert(controlTable).
		SetMap(mergeMaps(map[string]any{"id": 1}, values)).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + excludedAssignments(values)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, sqlStr, args...)
	return err
}

// write runs fn in a transaction tagged with the origin carried by ctx.
func (s *Postgres) write(ctx context.Context, operation string, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", originSetting, string(OriginFrom(ctx))); err != nil {
			return fmt.Errorf("set write origin: %w", err)
		}
		return fn(tx)
	})
	metrics.RecordDBQueryDuration(operation, documentsTable, time.Since(start))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func insertDocument(ctx context.Context, tx pgx.Tx, doc *model.TaskDocument, suffix string) (bool, error) {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	values := map[string]any{
		model.FieldEmailID:   doc.EmailID,
		model.FieldSubject:   doc.Subject,
		model.FieldSender:    doc.Sender,
		model.FieldBody:      doc.Body,
		model.FieldCreatedAt: createdAt,
		model.FieldProcessed: doc.Processed,
		model.FieldHasTask:   doc.HasTask,
		model.FieldCompleted: doc.Completed,
	}
	for _, field := range []string{model.FieldTask, model.FieldTaskBody, model.FieldUrgency, model.FieldDeadline, model.FieldNotifiedAt, model.FieldClaimedAt, model.FieldClaimOwner} {
		v, _ := doc.Field(field)
		values[field] = v
	}

	q := psql.Insert(documentsTable).SetMap(values)
	if suffix != "" {
		q = q.Suffix(suffix)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func setClause(u Update) map[string]any {
	out := make(map[string]any, len(u)+1)
	for k, v := range u {
		out[k] = normalize(v)
	}
	out[model.FieldUpdatedAt] = sq.Expr("now()")
	return out
}

func orderClause(keys []SortField) ([]string, error) {
	keys = append(keys, Asc(model.FieldEmailID))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := validateFields([]string{k.Field}, model.DocumentFields); err != nil {
			return nil, err
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		out = append(out, k.Field+" "+dir)
	}
	return out, nil
}

func excludedAssignments(values map[string]any) string {
	if len(values) == 0 {
		return "id = EXCLUDED.id"
	}
	parts := make([]string, 0, len(values))
	for _, k := range model.ControlFields {
		if _, ok := values[k]; ok {
			parts = append(parts, k+" = EXCLUDED."+k)
		}
	}
	return strings.Join(parts, ", ")
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func scanDocument(row pgx.CollectableRow) (*model.TaskDocument, error) {
	var (
		d                       model.TaskDocument
		task, taskBody, urgency *string
		claimOwner              *string
	)
	err := row.Scan(
		&d.EmailID,
		&d.Subject,
		&d.Sender,
		&d.Body,
		&d.CreatedAt,
		&d.Processed,
		&d.HasTask,
		&task,
		&taskBody,
		&urgency,
		&d.Deadline,
		&d.Completed,
		&d.NotifiedAt,
		&d.ClaimedAt,
		&claimOwner,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Task = deref(task)
	d.TaskBody = deref(taskBody)
	d.ClaimOwner = deref(claimOwner)
	if d.Urgency, err = model.ParseUrgency(deref(urgency)); err != nil {
		return nil, err
	}
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
