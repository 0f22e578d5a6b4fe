// Package docstore is the document store client the pipeline talks to: single
// and multi document reads and conditional writes over task documents, the
// singleton control record, and the change feed.
package docstore

import (
	"context"
	"errors"
	"time"

	"smarttasks/internal/model"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrDuplicateKey  = errors.New("duplicate emailId")
	ErrUpsertKey     = errors.New("upsert filter must pin emailId")
	ErrUnknownField  = errors.New("unknown field")
	ErrResumeExpired = errors.New("change feed resume position is older than retained history")
)

// Update is a set of field assignments. A nil value clears the field.
type Update map[string]any

// SortField orders FindMany results.
type SortField struct {
	Field string
	Desc  bool
}

// Asc and Desc build sort fields.
func Asc(field string) SortField  { return SortField{Field: field} }
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

// FindOptions bounds and orders FindMany.
type FindOptions struct {
	Sort  []SortField
	Limit uint64
	Skip  uint64
}

// UpdateOptions tune UpdateOne.
type UpdateOptions struct {
	// Upsert inserts a document seeded from the filter's equalities when nothing matches.
	Upsert bool
}

// UpdateResult reports what UpdateOne did.
type UpdateResult struct {
	Matched  bool
	Upserted bool
}

// Store is the document store client.
//
// UpdateOne is atomic per document: the filter is evaluated and the update
// applied as one step, so a conditional filter works as a compare-and-set.
type Store interface {
	FindOne(ctx context.Context, f Filter) (*model.TaskDocument, error)
	FindMany(ctx context.Context, f Filter, opts FindOptions) ([]*model.TaskDocument, error)
	UpdateOne(ctx context.Context, f Filter, u Update, opts UpdateOptions) (UpdateResult, error)
	UpdateMany(ctx context.Context, f Filter, u Update) (int64, error)
	InsertOne(ctx context.Context, doc *model.TaskDocument) error

	LoadControl(ctx context.Context) (*model.ControlRecord, error)
	UpdateControl(ctx context.Context, u Update) error

	Ping(ctx context.Context) error
}

// Origin tags who made a write, so the change feed can tell pipeline
// bookkeeping apart from user and ingestion edits.
type Origin string

const (
	OriginPipeline Origin = "pipeline"
	OriginUser     Origin = "user"
	OriginExternal Origin = "external"
)

type originKey struct{}

// WithOrigin marks writes made with ctx as coming from o.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the write origin carried by ctx, defaulting to the pipeline.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok && o != "" {
		return o
	}
	return OriginPipeline
}

// Change is one entry of the change feed.
type Change struct {
	Seq       int64     `json:"seq"`
	EmailID   string    `json:"emailId"`
	Op        string    `json:"op"`
	Processed bool      `json:"processed"`
	Origin    Origin    `json:"origin"`
	At        time.Time `json:"at"`
}

// ChangeFeed is an ordered, resumable log of document changes. Updates that
// only touch claim bookkeeping are not recorded.
type ChangeFeed interface {
	// Subscribe streams changes with Seq > after. It returns ErrResumeExpired
	// when changes after that position were already pruned.
	Subscribe(ctx context.Context, after int64) (Subscription, error)
	// Head returns the newest sequence number.
	Head(ctx context.Context) (int64, error)
	// Prune drops changes recorded before olderThan and returns the new horizon.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Subscription delivers changes in sequence order.
type Subscription interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

func validateFields(names []string, allowed []string) error {
	for _, n := range names {
		found := false
		for _, a := range allowed {
			if n == a {
				found = true
				break
			}
		}
		if !found {
			return errors.Join(ErrUnknownField, errors.New(n))
		}
	}
	return nil
}

func updateFields(u Update) []string {
	out := make([]string, 0, len(u))
	for k := range u {
		out = append(out, k)
	}
	return out
}
