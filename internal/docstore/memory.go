package docstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"smarttasks/internal/model"
)

var errSubscriptionClosed = errors.New("subscription closed")

// Memory is an in-process Store and ChangeFeed. It backs tests and the
// "memory" store driver.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*model.TaskDocument
	control model.ControlRecord
	changes []Change
	seq     int64
	wake    chan struct{}
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: map[string]*model.TaskDocument{},
		wake: make(chan struct{}),
		now:  time.Now,
	}
}

// SetClock replaces the clock used for updatedAt and change timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) FindOne(ctx context.Context, f Filter) (*model.TaskDocument, error) {
	docs, err := m.FindMany(ctx, f, FindOptions{Limit: 1, Sort: []SortField{Asc(model.FieldEmailID)}})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (m *Memory) FindMany(ctx context.Context, f Filter, opts FindOptions) ([]*model.TaskDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFields(f.fields(), model.DocumentFields); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var out []*model.TaskDocument
	for _, d := range m.docs {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}
	m.mu.Unlock()

	sortDocuments(out, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= uint64(len(out)) {
			return nil, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && uint64(len(out)) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateOne(ctx context.Context, f Filter, u Update, opts UpdateOptions) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	if err := validateFields(append(f.fields(), updateFields(u)...), model.DocumentFields); err != nil {
		return UpdateResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var target *model.TaskDocument
	for _, id := range m.sortedIDs() {
		if f.Match(m.docs[id]) {
			target = m.docs[id]
			break
		}
	}

	if target != nil {
		if err := m.apply(ctx, target, u, "update"); err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{Matched: true}, nil
	}

	if !opts.Upsert {
		return UpdateResult{}, nil
	}
	doc := &model.TaskDocument{}
	for field, v := range equalities(f) {
		if err := doc.SetField(field, v); err != nil {
			return UpdateResult{}, err
		}
	}
	for field, v := range u {
		if err := doc.SetField(field, v); err != nil {
			return UpdateResult{}, err
		}
	}
	if doc.EmailID == "" {
		return UpdateResult{}, ErrUpsertKey
	}
	if _, exists := m.docs[doc.EmailID]; exists {
		return UpdateResult{}, nil
	}
	m.insert(ctx, doc)
	return UpdateResult{Upserted: true}, nil
}

func (m *Memory) UpdateMany(ctx context.Context, f Filter, u Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFields(append(f.fields(), updateFields(u)...), model.DocumentFields); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range m.sortedIDs() {
		d := m.docs[id]
		if !f.Match(d) {
			continue
		}
		if err := m.apply(ctx, d, u, "update"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Memory) InsertOne(ctx context.Context, doc *model.TaskDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[doc.EmailID]; exists {
		return ErrDuplicateKey
	}
	m.insert(ctx, doc.Clone())
	return nil
}

func (m *Memory) LoadControl(ctx context.Context) (*model.ControlRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control.Clone(), nil
}

func (m *Memory) UpdateControl(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateFields(updateFields(u), model.ControlFields); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.control.Clone()
	for field, v := range u {
		if err := next.SetField(field, v); err != nil {
			return err
		}
	}
	m.control = *next
	return nil
}

// insert stores doc and records the change. Callers hold m.mu.
func (m *Memory) insert(ctx context.Context, doc *model.TaskDocument) {
	now := m.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[doc.EmailID] = doc
	m.record(ctx, doc, "insert")
}

// apply mutates d in place. It is all or nothing. Callers hold m.mu.
func (m *Memory) apply(ctx context.Context, d *model.TaskDocument, u Update, op string) error {
	next := d.Clone()
	changed := false
	for field, v := range u {
		before, _ := next.Field(field)
		if err := next.SetField(field, v); err != nil {
			return err
		}
		after, _ := next.Field(field)
		if !model.ClaimFields[field] && !sameValue(before, after) {
			changed = true
		}
	}
	next.UpdatedAt = m.now()
	*d = *next
	if changed {
		m.record(ctx, d, op)
	}
	return nil
}

func (m *Memory) record(ctx context.Context, d *model.TaskDocument, op string) {
	m.seq++
	m.changes = append(m.changes, Change{
		Seq:       m.seq,
		EmailID:   d.EmailID,
		Op:        op,
		Processed: d.Processed,
		Origin:    OriginFrom(ctx),
		At:        m.now(),
	})
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) sortedIDs() []string {
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	cmp, ok := compare(a, b)
	return ok && cmp == 0
}

// sortDocuments orders like Postgres: NULLs last ascending, first descending.
// Ties fall back to emailId for a stable order.
func sortDocuments(docs []*model.TaskDocument, keys []SortField) {
	keys = append(keys, Asc(model.FieldEmailID))
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := docs[i].Field(k.Field)
			b, _ := docs[j].Field(k.Field)
			var cmp int
			switch {
			case a == nil && b == nil:
				cmp = 0
			case a == nil:
				cmp = 1
			case b == nil:
				cmp = -1
			default:
				cmp, _ = compare(a, b)
			}
			if k.Desc {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}

// Subscribe implements ChangeFeed.
func (m *Memory) Subscribe(ctx context.Context, after int64) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if after < m.control.FeedHorizon {
		return nil, ErrResumeExpired
	}
	return &memorySubscription{store: m, pos: after}, nil
}

// Head implements ChangeFeed.
func (m *Memory) Head(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

// Prune implements ChangeFeed.
func (m *Memory) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.changes[:0]
	for _, c := range m.changes {
		if c.At.Before(olderThan) {
			if c.Seq > m.control.FeedHorizon {
				m.control.FeedHorizon = c.Seq
			}
			continue
		}
		kept = append(kept, c)
	}
	m.changes = kept
	return m.control.FeedHorizon, nil
}

// Changes returns a copy of the retained change log.
func (m *Memory) Changes() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.changes...)
}

type memorySubscription struct {
	store  *Memory
	pos    int64
	closed bool
}

func (s *memorySubscription) Next(ctx context.Context) (Change, error) {
	for {
		s.store.mu.Lock()
		if s.closed {
			s.store.mu.Unlock()
			return Change{}, errSubscriptionClosed
		}
		if s.pos < s.store.control.FeedHorizon {
			s.store.mu.Unlock()
			return Change{}, ErrResumeExpired
		}
		for _, c := range s.store.changes {
			if c.Seq > s.pos {
				s.pos = c.Seq
				s.store.mu.Unlock()
				return c, nil
			}
		}
		wake := s.store.wake
		s.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.closed = true
	return nil
}
