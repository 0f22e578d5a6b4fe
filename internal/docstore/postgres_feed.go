package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const feedBatchSize = 100

// PostgresFeed reads the change log table. LISTEN/NOTIFY wakes subscribers
// early; a polling interval covers missed notifications.
type PostgresFeed struct {
	pool         *pgxpool.Pool
	dsn          string
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewPostgresFeed(pool *pgxpool.Pool, dsn string, pollInterval time.Duration, logger *zap.Logger) *PostgresFeed {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &PostgresFeed{pool: pool, dsn: dsn, pollInterval: pollInterval, logger: logger}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, after int64) (Subscription, error) {
	horizon, err := f.horizon(ctx)
	if err != nil {
		return nil, err
	}
	if after < horizon {
		return nil, ErrResumeExpired
	}

	sub := &pgSubscription{
		feed: f,
		pos:  after,
		lost: make(chan error, 1),
		done: make(chan struct{}),
	}
	sub.listener = pq.NewListener(f.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			f.logger.Warn("change feed listener lost its connection", zap.Error(err))
			select {
			case sub.lost <- fmt.Errorf("change feed listener: %w", err):
			default:
			}
		}
	})
	if err := sub.listener.Listen(changesChannel); err != nil {
		_ = sub.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", changesChannel, err)
	}
	return sub, nil
}

func (f *PostgresFeed) Head(ctx context.Context) (int64, error) {
	var head int64
	err := f.pool.QueryRow(ctx,
		"SELECT GREATEST(coalesce((SELECT max(seq) FROM "+changesTable+"), 0), (SELECT feed_horizon FROM "+controlTable+" WHERE id = 1))",
	).Scan(&head)
	return head, err
}

func (f *PostgresFeed) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var horizon int64
	err := pgx.BeginFunc(ctx, f.pool, func(tx pgx.Tx) error {
		var pruned int64
		err := tx.QueryRow(ctx,
			"WITH d AS (DELETE FROM "+changesTable+" WHERE changed_at < $1 RETURNING seq) SELECT coalesce(max(seq), 0) FROM d",
			olderThan,
		).Scan(&pruned)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			"UPDATE "+controlTable+" SET feed_horizon = GREATEST(feed_horizon, $1) WHERE id = 1 RETURNING feed_horizon",
			pruned,
		).Scan(&horizon)
	})
	return horizon, err
}

func (f *PostgresFeed) horizon(ctx context.Context) (int64, error) {
	var horizon int64
	err := f.pool.QueryRow(ctx, "SELECT feed_horizon FROM "+controlTable+" WHERE id = 1").Scan(&horizon)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return horizon, err
}

type pgSubscription struct {
	feed     *PostgresFeed
	listener *pq.Listener
	pos      int64
	buf      []Change
	lost     chan error
	done     chan struct{}
}

func (s *pgSubscription) Next(ctx context.Context) (Change, error) {
	for {
		if len(s.buf) > 0 {
			c := s.buf[0]
			s.buf = s.buf[1:]
			s.pos = c.Seq
			return c, nil
		}

		if err := s.fill(ctx); err != nil {
			return Change{}, err
		}
		if len(s.buf) > 0 {
			continue
		}

		timer := time.NewTimer(s.feed.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Change{}, ctx.Err()
		case <-s.done:
			timer.Stop()
			return Change{}, errSubscriptionClosed
		case err := <-s.lost:
			timer.Stop()
			return Change{}, err
		case <-s.listener.Notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *pgSubscription) fill(ctx context.Context) error {
	horizon, err := s.feed.horizon(ctx)
	if err != nil {
		return err
	}
	if s.pos < horizon {
		return ErrResumeExpired
	}

	sqlStr, args, err := psql.Select("seq", "email_id", "op", "processed", "origin", "changed_at").
		From(changesTable).
		Where(sq.Gt{"seq": s.pos}).
		OrderBy("seq").
		Limit(feedBatchSize).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := s.feed.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	s.buf, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Change, error) {
		var c Change
		var origin string
		err := row.Scan(&c.Seq, &c.EmailID, &c.Op, &c.Processed, &origin, &c.At)
		c.Origin = Origin(origin)
		return c, err
	})
	return err
}

func (s *pgSubscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.listener.Close()
}
