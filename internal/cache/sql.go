package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

const cacheTable = "result_cache"

// SQL keeps entries in the result_cache table of the job store.
type SQL struct {
	db      *sql.DB
	dialect string
	ttl     time.Duration
	now     func() time.Time
}

func NewSQL(db *sql.DB, dialect string, ttl time.Duration, now func() time.Time) *SQL {
	if now == nil {
		now = time.Now
	}
	return &SQL{db: db, dialect: dialect, ttl: ttl, now: now}
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b := entsql.Dialect(s.dialect)
	q, args := b.Select("payload", "recorded_at").
		From(b.Table(cacheTable)).
		Where(entsql.EQ("cache_key", key)).
		Query()

	var payload string
	var recordedAt int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&payload, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if expired(time.UnixMilli(recordedAt), s.now(), s.ttl) {
		return nil, false, nil
	}
	return []byte(payload), true, nil
}

func (s *SQL) Put(ctx context.Context, key string, payload []byte) error {
	q, args := entsql.Dialect(s.dialect).Insert(cacheTable).
		Columns("cache_key", "payload", "recorded_at").
		Values(key, string(payload), s.now().UnixMilli()).
		OnConflict(entsql.ConflictColumns("cache_key"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Purge deletes entries older than the TTL and returns how many were removed.
func (s *SQL) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	q, args := entsql.Dialect(s.dialect).Delete(cacheTable).
		Where(entsql.LTE("recorded_at", s.now().Add(-s.ttl).UnixMilli())).
		Query()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}
