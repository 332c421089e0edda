package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/common"
)

const (
	jobsTable  = "jobs"
	itemsTable = "job_items"

	// insertChunk keeps multi-row inserts well below SQLite's bound parameter limit.
	insertChunk = 200
)

var jobColumns = []string{"id", "status", "total", "done", "message", "created_at", "updated_at"}

var itemColumns = []string{
	"job_id", "lookup_key", "input", "jurisdiction", "identifier", "position", "state", "source",
	"attempts", "next_due_at", "last_error_code", "last_error_message", "result_payload",
	"job_created_at", "updated_at",
}

// Job is one batch submission with at least one slow-lane lookup.
type Job struct {
	ID        uuid.UUID
	Status    constants.JobStatus
	Total     int
	Done      int
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is one lookup of a Job, identified by (JobID, Key).
type Item struct {
	JobID            uuid.UUID
	Key              string
	Input            string
	Jurisdiction     string
	Identifier       string
	Position         int
	State            constants.ItemState
	Source           constants.RowSource
	Attempts         int
	NextDueAt        *time.Time
	LastErrorCode    string
	LastErrorMessage string
	ResultPayload    []byte
	UpdatedAt        time.Time
}

// NewItem describes an item to register at job creation.
type NewItem struct {
	Key          string
	Input        string
	Jurisdiction string
	Identifier   string
	Position     int
}

// RetryUpdate carries the bookkeeping of a processing → retry transition.
type RetryUpdate struct {
	Attempts  int
	NextDueAt time.Time
	Code      string
	Message   string
}

// JobRepository owns the Job/Item lifecycle.
type JobRepository interface {
	CreateJob(ctx context.Context, message string, items []NewItem, now time.Time) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error)

	// ClaimNextDue moves the earliest due queued/retry item to processing.
	// It returns (nil, nil) when nothing is due.
	ClaimNextDue(ctx context.Context, now time.Time) (*Item, error)
	MarkDone(ctx context.Context, item *Item, payload []byte, source constants.RowSource, now time.Time) error
	MarkRetry(ctx context.Context, item *Item, upd RetryUpdate, now time.Time) error
	MarkError(ctx context.Context, item *Item, attempts int, code, message string, now time.Time) error
	// Requeue hands a processing item back as retry, due at due, without
	// counting an attempt. Used when the outcome could not be recorded.
	Requeue(ctx context.Context, item *Item, due time.Time, now time.Time) error

	// NextPendingDue is the smallest next_due_at over queued/retry items, nil if none.
	NextPendingDue(ctx context.Context) (*time.Time, error)
	// ResetInterrupted returns items left in processing by a previous process to the queue.
	ResetInterrupted(ctx context.Context, now time.Time) (int, error)
	// SweepJobs deletes completed jobs idle since before cutoff.
	SweepJobs(ctx context.Context, cutoff time.Time) (int, error)
	CountByState(ctx context.Context) (map[constants.ItemState]int, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.db.Dialect)
}

func (r *jobRepo) CreateJob(ctx context.Context, message string, items []NewItem, now time.Time) (*Job, error) {
	seen := make(map[string]struct{}, len(items))
	unique := make([]NewItem, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.Key]; dup {
			continue
		}
		seen[it.Key] = struct{}{}
		unique = append(unique, it)
	}
	if len(unique) == 0 {
		return nil, common.InvalidInputErrorf("job needs at least one item")
	}

	job := &Job{
		ID:        uuid.New(),
		Status:    constants.JobStatusQueued,
		Total:     len(unique),
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.tx(ctx, func(tx *sql.Tx) error {
		b := r.builder()
		q, args := b.Insert(jobsTable).
			Columns(jobColumns...).
			Values(job.ID.String(), string(job.Status), job.Total, 0, job.Message, ms(now), ms(now)).
			Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for start := 0; start < len(unique); start += insertChunk {
			end := min(start+insertChunk, len(unique))
			ins := b.Insert(itemsTable).Columns(itemColumns...)
			for _, it := range unique[start:end] {
				ins.Values(
					job.ID.String(), it.Key, it.Input, it.Jurisdiction, it.Identifier, it.Position,
					string(constants.ItemQueued), string(constants.SourceSlow),
					0, int64(0), "", "", nil,
					ms(now), ms(now),
				)
			}
			q, args := ins.OnConflict(entsql.ConflictColumns("job_id", "lookup_key"), entsql.DoNothing()).Query()
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("insert items: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("job create failed", "items", len(unique), "error", err)
		return nil, classify(err)
	}
	r.log.Info("job created", "job_id", job.ID, "items", job.Total)
	return job, nil
}

func (r *jobRepo) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	b := r.builder()
	q, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("id", id.String())).
		Query()

	var (
		job                  Job
		rawID, status        string
		createdAt, updatedAt int64
	)
	err := r.db.SQL.QueryRowContext(ctx, q, args...).
		Scan(&rawID, &status, &job.Total, &job.Done, &job.Message, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFoundErrorf("job %s not found", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get job: %w", err))
	}
	job.ID = id
	job.Status = constants.JobStatus(status)
	job.CreatedAt = fromMS(createdAt)
	job.UpdatedAt = fromMS(updatedAt)
	return &job, nil
}

func (r *jobRepo) ListItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error) {
	b := r.builder()
	q, args := b.Select(itemColumns...).
		From(b.Table(itemsTable)).
		Where(entsql.EQ("job_id", jobID.String())).
		OrderBy("position").
		Query()
	return r.queryItems(ctx, r.db.SQL, q, args)
}

func (r *jobRepo) ClaimNextDue(ctx context.Context, now time.Time) (*Item, error) {
	var claimed *Item
	err := r.db.tx(ctx, func(tx *sql.Tx) error {
		b := r.builder()
		q, args := b.Select(itemColumns...).
			From(b.Table(itemsTable)).
			Where(entsql.And(
				entsql.In("state", string(constants.ItemQueued), string(constants.ItemRetry)),
				entsql.LTE("next_due_at", ms(now)),
			)).
			OrderBy("next_due_at", "job_created_at", "position").
			Limit(1).
			Query()
		items, err := r.queryItems(ctx, tx, q, args)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		it := items[0]

		q, args = b.Update(itemsTable).
			Set("state", string(constants.ItemProcessing)).
			Set("next_due_at", int64(0)).
			Set("updated_at", ms(now)).
			Where(entsql.And(
				entsql.EQ("job_id", it.JobID.String()),
				entsql.EQ("lookup_key", it.Key),
				entsql.EQ("state", string(it.State)),
			)).
			Query()
		if err := execOne(ctx, tx, q, args); err != nil {
			return err
		}
		if err := r.recomputeJob(ctx, tx, it.JobID, now); err != nil {
			return err
		}
		it.State = constants.ItemProcessing
		it.NextDueAt = nil
		it.UpdatedAt = now
		claimed = it
		return nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("claim next item: %w", err))
	}
	return claimed, nil
}

func (r *jobRepo) MarkDone(ctx context.Context, item *Item, payload []byte, source constants.RowSource, now time.Time) error {
	err := r.transition(ctx, item, now, func(u *entsql.UpdateBuilder) {
		u.Set("state", string(constants.ItemDone)).
			Set("source", string(source)).
			Set("result_payload", string(payload)).
			Set("last_error_code", "").
			Set("last_error_message", "")
	})
	if err != nil {
		return err
	}
	item.State = constants.ItemDone
	item.Source = source
	item.ResultPayload = payload
	item.LastErrorCode, item.LastErrorMessage = "", ""
	return nil
}

func (r *jobRepo) MarkRetry(ctx context.Context, item *Item, upd RetryUpdate, now time.Time) error {
	if upd.Attempts < item.Attempts {
		return fmt.Errorf("%w: attempts would decrease from %d to %d", common.ErrInvalidTransition, item.Attempts, upd.Attempts)
	}
	if upd.NextDueAt.Before(now) {
		return fmt.Errorf("%w: next_due_at %s is before %s", common.ErrInvalidTransition, upd.NextDueAt, now)
	}
	err := r.transition(ctx, item, now, func(u *entsql.UpdateBuilder) {
		u.Set("state", string(constants.ItemRetry)).
			Set("attempts", upd.Attempts).
			Set("next_due_at", ms(upd.NextDueAt)).
			Set("last_error_code", upd.Code).
			Set("last_error_message", upd.Message)
	})
	if err != nil {
		return err
	}
	due := upd.NextDueAt
	item.State = constants.ItemRetry
	item.Attempts = upd.Attempts
	item.NextDueAt = &due
	item.LastErrorCode, item.LastErrorMessage = upd.Code, upd.Message
	return nil
}

func (r *jobRepo) MarkError(ctx context.Context, item *Item, attempts int, code, message string, now time.Time) error {
	if attempts < item.Attempts {
		return fmt.Errorf("%w: attempts would decrease from %d to %d", common.ErrInvalidTransition, item.Attempts, attempts)
	}
	err := r.transition(ctx, item, now, func(u *entsql.UpdateBuilder) {
		u.Set("state", string(constants.ItemError)).
			Set("attempts", attempts).
			Set("last_error_code", code).
			Set("last_error_message", message)
	})
	if err != nil {
		return err
	}
	item.State = constants.ItemError
	item.Attempts = attempts
	item.LastErrorCode, item.LastErrorMessage = code, message
	return nil
}

func (r *jobRepo) Requeue(ctx context.Context, item *Item, due time.Time, now time.Time) error {
	if due.Before(now) {
		return fmt.Errorf("%w: next_due_at %s is before %s", common.ErrInvalidTransition, due, now)
	}
	err := r.transition(ctx, item, now, func(u *entsql.UpdateBuilder) {
		u.Set("state", string(constants.ItemRetry)).
			Set("next_due_at", ms(due))
	})
	if err != nil {
		return err
	}
	item.State = constants.ItemRetry
	item.NextDueAt = &due
	return nil
}

// transition applies set to a processing item and recomputes its job, atomically.
func (r *jobRepo) transition(ctx context.Context, item *Item, now time.Time, set func(*entsql.UpdateBuilder)) error {
	err := r.db.tx(ctx, func(tx *sql.Tx) error {
		b := r.builder()
		u := b.Update(itemsTable).
			Set("next_due_at", int64(0)).
			Set("updated_at", ms(now))
		set(u)
		q, args := u.Where(entsql.And(
			entsql.EQ("job_id", item.JobID.String()),
			entsql.EQ("lookup_key", item.Key),
			entsql.EQ("state", string(constants.ItemProcessing)),
		)).Query()
		if err := execOne(ctx, tx, q, args); err != nil {
			return err
		}
		return r.recomputeJob(ctx, tx, item.JobID, now)
	})
	if err != nil {
		r.log.Error("item transition failed", "job_id", item.JobID, "key", item.Key, "error", err)
		return classify(err)
	}
	item.UpdatedAt = now
	item.NextDueAt = nil
	return nil
}

// recomputeJob derives done and status from the item states of jobID.
func (r *jobRepo) recomputeJob(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, now time.Time) error {
	b := r.builder()
	q, args := b.Select("state", entsql.Count("*")).
		From(b.Table(itemsTable)).
		Where(entsql.EQ("job_id", jobID.String())).
		GroupBy("state").
		Query()
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var total, done, queued int
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return fmt.Errorf("scan item counts: %w", err)
		}
		total += n
		switch s := constants.ItemState(state); {
		case s.Terminal():
			done += n
		case s == constants.ItemQueued:
			queued += n
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	status := deriveStatus(total, done, queued)
	q, args = b.Update(jobsTable).
		Set("status", string(status)).
		Set("done", done).
		Set("total", total).
		Set("updated_at", ms(now)).
		Where(entsql.EQ("id", jobID.String())).
		Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func deriveStatus(total, done, queued int) constants.JobStatus {
	switch {
	case total > 0 && done == total:
		return constants.JobStatusCompleted
	case queued == total:
		return constants.JobStatusQueued
	default:
		return constants.JobStatusRunning
	}
}

func (r *jobRepo) NextPendingDue(ctx context.Context) (*time.Time, error) {
	b := r.builder()
	q, args := b.Select(entsql.Min("next_due_at")).
		From(b.Table(itemsTable)).
		Where(entsql.In("state", string(constants.ItemQueued), string(constants.ItemRetry))).
		Query()
	var due sql.NullInt64
	if err := r.db.SQL.QueryRowContext(ctx, q, args...).Scan(&due); err != nil {
		return nil, classify(fmt.Errorf("next pending due: %w", err))
	}
	if !due.Valid {
		return nil, nil
	}
	t := fromMS(due.Int64)
	return &t, nil
}

func (r *jobRepo) ResetInterrupted(ctx context.Context, now time.Time) (int, error) {
	var reset int
	err := r.db.tx(ctx, func(tx *sql.Tx) error {
		b := r.builder()
		q, args := b.Select("job_id").
			From(b.Table(itemsTable)).
			Where(entsql.EQ("state", string(constants.ItemProcessing))).
			Query()
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		jobs := make(map[uuid.UUID]struct{})
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return err
			}
			if id, err := uuid.Parse(raw); err == nil {
				jobs[id] = struct{}{}
			}
			reset++
		}
		rows.Close()
		if reset == 0 {
			return nil
		}

		// Untried items go back to queued, the rest to retry; both due immediately.
		for _, step := range []struct {
			to    constants.ItemState
			where *entsql.Predicate
		}{
			{constants.ItemQueued, entsql.And(entsql.EQ("state", string(constants.ItemProcessing)), entsql.EQ("attempts", 0))},
			{constants.ItemRetry, entsql.EQ("state", string(constants.ItemProcessing))},
		} {
			q, args := b.Update(itemsTable).
				Set("state", string(step.to)).
				Set("next_due_at", int64(0)).
				Set("updated_at", ms(now)).
				Where(step.where).
				Query()
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
		}
		for id := range jobs {
			if err := r.recomputeJob(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, classify(fmt.Errorf("reset interrupted items: %w", err))
	}
	if reset > 0 {
		r.log.Warn("reset interrupted items", "count", reset)
	}
	return reset, nil
}

func (r *jobRepo) SweepJobs(ctx context.Context, cutoff time.Time) (int, error) {
	var swept int
	err := r.db.tx(ctx, func(tx *sql.Tx) error {
		b := r.builder()
		q, args := b.Select("id").
			From(b.Table(jobsTable)).
			Where(entsql.And(
				entsql.EQ("status", string(constants.JobStatusCompleted)),
				entsql.LT("updated_at", ms(cutoff)),
			)).
			Query()
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		q, args = b.Delete(itemsTable).Where(entsql.In("job_id", ids...)).Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		q, args = b.Delete(jobsTable).Where(entsql.In("id", ids...)).Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		swept = len(ids)
		return nil
	})
	if err != nil {
		return 0, classify(fmt.Errorf("sweep jobs: %w", err))
	}
	if swept > 0 {
		r.log.Info("swept completed jobs", "count", swept, "cutoff", cutoff)
	}
	return swept, nil
}

func (r *jobRepo) CountByState(ctx context.Context) (map[constants.ItemState]int, error) {
	b := r.builder()
	q, args := b.Select("state", entsql.Count("*")).
		From(b.Table(itemsTable)).
		GroupBy("state").
		Query()
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("count by state: %w", err))
	}
	defer rows.Close()
	out := make(map[constants.ItemState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[constants.ItemState(state)] = n
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *jobRepo) queryItems(ctx context.Context, q querier, query string, args []any) ([]*Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query items: %w", err))
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		var (
			it                       Item
			jobID, state, source     string
			nextDue, jobCreated, upd int64
			payload                  sql.NullString
		)
		if err := rows.Scan(
			&jobID, &it.Key, &it.Input, &it.Jurisdiction, &it.Identifier, &it.Position, &state, &source,
			&it.Attempts, &nextDue, &it.LastErrorCode, &it.LastErrorMessage, &payload,
			&jobCreated, &upd,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		id, err := uuid.Parse(jobID)
		if err != nil {
			return nil, fmt.Errorf("parse job id %q: %w", jobID, err)
		}
		it.JobID = id
		it.State = constants.ItemState(state)
		it.Source = constants.RowSource(source)
		if nextDue > 0 {
			t := fromMS(nextDue)
			it.NextDueAt = &t
		}
		if payload.Valid {
			it.ResultPayload = []byte(payload.String)
		}
		it.UpdatedAt = fromMS(upd)
		out = append(out, &it)
	}
	return out, rows.Err()
}

func execOne(ctx context.Context, tx *sql.Tx, q string, args []any) error {
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %d rows matched", common.ErrInvalidTransition, n)
	}
	return nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
