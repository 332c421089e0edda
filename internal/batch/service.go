// Package batch implements batch submission and job polling on top of both lanes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/common"
	"github.com/joseph-ayodele/vat-checker/internal/fastlane"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/metrics"
	"github.com/joseph-ayodele/vat-checker/internal/repository"
)

// FastLane resolves keys synchronously.
type FastLane interface {
	Run(ctx context.Context, keys []lookupkey.Key) ([]fastlane.Outcome, error)
}

// Notifier wakes the slow lane after a job is created.
type Notifier interface {
	Notify()
}

type Service struct {
	repo             repository.JobRepository
	fast             FastLane
	cache            cache.Cache
	notifier         Notifier
	slowJurisdiction string

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo repository.JobRepository, fast FastLane, c cache.Cache, notifier Notifier, slowJurisdiction string, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		fast:             fast,
		cache:            c,
		notifier:         notifier,
		slowJurisdiction: slowJurisdiction,
		log:              slog.Default(),
		now:              time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit normalizes lines, answers cache hits and fast-lane keys inline and
// registers slow-lane keys as a durable job. Blank lines are ignored and
// repeated keys collapse onto their first occurrence.
func (s *Service) Submit(ctx context.Context, lines []string, label string) (*SubmitResult, error) {
	log := common.LoggerFrom(ctx, s.log)

	var (
		rows     []Row
		seen     = make(map[string]struct{})
		fastKeys []lookupkey.Key
		fastIdx  []int
		slowNew  []repository.NewItem
		slowIdx  []int
	)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, err := lookupkey.Parse(line)
		if err != nil {
			var malformed *lookupkey.MalformedError
			if !errors.As(err, &malformed) {
				return nil, err
			}
			rows = append(rows, malformedRow(line, malformed))
			continue
		}
		if _, dup := seen[key.String()]; dup {
			continue
		}
		seen[key.String()] = struct{}{}

		if payload, ok := cache.Lookup(ctx, s.cache, key.String(), log); ok {
			s.metrics.CacheLookup(true)
			row := keyRow(line, key, constants.SourceCache, constants.ItemDone)
			if err := row.applyVerdict(payload); err == nil {
				rows = append(rows, row)
				continue
			}
			log.Warn("batch.cache_payload undecodable, ignoring", "key", key.String())
		} else if s.cache != nil {
			s.metrics.CacheLookup(false)
		}

		if key.Jurisdiction == s.slowJurisdiction {
			slowIdx = append(slowIdx, len(rows))
			slowNew = append(slowNew, repository.NewItem{
				Key:          key.String(),
				Input:        line,
				Jurisdiction: key.Jurisdiction,
				Identifier:   key.Body,
				Position:     len(slowNew),
			})
			rows = append(rows, keyRow(line, key, constants.SourceSlow, constants.ItemQueued))
			continue
		}
		fastIdx = append(fastIdx, len(rows))
		fastKeys = append(fastKeys, key)
		rows = append(rows, keyRow(line, key, constants.SourceFast, constants.ItemProcessing))
	}

	// Fast lane first: an aborted request must not leave behind a job whose
	// id the caller never received.
	if len(fastKeys) > 0 {
		outcomes, err := s.fast.Run(ctx, fastKeys)
		if err != nil {
			return nil, fmt.Errorf("fast lane: %w", err)
		}
		for n, o := range outcomes {
			row := &rows[fastIdx[n]]
			attempts := o.Attempts
			row.Attempt = &attempts
			if o.OK() {
				row.State = string(constants.ItemDone)
				row.applyResult(o.Result)
				continue
			}
			row.State = string(constants.ItemError)
			row.ErrorCode, row.ErrorMessage = o.Code, o.Message
		}
	}

	res := &SubmitResult{}
	if len(slowNew) > 0 {
		job, err := s.repo.CreateJob(ctx, label, slowNew, s.now())
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		id := job.ID.String()
		ctx = common.WithJobID(ctx, id)
		log = common.LoggerFrom(ctx, s.log)
		res.JobID = &id
		for _, i := range slowIdx {
			rows[i].JobID = &id
		}
		if s.notifier != nil {
			s.notifier.Notify()
		}
		log.Info("batch.job_created", "items", job.Total)
	}

	res.Results = rows
	res.Count = len(rows)
	s.metrics.BatchSubmitted()
	log.Info("batch.submitted", "lines", len(lines), "rows", res.Count, "fast", len(fastKeys), "slow", len(slowNew))
	return res, nil
}

// Poll returns the job header and the current row of each item, in submission order.
func (s *Service) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, common.InvalidInputErrorf("invalid job id %q", jobID)
	}
	ctx = common.WithJobID(ctx, id.String())
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &PollResult{
		Job: JobView{
			JobID:     job.ID.String(),
			Status:    job.Status,
			Total:     job.Total,
			Done:      job.Done,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
			Message:   job.Message,
		},
		Results: make([]Row, 0, len(items)),
	}
	for _, it := range items {
		row, err := itemRow(it, out.Job.JobID)
		if err != nil {
			common.LoggerFrom(ctx, s.log).Warn("batch.result_payload undecodable", "key", it.Key, "error", err)
		}
		out.Results = append(out.Results, row)
	}
	return out, nil
}
