// Package slowlane drains the durable job store for the congested jurisdiction
// with a single worker goroutine.
package slowlane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/common"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/metrics"
	"github.com/joseph-ayodele/vat-checker/internal/ratelimit"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	"github.com/joseph-ayodele/vat-checker/internal/repository"
	"github.com/joseph-ayodele/vat-checker/internal/retry"
)

const (
	lane = "slow"

	// storeBackoff is how long the loop idles after a store failure.
	storeBackoff = 5 * time.Second
)

// Gate reports upstream availability for a jurisdiction.
type Gate interface {
	Available(ctx context.Context, jurisdiction string) bool
}

// Purger is implemented by cache backends that need explicit expiry.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type Worker struct {
	repo   repository.JobRepository
	reg    registry.Registry
	gate   Gate
	cache  cache.Cache
	policy retry.Policy

	minGap      time.Duration
	cooldown    time.Duration
	gateDelay   time.Duration
	callTimeout time.Duration
	retention   time.Duration
	sweepEvery  time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the run goroutine.
	lastCall      time.Time
	cooldownUntil time.Time
	lastSweep     time.Time
	// stranded is a claimed item whose outcome could not be recorded.
	stranded *repository.Item
}

type Option func(*Worker)

func WithCache(c cache.Cache) Option {
	return func(w *Worker) { w.cache = c }
}

// WithPacing sets the strict inter-call gap, the congestion cool-down and the
// delay applied when the status gate reports the jurisdiction down.
func WithPacing(minGap, cooldown, gateDelay time.Duration) Option {
	return func(w *Worker) {
		w.minGap, w.cooldown, w.gateDelay = minGap, cooldown, gateDelay
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.callTimeout = d
		}
	}
}

// WithRetention deletes completed jobs older than retention, checked every sweepEvery.
func WithRetention(retention, sweepEvery time.Duration) Option {
	return func(w *Worker) { w.retention, w.sweepEvery = retention, sweepEvery }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

func New(repo repository.JobRepository, reg registry.Registry, gate Gate, policy retry.Policy, opts ...Option) *Worker {
	w := &Worker{
		repo:        repo,
		reg:         reg,
		gate:        gate,
		policy:      policy,
		minGap:      2 * time.Second,
		cooldown:    30 * time.Second,
		gateDelay:   60 * time.Second,
		callTimeout: 20 * time.Second,
		log:         slog.Default(),
		now:         time.Now,
		sleep:       ratelimit.Sleep,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start resets items interrupted by a previous process and launches the drain loop.
// The loop stops when ctx is cancelled; Done is closed afterwards.
func (w *Worker) Start(ctx context.Context) error {
	started := false
	var err error
	w.once.Do(func() {
		started = true
		var n int
		if n, err = w.repo.ResetInterrupted(ctx, w.now()); err != nil {
			err = fmt.Errorf("reset interrupted items: %w", err)
			return
		}
		w.log.Info("slowlane.started", "resumed", n, "min_gap", w.minGap, "cooldown", w.cooldown)
		go w.run(ctx)
	})
	if err != nil {
		return err
	}
	if !started {
		return errors.New("slowlane: worker already started")
	}
	return nil
}

// Notify wakes the loop after new items were enqueued. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.log.Info("slowlane.stopped")

	for {
		wake := w.drain(ctx)
		if ctx.Err() != nil {
			return
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wake >= 0 {
			timer = time.NewTimer(wake)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-w.notify:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// drain processes due items until none is left and returns how long to idle
// before the next pass, or -1 to wait for a notification only.
func (w *Worker) drain(ctx context.Context) time.Duration {
	for ctx.Err() == nil {
		processed, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return -1
			}
			w.log.Error("slowlane.step failed", "error", err)
			return storeBackoff
		}
		if !processed {
			break
		}
	}
	if ctx.Err() != nil {
		return -1
	}

	w.sweep(ctx)
	w.reportPending(ctx)
	wake := time.Duration(-1)
	due, err := w.repo.NextPendingDue(ctx)
	switch {
	case err != nil:
		w.log.Error("slowlane.next_due failed", "error", err)
		wake = storeBackoff
	case due != nil:
		wake = max(due.Sub(w.now()), 0)
	}
	if w.retention > 0 && w.sweepEvery > 0 {
		untilSweep := max(w.lastSweep.Add(w.sweepEvery).Sub(w.now()), 0)
		if wake < 0 || untilSweep < wake {
			wake = untilSweep
		}
	}
	return wake
}

// Step runs one dispatch: honour the cool-down, claim the next due item and
// resolve it. It reports whether an item was claimed. Step must not be called
// concurrently with a started worker.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	// Never claim while another item is still held in processing.
	if w.stranded != nil {
		if err := w.release(ctx); err != nil {
			return false, err
		}
	}
	if wait := w.cooldownUntil.Sub(w.now()); wait > 0 {
		w.log.Debug("slowlane.cooldown", "wait_ms", wait.Milliseconds())
		if err := w.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
	item, err := w.repo.ClaimNextDue(ctx, w.now())
	if err != nil || item == nil {
		return false, err
	}
	if err := w.process(ctx, item); err != nil {
		w.stranded = item
		// On shutdown the item is left for ResetInterrupted.
		if ctx.Err() == nil {
			if rerr := w.release(ctx); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return true, err
	}
	return true, nil
}

// release hands the stranded item back as retry, due after storeBackoff.
// An item that is no longer processing was recorded after all.
func (w *Worker) release(ctx context.Context) error {
	item := w.stranded
	now := w.now()
	err := w.repo.Requeue(ctx, item, now.Add(storeBackoff), now)
	if err != nil && !errors.Is(err, common.ErrInvalidTransition) {
		return fmt.Errorf("requeue %s: %w", item.Key, err)
	}
	w.stranded = nil
	if err == nil {
		w.metrics.ItemTransition(string(constants.ItemRetry))
		w.log.Warn("slowlane.item.requeued", "job_id", item.JobID, "key", item.Key, "next_due_at", item.NextDueAt)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, item *repository.Item) error {
	log := w.log.With("job_id", item.JobID, "key", item.Key)
	key := lookupkey.FromString(item.Key)

	payload, hit := cache.Lookup(ctx, w.cache, item.Key, log)
	if w.cache != nil {
		w.metrics.CacheLookup(hit)
	}
	if hit {
		log.Info("slowlane.item.cached")
		return w.finish(ctx, item, payload, constants.SourceCache)
	}

	if w.gate != nil && !w.gate.Available(ctx, key.Jurisdiction) {
		gateErr := &registry.Error{
			Code:    constants.CodeStatusGateUnavailable,
			Message: fmt.Sprintf("registry reports %s unavailable", key.Jurisdiction),
		}
		d := w.policy.Decide(gateErr, item.Attempts+1)
		if d.Retry {
			d.Delay = w.policy.Jittered(w.gateDelay)
		}
		return w.fail(ctx, item, d, log)
	}

	if !w.lastCall.IsZero() {
		if wait := w.lastCall.Add(w.minGap).Sub(w.now()); wait > 0 {
			if err := w.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	w.lastCall = w.now()

	res, err := w.call(ctx, key)
	if err == nil {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		cache.Store(ctx, w.cache, item.Key, payload, log)
		return w.finish(ctx, item, payload, constants.SourceSlow)
	}

	d := w.policy.Decide(err, item.Attempts+1)
	if d.Class == retry.ClassCongestion && w.cooldown > 0 {
		w.cooldownUntil = w.now().Add(w.cooldown)
		w.metrics.Cooldown()
		log.Warn("slowlane.cooldown.raised", "code", d.Code, "until", w.cooldownUntil)
	}
	return w.fail(ctx, item, d, log)
}

func (w *Worker) call(ctx context.Context, key lookupkey.Key) (*registry.CheckResult, error) {
	cctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.reg.Check(cctx, key)
	outcome := "ok"
	if err != nil {
		class, _, _ := retry.Classify(err)
		outcome = string(class)
	}
	w.metrics.UpstreamCall(lane, outcome, time.Since(start))
	return res, err
}

func (w *Worker) finish(ctx context.Context, item *repository.Item, payload []byte, source constants.RowSource) error {
	if err := w.repo.MarkDone(ctx, item, payload, source, w.now()); err != nil {
		return err
	}
	w.metrics.ItemTransition(string(constants.ItemDone))
	w.log.Info("slowlane.item.done", "job_id", item.JobID, "key", item.Key, "source", source, "attempts", item.Attempts)
	return nil
}

func (w *Worker) fail(ctx context.Context, item *repository.Item, d retry.Decision, log *slog.Logger) error {
	attempts := item.Attempts + 1
	now := w.now()
	if d.Retry {
		due := now.Add(d.Delay)
		if err := w.repo.MarkRetry(ctx, item, repository.RetryUpdate{
			Attempts: attempts, NextDueAt: due, Code: d.Code, Message: d.Message,
		}, now); err != nil {
			return err
		}
		w.metrics.ItemTransition(string(constants.ItemRetry))
		log.Info("slowlane.item.retry", "attempts", attempts, "code", d.Code, "next_due_at", due)
		return nil
	}
	if err := w.repo.MarkError(ctx, item, attempts, d.Code, d.Message, now); err != nil {
		return err
	}
	w.metrics.ItemTransition(string(constants.ItemError))
	log.Warn("slowlane.item.error", "attempts", attempts, "code", d.Code, "exhausted", d.Exhausted)
	return nil
}

func (w *Worker) sweep(ctx context.Context) {
	if w.retention <= 0 || w.sweepEvery <= 0 {
		return
	}
	now := w.now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.sweepEvery {
		return
	}
	w.lastSweep = now
	if _, err := w.repo.SweepJobs(ctx, now.Add(-w.retention)); err != nil {
		w.log.Error("slowlane.sweep failed", "error", err)
	}
	if p, ok := w.cache.(Purger); ok {
		if n, err := p.Purge(ctx); err != nil {
			w.log.Error("slowlane.cache_purge failed", "error", err)
		} else if n > 0 {
			w.log.Info("slowlane.cache_purged", "entries", n)
		}
	}
}

func (w *Worker) reportPending(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	counts, err := w.repo.CountByState(ctx)
	if err != nil {
		return
	}
	w.metrics.Pending(counts[constants.ItemQueued] + counts[constants.ItemRetry] + counts[constants.ItemProcessing])
}
