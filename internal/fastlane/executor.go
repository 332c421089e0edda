// Package fastlane runs synchronous lookups inside a batch request with a
// bounded worker pool, paced by the reservation allocator.
package fastlane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/metrics"
	"github.com/joseph-ayodele/vat-checker/internal/ratelimit"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	"github.com/joseph-ayodele/vat-checker/internal/retry"
)

const lane = "fast"

// Outcome is the terminal result of one key.
type Outcome struct {
	Key      lookupkey.Key
	Result   *registry.CheckResult
	Payload  []byte
	Attempts int
	Code     string
	Message  string
}

// OK reports whether the registry answered.
func (o Outcome) OK() bool { return o.Result != nil }

type Executor struct {
	reg         registry.Registry
	alloc       *ratelimit.Allocator
	policy      retry.Policy
	cache       cache.Cache
	workers     int
	callTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

func WithCache(c cache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func New(reg registry.Registry, alloc *ratelimit.Allocator, policy retry.Policy, opts ...Option) *Executor {
	e := &Executor{
		reg:         reg,
		alloc:       alloc,
		policy:      policy,
		workers:     3,
		callTimeout: 20 * time.Second,
		log:         slog.Default(),
		sleep:       ratelimit.Sleep,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run checks every key and returns outcomes aligned with keys. Keys are
// grouped by jurisdiction; partitions go to workers round-robin and each
// partition is processed strictly in order. An error is returned only when
// ctx ends before all keys are resolved.
func (e *Executor) Run(ctx context.Context, keys []lookupkey.Key) ([]Outcome, error) {
	out := make([]Outcome, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	parts := partition(keys)
	workers := min(e.workers, len(parts))
	assigned := make([][][]int, workers)
	for i, p := range parts {
		assigned[i%workers] = append(assigned[i%workers], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range assigned {
		mine := assigned[w]
		g.Go(func() error {
			for _, p := range mine {
				for _, idx := range p {
					o, err := e.check(gctx, keys[idx])
					if err != nil {
						return err
					}
					out[idx] = o
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// partition groups key indexes by jurisdiction in order of first appearance.
func partition(keys []lookupkey.Key) [][]int {
	pos := make(map[string]int)
	var parts [][]int
	for i, k := range keys {
		p, ok := pos[k.Jurisdiction]
		if !ok {
			p = len(parts)
			pos[k.Jurisdiction] = p
			parts = append(parts, nil)
		}
		parts[p] = append(parts[p], i)
	}
	return parts
}

func (e *Executor) check(ctx context.Context, key lookupkey.Key) (Outcome, error) {
	o := Outcome{Key: key}
	for {
		waited, err := e.alloc.Wait(ctx, key.Jurisdiction)
		if err != nil {
			return o, err
		}
		e.metrics.ReservationWait(waited)

		o.Attempts++
		res, err := e.call(ctx, key)
		if err == nil {
			payload, merr := json.Marshal(res)
			if merr != nil {
				return o, fmt.Errorf("encode result for %s: %w", key, merr)
			}
			cache.Store(ctx, e.cache, key.String(), payload, e.log)
			o.Result, o.Payload = res, payload
			return o, nil
		}
		if ctx.Err() != nil {
			return o, ctx.Err()
		}

		d := e.policy.Decide(err, o.Attempts)
		if !d.Retry {
			o.Code, o.Message = d.Code, d.Message
			e.log.Info("fastlane.key.failed", "key", key.String(), "attempts", o.Attempts, "code", d.Code, "exhausted", d.Exhausted)
			return o, nil
		}
		e.log.Debug("fastlane.key.retry", "key", key.String(), "attempts", o.Attempts, "code", d.Code, "delay_ms", d.Delay.Milliseconds())
		if err := e.sleep(ctx, d.Delay); err != nil {
			return o, err
		}
	}
}

func (e *Executor) call(ctx context.Context, key lookupkey.Key) (*registry.CheckResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.reg.Check(cctx, key)
	class, _, _ := retry.Classify(err)
	outcome := "ok"
	if err != nil {
		outcome = string(class)
	}
	e.metrics.UpstreamCall(lane, outcome, time.Since(start))
	return res, err
}
