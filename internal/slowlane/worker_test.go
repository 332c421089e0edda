package slowlane

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/common"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	registry_mock "github.com/joseph-ayodele/vat-checker/internal/mocks/registry"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	"github.com/joseph-ayodele/vat-checker/internal/repository"
	"github.com/joseph-ayodele/vat-checker/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

type staticGate bool

func (g staticGate) Available(context.Context, string) bool { return bool(g) }

func testPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		Congestion:  []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second},
		Default:     []time.Duration{5 * time.Second, 10 * time.Second},
	}
}

func openRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "slowlane.db")
	db, err := repository.Open(context.Background(), repository.Config{DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(nil) })
	return repository.NewJobRepository(db, nil)
}

func createJob(t *testing.T, repo repository.JobRepository, at time.Time, raw ...string) *repository.Job {
	t.Helper()
	items := make([]repository.NewItem, 0, len(raw))
	for i, r := range raw {
		k, err := lookupkey.Parse(r)
		require.NoError(t, err)
		items = append(items, repository.NewItem{Key: k.String(), Input: r, Jurisdiction: k.Jurisdiction, Identifier: k.Body, Position: i})
	}
	job, err := repo.CreateJob(context.Background(), "", items, at)
	require.NoError(t, err)
	return job
}

func onlyItem(t *testing.T, repo repository.JobRepository, job *repository.Job) *repository.Item {
	t.Helper()
	list, err := repo.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func keyOf(raw string) lookupkey.Key {
	k, _ := lookupkey.Parse(raw)
	return k
}

func TestWorker_CongestionBackoff(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))
	reg.EXPECT().Check(gomock.Any(), keyOf("DE123456789")).
		Return(nil, &registry.Error{Code: constants.CodeMSMaxConcurrentReq}).Times(3)

	job := createJob(t, repo, t0, "DE123456789")
	w := New(repo, reg, nil, testPolicy(8),
		WithPacing(2*time.Second, 30*time.Second, time.Minute),
		WithClock(clock.Now, clock.Sleep))

	var dues []time.Time
	for i := 0; i < 3; i++ {
		it := onlyItem(t, repo, job)
		if it.NextDueAt != nil {
			clock.AdvanceTo(*it.NextDueAt)
		}
		processed, err := w.Step(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		it = onlyItem(t, repo, job)
		require.NotNil(t, it.NextDueAt)
		assert.False(t, it.NextDueAt.Before(clock.Now()), "next_due_at is never in the past")
		dues = append(dues, *it.NextDueAt)
	}

	it := onlyItem(t, repo, job)
	assert.Equal(t, 3, it.Attempts)
	assert.Equal(t, constants.ItemRetry, it.State)
	assert.Equal(t, constants.CodeMSMaxConcurrentReq, it.LastErrorCode)
	assert.True(t, dues[0].Before(dues[1]) && dues[1].Before(dues[2]), "dues %v", dues)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusRunning, got.Status)
}

func TestWorker_CooldownDelaysUnrelatedItem(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))

	createJob(t, repo, t0, "DE111111111")
	createJob(t, repo, t0.Add(time.Millisecond), "DE222222222")

	var secondCall time.Time
	reg.EXPECT().Check(gomock.Any(), keyOf("DE111111111")).
		Return(nil, &registry.Error{Code: constants.CodeGlobalMaxConcurrentReq})
	reg.EXPECT().Check(gomock.Any(), keyOf("DE222222222")).DoAndReturn(
		func(_ context.Context, k lookupkey.Key) (*registry.CheckResult, error) {
			secondCall = clock.Now()
			return &registry.CheckResult{CountryCode: k.Jurisdiction, VATNumber: k.Body, Valid: true}, nil
		})

	w := New(repo, reg, nil, testPolicy(8),
		WithPacing(2*time.Second, 30*time.Second, time.Minute),
		WithClock(clock.Now, clock.Sleep))

	for i := 0; i < 2; i++ {
		processed, err := w.Step(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, t0.Add(30*time.Second), secondCall)
}

func TestWorker_MinGap(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))
	createJob(t, repo, t0, "DE111111111", "DE222222222")

	var calls []time.Time
	reg.EXPECT().Check(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, k lookupkey.Key) (*registry.CheckResult, error) {
			calls = append(calls, clock.Now())
			return &registry.CheckResult{CountryCode: k.Jurisdiction, VATNumber: k.Body, Valid: true}, nil
		}).Times(2)

	w := New(repo, reg, nil, testPolicy(8),
		WithPacing(2*time.Second, 30*time.Second, time.Minute),
		WithClock(clock.Now, clock.Sleep))
	for i := 0; i < 2; i++ {
		_, err := w.Step(ctx)
		require.NoError(t, err)
	}
	require.Len(t, calls, 2)
	assert.Equal(t, 2*time.Second, calls[1].Sub(calls[0]))

	processed, err := w.Step(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_CacheHit(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))
	mem := cache.NewMemory(time.Hour)
	require.NoError(t, mem.Put(ctx, "DE123456789", []byte(`{"countryCode":"DE","vatNumber":"123456789","valid":true}`)))

	job := createJob(t, repo, t0, "DE 123 456 789")
	w := New(repo, reg, staticGate(false), testPolicy(8), WithCache(mem), WithClock(clock.Now, clock.Sleep))

	processed, err := w.Step(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	it := onlyItem(t, repo, job)
	assert.Equal(t, constants.ItemDone, it.State)
	assert.Equal(t, constants.SourceCache, it.Source)
	assert.Equal(t, 0, it.Attempts)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
}

func TestWorker_GateShortCircuit(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))

	job := createJob(t, repo, t0, "DE123456789")
	w := New(repo, reg, staticGate(false), testPolicy(8),
		WithPacing(2*time.Second, 30*time.Second, time.Minute),
		WithClock(clock.Now, clock.Sleep))

	processed, err := w.Step(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	it := onlyItem(t, repo, job)
	assert.Equal(t, constants.ItemRetry, it.State)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, constants.CodeStatusGateUnavailable, it.LastErrorCode)
	require.NotNil(t, it.NextDueAt)
	assert.Equal(t, t0.Add(time.Minute), *it.NextDueAt)
}

func TestWorker_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))
	reg.EXPECT().Check(gomock.Any(), gomock.Any()).
		Return(nil, &registry.Error{Code: constants.CodeMSUnavailable}).Times(2)

	job := createJob(t, repo, t0, "DE123456789")
	w := New(repo, reg, nil, testPolicy(2), WithClock(clock.Now, clock.Sleep))

	_, err := w.Step(ctx)
	require.NoError(t, err)
	it := onlyItem(t, repo, job)
	require.Equal(t, constants.ItemRetry, it.State)
	assert.Equal(t, t0.Add(5*time.Second), *it.NextDueAt)

	clock.AdvanceTo(*it.NextDueAt)
	_, err = w.Step(ctx)
	require.NoError(t, err)

	it = onlyItem(t, repo, job)
	assert.Equal(t, constants.ItemError, it.State)
	assert.Equal(t, 2, it.Attempts)
	assert.Equal(t, constants.CodeRetryBudgetExhausted, it.LastErrorCode)
	assert.Contains(t, it.LastErrorMessage, constants.CodeMSUnavailable)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Done)
}

func TestWorker_RejectedIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))
	reg.EXPECT().Check(gomock.Any(), gomock.Any()).
		Return(nil, &registry.Error{Code: constants.CodeInvalidInput, Message: "invalid"})

	job := createJob(t, repo, t0, "DE123456789")
	w := New(repo, reg, staticGate(true), testPolicy(8), WithClock(clock.Now, clock.Sleep))

	_, err := w.Step(ctx)
	require.NoError(t, err)
	it := onlyItem(t, repo, job)
	assert.Equal(t, constants.ItemError, it.State)
	assert.Equal(t, constants.CodeInvalidInput, it.LastErrorCode)
	assert.Equal(t, 1, it.Attempts)
	assert.Nil(t, it.NextDueAt)
}

func TestWorker_ResumeAndNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := openRepo(t)
	reg := registry_mock.NewMockRegistry(gomock.NewController(t))

	now := time.Now()
	first := createJob(t, repo, now, "DE111111111", "DE222222222", "DE333333333")
	// A previous process died mid-call.
	_, err := repo.ClaimNextDue(ctx, now)
	require.NoError(t, err)

	var violations atomic.Int32
	reg.EXPECT().Check(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, k lookupkey.Key) (*registry.CheckResult, error) {
			counts, err := repo.CountByState(context.Background())
			if err != nil || counts[constants.ItemProcessing] != 1 {
				violations.Add(1)
			}
			return &registry.CheckResult{CountryCode: k.Jurisdiction, VATNumber: k.Body, Valid: true}, nil
		}).Times(4)

	w := New(repo, reg, nil, testPolicy(8), WithPacing(0, 0, 0))
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start is rejected")

	completed := func(job *repository.Job) func() bool {
		return func() bool {
			got, err := repo.GetJob(context.Background(), job.ID)
			return err == nil && got.Status == constants.JobStatusCompleted
		}
	}
	require.Eventually(t, completed(first), 5*time.Second, 10*time.Millisecond)

	second := createJob(t, repo, time.Now(), "DE444444444")
	w.Notify()
	require.Eventually(t, completed(second), 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Zero(t, violations.Load(), "exactly one item is processing during a call")
}

func TestWorker_SweepsCompletedJobs(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	clock := &fakeClock{t: t0}
	mem := cache.NewMemory(time.Hour)
	require.NoError(t, mem.Put(ctx, "DE123456789", []byte(`{"valid":true}`)))

	job := createJob(t, repo, t0, "DE123456789")
	w := New(repo, registry_mock.NewMockRegistry(gomock.NewController(t)), nil, testPolicy(8),
		WithCache(mem),
		WithRetention(time.Hour, time.Minute),
		WithClock(clock.Now, clock.Sleep))

	processed, err := w.Step(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	clock.AdvanceTo(t0.Add(2 * time.Hour))
	wake := w.drain(ctx)
	assert.Equal(t, time.Minute, wake, "next pass is the next sweep")

	_, err = repo.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

// flakyRepo fails the first markDoneFails MarkDone calls and the first
// requeueFails Requeue calls with a transient store error.
type flakyRepo struct {
	repository.JobRepository
	markDoneFails int
	requeueFails  int
}

func (r *flakyRepo) MarkDone(ctx context.Context, item *repository.Item, payload []byte, source constants.RowSource, now time.Time) error {
	if r.markDoneFails > 0 {
		r.markDoneFails--
		return fmt.Errorf("mark done: %w", common.ErrStoreUnavailable)
	}
	return r.JobRepository.MarkDone(ctx, item, payload, source, now)
}

func (r *flakyRepo) Requeue(ctx context.Context, item *repository.Item, due, now time.Time) error {
	if r.requeueFails > 0 {
		r.requeueFails--
		return fmt.Errorf("requeue: %w", common.ErrStoreUnavailable)
	}
	return r.JobRepository.Requeue(ctx, item, due, now)
}

func TestWorker_StoreFailureRequeuesItem(t *testing.T) {
	tests := []struct {
		name         string
		requeueFails int
	}{
		{name: "requeued_immediately"},
		{name: "requeued_on_next_step", requeueFails: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := openRepo(t)
			repo := &flakyRepo{JobRepository: base, markDoneFails: 1, requeueFails: tt.requeueFails}
			clock := &fakeClock{t: t0}
			reg := registry_mock.NewMockRegistry(gomock.NewController(t))
			reg.EXPECT().Check(gomock.Any(), keyOf("DE111111111")).
				Return(&registry.CheckResult{Valid: true}, nil).Times(2)
			reg.EXPECT().Check(gomock.Any(), keyOf("DE222222222")).
				Return(&registry.CheckResult{Valid: true}, nil).Times(1)

			job := createJob(t, base, t0, "DE111111111", "DE222222222")
			w := New(repo, reg, nil, testPolicy(8),
				WithPacing(0, 0, time.Minute),
				WithClock(clock.Now, clock.Sleep))

			processed, err := w.Step(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrStoreUnavailable)
			assert.True(t, processed)

			for i := 0; i < 4; i++ {
				counts, err := base.CountByState(ctx)
				require.NoError(t, err)
				assert.LessOrEqual(t, counts[constants.ItemProcessing], 1, "at most one item in processing")

				clock.AdvanceTo(clock.Now().Add(storeBackoff))
				_, err = w.Step(ctx)
				require.NoError(t, err)
			}

			list, err := base.ListItems(ctx, job.ID)
			require.NoError(t, err)
			for _, it := range list {
				assert.Equal(t, constants.ItemDone, it.State, it.Key)
				assert.Equal(t, 0, it.Attempts, "a store failure is not an attempt")
			}
			got, err := base.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, constants.JobStatusCompleted, got.Status)
			assert.Equal(t, 2, got.Done)
		})
	}
}
