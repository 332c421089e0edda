package fastlane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	registry_mock "github.com/joseph-ayodele/vat-checker/internal/mocks/registry"
	"github.com/joseph-ayodele/vat-checker/internal/ratelimit"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	"github.com/joseph-ayodele/vat-checker/internal/retry"
)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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
	c.slept = append(c.slept, d)
	return nil
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Congestion:  []time.Duration{2 * time.Second, 4 * time.Second},
		Default:     []time.Duration{500 * time.Millisecond},
	}
}

func keys(t *testing.T, raw ...string) []lookupkey.Key {
	t.Helper()
	out := make([]lookupkey.Key, 0, len(raw))
	for _, r := range raw {
		k, err := lookupkey.Parse(r)
		require.NoError(t, err)
		out = append(out, k)
	}
	return out
}

func okResult(k lookupkey.Key) *registry.CheckResult {
	return &registry.CheckResult{CountryCode: k.Jurisdiction, VATNumber: k.Body, Valid: true, Name: "ACME"}
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	clock := newFakeClock()
	alloc := ratelimit.NewAllocator(0, 0, ratelimit.WithClock(clock.Now, clock.Sleep))
	mem := cache.NewMemory(time.Hour)

	ks := keys(t, "NL123456789B01")
	gomock.InOrder(
		reg.EXPECT().Check(gomock.Any(), ks[0]).Return(nil, &registry.Error{Code: constants.CodeMSMaxConcurrentReq}),
		reg.EXPECT().Check(gomock.Any(), ks[0]).Return(okResult(ks[0]), nil),
	)

	e := New(reg, alloc, testPolicy(), WithWorkers(1), WithCache(mem), WithSleep(clock.Sleep))
	out, err := e.Run(context.Background(), ks)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].OK())
	assert.Equal(t, 2, out[0].Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.slept, "congestion ladder first rung")

	payload, ok, err := mem.Get(context.Background(), "NL123456789B01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(out[0].Payload), string(payload))
}

func TestExecutor_Exhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	clock := newFakeClock()
	alloc := ratelimit.NewAllocator(0, 0, ratelimit.WithClock(clock.Now, clock.Sleep))

	ks := keys(t, "BE0123456789")
	reg.EXPECT().Check(gomock.Any(), ks[0]).Return(nil, &registry.Error{Code: constants.CodeMSUnavailable}).Times(3)

	e := New(reg, alloc, testPolicy(), WithSleep(clock.Sleep))
	out, err := e.Run(context.Background(), ks)
	require.NoError(t, err)
	assert.False(t, out[0].OK())
	assert.Equal(t, 3, out[0].Attempts)
	assert.Equal(t, constants.CodeRetryBudgetExhausted, out[0].Code)
}

func TestExecutor_RejectedIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	alloc := ratelimit.NewAllocator(0, 0)
	mem := cache.NewMemory(time.Hour)

	ks := keys(t, "FR12345678901")
	reg.EXPECT().Check(gomock.Any(), ks[0]).Return(nil, &registry.Error{Code: constants.CodeInvalidInput, Message: "bad"}).Times(1)

	e := New(reg, alloc, testPolicy(), WithCache(mem))
	out, err := e.Run(context.Background(), ks)
	require.NoError(t, err)
	assert.Equal(t, constants.CodeInvalidInput, out[0].Code)
	assert.Equal(t, 1, out[0].Attempts)
	assert.Zero(t, mem.Len(), "failures are never cached")
}

func TestExecutor_PacingSingleWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	clock := newFakeClock()
	start := clock.Now()
	alloc := ratelimit.NewAllocator(250*time.Millisecond, 1500*time.Millisecond,
		ratelimit.WithClock(clock.Now, clock.Sleep))

	ks := keys(t, "NL000000001B01", "BE0000000001", "NL000000002B01")
	calls := map[string]time.Time{}
	reg.EXPECT().Check(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, k lookupkey.Key) (*registry.CheckResult, error) {
			calls[k.String()] = clock.Now()
			return okResult(k), nil
		}).Times(3)

	e := New(reg, alloc, testPolicy(), WithWorkers(1), WithSleep(clock.Sleep))
	out, err := e.Run(context.Background(), ks)
	require.NoError(t, err)
	for _, o := range out {
		assert.True(t, o.OK())
	}

	// One worker drains the NL partition first, then BE.
	assert.Equal(t, start, calls["NL000000001B01"])
	assert.Equal(t, start.Add(1500*time.Millisecond), calls["NL000000002B01"])
	assert.Equal(t, start.Add(1750*time.Millisecond), calls["BE0000000001"])
}

func TestExecutor_ConcurrencyBound(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	alloc := ratelimit.NewAllocator(0, 0)

	ks := keys(t, "NL000000001B01", "NL000000002B01", "BE0000000001", "BE0000000002", "FR00000000001", "AT00000001")

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	busy := map[string]bool{}
	overlap := false

	reg.EXPECT().Check(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, k lookupkey.Key) (*registry.CheckResult, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			mu.Lock()
			if busy[k.Jurisdiction] {
				overlap = true
			}
			busy[k.Jurisdiction] = true
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			busy[k.Jurisdiction] = false
			mu.Unlock()
			inflight.Add(-1)
			return okResult(k), nil
		}).Times(len(ks))

	e := New(reg, alloc, testPolicy(), WithWorkers(2))
	out, err := e.Run(context.Background(), ks)
	require.NoError(t, err)
	require.Len(t, out, len(ks))
	for i, o := range out {
		assert.Equal(t, ks[i], o.Key, "outcomes stay aligned with input")
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.False(t, overlap, "a partition never has two calls in flight")
}

func TestExecutor_ContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := registry_mock.NewMockRegistry(ctrl)
	alloc := ratelimit.NewAllocator(0, time.Hour)

	ks := keys(t, "NL000000001B01", "NL000000002B01")
	ctx, cancel := context.WithCancel(context.Background())
	reg.EXPECT().Check(gomock.Any(), ks[0]).DoAndReturn(
		func(context.Context, lookupkey.Key) (*registry.CheckResult, error) {
			cancel()
			return okResult(ks[0]), nil
		})

	e := New(reg, alloc, testPolicy())
	_, err := e.Run(ctx, ks)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartition(t *testing.T) {
	ks := []lookupkey.Key{{Jurisdiction: "NL"}, {Jurisdiction: "BE"}, {Jurisdiction: "NL"}}
	assert.Equal(t, [][]int{{0, 2}, {1}}, partition(ks))
}
