package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.UpstreamCall("fast", "ok", time.Second)
	m.ItemTransition("done")
	m.CacheLookup(true)
	m.ReservationWait(time.Millisecond)
	m.Cooldown()
	m.Pending(3)
	m.BatchSubmitted()
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counts(t *testing.T) {
	m := New()
	m.UpstreamCall("slow", "ok", 10*time.Millisecond)
	m.UpstreamCall("slow", "ok", 10*time.Millisecond)
	m.CacheLookup(false)
	m.Cooldown()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.upstreamCalls.WithLabelValues("slow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cooldowns))
}
