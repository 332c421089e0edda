package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Congestion:  []time.Duration{10 * time.Second, 20 * time.Second},
		Default:     []time.Duration{time.Second, 2 * time.Second},
		Jitter:      500 * time.Millisecond,
	}.WithJitterFunc(func(n int64) int64 { return n })
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		class Class
		code  string
	}{
		{name: "congestion", err: &registry.Error{Code: constants.CodeMSMaxConcurrentReq}, class: ClassCongestion, code: constants.CodeMSMaxConcurrentReq},
		{name: "wrapped_congestion", err: fmt.Errorf("call: %w", &registry.Error{Code: constants.CodeGlobalMaxConcurrentReq}), class: ClassCongestion, code: constants.CodeGlobalMaxConcurrentReq},
		{name: "unavailable", err: &registry.Error{Code: constants.CodeMSUnavailable}, class: ClassUnavailable, code: constants.CodeMSUnavailable},
		{name: "timeout", err: &registry.Error{Code: constants.CodeTimeout}, class: ClassNetwork, code: constants.CodeTimeout},
		{name: "deadline", err: context.DeadlineExceeded, class: ClassNetwork, code: constants.CodeTimeout},
		{name: "plain_error", err: errors.New("connection reset"), class: ClassNetwork, code: constants.CodeNetworkError},
		{name: "rejected", err: &registry.Error{Code: constants.CodeInvalidInput}, class: ClassRejected, code: constants.CodeInvalidInput},
		{name: "unknown_code", err: &registry.Error{Code: "SOMETHING_NEW"}, class: ClassRejected, code: "SOMETHING_NEW"},
		{name: "malformed", err: &lookupkey.MalformedError{Reason: lookupkey.ReasonMissingBody}, class: ClassMalformed, code: constants.CodeMalformedInput},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			class, code, _ := Classify(tc.err)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestPolicy_DelayLadders(t *testing.T) {
	p := testPolicy()
	jitter := 500 * time.Millisecond

	assert.Equal(t, 10*time.Second+jitter, p.Delay(ClassCongestion, 1))
	assert.Equal(t, 20*time.Second+jitter, p.Delay(ClassCongestion, 2))
	assert.Equal(t, 20*time.Second+jitter, p.Delay(ClassCongestion, 9), "ladder clamps at last rung")
	assert.Equal(t, time.Second+jitter, p.Delay(ClassNetwork, 1))
	assert.Equal(t, 2*time.Second+jitter, p.Delay(ClassUnavailable, 2))
	assert.Greater(t, p.Delay(ClassCongestion, 1), p.Delay(ClassNetwork, 1))
}

func TestPolicy_JitterBounded(t *testing.T) {
	p := Policy{Default: []time.Duration{time.Second}, Jitter: 100 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := p.Delay(ClassNetwork, 1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+100*time.Millisecond)
	}
}

func TestPolicy_Decide(t *testing.T) {
	p := testPolicy()

	d := p.Decide(&registry.Error{Code: constants.CodeMSMaxConcurrentReq}, 1)
	assert.True(t, d.Retry)
	assert.False(t, d.Exhausted)
	assert.Equal(t, ClassCongestion, d.Class)

	d = p.Decide(&registry.Error{Code: constants.CodeMSMaxConcurrentReq}, 3)
	assert.False(t, d.Retry)
	assert.True(t, d.Exhausted)
	assert.Equal(t, constants.CodeRetryBudgetExhausted, d.Code)
	assert.Contains(t, d.Message, constants.CodeMSMaxConcurrentReq)

	d = p.Decide(&registry.Error{Code: constants.CodeInvalidInput, Message: "bad"}, 1)
	assert.False(t, d.Retry)
	assert.False(t, d.Exhausted)
	assert.Equal(t, constants.CodeInvalidInput, d.Code)
	assert.Equal(t, "bad", d.Message)
}
