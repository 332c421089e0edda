// Package retry holds the backoff policy shared by the fast and slow lanes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
)

// Class is the error taxonomy every lane failure is mapped to.
type Class string

const (
	ClassNone        Class = ""
	ClassMalformed   Class = "malformed_input"
	ClassNetwork     Class = "network_or_timeout"
	ClassCongestion  Class = "upstream_congestion"
	ClassUnavailable Class = "upstream_unavailable"
	ClassRejected    Class = "upstream_rejected"
	ClassExhausted   Class = "retry_budget_exhausted"
)

// Retryable reports whether the class may be retried.
func (c Class) Retryable() bool {
	return c == ClassNetwork || c == ClassCongestion || c == ClassUnavailable
}

var codeClasses = map[string]Class{
	constants.CodeMSMaxConcurrentReq:         ClassCongestion,
	constants.CodeMSMaxConcurrentReqTime:     ClassCongestion,
	constants.CodeGlobalMaxConcurrentReq:     ClassCongestion,
	constants.CodeGlobalMaxConcurrentReqTime: ClassCongestion,
	constants.CodeMSUnavailable:              ClassUnavailable,
	constants.CodeServiceUnavailable:         ClassUnavailable,
	constants.CodeStatusGateUnavailable:      ClassUnavailable,
	constants.CodeTimeout:                    ClassNetwork,
	constants.CodeNetworkError:               ClassNetwork,
	constants.CodeUnexpectedResponse:         ClassNetwork,
	constants.CodeInvalidInput:               ClassRejected,
	constants.CodeInvalidRequesterInfo:       ClassRejected,
	constants.CodeVATBlocked:                 ClassRejected,
	constants.CodeIPBlocked:                  ClassRejected,
	constants.CodeMalformedInput:             ClassMalformed,
	constants.CodeRetryBudgetExhausted:       ClassExhausted,
}

// ClassifyCode maps an error code to its class. Unknown codes are rejections.
func ClassifyCode(code string) Class {
	if c, ok := codeClasses[code]; ok {
		return c
	}
	return ClassRejected
}

// Classify maps err to (class, code, message).
func Classify(err error) (Class, string, string) {
	if err == nil {
		return ClassNone, "", ""
	}
	var malformed *lookupkey.MalformedError
	if errors.As(err, &malformed) {
		return ClassMalformed, constants.CodeMalformedInput, string(malformed.Reason)
	}
	var regErr *registry.Error
	if errors.As(err, &regErr) {
		return ClassifyCode(regErr.Code), regErr.Code, regErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork, constants.CodeTimeout, err.Error()
	}
	return ClassNetwork, constants.CodeNetworkError, err.Error()
}

// Policy is parameterized by class ladders, jitter bound and attempt budget.
type Policy struct {
	MaxAttempts int
	Congestion  []time.Duration
	Default     []time.Duration
	Jitter      time.Duration

	// jitterFn returns a value in [0, n]; nil uses math/rand.
	jitterFn func(n int64) int64
}

// WithJitterFunc returns a copy of p using fn for jitter. Used by tests.
func (p Policy) WithJitterFunc(fn func(n int64) int64) Policy {
	p.jitterFn = fn
	return p
}

// Delay returns the backoff before attempt number attempts+1, given that
// attempts failures (1-based) have happened so far.
func (p Policy) Delay(class Class, attempts int) time.Duration {
	ladder := p.Default
	if class == ClassCongestion && len(p.Congestion) > 0 {
		ladder = p.Congestion
	}
	var base time.Duration
	if len(ladder) > 0 {
		idx := attempts - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(ladder) {
			idx = len(ladder) - 1
		}
		base = ladder[idx]
	}
	return base + p.jitter()
}

// Jittered adds bounded jitter to a fixed delay.
func (p Policy) Jittered(d time.Duration) time.Duration {
	return d + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	n := int64(p.Jitter)
	if p.jitterFn != nil {
		return time.Duration(p.jitterFn(n))
	}
	return time.Duration(rand.Int63n(n + 1))
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Class     Class
	Code      string
	Message   string
	Retry     bool
	Exhausted bool
	Delay     time.Duration
}

// Decide classifies err after the attempts-th failed attempt (1-based).
func (p Policy) Decide(err error, attempts int) Decision {
	class, code, msg := Classify(err)
	d := Decision{Class: class, Code: code, Message: msg}
	if !class.Retryable() {
		return d
	}
	if attempts >= p.MaxAttempts {
		d.Exhausted = true
		d.Code = constants.CodeRetryBudgetExhausted
		d.Message = fmt.Sprintf("gave up after %d attempts, last error %s: %s", attempts, code, msg)
		return d
	}
	d.Retry = true
	d.Delay = p.Delay(class, attempts)
	return d
}
