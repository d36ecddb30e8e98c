package errorengine

import (
	"math/rand"
	"time"

	"github.com/jobriver/jobriver/core"
)

// recoveryAction is what the engine does once retries are exhausted or
// the failure is not retryable.
type recoveryAction int

const (
	// actionFail marks the sub-task failed and lets the job aggregate
	actionFail recoveryAction = iota

	// actionFallback substitutes an alternative platform
	actionFallback

	// actionEscalate flags the job for manual intervention
	actionEscalate

	// actionAbort rolls the whole job back
	actionAbort
)

// delayPolicy shapes the retry delay curve.
type delayPolicy int

const (
	delayImmediate delayPolicy = iota
	delayFixed
	delayLinear
	delayExponential
)

// policy is one row of the recovery decision table.
type policy struct {
	severity    core.ErrorSeverity
	maxAttempts int
	retryable   bool
	exhausted   recoveryAction
	delay       delayPolicy
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// policies maps each error category to its recovery behavior. Rate
// limits back off much longer than transient network errors; auth and
// system errors never retry.
var policies = map[core.ErrorCategory]policy{
	core.CategoryNetwork: {
		severity: core.SeverityMedium, maxAttempts: 3, retryable: true,
		exhausted: actionFail, delay: delayExponential, baseDelay: time.Second, maxDelay: 30 * time.Second,
	},
	core.CategoryRateLimit: {
		severity: core.SeverityLow, maxAttempts: 5, retryable: true,
		exhausted: actionFail, delay: delayExponential, baseDelay: 30 * time.Second, maxDelay: 10 * time.Minute,
	},
	core.CategoryTimeout: {
		severity: core.SeverityMedium, maxAttempts: 3, retryable: true,
		exhausted: actionFail, delay: delayExponential, baseDelay: 2 * time.Second, maxDelay: time.Minute,
	},
	core.CategoryPlatform: {
		severity: core.SeverityMedium, maxAttempts: 3, retryable: true,
		exhausted: actionFallback, delay: delayExponential, baseDelay: 5 * time.Second, maxDelay: 2 * time.Minute,
	},
	core.CategoryParsing: {
		severity: core.SeverityMedium, maxAttempts: 2, retryable: true,
		exhausted: actionFail, delay: delayFixed, baseDelay: 5 * time.Second, maxDelay: 5 * time.Second,
	},
	core.CategoryResource: {
		severity: core.SeverityHigh, maxAttempts: 2, retryable: true,
		exhausted: actionEscalate, delay: delayLinear, baseDelay: 10 * time.Second, maxDelay: time.Minute,
	},
	core.CategoryAuthentication: {
		severity: core.SeverityHigh, maxAttempts: 1, retryable: false,
		exhausted: actionEscalate,
	},
	core.CategoryValidation: {
		severity: core.SeverityLow, maxAttempts: 1, retryable: false,
		exhausted: actionFail,
	},
	core.CategorySystem: {
		severity: core.SeverityCritical, maxAttempts: 1, retryable: false,
		exhausted: actionAbort,
	},
	core.CategoryUnknown: {
		severity: core.SeverityMedium, maxAttempts: 2, retryable: true,
		exhausted: actionEscalate, delay: delayFixed, baseDelay: 10 * time.Second, maxDelay: 10 * time.Second,
	},
}

func policyFor(category core.ErrorCategory) policy {
	if p, ok := policies[category]; ok {
		return p
	}
	return policies[core.CategoryUnknown]
}

// retryDelay computes the wait before the next attempt, with
// multiplicative jitter in [0.8, 1.2].
func retryDelay(p policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.delay {
	case delayImmediate:
		return 0
	case delayFixed:
		delay = p.baseDelay
	case delayLinear:
		delay = p.baseDelay * time.Duration(attempt)
	case delayExponential:
		delay = p.baseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}

	return time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
}
