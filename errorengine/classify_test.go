package errorengine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
)

func classifyJob(priority core.Priority) *core.Job {
	return &core.Job{ID: "job-1", Priority: priority}
}

func classifyTask(attempt int) *core.PlatformTask {
	return &core.PlatformTask{Platform: core.PlatformIndeed, Attempt: attempt, MaxAttempts: 3}
}

func TestClassifyFromMessageTokens(t *testing.T) {
	tests := []struct {
		message  string
		category core.ErrorCategory
	}{
		{"HTTP 429 too many requests", core.CategoryRateLimit},
		{"request unauthorized: invalid credentials", core.CategoryAuthentication},
		{"context deadline exceeded", core.CategoryTimeout},
		{"monthly quota exceeded", core.CategoryResource},
		{"failed to unmarshal response body", core.CategoryParsing},
		{"missing required field location", core.CategoryValidation},
		{"dial tcp: connection refused", core.CategoryNetwork},
		{"upstream returned 503 service unavailable", core.CategoryPlatform},
		{"redis: connection pool exhausted", core.CategorySystem},
		{"something inexplicable happened", core.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			rec := Classify(errors.New(tt.message), classifyJob(core.PriorityNormal), classifyTask(1))
			assert.Equal(t, tt.category, rec.Category)
			assert.Equal(t, policies[tt.category].severity, rec.Severity)
			assert.Equal(t, policies[tt.category].retryable, rec.Retryable)
			assert.Equal(t, 1, rec.Attempt)
			assert.NotEmpty(t, rec.ID)
		})
	}
}

func TestClassifyAdapterErrorPassThrough(t *testing.T) {
	// An adapter's own category wins over message tokens, even when the
	// message would match a different rule.
	attemptErr := &core.AdapterError{
		Category:  core.CategoryRateLimit,
		Message:   "connection throttled",
		Retryable: true,
	}
	rec := Classify(attemptErr, classifyJob(core.PriorityNormal), classifyTask(1))

	assert.Equal(t, core.CategoryRateLimit, rec.Category)
	assert.Equal(t, core.SeverityLow, rec.Severity)
	assert.True(t, rec.Retryable)
	assert.Equal(t, "connection throttled", rec.Message)
}

func TestClassifyInfrastructureSentinels(t *testing.T) {
	// A wrapped store-unavailable error is an infrastructure fault and
	// stays retryable regardless of what its message tokens would match
	attemptErr := core.NewOrchestratorError("store.SaveResults", "store",
		fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable))
	rec := Classify(attemptErr, classifyJob(core.PriorityNormal), classifyTask(1))

	assert.Equal(t, core.CategoryResource, rec.Category)
	assert.True(t, rec.Retryable)
	assert.Contains(t, rec.Message, "store.SaveResults")

	rec = Classify(core.ErrCircuitBreakerOpen, classifyJob(core.PriorityNormal), classifyTask(1))
	assert.Equal(t, core.CategoryResource, rec.Category)
	assert.True(t, rec.Retryable)
}

func TestClassifyErrorRecordPassThrough(t *testing.T) {
	original := &core.ErrorRecord{
		ID:        "err-1",
		JobID:     "job-1",
		Platform:  core.PlatformIndeed,
		Category:  core.CategoryTimeout,
		Severity:  core.SeverityMedium,
		Message:   "slow upstream",
		Attempt:   1,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}

	rec := Classify(original, classifyJob(core.PriorityNormal), classifyTask(2))
	require.NotSame(t, original, rec)
	assert.Equal(t, core.CategoryTimeout, rec.Category)
	assert.Equal(t, 2, rec.Attempt, "attempt tracks the current sub-task")
	assert.Equal(t, 1, original.Attempt, "original record untouched")
}

func TestClassifyPromotesSeverityOnRepeatedFailures(t *testing.T) {
	first := Classify(errors.New("dial tcp: connection refused"), classifyJob(core.PriorityNormal), classifyTask(1))
	assert.Equal(t, core.SeverityMedium, first.Severity)

	repeat := Classify(errors.New("dial tcp: connection refused"), classifyJob(core.PriorityNormal), classifyTask(2))
	assert.Equal(t, core.SeverityHigh, repeat.Severity)
}

func TestClassifyCriticalJobRaisesFloor(t *testing.T) {
	rec := Classify(errors.New("HTTP 429 too many requests"), classifyJob(core.PriorityUrgent), classifyTask(1))
	assert.Equal(t, core.SeverityHigh, rec.Severity)
	assert.Equal(t, true, rec.Context["critical_job"])

	tagged := classifyJob(core.PriorityNormal)
	tagged.Metadata = map[string]interface{}{"critical": true}
	rec = Classify(errors.New("HTTP 429 too many requests"), tagged, classifyTask(1))
	assert.Equal(t, core.SeverityHigh, rec.Severity)
}

func TestPolicyForUnknownCategory(t *testing.T) {
	p := policyFor(core.ErrorCategory("made-up"))
	assert.Equal(t, policies[core.CategoryUnknown], p)
}

func TestRetryDelayShapes(t *testing.T) {
	network := policies[core.CategoryNetwork]
	for i := 0; i < 50; i++ {
		d := retryDelay(network, 1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}

	// Exponential doubling: attempt 3 on a 1s base is 4s before jitter
	d := retryDelay(network, 3)
	assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.8))
	assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))

	// Caps at maxDelay even after many attempts
	rateLimit := policies[core.CategoryRateLimit]
	d = retryDelay(rateLimit, 20)
	assert.LessOrEqual(t, d, time.Duration(float64(10*time.Minute)*1.2))

	// Linear scales with the attempt number
	resource := policies[core.CategoryResource]
	d = retryDelay(resource, 2)
	assert.GreaterOrEqual(t, d, time.Duration(float64(20*time.Second)*0.8))
}
