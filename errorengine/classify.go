package errorengine

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobriver/jobriver/core"
)

// tokenRules maps message substrings to categories. First match wins, so
// the more specific tokens come first.
var tokenRules = []struct {
	tokens   []string
	category core.ErrorCategory
}{
	{[]string{"rate limit", "too many requests", "429"}, core.CategoryRateLimit},
	{[]string{"unauthorized", "forbidden", "invalid credentials", "api key", "401", "403"}, core.CategoryAuthentication},
	{[]string{"timeout", "timed out", "deadline exceeded"}, core.CategoryTimeout},
	{[]string{"quota", "out of memory", "resource exhausted", "no space", "capacity"}, core.CategoryResource},
	{[]string{"parse", "unmarshal", "decode", "unexpected token", "malformed"}, core.CategoryParsing},
	{[]string{"validation", "invalid field", "missing required"}, core.CategoryValidation},
	{[]string{"connection", "dial", "dns", "network", "refused", "reset by peer", "broken pipe", "eof"}, core.CategoryNetwork},
	{[]string{"unavailable", "maintenance", "bad gateway", "internal server", "502", "503"}, core.CategoryPlatform},
	{[]string{"panic", "redis", "store unavailable"}, core.CategorySystem},
}

// Classify converts an attempt failure into a typed ErrorRecord. Typed
// AdapterError values pass their category and retryable hint through;
// untyped errors are classified by message tokens.
func Classify(attemptErr error, job *core.Job, task *core.PlatformTask) *core.ErrorRecord {
	rec := &core.ErrorRecord{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Platform:  task.Platform,
		Attempt:   task.Attempt,
		Message:   attemptErr.Error(),
		Timestamp: time.Now().UTC(),
		Context:   map[string]interface{}{},
	}

	var already *core.ErrorRecord
	if errors.As(attemptErr, &already) {
		copied := *already
		copied.Attempt = task.Attempt
		return &copied
	}

	var adapterErr *core.AdapterError
	switch {
	case errors.As(attemptErr, &adapterErr):
		rec.Category = adapterErr.Category
		rec.Retryable = adapterErr.Retryable
		rec.Message = adapterErr.Message
	case core.IsRetryable(attemptErr):
		// Store outages and open breakers are infrastructure faults,
		// not platform misbehavior
		rec.Category = core.CategoryResource
		rec.Retryable = true
	default:
		rec.Category = categoryFromMessage(attemptErr.Error())
		rec.Retryable = policyFor(rec.Category).retryable
	}
	if rec.Category == "" {
		rec.Category = core.CategoryUnknown
	}

	rec.Severity = policyFor(rec.Category).severity
	rec.Code = string(rec.Category)

	// Accumulated failures on the same sub-task promote the severity
	if task.Attempt >= 2 {
		rec.Severity = promote(rec.Severity)
	}
	if criticalJob(job) {
		rec.Context["critical_job"] = true
		if severityRank(rec.Severity) < severityRank(core.SeverityHigh) {
			rec.Severity = core.SeverityHigh
		}
	}
	return rec
}

func categoryFromMessage(msg string) core.ErrorCategory {
	lower := strings.ToLower(msg)
	for _, rule := range tokenRules {
		for _, token := range rule.tokens {
			if strings.Contains(lower, token) {
				return rule.category
			}
		}
	}
	return core.CategoryUnknown
}

func criticalJob(job *core.Job) bool {
	if job.Priority == core.PriorityUrgent {
		return true
	}
	if job.Metadata != nil {
		if v, ok := job.Metadata["critical"].(bool); ok && v {
			return true
		}
	}
	return false
}

func severityRank(s core.ErrorSeverity) int {
	switch s {
	case core.SeverityLow:
		return 1
	case core.SeverityMedium:
		return 2
	case core.SeverityHigh:
		return 3
	case core.SeverityCritical:
		return 4
	}
	return 0
}

func promote(s core.ErrorSeverity) core.ErrorSeverity {
	switch s {
	case core.SeverityLow:
		return core.SeverityMedium
	case core.SeverityMedium:
		return core.SeverityHigh
	default:
		return core.SeverityCritical
	}
}
