// Package notify delivers alerts over email, webhook, Slack and log
// channels. Requests are composed into per-channel-per-recipient
// messages, queued priority first, and sent by a small worker pool with
// sliding-window rate limits and exponential retry.
package notify

import (
	"regexp"
	"sync"
)

// Template is a registered subject/body pair with named placeholders in
// the form {name}.
type Template struct {
	ID              string
	SubjectTemplate string
	BodyTemplate    string
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// render substitutes placeholders from vars. Missing variables render as
// empty; their names are returned so the caller can warn.
func render(template string, vars map[string]string) (string, []string) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return ""
	})
	return out, missing
}

// templateRegistry is a concurrency-safe template store.
type templateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func newTemplateRegistry() *templateRegistry {
	r := &templateRegistry{templates: make(map[string]*Template)}
	for _, t := range builtinTemplates {
		r.templates[t.ID] = t
	}
	return r
}

func (r *templateRegistry) register(t *Template) {
	r.mu.Lock()
	r.templates[t.ID] = t
	r.mu.Unlock()
}

func (r *templateRegistry) get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// builtinTemplates cover the lifecycle notifications the coordinator and
// error engine emit without composing subjects by hand.
var builtinTemplates = []*Template{
	{
		ID:              "job_completed",
		SubjectTemplate: "Job {job_id} completed",
		BodyTemplate:    "Search \"{query}\" finished with {record_count} records across {platform_count} platforms (quality: {quality_level}).",
	},
	{
		ID:              "job_failed",
		SubjectTemplate: "Job {job_id} failed",
		BodyTemplate:    "Search \"{query}\" failed: {reason}",
	},
	{
		ID:              "error_escalation",
		SubjectTemplate: "Job {job_id} needs attention",
		BodyTemplate:    "Platform {platform} failed with {category}/{severity}: {message}",
	},
	{
		ID:              "health_alert",
		SubjectTemplate: "Platform {platform} degraded",
		BodyTemplate:    "Error rate {error_rate} over the last window; consecutive failures: {consecutive_failures}.",
	},
}
