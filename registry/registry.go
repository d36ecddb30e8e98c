// Package registry provides the static platform catalog: per-platform
// capabilities, regional priorities, rate limits, health thresholds and
// field contracts.
//
// The catalog is read-mostly. It loads from YAML at process boundaries
// (Reload swaps the whole catalog atomically) and is never mutated at
// runtime. Adapters register separately so the catalog stays declarative.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jobriver/jobriver/core"
)

// FieldContract declares one field of a platform's payload schema.
type FieldContract struct {
	// Name is the JobRecord field name (snake_case, e.g. "date_posted")
	Name string `yaml:"name" json:"name"`

	// Required fields count against completeness and schema validation
	Required bool `yaml:"required" json:"required"`

	// Type is the expected value type: string, date, url or number
	Type string `yaml:"type" json:"type"`

	// URLPrefix constrains url fields to a platform-specific prefix
	URLPrefix string `yaml:"url_prefix,omitempty" json:"url_prefix,omitempty"`
}

// PlatformSpec describes one platform's capabilities and limits.
type PlatformSpec struct {
	// Name is the platform identifier
	Name core.Platform `yaml:"name" json:"name"`

	// Regions lists the regions this platform covers
	Regions []core.Region `yaml:"regions" json:"regions"`

	// MaxConcurrentRequests caps in-flight sub-tasks (scheduler semaphore)
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`

	// RateLimitPerMinute is the per-minute request budget
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	// TimeoutSeconds bounds each adapter attempt
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// RetryAttempts is the platform's default retry budget
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`

	// RegionPriority orders candidates inside a region (lower is better)
	RegionPriority map[core.Region]int `yaml:"region_priority,omitempty" json:"region_priority,omitempty"`

	// Reliability is the prior success probability (0-1)
	Reliability float64 `yaml:"reliability" json:"reliability"`

	// FailureThreshold and RecoveryWindowSeconds feed health decisions
	FailureThreshold      int `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryWindowSeconds int `yaml:"recovery_window_seconds" json:"recovery_window_seconds"`

	// Fields declares the payload schema
	Fields []FieldContract `yaml:"fields" json:"fields"`
}

// PriorityIn returns the platform's priority inside region; platforms
// without an explicit entry sort last.
func (p *PlatformSpec) PriorityIn(region core.Region) int {
	if pr, ok := p.RegionPriority[region]; ok {
		return pr
	}
	return 1 << 10
}

// Covers reports whether the platform serves the region. A platform that
// lists the global region covers everything.
func (p *PlatformSpec) Covers(region core.Region) bool {
	for _, r := range p.Regions {
		if r == region || r == core.RegionGlobal {
			return true
		}
	}
	return false
}

// RequiredFields returns the names of the required fields.
func (p *PlatformSpec) RequiredFields() []string {
	var names []string
	for _, f := range p.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// regionSpec is the catalog entry for one region.
type regionSpec struct {
	// Priority breaks keyword ties between regions (lower wins)
	Priority int `yaml:"priority"`

	// Keywords matched against the submission location/query
	Keywords []string `yaml:"keywords"`
}

// catalog is the YAML document shape.
type catalog struct {
	Regions   map[core.Region]regionSpec `yaml:"regions"`
	Platforms []*PlatformSpec            `yaml:"platforms"`
}

// Registry is the platform catalog plus the adapter bindings.
type Registry struct {
	mu        sync.RWMutex
	platforms map[core.Platform]*PlatformSpec
	regions   map[core.Region]regionSpec
	adapters  map[core.Platform]core.Adapter
	logger    core.Logger
}

// New creates a registry preloaded with the built-in catalog.
func New(logger core.Logger) *Registry {
	r := &Registry{
		platforms: make(map[core.Platform]*PlatformSpec),
		regions:   make(map[core.Region]regionSpec),
		adapters:  make(map[core.Platform]core.Adapter),
		logger:    logger,
	}
	r.install(defaultCatalog())
	return r
}

// LoadFile replaces the catalog with the contents of a YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	return r.Load(data)
}

// Load replaces the catalog with the parsed YAML document. The swap is
// atomic: readers see either the old or the new catalog, never a mix.
func (r *Registry) Load(data []byte) error {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("%w: catalog has no platforms", core.ErrInvalidConfig)
	}
	for _, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("%w: platform with empty name", core.ErrInvalidConfig)
		}
		if p.MaxConcurrentRequests <= 0 {
			p.MaxConcurrentRequests = 2
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 30
		}
		if p.FailureThreshold <= 0 {
			p.FailureThreshold = 5
		}
		if p.RecoveryWindowSeconds <= 0 {
			p.RecoveryWindowSeconds = 300
		}
	}

	r.install(&c)

	if r.logger != nil {
		r.logger.Info("Platform catalog loaded", map[string]interface{}{
			"platforms": len(c.Platforms),
			"regions":   len(c.Regions),
		})
	}
	return nil
}

func (r *Registry) install(c *catalog) {
	platforms := make(map[core.Platform]*PlatformSpec, len(c.Platforms))
	for _, p := range c.Platforms {
		platforms[p.Name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms = platforms
	r.regions = c.Regions
}

// RegisterAdapter binds an adapter capability to a catalog platform.
func (r *Registry) RegisterAdapter(platform core.Platform, adapter core.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.platforms[platform]; !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownPlatform, platform)
	}
	r.adapters[platform] = adapter
	return nil
}

// Adapter returns the adapter bound to a platform.
func (r *Registry) Adapter(platform core.Platform) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// Get returns the spec for one platform.
func (r *Registry) Get(platform core.Platform) (*PlatformSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPlatform, platform)
	}
	return spec, nil
}

// Platforms returns all catalog platform names, sorted.
func (r *Registry) Platforms() []core.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]core.Platform, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ResolveRegion maps a (query, location) pair to a region tag by keyword
// matching. The longest matching keyword wins; ties break by region
// priority. Unmatched submissions resolve to the global region.
func (r *Registry) ResolveRegion(query, location string) core.Region {
	text := strings.ToLower(location + " " + query)

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := core.RegionGlobal
	bestLen := 0
	bestPriority := 1 << 10

	for region, spec := range r.regions {
		for _, kw := range spec.Keywords {
			if !strings.Contains(text, strings.ToLower(kw)) {
				continue
			}
			switch {
			case len(kw) > bestLen:
				best, bestLen, bestPriority = region, len(kw), spec.Priority
			case len(kw) == bestLen && spec.Priority < bestPriority:
				best, bestPriority = region, spec.Priority
			}
		}
	}
	return best
}

// PlatformsFor returns the ordered candidate list for a region: platforms
// covering the region sorted by regional priority, then reliability.
func (r *Registry) PlatformsFor(region core.Region) []*PlatformSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*PlatformSpec
	for _, spec := range r.platforms {
		if spec.Covers(region) {
			candidates = append(candidates, spec)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].PriorityIn(region), candidates[j].PriorityIn(region)
		if pi != pj {
			return pi < pj
		}
		if candidates[i].Reliability != candidates[j].Reliability {
			return candidates[i].Reliability > candidates[j].Reliability
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// Validate checks that every requested platform exists and covers the
// region. Returns the first offending platform.
func (r *Registry) Validate(platforms []core.Platform, region core.Region) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range platforms {
		spec, ok := r.platforms[p]
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownPlatform, p)
		}
		if !spec.Covers(region) {
			return fmt.Errorf("%w: %s does not cover %s", core.ErrNoPlatforms, p, region)
		}
	}
	return nil
}
