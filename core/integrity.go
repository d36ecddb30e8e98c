package core

import "time"

// ═══════════════════════════════════════════════════════════════════════════
// Quality metrics
// ═══════════════════════════════════════════════════════════════════════════

// QualityLevel is the coarse bucketing of an overall quality score.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent" // >= 0.95
	QualityGood      QualityLevel = "good"      // >= 0.85
	QualityFair      QualityLevel = "fair"      // >= 0.70
	QualityPoor      QualityLevel = "poor"      // >= 0.50
	QualityCritical  QualityLevel = "critical"  // < 0.50
)

// QualityLevelFor maps an overall score to its quality level.
func QualityLevelFor(score float64) QualityLevel {
	switch {
	case score >= 0.95:
		return QualityExcellent
	case score >= 0.85:
		return QualityGood
	case score >= 0.70:
		return QualityFair
	case score >= 0.50:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// QualityMetrics holds the six per-dimension scores plus the overall score
// (mean of the nonzero dimensions).
type QualityMetrics struct {
	Completeness float64      `json:"completeness"`
	Accuracy     float64      `json:"accuracy"`
	Consistency  float64      `json:"consistency"`
	Uniqueness   float64      `json:"uniqueness"`
	Validity     float64      `json:"validity"`
	Timeliness   float64      `json:"timeliness"`
	Overall      float64      `json:"overall"`
	Level        QualityLevel `json:"level"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Aggregation
// ═══════════════════════════════════════════════════════════════════════════

// AggregationStrategy selects how per-platform result sets are merged.
type AggregationStrategy string

const (
	// AggregateMergeAll unions all records, tagged by source
	AggregateMergeAll AggregationStrategy = "merge_all"

	// AggregateDeduplicateSmart groups by signature and keeps the
	// highest-quality record per group
	AggregateDeduplicateSmart AggregationStrategy = "deduplicate_smart"

	// AggregatePriorityBased iterates platforms in priority order;
	// first-seen signature wins
	AggregatePriorityBased AggregationStrategy = "priority_based"

	// AggregateQualityWeighted keeps the max-quality record per group
	// and attaches the alternative sources
	AggregateQualityWeighted AggregationStrategy = "quality_weighted"

	// AggregateConsensusBased merges fields per group (longest string,
	// mean numeric, first other)
	AggregateConsensusBased AggregationStrategy = "consensus_based"

	// AggregatePlatformSpecific preserves per-platform buckets
	AggregatePlatformSpecific AggregationStrategy = "platform_specific"
)

// AggregatedRecord is a job record in the final result set with its
// provenance attached.
type AggregatedRecord struct {
	JobRecord

	// Sources lists the platforms that produced this record (or a
	// duplicate of it)
	Sources []Platform `json:"sources,omitempty"`

	// DuplicateCount is the number of records collapsed into this one
	DuplicateCount int `json:"duplicate_count,omitempty"`

	// ConsensusCount is the group size under consensus aggregation
	ConsensusCount int `json:"consensus_count,omitempty"`

	// QualityScore is the per-record quality used as dedup tiebreaker
	QualityScore float64 `json:"quality_score,omitempty"`
}

// PlatformSummary is the per-platform slice of an integrity report.
type PlatformSummary struct {
	Platform         Platform           `json:"platform"`
	TotalRecords     int                `json:"total_records"`
	ValidRecords     int                `json:"valid_records"`
	DuplicateRecords int                `json:"duplicate_records"`
	FieldCoverage    map[string]float64 `json:"field_coverage,omitempty"`
	Metrics          QualityMetrics     `json:"metrics"`
}

// IntegrityReport is produced once per terminal job and immutable after.
type IntegrityReport struct {
	// JobID is the subject job
	JobID string `json:"job_id"`

	// GeneratedAt is when the integrity engine produced the report
	GeneratedAt time.Time `json:"generated_at"`

	// Strategy is the aggregation strategy that produced Records
	Strategy AggregationStrategy `json:"strategy"`

	// Platforms summarizes each platform that returned results
	Platforms map[Platform]*PlatformSummary `json:"platforms"`

	// FailedPlatforms lists requested platforms that produced nothing
	FailedPlatforms []Platform `json:"failed_platforms,omitempty"`

	// PlatformCoverage is |actual| / |expected|
	PlatformCoverage float64 `json:"platform_coverage"`

	// Records is the aggregated, deduplicated result set
	Records []AggregatedRecord `json:"records"`

	// Final is the record-count-weighted average of platform metrics
	Final QualityMetrics `json:"final"`

	// Passed reports whether Final.Overall cleared min_overall_quality
	Passed bool `json:"passed"`

	Issues          []string `json:"issues,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
