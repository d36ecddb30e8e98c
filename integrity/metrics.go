package integrity

import (
	"time"

	"github.com/jobriver/jobriver/core"
)

// timelinessOf buckets posting age into a decay score. Records without a
// parseable date score zero and fall out of the overall mean.
func timelinessOf(postedAt *time.Time, now time.Time) float64 {
	if postedAt == nil {
		return 0
	}
	age := now.Sub(*postedAt)
	switch {
	case age <= 7*24*time.Hour:
		return 1.0
	case age <= 30*24*time.Hour:
		return 0.9
	case age <= 90*24*time.Hour:
		return 0.7
	case age <= 180*24*time.Hour:
		return 0.5
	default:
		return 0.3
	}
}

// computeMetrics derives the six quality dimensions for one platform.
// Overall is the mean of the nonzero dimensions so a platform that never
// reports dates is not punished twice.
func computeMetrics(pa *platformAnalysis, now time.Time) core.QualityMetrics {
	var m core.QualityMetrics
	if pa.total() == 0 {
		m.Level = core.QualityCritical
		return m
	}

	var coverage, validity, conformance, quality, timeliness float64
	var dated, fullyValid int
	for _, a := range pa.records {
		coverage += a.coverage
		validity += a.validity
		conformance += a.conformance
		quality += a.quality
		if a.fullyValid {
			fullyValid++
		}
		if a.postedAt != nil {
			timeliness += timelinessOf(a.postedAt, now)
			dated++
		}
	}

	n := float64(pa.total())
	m.Completeness = coverage / n
	m.Accuracy = quality / n
	m.Consistency = conformance / n
	m.Uniqueness = float64(len(pa.signatures)) / n
	m.Validity = float64(fullyValid) / n
	if dated > 0 {
		m.Timeliness = timeliness / float64(dated)
	}

	m.Overall = meanNonzero(
		m.Completeness, m.Accuracy, m.Consistency, m.Uniqueness, m.Validity, m.Timeliness)
	m.Level = core.QualityLevelFor(m.Overall)
	return m
}

func meanNonzero(values ...float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// finalMetrics is the record-count-weighted average over platforms.
func finalMetrics(summaries map[core.Platform]*core.PlatformSummary) core.QualityMetrics {
	var final core.QualityMetrics
	var weight float64

	for _, s := range summaries {
		w := float64(s.TotalRecords)
		if w == 0 {
			continue
		}
		final.Completeness += s.Metrics.Completeness * w
		final.Accuracy += s.Metrics.Accuracy * w
		final.Consistency += s.Metrics.Consistency * w
		final.Uniqueness += s.Metrics.Uniqueness * w
		final.Validity += s.Metrics.Validity * w
		final.Timeliness += s.Metrics.Timeliness * w
		final.Overall += s.Metrics.Overall * w
		weight += w
	}

	if weight > 0 {
		final.Completeness /= weight
		final.Accuracy /= weight
		final.Consistency /= weight
		final.Uniqueness /= weight
		final.Validity /= weight
		final.Timeliness /= weight
		final.Overall /= weight
	}
	final.Level = core.QualityLevelFor(final.Overall)
	return final
}
