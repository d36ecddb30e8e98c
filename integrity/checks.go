package integrity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jobriver/jobriver/core"
)

// findings accumulates check output for the report.
type findings struct {
	issues          []string
	warnings        []string
	recommendations []string
}

func (f *findings) issue(format string, args ...interface{}) {
	f.issues = append(f.issues, fmt.Sprintf(format, args...))
}

func (f *findings) warn(format string, args ...interface{}) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
}

func (f *findings) recommend(format string, args ...interface{}) {
	f.recommendations = append(f.recommendations, fmt.Sprintf(format, args...))
}

// crossConsistencyFactor bounds per-company count ratios across platforms.
const crossConsistencyFactor = 5.0

// checkCoverage compares the platforms that produced results against the
// requested set.
func checkCoverage(f *findings, coverage float64, minCoverage float64, failed []core.Platform) {
	if coverage < minCoverage {
		f.issue("platform coverage %.2f below the %.2f minimum", coverage, minCoverage)
		f.recommend("resubmit with fallback platforms or relax required_platforms")
	}
	for _, p := range failed {
		f.warn("platform %s produced no results", p)
		f.recommend("missing platform: %s, retry it or submit with a fallback", p)
	}
}

// checkCompleteness flags platforms below the completeness floor.
func checkCompleteness(f *findings, summaries map[core.Platform]*core.PlatformSummary, minCompleteness float64) {
	for _, s := range sortedSummaries(summaries) {
		if s.TotalRecords == 0 {
			continue
		}
		if s.Metrics.Completeness < minCompleteness {
			f.issue("platform %s completeness %.2f below the %.2f floor",
				s.Platform, s.Metrics.Completeness, minCompleteness)
		}
	}
}

// checkDuplicates enforces the per-platform duplicate ceiling and reports
// cross-platform duplicate groups with a token-set similarity score.
func checkDuplicates(f *findings, analyses map[core.Platform]*platformAnalysis, maxRate float64) {
	for _, pa := range sortedAnalyses(analyses) {
		if rate := pa.duplicateRate(); rate > maxRate {
			f.issue("platform %s duplicate rate %.2f exceeds the %.2f ceiling",
				pa.platform, rate, maxRate)
			f.recommend("enable deduplicate_smart aggregation for %s", pa.platform)
		}
	}

	// Cross-platform: same signature appearing on several platforms
	owners := make(map[string]map[core.Platform]*recordAnalysis)
	for _, pa := range analyses {
		for i := range pa.records {
			a := &pa.records[i]
			if owners[a.signature] == nil {
				owners[a.signature] = make(map[core.Platform]*recordAnalysis)
			}
			if _, seen := owners[a.signature][pa.platform]; !seen {
				owners[a.signature][pa.platform] = a
			}
		}
	}
	crossGroups := 0
	for _, byPlatform := range owners {
		if len(byPlatform) < 2 {
			continue
		}
		crossGroups++
		if crossGroups <= 5 {
			var sample *recordAnalysis
			var names []string
			for p, a := range byPlatform {
				names = append(names, string(p))
				if sample == nil || a.quality > sample.quality {
					sample = a
				}
			}
			sort.Strings(names)
			var other *recordAnalysis
			for _, a := range byPlatform {
				if a != sample {
					other = a
					break
				}
			}
			sim := 1.0
			if other != nil {
				sim = jaccard(&sample.record, &other.record)
			}
			f.warn("%q appears on %s (similarity %.2f)",
				sample.record.Title, strings.Join(names, ", "), sim)
		}
	}
	if crossGroups > 5 {
		f.warn("%d further cross-platform duplicate groups omitted", crossGroups-5)
	}
}

// jaccard is token-set similarity over the duplicate key fields.
func jaccard(a, b *core.JobRecord) float64 {
	tokens := func(r *core.JobRecord) map[string]bool {
		set := make(map[string]bool)
		for _, field := range []string{r.Title, r.Company, r.Location} {
			for _, tok := range strings.Fields(strings.ToLower(field)) {
				set[tok] = true
			}
		}
		return set
	}

	sa, sb := tokens(a), tokens(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	var inter int
	for tok := range sa {
		if sb[tok] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// checkSchema reports records missing required or mistyped fields.
func checkSchema(f *findings, analyses map[core.Platform]*platformAnalysis) {
	for _, pa := range sortedAnalyses(analyses) {
		invalid := 0
		for _, a := range pa.records {
			if !a.fullyValid {
				invalid++
			}
		}
		if invalid > 0 {
			f.issue("platform %s has %d of %d records violating its schema contract",
				pa.platform, invalid, pa.total())
		}
	}
}

// checkCrossConsistency compares per-company job counts across platforms.
func checkCrossConsistency(f *findings, analyses map[core.Platform]*platformAnalysis) {
	if len(analyses) < 2 {
		return
	}

	counts := make(map[string]map[core.Platform]int)
	for _, pa := range analyses {
		for _, a := range pa.records {
			company := strings.Join(strings.Fields(strings.ToLower(a.record.Company)), " ")
			if company == "" {
				continue
			}
			if counts[company] == nil {
				counts[company] = make(map[core.Platform]int)
			}
			counts[company][pa.platform]++
		}
	}

	flagged := 0
	for company, byPlatform := range counts {
		if len(byPlatform) < 2 {
			continue
		}
		min, max := 1<<30, 0
		for _, n := range byPlatform {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		if min > 0 && float64(max)/float64(min) > crossConsistencyFactor {
			flagged++
			if flagged <= 3 {
				f.warn("company %q job counts diverge across platforms (%d vs %d)", company, max, min)
			}
		}
	}
	if flagged > 3 {
		f.warn("%d further companies with divergent counts omitted", flagged-3)
	}
}

// checkTemporal warns on stale records and implausible date ranges.
func checkTemporal(f *findings, analyses map[core.Platform]*platformAnalysis, horizonDays int, now time.Time) {
	horizon := time.Duration(horizonDays) * 24 * time.Hour

	var oldest, newest *time.Time
	stale := 0
	for _, pa := range analyses {
		for _, a := range pa.records {
			if a.postedAt == nil {
				continue
			}
			if now.Sub(*a.postedAt) > horizon {
				stale++
			}
			if oldest == nil || a.postedAt.Before(*oldest) {
				oldest = a.postedAt
			}
			if newest == nil || a.postedAt.After(*newest) {
				newest = a.postedAt
			}
		}
	}

	if stale > 0 {
		f.warn("%d records older than the %d-day freshness horizon", stale, horizonDays)
	}
	if oldest != nil && newest != nil && newest.Sub(*oldest) > 365*24*time.Hour {
		f.warn("posting dates span more than a year (%s to %s)",
			oldest.Format("2006-01-02"), newest.Format("2006-01-02"))
	}
}

// checkGeographic warns when one platform dominates a normalized location
// that other platforms also report.
func checkGeographic(f *findings, analyses map[core.Platform]*platformAnalysis) {
	if len(analyses) < 2 {
		return
	}

	byLocation := make(map[string]map[core.Platform]int)
	for _, pa := range analyses {
		for _, a := range pa.records {
			loc := strings.Join(strings.Fields(strings.ToLower(a.record.Location)), " ")
			if loc == "" {
				continue
			}
			if byLocation[loc] == nil {
				byLocation[loc] = make(map[core.Platform]int)
			}
			byLocation[loc][pa.platform]++
		}
	}

	for loc, byPlatform := range byLocation {
		total := 0
		maxCount, maxPlatform := 0, core.Platform("")
		for p, n := range byPlatform {
			total += n
			if n > maxCount {
				maxCount, maxPlatform = n, p
			}
		}
		if total >= 10 && float64(maxCount)/float64(total) >= 0.9 {
			f.warn("location %q is %d%% covered by %s alone",
				loc, int(100*float64(maxCount)/float64(total)), maxPlatform)
		}
	}
}

func sortedSummaries(summaries map[core.Platform]*core.PlatformSummary) []*core.PlatformSummary {
	out := make([]*core.PlatformSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func sortedAnalyses(analyses map[core.Platform]*platformAnalysis) []*platformAnalysis {
	out := make([]*platformAnalysis, 0, len(analyses))
	for _, pa := range analyses {
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].platform < out[j].platform })
	return out
}
