package integrity

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jobriver/jobriver/core"
)

// aggregate merges the per-platform result sets with the chosen strategy.
// platformOrder carries the registry's regional priority order for the
// priority_based strategy.
func aggregate(strategy core.AggregationStrategy, analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	switch strategy {
	case core.AggregateDeduplicateSmart:
		return dedupeSmart(analyses, platformOrder)
	case core.AggregatePriorityBased:
		return priorityBased(analyses, platformOrder)
	case core.AggregateQualityWeighted:
		return qualityWeighted(analyses, platformOrder)
	case core.AggregateConsensusBased:
		return consensusBased(analyses, platformOrder)
	case core.AggregatePlatformSpecific:
		return platformSpecific(analyses, platformOrder)
	default:
		return mergeAll(analyses, platformOrder)
	}
}

// orderedAnalyses yields the analyses in platformOrder, then any platform
// the order does not mention, so every strategy is deterministic.
func orderedAnalyses(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []*platformAnalysis {
	var out []*platformAnalysis
	seen := make(map[core.Platform]bool)
	for _, p := range platformOrder {
		if pa, ok := analyses[p]; ok && !seen[p] {
			seen[p] = true
			out = append(out, pa)
		}
	}
	var rest []*platformAnalysis
	for p, pa := range analyses {
		if !seen[p] {
			rest = append(rest, pa)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].platform < rest[j].platform })
	return append(out, rest...)
}

// group is all records sharing one signature, in platform order.
type group struct {
	signature string
	members   []*recordAnalysis
	platforms []core.Platform
}

func groupBySignature(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []*group {
	index := make(map[string]*group)
	var groups []*group

	for _, pa := range orderedAnalyses(analyses, platformOrder) {
		for i := range pa.records {
			a := &pa.records[i]
			g, ok := index[a.signature]
			if !ok {
				g = &group{signature: a.signature}
				index[a.signature] = g
				groups = append(groups, g)
			}
			g.members = append(g.members, a)
			g.platforms = append(g.platforms, pa.platform)
		}
	}
	return groups
}

func uniquePlatforms(platforms []core.Platform) []core.Platform {
	var out []core.Platform
	seen := make(map[core.Platform]bool)
	for _, p := range platforms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// mergeAll unions everything, tagged by source.
func mergeAll(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	var out []core.AggregatedRecord
	for _, pa := range orderedAnalyses(analyses, platformOrder) {
		for _, a := range pa.records {
			out = append(out, core.AggregatedRecord{
				JobRecord:    a.record,
				Sources:      []core.Platform{pa.platform},
				QualityScore: a.quality,
			})
		}
	}
	return out
}

// dedupeSmart keeps the best-quality record per signature group.
func dedupeSmart(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	var out []core.AggregatedRecord
	for _, g := range groupBySignature(analyses, platformOrder) {
		best := g.members[0]
		for _, a := range g.members[1:] {
			if a.quality > best.quality {
				best = a
			}
		}
		out = append(out, core.AggregatedRecord{
			JobRecord:      best.record,
			Sources:        uniquePlatforms(g.platforms),
			DuplicateCount: len(g.members) - 1,
			QualityScore:   best.quality,
		})
	}
	return out
}

// priorityBased walks platforms in priority order; the first occurrence
// of a signature wins.
func priorityBased(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	var out []core.AggregatedRecord
	seen := make(map[string]bool)
	for _, pa := range orderedAnalyses(analyses, platformOrder) {
		for _, a := range pa.records {
			if seen[a.signature] {
				continue
			}
			seen[a.signature] = true
			out = append(out, core.AggregatedRecord{
				JobRecord:    a.record,
				Sources:      []core.Platform{pa.platform},
				QualityScore: a.quality,
			})
		}
	}
	return out
}

// qualityWeighted keeps the max-quality record per group and lists the
// alternative sources.
func qualityWeighted(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	var out []core.AggregatedRecord
	for _, g := range groupBySignature(analyses, platformOrder) {
		best := g.members[0]
		for _, a := range g.members[1:] {
			if a.quality > best.quality {
				best = a
			}
		}

		var alternatives []core.Platform
		for _, p := range uniquePlatforms(g.platforms) {
			if p != best.record.SourcePlatform {
				alternatives = append(alternatives, p)
			}
		}
		out = append(out, core.AggregatedRecord{
			JobRecord:    best.record,
			Sources:      alternatives,
			QualityScore: best.quality,
		})
	}
	return out
}

// consensusBased merges each group field-wise: longest non-empty string,
// mean numeric salary when every member parses, first otherwise.
func consensusBased(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	longest := func(pick func(*core.JobRecord) string, members []*recordAnalysis) string {
		best := ""
		for _, a := range members {
			if v := pick(&a.record); len(v) > len(best) {
				best = v
			}
		}
		return best
	}

	var out []core.AggregatedRecord
	for _, g := range groupBySignature(analyses, platformOrder) {
		merged := g.members[0].record
		merged.Title = longest(func(r *core.JobRecord) string { return r.Title }, g.members)
		merged.Company = longest(func(r *core.JobRecord) string { return r.Company }, g.members)
		merged.Location = longest(func(r *core.JobRecord) string { return r.Location }, g.members)
		merged.Description = longest(func(r *core.JobRecord) string { return r.Description }, g.members)
		merged.Salary = consensusSalary(g.members)

		var quality float64
		for _, a := range g.members {
			quality += a.quality
		}
		out = append(out, core.AggregatedRecord{
			JobRecord:      merged,
			Sources:        uniquePlatforms(g.platforms),
			ConsensusCount: len(g.members),
			QualityScore:   quality / float64(len(g.members)),
		})
	}
	return out
}

// consensusSalary averages when every stated salary is numeric, otherwise
// takes the first non-empty value.
func consensusSalary(members []*recordAnalysis) string {
	var sum float64
	var stated int
	numeric := true
	first := ""

	for _, a := range members {
		s := strings.TrimSpace(a.record.Salary)
		if s == "" {
			continue
		}
		if first == "" {
			first = s
		}
		stated++
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			numeric = false
			continue
		}
		sum += v
	}

	if stated == 0 {
		return ""
	}
	if numeric {
		return strconv.FormatFloat(sum/float64(stated), 'f', -1, 64)
	}
	return first
}

// platformSpecific preserves per-platform buckets: no cross-platform
// collapsing, just source tagging in platform order.
func platformSpecific(analyses map[core.Platform]*platformAnalysis, platformOrder []core.Platform) []core.AggregatedRecord {
	return mergeAll(analyses, platformOrder)
}
