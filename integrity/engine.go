package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/telemetry"
)

// Engine runs the validation and aggregation pipeline for terminal jobs.
type Engine struct {
	store    core.JobStore
	registry *registry.Registry
	config   *core.IntegrityConfig
	logger   core.Logger
}

// New creates an integrity engine. A nil config uses defaults.
func New(store core.JobStore, reg *registry.Registry, config *core.IntegrityConfig, logger core.Logger) *Engine {
	if config == nil {
		c := core.DefaultConfig().Integrity
		config = &c
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("integrity")
		}
	}
	return &Engine{store: store, registry: reg, config: config, logger: logger}
}

// Run executes the pipeline for one job and persists the report. The
// report is write-once; rerunning a job returns the stored report.
func (e *Engine) Run(ctx context.Context, jobID string) (*core.IntegrityReport, error) {
	start := time.Now()

	if existing, err := e.store.GetReport(ctx, jobID); err == nil {
		return existing, nil
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.GetSubTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report, err := e.build(ctx, job, tasks)
	if err != nil {
		return nil, err
	}

	if err := e.store.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to persist integrity report: %w", err)
	}

	telemetry.Counter("jobriver.integrity.runs",
		"passed", fmt.Sprintf("%t", report.Passed),
		"level", string(report.Final.Level))
	telemetry.Duration("jobriver.integrity.run_duration", start)

	if e.logger != nil {
		e.logger.Info("Integrity report generated", map[string]interface{}{
			"job_id":  jobID,
			"passed":  report.Passed,
			"overall": report.Final.Overall,
			"records": len(report.Records),
			"issues":  len(report.Issues),
		})
	}
	return report, nil
}

func (e *Engine) build(ctx context.Context, job *core.Job, tasks []*core.PlatformTask) (*core.IntegrityReport, error) {
	now := time.Now().UTC()

	strategy := job.Integrity.Strategy
	if strategy == "" {
		strategy = core.AggregateDeduplicateSmart
	}

	expected := job.Platforms
	if len(job.Integrity.RequiredPlatforms) > 0 {
		expected = job.Integrity.RequiredPlatforms
	}

	// Load and analyze each platform that completed with results
	analyses := make(map[core.Platform]*platformAnalysis)
	var failed []core.Platform
	for _, task := range tasks {
		if task.Status != core.SubTaskCompleted {
			failed = append(failed, task.Platform)
			continue
		}
		records, err := e.store.GetResults(ctx, job.ID, task.Platform)
		if err != nil {
			return nil, fmt.Errorf("failed to load results for %s: %w", task.Platform, err)
		}
		if len(records) == 0 {
			failed = append(failed, task.Platform)
			continue
		}

		spec, _ := e.registry.Get(task.Platform)
		analyses[task.Platform] = analyzePlatform(task.Platform, records, spec)
	}

	summaries := make(map[core.Platform]*core.PlatformSummary, len(analyses))
	for platform, pa := range analyses {
		fullyValid := 0
		for _, a := range pa.records {
			if a.fullyValid {
				fullyValid++
			}
		}
		summaries[platform] = &core.PlatformSummary{
			Platform:         platform,
			TotalRecords:     pa.total(),
			ValidRecords:     fullyValid,
			DuplicateRecords: pa.duplicates(),
			FieldCoverage:    pa.fieldCoverage,
			Metrics:          computeMetrics(pa, now),
		}
	}

	coverage := 0.0
	if len(expected) > 0 {
		actual := 0
		for _, p := range expected {
			if _, ok := analyses[p]; ok {
				actual++
			}
		}
		coverage = float64(actual) / float64(len(expected))
	}

	var f findings
	checkCoverage(&f, coverage, e.config.MinPlatformCoverage, failed)
	checkCompleteness(&f, summaries, e.config.MinCompleteness)
	checkDuplicates(&f, analyses, e.config.MaxDuplicateRate)
	checkSchema(&f, analyses)
	checkCrossConsistency(&f, analyses)
	checkTemporal(&f, analyses, e.config.FreshnessHorizonDays, now)
	checkGeographic(&f, analyses)

	records := aggregate(strategy, analyses, e.platformOrder(job))
	final := finalMetrics(summaries)

	return &core.IntegrityReport{
		JobID:            job.ID,
		GeneratedAt:      now,
		Strategy:         strategy,
		Platforms:        summaries,
		FailedPlatforms:  failed,
		PlatformCoverage: coverage,
		Records:          records,
		Final:            final,
		Passed:           final.Overall >= e.config.MinOverallQuality,
		Issues:           f.issues,
		Warnings:         f.warnings,
		Recommendations:  f.recommendations,
	}, nil
}

// platformOrder is the regional priority order used by priority-sensitive
// aggregation strategies.
func (e *Engine) platformOrder(job *core.Job) []core.Platform {
	specs := e.registry.PlatformsFor(job.Region)
	order := make([]core.Platform, 0, len(specs))
	for _, spec := range specs {
		order = append(order, spec.Name)
	}
	return order
}
