// Package engine implements the static analysis pipeline: a fixed slice of
// strategies, each inspecting the artifact bytes and contributing findings
// and a capped score delta.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/staticeng/internal/metrics"
)

// Budget is the wall-clock cap on one Analyze call (the strategy run); the
// consumer's blob fetch and report persistence are not counted against it.
// Exceeding it yields a partial report, never a failure.
const Budget = 30 * time.Second

// Target is the unit of work handed to every strategy.
type Target struct {
	Artifact *models.Artifact
	Data     []byte
}

// sectionSpan records where a parsed section lives in the raw bytes so the
// entropy strategy can revisit it.
type sectionSpan struct {
	name   string
	offset int64
	size   int64
}

// Result accumulates findings across strategies.
type Result struct {
	FileType          models.FileType
	ParseDiagnostic   string
	Imports           []string
	Sections          []models.SectionInfo
	RuleMatches       []models.RuleMatch
	Strings           []models.SuspiciousString
	EntropyPerSection map[string]float64
	IntelHits         []models.IntelHit
	PackedSections    int
	SuspiciousFlags   int
	PatternTimedOut   bool

	spans []sectionSpan
	// printables carries the extracted runs from the string strategy so
	// later strategies do not rescan the artifact.
	printables []string
}

// Strategy is one composable analysis concern.
type Strategy interface {
	Name() string
	Run(ctx context.Context, t *Target, r *Result) error
}

// Engine iterates the configured strategies under the wall-clock budget.
type Engine struct {
	strategies []Strategy
	log        *logging.Logger
	budget     time.Duration
}

// New builds an engine with the standard strategy order: format parse,
// pattern scan, string extraction, entropy, threat intel.
func New(rules *RuleSet, intel IntelLookup, log *logging.Logger) *Engine {
	return &Engine{
		strategies: []Strategy{
			&formatStrategy{},
			&patternStrategy{rules: rules},
			&stringStrategy{},
			&entropyStrategy{},
			&intelStrategy{lookup: intel},
		},
		log:    log,
		budget: Budget,
	}
}

// NewWithStrategies builds an engine from an explicit strategy slice.
func NewWithStrategies(log *logging.Logger, budget time.Duration, strategies ...Strategy) *Engine {
	if budget <= 0 {
		budget = Budget
	}
	return &Engine{strategies: strategies, log: log, budget: budget}
}

// Analyze runs every strategy and assembles the static report. Strategy
// errors are diagnostics, not failures; a blown budget marks the report
// partial and records which stages never ran.
func (e *Engine) Analyze(ctx context.Context, artifact *models.Artifact, data []byte) *models.StaticReport {
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	target := &Target{Artifact: artifact, Data: data}
	result := &Result{
		FileType:          models.FileTypeUnknown,
		EntropyPerSection: make(map[string]float64),
	}

	var timedOut []string
	for _, s := range e.strategies {
		if ctx.Err() != nil {
			timedOut = append(timedOut, s.Name())
			continue
		}
		start := time.Now()
		if err := e.runStrategy(ctx, s, target, result); err != nil {
			if ctx.Err() != nil {
				timedOut = append(timedOut, s.Name())
			} else {
				e.log.DebugContext(ctx, "strategy diagnostic",
					logging.Stage(s.Name()), logging.Error(err))
			}
		}
		metrics.StrategyDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	}

	report := e.buildReport(artifact, result, timedOut)
	metrics.ReportsTotal.WithLabelValues(string(report.FileType)).Inc()
	return report
}

// runStrategy isolates a strategy: a panic on malformed input becomes a
// diagnostic and the pipeline continues.
func (e *Engine) runStrategy(ctx context.Context, s Strategy, t *Target, r *Result) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), rec)
		}
	}()
	return s.Run(ctx, t, r)
}

func (e *Engine) buildReport(artifact *models.Artifact, r *Result, timedOut []string) *models.StaticReport {
	sort.Strings(r.Imports)

	report := &models.StaticReport{
		ID:                uuid.New().String(),
		ArtifactID:        artifact.ID,
		TenantID:          artifact.TenantID,
		FileType:          r.FileType,
		Imports:           r.Imports,
		Sections:          r.Sections,
		RuleMatches:       r.RuleMatches,
		Strings:           r.Strings,
		EntropyPerSection: r.EntropyPerSection,
		IntelHits:         r.IntelHits,
		Partial:           len(timedOut) > 0 || r.PatternTimedOut,
		TimedOutStages:    timedOut,
		CreatedAt:         time.Now().UTC(),
	}
	report.StaticScore = Score(r)
	return report
}
