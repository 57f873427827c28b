package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
)

type fakeIntel struct {
	hits map[string]models.IntelHit
}

func (f *fakeIntel) Lookup(values ...string) []models.IntelHit {
	var out []models.IntelHit
	for _, v := range values {
		if hit, ok := f.hits[v]; ok {
			out = append(out, hit)
		}
	}
	return out
}

func testArtifact() *models.Artifact {
	return &models.Artifact{
		ID:       "art-1",
		TenantID: "tenant-a",
		SHA256:   "aaaa",
		MD5:      "bbbb",
	}
}

func TestScoreCaps(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want int
	}{
		{"empty", Result{}, 0},
		{"one rule match", Result{RuleMatches: make([]models.RuleMatch, 1)}, 30},
		{"rule matches capped at 40", Result{RuleMatches: make([]models.RuleMatch, 3)}, 40},
		{"one intel hit", Result{IntelHits: make([]models.IntelHit, 1)}, 40},
		{"intel capped at 50", Result{IntelHits: make([]models.IntelHit, 2)}, 50},
		{"strings capped at 20", Result{Strings: make([]models.SuspiciousString, 10)}, 20},
		{"packed capped at 15", Result{PackedSections: 4}, 15},
		{"flags capped at 20", Result{SuspiciousFlags: 3}, 20},
		{
			"everything clamps to 100",
			Result{
				RuleMatches:     make([]models.RuleMatch, 5),
				IntelHits:       make([]models.IntelHit, 5),
				Strings:         make([]models.SuspiciousString, 50),
				PackedSections:  9,
				SuspiciousFlags: 9,
			},
			100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(&tt.r); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAnalyzeCleanBlob(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	e := New(rules, &fakeIntel{}, logging.Default())

	// Low-entropy, no patterns, nothing suspicious.
	report := e.Analyze(context.Background(), testArtifact(), make([]byte, 1<<20))

	assert.Equal(t, 0, report.StaticScore)
	assert.Equal(t, models.FileTypeUnknown, report.FileType)
	assert.False(t, report.Partial)
	assert.Empty(t, report.RuleMatches)
	assert.Empty(t, report.IntelHits)
}

func TestAnalyzeEICARScoresHigh(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	e := New(rules, &fakeIntel{}, logging.Default())

	data := []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)
	report := e.Analyze(context.Background(), testArtifact(), data)

	require.Len(t, report.RuleMatches, 1)
	// One rule match (30) plus the EICAR marker string (5).
	assert.Equal(t, 35, report.StaticScore)
}

func TestAnalyzeIntelHit(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	intel := &fakeIntel{hits: map[string]models.IntelHit{
		"aaaa": {Indicator: "aaaa", Type: "sha256", Severity: 9, Source: "feed"},
	}}
	e := New(rules, intel, logging.Default())

	report := e.Analyze(context.Background(), testArtifact(), make([]byte, 4096))

	require.Len(t, report.IntelHits, 1)
	assert.Equal(t, 40, report.StaticScore)
}

// slowStrategy burns the budget to force a partial report.
type slowStrategy struct{ d time.Duration }

func (slowStrategy) Name() string { return "slow" }

func (s slowStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.d):
		return nil
	}
}

type markerStrategy struct{ ran *bool }

func (markerStrategy) Name() string { return "marker" }

func (m markerStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	*m.ran = true
	return nil
}

func TestAnalyzeBudgetYieldsPartialReport(t *testing.T) {
	ran := false
	e := NewWithStrategies(logging.Default(), 50*time.Millisecond,
		slowStrategy{d: time.Second},
		markerStrategy{ran: &ran},
	)

	report := e.Analyze(context.Background(), testArtifact(), nil)

	assert.True(t, report.Partial)
	assert.Contains(t, report.TimedOutStages, "slow")
	assert.Contains(t, report.TimedOutStages, "marker")
	assert.False(t, ran, "stages after budget exhaustion must be skipped")
}

// panicStrategy exercises the malformed-input guard.
type panicStrategy struct{}

func (panicStrategy) Name() string { return "panic" }

func (panicStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	panic("malformed input")
}

func TestAnalyzeSurvivesPanickingStrategy(t *testing.T) {
	ran := false
	e := NewWithStrategies(logging.Default(), time.Second,
		panicStrategy{},
		markerStrategy{ran: &ran},
	)

	report := e.Analyze(context.Background(), testArtifact(), nil)

	require.NotNil(t, report)
	assert.True(t, ran, "pipeline must continue past a panicking strategy")
	assert.False(t, report.Partial)
}

func TestAnalyzePEParsesFormat(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	e := New(rules, &fakeIntel{}, logging.Default())

	// Truncated MZ header: the parser records a diagnostic, the pipeline
	// continues, and the type stays Unknown.
	data := append([]byte{'M', 'Z'}, make([]byte, 128)...)
	report := e.Analyze(context.Background(), testArtifact(), data)
	assert.Equal(t, models.FileTypeUnknown, report.FileType)
	assert.NotNil(t, report)
}
