package synthesizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/models"
)

func staticReport(score int) *models.StaticReport {
	return &models.StaticReport{
		ID:         "rep-s",
		ArtifactID: "art-1",
		TenantID:   "tenant-a",
		StaticScore: score,
	}
}

func behavioralReport(score int) *models.BehavioralReport {
	return &models.BehavioralReport{
		ID:              "rep-b",
		ArtifactID:      "art-1",
		TenantID:        "tenant-a",
		BehavioralScore: score,
	}
}

func TestStaticOnlyPathUsesStaticScore(t *testing.T) {
	tests := []struct {
		score int
		want  models.VerdictClass
	}{
		{0, models.VerdictClean},
		{29, models.VerdictClean},
		{30, models.VerdictSuspicious},
		{70, models.VerdictSuspicious},
		{71, models.VerdictMalicious},
	}
	for _, tt := range tests {
		v, err := Synthesize(Inputs{Static: staticReport(tt.score)})
		require.NoError(t, err)
		assert.Equal(t, tt.score, v.RiskScore)
		assert.Equal(t, tt.want, v.Verdict)
		require.NotNil(t, v.StaticScore)
		assert.Nil(t, v.BehavioralScore)
	}
}

func TestCompositeWeightedMean(t *testing.T) {
	// 0.4*50 + 0.6*80 = 68 -> Suspicious.
	v, err := Synthesize(Inputs{Static: staticReport(50), Behavioral: behavioralReport(80)})
	require.NoError(t, err)
	assert.Equal(t, 68, v.RiskScore)
	assert.Equal(t, models.VerdictSuspicious, v.Verdict)
	require.NotNil(t, v.BehavioralScore)
}

func TestSeverityAdjustIsCappedAtTen(t *testing.T) {
	s := staticReport(50)
	s.IntelHits = []models.IntelHit{
		{Indicator: "a", Severity: 9, Source: "x", Type: "sha256"},
		{Indicator: "b", Severity: 8, Source: "y", Type: "domain"},
	}
	// 0.4*50 + 0.6*80 = 68, adjust min(10, 17) = 10 -> 78 Malicious.
	v, err := Synthesize(Inputs{Static: s, Behavioral: behavioralReport(80)})
	require.NoError(t, err)
	assert.Equal(t, 78, v.RiskScore)
	assert.Equal(t, models.VerdictMalicious, v.Verdict)
}

func TestSeverityAdjustNotAppliedOnStaticOnlyPath(t *testing.T) {
	s := staticReport(25)
	s.IntelHits = []models.IntelHit{{Indicator: "a", Severity: 9}}
	v, err := Synthesize(Inputs{Static: s})
	require.NoError(t, err)
	assert.Equal(t, 25, v.RiskScore)
}

func TestCompositeClampsAt100(t *testing.T) {
	s := staticReport(100)
	s.IntelHits = []models.IntelHit{{Indicator: "a", Severity: 10}}
	v, err := Synthesize(Inputs{Static: s, Behavioral: behavioralReport(100)})
	require.NoError(t, err)
	assert.Equal(t, 100, v.RiskScore)
}

func TestDenyListOverridesEverything(t *testing.T) {
	v, err := Synthesize(Inputs{
		Static: staticReport(0),
		List: &models.HashListEntry{
			ListType: models.ListDeny, Reason: "known ransomware",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictMalicious, v.Verdict)
	assert.Equal(t, 100, v.RiskScore)
	require.Len(t, v.Evidence.Rules, 1)
	assert.Contains(t, v.Evidence.Rules[0], "known ransomware")
}

func TestAllowListOverridesEverything(t *testing.T) {
	s := staticReport(100)
	v, err := Synthesize(Inputs{
		Static:     s,
		Behavioral: behavioralReport(100),
		List:       &models.HashListEntry{ListType: models.ListAllow, Reason: "signed installer"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictClean, v.Verdict)
	assert.Equal(t, 0, v.RiskScore)
}

func TestFaultedBehavioralReportIgnored(t *testing.T) {
	b := behavioralReport(0)
	b.Faulted = true
	v, err := Synthesize(Inputs{Static: staticReport(40), Behavioral: b})
	require.NoError(t, err)
	// Static-only path: 40, not 0.4*40.
	assert.Equal(t, 40, v.RiskScore)
	assert.Nil(t, v.BehavioralScore)
}

func TestSynthesisIsDeterministic(t *testing.T) {
	s := staticReport(55)
	s.RuleMatches = []models.RuleMatch{{Rule: "zeta"}, {Rule: "alpha"}, {Rule: "zeta"}}
	s.Strings = []models.SuspiciousString{{Value: "http://c2.example"}}
	s.IntelHits = []models.IntelHit{{Indicator: "h", Type: "sha256", Source: "feed", Severity: 3}}
	b := behavioralReport(60)
	b.RansomwareIndicators = []string{"shadow_copy_deletion"}
	b.NetworkEvents = []models.NetworkEvent{
		{Op: "dns", Domain: "c2.example"},
		{Op: "connect", RemoteAddr: "10.0.0.1", RemotePort: 445},
	}

	v1, err := Synthesize(Inputs{Static: s, Behavioral: b})
	require.NoError(t, err)
	v2, err := Synthesize(Inputs{Static: s, Behavioral: b})
	require.NoError(t, err)

	assert.Equal(t, v1.RiskScore, v2.RiskScore)
	assert.Equal(t, v1.Verdict, v2.Verdict)
	assert.Equal(t, v1.Evidence, v2.Evidence)
	// Evidence is sorted and deduplicated.
	assert.Equal(t, []string{"alpha", "zeta"}, v1.Evidence.Rules)
	assert.True(t, Equivalent(v1, v2))
}

func TestCriticalDetonationSurfacesInEvidence(t *testing.T) {
	b := behavioralReport(60)
	b.RansomwareIndicators = []string{"sustained_file_modification_rate", "shadow_copy_deletion"}
	b.Critical = true

	v, err := Synthesize(Inputs{Static: staticReport(40), Behavioral: b})
	require.NoError(t, err)
	assert.Contains(t, v.Evidence.Behaviors, "severity:critical")
}

func TestEquivalentDetectsChange(t *testing.T) {
	v1, err := Synthesize(Inputs{Static: staticReport(10)})
	require.NoError(t, err)
	v2, err := Synthesize(Inputs{Static: staticReport(90)})
	require.NoError(t, err)
	assert.False(t, Equivalent(v1, v2))
	assert.False(t, Equivalent(nil, v1))
}

func TestSynthesizeRequiresStaticReport(t *testing.T) {
	_, err := Synthesize(Inputs{})
	assert.Error(t, err)
}
