// Package synthesizer computes verdicts from persisted reports and tenant
// hash lists. Synthesis is deterministic: the same inputs always produce
// the same score, class, and evidence set.
package synthesizer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/models"
)

// Composite weights for the two-report path.
const (
	staticWeight     = 0.4
	behavioralWeight = 0.6
	severityAdjustCap = 10
)

// Inputs is everything synthesis reads. Behavioral reports marked faulted
// are treated as absent: synthesis proceeds on static alone.
type Inputs struct {
	Static     *models.StaticReport
	Behavioral *models.BehavioralReport
	List       *models.HashListEntry
}

// Synthesize computes the verdict for an artifact.
func Synthesize(in Inputs) (*models.Verdict, error) {
	if in.Static == nil {
		return nil, fmt.Errorf("static report required for synthesis")
	}

	now := time.Now().UTC()
	v := &models.Verdict{
		ID:         uuid.New().String(),
		ArtifactID: in.Static.ArtifactID,
		TenantID:   in.Static.TenantID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	behavioral := in.Behavioral
	if behavioral != nil && behavioral.Faulted {
		behavioral = nil
	}

	// List override decides before any scoring.
	if in.List != nil {
		switch in.List.ListType {
		case models.ListDeny:
			v.Verdict = models.VerdictMalicious
			v.RiskScore = 100
		case models.ListAllow:
			v.Verdict = models.VerdictClean
			v.RiskScore = 0
		}
		v.Evidence = buildEvidence(in.Static, behavioral, in.List)
		return v, nil
	}

	staticScore := in.Static.StaticScore
	v.StaticScore = &staticScore

	if behavioral == nil {
		v.RiskScore = staticScore
	} else {
		behavioralScore := behavioral.BehavioralScore
		v.BehavioralScore = &behavioralScore

		composite := staticWeight*float64(staticScore) + behavioralWeight*float64(behavioralScore)
		composite += math.Min(severityAdjustCap, float64(severitySum(in.Static.IntelHits)))
		v.RiskScore = clamp(int(math.Round(composite)))
	}

	v.Verdict = models.ClassForScore(v.RiskScore)
	v.Evidence = buildEvidence(in.Static, behavioral, nil)
	return v, nil
}

func severitySum(hits []models.IntelHit) int {
	sum := 0
	for _, h := range hits {
		sum += h.Severity
	}
	return sum
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// buildEvidence aggregates findings into the verdict-reproducible evidence
// set. Every slice is sorted and deduplicated.
func buildEvidence(static *models.StaticReport, behavioral *models.BehavioralReport, list *models.HashListEntry) models.Evidence {
	ev := models.Evidence{}

	if list != nil {
		reason := list.Reason
		if reason == "" {
			reason = "listed hash"
		}
		ev.Rules = []string{fmt.Sprintf("%s-list: %s", list.ListType, reason)}
		return ev
	}

	for _, m := range static.RuleMatches {
		ev.Rules = append(ev.Rules, m.Rule)
	}
	for _, h := range static.IntelHits {
		ev.IntelHits = append(ev.IntelHits, fmt.Sprintf("%s:%s (%s)", h.Type, h.Indicator, h.Source))
	}
	for _, s := range static.Strings {
		ev.Strings = append(ev.Strings, s.Value)
	}

	if behavioral != nil {
		ev.Behaviors = append(ev.Behaviors, behavioral.RansomwareIndicators...)
		ev.Behaviors = append(ev.Behaviors, behavioral.PersistenceMechanisms...)
		if behavioral.Critical {
			ev.Behaviors = append(ev.Behaviors, "severity:critical")
		}
		for _, n := range behavioral.NetworkEvents {
			switch {
			case n.Domain != "":
				ev.Network = append(ev.Network, n.Op+":"+n.Domain)
			case n.RemoteAddr != "":
				ev.Network = append(ev.Network, fmt.Sprintf("%s:%s:%d", n.Op, n.RemoteAddr, n.RemotePort))
			}
		}
	}

	ev.Rules = sortedUnique(ev.Rules)
	ev.Behaviors = sortedUnique(ev.Behaviors)
	ev.IntelHits = sortedUnique(ev.IntelHits)
	ev.Strings = sortedUnique(ev.Strings)
	ev.Network = sortedUnique(ev.Network)
	return ev
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Equivalent reports whether a previously persisted verdict matches the
// newly computed one. Used by the idempotency check: redeliveries and
// re-synthesis produce no new revision when nothing changed.
func Equivalent(a, b *models.Verdict) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Verdict != b.Verdict || a.RiskScore != b.RiskScore {
		return false
	}
	return evidenceEqual(a.Evidence, b.Evidence)
}

func evidenceEqual(a, b models.Evidence) bool {
	return sliceEqual(a.Rules, b.Rules) &&
		sliceEqual(a.Behaviors, b.Behaviors) &&
		sliceEqual(a.IntelHits, b.IntelHits) &&
		sliceEqual(a.Strings, b.Strings) &&
		sliceEqual(a.Network, b.Network)
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
