package engine

import (
	"context"
	"regexp"

	"github.com/stormglass-sec/stormglass/common/models"
)

// IntelLookup is the indicator cache surface the engine needs. Misses
// never block: the cache refreshes asynchronously.
type IntelLookup interface {
	Lookup(values ...string) []models.IntelHit
}

var (
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`\b[a-z0-9][a-z0-9-]{1,62}(?:\.[a-z0-9][a-z0-9-]{1,62})+\b`)
)

// maxIntelCandidates bounds the per-artifact lookup set.
const maxIntelCandidates = 2000

// intelStrategy queries the cached indicator set for the artifact hashes
// and any domains/IPs found in the printable strings.
type intelStrategy struct {
	lookup IntelLookup
}

func (intelStrategy) Name() string { return "intel" }

func (s *intelStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	if s.lookup == nil {
		return nil
	}

	// The string strategy runs earlier and leaves its extracted runs on
	// the result; fall back to a scan only if it was skipped.
	printables := r.printables
	if printables == nil {
		printables = extractStrings(t.Data)
	}

	candidates := []string{t.Artifact.SHA256, t.Artifact.MD5}
	seen := make(map[string]bool)
	for _, str := range printables {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, ip := range ipPattern.FindAllString(str, -1) {
			if !seen[ip] {
				seen[ip] = true
				candidates = append(candidates, ip)
			}
		}
		for _, d := range domainPattern.FindAllString(str, -1) {
			if !seen[d] {
				seen[d] = true
				candidates = append(candidates, d)
			}
		}
		if len(candidates) >= maxIntelCandidates {
			break
		}
	}

	r.IntelHits = append(r.IntelHits, s.lookup.Lookup(candidates...)...)
	return nil
}
