package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stormglass-sec/stormglass/common/models"
)

// PatternScanCap is the wall-clock cap for the rule scan. A timeout
// yields a partial result flagged as such.
const PatternScanCap = 25 * time.Second

// Rule is one pattern rule loaded from the configured rule directory.
// Rules are YAML documents:
//
//	name: win_ransom_note
//	severity: high
//	description: ransom note phrasing
//	strings:
//	  - "your files have been encrypted"
//	hex:
//	  - "4d5a9000"
//	regex:
//	  - "wallet[0-9a-f]{8}"
//
// A rule matches when any of its patterns is found.
type Rule struct {
	Name        string   `yaml:"name"`
	Severity    string   `yaml:"severity"`
	Description string   `yaml:"description"`
	Strings     []string `yaml:"strings"`
	Hex         []string `yaml:"hex"`
	Regex       []string `yaml:"regex"`

	hexPatterns [][]byte
	regexps     []*regexp.Regexp
}

// RuleSet is the compiled rule collection.
type RuleSet struct {
	rules []Rule
}

// builtinRules ship with the engine regardless of the rule directory.
var builtinRules = []Rule{
	{
		Name:     "eicar_test_file",
		Severity: "high",
		Strings:  []string{`EICAR-STANDARD-ANTIVIRUS-TEST-FILE`},
	},
}

// LoadRules compiles all *.yml / *.yaml rules in dir plus the built-ins.
// A missing directory yields the built-ins only.
func LoadRules(dir string) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range builtinRules {
		compiled, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("builtin rule %s: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiled)
	}
	if dir == "" {
		return rs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rs, nil
		}
		return nil, fmt.Errorf("read rule dir: %w", err)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read rule %s: %w", entry.Name(), err)
		}
		var r Rule
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse rule %s: %w", entry.Name(), err)
		}
		compiled, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", entry.Name(), err)
		}
		rs.rules = append(rs.rules, compiled)
	}
	return rs, nil
}

func compileRule(r Rule) (Rule, error) {
	if r.Name == "" {
		return r, fmt.Errorf("rule missing name")
	}
	if r.Severity == "" {
		r.Severity = "medium"
	}
	for _, h := range r.Hex {
		b, err := hex.DecodeString(h)
		if err != nil {
			return r, fmt.Errorf("hex pattern %q: %w", h, err)
		}
		r.hexPatterns = append(r.hexPatterns, b)
	}
	for _, re := range r.Regex {
		compiled, err := regexp.Compile(re)
		if err != nil {
			return r, fmt.Errorf("regex %q: %w", re, err)
		}
		r.regexps = append(r.regexps, compiled)
	}
	return r, nil
}

// Len returns the number of loaded rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Scan runs every rule against data, honoring ctx. Returns the matches and
// whether the scan timed out before finishing.
func (rs *RuleSet) Scan(ctx context.Context, data []byte) ([]models.RuleMatch, bool) {
	var matches []models.RuleMatch
	for _, r := range rs.rules {
		if ctx.Err() != nil {
			return matches, true
		}
		if detail, ok := r.match(data); ok {
			matches = append(matches, models.RuleMatch{
				Rule:     r.Name,
				Severity: r.Severity,
				Detail:   detail,
			})
		}
	}
	return matches, false
}

func (r *Rule) match(data []byte) (string, bool) {
	for _, s := range r.Strings {
		if bytes.Contains(data, []byte(s)) {
			return "string:" + s, true
		}
	}
	for i, h := range r.hexPatterns {
		if bytes.Contains(data, h) {
			return "hex:" + r.Hex[i], true
		}
	}
	for i, re := range r.regexps {
		if re.Match(data) {
			return "regex:" + r.Regex[i], true
		}
	}
	return "", false
}

// patternStrategy runs the rule scan under its own wall-clock cap.
type patternStrategy struct {
	rules *RuleSet
}

func (patternStrategy) Name() string { return "patterns" }

func (s *patternStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	if s.rules == nil {
		return nil
	}
	scanCtx, cancel := context.WithTimeout(ctx, PatternScanCap)
	defer cancel()

	matches, timedOut := s.rules.Scan(scanCtx, t.Data)
	r.RuleMatches = append(r.RuleMatches, matches...)
	r.PatternTimedOut = timedOut
	return nil
}
