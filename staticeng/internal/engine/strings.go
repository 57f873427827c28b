package engine

import (
	"context"
	"strings"

	"github.com/stormglass-sec/stormglass/common/models"
)

// minStringLen is the minimum printable run length worth extracting.
const minStringLen = 6

// maxExtractedStrings bounds memory on pathological inputs.
const maxExtractedStrings = 50000

// stringStrategy extracts ASCII and UTF-16LE printable runs and classifies
// them against the suspicious-substring table.
type stringStrategy struct{}

func (stringStrategy) Name() string { return "strings" }

func (stringStrategy) Run(ctx context.Context, t *Target, r *Result) error {
	r.printables = extractStrings(t.Data)

	seen := make(map[string]bool)
	for _, s := range r.printables {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if category, hit := classifyString(s); hit && !seen[s] {
			seen[s] = true
			r.Strings = append(r.Strings, models.SuspiciousString{Value: s, Category: category})
		}
	}
	return nil
}

func printable(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}

// extractStrings pulls ASCII runs and UTF-16LE runs (printable byte,
// zero byte alternation) of at least minStringLen characters.
func extractStrings(data []byte) []string {
	var out []string

	// ASCII runs.
	start := -1
	for i := 0; i <= len(data); i++ {
		if i < len(data) && printable(data[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minStringLen {
			out = append(out, string(data[start:i]))
			if len(out) >= maxExtractedStrings {
				return out
			}
		}
		start = -1
	}

	// UTF-16LE runs.
	var run []byte
	flush := func() {
		if len(run) >= minStringLen {
			out = append(out, string(run))
		}
		run = run[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		if printable(data[i]) && data[i+1] == 0 {
			run = append(run, data[i])
			continue
		}
		flush()
		if len(out) >= maxExtractedStrings {
			return out
		}
	}
	flush()

	return out
}

// suspicious-substring table: URLs, tooling keywords, known IOC fragments.
var suspiciousKeywords = map[string]string{
	"powershell -enc":    "keyword",
	"powershell.exe":     "keyword",
	"cmd.exe /c":         "keyword",
	"rundll32":           "keyword",
	"regsvr32":           "keyword",
	"mshta":              "keyword",
	"certutil -decode":   "keyword",
	"wscript.shell":      "keyword",
	"mimikatz":           "ioc",
	"sekurlsa":           "ioc",
	"lsass":              "ioc",
	"vssadmin delete":    "ioc",
	"bcdedit /set":       "ioc",
	"wbadmin delete":     "ioc",
	"your files have been encrypted": "ioc",
	"bitcoin":            "ioc",
	"createremotethread": "keyword",
	"virtualallocex":     "keyword",
	"writeprocessmemory": "keyword",
	"setwindowshookex":   "keyword",
	"currentversion\\run": "keyword",
	"schtasks /create":   "keyword",
	"eicar-standard-antivirus-test-file": "ioc",
}

// classifyString checks a printable run against the suspicious table.
func classifyString(s string) (string, bool) {
	lower := strings.ToLower(s)

	if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") ||
		strings.Contains(lower, "ftp://") {
		return "url", true
	}
	for keyword, category := range suspiciousKeywords {
		if strings.Contains(lower, keyword) {
			return category, true
		}
	}
	return "", false
}
