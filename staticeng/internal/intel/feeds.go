package intel

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FeedFormat names a supported feed encoding.
type FeedFormat string

const (
	FormatCSV  FeedFormat = "csv"
	FormatJSON FeedFormat = "json"
	FormatSTIX FeedFormat = "stix"
)

// HTTPFeed fetches indicators from a URL in one of the supported formats.
type HTTPFeed struct {
	URL    string
	Format FeedFormat
	client *http.Client
}

// NewHTTPFeed builds a feed fetcher.
func NewHTTPFeed(url string, format FeedFormat) *HTTPFeed {
	return &HTTPFeed{
		URL:    url,
		Format: format,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *HTTPFeed) Name() string { return f.URL }

// Fetch retrieves and parses the feed.
func (f *HTTPFeed) Fetch(ctx context.Context) ([]Indicator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %d", resp.StatusCode)
	}

	return Parse(f.Format, resp.Body)
}

// Parse decodes a feed body in the given format.
func Parse(format FeedFormat, r io.Reader) ([]Indicator, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatJSON:
		return parseJSON(r)
	case FormatSTIX:
		return parseSTIX(r)
	default:
		return nil, fmt.Errorf("unknown feed format %q", format)
	}
}

// parseCSV reads rows of value,type,severity,source. A leading header row
// is skipped.
func parseCSV(r io.Reader) ([]Indicator, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var out []Indicator
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		if first {
			first = false
			if strings.EqualFold(record[0], "value") || strings.EqualFold(record[0], "indicator") {
				continue
			}
		}
		ind := Indicator{Value: record[0], Type: record[1], Severity: 5}
		if len(record) > 2 {
			if sev, err := strconv.Atoi(record[2]); err == nil {
				ind.Severity = sev
			}
		}
		if len(record) > 3 {
			ind.Source = record[3]
		}
		out = append(out, ind)
	}
	return out, nil
}

type jsonIndicator struct {
	Value    string `json:"value"`
	Type     string `json:"type"`
	Severity int    `json:"severity"`
	Source   string `json:"source"`
}

// parseJSON reads an array of indicator objects.
func parseJSON(r io.Reader) ([]Indicator, error) {
	var raw []jsonIndicator
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json feed: %w", err)
	}
	out := make([]Indicator, 0, len(raw))
	for _, j := range raw {
		if j.Value == "" {
			continue
		}
		if j.Severity == 0 {
			j.Severity = 5
		}
		out = append(out, Indicator{Value: j.Value, Type: j.Type, Severity: j.Severity, Source: j.Source})
	}
	return out, nil
}

// stixBundle is the subset of a STIX 2.1 bundle we consume: indicator
// objects with comparison patterns.
type stixBundle struct {
	Objects []struct {
		Type    string   `json:"type"`
		Pattern string   `json:"pattern"`
		Labels  []string `json:"labels"`
	} `json:"objects"`
}

var stixValue = regexp.MustCompile(`=\s*'([^']+)'`)

// parseSTIX extracts comparison values from indicator patterns, e.g.
// [file:hashes.'SHA-256' = 'abc...'] or [domain-name:value = 'evil.example'].
func parseSTIX(r io.Reader) ([]Indicator, error) {
	var bundle stixBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode stix bundle: %w", err)
	}

	var out []Indicator
	for _, obj := range bundle.Objects {
		if obj.Type != "indicator" {
			continue
		}
		for _, m := range stixValue.FindAllStringSubmatch(obj.Pattern, -1) {
			ind := Indicator{Value: m[1], Type: stixType(obj.Pattern), Source: "stix", Severity: 5}
			for _, label := range obj.Labels {
				if label == "malicious-activity" {
					ind.Severity = 8
				}
			}
			out = append(out, ind)
		}
	}
	return out, nil
}

func stixType(pattern string) string {
	switch {
	case strings.Contains(pattern, "SHA-256"):
		return "sha256"
	case strings.Contains(pattern, "MD5"):
		return "md5"
	case strings.Contains(pattern, "domain-name"):
		return "domain"
	case strings.Contains(pattern, "ipv4-addr"):
		return "ip"
	}
	return "unknown"
}
