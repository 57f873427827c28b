package engine

import (
	"context"
	"math"
)

// PackedEntropyThreshold marks a section as packed/encrypted.
const PackedEntropyThreshold = 7.5

// Shannon computes the Shannon entropy of data in bits per byte.
func Shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// entropyStrategy computes per-section entropy from the spans recorded by
// the format strategy and flags packed sections. Unparsed binaries get a
// whole-file measurement.
type entropyStrategy struct{}

func (entropyStrategy) Name() string { return "entropy" }

func (entropyStrategy) Run(_ context.Context, t *Target, r *Result) error {
	if len(r.spans) == 0 {
		e := Shannon(t.Data)
		r.EntropyPerSection["(file)"] = e
		if e >= PackedEntropyThreshold {
			r.PackedSections++
		}
		return nil
	}

	for _, span := range r.spans {
		start, end := span.offset, span.offset+span.size
		if start < 0 || end > int64(len(t.Data)) || start >= end {
			continue
		}
		e := Shannon(t.Data[start:end])
		r.EntropyPerSection[span.name] = e
		for i := range r.Sections {
			if r.Sections[i].Name == span.name {
				r.Sections[i].Entropy = e
				break
			}
		}
		if e >= PackedEntropyThreshold {
			r.PackedSections++
		}
	}
	return nil
}
