package engine

import (
	"math"
	"testing"
)

func TestShannonUniformBytes(t *testing.T) {
	// All 256 byte values equally often: entropy is exactly 8 bits.
	data := make([]byte, 256*16)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if e := Shannon(data); math.Abs(e-8.0) > 1e-9 {
		t.Errorf("uniform entropy = %f, want 8.0", e)
	}
}

func TestShannonConstantBytes(t *testing.T) {
	data := make([]byte, 4096)
	if e := Shannon(data); e != 0 {
		t.Errorf("constant entropy = %f, want 0", e)
	}
}

func TestShannonEmpty(t *testing.T) {
	if e := Shannon(nil); e != 0 {
		t.Errorf("empty entropy = %f, want 0", e)
	}
}

func TestEntropyStrategyWholeFileFallback(t *testing.T) {
	// High-entropy blob with no parsed sections flags one packed region.
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte((i*31 + 7) % 256)
	}
	r := &Result{EntropyPerSection: make(map[string]float64)}
	s := entropyStrategy{}
	if err := s.Run(nil, &Target{Data: data}, r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := r.EntropyPerSection["(file)"]; !ok {
		t.Fatal("expected whole-file entropy entry")
	}
	if r.EntropyPerSection["(file)"] < PackedEntropyThreshold {
		t.Fatalf("test blob entropy %f below threshold", r.EntropyPerSection["(file)"])
	}
	if r.PackedSections != 1 {
		t.Errorf("packed sections = %d, want 1", r.PackedSections)
	}
}

func TestEntropyStrategyPerSection(t *testing.T) {
	low := make([]byte, 1024) // zeroes
	high := make([]byte, 1024)
	for i := range high {
		high[i] = byte((i*31 + 7) % 256)
	}
	data := append(append([]byte{}, low...), high...)

	r := &Result{
		EntropyPerSection: make(map[string]float64),
		spans: []sectionSpan{
			{name: ".data", offset: 0, size: 1024},
			{name: ".packed", offset: 1024, size: 1024},
		},
	}
	s := entropyStrategy{}
	if err := s.Run(nil, &Target{Data: data}, r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.EntropyPerSection[".data"] != 0 {
		t.Errorf(".data entropy = %f, want 0", r.EntropyPerSection[".data"])
	}
	if r.EntropyPerSection[".packed"] < PackedEntropyThreshold {
		t.Errorf(".packed entropy = %f, want >= %f", r.EntropyPerSection[".packed"], PackedEntropyThreshold)
	}
	if r.PackedSections != 1 {
		t.Errorf("packed sections = %d, want 1", r.PackedSections)
	}
}
