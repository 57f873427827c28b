package engine

import (
	"context"
	"testing"
)

func TestExtractStringsASCII(t *testing.T) {
	data := append([]byte{0x00, 0x01}, []byte("hello world")...)
	data = append(data, 0xff, 0xfe)
	data = append(data, []byte("tiny")...) // below minimum length

	got := extractStrings(data)
	found := false
	for _, s := range got {
		if s == "hello world" {
			found = true
		}
		if s == "tiny" {
			t.Error("runs below the minimum length must be dropped")
		}
	}
	if !found {
		t.Errorf("expected to extract %q, got %v", "hello world", got)
	}
}

func TestExtractStringsUTF16LE(t *testing.T) {
	// "cmd.exe /c whoami" encoded UTF-16LE.
	src := "cmd.exe /c whoami"
	data := make([]byte, 0, len(src)*2)
	for _, c := range src {
		data = append(data, byte(c), 0)
	}

	got := extractStrings(data)
	found := false
	for _, s := range got {
		if s == src {
			found = true
		}
	}
	if !found {
		t.Errorf("expected UTF-16LE extraction of %q, got %v", src, got)
	}
}

func TestClassifyString(t *testing.T) {
	tests := []struct {
		in       string
		category string
		hit      bool
	}{
		{"visit http://evil.example/payload", "url", true},
		{"powershell -enc SQBFAFgA", "keyword", true},
		{"loading MIMIKATZ module", "ioc", true},
		{"vssadmin delete shadows /all", "ioc", true},
		{"completely ordinary text", "", false},
	}
	for _, tt := range tests {
		category, hit := classifyString(tt.in)
		if hit != tt.hit || category != tt.category {
			t.Errorf("classifyString(%q) = (%q, %v), want (%q, %v)",
				tt.in, category, hit, tt.category, tt.hit)
		}
	}
}

func TestStringStrategyDeduplicates(t *testing.T) {
	data := []byte("http://c2.example/a ... http://c2.example/a ... http://c2.example/a")
	r := &Result{EntropyPerSection: map[string]float64{}}
	s := stringStrategy{}
	if err := s.Run(context.Background(), &Target{Data: data}, r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.Strings) == 0 {
		t.Fatal("expected suspicious strings")
	}
	seen := make(map[string]int)
	for _, str := range r.Strings {
		seen[str.Value]++
		if seen[str.Value] > 1 {
			t.Errorf("duplicate suspicious string %q", str.Value)
		}
	}
}
