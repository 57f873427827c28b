package hashing

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestMultiHasherKnownVectors(t *testing.T) {
	h := New()
	if _, err := io.Copy(h, bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("copy: %v", err)
	}

	spool := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(spool, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write spool: %v", err)
	}

	d := h.Digests(spool)
	if d.SHA256 != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %s", d.SHA256)
	}
	if d.MD5 != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("md5 = %s", d.MD5)
	}
	// 3 bytes is below the ssdeep minimum; the fuzzy hash is simply absent.
	if d.SSDeep != "" {
		t.Errorf("expected empty ssdeep for tiny input, got %q", d.SSDeep)
	}
	if h.Size() != 3 {
		t.Errorf("size = %d, want 3", h.Size())
	}
}

func TestMultiHasherFuzzyOnLargeInput(t *testing.T) {
	data := bytes.Repeat([]byte("stormglass sample content block "), 256)
	h := New()
	if _, err := io.Copy(h, bytes.NewReader(data)); err != nil {
		t.Fatalf("copy: %v", err)
	}

	spool := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(spool, data, 0o600); err != nil {
		t.Fatalf("write spool: %v", err)
	}

	d := h.Digests(spool)
	if d.SSDeep == "" {
		t.Error("expected ssdeep hash for input above the minimum size")
	}
}
