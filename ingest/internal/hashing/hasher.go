// Package hashing computes the artifact content hashes while bytes stream
// to the temporary spool.
package hashing

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/glaslos/ssdeep"
)

// Digests holds the three content hashes of an artifact.
type Digests struct {
	SHA256 string
	MD5    string
	SSDeep string
}

// MultiHasher is an io.Writer updating SHA-256 and MD5 state as bytes
// stream through. The ssdeep fuzzy hash needs the whole input, so it is
// computed from the spool file after streaming completes.
type MultiHasher struct {
	sha hash.Hash
	md  hash.Hash
	n   int64
}

// New returns a fresh MultiHasher.
func New() *MultiHasher {
	return &MultiHasher{
		sha: sha256.New(),
		md:  md5.New(),
	}
}

// Write updates all hash states. It never fails.
func (h *MultiHasher) Write(p []byte) (int, error) {
	h.sha.Write(p)
	h.md.Write(p)
	h.n += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes hashed so far.
func (h *MultiHasher) Size() int64 { return h.n }

// Digests finalizes the streaming hashes and computes the fuzzy hash from
// the spooled file. Inputs below the ssdeep minimum produce an empty fuzzy
// hash rather than an error.
func (h *MultiHasher) Digests(spoolPath string) Digests {
	d := Digests{
		SHA256: hex.EncodeToString(h.sha.Sum(nil)),
		MD5:    hex.EncodeToString(h.md.Sum(nil)),
	}
	if fuzzy, err := ssdeep.FuzzyFilename(spoolPath); err == nil {
		d.SSDeep = fuzzy
	}
	return d
}
