// Package magic infers artifact file types from leading bytes and detects
// executable masquerade against the declared MIME type.
package magic

import (
	"bytes"
	"strings"

	"github.com/stormglass-sec/stormglass/common/models"
)

// SniffLen is how many leading bytes Sniff needs.
const SniffLen = 8

var (
	elfMagic       = []byte{0x7f, 'E', 'L', 'F'}
	machO32        = []byte{0xfe, 0xed, 0xfa, 0xce}
	machO64        = []byte{0xfe, 0xed, 0xfa, 0xcf}
	machO32LE      = []byte{0xce, 0xfa, 0xed, 0xfe}
	machO64LE      = []byte{0xcf, 0xfa, 0xed, 0xfe}
	machOUniversal = []byte{0xca, 0xfe, 0xba, 0xbe}
)

// Sniff classifies the file type from the first bytes of the artifact.
func Sniff(head []byte) models.FileType {
	switch {
	case len(head) >= 2 && head[0] == 'M' && head[1] == 'Z':
		return models.FileTypePE
	case bytes.HasPrefix(head, elfMagic):
		return models.FileTypeELF
	case bytes.HasPrefix(head, machO32), bytes.HasPrefix(head, machO64),
		bytes.HasPrefix(head, machO32LE), bytes.HasPrefix(head, machO64LE),
		bytes.HasPrefix(head, machOUniversal):
		return models.FileTypeMachO
	}
	return models.FileTypeUnknown
}

// benign MIME families that an executable must not claim.
var benignMIMEPrefixes = []string{
	"image/",
	"audio/",
	"video/",
	"text/",
}

var benignMIMEExact = map[string]bool{
	"application/pdf":  true,
	"application/json": true,
	"application/xml":  true,
}

// Masquerade reports whether the declared MIME disagrees with the sniffed
// type in a security-relevant way: the bytes are an executable but the
// client declared a benign document format.
func Masquerade(declared string, sniffed models.FileType) bool {
	if !sniffed.Executable() {
		return false
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared == "" {
		return false
	}
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if benignMIMEExact[declared] {
		return true
	}
	for _, p := range benignMIMEPrefixes {
		if strings.HasPrefix(declared, p) {
			return true
		}
	}
	return false
}
