package engine

import (
	"bytes"
	"context"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"strings"

	"github.com/stormglass-sec/stormglass/common/models"
)

// formatStrategy classifies the binary format and extracts imports and
// sections. Parsers are attempted PE, ELF, Mach-O in order; the first
// success wins. Parse errors on malformed binaries are diagnostics, not
// failures.
type formatStrategy struct{}

func (formatStrategy) Name() string { return "format" }

func (s *formatStrategy) Run(_ context.Context, t *Target, r *Result) error {
	if err := s.parsePE(t.Data, r); err == nil {
		r.FileType = models.FileTypePE
		return nil
	}
	if err := s.parseELF(t.Data, r); err == nil {
		r.FileType = models.FileTypeELF
		return nil
	}
	if err := s.parseMachO(t.Data, r); err == nil {
		r.FileType = models.FileTypeMachO
		return nil
	}

	r.FileType = models.FileTypeUnknown
	r.ParseDiagnostic = "no executable format recognized"
	return nil
}

func (s *formatStrategy) parsePE(data []byte, r *Result) error {
	if len(data) < 2 || data[0] != 'M' || data[1] != 'Z' {
		return fmt.Errorf("pe: missing MZ header")
	}
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("pe: %w", err)
	}
	defer f.Close()

	if syms, err := f.ImportedSymbols(); err == nil {
		r.Imports = append(r.Imports, syms...)
	}

	const (
		imageScnMemExecute = 0x20000000
		imageScnMemWrite   = 0x80000000
	)
	for _, sec := range f.Sections {
		info := models.SectionInfo{
			Name:       sec.Name,
			Size:       int64(sec.Size),
			Writable:   sec.Characteristics&imageScnMemWrite != 0,
			Executable: sec.Characteristics&imageScnMemExecute != 0,
		}
		info.Suspicious = suspiciousSection(info)
		if info.Suspicious {
			r.SuspiciousFlags++
		}
		r.Sections = append(r.Sections, info)
		r.spans = append(r.spans, sectionSpan{
			name:   sec.Name,
			offset: int64(sec.Offset),
			size:   int64(sec.Size),
		})
	}
	return nil
}

func (s *formatStrategy) parseELF(data []byte, r *Result) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("elf: %w", err)
	}
	defer f.Close()

	if syms, err := f.ImportedSymbols(); err == nil {
		for _, sym := range syms {
			r.Imports = append(r.Imports, sym.Name)
		}
	}

	for _, sec := range f.Sections {
		if sec.Name == "" {
			continue
		}
		info := models.SectionInfo{
			Name:       sec.Name,
			Size:       int64(sec.Size),
			Writable:   sec.Flags&elf.SHF_WRITE != 0,
			Executable: sec.Flags&elf.SHF_EXECINSTR != 0,
		}
		info.Suspicious = suspiciousSection(info)
		if info.Suspicious {
			r.SuspiciousFlags++
		}
		r.Sections = append(r.Sections, info)
		if sec.Type != elf.SHT_NOBITS {
			r.spans = append(r.spans, sectionSpan{
				name:   sec.Name,
				offset: int64(sec.Offset),
				size:   int64(sec.Size),
			})
		}
	}
	return nil
}

func (s *formatStrategy) parseMachO(data []byte, r *Result) error {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("macho: %w", err)
	}
	defer f.Close()

	if syms, err := f.ImportedSymbols(); err == nil {
		r.Imports = append(r.Imports, syms...)
	}

	for _, sec := range f.Sections {
		info := models.SectionInfo{
			Name: sec.Name,
			Size: int64(sec.Size),
		}
		info.Suspicious = suspiciousSection(info)
		if info.Suspicious {
			r.SuspiciousFlags++
		}
		r.Sections = append(r.Sections, info)
		r.spans = append(r.spans, sectionSpan{
			name:   sec.Name,
			offset: int64(sec.Offset),
			size:   int64(sec.Size),
		})
	}
	return nil
}

// standard section names per format; anything else is unusual.
var knownSectionNames = map[string]bool{
	".text": true, ".data": true, ".rdata": true, ".bss": true,
	".idata": true, ".edata": true, ".rsrc": true, ".reloc": true,
	".tls": true, ".pdata": true, ".xdata": true, ".debug": true,
	".init": true, ".fini": true, ".rodata": true, ".plt": true,
	".got": true, ".dynamic": true, ".dynsym": true, ".dynstr": true,
	".symtab": true, ".strtab": true, ".comment": true, ".interp": true,
	".note": true, ".eh_frame": true, ".eh_frame_hdr": true,
	"__text": true, "__data": true, "__const": true, "__cstring": true,
	"__bss": true, "__stubs": true, "__got": true, "__objc_classlist": true,
}

// suspiciousSection flags writable+executable sections and unusually
// named ones (common packer fingerprints).
func suspiciousSection(info models.SectionInfo) bool {
	if info.Writable && info.Executable {
		return true
	}
	name := strings.ToLower(strings.TrimRight(info.Name, "\x00"))
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, ".upx") || strings.HasPrefix(name, "upx") ||
		strings.HasPrefix(name, ".aspack") || strings.HasPrefix(name, ".themida") ||
		strings.HasPrefix(name, ".vmp") || strings.HasPrefix(name, ".petite") {
		return true
	}
	for _, p := range []string{".gnu", ".rel", ".init_array", ".fini_array", ".data.", ".note.", ".debug_", ".hash"} {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
		return !knownSectionNames[name]
	}
	return false
}
