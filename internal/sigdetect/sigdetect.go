// Package sigdetect classifies byte streams into a known file kind by
// inspecting magic bytes and container structure. The advertised filename
// never decides the kind on its own; it only disambiguates variants within
// an already-confirmed structural family (legacy vs modern spreadsheet).
package sigdetect

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Kind is a detected file kind.
type Kind string

// Detected kinds. Unknown means no signature matched.
const (
	KindPDF     Kind = "pdf"
	KindDOCX    Kind = "docx"
	KindXLS     Kind = "xls"
	KindXLSX    Kind = "xlsx"
	KindPPTX    Kind = "pptx"
	KindPNG     Kind = "png"
	KindJPEG    Kind = "jpeg"
	KindText    Kind = "text"
	KindUnknown Kind = "unknown"
)

// legacy compound-document magic (old Office binary formats)
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// MIME returns the verified content type for the kind.
func (k Kind) MIME() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case KindXLS:
		return "application/vnd.ms-excel"
	case KindXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case KindPPTX:
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case KindPNG:
		return "image/png"
	case KindJPEG:
		return "image/jpeg"
	case KindText:
		return "text/plain"
	}
	return "application/octet-stream"
}

// Ext returns the canonical extension (with dot) for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindPDF:
		return ".pdf"
	case KindDOCX:
		return ".docx"
	case KindXLS:
		return ".xls"
	case KindXLSX:
		return ".xlsx"
	case KindPPTX:
		return ".pptx"
	case KindPNG:
		return ".png"
	case KindJPEG:
		return ".jpg"
	case KindText:
		return ".txt"
	}
	return ""
}

// IsSpreadsheet reports whether the kind is a spreadsheet variant.
func (k Kind) IsSpreadsheet() bool { return k == KindXLS || k == KindXLSX }

// Detect classifies the stream and restores its read offset before
// returning, so callers can re-read the content from where they left off.
func Detect(rs io.ReadSeeker, filename string) (Kind, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return KindUnknown, fmt.Errorf("save offset: %w", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return KindUnknown, fmt.Errorf("rewind: %w", err)
	}
	// Container inspection needs random access; buffer the full content.
	content, err := io.ReadAll(rs)
	if err != nil {
		return KindUnknown, fmt.Errorf("read: %w", err)
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return KindUnknown, fmt.Errorf("restore offset: %w", err)
	}
	return detectBytes(content, filename), nil
}

// detectBytes applies the signature rules in priority order.
func detectBytes(b []byte, filename string) Kind {
	if bytes.HasPrefix(b, []byte("%PDF-")) {
		return KindPDF
	}
	if bytes.HasPrefix(b, []byte("PK")) {
		if k, ok := detectZip(b, filename); ok {
			return k
		}
		// PK header but unreadable central directory: not a usable container
		return KindUnknown
	}
	if bytes.HasPrefix(b, oleMagic) {
		return KindXLS
	}
	if bytes.HasPrefix(b, pngMagic) {
		return KindPNG
	}
	if len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF {
		return KindJPEG
	}
	if isPlainText(b) {
		return KindText
	}
	return KindUnknown
}

// detectZip distinguishes Office open-container formats by their entry
// listing. A zip that is neither a word-processing document nor a
// presentation is treated as a modern spreadsheet, with the extension
// selecting the legacy label when the caller advertised .xls.
func detectZip(b []byte, filename string) (Kind, bool) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return KindUnknown, false
	}
	hasWordDoc := false
	hasPPT := false
	for _, f := range zr.File {
		switch {
		case f.Name == "word/document.xml":
			hasWordDoc = true
		case strings.HasPrefix(f.Name, "ppt/"):
			hasPPT = true
		}
	}
	switch {
	case hasWordDoc:
		return KindDOCX, true
	case hasPPT:
		return KindPPTX, true
	}
	if strings.EqualFold(filepath.Ext(filename), ".xls") {
		return KindXLS, true
	}
	return KindXLSX, true
}

// isPlainText reports whether the first 1KB decodes as valid UTF-8. When
// the sample is truncated mid-rune, up to three trailing bytes are ignored.
func isPlainText(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	sample := b
	truncated := false
	if len(sample) > 1024 {
		sample = sample[:1024]
		truncated = true
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	if utf8.Valid(sample) {
		return true
	}
	if !truncated {
		return false
	}
	for i := 1; i <= 3 && i < len(sample); i++ {
		if utf8.Valid(sample[:len(sample)-i]) {
			return true
		}
	}
	return false
}
