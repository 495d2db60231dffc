package sigdetect

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

// buildZip creates an in-memory zip containing the given entry names.
func buildZip(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte("<xml/>")); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestDetect(t *testing.T) {
	pngSig := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}
	oleSig := []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0, 0}

	cases := []struct {
		name     string
		content  []byte
		filename string
		want     Kind
	}{
		{"pdf", []byte("%PDF-1.7 stuff"), "diagram.pdf", KindPDF},
		{"pdf ignores extension", []byte("%PDF-1.4"), "diagram.docx", KindPDF},
		{"docx", buildZip(t, "[Content_Types].xml", "word/document.xml"), "charter.docx", KindDOCX},
		{"docx ignores extension", buildZip(t, "word/document.xml"), "charter.bin", KindDOCX},
		{"pptx", buildZip(t, "[Content_Types].xml", "ppt/slides/slide1.xml"), "deck.pptx", KindPPTX},
		{"xlsx", buildZip(t, "[Content_Types].xml", "xl/workbook.xml"), "budget.xlsx", KindXLSX},
		{"zip with xls extension", buildZip(t, "xl/workbook.xml"), "budget.xls", KindXLS},
		{"legacy xls magic", oleSig, "budget.xls", KindXLS},
		{"legacy xls magic odd extension", oleSig, "budget.dat", KindXLS},
		{"png", pngSig, "logo.png", KindPNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "photo.jpg", KindJPEG},
		{"plain text", []byte("hello submission\n"), "notes.txt", KindText},
		{"utf8 text without extension", []byte("r\xc3\xa9sum\xc3\xa9"), "resume", KindText},
		{"truncated pk header", []byte("PKonly"), "broken.zip", KindUnknown},
		{"empty", nil, "empty.txt", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(bytes.NewReader(tc.content), tc.filename)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetectRandomBytesUnrecognized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := make([]byte, 2048)
	for i := range b {
		b[i] = byte(0x80 | rng.Intn(0x40)) // continuation bytes, never valid UTF-8
	}
	got, err := Detect(bytes.NewReader(b), "mystery.pdf")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != KindUnknown {
		t.Fatalf("got %q, want %q", got, KindUnknown)
	}
}

func TestDetectRestoresOffset(t *testing.T) {
	content := []byte("%PDF-1.7 payload bytes")
	r := bytes.NewReader(content)
	if _, err := r.Seek(5, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := Detect(r, "a.pdf"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	pos, _ := r.Seek(0, io.SeekCurrent)
	if pos != 5 {
		t.Fatalf("offset after Detect = %d, want 5", pos)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != string(content[5:]) {
		t.Fatalf("subsequent read got %q, want %q", rest, content[5:])
	}
}

// brokenSeeker fails every seek after the first n calls.
type brokenSeeker struct {
	*bytes.Reader
	seeks, limit int
}

func (b *brokenSeeker) Seek(offset int64, whence int) (int64, error) {
	b.seeks++
	if b.seeks > b.limit {
		return 0, errors.New("seek broken")
	}
	return b.Reader.Seek(offset, whence)
}

func TestDetectReportsRestoreFailure(t *testing.T) {
	// Save and rewind succeed; the restore seek fails and must surface.
	r := &brokenSeeker{Reader: bytes.NewReader([]byte("%PDF-1.7")), limit: 2}
	if _, err := Detect(r, "a.pdf"); err == nil {
		t.Fatal("Detect should report a failed offset restore")
	}
}

func TestKindMIME(t *testing.T) {
	if got := KindDOCX.MIME(); got != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Fatalf("docx mime = %q", got)
	}
	if got := KindUnknown.MIME(); got != "application/octet-stream" {
		t.Fatalf("unknown mime = %q", got)
	}
}
