// Package bundle assembles a submission's manifest and archive, and unpacks
// archives for reprocessing.
//
// The archive digest is inherently circular: a digest of the whole archive
// cannot live inside the very bytes being digested. Build therefore runs two
// passes. The pass-1 archive holds the file payloads plus a manifest without
// any zip block; its digest and size are then written into the manifest, and
// the archive is rebuilt. The pass-2 archive's own digest is reported to the
// caller and attached to storage metadata, never embedded back into the
// bytes. The manifest inside a delivered archive always describes the
// archive as it existed before that manifest was added; no pass ever closes
// the loop, and none should be added.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/uscar-it/submission-pipeline/internal/hashio"
	"github.com/uscar-it/submission-pipeline/internal/models"
)

// ManifestName is the fixed in-archive path of the manifest.
const ManifestName = "manifest.json"

// Payload is one file's raw bytes at its fixed in-archive path. Order is
// preserved so archives build deterministically.
type Payload struct {
	Path    string
	Content []byte
}

// Result is a built archive with its externally-reported identity.
type Result struct {
	Archive []byte
	// SHA256 and SizeBytes describe the pass-2 archive. They go into the
	// response and storage metadata only; the manifest's zip block carries
	// the pass-1 values instead.
	SHA256    string
	SizeBytes int64
}

// ErrNoManifest is returned when an extracted archive has no manifest entry.
var ErrNoManifest = errors.New("no manifest.json in archive")

// Build produces the pass-2 archive for the manifest and payloads. The
// manifest is mutated: its Zip block is set to the pass-1 archive's digest
// and size.
func Build(m *models.Manifest, payloads []Payload) (*Result, error) {
	m.Zip = nil
	pass1, err := writeZip(m, payloads)
	if err != nil {
		return nil, fmt.Errorf("pass-1 archive: %w", err)
	}

	m.Zip = &models.ZipInfo{
		ZipSHA256:    hashio.SHA256HexBytes(pass1),
		ZipSizeBytes: int64(len(pass1)),
	}
	pass2, err := writeZip(m, payloads)
	if err != nil {
		return nil, fmt.Errorf("pass-2 archive: %w", err)
	}

	return &Result{
		Archive:   pass2,
		SHA256:    hashio.SHA256HexBytes(pass2),
		SizeBytes: int64(len(pass2)),
	}, nil
}

// writeZip builds one archive: every payload at its fixed path, then the
// manifest at the root.
func writeZip(m *models.Manifest, payloads []Payload) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, p := range payloads {
		f, err := w.Create(p.Path)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", p.Path, err)
		}
		if _, err := f.Write(p.Content); err != nil {
			return nil, fmt.Errorf("entry %s: %w", p.Path, err)
		}
	}
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	f, err := w.Create(ManifestName)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", ManifestName, err)
	}
	if _, err := f.Write(mb); err != nil {
		return nil, fmt.Errorf("entry %s: %w", ManifestName, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Extract unpacks every regular file in the archive, keyed by entry name.
func Extract(archive []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		content, err := readAllAndClose(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}
	return files, nil
}

func readAllAndClose(rc interface {
	Read([]byte) (int, error)
	Close() error
}) ([]byte, error) {
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FindManifest locates and parses the manifest among extracted files,
// tolerating a case-insensitive name match at any depth.
func FindManifest(files map[string][]byte) (*models.Manifest, error) {
	var raw []byte
	for name, content := range files {
		lower := strings.ToLower(name)
		if lower == ManifestName || strings.HasSuffix(lower, "/"+ManifestName) {
			raw = content
			break
		}
	}
	if raw == nil {
		return nil, ErrNoManifest
	}
	var m models.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

var unsafeFilenameRx = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeFilename strips path components and filesystem-unsafe characters
// from a caller-supplied filename, for safe embedding in manifest metadata.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeFilenameRx.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}
