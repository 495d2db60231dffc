package hashio

import (
	"bytes"
	"io"
	"testing"
)

func TestSHA256HexMatchesBytes(t *testing.T) {
	content := []byte("the quick brown fox")
	got, err := SHA256Hex(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("SHA256Hex: %v", err)
	}
	if want := SHA256HexBytes(content); got != want {
		t.Fatalf("stream digest %q != bytes digest %q", got, want)
	}
}

func TestSHA256HexRestoresOffset(t *testing.T) {
	content := []byte("0123456789abcdef")
	r := bytes.NewReader(content)

	// Advance the cursor, digest, then confirm a subsequent read picks up
	// exactly where it left off.
	if _, err := r.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := SHA256Hex(r); err != nil {
		t.Fatalf("SHA256Hex: %v", err)
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != string(content[4:]) {
		t.Fatalf("read after digest = %q, want %q", rest, content[4:])
	}

	// Digest always covers the full content regardless of starting offset.
	r2 := bytes.NewReader(content)
	r2.Seek(9, io.SeekStart)
	fromMid, _ := SHA256Hex(r2)
	fromStart, _ := SHA256Hex(bytes.NewReader(content))
	if fromMid != fromStart {
		t.Fatalf("digest depends on starting offset: %q vs %q", fromMid, fromStart)
	}
}
