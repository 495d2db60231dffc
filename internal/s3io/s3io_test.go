package s3io

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 implements API with in-memory objects and injectable failures.
type fakeS3 struct {
	objects map[string][]byte
	putErr  error
	puts    []s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, p *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(p.Body)
	f.objects[aws.ToString(p.Bucket)+"/"+aws.ToString(p.Key)] = b
	f.puts = append(f.puts, *p)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, p *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[aws.ToString(p.Bucket)+"/"+aws.ToString(p.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(b)))}, nil
}

func (f *fakeS3) GetObjectTagging(ctx context.Context, p *s3.GetObjectTaggingInput, _ ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
	return &s3.GetObjectTaggingOutput{}, nil
}

func (f *fakeS3) PutObjectTagging(ctx context.Context, p *s3.PutObjectTaggingInput, _ ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	return &s3.PutObjectTaggingOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, p *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src := f.objects[aws.ToString(p.CopySource)]
	f.objects[aws.ToString(p.Bucket)+"/"+aws.ToString(p.Key)] = src
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, p *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(p.Bucket)+"/"+aws.ToString(p.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, p *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(p.Bucket)+"/"+aws.ToString(p.Key)]; !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, p *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, p *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func testGateway(t *testing.T, client API) *Gateway {
	t.Helper()
	return &Gateway{
		Client:   client,
		LocalDir: t.TempDir(),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC)
	got := ObjectKey("uploads", at, "01ABC")
	if got != "uploads/2026/02/11/01ABC.zip" {
		t.Fatalf("key = %q", got)
	}
	// Same inputs, same key: retries overwrite instead of duplicating.
	if again := ObjectKey("uploads", at, "01ABC"); again != got {
		t.Fatalf("key not deterministic: %q vs %q", again, got)
	}
}

func TestPutDurable(t *testing.T) {
	fake := newFakeS3()
	g := testGateway(t, fake)

	res, err := g.Put(context.Background(), "uploads-bucket", "uploads/2026/02/11/a.zip",
		[]byte("zipbytes"), map[string]string{"project": "Battery Pack 7"}, map[string]string{"submissionId": "a"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Backend != BackendS3 {
		t.Fatalf("backend = %q, want s3", res.Backend)
	}
	if res.Location != "uploads/2026/02/11/a.zip" {
		t.Fatalf("location = %q", res.Location)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("put count = %d", len(fake.puts))
	}
	tagging := aws.ToString(fake.puts[0].Tagging)
	if !strings.Contains(tagging, "project=battery_pack_7") {
		t.Fatalf("index tags not normalized: %q", tagging)
	}
}

func TestPutFallsBackToLocal(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("simulated outage")
	g := testGateway(t, fake)

	body := []byte("zipbytes")
	res, err := g.Put(context.Background(), "uploads-bucket", "uploads/2026/02/11/a.zip", body, nil, nil)
	if err != nil {
		t.Fatalf("Put should recover via fallback, got %v", err)
	}
	if res.Backend != BackendLocal {
		t.Fatalf("backend = %q, want local", res.Backend)
	}
	got, err := os.ReadFile(res.Location)
	if err != nil {
		t.Fatalf("read fallback file: %v", err)
	}
	if string(got) != string(body) {
		t.Fatal("fallback file bytes differ from archive")
	}
	if want := filepath.Join(g.LocalDir, "uploads", "2026", "02", "11", "a.zip"); res.Location != want {
		t.Fatalf("fallback path = %q, want %q", res.Location, want)
	}
}

func TestEncodeIndexTags(t *testing.T) {
	enc := EncodeIndexTags(map[string]string{"scanStatus": "pending", "entityName": "Acme Labs"})
	if !strings.Contains(enc, "entityName=acme_labs") || !strings.Contains(enc, "scanStatus=pending") {
		t.Fatalf("encoded tags = %q", enc)
	}
}
