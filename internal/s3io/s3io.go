// Package s3io is the storage gateway: it persists archives to the durable
// object store with index tags and metadata, falling back to the local
// filesystem when the durable write fails, and wraps the object operations
// the scan and reprocessing stages need.
package s3io

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/tags"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the subset of the S3 client the gateway uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Backend identifies which store actually persisted the data.
type Backend string

// Possible values for Backend.
const (
	BackendS3    Backend = "s3"
	BackendLocal Backend = "local"
)

// PutResult reports where an archive ended up.
type PutResult struct {
	Location string
	Backend  Backend
}

// Gateway wraps the object store plus the local fallback directory.
type Gateway struct {
	Client   API
	LocalDir string
	Log      *slog.Logger
}

// ObjectKey builds the deterministic date-partitioned key for a submission:
// <prefix>/<YYYY/MM/DD>/<submissionID>.zip. Retries of the same submission
// on the same day produce the same key and overwrite rather than duplicate.
func ObjectKey(prefix string, t time.Time, submissionID string) string {
	return fmt.Sprintf("%s/%s/%s.zip", prefix, t.Format("2006/01/02"), submissionID)
}

// Put writes the archive to the durable store first; on any failure it logs
// the error and writes the same bytes under the local fallback directory.
// The result's Backend field tells the caller which store holds the data.
// An error is returned only when both stores fail.
func (g *Gateway) Put(ctx context.Context, bucket, key string, body []byte, indexTags, metadata map[string]string) (PutResult, error) {
	if err := g.putDurable(ctx, bucket, key, body, indexTags, metadata); err != nil {
		g.Log.Error("durable storage write failed, falling back to local",
			"bucket", bucket, "key", key, "err", err)
		local, lerr := g.putLocal(key, body)
		if lerr != nil {
			return PutResult{}, fmt.Errorf("durable write failed (%v); local fallback failed: %w", err, lerr)
		}
		g.Log.Info("archive saved to local fallback", "path", local)
		return PutResult{Location: local, Backend: BackendLocal}, nil
	}
	return PutResult{Location: key, Backend: BackendS3}, nil
}

func (g *Gateway) putDurable(ctx context.Context, bucket, key string, body []byte, indexTags, metadata map[string]string) error {
	if err := g.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	_, err := g.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/zip"),
		Metadata:    metadata,
		Tagging:     aws.String(EncodeIndexTags(indexTags)),
	})
	return err
}

func (g *Gateway) putLocal(key string, body []byte) (string, error) {
	path := filepath.Join(g.LocalDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// EncodeIndexTags normalizes tag values for the backend's index and encodes
// them into the wire form PutObject expects. Index tags have stricter
// constraints than free-text metadata, so values are normalized here
// regardless of how they appear in metadata.
func EncodeIndexTags(t map[string]string) string {
	v := url.Values{}
	for k, val := range t {
		v.Set(k, tags.NormalizeForIndex(val))
	}
	return v.Encode()
}

// EnsureBucket creates the bucket when it does not already exist.
func (g *Gateway) EnsureBucket(ctx context.Context, bucket string) error {
	if _, err := g.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := g.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	return err
}

// Get downloads an object's full content.
func (g *Gateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := g.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// GetTags returns the object's tag set as a map.
func (g *Gateway) GetTags(ctx context.Context, bucket, key string) (map[string]string, error) {
	out, err := g.Client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m, nil
}

// SetTags replaces the object's tag set.
func (g *Gateway) SetTags(ctx context.Context, bucket, key string, set map[string]string) error {
	tagSet := make([]types.Tag, 0, len(set))
	for k, v := range set {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := g.Client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(bucket),
		Key:     aws.String(key),
		Tagging: &types.Tagging{TagSet: tagSet},
	})
	return err
}

// SetMetadata replaces the object's user metadata via a self-copy.
func (g *Gateway) SetMetadata(ctx context.Context, bucket, key string, metadata map[string]string) error {
	_, err := g.Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(bucket + "/" + key),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	return err
}

// Copy copies an object across buckets.
func (g *Gateway) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := g.Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	return err
}

// Head reports whether the object exists.
func (g *Gateway) Head(ctx context.Context, bucket, key string) error {
	_, err := g.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// Delete removes the object.
func (g *Gateway) Delete(ctx context.Context, bucket, key string) error {
	_, err := g.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// PutProcessed uploads one reprocessed file with provenance metadata.
func (g *Gateway) PutProcessed(ctx context.Context, bucket, key string, body []byte, metadata map[string]string) error {
	_, err := g.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	})
	return err
}
