// Package reprocess consumes storage events from the queue, unpacks
// completed submission archives, and republishes their files individually
// for downstream systems.
package reprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/bundle"
	"github.com/uscar-it/submission-pipeline/internal/events"
	"github.com/uscar-it/submission-pipeline/internal/scan"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// QueueAPI is the subset of the SQS client the worker uses.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Storage is the object-store surface the worker uses.
type Storage interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	GetTags(ctx context.Context, bucket, key string) (map[string]string, error)
	EnsureBucket(ctx context.Context, bucket string) error
	PutProcessed(ctx context.Context, bucket, key string, body []byte, metadata map[string]string) error
}

// Quarantiner isolates archives whose verdict turned malicious after intake.
type Quarantiner interface {
	Quarantine(ctx context.Context, srcBucket, srcKey, scanDetails string) scan.QuarantineResult
}

// Ledger records reprocessing state transitions.
type Ledger interface {
	MarkProcessed(ctx context.Context, submissionID string, fileCount int) error
	MarkQuarantined(ctx context.Context, submissionID string) error
}

// envelope is the storage notification payload delivered on the queue.
type envelope struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Data      struct {
		URL         string `json:"url"`
		ContentType string `json:"contentType"`
	} `json:"data"`
}

// Worker drains the submission queue and republishes archive contents.
type Worker struct {
	Queue         QueueAPI
	QueueURL      string
	DeadLetterURL string

	Store  Storage
	Quar   Quarantiner
	Events *events.Publisher
	Ledger Ledger

	ScanTagKey      string
	ProcessedBucket string
	Version         string
	Log             *slog.Logger
}

// Run long-polls the queue until the context is cancelled. Each message is
// handled independently; a failed message goes back on the queue.
func (w *Worker) Run(ctx context.Context) error {
	w.Log.Info("reprocessor started", "queue", w.QueueURL, "processedBucket", w.ProcessedBucket)
	for {
		if ctx.Err() != nil {
			w.Log.Info("reprocessor stopping", "reason", ctx.Err())
			return nil
		}
		out, err := w.Queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Error("receive failed", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		for _, msg := range out.Messages {
			w.handle(ctx, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle))
		}
	}
}

// handle processes a single queue message end to end and settles it: ack on
// success or a permanent no-op, abandon on a retryable failure, dead-letter
// on a malformed payload.
func (w *Worker) handle(ctx context.Context, body, receipt string) {
	var ev envelope
	if err := json.Unmarshal([]byte(body), &ev); err != nil || ev.Data.URL == "" {
		w.Log.Error("malformed queue message, dead-lettering", "err", err)
		w.deadLetter(ctx, body, receipt)
		return
	}

	if !isArchive(ev.Data.URL, ev.Data.ContentType) {
		w.Log.Info("ignoring non-archive object", "url", ev.Data.URL, "contentType", ev.Data.ContentType)
		w.ack(ctx, receipt)
		return
	}

	bucket, key, err := parseObjectURL(ev.Data.URL)
	if err != nil {
		w.Log.Error("unparseable object url, dead-lettering", "url", ev.Data.URL, "err", err)
		w.deadLetter(ctx, body, receipt)
		return
	}
	submissionID := strings.TrimSuffix(path.Base(key), ".zip")
	log := w.Log.With("submissionId", submissionID, "key", key)

	// Verdict re-check. The intake scan wait may have timed out; a verdict
	// that arrived late must still keep a malicious archive out of the
	// processed store.
	set, err := w.Store.GetTags(ctx, bucket, key)
	if err != nil {
		log.Warn("verdict re-check failed, retrying later", "err", err)
		w.abandon(ctx, receipt)
		return
	}
	if scan.VerdictFromTag(set[w.ScanTagKey]) == scan.VerdictMalicious {
		log.Warn("malicious verdict on queued archive, quarantining")
		qres := w.Quar.Quarantine(ctx, bucket, key, "rawResult="+set[w.ScanTagKey])
		if !qres.Quarantined {
			log.Error("quarantine failed, retrying later", "err", qres.Err)
			w.abandon(ctx, receipt)
			return
		}
		if err := w.Ledger.MarkQuarantined(ctx, submissionID); err != nil {
			log.Error("ledger quarantine update failed", "err", err)
		}
		w.ack(ctx, receipt)
		return
	}

	archive, err := w.Store.Get(ctx, bucket, key)
	if err != nil {
		log.Error("archive download failed", "err", err)
		w.abandon(ctx, receipt)
		return
	}
	files, err := bundle.Extract(archive)
	if err != nil {
		log.Error("archive unreadable", "err", err)
		w.abandon(ctx, receipt)
		return
	}
	manifest, err := bundle.FindManifest(files)
	if err != nil || manifest.SubmissionID == "" {
		log.Error("manifest missing or incomplete", "err", err)
		w.abandon(ctx, receipt)
		return
	}

	processed, err := w.republish(ctx, manifest.SubmissionID, ev.Data.URL, files)
	if err != nil {
		log.Error("republish failed", "err", err)
		w.abandon(ctx, receipt)
		return
	}
	if err := w.Ledger.MarkProcessed(ctx, manifest.SubmissionID, len(processed)); err != nil {
		log.Error("ledger processed update failed", "err", err)
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	w.Events.Publish(ctx, events.Event{
		ID:        fmt.Sprintf("%s-processed-%s", manifest.SubmissionID, ts),
		Subject:   "processing/" + manifest.SubmissionID,
		EventType: "USABC.Upload.ProcessingCompleted",
		Data: map[string]any{
			"submissionId":       manifest.SubmissionID,
			"fileCount":          len(processed),
			"processedFiles":     processed,
			"originalBlobUrl":    ev.Data.URL,
			"processedTimestamp": ts,
			"status":             "completed",
		},
		EventTime: time.Now().UTC(),
	})

	log.Info("submission reprocessed", "fileCount", len(processed))
	w.ack(ctx, receipt)
}

// republish uploads each archive entry individually under the submission's
// prefix in the processed bucket, stamped with provenance metadata.
func (w *Worker) republish(ctx context.Context, submissionID, sourceURL string, files map[string][]byte) ([]string, error) {
	if err := w.Store.EnsureBucket(ctx, w.ProcessedBucket); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", w.ProcessedBucket, err)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	var processed []string
	for name, content := range files {
		dst := "processed/" + submissionID + "/" + path.Base(name)
		metadata := map[string]string{
			"originalBlobUrl":    sourceURL,
			"processedTimestamp": ts,
			"processorVersion":   w.Version,
		}
		if err := w.Store.PutProcessed(ctx, w.ProcessedBucket, dst, content, metadata); err != nil {
			return nil, fmt.Errorf("put %s: %w", dst, err)
		}
		processed = append(processed, dst)
	}
	return processed, nil
}

// ack removes a handled message from the queue.
func (w *Worker) ack(ctx context.Context, receipt string) {
	_, err := w.Queue.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		w.Log.Error("delete message failed", "err", err)
	}
}

// abandon makes the message immediately visible again for another attempt.
func (w *Worker) abandon(ctx context.Context, receipt string) {
	_, err := w.Queue.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(w.QueueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		w.Log.Error("change visibility failed", "err", err)
	}
}

// deadLetter moves a message that can never succeed onto the dead-letter
// queue without waiting for the redrive policy to exhaust retries.
func (w *Worker) deadLetter(ctx context.Context, body, receipt string) {
	if w.DeadLetterURL != "" {
		_, err := w.Queue.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(w.DeadLetterURL),
			MessageBody: aws.String(body),
		})
		if err != nil {
			w.Log.Error("dead-letter send failed", "err", err)
			w.abandon(ctx, receipt)
			return
		}
	}
	w.ack(ctx, receipt)
}

// isArchive reports whether the notification refers to a submission
// archive: either the URL carries the archive suffix or the envelope
// declares the archive content type.
func isArchive(url, contentType string) bool {
	return strings.HasSuffix(strings.ToLower(url), ".zip") ||
		strings.EqualFold(contentType, "application/zip")
}

// parseObjectURL extracts the bucket and key from an object URL. Both
// virtual-hosted style (bucket.s3.region.host/key) and path style
// (host/bucket/key) are accepted.
func parseObjectURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	p := strings.TrimPrefix(u.Path, "/")
	if p == "" {
		return "", "", fmt.Errorf("url %q has no object path", raw)
	}

	if host, _, found := strings.Cut(u.Host, ".s3"); found && host != "" {
		return host, p, nil
	}
	bucket, key, found := strings.Cut(p, "/")
	if !found || key == "" {
		return "", "", fmt.Errorf("url %q has no key component", raw)
	}
	return bucket, key, nil
}
