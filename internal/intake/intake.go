// Package intake implements the request-scoped submission pipeline: input
// validation, signature-based file typing, bundling, persistence, the scan
// wait, and quarantine on a malicious verdict.
package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/config"
	"github.com/uscar-it/submission-pipeline/internal/email"
	"github.com/uscar-it/submission-pipeline/internal/httpx"
	"github.com/uscar-it/submission-pipeline/internal/models"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"

	"github.com/aws/aws-lambda-go/events"
)

// Size limits for one submission.
const (
	maxFileSize  = 25 * 1024 * 1024
	maxTotalSize = 50 * 1024 * 1024
)

// Storage is the gateway surface the intake pipeline uses.
type Storage interface {
	Put(ctx context.Context, bucket, key string, body []byte, indexTags, metadata map[string]string) (s3io.PutResult, error)
	GetTags(ctx context.Context, bucket, key string) (map[string]string, error)
}

// Ledger records submission state transitions. Ledger failures are logged
// and never fail the request; the archive is the source of truth.
type Ledger interface {
	PutPending(ctx context.Context, rec models.SubmissionRecord) error
	SetScanOutcome(ctx context.Context, submissionID string, status models.ScanStatus, timedOut bool) error
	MarkQuarantined(ctx context.Context, submissionID string) error
}

// Mailer sends the confirmation email, best effort.
type Mailer interface {
	SendConfirmation(ctx context.Context, recipient string, m *models.Manifest, scanStatus models.ScanStatus, blobPath string) email.SendResult
}

// Quarantiner isolates archives with a malicious verdict.
type Quarantiner interface {
	Quarantine(ctx context.Context, srcBucket, srcKey, scanDetails string) scan.QuarantineResult
}

// App holds the intake pipeline's collaborators.
type App struct {
	Env    config.Env
	Store  Storage
	Ledger Ledger
	Mail   Mailer
	Quar   Quarantiner
	Log    *slog.Logger

	// Now is the submission clock (Eastern time in production). NewID
	// generates submission identifiers. Sleep backs the scan poller.
	Now   func() time.Time
	NewID func() string
	Sleep func(time.Duration)
}

// Handle routes an API Gateway request to the matching intake endpoint.
func (a *App) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RawPath {
	case "/upload":
		return a.HandleUpload(ctx, req)
	case "/rfpi-submit":
		return a.HandleRFPISubmit(ctx, req)
	}
	return httpx.Error(404, "not found")
}

// formFile is one uploaded file part, buffered for repeated reads.
type formFile struct {
	Field    string
	Filename string
	Content  []byte
}

func (f *formFile) reader() *bytes.Reader { return bytes.NewReader(f.Content) }

// parseMultipart decodes the request body and splits it into form values
// and file parts. Files arriving on a repeated field keep the first part,
// matching the original form contract of one file per slot.
func parseMultipart(req events.APIGatewayV2HTTPRequest) (url.Values, map[string]*formFile, error) {
	ct := header(req.Headers, "content-type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil, fmt.Errorf("expected multipart/form-data, got %q", ct)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, fmt.Errorf("missing multipart boundary")
	}

	var body []byte
	if req.IsBase64Encoded {
		body, err = base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("decode body: %w", err)
		}
	} else {
		body = []byte(req.Body)
	}

	values := url.Values{}
	files := map[string]*formFile{}
	total := 0
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read part: %w", err)
		}
		content, err := io.ReadAll(io.LimitReader(part, maxFileSize+1))
		part.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read part %s: %w", part.FormName(), err)
		}
		if part.FileName() == "" {
			values.Add(part.FormName(), string(content))
			continue
		}
		if len(content) > maxFileSize {
			return nil, nil, fmt.Errorf("file %s exceeds the %d byte limit", part.FormName(), maxFileSize)
		}
		total += len(content)
		if total > maxTotalSize {
			return nil, nil, fmt.Errorf("submission exceeds the %d byte total limit", maxTotalSize)
		}
		if _, dup := files[part.FormName()]; !dup {
			files[part.FormName()] = &formFile{
				Field:    part.FormName(),
				Filename: part.FileName(),
				Content:  content,
			}
		}
	}
	return values, files, nil
}

// header retrieves a header value in a case-insensitive manner.
func header(h map[string]string, key string) string {
	lk := strings.ToLower(key)
	for k, v := range h {
		if strings.ToLower(k) == lk {
			return v
		}
	}
	return ""
}

// waitForScan polls the stored archive's verdict tag. A local-fallback
// write has no scanner attached, so the submission stays pending.
func (a *App) waitForScan(ctx context.Context, put s3io.PutResult, key string) scan.Outcome {
	if put.Backend != s3io.BackendS3 {
		return scan.Outcome{Verdict: scan.VerdictPending}
	}
	p := &scan.Poller{
		Tags:     a.Store.GetTags,
		TagKey:   a.Env.ScanTagKey,
		Interval: a.Env.ScanPollInterval,
		Timeout:  a.Env.ScanTimeout,
		Sleep:    a.Sleep,
		Log:      a.Log,
	}
	return p.Wait(ctx, a.Env.Bucket, key)
}

// scanStatusOf maps a poll outcome onto the manifest/ledger scan status.
// A timed-out wait stays pending regardless of the last raw poll value.
func scanStatusOf(out scan.Outcome) models.ScanStatus {
	if out.TimedOut {
		return models.ScanPending
	}
	switch out.Verdict {
	case scan.VerdictClean:
		return models.ScanClean
	case scan.VerdictMalicious:
		return models.ScanMalicious
	case scan.VerdictError:
		return models.ScanError
	case scan.VerdictNoResult:
		return models.ScanNoResult
	}
	return models.ScanPending
}

// rejectMalicious quarantines the archive and builds the policy denial
// response. The caller never receives upload-success semantics for a
// malicious artifact.
func (a *App) rejectMalicious(ctx context.Context, submissionID, key string, out scan.Outcome) (events.APIGatewayV2HTTPResponse, error) {
	a.Log.Warn("malicious archive detected", "submissionId", submissionID, "key", key, "raw", out.RawResult)
	qres := a.Quar.Quarantine(ctx, a.Env.Bucket, key, "rawResult="+out.RawResult)
	if err := a.Ledger.MarkQuarantined(ctx, submissionID); err != nil {
		a.Log.Error("ledger quarantine update failed", "submissionId", submissionID, "err", err)
	}
	return httpx.JSON(403, map[string]any{
		"error":        "MalwareDetected",
		"submissionId": submissionID,
		"scanStatus":   models.ScanMalicious,
		"quarantined":  qres.Quarantined,
	})
}

// recordPending writes the initial ledger row; failures are logged only.
func (a *App) recordPending(ctx context.Context, rec models.SubmissionRecord) {
	if err := a.Ledger.PutPending(ctx, rec); err != nil {
		a.Log.Error("ledger put failed", "submissionId", rec.SubmissionID, "err", err)
	}
}

// recordScanOutcome appends the scan result; failures are logged only.
func (a *App) recordScanOutcome(ctx context.Context, submissionID string, status models.ScanStatus, timedOut bool) {
	if err := a.Ledger.SetScanOutcome(ctx, submissionID, status, timedOut); err != nil {
		a.Log.Error("ledger scan update failed", "submissionId", submissionID, "err", err)
	}
}
