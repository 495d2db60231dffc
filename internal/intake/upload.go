package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/bundle"
	"github.com/uscar-it/submission-pipeline/internal/hashio"
	"github.com/uscar-it/submission-pipeline/internal/httpx"
	"github.com/uscar-it/submission-pipeline/internal/models"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"
	"github.com/uscar-it/submission-pipeline/internal/sigdetect"
	"github.com/uscar-it/submission-pipeline/internal/tags"

	"github.com/aws/aws-lambda-go/events"
)

const uploadSourceForm = "upload-project-artifacts"

// uploadResponse is the success payload for /upload.
type uploadResponse struct {
	SubmissionID string            `json:"submissionId"`
	BlobPath     string            `json:"blobPath"`
	ZipSHA256    string            `json:"zipSha256"`
	FileHashes   map[string]string `json:"fileHashes"`
	ScanStatus   models.ScanStatus `json:"scanStatus"`
	ScanTimedOut bool              `json:"scanTimedOut,omitempty"`
	StorageMode  s3io.Backend      `json:"storageMode"`
	Status       string            `json:"status"`
}

// HandleUpload processes a project artifact submission: a required PDF
// architecture diagram and a required DOCX charter, plus a tag set that
// must include the project tag.
func (a *App) HandleUpload(ctx context.Context, req events.APIGatewayV2HTTPRequest) (resp events.APIGatewayV2HTTPResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("upload handler panic", "panic", r)
			resp, err = httpx.Failure(500, "UploadFailed", []models.ErrorDetail{
				{Field: "general", Message: "internal error"},
			})
		}
	}()

	form, files, perr := parseMultipart(req)
	if perr != nil {
		return httpx.ValidationFailed(models.ErrorDetail{Field: "body", Message: perr.Error()})
	}

	pdfFile, hasPDF := files["architectureDiagram"]
	docxFile, hasDocx := files["charter"]
	if !hasPDF || !hasDocx {
		return httpx.ValidationFailed(models.ErrorDetail{
			Field:   "files",
			Message: "Missing required files: architectureDiagram (PDF) and charter (DOCX)",
		})
	}

	tagsRaw := form.Get("tags")
	if tagsRaw == "" {
		return httpx.ValidationFailed(models.ErrorDetail{Field: "tags", Message: "Missing required tags"})
	}
	var userTags map[string]string
	if err := json.Unmarshal([]byte(tagsRaw), &userTags); err != nil {
		return httpx.ValidationFailed(models.ErrorDetail{Field: "tags", Message: "Invalid tags JSON"})
	}
	if err := tags.Validate(userTags, "project"); err != nil {
		verr := err.(*tags.ValidationError)
		return httpx.ValidationFailed(verr.Detail)
	}
	effective := tags.MergeReserved(userTags)

	// Signature checks: the declared filename never decides the kind.
	if kind, err := sigdetect.Detect(pdfFile.reader(), pdfFile.Filename); err != nil || kind != sigdetect.KindPDF {
		return httpx.Failure(400, "UnsupportedFileType", []models.ErrorDetail{{
			Field:   "architectureDiagram",
			Message: "Only PDF is allowed and signature must match.",
		}})
	}
	if kind, err := sigdetect.Detect(docxFile.reader(), docxFile.Filename); err != nil || kind != sigdetect.KindDOCX {
		return httpx.Failure(400, "UnsupportedFileType", []models.ErrorDetail{{
			Field:   "charter",
			Message: "Only DOCX is allowed, signature must match, and must contain word/document.xml.",
		}})
	}

	submissionID := a.NewID()
	now := a.Now()
	timestamp := now.Format(time.RFC3339)

	records := []models.FileRecord{
		fileRecord(pdfFile, "architecture-diagram", sigdetect.KindPDF, effective),
		fileRecord(docxFile, "charter", sigdetect.KindDOCX, effective),
	}
	manifest := &models.Manifest{
		SubmissionID: submissionID,
		SubmittedAt:  timestamp,
		SubmittedBy:  form.Get("email"),
		Tags:         effective,
		Scan:         models.ScanBlock{ScanStatus: models.ScanPending},
		Files:        records,
	}

	res, berr := bundle.Build(manifest, []bundle.Payload{
		{Path: records[0].StoredPathInZip, Content: pdfFile.Content},
		{Path: records[1].StoredPathInZip, Content: docxFile.Content},
	})
	if berr != nil {
		a.Log.Error("bundle build failed", "submissionId", submissionID, "err", berr)
		return httpx.Failure(500, "UploadFailed", []models.ErrorDetail{{Field: "general", Message: "archive build failed"}})
	}

	key := s3io.ObjectKey("uploads", now, submissionID)
	metadata := map[string]string{
		"submissionId": submissionID,
		"sourceForm":   uploadSourceForm,
		"scanStatus":   string(models.ScanPending),
		"zipSha256":    res.SHA256,
		"submittedAt":  timestamp,
		"docTypes":     "architecture-diagram,charter",
	}
	indexTags := map[string]string{
		"project":    effective["project"],
		"scanStatus": string(models.ScanPending),
		"sourceForm": uploadSourceForm,
	}
	for _, opt := range []string{"environment", "domain"} {
		if v, ok := effective[opt]; ok {
			indexTags[opt] = v
		}
	}

	put, perr2 := a.Store.Put(ctx, a.Env.Bucket, key, res.Archive, indexTags, metadata)
	if perr2 != nil {
		a.Log.Error("storage write failed on all backends", "submissionId", submissionID, "err", perr2)
		return httpx.Failure(500, "UploadFailed", []models.ErrorDetail{{Field: "general", Message: "storage unavailable"}})
	}

	a.recordPending(ctx, models.SubmissionRecord{
		SubmissionID: submissionID,
		FormType:     uploadSourceForm,
		BlobPath:     key,
		StorageMode:  string(put.Backend),
		ZipSHA256:    res.SHA256,
		FileCount:    len(records),
		Status:       models.StatusUploading,
		ScanStatus:   models.ScanPending,
		SubmittedAt:  timestamp,
	})

	out := a.waitForScan(ctx, put, key)
	if out.Verdict == scan.VerdictMalicious {
		return a.rejectMalicious(ctx, submissionID, key, out)
	}
	status := scanStatusOf(out)
	a.recordScanOutcome(ctx, submissionID, status, out.TimedOut)

	if recipient := form.Get("email"); recipient != "" {
		a.Mail.SendConfirmation(ctx, recipient, manifest, status, key)
	}

	return httpx.JSON(201, uploadResponse{
		SubmissionID: submissionID,
		BlobPath:     key,
		ZipSHA256:    res.SHA256,
		FileHashes: map[string]string{
			"architectureDiagramSha256": records[0].SHA256,
			"charterSha256":             records[1].SHA256,
		},
		ScanStatus:   status,
		ScanTimedOut: out.TimedOut,
		StorageMode:  put.Backend,
		Status:       "uploaded",
	})
}

// fileRecord builds the manifest record for one uploaded file.
func fileRecord(f *formFile, docType string, kind sigdetect.Kind, effective map[string]string) models.FileRecord {
	return models.FileRecord{
		Field:               f.Field,
		DocumentType:        docType,
		OriginalFileName:    bundle.SanitizeFilename(f.Filename),
		StoredPathInZip:     "files/" + docType + kind.Ext(),
		ContentTypeVerified: kind.MIME(),
		SizeBytes:           int64(len(f.Content)),
		SHA256:              hashio.SHA256HexBytes(f.Content),
		EffectiveTags:       tags.EffectiveForFile(docType, uploadSourceForm, effective),
	}
}
