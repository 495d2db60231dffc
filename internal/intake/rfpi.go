package intake

import (
	"context"
	"net/url"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/bundle"
	"github.com/uscar-it/submission-pipeline/internal/hashio"
	"github.com/uscar-it/submission-pipeline/internal/httpx"
	"github.com/uscar-it/submission-pipeline/internal/models"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"
	"github.com/uscar-it/submission-pipeline/internal/sigdetect"

	"github.com/aws/aws-lambda-go/events"
)

const rfpiFormType = "usabc-rfpi-proposal"

// rfpiRequiredFields are the proposal form's mandatory text inputs.
var rfpiRequiredFields = []string{
	"proposalTitle", "entityName", "entityUEI", "email",
	"firstName", "lastName", "phone",
}

// rfpiFileSlot describes one file input on the proposal form.
type rfpiFileSlot struct {
	field    string
	docType  string
	wantPDF  bool // false means spreadsheet
	required bool
}

var rfpiFileSlots = []rfpiFileSlot{
	{field: "rfpiProposal", docType: "rfpi-proposal", wantPDF: true, required: true},
	{field: "financialDocuments", docType: "financial-documents", wantPDF: true, required: true},
	{field: "additionalDocuments", docType: "additional-documents", wantPDF: true, required: true},
	{field: "budgetJustification", docType: "budget-justification", required: true},
	{field: "optionalBudget1", docType: "optional-budget-tier1"},
	{field: "optionalBudget2", docType: "optional-budget-tier2"},
}

// rfpiResponse is the success payload for /rfpi-submit.
type rfpiResponse struct {
	SubmissionID string            `json:"submissionId"`
	BlobPath     string            `json:"blobPath"`
	ZipSHA256    string            `json:"zipSha256"`
	FileCount    int               `json:"fileCount"`
	ScanStatus   models.ScanStatus `json:"scanStatus"`
	ScanTimedOut bool              `json:"scanTimedOut,omitempty"`
	StorageMode  s3io.Backend      `json:"storageMode"`
	Status       string            `json:"status"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// HandleRFPISubmit processes a proposal form submission: three required
// PDFs, a required budget spreadsheet, and up to two optional spreadsheets.
// Optional files with an unrecognized signature are skipped with a warning;
// required files with one fail validation.
func (a *App) HandleRFPISubmit(ctx context.Context, req events.APIGatewayV2HTTPRequest) (resp events.APIGatewayV2HTTPResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("rfpi handler panic", "panic", r)
			resp, err = httpx.Failure(500, "UploadFailed", []models.ErrorDetail{
				{Field: "general", Message: "internal error"},
			})
		}
	}()

	form, files, perr := parseMultipart(req)
	if perr != nil {
		return httpx.ValidationFailed(models.ErrorDetail{Field: "body", Message: perr.Error()})
	}

	var details []models.ErrorDetail
	for _, f := range rfpiRequiredFields {
		if form.Get(f) == "" {
			details = append(details, models.ErrorDetail{Field: f, Message: "Required field missing"})
		}
	}
	if len(details) > 0 {
		return httpx.Failure(400, "ValidationFailed", details)
	}

	for _, slot := range rfpiFileSlots {
		if !slot.required {
			continue
		}
		f, ok := files[slot.field]
		if !ok || f.Filename == "" {
			kind := "PDF"
			if !slot.wantPDF {
				kind = "Excel"
			}
			details = append(details, models.ErrorDetail{Field: slot.field, Message: kind + " file required"})
		}
	}
	if len(details) > 0 {
		return httpx.Failure(400, "ValidationFailed", details)
	}

	var (
		records  []models.FileRecord
		payloads []bundle.Payload
		warnings []string
	)
	for _, slot := range rfpiFileSlots {
		f, ok := files[slot.field]
		if !ok || f.Filename == "" {
			continue // optional slot left empty
		}
		kind, derr := sigdetect.Detect(f.reader(), f.Filename)
		okKind := derr == nil && ((slot.wantPDF && kind == sigdetect.KindPDF) ||
			(!slot.wantPDF && kind.IsSpreadsheet()))
		if !okKind {
			if slot.required {
				msg := "Must be a valid PDF file"
				if !slot.wantPDF {
					msg = "Must be a valid Excel file (.xls or .xlsx)"
				}
				return httpx.Failure(400, "UnsupportedFileType", []models.ErrorDetail{{Field: slot.field, Message: msg}})
			}
			a.Log.Warn("optional file signature unrecognized, skipping",
				"field", slot.field, "filename", f.Filename)
			warnings = append(warnings, slot.field+": unrecognized file type, skipped")
			continue
		}
		records = append(records, models.FileRecord{
			Field:               slot.field,
			DocumentType:        slot.docType,
			OriginalFileName:    bundle.SanitizeFilename(f.Filename),
			StoredPathInZip:     "files/" + slot.docType + kind.Ext(),
			ContentTypeVerified: kind.MIME(),
			SizeBytes:           int64(len(f.Content)),
			SHA256:              hashio.SHA256HexBytes(f.Content),
		})
		payloads = append(payloads, bundle.Payload{
			Path:    "files/" + slot.docType + kind.Ext(),
			Content: f.Content,
		})
	}

	submissionID := a.NewID()
	now := a.Now()
	timestamp := now.Format(time.RFC3339)

	manifest := &models.Manifest{
		SubmissionID: submissionID,
		SubmittedAt:  timestamp,
		FormType:     rfpiFormType,
		ApplicantInfo: &models.ApplicantInfo{
			ProposalTitle: form.Get("proposalTitle"),
			EntityName:    form.Get("entityName"),
			EntityUEI:     form.Get("entityUEI"),
			Email:         form.Get("email"),
			FirstName:     form.Get("firstName"),
			LastName:      form.Get("lastName"),
			Phone:         form.Get("phone"),
		},
		RFPIInfo: &models.RFPIInfo{
			Title:    queryParam(req, "rfpi-title"),
			Category: queryParam(req, "rfpi-category"),
		},
		Scan:  models.ScanBlock{ScanStatus: models.ScanPending},
		Files: records,
	}

	res, berr := bundle.Build(manifest, payloads)
	if berr != nil {
		a.Log.Error("bundle build failed", "submissionId", submissionID, "err", berr)
		return httpx.Failure(500, "UploadFailed", []models.ErrorDetail{{Field: "general", Message: "archive build failed"}})
	}

	key := s3io.ObjectKey("rfpi-submissions", now, submissionID)
	metadata := map[string]string{
		"submissionId":  submissionID,
		"formType":      rfpiFormType,
		"entityName":    form.Get("entityName"),
		"proposalTitle": form.Get("proposalTitle"),
		"scanStatus":    string(models.ScanPending),
		"zipSha256":     res.SHA256,
		"submittedAt":   timestamp,
	}
	indexTags := map[string]string{
		"formType":   rfpiFormType,
		"entityName": form.Get("entityName"),
		"scanStatus": string(models.ScanPending),
	}

	put, serr := a.Store.Put(ctx, a.Env.Bucket, key, res.Archive, indexTags, metadata)
	if serr != nil {
		a.Log.Error("storage write failed on all backends", "submissionId", submissionID, "err", serr)
		return httpx.Failure(500, "UploadFailed", []models.ErrorDetail{{Field: "general", Message: "storage unavailable"}})
	}

	a.recordPending(ctx, models.SubmissionRecord{
		SubmissionID: submissionID,
		FormType:     rfpiFormType,
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

	a.Mail.SendConfirmation(ctx, form.Get("email"), manifest, status, key)

	return httpx.JSON(201, rfpiResponse{
		SubmissionID: submissionID,
		BlobPath:     key,
		ZipSHA256:    res.SHA256,
		FileCount:    len(records),
		ScanStatus:   status,
		ScanTimedOut: out.TimedOut,
		StorageMode:  put.Backend,
		Status:       "uploaded",
		Warnings:     warnings,
	})
}

// queryParam reads a query string parameter, tolerating encoded values.
func queryParam(req events.APIGatewayV2HTTPRequest, key string) string {
	if v, ok := req.QueryStringParameters[key]; ok {
		if dec, err := url.QueryUnescape(v); err == nil {
			return dec
		}
		return v
	}
	return ""
}
