package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"strings"
	"testing"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/config"
	"github.com/uscar-it/submission-pipeline/internal/email"
	"github.com/uscar-it/submission-pipeline/internal/models"
	"github.com/uscar-it/submission-pipeline/internal/s3io"
	"github.com/uscar-it/submission-pipeline/internal/scan"

	"github.com/aws/aws-lambda-go/events"
)

type fakeStorage struct {
	puts    []string
	objects map[string][]byte
	tags    map[string]string
	backend s3io.Backend
}

func (f *fakeStorage) Put(ctx context.Context, bucket, key string, body []byte, indexTags, metadata map[string]string) (s3io.PutResult, error) {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.puts = append(f.puts, key)
	f.objects[key] = body
	backend := f.backend
	if backend == "" {
		backend = s3io.BackendS3
	}
	return s3io.PutResult{Location: bucket + "/" + key, Backend: backend}, nil
}

func (f *fakeStorage) GetTags(ctx context.Context, bucket, key string) (map[string]string, error) {
	return f.tags, nil
}

type fakeLedger struct {
	pending     []models.SubmissionRecord
	outcomes    []models.ScanStatus
	quarantined []string
}

func (f *fakeLedger) PutPending(ctx context.Context, rec models.SubmissionRecord) error {
	f.pending = append(f.pending, rec)
	return nil
}

func (f *fakeLedger) SetScanOutcome(ctx context.Context, id string, status models.ScanStatus, timedOut bool) error {
	f.outcomes = append(f.outcomes, status)
	return nil
}

func (f *fakeLedger) MarkQuarantined(ctx context.Context, id string) error {
	f.quarantined = append(f.quarantined, id)
	return nil
}

type fakeMailer struct {
	recipients []string
}

func (f *fakeMailer) SendConfirmation(ctx context.Context, recipient string, m *models.Manifest, scanStatus models.ScanStatus, blobPath string) email.SendResult {
	f.recipients = append(f.recipients, recipient)
	return email.SendResult{Success: true}
}

type fakeQuarantiner struct {
	calls []string
}

func (f *fakeQuarantiner) Quarantine(ctx context.Context, srcBucket, srcKey, scanDetails string) scan.QuarantineResult {
	f.calls = append(f.calls, srcKey)
	return scan.QuarantineResult{Quarantined: true, QuarantinePath: "q/" + srcKey, OriginalPath: srcKey}
}

func newTestApp(store *fakeStorage) (*App, *fakeLedger, *fakeMailer, *fakeQuarantiner) {
	ledger := &fakeLedger{}
	mail := &fakeMailer{}
	quar := &fakeQuarantiner{}
	app := &App{
		Env: config.Env{
			Bucket:           "submission-uploads",
			ScanTagKey:       "MalwareScanResult",
			ScanTimeout:      10 * time.Second,
			ScanPollInterval: 2 * time.Second,
		},
		Store:  store,
		Ledger: ledger,
		Mail:   mail,
		Quar:   quar,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
		NewID:  func() string { return "01TESTULID0000000000000000" },
		Sleep:  func(time.Duration) {},
	}
	return app, ledger, mail, quar
}

type filePart struct {
	field    string
	filename string
	content  []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files []filePart) events.APIGatewayV2HTTPRequest {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatalf("create file part %s: %v", f.field, err)
		}
		if _, err := part.Write(f.content); err != nil {
			t.Fatalf("write file part %s: %v", f.field, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		Headers: map[string]string{"Content-Type": w.FormDataContentType()},
		Body:    buf.String(),
	}
}

func pdfBytes() []byte { return []byte("%PDF-1.7 minimal body") }

func zipWith(t *testing.T, entries ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range entries {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte("<x/>")); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func docxBytes(t *testing.T) []byte {
	return zipWith(t, "[Content_Types].xml", "word/document.xml")
}

func xlsxBytes(t *testing.T) []byte {
	return zipWith(t, "[Content_Types].xml", "xl/workbook.xml")
}

func uploadFields(tagsJSON string) map[string]string {
	return map[string]string{
		"tags":  tagsJSON,
		"email": "applicant@example.org",
	}
}

func TestHandleUploadHappyPath(t *testing.T) {
	store := &fakeStorage{tags: map[string]string{"MalwareScanResult": "No threats found"}}
	app, ledger, mail, _ := newTestApp(store)

	req := multipartRequest(t, "/upload", uploadFields(`{"project":"Battery Pack #7"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", pdfBytes()},
		{"charter", "charter.docx", docxBytes(t)},
	})
	resp, err := app.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
	}

	var out uploadResponse
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.ScanStatus != models.ScanClean {
		t.Errorf("scanStatus = %s, want clean", out.ScanStatus)
	}
	if out.StorageMode != s3io.BackendS3 {
		t.Errorf("storageMode = %s, want s3", out.StorageMode)
	}
	if !strings.HasPrefix(out.BlobPath, "uploads/2026/03/14/") {
		t.Errorf("blobPath = %s, want uploads/2026/03/14/ prefix", out.BlobPath)
	}
	if out.FileHashes["architectureDiagramSha256"] == "" || out.FileHashes["charterSha256"] == "" {
		t.Errorf("file hashes missing: %v", out.FileHashes)
	}
	if len(ledger.pending) != 1 || ledger.pending[0].Status != models.StatusUploading {
		t.Errorf("pending records = %+v", ledger.pending)
	}
	if len(ledger.outcomes) != 1 || ledger.outcomes[0] != models.ScanClean {
		t.Errorf("scan outcomes = %v", ledger.outcomes)
	}
	if len(mail.recipients) != 1 || mail.recipients[0] != "applicant@example.org" {
		t.Errorf("mail recipients = %v", mail.recipients)
	}
	if len(store.puts) != 1 {
		t.Errorf("puts = %v", store.puts)
	}
}

func TestHandleUploadMissingFiles(t *testing.T) {
	store := &fakeStorage{}
	app, _, _, _ := newTestApp(store)

	req := multipartRequest(t, "/upload", uploadFields(`{"project":"p1"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", pdfBytes()},
	})
	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "ValidationFailed") {
		t.Errorf("body = %s", resp.Body)
	}
	if len(store.puts) != 0 {
		t.Errorf("nothing should be stored on validation failure, got %v", store.puts)
	}
}

func TestHandleUploadRejectsInvalidTagKey(t *testing.T) {
	app, _, _, _ := newTestApp(&fakeStorage{})

	req := multipartRequest(t, "/upload", uploadFields(`{"Proj_1":"x","project":"p"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", pdfBytes()},
		{"charter", "charter.docx", docxBytes(t)},
	})
	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleUploadRejectsWrongSignature(t *testing.T) {
	app, _, _, _ := newTestApp(&fakeStorage{})

	// A DOCX payload named .pdf must fail the signature check.
	req := multipartRequest(t, "/upload", uploadFields(`{"project":"p"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", docxBytes(t)},
		{"charter", "charter.docx", docxBytes(t)},
	})
	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "architectureDiagram") {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestHandleUploadMaliciousQuarantines(t *testing.T) {
	store := &fakeStorage{tags: map[string]string{"MalwareScanResult": "Malicious"}}
	app, ledger, mail, quar := newTestApp(store)

	req := multipartRequest(t, "/upload", uploadFields(`{"project":"p"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", pdfBytes()},
		{"charter", "charter.docx", docxBytes(t)},
	})
	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403, body %s", resp.StatusCode, resp.Body)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out["error"] != "MalwareDetected" {
		t.Errorf("error = %v", out["error"])
	}
	if out["quarantined"] != true {
		t.Errorf("quarantined = %v", out["quarantined"])
	}
	if len(quar.calls) != 1 {
		t.Errorf("quarantine calls = %v", quar.calls)
	}
	if len(ledger.quarantined) != 1 {
		t.Errorf("ledger quarantined = %v", ledger.quarantined)
	}
	if len(mail.recipients) != 0 {
		t.Errorf("no confirmation should be sent, got %v", mail.recipients)
	}
}

func TestHandleUploadLocalFallbackStaysPending(t *testing.T) {
	store := &fakeStorage{backend: s3io.BackendLocal}
	app, _, _, _ := newTestApp(store)

	req := multipartRequest(t, "/upload", uploadFields(`{"project":"p"}`), []filePart{
		{"architectureDiagram", "diagram.pdf", pdfBytes()},
		{"charter", "charter.docx", docxBytes(t)},
	})
	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
	}
	var out uploadResponse
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.ScanStatus != models.ScanPending {
		t.Errorf("scanStatus = %s, want pending for local storage", out.ScanStatus)
	}
	if out.StorageMode != s3io.BackendLocal {
		t.Errorf("storageMode = %s, want local", out.StorageMode)
	}
}

func rfpiFields() map[string]string {
	return map[string]string{
		"proposalTitle": "Next-Gen Cell Chemistry",
		"entityName":    "Volt Labs",
		"entityUEI":     "ABC123DEF456",
		"email":         "pi@voltlabs.example",
		"firstName":     "Dana",
		"lastName":      "Reyes",
		"phone":         "555-0100",
	}
}

func rfpiFiles(t *testing.T) []filePart {
	return []filePart{
		{"rfpiProposal", "proposal.pdf", pdfBytes()},
		{"financialDocuments", "financials.pdf", pdfBytes()},
		{"additionalDocuments", "extra.pdf", pdfBytes()},
		{"budgetJustification", "budget.xlsx", xlsxBytes(t)},
	}
}

func TestHandleRFPIHappyPath(t *testing.T) {
	store := &fakeStorage{tags: map[string]string{"MalwareScanResult": "No threats found"}}
	app, ledger, mail, _ := newTestApp(store)

	req := multipartRequest(t, "/rfpi-submit", rfpiFields(), rfpiFiles(t))
	req.QueryStringParameters = map[string]string{"rfpi-title": "RFPI 2026-1", "rfpi-category": "cells"}

	resp, err := app.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
	}

	var out rfpiResponse
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.FileCount != 4 {
		t.Errorf("fileCount = %d, want 4", out.FileCount)
	}
	if !strings.HasPrefix(out.BlobPath, "rfpi-submissions/2026/03/14/") {
		t.Errorf("blobPath = %s", out.BlobPath)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("warnings = %v", out.Warnings)
	}
	if len(ledger.pending) != 1 || ledger.pending[0].FormType != rfpiFormType {
		t.Errorf("pending = %+v", ledger.pending)
	}
	if len(mail.recipients) != 1 || mail.recipients[0] != "pi@voltlabs.example" {
		t.Errorf("mail recipients = %v", mail.recipients)
	}
}

func TestHandleRFPICollectsAllMissingFields(t *testing.T) {
	app, _, _, _ := newTestApp(&fakeStorage{})

	fields := rfpiFields()
	delete(fields, "email")
	delete(fields, "phone")
	req := multipartRequest(t, "/rfpi-submit", fields, rfpiFiles(t))

	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out struct {
		Details []models.ErrorDetail `json:"details"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(out.Details) != 2 {
		t.Errorf("details = %+v, want both missing fields reported", out.Details)
	}
}

func TestHandleRFPISkipsBadOptionalFile(t *testing.T) {
	store := &fakeStorage{tags: map[string]string{"MalwareScanResult": "No threats found"}}
	app, _, _, _ := newTestApp(store)

	files := append(rfpiFiles(t), filePart{"optionalBudget1", "notes.bin", []byte{0x00, 0x01, 0x02, 0x03}})
	req := multipartRequest(t, "/rfpi-submit", rfpiFields(), files)

	resp, _ := app.Handle(context.Background(), req)
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
	}
	var out rfpiResponse
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.FileCount != 4 {
		t.Errorf("fileCount = %d, want the optional file skipped", out.FileCount)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "optionalBudget1") {
		t.Errorf("warnings = %v", out.Warnings)
	}
}

func TestHandleRFPIRejectsNonSpreadsheetBudget(t *testing.T) {
	app, _, _, _ := newTestApp(&fakeStorage{})

	files := []filePart{
		{"rfpiProposal", "proposal.pdf", pdfBytes()},
		{"financialDocuments", "financials.pdf", pdfBytes()},
		{"additionalDocuments", "extra.pdf", pdfBytes()},
		{"budgetJustification", "budget.xlsx", pdfBytes()},
	}
	resp, _ := app.Handle(context.Background(), multipartRequest(t, "/rfpi-submit", rfpiFields(), files))
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "budgetJustification") {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestScanStatusOf(t *testing.T) {
	cases := []struct {
		out  scan.Outcome
		want models.ScanStatus
	}{
		{scan.Outcome{Verdict: scan.VerdictClean}, models.ScanClean},
		{scan.Outcome{Verdict: scan.VerdictMalicious}, models.ScanMalicious},
		{scan.Outcome{Verdict: scan.VerdictError}, models.ScanError},
		{scan.Outcome{Verdict: scan.VerdictNoResult}, models.ScanNoResult},
		{scan.Outcome{Verdict: scan.VerdictPending}, models.ScanPending},
		{scan.Outcome{Verdict: scan.VerdictPending, TimedOut: true}, models.ScanPending},
	}
	for _, c := range cases {
		if got := scanStatusOf(c.out); got != c.want {
			t.Errorf("scanStatusOf(%+v) = %s, want %s", c.out, got, c.want)
		}
	}
}

func TestHandleUnknownPath(t *testing.T) {
	app, _, _, _ := newTestApp(&fakeStorage{})
	resp, _ := app.Handle(context.Background(), events.APIGatewayV2HTTPRequest{RawPath: "/nope"})
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
