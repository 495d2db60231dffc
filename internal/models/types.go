// Package models defines the data models used across the submission pipeline.
package models

// ScanStatus represents the outcome of the malware scan for a submission.
type ScanStatus string

// Possible values for ScanStatus.
const (
	ScanPending   ScanStatus = "pending"
	ScanClean     ScanStatus = "clean"
	ScanMalicious ScanStatus = "malicious"
	ScanError     ScanStatus = "error"
	ScanNoResult  ScanStatus = "no_scan_result"
)

// SubmissionStatus tracks a submission record through the pipeline.
type SubmissionStatus string

// Possible values for SubmissionStatus.
const (
	StatusUploading   SubmissionStatus = "UPLOADING"
	StatusUploaded    SubmissionStatus = "UPLOADED"
	StatusProcessed   SubmissionStatus = "PROCESSED"
	StatusQuarantined SubmissionStatus = "QUARANTINED"
)

// ErrorDetail is one field-level validation failure reported to the caller.
type ErrorDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FileRecord describes one logical file within a submission. Content is
// never embedded here; the record travels inside the manifest.
type FileRecord struct {
	Field               string            `json:"field"`
	DocumentType        string            `json:"documentType"`
	OriginalFileName    string            `json:"originalFileName"`
	StoredPathInZip     string            `json:"storedPathInZip"`
	ContentTypeVerified string            `json:"contentTypeVerified,omitempty"`
	SizeBytes           int64             `json:"sizeBytes"`
	SHA256              string            `json:"sha256"`
	EffectiveTags       map[string]string `json:"effectiveTags,omitempty"`
}

// ScanBlock is the scan section of the manifest.
type ScanBlock struct {
	ScanStatus ScanStatus `json:"scanStatus"`
}

// ZipInfo carries an archive digest and size. It is present only in the
// pass-2 manifest and always describes the pass-1 archive (see bundle).
type ZipInfo struct {
	ZipSHA256    string `json:"zipSha256"`
	ZipSizeBytes int64  `json:"zipSizeBytes"`
}

// ApplicantInfo holds the proposal form's contact fields.
type ApplicantInfo struct {
	ProposalTitle string `json:"proposalTitle"`
	EntityName    string `json:"entityName"`
	EntityUEI     string `json:"entityUEI"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Phone         string `json:"phone"`
}

// RFPIInfo identifies which request-for-proposal a submission answers.
type RFPIInfo struct {
	Title    string `json:"title"`
	Category string `json:"category"`
}

// Manifest is the JSON description of a submission embedded in the archive
// as manifest.json. Field names are fixed; downstream consumers parse them.
type Manifest struct {
	SubmissionID  string            `json:"submissionId"`
	SubmittedAt   string            `json:"submittedAt"`
	SubmittedBy   string            `json:"submittedBy,omitempty"`
	FormType      string            `json:"formType,omitempty"`
	ApplicantInfo *ApplicantInfo    `json:"applicantInfo,omitempty"`
	RFPIInfo      *RFPIInfo         `json:"rfpiInfo,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Scan          ScanBlock         `json:"scan"`
	Files         []FileRecord      `json:"files"`
	Zip           *ZipInfo          `json:"zip,omitempty"`
}

// SubmissionRecord is the ledger row persisted to DynamoDB for a submission.
type SubmissionRecord struct {
	// DynamoDB keys
	PK string `dynamodbav:"PK"` // SUB#<submissionID>
	SK string `dynamodbav:"SK"` // META

	SubmissionID string           `dynamodbav:"submission_id"`
	FormType     string           `dynamodbav:"form_type"`
	BlobPath     string           `dynamodbav:"blob_path"`
	StorageMode  string           `dynamodbav:"storage_mode"`
	ZipSHA256    string           `dynamodbav:"zip_sha256"`
	FileCount    int              `dynamodbav:"file_count"`
	Status       SubmissionStatus `dynamodbav:"status"`
	ScanStatus   ScanStatus       `dynamodbav:"scan_status"`
	ScanTimedOut bool             `dynamodbav:"scan_timed_out"`
	SubmittedAt  string           `dynamodbav:"submitted_at"` // ISO8601, Eastern time
	ProcessedAt  string           `dynamodbav:"processed_at"`
}
