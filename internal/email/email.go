// Package email sends submission confirmation emails. Delivery is best
// effort: failures are logged and reported in the result, never fatal to
// the pipeline.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uscar-it/submission-pipeline/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// API is the subset of the SES client the sender uses.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sender sends confirmation emails through SES.
type Sender struct {
	Client  API
	From    string
	Enabled bool
	Log     *slog.Logger
}

// SendResult reports whether a send succeeded and the provider message id.
type SendResult struct {
	Success   bool
	MessageID string
}

// Send delivers one message. A disabled sender or missing recipient is a
// logged no-op, not an error.
func (s *Sender) Send(ctx context.Context, recipient, subject, textBody, htmlBody string) SendResult {
	if !s.Enabled {
		s.Log.Info("email disabled, skipping send", "recipient", recipient, "subject", subject)
		return SendResult{}
	}
	if recipient == "" {
		s.Log.Warn("no recipient email, skipping send", "subject", subject)
		return SendResult{}
	}

	body := &types.Body{Text: &types.Content{Data: aws.String(textBody)}}
	if htmlBody != "" {
		body.Html = &types.Content{Data: aws.String(htmlBody)}
	}
	out, err := s.Client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.From),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body:    body,
			},
		},
	})
	if err != nil {
		s.Log.Error("email send failed", "recipient", recipient, "err", err)
		return SendResult{}
	}
	return SendResult{Success: true, MessageID: aws.ToString(out.MessageId)}
}

// SendConfirmation builds and sends the submission confirmation for a
// manifest: file summary, scan status line, storage path.
func (s *Sender) SendConfirmation(ctx context.Context, recipient string, m *models.Manifest, scanStatus models.ScanStatus, blobPath string) SendResult {
	subject := "Submission received - " + m.SubmissionID
	if m.ApplicantInfo != nil && m.ApplicantInfo.ProposalTitle != "" {
		subject = "Proposal received - " + m.ApplicantInfo.ProposalTitle
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your submission %s was received at %s.\n\n", m.SubmissionID, m.SubmittedAt)
	fmt.Fprintf(&b, "Files (%d):\n", len(m.Files))
	for _, f := range m.Files {
		fmt.Fprintf(&b, "  - %s: %s (%s)\n", f.DocumentType, f.OriginalFileName, FormatFileSize(f.SizeBytes))
	}
	b.WriteString("\n")
	switch scanStatus {
	case models.ScanClean:
		b.WriteString("Security scan: passed. All files have been scanned and are clean.\n")
	case models.ScanPending:
		b.WriteString("Security scan: in progress. Files are being scanned for security threats.\n")
	}
	fmt.Fprintf(&b, "\nStorage reference: %s\n", blobPath)

	return s.Send(ctx, recipient, subject, b.String(), "")
}

// FormatFileSize renders a byte count in human-readable form.
func FormatFileSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"bytes", "KB", "MB", "GB"} {
		if size < 1024.0 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.2f TB", size)
}
