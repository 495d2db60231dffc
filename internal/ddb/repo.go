// Package ddb provides the DynamoDB-backed submission ledger.
package ddb

import (
	"context"
	"fmt"
	"time"

	"github.com/uscar-it/submission-pipeline/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client the repo uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Repo wraps a DynamoDB client and table name for submission records.
type Repo struct {
	DB    API
	Table string
}

// PutPending inserts a new submission record, ensuring no duplicate exists.
func (r *Repo) PutPending(ctx context.Context, rec models.SubmissionRecord) error {
	rec.PK, rec.SK = MakeKeys(rec.SubmissionID)
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return err
	}
	_, err = r.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.Table,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	return err
}

// SetScanOutcome appends the scan result to the submission record.
func (r *Repo) SetScanOutcome(ctx context.Context, submissionID string, status models.ScanStatus, timedOut bool) error {
	return r.update(ctx, submissionID,
		"SET scan_status = :s, scan_timed_out = :t, #st = :u",
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
			":t": &types.AttributeValueMemberBOOL{Value: timedOut},
			":u": &types.AttributeValueMemberS{Value: string(models.StatusUploaded)},
		})
}

// MarkProcessed records that the reprocessor republished the submission.
func (r *Repo) MarkProcessed(ctx context.Context, submissionID string, fileCount int) error {
	return r.update(ctx, submissionID,
		"SET #st = :s, processed_at = :p, file_count = :c",
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(models.StatusProcessed)},
			":p": &types.AttributeValueMemberS{Value: NowISO()},
			":c": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fileCount)},
		})
}

// MarkQuarantined records a malicious verdict and quarantine transition.
func (r *Repo) MarkQuarantined(ctx context.Context, submissionID string) error {
	return r.update(ctx, submissionID,
		"SET #st = :s, scan_status = :m",
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(models.StatusQuarantined)},
			":m": &types.AttributeValueMemberS{Value: string(models.ScanMalicious)},
		})
}

func (r *Repo) update(ctx context.Context, submissionID, expr string, values map[string]types.AttributeValue) error {
	pk, sk := MakeKeys(submissionID)
	_, err := r.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &r.Table,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	})
	return err
}

// NowISO returns the current time in ISO8601 format.
func NowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// MakeKeys constructs the partition and sort keys for a submission record.
func MakeKeys(submissionID string) (pk, sk string) {
	return fmt.Sprintf("SUB#%s", submissionID), "META"
}
