// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Env holds the configuration values for the pipeline. It is built once at
// startup and passed by value into each component's constructor; business
// logic never reads the environment directly.
type Env struct {
	Region string

	// Object storage
	Bucket           string // intake archives
	ProcessedBucket  string // reprocessor output
	QuarantineBucket string // isolated store for malicious archives
	LocalFallbackDir string // filesystem fallback when the durable put fails

	// Submission ledger
	Table string

	// Scan polling
	ScanTagKey       string
	ScanTimeout      time.Duration
	ScanPollInterval time.Duration
	CopyWaitTimeout  time.Duration // quarantine copy confirmation budget

	// Reprocessor queue
	QueueURL      string
	DeadLetterURL string

	// Completion events
	EventBusName string

	// Confirmation email
	EmailSender  string
	EmailEnabled bool
}

// MustLoad reads the environment and returns an Env, panicking on missing
// required variables. Each binary validates its own extras on top.
func MustLoad() Env {
	scanTimeout, _ := strconv.Atoi(get("SCAN_TIMEOUT_SECONDS", "30"))
	pollInterval, _ := strconv.Atoi(get("SCAN_POLL_INTERVAL", "2"))
	copyWait, _ := strconv.Atoi(get("QUARANTINE_COPY_TIMEOUT", "30"))

	e := Env{
		Region:           get("AWS_REGION", "us-east-1"),
		Bucket:           must("S3_BUCKET"),
		ProcessedBucket:  get("PROCESSED_BUCKET", "submission-uploads-processed"),
		QuarantineBucket: get("QUARANTINE_BUCKET", "quarantine"),
		LocalFallbackDir: get("LOCAL_FALLBACK_DIR", "uploads/final"),
		Table:            must("DDB_TABLE"),
		ScanTagKey:       get("SCAN_RESULT_TAG_KEY", "MalwareScanResult"),
		ScanTimeout:      time.Duration(scanTimeout) * time.Second,
		ScanPollInterval: time.Duration(pollInterval) * time.Second,
		CopyWaitTimeout:  time.Duration(copyWait) * time.Second,
		QueueURL:         get("QUEUE_URL", ""),
		DeadLetterURL:    get("DEAD_LETTER_URL", ""),
		EventBusName:     get("EVENT_BUS_NAME", ""),
		EmailSender:      get("EMAIL_SENDER", "noreply@uploads.uscar.org"),
		EmailEnabled:     get("EMAIL_ENABLED", "") == "true",
	}
	return e
}

// get returns the value of the environment variable k or def if not set.
func get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// must returns the value of the environment variable k or panics if not set.
func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic(fmt.Errorf("missing env %s", k))
	}
	return v
}
