// Package scan interprets the storage layer's malware scan signal and
// quarantines archives with a malicious verdict.
//
// The scanning capability itself is external: the storage provider attaches
// an out-of-band verdict to the stored object as a tag. This package only
// reads and classifies that signal.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

// Verdict is the closed set of scan outcomes.
type Verdict string

// Possible verdicts. Unrecognized marks a raw tag value outside the
// well-known vocabulary; it is never silently collapsed into NoResult.
const (
	VerdictPending      Verdict = "pending"
	VerdictClean        Verdict = "clean"
	VerdictMalicious    Verdict = "malicious"
	VerdictError        Verdict = "error"
	VerdictNoResult     Verdict = "no_scan_result"
	VerdictUnrecognized Verdict = "unrecognized"
)

// VerdictFromTag maps the provider's raw tag value onto the verdict enum.
// Well-known values are "Malicious", "No threats found" and "No scan
// result"; anything else maps to VerdictUnrecognized.
func VerdictFromTag(raw string) Verdict {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "":
		return VerdictNoResult
	case strings.Contains(v, "malicious"):
		return VerdictMalicious
	case strings.Contains(v, "no threats found"):
		return VerdictClean
	case strings.Contains(v, "no scan result"):
		return VerdictNoResult
	}
	return VerdictUnrecognized
}

// TagsFunc fetches the current tag set of a stored object.
type TagsFunc func(ctx context.Context, bucket, key string) (map[string]string, error)

// Outcome is the result of waiting for a scan verdict. A timeout is a
// legitimate outcome, not an error: the submission is accepted as pending.
type Outcome struct {
	Verdict  Verdict
	TimedOut bool
	Attempts int
	// RawResult is the provider's unmapped tag value from the last poll.
	RawResult string
}

// Poller waits for a terminal scan verdict within a wall-clock budget. The
// clock and sleep functions are injectable so tests run without real delays.
type Poller struct {
	Tags     TagsFunc
	TagKey   string
	Interval time.Duration
	Timeout  time.Duration
	Sleep    func(time.Duration)
	Now      func() time.Time
	Log      *slog.Logger
}

// Wait polls the object's verdict tag until it is clean or malicious, or
// the budget runs out. Transient errors and no-result polls continue the
// loop; only the budget ends it early.
func (p *Poller) Wait(ctx context.Context, bucket, key string) Outcome {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	out := Outcome{Verdict: VerdictPending}
	for {
		out.Attempts++
		set, err := p.Tags(ctx, bucket, key)
		if err != nil {
			p.Log.Warn("scan tag poll failed", "key", key, "attempt", out.Attempts, "err", err)
		} else {
			out.RawResult = set[p.TagKey]
			switch v := VerdictFromTag(out.RawResult); v {
			case VerdictClean, VerdictMalicious:
				out.Verdict = v
				p.Log.Info("scan verdict reached", "key", key, "verdict", v, "attempts", out.Attempts)
				return out
			case VerdictUnrecognized:
				p.Log.Warn("unrecognized scan result value", "key", key, "raw", out.RawResult)
			}
		}

		if ctx.Err() != nil || now().Sub(start)+p.Interval > p.Timeout {
			out.TimedOut = true
			p.Log.Warn("scan polling budget exhausted", "key", key, "attempts", out.Attempts)
			return out
		}
		sleep(p.Interval)
	}
}

// Store is the object-store surface quarantining needs.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Head(ctx context.Context, bucket, key string) error
	SetMetadata(ctx context.Context, bucket, key string, metadata map[string]string) error
	SetTags(ctx context.Context, bucket, key string, set map[string]string) error
	Delete(ctx context.Context, bucket, key string) error
}

// QuarantineResult reports the actual outcome of a quarantine attempt. The
// caller is informed the object was deemed malicious either way; Quarantined
// reflects whether isolation completed.
type QuarantineResult struct {
	Quarantined    bool
	QuarantinePath string
	OriginalPath   string
	Err            string
}

// Quarantiner relocates malicious archives to the isolated store.
type Quarantiner struct {
	Store       Store
	Bucket      string
	CopyTimeout time.Duration
	Sleep       func(time.Duration)
	Now         func() time.Time
	Log         *slog.Logger
}

// metadataLimit is the backend's per-value metadata length cap.
const metadataLimit = 256

// Quarantine copies the archive into the quarantine store under a
// date-partitioned name, waits for the copy to be confirmed, marks the copy
// with quarantine metadata and tags, and only then deletes the original.
// The original is never deleted before the copy is confirmed.
func (q *Quarantiner) Quarantine(ctx context.Context, srcBucket, srcKey string, scanDetails string) QuarantineResult {
	sleep := q.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	now := q.Now
	if now == nil {
		now = time.Now
	}

	res := QuarantineResult{OriginalPath: srcKey}
	if err := q.Store.EnsureBucket(ctx, q.Bucket); err != nil {
		q.Log.Warn("quarantine bucket check failed", "bucket", q.Bucket, "err", err)
	}

	dstKey := fmt.Sprintf("%s/quarantined_%s", now().UTC().Format("2006/01/02"), path.Base(srcKey))
	if err := q.Store.Copy(ctx, srcBucket, srcKey, q.Bucket, dstKey); err != nil {
		q.Log.Error("quarantine copy failed", "key", srcKey, "err", err)
		res.Err = err.Error()
		return res
	}

	if err := q.waitForCopy(ctx, dstKey, sleep, now); err != nil {
		q.Log.Error("quarantine copy not confirmed", "key", dstKey, "err", err)
		res.Err = err.Error()
		return res
	}

	metadata := map[string]string{
		"quarantinedAt":     now().UTC().Format(time.RFC3339),
		"quarantinedReason": string(VerdictMalicious),
		"originalContainer": srcBucket,
		"originalPath":      srcKey,
		"scanDetails":       truncate(scanDetails, metadataLimit),
	}
	if err := q.Store.SetMetadata(ctx, q.Bucket, dstKey, metadata); err != nil {
		q.Log.Error("set quarantine metadata failed", "key", dstKey, "err", err)
		res.Err = err.Error()
		return res
	}
	set := map[string]string{
		"quarantined":       "true",
		"scanStatus":        string(VerdictMalicious),
		"originalContainer": truncate(srcBucket, metadataLimit),
	}
	if err := q.Store.SetTags(ctx, q.Bucket, dstKey, set); err != nil {
		q.Log.Error("set quarantine tags failed", "key", dstKey, "err", err)
		res.Err = err.Error()
		return res
	}

	// Copy confirmed and marked; the original may now go.
	if err := q.Store.Delete(ctx, srcBucket, srcKey); err != nil {
		q.Log.Error("delete of original after quarantine failed", "key", srcKey, "err", err)
		res.Err = err.Error()
		return res
	}

	q.Log.Info("archive quarantined", "from", srcKey, "to", dstKey)
	res.Quarantined = true
	res.QuarantinePath = dstKey
	return res
}

// waitForCopy polls the destination until it is visible or the budget ends.
func (q *Quarantiner) waitForCopy(ctx context.Context, dstKey string, sleep func(time.Duration), now func() time.Time) error {
	const interval = time.Second
	start := now()
	for {
		if err := q.Store.Head(ctx, q.Bucket, dstKey); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if now().Sub(start)+interval > q.CopyTimeout {
			return fmt.Errorf("copy to quarantine not confirmed within %s", q.CopyTimeout)
		}
		sleep(interval)
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
