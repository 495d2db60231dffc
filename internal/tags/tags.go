// Package tags validates user-supplied key/value metadata and resolves
// collisions with the reserved system tag namespace.
package tags

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/uscar-it/submission-pipeline/internal/models"
)

var (
	keyRx   = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)
	valueRx = regexp.MustCompile(`^[A-Za-z0-9 _.#-]{1,64}$`)
)

// reservedKeys are system-assigned tag keys that user tags must never shadow.
var reservedKeys = map[string]bool{
	"documentType":    true,
	"sourceForm":      true,
	"submittedAt":     true,
	"submittedBy":     true,
	"submissionId":    true,
	"scanStatus":      true,
	"scanProvider":    true,
	"scanRequestedAt": true,
	"scanCompletedAt": true,
}

// userPrefix namespaces user tags that collide with a reserved key.
const userPrefix = "user."

// ValidationError reports the first offending key/value pair. It carries the
// field-level detail the intake endpoints return to the caller.
type ValidationError struct {
	Detail models.ErrorDetail
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Detail.Field, e.Detail.Message)
}

// Validate checks every tag against the format rules and, when requiredKey
// is non-empty, requires its presence. Validation is all-or-nothing: the
// first invalid pair aborts the whole set.
func Validate(userTags map[string]string, requiredKey string) error {
	if requiredKey != "" {
		if _, ok := userTags[requiredKey]; !ok {
			return &ValidationError{Detail: models.ErrorDetail{
				Field:   "tags",
				Message: "Missing required tag: " + requiredKey,
			}}
		}
	}
	for k, v := range userTags {
		if !keyRx.MatchString(k) || !valueRx.MatchString(v) {
			return &ValidationError{Detail: models.ErrorDetail{
				Field:   "tags",
				Message: fmt.Sprintf("Invalid tag format: %s=%s", k, v),
			}}
		}
	}
	return nil
}

// MergeReserved returns the effective tag set: user keys that collide with a
// reserved key are stored under the "user." prefix so the system tag is
// never shadowed.
func MergeReserved(userTags map[string]string) map[string]string {
	effective := make(map[string]string, len(userTags))
	for k, v := range userTags {
		if reservedKeys[k] {
			effective[userPrefix+k] = v
		} else {
			effective[k] = v
		}
	}
	return effective
}

// EffectiveForFile builds a file record's effective tag set: the merged
// submission tags plus the record's own document type and source form.
// Reserved collisions in base were already namespaced, so the system keys
// set here cannot be overwritten.
func EffectiveForFile(docType, sourceForm string, base map[string]string) map[string]string {
	out := make(map[string]string, len(base)+2)
	out["documentType"] = docType
	out["sourceForm"] = sourceForm
	for k, v := range base {
		out[k] = v
	}
	return out
}

// NormalizeForIndex normalizes a tag value for the storage backend's index
// tags, which have stricter constraints than free-text metadata: lowercase,
// spaces replaced with underscores, capped at the backend's length limit.
func NormalizeForIndex(v string) string {
	n := strings.ReplaceAll(strings.ToLower(v), " ", "_")
	if len(n) > 256 {
		n = n[:256]
	}
	return n
}
