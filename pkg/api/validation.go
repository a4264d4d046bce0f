package api

import (
	"fmt"
	"strings"
)

// Validation issue codes. These are stable identifiers surfaced to
// definition authors; execution never throws them.
const (
	IssueMissingRef        = "missing_ref"
	IssueTypeMismatch      = "type_mismatch"
	IssueMissingSchema     = "missing_schema"
	IssueInvalidTypescript = "invalid_typescript"
	IssueDuplicateStep     = "duplicate_step"
	IssueInvalidAction     = "invalid_action"
	IssueSchemaViolation   = "schema_violation"
)

// Issue is one violation found at workflow-definition time.
type Issue struct {
	Code    string `json:"code"`
	Step    string `json:"step,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Code)
	if i.Step != "" {
		b.WriteString(" step=" + i.Step)
	}
	if i.Ref != "" {
		b.WriteString(" ref=" + i.Ref)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// ValidationError aggregates every violation in a definition rather than
// failing fast on the first one.
type ValidationError struct {
	WorkflowID string
	Issues     []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s failed validation with %d issue(s): %s",
		e.WorkflowID, len(e.Issues), e.summary())
}

func (e *ValidationError) summary() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return strings.Join(parts, "; ")
}
