package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// FieldIssue is a single schema violation in a tool input.
	FieldIssue struct {
		// Field is the JSON pointer of the offending value, "/" for the root.
		Field string
		// Constraint is the schema keyword that failed, for example
		// "required" or "type".
		Constraint string
	}

	// ValidationError reports a tool input that does not satisfy the tool
	// schema.
	ValidationError struct {
		Tool   string
		Issues []FieldIssue
		cause  error
	}
)

func newValidationError(tool string, err error) *ValidationError {
	verr := &ValidationError{Tool: tool, cause: err}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		collectIssues(ve, &verr.Issues)
	}
	return verr
}

func collectIssues(ve *jsonschema.ValidationError, out *[]FieldIssue) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectIssues(c, out)
		}
		return
	}
	issue := FieldIssue{Field: "/" + strings.Join(ve.InstanceLocation, "/")}
	if ve.ErrorKind != nil {
		if kw := ve.ErrorKind.KeywordPath(); len(kw) > 0 {
			issue.Constraint = kw[len(kw)-1]
		}
	}
	*out = append(*out, issue)
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("tool %s: invalid input: %v", e.Tool, e.cause)
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Field + " (" + is.Constraint + ")"
	}
	return fmt.Sprintf("tool %s: invalid input: %s", e.Tool, strings.Join(parts, ", "))
}

// Unwrap returns the schema validation error.
func (e *ValidationError) Unwrap() error { return e.cause }
