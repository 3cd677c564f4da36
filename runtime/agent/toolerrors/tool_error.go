// Package toolerrors describes tool call failures as they are reported back
// to the model. A ToolError keeps the failure chain as messages so it can be
// rendered into an error tool result, and optionally carries a repair prompt
// asking the model to redo a call whose input was rejected.
package toolerrors

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awschat/supervisor/runtime/agent/tools"
)

// repairTemplate is the instruction appended to rejected calls. The schema
// line is optional.
const repairTemplate = `Operation: call tool %s
%sError: %s
Redo the call now with valid input.
Use only fields defined by the schema and make sure required fields are present with valid types.`

// ToolError is a tool failure. Cause links the messages of the wrapped
// errors so errors.Is/As keep working on the chain.
type ToolError struct {
	// Tool is the name of the failed tool.
	Tool string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause is the underlying failure, if any.
	Cause *ToolError
	// Repair is set when the model can fix the call by changing its input.
	Repair string
}

// New returns a ToolError for tool with message.
func New(tool, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Tool: tool, Message: message}
}

// FromError converts err into a ToolError chain. A ToolError already in the
// chain is returned as is.
func FromError(tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Tool:    tool,
		Message: err.Error(),
		Cause:   FromError(tool, errors.Unwrap(err)),
	}
}

// Classify converts err and, when the input failed schema validation,
// attaches a repair prompt built from the tool schema.
func Classify(tool string, err error, schema any) *ToolError {
	te := FromError(tool, err)
	if te == nil {
		return nil
	}
	var verr *tools.ValidationError
	if errors.As(err, &verr) {
		te.Repair = RepairPrompt(tool, verr.Error(), schema)
	}
	return te
}

// RepairPrompt builds the instruction asking the model to retry a rejected
// call. schema is included in compact JSON form when it encodes.
func RepairPrompt(tool, errMsg string, schema any) string {
	schemaPart := ""
	if schema != nil {
		if raw, err := json.Marshal(schema); err == nil && string(raw) != "null" {
			schemaPart = "Schema: " + string(raw) + "\n"
		}
	}
	return fmt.Sprintf(repairTemplate, tool, schemaPart, errMsg)
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Content is the error tool result text sent to the model.
func (e *ToolError) Content() string {
	if e == nil {
		return ""
	}
	if e.Repair == "" {
		return e.Message
	}
	return e.Message + "\n\n" + e.Repair
}
