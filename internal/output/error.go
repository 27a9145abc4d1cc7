package output

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// ErrorOutput represents a structured error for JSON output.
type ErrorOutput struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Cause      string            `json:"cause,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	ExitCode   int               `json:"exit_code"`
}

// NewErrorDetail flattens err into its reportable fields.
func NewErrorDetail(err error) ErrorDetail {
	var le *linkerr.LinkError
	if !errors.As(err, &le) {
		return ErrorDetail{
			Code:       linkerr.CodeGeneral,
			Message:    err.Error(),
			Suggestion: linkerr.Suggestion(err),
			ExitCode:   linkerr.ExitGeneral,
		}
	}

	detail := ErrorDetail{
		Code:       le.Code,
		Message:    le.Message,
		Details:    le.Details,
		Suggestion: linkerr.Suggestion(err),
		ExitCode:   le.ExitCode,
	}
	if cause := rootCause(le); cause != nil {
		detail.Cause = cause.Error()
	}
	return detail
}

// rootCause returns the first cause below le that is not itself a LinkError.
func rootCause(le *linkerr.LinkError) error {
	for cause := le.Cause; cause != nil; {
		next, ok := cause.(*linkerr.LinkError) //nolint:errorlint // walking the LinkError chain one link at a time
		if !ok {
			return cause
		}
		cause = next.Cause
	}
	return nil
}

// FormatError formats an error for display.
func FormatError(w io.Writer, err error, format Format) error {
	if err == nil {
		return nil
	}

	detail := NewErrorDetail(err)
	if format == FormatJSON {
		return WriteJSON(w, ErrorOutput{Error: detail})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", detail.Message)
	if detail.Cause != "" {
		fmt.Fprintf(&sb, "Cause: %s\n", detail.Cause)
	}

	if len(detail.Details) > 0 {
		keys := make([]string, 0, len(detail.Details))
		for k := range detail.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, detail.Details[k])
		}
	}

	if detail.Suggestion != "" {
		fmt.Fprintf(&sb, "\nSuggestion: %s\n", detail.Suggestion)
	}

	_, writeErr := io.WriteString(w, sb.String())
	return writeErr
}
