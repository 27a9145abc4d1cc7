// Package errors provides structured error handling for ledgerlink.
// It defines the failure taxonomy of a device connection attempt, exit
// codes, and helpers for adding context, details, and suggestions.
//
//nolint:revive // Package name intentionally shadows stdlib for domain-specific error handling
package errors

import (
	"errors"
	"fmt"
	"sort"
)

// Exit codes returned by the CLI.
const (
	ExitSuccess     = 0 // Successful execution
	ExitGeneral     = 1 // General/unknown error
	ExitInput       = 2 // Invalid input
	ExitRejected    = 3 // User rejected or cancelled on the device
	ExitDevice      = 4 // Device unreachable, locked, or timed out
	ExitUnavailable = 5 // Upstream service unavailable or geo-blocked
)

// LinkError is the structured error type for ledgerlink.
type LinkError struct {
	Code       string            // Machine-readable error code
	Message    string            // Human-readable message
	Details    map[string]string // Additional context
	Suggestion string            // Actionable suggestion for user
	Cause      error             // Underlying error
	ExitCode   int               // Exit code for CLI
}

func (e *LinkError) Error() string {
	msg := e.Message

	// Include details in error message (sorted for deterministic output)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg = fmt.Sprintf("%s (%s: %s)", msg, k, e.Details[k])
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *LinkError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for LinkError.
func (e *LinkError) Is(target error) bool {
	var t *LinkError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Error codes of the connection failure taxonomy.
const (
	CodeDeviceUnavailable  = "DEVICE_UNAVAILABLE"
	CodeUserCancelled      = "USER_CANCELLED"
	CodeUserRejected       = "USER_REJECTED"
	CodeDeviceTimeout      = "DEVICE_TIMEOUT"
	CodeUnsupportedChain   = "UNSUPPORTED_CHAIN"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeGeneral            = "GENERAL_ERROR"
)

// Sentinel errors.
var (
	ErrGeneral = &LinkError{
		Code:     CodeGeneral,
		Message:  "an error occurred",
		ExitCode: ExitGeneral,
	}

	ErrInvalidInput = &LinkError{
		Code:     "INVALID_INPUT",
		Message:  "invalid input",
		ExitCode: ExitInput,
	}

	// Device and session errors.
	ErrDeviceUnavailable = &LinkError{
		Code:     CodeDeviceUnavailable,
		Message:  "signing device unavailable",
		ExitCode: ExitDevice,
	}

	ErrUserCancelled = &LinkError{
		Code:     CodeUserCancelled,
		Message:  "device selection cancelled",
		ExitCode: ExitRejected,
	}

	ErrUserRejected = &LinkError{
		Code:     CodeUserRejected,
		Message:  "request rejected on device",
		ExitCode: ExitRejected,
	}

	ErrDeviceTimeout = &LinkError{
		Code:     CodeDeviceTimeout,
		Message:  "device did not respond in time",
		ExitCode: ExitDevice,
	}

	ErrUnsupportedChain = &LinkError{
		Code:     CodeUnsupportedChain,
		Message:  "unsupported chain",
		ExitCode: ExitInput,
	}

	ErrProtocol = &LinkError{
		Code:     CodeProtocolError,
		Message:  "unexpected response from device",
		ExitCode: ExitDevice,
	}

	ErrServiceUnavailable = &LinkError{
		Code:     CodeServiceUnavailable,
		Message:  "connecting is currently unavailable",
		ExitCode: ExitUnavailable,
	}

	ErrNotConnected = &LinkError{
		Code:     "NOT_CONNECTED",
		Message:  "no address connected",
		ExitCode: ExitInput,
	}

	// Network errors for collaborators (health check, balance).
	ErrNetworkError = &LinkError{
		Code:     "NETWORK_ERROR",
		Message:  "network communication failed",
		ExitCode: ExitGeneral,
	}

	// Config-specific errors.
	ErrConfigInvalid = &LinkError{
		Code:     "CONFIG_INVALID",
		Message:  "configuration file is invalid",
		ExitCode: ExitInput,
	}
)

// New creates a new LinkError with the given code and message.
func New(code, message string) *LinkError {
	return &LinkError{
		Code:     code,
		Message:  message,
		ExitCode: ExitGeneral,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	var le *LinkError
	if errors.As(err, &le) {
		return &LinkError{
			Code:       le.Code,
			Message:    fmt.Sprintf("%s: %s", msg, le.Message),
			Details:    le.Details,
			Suggestion: le.Suggestion,
			Cause:      err,
			ExitCode:   le.ExitCode,
		}
	}

	return &LinkError{
		Code:     CodeGeneral,
		Message:  msg,
		Cause:    err,
		ExitCode: ExitGeneral,
	}
}

// WithCause returns a copy of the sentinel carrying cause as its underlying
// error. The result still matches the sentinel with errors.Is.
func WithCause(sentinel *LinkError, cause error) error {
	return &LinkError{
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		Details:    sentinel.Details,
		Suggestion: sentinel.Suggestion,
		Cause:      cause,
		ExitCode:   sentinel.ExitCode,
	}
}

// WithDetails adds details to an error.
func WithDetails(err error, details map[string]string) error {
	if err == nil {
		return nil
	}

	var le *LinkError
	if errors.As(err, &le) {
		return &LinkError{
			Code:       le.Code,
			Message:    le.Message,
			Details:    details,
			Suggestion: le.Suggestion,
			Cause:      le.Cause,
			ExitCode:   le.ExitCode,
		}
	}

	return &LinkError{
		Code:     CodeGeneral,
		Message:  err.Error(),
		Details:  details,
		Cause:    err,
		ExitCode: ExitGeneral,
	}
}

// WithSuggestion adds a suggestion to an error.
func WithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}

	var le *LinkError
	if errors.As(err, &le) {
		return &LinkError{
			Code:       le.Code,
			Message:    le.Message,
			Details:    le.Details,
			Suggestion: suggestion,
			Cause:      le.Cause,
			ExitCode:   le.ExitCode,
		}
	}

	return &LinkError{
		Code:       CodeGeneral,
		Message:    err.Error(),
		Suggestion: suggestion,
		Cause:      err,
		ExitCode:   ExitGeneral,
	}
}

// ExitCode returns the appropriate exit code for an error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var le *LinkError
	if errors.As(err, &le) {
		return le.ExitCode
	}

	return ExitGeneral
}

// Code returns the error code for an error.
func Code(err error) string {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeGeneral
}

// Suggestion returns the suggestion of the outermost LinkError, if any.
func Suggestion(err error) string {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Suggestion
	}
	return ""
}

// Is wraps errors.Is for convenience.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience.
func As(err error, target any) bool {
	return errors.As(err, target)
}
