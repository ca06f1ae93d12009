// Package apperr defines the structured error taxonomy used across TaskClaw.
// Every failure that reaches the pipeline boundary is classified into one of
// four kinds, and each kind maps to exactly one user-facing reply.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for reply rendering and session handling.
type Kind string

const (
	// KindValidation covers bad user input: rejected attachments, unresolved
	// template placeholders. Reported to the user, never retried.
	KindValidation Kind = "validation_rejection"

	// KindTransient covers collaborator failures (agent runtime, memory store,
	// channel download). Reported generically, not retried within the core.
	KindTransient Kind = "transient_collaborator_failure"

	// KindConfigMissing means a required skill secret is absent. The session
	// is not advanced.
	KindConfigMissing Kind = "configuration_missing"

	// KindInvariant is an internal state violation. Fatal to the affected
	// user's flow only; the session is force-reset.
	KindInvariant Kind = "internal_invariant_violation"
)

// Rejection codes carried by validation errors.
const (
	CodeExtensionNotAllowed = "extension_not_allowed"
	CodeFileTooLarge        = "file_too_large"
	CodeUnsafeFilename      = "unsafe_filename"
	CodeMissingPlaceholder  = "missing_placeholder"
	CodeEmptyMessage        = "empty_message"
	CodeAttachmentsDisabled = "attachments_disabled"
)

// Error is a classified error with a machine-readable code and details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewValidation creates a validation rejection with the given code.
func NewValidation(code, msg string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    code,
		Message: msg,
	}
}

// NewMissingPlaceholders creates a validation rejection for a template whose
// placeholders could not all be resolved.
func NewMissingPlaceholders(skill, template string, keys []string) *Error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &Error{
		Kind:    KindValidation,
		Code:    CodeMissingPlaceholder,
		Message: fmt.Sprintf("template %s of skill %s has unresolved placeholders: %s", template, skill, strings.Join(sorted, ", ")),
		Details: map[string]any{"skill": skill, "template": template, "keys": sorted},
	}
}

// NewTransient wraps a collaborator failure.
func NewTransient(op string, err error) *Error {
	return &Error{
		Kind:    KindTransient,
		Code:    "collaborator_failure",
		Message: op,
		Err:     err,
	}
}

// NewConfigMissing reports required skill secrets that are absent.
func NewConfigMissing(skill string, keys []string) *Error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &Error{
		Kind:    KindConfigMissing,
		Code:    "missing_secret",
		Message: fmt.Sprintf("skill %s is missing configuration: %s", skill, strings.Join(sorted, ", ")),
		Details: map[string]any{"skill": skill, "keys": sorted},
	}
}

// NewInvariant reports an internal state violation.
func NewInvariant(msg string) *Error {
	return &Error{
		Kind:    KindInvariant,
		Code:    "invariant",
		Message: msg,
	}
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err. Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// UserMessage renders err as the single reply sent to the user.
func UserMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "Something went wrong while processing your message. Please try again."
	}

	switch e.Kind {
	case KindValidation:
		return validationMessage(e)
	case KindConfigMissing:
		keys, _ := e.Details["keys"].([]string)
		skill, _ := e.Details["skill"].(string)
		return fmt.Sprintf("The %s skill needs configuration before it can run. Please provide: %s.",
			skill, strings.Join(keys, ", "))
	case KindInvariant:
		return "Your session hit an internal error and was reset. Please send your message again."
	default:
		return "The assistant is temporarily unavailable. Please try again in a moment."
	}
}

func validationMessage(e *Error) string {
	switch e.Code {
	case CodeExtensionNotAllowed:
		return "That file type is not supported. " + e.Message
	case CodeFileTooLarge:
		return "That file is too large. " + e.Message
	case CodeUnsafeFilename:
		return "That file name is not allowed. " + e.Message
	case CodeMissingPlaceholder:
		keys, _ := e.Details["keys"].([]string)
		skill, _ := e.Details["skill"].(string)
		return fmt.Sprintf("The %s skill is missing values for: %s.", skill, strings.Join(keys, ", "))
	case CodeEmptyMessage:
		return "I received an empty message."
	case CodeAttachmentsDisabled:
		return "File attachments are not enabled."
	default:
		return e.Message
	}
}
