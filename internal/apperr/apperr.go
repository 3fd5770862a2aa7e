// Package apperr defines the failure taxonomy returned by the chat services.
//
// Expected conditions (bad content, wrong channel, missing message) are
// reported as a *Failure inside a service result. Only infrastructure
// problems travel as plain Go errors.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of failure.
type Code string

const (
	CodeValidationFailed Code = "validation_failed"
	CodeNotFound         Code = "not_found"
	CodeInvalidChannel   Code = "invalid_channel"
	CodeThreadMismatch   Code = "thread_mismatch"
	CodeChannelClosed    Code = "channel_closed"
	CodeNotAllowed       Code = "not_allowed"
	CodeNoMessagesFound  Code = "no_messages_found"
	CodeTransient        Code = "transient_store_failure"
	CodeArchiveFailed    Code = "archive_failed"
)

// Failure is a typed, user-presentable failure.
type Failure struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	Cause   error    `json:"-"`
}

func (f *Failure) Error() string {
	if len(f.Details) == 0 {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Code, f.Message, strings.Join(f.Details, "; "))
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// New creates a failure with the given code.
func New(code Code, message string, details ...string) *Failure {
	return &Failure{Code: code, Message: message, Details: details}
}

// Validation reports content or input that failed validation.
func Validation(details ...string) *Failure {
	return New(CodeValidationFailed, "validation failed", details...)
}

// NotFound reports a missing or soft-deleted record.
func NotFound(what string) *Failure {
	return New(CodeNotFound, what+" not found")
}

// OriginalMessageNotFound reports a reply chain whose root is missing or deleted.
func OriginalMessageNotFound() *Failure {
	return New(CodeNotFound, "original message not found")
}

// InvalidChannel reports a channel of the wrong kind for the operation.
func InvalidChannel(message string) *Failure {
	return New(CodeInvalidChannel, message)
}

// ThreadMismatch reports a reply chain and thread that disagree.
func ThreadMismatch(message string) *Failure {
	return New(CodeThreadMismatch, message)
}

// ChannelClosed reports a channel whose status forbids the operation.
func ChannelClosed(status string) *Failure {
	return New(CodeChannelClosed, "channel is "+strings.ReplaceAll(status, "_", " "))
}

// NotAllowed reports a capability check that said no.
func NotAllowed(message string) *Failure {
	return New(CodeNotAllowed, message)
}

// NoMessagesFound reports a move with nothing to move.
func NoMessagesFound() *Failure {
	return New(CodeNoMessagesFound, "no messages found")
}

// Transient wraps an infrastructure error so callers can report it generically.
func Transient(err error) *Failure {
	return &Failure{Code: CodeTransient, Message: "temporary storage failure, try again", Cause: err}
}

// ArchiveFailed wraps the error recorded on a channel archive.
func ArchiveFailed(err error) *Failure {
	return &Failure{Code: CodeArchiveFailed, Message: "archive failed", Cause: err}
}

// As extracts a *Failure from err.
func As(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// CodeOf returns the failure code of err, or "" when err is not a Failure.
func CodeOf(err error) Code {
	if f, ok := As(err); ok {
		return f.Code
	}
	return ""
}
