package models

import (
	"errors"
	"strings"
)

// Kind classifies a processing failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindQuota      Kind = "quota"
	KindValidation Kind = "validation"
	KindRemote     Kind = "remote"
	KindTimeout    Kind = "timeout"
	KindLocalIO    Kind = "local_io"
	KindState      Kind = "state"
)

// Machine-matchable failure reasons.
const (
	ReasonInvalidAPIKey       = "invalid_api_key"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonFileTooLarge        = "file_too_large"
	ReasonUnsupportedType     = "unsupported_type"
	ReasonInvalidDocument     = "invalid_document"
	ReasonUploadFailed        = "upload_failed"
	ReasonStatusCheckFailed   = "status_check_failed"
	ReasonResultFetchFailed   = "result_fetch_failed"
	ReasonMalformedResponse   = "malformed_response"
	ReasonProcessingFailed    = "processing_failed"
	ReasonTimeout             = "timeout"
	ReasonRequestFailed       = "request_failed"
	ReasonReadFailed          = "read_failed"
	ReasonWriteFailed         = "write_failed"
	ReasonRecordUnreadable    = "record_unreadable"
)

// Error is the single error type surfaced by the pipeline. Error() returns the
// short Message only so that it can be stored verbatim in a sidecar record.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error without an underlying cause.
func NewError(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// WrapError builds an Error around cause.
func WrapError(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: cause}
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ReasonOf returns the reason of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

var userMessages = map[string]string{
	ReasonInvalidAPIKey:       "API key invalid. Check your settings.",
	ReasonInsufficientCredits: "Insufficient credits. Top up your account to continue.",
	ReasonFileTooLarge:        "File too large.",
	ReasonUnsupportedType:     "Unsupported file type.",
	ReasonInvalidDocument:     "File could not be read as a valid document.",
	ReasonTimeout:             "Processing timed out. Try again later.",
}

// UserMessage translates err into a short, actionable notification text.
// The raw error text is the last-resort fallback.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[ReasonOf(err)]; ok {
		return msg
	}
	text := strings.TrimSpace(err.Error())
	if text == "" {
		return "Processing failed."
	}
	return "Processing failed: " + text
}
