package common

import (
	"errors"
	"fmt"
)

// ErrorCode is a numeric error code reported to clients next to a code name
type ErrorCode int32

// Error codes surfaced on the HTTP API and on change streams
const (
	CodeInternalError     ErrorCode = 1
	CodeBadValue          ErrorCode = 2
	CodeNoSuchKey         ErrorCode = 4
	CodeFailedToParse     ErrorCode = 9
	CodeUnauthorized      ErrorCode = 13
	CodeNamespaceNotFound ErrorCode = 26
	CodeNamespaceExists   ErrorCode = 48
	CodeImmutableField    ErrorCode = 66
	CodeInvalidOptions    ErrorCode = 72
	CodeInvalidNamespace  ErrorCode = 73
	CodeHistoryLost       ErrorCode = 286
	CodeDuplicateKey      ErrorCode = 11000

	// CodePreImageNotFound is raised by a change stream opened with
	// fullDocumentBeforeChange=required when the pre-image is missing.
	CodePreImageNotFound ErrorCode = 51770
)

var codeNames = map[ErrorCode]string{
	CodeInternalError:     "InternalError",
	CodeBadValue:          "BadValue",
	CodeNoSuchKey:         "NoSuchKey",
	CodeFailedToParse:     "FailedToParse",
	CodeUnauthorized:      "Unauthorized",
	CodeNamespaceNotFound: "NamespaceNotFound",
	CodeNamespaceExists:   "NamespaceExists",
	CodeImmutableField:    "ImmutableField",
	CodeInvalidOptions:    "InvalidOptions",
	CodeInvalidNamespace:  "InvalidNamespace",
	CodeHistoryLost:       "ChangeStreamHistoryLost",
	CodeDuplicateKey:      "DuplicateKey",
}

// Name returns the code name. Assertion-site codes without a registered
// name are reported as Location<code>.
func (c ErrorCode) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Location%d", int32(c))
}

// CodedError is an error carrying a client-visible code
type CodedError struct {
	Code    ErrorCode
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code.Name(), int32(e.Code), e.Message)
}

// Errorf creates a CodedError with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, or CodeInternalError for uncoded errors
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var coded *CodedError
	return errors.As(err, &coded) && coded.Code == code
}

// ErrCaptureFailed marks a write that failed because its pre-image could not be persisted
var ErrCaptureFailed = errors.New("pre-image capture failed")

// WriteError is returned by the write path when an operation did not commit
type WriteError struct {
	Op         string
	Collection string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Op, e.Collection, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
