package importer

import (
	"errors"
	"fmt"

	"github.com/conorfennell/ankimport/internal/apkg"
	"github.com/conorfennell/ankimport/internal/collection"
	"github.com/conorfennell/ankimport/internal/schedule"
)

// Code is a stable, machine readable failure code.
type Code string

const (
	CodeArchiveInvalid      Code = "ARCHIVE_INVALID"
	CodeInvalidFilename     Code = "INVALID_FILENAME"
	CodeNoCollection        Code = "NO_COLLECTION_FOUND"
	CodeUnsupportedFormat   Code = "UNSUPPORTED_FORMAT"
	CodeMetadataUnreadable  Code = "METADATA_UNREADABLE"
	CodeInvalidCreationTime Code = "INVALID_CREATION_TIME"
	CodeFailureRateExceeded Code = "FAILURE_RATE_EXCEEDED"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeMisconfigured       Code = "MISCONFIGURED"
	CodeInternal            Code = "INTERNAL"
)

// Error is a fatal import failure.
type Error struct {
	Code     Code
	Message  string
	ImportID string
	Details  any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code carried by err, or CodeInternal when err is not
// an *Error.
func ErrorCode(err error) Code {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeInternal
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// classify maps errors from the archive, collection and schedule packages to
// a coded failure.
func classify(err error) *Error {
	var noCol *apkg.NoCollectionError
	switch {
	case errors.As(err, &noCol):
		e := newError(CodeNoCollection, "package contains no collection database", err)
		e.Details = map[string]any{"entries": noCol.Entries}
		return e
	case errors.Is(err, apkg.ErrArchiveInvalid):
		return newError(CodeArchiveInvalid, "file is not a valid package", err)
	case errors.Is(err, collection.ErrUnsupportedFormat):
		return newError(CodeUnsupportedFormat, "collection database has an unsupported format", err)
	case errors.Is(err, collection.ErrMetadataUnreadable):
		return newError(CodeMetadataUnreadable, "collection metadata could not be read", err)
	case errors.Is(err, schedule.ErrInvalidCreationTime):
		return newError(CodeInvalidCreationTime, "collection creation time is invalid", err)
	default:
		return newError(CodeInternal, "import failed", err)
	}
}
