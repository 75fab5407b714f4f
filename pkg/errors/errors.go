// Package errors provides error handling for medprep.
//
// This package re-exports github.com/cockroachdb/errors and defines the error
// kinds the loaders and the demographic normalizer report. Kinds are checked
// with Is:
//
//	if errors.Is(err, errors.ErrFileNotFound) {
//	    // the path (or one component of a composite path) does not exist
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages
var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	FlattenHints = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Error kinds. Wrap these with Wrap/Wrapf to add context while preserving the kind.
var (
	// ErrSchema indicates a demographic table lacks an expected column.
	ErrSchema = New("schema error")

	// ErrFileNotFound indicates an expected file or directory is absent.
	ErrFileNotFound = New("file not found")

	// ErrFormat indicates a file exists but cannot be parsed as the expected
	// image or table format.
	ErrFormat = New("format error")

	// ErrAmbiguousRecord marks a subject whose duplicated rows disagree on age.
	// The normalizer never returns it; it is attached to dropped subjects.
	ErrAmbiguousRecord = New("ambiguous record")

	// ErrMissingImage marks a subject with no matching image file.
	ErrMissingImage = New("missing image")

	// ErrMissingField marks a subject with a missing or unknown demographic value.
	ErrMissingField = New("missing field")

	// ErrInvalidArgument indicates a caller supplied an unusable option.
	ErrInvalidArgument = New("invalid argument")
)

// NotFound wraps err (usually from os.Stat) as a file-not-found error for path.
func NotFound(path string) error {
	return Wrapf(ErrFileNotFound, "%s", path)
}

// Formatf returns a format error with a formatted message.
func Formatf(format string, args ...interface{}) error {
	return Wrapf(ErrFormat, format, args...)
}

// IsNotFound reports whether err is or wraps ErrFileNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrFileNotFound)
}

// IsFormat reports whether err is or wraps ErrFormat.
func IsFormat(err error) bool {
	return err != nil && Is(err, ErrFormat)
}

// IsSchema reports whether err is or wraps ErrSchema.
func IsSchema(err error) bool {
	return err != nil && Is(err, ErrSchema)
}
