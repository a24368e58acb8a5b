package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrJobTimeout   = errors.New("job timed out")
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ValidationError rejects a request before any job starts.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RowErrorKind names the stage a row failed in.
type RowErrorKind string

const (
	RowDecode  RowErrorKind = "decode"
	RowMerge   RowErrorKind = "merge"
	RowConvert RowErrorKind = "convert"
)

// RowError is a failure isolated to one row. Row is the zero-based index.
type RowError struct {
	Row  int
	Kind RowErrorKind
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s: %v", e.Row+1, e.Kind, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

func rowKind(err error, kind RowErrorKind) bool {
	var re *RowError
	return errors.As(err, &re) && re.Kind == kind
}

func IsDecode(err error) bool  { return rowKind(err, RowDecode) }
func IsMerge(err error) bool   { return rowKind(err, RowMerge) }
func IsConvert(err error) bool { return rowKind(err, RowConvert) }

// PackagingError means the job produced no usable artifact.
type PackagingError struct {
	Reason string
	Err    error
}

func (e *PackagingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PackagingError) Unwrap() error { return e.Err }
