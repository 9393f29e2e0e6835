package job

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline errors.
type Kind string

const (
	KindAcquisition   Kind = "acquisition"
	KindTranscription Kind = "transcription"
	KindAnalysis      Kind = "analysis"
	KindStitch        Kind = "stitch"
	KindSynthesis     Kind = "synthesis"
	KindInvalidConfig Kind = "invalid_config"
	KindStorage       Kind = "storage"
	KindChunks        Kind = "chunks"
)

// Error is a classified pipeline error. Collaborators decide Retryable;
// the pipeline only reads it.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, retryable bool, err error) *Error {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &Error{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

func AcquisitionError(op string, retryable bool, err error) *Error {
	return newError(KindAcquisition, op, retryable, err)
}

func TranscriptionError(op string, retryable bool, err error) *Error {
	return newError(KindTranscription, op, retryable, err)
}

func AnalysisError(op string, retryable bool, err error) *Error {
	return newError(KindAnalysis, op, retryable, err)
}

func SynthesisError(op string, err error) *Error {
	return newError(KindSynthesis, op, false, err)
}

func StorageError(op string, err error) *Error {
	return newError(KindStorage, op, false, err)
}

// ChunksError reports that the chunk phase produced nothing usable.
func ChunksError(err error) *Error {
	return newError(KindChunks, "process chunks", false, err)
}

// ErrIncompleteInput marks a stitch over chunks that are not all Analyzed or Skipped.
var ErrIncompleteInput = errors.New("incomplete input")

// StitchError wraps ErrIncompleteInput or another stitch failure.
func StitchError(err error) *Error {
	return newError(KindStitch, "stitch", false, err)
}

// InvalidConfig reports a configuration the pipeline cannot run with.
func InvalidConfig(format string, args ...any) *Error {
	return newError(KindInvalidConfig, "", false, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is marked retryable by its source.
// A deadline expiring counts as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Info converts err into the descriptor stored on a failed job.
func Info(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error(), Retryable: IsRetryable(err)}
	var e *Error
	if errors.As(err, &e) {
		info.Kind = e.Kind
		info.Op = e.Op
		info.Message = e.Err.Error()
	}
	return info
}
