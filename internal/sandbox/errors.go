package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/readlens/readlens/internal/confine"
)

// Kind is the closed set of exception kinds raised into the interpreter.
// The names are the interpreter-side exception vocabulary; interpreted code
// can catch them and retry with a fallback, which is a supported pattern.
type Kind string

const (
	// KindOS covers filesystem-boundary failures: confinement violations,
	// missing files, permission errors.
	KindOS Kind = "OSError"
	// KindValue covers malformed arguments and limiter overruns.
	KindValue Kind = "ValueError"
	// KindFileExists is raised for writes to an existing path.
	KindFileExists Kind = "FileExistsError"
	// KindKey is raised for unknown external function names.
	KindKey Kind = "KeyError"
	// KindRuntime is the default for unrecognized host failures.
	KindRuntime Kind = "RuntimeError"
	// KindSyntax marks source defects: the code never ran.
	KindSyntax Kind = "SyntaxError"
)

// RaiseError is a host failure translated into the interpreter's exception
// vocabulary. It crosses the registry boundary in both directions: host
// errors become RaiseErrors before resuming the interpreter, and uncaught
// interpreter errors come back out as RaiseErrors in the run outcome.
type RaiseError struct {
	Kind    Kind
	Message string
}

func (e *RaiseError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Raise builds a RaiseError with a formatted message.
func Raise(kind Kind, format string, args ...any) *RaiseError {
	return &RaiseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Normalize maps an arbitrary host error onto the closed Kind set.
// Already-typed errors pass through; everything unrecognized defaults to
// KindRuntime rather than surfacing as a host fault.
func Normalize(err error) *RaiseError {
	if err == nil {
		return nil
	}
	var re *RaiseError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, confine.ErrOutsideRoot):
		return &RaiseError{Kind: KindOS, Message: err.Error()}
	case errors.Is(err, fs.ErrExist):
		return &RaiseError{Kind: KindFileExists, Message: err.Error()}
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return &RaiseError{Kind: KindOS, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &RaiseError{Kind: KindRuntime, Message: "time limit exceeded"}
	default:
		return &RaiseError{Kind: KindRuntime, Message: err.Error()}
	}
}

// looksLikeTimeout is the message-substring fallback for failures whose
// underlying cause is not a context error. The embedding reports its own
// deadline expiry structurally; this only classifies errors surfaced by
// host functions.
func looksLikeTimeout(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "time limit") ||
		strings.Contains(m, "timed out") ||
		strings.Contains(m, "deadline exceeded")
}
