package binctx

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoSection is returned when an address is not covered by any registered
// section.
var ErrNoSection = errors.New("no section for address")

// Error is an analysis error. A fatal error means the binary cannot be
// modeled safely and the run must abort; a non-fatal one degrades precision
// only.
type Error struct {
	Fatal bool
	Msg   string
}

func (e *Error) Error() string {
	if e.Fatal {
		return "fatal: " + e.Msg
	}
	return e.Msg
}

// NewFatalError returns a fatal *Error.
func NewFatalError(format string, args ...any) error {
	return errors.WithStack(&Error{Fatal: true, Msg: fmt.Sprintf(format, args...)})
}

// NewNonFatalError returns a non-fatal *Error.
func NewNonFatalError(format string, args ...any) error {
	return errors.WithStack(&Error{Msg: fmt.Sprintf(format, args...)})
}

// IsFatal reports whether err, or the error it wraps, is a fatal *Error.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
