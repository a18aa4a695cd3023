package rangefs

import (
	"errors"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNotFound is returned for unknown inodes and names.
	ErrNotFound = errors.New("no such entry")
	// ErrPermission is returned when a write-intent open is requested.
	ErrPermission = errors.New("read-only filesystem entry")
	// ErrIO wraps failures of the underlying positioned read.
	ErrIO = errors.New("backing read failed")
	// ErrClosed is returned by handlers invoked after the table was closed.
	ErrClosed = errors.New("table is closed")
)

// ConfigError collects every problem found while building a table.
// It is always fatal and is reported before anything gets mounted.
type ConfigError struct {
	errs *multierror.Error
}

func (e *ConfigError) Error() string {
	return "invalid range configuration: " + e.errs.Error()
}

// Unwrap exposes the individual problems to errors.Is / errors.As.
func (e *ConfigError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

// Problems returns the individual configuration problems.
func (e *ConfigError) Problems() []error {
	return e.errs.WrappedErrors()
}

func newConfigError(errs *multierror.Error) error {
	if errs.ErrorOrNil() == nil {
		return nil
	}
	errs.ErrorFormat = func(es []error) string {
		var s string
		for i, err := range es {
			if i > 0 {
				s += "; "
			}
			s += err.Error()
		}
		return s
	}
	return &ConfigError{errs: errs}
}

// Errno maps errors returned by the table handlers to the errno reported
// to the kernel.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrPermission):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
