// Package errno attaches POSIX errno values to Go errors.
//
// Errors are merry errors carrying an "errno" value, so a caller several
// layers up can recover the local error code without string matching:
//
//	err := errno.New(unix.ENOENT, "lookup %q", name)
//	...
//	if errno.Of(err) == unix.ENOENT { ... }
package errno

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

const key = "errno"

// New creates an errno-annotated error from a format string.
func New(value unix.Errno, format string, a ...any) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(key, int(value))
}

// Sentinel creates a package-level error value meant to be compared with
// merry.Is.
func Sentinel(value unix.Errno, msg string) merry.Error {
	return merry.New(msg).WithValue(key, int(value))
}

// Add annotates an existing error. A nil error yields a fresh one.
func Add(err error, value unix.Errno) error {
	if err == nil {
		return merry.New(value.Error()).WithValue(key, int(value))
	}
	return merry.WrapSkipping(err, 1).WithValue(key, int(value))
}

// Of returns the errno carried by err, 0 for nil, and EIO for errors that
// carry none.
func Of(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if v, ok := merry.Value(err, key).(int); ok {
		return unix.Errno(v)
	}
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}

// Has reports whether err carries an errno.
func Has(err error) bool {
	return merry.Value(err, key) != nil
}
