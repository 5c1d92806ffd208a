// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package fault provides error-handling wrappers
//
// These wrappers allow callers to attach additional information to Go errors
// while still conforming to the Go error interface. The package provides APIs
// to add errno information to regular Go errors and is implemented on top of
// the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry comes with built-in support for stacktraces and for attaching
// arbitrary key/value context to an error; we use the "errno" key.
package fault

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/marblefs/marblefs/logger"
)

// FsError constants to be used in the MarbleFS namespace.
//
// These correspond to linux/POSIX errnos as defined in errno.h. Using these
// constants makes it easy to map failures onto the errno a caller-facing
// layer would report.
//
// NOTE: unix.Errno is the errno constant type that exists in Go-land; we cast
//       to int to get the raw errno value.
type FsError int

const (
	NotPermError        FsError = FsError(int(unix.EPERM))     // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))    // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))       // I/O error
	TryAgainError       FsError = FsError(int(unix.EAGAIN))    // Try again
	PermDeniedError     FsError = FsError(int(unix.EACCES))    // Permission denied
	DevBusyError        FsError = FsError(int(unix.EBUSY))     // Device or resource busy
	InvalidArgError     FsError = FsError(int(unix.EINVAL))    // Invalid argument
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))    // Math result not representable
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP))   // Operation not supported
	NoDataError         FsError = FsError(int(unix.ENODATA))   // No data available
	CanceledError       FsError = FsError(int(unix.ECANCELED)) // Operation canceled
	NotImplementedError FsError = FsError(int(unix.ENOSYS))    // Function not implemented
	TimedOutError       FsError = FsError(int(unix.ETIMEDOUT)) // Connection timed out
)

// Errors that map to constants already defined above
const (
	QuotaOffError      FsError = NotFoundError // Quota accounting not enabled
	InvalidClassError  FsError = InvalidArgError
	RecordReadError    FsError = IOError
	ExtentLookupError  FsError = IOError
	ScrubHaltedError   FsError = CanceledError // Scrub stopped after corruption was recorded
	LockBusyError      FsError = TryAgainError
	CorruptRecordError FsError = IOError
)

// SuccessError is the success FsError (sounds odd, no?)
const SuccessError FsError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// NewError creates a new merry/fault.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add errno detail to a Go error.
//
// NOTE: Checks whether the error value has already been set; note that by
//       default merry will replace the old value with the new one.
func AddError(e error, errValue FsError) error {
	if e == nil {
		// The caller obviously intends to make this a non-nil error, so
		// create one even though messing with a nil error is suspect.
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	// For now, check and log if an errno has already been added to this
	// error, to help debug the cases where that was not intentional.
	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts the errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error string annotated with the errno value, if set.
func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks whether an error matches a particular FsError.
//
// NOTE: Because the underlying errno value is used for the check, this API
//       cannot distinguish between FsErrors sharing an errno value (e.g.
//       QuotaOffError vs NotFoundError).
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks whether an error is NOT a particular FsError.
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks whether an error is the success FsError.
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks whether an error is NOT the success FsError.
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the
// error. Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including the
// stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
