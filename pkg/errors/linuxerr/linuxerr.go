// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	stderrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// Since the types are distinct (these are *errors.Error) they are not directly
// comparable; the Errno method returns a unix.Errno such that
// EPERM.Errno() == unix.EPERM. Converting a unix.Errno to these errors is done
// with ToError.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	ENXIO                 = errors.New(unix.ENXIO, "no such device or address")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	ENOTBLK               = errors.New(unix.ENOTBLK, "block device required")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EXDEV                 = errors.New(unix.EXDEV, "cross-device link")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	ENOTDIR               = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR                = errors.New(unix.EISDIR, "is a directory")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                = errors.New(unix.ENFILE, "file table overflow")
	EMFILE                = errors.New(unix.EMFILE, "too many open files")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ESPIPE                = errors.New(unix.ESPIPE, "illegal seek")
	EROFS                 = errors.New(unix.EROFS, "read-only file system")
	EMLINK                = errors.New(unix.EMLINK, "too many links")
	ENAMETOOLONG          = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	ENOTEMPTY             = errors.New(unix.ENOTEMPTY, "directory not empty")
	ELOOP                 = errors.New(unix.ELOOP, "too many symbolic links encountered")
	ENODATA               = errors.New(unix.ENODATA, "no data available")
	EOVERFLOW             = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	EOPNOTSUPP            = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
	ESTALE                = errors.New(unix.ESTALE, "stale file handle")
	EDQUOT                = errors.New(unix.EDQUOT, "quota exceeded")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
	ENOTSUP     = EOPNOTSUPP
)

// errorMap holds errors by errno for translation between unix.Errno and
// *errors.Error.
var errorMap = func() map[unix.Errno]*errors.Error {
	m := make(map[unix.Errno]*errors.Error)
	for _, e := range []*errors.Error{
		EPERM, ENOENT, EINTR, EIO, ENXIO, EBADF, EAGAIN, ENOMEM, EACCES,
		ENOTBLK, EBUSY, EEXIST, EXDEV, ENODEV, ENOTDIR, EISDIR, EINVAL,
		ENFILE, EMFILE, EFBIG, ENOSPC, ESPIPE, EROFS, EMLINK, ENAMETOOLONG,
		ENOSYS, ENOTEMPTY, ELOOP, ENODATA, EOVERFLOW, EOPNOTSUPP, ESTALE,
		EDQUOT,
	} {
		m[e.Errno()] = e
	}
	return m
}()

// byName holds the predefined errors by errno name, e.g. "ENOENT".
var byName = func() map[string]*errors.Error {
	m := make(map[string]*errors.Error, len(errorMap))
	for errno, e := range errorMap {
		m[unix.ErrnoName(errno)] = e
	}
	return m
}()

// FromName returns the predefined error named name, e.g. "ENOENT".
func FromName(name string) (*errors.Error, bool) {
	e, ok := byName[name]
	return e, ok
}

// Name returns the errno name of err, e.g. "ENOENT", or "" if err carries no
// errno. A nil error has no name.
func Name(err error) string {
	if errno, ok := ToUnixOK(err); ok && errno != 0 {
		return unix.ErrnoName(errno)
	}
	return ""
}

// ErrorFromUnix returns the *errors.Error for the given unix.Errno. Errnos
// without a predefined error get a freshly allocated one.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return noError
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a unix.Errno to an error; other errors pass through
// unchanged. A zero errno converts to nil.
func ToError(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		if errno == 0 {
			return nil
		}
		return ErrorFromUnix(errno)
	}
	return err
}

// ToUnix converts an *errors.Error to a unix.Errno.
func ToUnix(err *errors.Error) unix.Errno {
	if err == noError {
		return 0
	}
	return err.Errno()
}

// ToUnixOK converts err to a unix.Errno, reporting false if err carries no
// errno.
func ToUnixOK(err error) (unix.Errno, bool) {
	switch e := err.(type) {
	case nil:
		return 0, true
	case *errors.Error:
		return e.Errno(), true
	case unix.Errno:
		return e, true
	default:
		return 0, false
	}
}

// Equals compares a linuxerr to a given error. It returns true if both
// represent the same errno, whether err is an *errors.Error, a unix.Errno,
// or an error wrapping either.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError || e == nil
	}
	if e == nil {
		return false
	}
	switch v := err.(type) {
	case *errors.Error:
		return e == v || e.Errno() == v.Errno()
	case unix.Errno:
		return e.Errno() == v
	default:
		// Wrapped, as by fmt.Errorf("...: %w", err).
		var errno unix.Errno
		if stderrors.As(err, &errno) {
			return e.Errno() == errno
		}
		return stderrors.Is(err, e)
	}
}

// Describe returns a human readable rendering of err that includes the errno
// name, used in logs and CLI output.
func Describe(err error) string {
	if errno, ok := ToUnixOK(err); ok && errno != 0 {
		return fmt.Sprintf("%s (%s)", unix.ErrnoName(errno), err.Error())
	}
	return err.Error()
}
