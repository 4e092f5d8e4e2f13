// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is the error type for every failure surfaced by the node, mount and
// resolution layers. Each value carries the POSIX errno it maps onto at the
// syscall boundary.
type Error struct {
	name  string
	errno unix.Errno
}

func (e *Error) Error() string { return e.name }

// Errno returns the POSIX error number for e.
func (e *Error) Errno() unix.Errno { return e.errno }

var (
	ErrNotFound              = &Error{"no such file or directory", unix.ENOENT}
	ErrNotADirectory         = &Error{"not a directory", unix.ENOTDIR}
	ErrIsADirectory          = &Error{"is a directory", unix.EISDIR}
	ErrAlreadyExists         = &Error{"file exists", unix.EEXIST}
	ErrNotEmpty              = &Error{"directory not empty", unix.ENOTEMPTY}
	ErrNotSupported          = &Error{"operation not supported", unix.ENOSYS}
	ErrCrossDevice           = &Error{"cross-device link", unix.EXDEV}
	ErrBusy                  = &Error{"device or resource busy", unix.EBUSY}
	ErrTooManySymlinks       = &Error{"too many levels of symbolic links", unix.ELOOP}
	ErrUnknownFilesystemType = &Error{"unknown filesystem type", unix.ENODEV}
	ErrFilesystemTypeExists  = &Error{"filesystem type already registered", unix.EEXIST}
	ErrPermissionDenied      = &Error{"permission denied", unix.EACCES}
	ErrReadOnly              = &Error{"read-only file system", unix.EROFS}
	ErrInvalid               = &Error{"invalid argument", unix.EINVAL}
	ErrNoSpace               = &Error{"no space left on device", unix.ENOSPC}
	ErrFileTooLarge          = &Error{"file too large", unix.EFBIG}
	ErrBadHandle             = &Error{"bad file descriptor", unix.EBADF}
	ErrInterrupted           = &Error{"interrupted system call", unix.EINTR}
	ErrNoDevice              = &Error{"no such device", unix.ENODEV}
	ErrIO                    = &Error{"input/output error", unix.EIO}
	ErrConnectionLost        = &Error{"connection lost", unix.ECONNABORTED}
	ErrConnectionClosed      = &Error{"connection closed", unix.ENOTCONN}
	ErrTimeout               = &Error{"timed out", unix.ETIMEDOUT}
)

// byErrno is consulted by FromErrno. Several sentinels share an errno
// (ENODEV, EEXIST); the first listed wins the reverse mapping.
var byErrno = func() map[unix.Errno]*Error {
	m := make(map[unix.Errno]*Error)
	for _, e := range []*Error{
		ErrNotFound, ErrNotADirectory, ErrIsADirectory, ErrAlreadyExists,
		ErrNotEmpty, ErrNotSupported, ErrCrossDevice, ErrBusy,
		ErrTooManySymlinks, ErrNoDevice, ErrPermissionDenied, ErrReadOnly,
		ErrInvalid, ErrNoSpace, ErrFileTooLarge, ErrBadHandle, ErrInterrupted, ErrIO,
		ErrConnectionLost, ErrConnectionClosed, ErrTimeout,
	} {
		if _, ok := m[e.errno]; !ok {
			m[e.errno] = e
		}
	}
	m[unix.EPERM] = ErrPermissionDenied
	m[unix.EOPNOTSUPP] = ErrNotSupported
	return m
}()

// ErrnoOf returns the POSIX errno err maps onto. Errors that carry no errno,
// directly or through wrapping, map onto EIO. A nil error maps onto 0.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e interface{ Errno() unix.Errno }
	if errors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// FromErrno returns the sentinel error for errno, used when translating
// replies from a remote backend. Unknown errnos are wrapped so that ErrnoOf
// still recovers them.
func FromErrno(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	if e, ok := byErrno[errno]; ok {
		return e
	}
	return &Error{name: fmt.Sprintf("errno %d (%s)", int(errno), errno.Error()), errno: errno}
}

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *PathError) Unwrap() error { return e.Err }
