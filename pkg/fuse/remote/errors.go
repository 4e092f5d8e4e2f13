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

package remote

import (
	"context"
	"errors"
	"io"

	"github.com/kurafs/mountfs/pkg/vfs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeErrors = []struct {
	err  error
	code codes.Code
}{
	{vfs.ErrNotFound, codes.NotFound},
	{vfs.ErrAlreadyExists, codes.AlreadyExists},
	{vfs.ErrPermissionDenied, codes.PermissionDenied},
	{vfs.ErrReadOnly, codes.PermissionDenied},
	{vfs.ErrInvalid, codes.InvalidArgument},
	{vfs.ErrNotADirectory, codes.FailedPrecondition},
	{vfs.ErrBusy, codes.FailedPrecondition},
	{vfs.ErrUnknownFilesystemType, codes.Unimplemented},
	{vfs.ErrNotSupported, codes.Unimplemented},
	{vfs.ErrNoSpace, codes.ResourceExhausted},
	{vfs.ErrFileTooLarge, codes.OutOfRange},
	{vfs.ErrTimeout, codes.DeadlineExceeded},
	{vfs.ErrInterrupted, codes.Canceled},
	{vfs.ErrConnectionClosed, codes.Unavailable},
	{vfs.ErrConnectionLost, codes.Unavailable},
}

// statusError converts err into a gRPC status error.
func statusError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts a status error from the server back into the vfs
// error it most likely came from.
func fromStatus(err error) error {
	switch err {
	case nil, io.EOF:
		return err
	case context.Canceled:
		return vfs.ErrInterrupted
	case context.DeadlineExceeded:
		return vfs.ErrTimeout
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, ce := range codeErrors {
		if ce.code == st.Code() {
			return ce.err
		}
	}
	return vfs.ErrIO
}
