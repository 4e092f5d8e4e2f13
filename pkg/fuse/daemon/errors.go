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

package daemon

import (
	"errors"
	"fmt"

	"github.com/kurafs/mountfs/pkg/vfs"
)

// OldVersionError is returned by Init when the kernel speaks a protocol
// older than the library supports. The kernel is told EPROTO.
type OldVersionError struct {
	Kernel     Protocol
	LibraryMin Protocol
}

func (e *OldVersionError) Error() string {
	return fmt.Sprintf("kernel FUSE version is too old: %v < %v", e.Kernel, e.LibraryMin)
}

// ErrClosedWithoutInit is returned by Init when the device closes before
// the INIT request arrives.
var ErrClosedWithoutInit = errors.New("fuse connection closed without init")

// malformedError describes a request that could not be decoded.
type malformedError struct {
	Opcode fmt.Stringer
	Reason string
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("fuse: malformed %v request: %s", e.Opcode, e.Reason)
}

func (e *malformedError) Unwrap() error { return vfs.ErrInvalid }

// closed reports whether err means the kernel side has gone away.
func closed(err error) bool {
	return errors.Is(err, vfs.ErrConnectionClosed) || errors.Is(err, vfs.ErrConnectionLost) ||
		errors.Is(err, vfs.ErrNoDevice)
}
