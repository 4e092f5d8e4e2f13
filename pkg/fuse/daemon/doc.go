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

// Package daemon is the user-space side of the FUSE protocol: it reads
// requests from a FUSE device and writes replies to it.
//
// There are two approaches to writing a daemon. The first is to speak
// the low-level message protocol, reading from a Conn using ReadRequest and
// writing using the various Respond methods. This approach is closest to
// the actual interaction with the kernel and suits scripted daemons in
// tests.
//
// The second is Serve, which exports any vfs.Filesystem. It allocates node
// IDs, keeps the lookup count the kernel holds for each and drops a node
// once FORGETs bring the count to zero. Open handles live in a table keyed
// by the handle ID sent back in OPEN replies.
//
// Errors
//
// The FUSE interface can only communicate POSIX errno error numbers. An
// error is sent as the errno vfs.ErrnoOf maps it onto, EIO for errors
// that carry none.
//
// Interrupted Operations
//
// Each request served by Serve runs with its own context. An INTERRUPT
// for the request cancels that context, and a handler that gives up
// because of it is answered with EINTR.
package daemon
