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

// Package fuse implements the kernel side of the FUSE protocol as a vfs
// filesystem type.
//
// A daemon opens a descriptor from a DeviceTable and mounts the "fuse" type
// with the fd=N option. The mount queues an INIT request; every other
// operation waits until the daemon has answered it. From then on each vfs
// operation on the mount becomes one or more requests the daemon reads
// from its descriptor and answers by writing a reply with the same unique
// ID.
//
// Lookup counts
//
// Every successful LOOKUP, CREATE, MKNOD, MKDIR or SYMLINK reply adds one to
// the lookup count of the returned node. The count is handed back with a
// FORGET once the node is unlinked and no longer open, and for every node
// still known at unmount, before DESTROY is sent.
//
// Interrupts
//
// When the context of an operation is cancelled the caller gets
// vfs.ErrInterrupted straight away. A request already read by the daemon
// is followed by an INTERRUPT naming it; a late reply to it is discarded.
//
// Connection loss
//
// Closing the last descriptor of a mounted connection aborts it: pending
// and future requests fail with vfs.ErrConnectionLost until the mount is
// unmounted.
package fuse
