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
	"context"
	"io"
	"sync"
)

// File is an open file in a namespace. It keeps its mount busy until
// closed.
type File struct {
	name  string
	node  *MountNode
	h     Handle
	flags OpenFlags

	mu     sync.Mutex
	off    int64
	dir    *DirStream
	closed bool
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.name }

// Node returns the node the file refers to.
func (f *File) Node() *MountNode { return f.node }

func (f *File) check() error {
	if f.closed {
		return ErrBadHandle
	}
	return nil
}

// Read reads from the current offset. It returns io.EOF at the end of the
// file.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.flags&OpenRead == 0 {
		return 0, ErrBadHandle
	}
	n, err := f.h.ReadAt(ctx, p, f.off)
	f.off += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return n, err
}

// Write writes at the current offset, or at the end of the file if it was
// opened for appending.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.flags.Writable() {
		return 0, ErrBadHandle
	}
	if f.flags&OpenAppend != 0 {
		attr, err := f.node.Attr(ctx)
		if err != nil {
			return 0, err
		}
		f.off = int64(attr.Size)
	}
	n, err := f.h.WriteAt(ctx, p, f.off)
	f.off += int64(n)
	return n, err
}

// ReadAt reads at off without moving the file offset.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.h.ReadAt(ctx, p, off)
}

// WriteAt writes at off without moving the file offset.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.flags.Writable() {
		return 0, ErrBadHandle
	}
	return f.h.WriteAt(ctx, p, off)
}

// Seek sets the offset for the next Read or Write, as in io.Seeker.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.off
	case io.SeekEnd:
		attr, err := f.node.Attr(ctx)
		if err != nil {
			return 0, err
		}
		offset += int64(attr.Size)
	default:
		return 0, ErrInvalid
	}
	if offset < 0 {
		return 0, ErrInvalid
	}
	f.off = offset
	f.dir = nil
	return offset, nil
}

// ReadDir returns up to n further entries of the directory; n <= 0 reads
// all remaining entries.
func (f *File) ReadDir(ctx context.Context, n int) ([]Dirent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if f.node.Type() != TypeDir {
		return nil, ErrNotADirectory
	}
	if f.dir == nil {
		f.dir = NewHandleDirStream(f.h)
	}
	var ents []Dirent
	for n <= 0 || len(ents) < n {
		d, ok := f.dir.Next(ctx)
		if !ok {
			break
		}
		ents = append(ents, d)
	}
	return ents, f.dir.Err()
}

// Stat returns the file's attributes.
func (f *File) Stat(ctx context.Context) (Attr, error) {
	if err := f.check(); err != nil {
		return Attr{}, err
	}
	return f.node.Attr(ctx)
}

// Truncate changes the size of the file.
func (f *File) Truncate(ctx context.Context, size uint64) error {
	if !f.flags.Writable() {
		return ErrBadHandle
	}
	_, err := f.node.SetAttr(ctx, SetAttr{Valid: SetSize, Size: size})
	return err
}

// Close releases the handle and the mount it keeps busy.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrBadHandle
	}
	f.closed = true
	err := f.h.Release(context.Background())
	f.node.mnt.unpin()
	return err
}
