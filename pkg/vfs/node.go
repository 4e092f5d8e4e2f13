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
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// FileType is the kind of a filesystem object. A node's type is fixed at
// creation.
type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDir
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeCharDevice:
		return "chardev"
	case TypeBlockDevice:
		return "blockdev"
	case TypeFIFO:
		return "fifo"
	case TypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Mode returns the S_IFMT bits for t.
func (t FileType) Mode() uint32 {
	switch t {
	case TypeRegular:
		return unix.S_IFREG
	case TypeDir:
		return unix.S_IFDIR
	case TypeSymlink:
		return unix.S_IFLNK
	case TypeCharDevice:
		return unix.S_IFCHR
	case TypeBlockDevice:
		return unix.S_IFBLK
	case TypeFIFO:
		return unix.S_IFIFO
	case TypeSocket:
		return unix.S_IFSOCK
	default:
		return 0
	}
}

// FileTypeFromMode extracts the file type from the S_IFMT bits of mode.
func FileTypeFromMode(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDir
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFCHR:
		return TypeCharDevice
	case unix.S_IFBLK:
		return TypeBlockDevice
	case unix.S_IFIFO:
		return TypeFIFO
	case unix.S_IFSOCK:
		return TypeSocket
	default:
		return TypeUnknown
	}
}

// PermMask covers the permission, setuid, setgid and sticky bits.
const PermMask = 07777

// Attr holds the attributes of a node.
type Attr struct {
	Ino       uint64
	Type      FileType
	Perm      uint32 // Permission bits, see PermMask
	Size      uint64
	Blocks    uint64 // 512-byte units
	BlockSize uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// Mode returns the combined type and permission bits, as in st_mode.
func (a Attr) Mode() uint32 { return a.Type.Mode() | (a.Perm & PermMask) }

// SetAttrMask selects which fields of a SetAttr request apply.
type SetAttrMask uint32

const (
	SetMode SetAttrMask = 1 << iota
	SetUid
	SetGid
	SetSize
	SetAtime
	SetMtime
)

// SetAttr describes an attribute mutation. Only the fields selected by Valid
// are applied.
type SetAttr struct {
	Valid SetAttrMask
	Perm  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// Apply applies the selected fields of s to a. Size changes are the
// caller's responsibility since they touch file content.
func (s SetAttr) Apply(a *Attr, now time.Time) {
	if s.Valid&SetMode != 0 {
		a.Perm = s.Perm & PermMask
	}
	if s.Valid&SetUid != 0 {
		a.Uid = s.Uid
	}
	if s.Valid&SetGid != 0 {
		a.Gid = s.Gid
	}
	if s.Valid&SetSize != 0 {
		a.Size = s.Size
		a.Mtime = now
	}
	if s.Valid&SetAtime != 0 {
		a.Atime = s.Atime
	}
	if s.Valid&SetMtime != 0 {
		a.Mtime = s.Mtime
	}
	a.Ctime = now
}

// Dirent is a single directory entry. Next is the cursor to pass to ReadDir
// to continue after this entry.
type Dirent struct {
	Name string
	Type FileType
	Ino  uint64
	Next uint64
}

// Node is a filesystem object. Every concrete filesystem implements Node for
// its files, directories, symlinks and devices; the mount layer and the path
// resolver depend on nothing else.
//
// Directory nodes resolve "." to themselves and ".." to their parent; the
// root of a filesystem resolves ".." to itself. Operations that only make
// sense on directories fail with ErrNotADirectory on other types, and
// filesystems that lack a capability return ErrNotSupported.
type Node interface {
	// Filesystem returns the instance that owns the node.
	Filesystem() Filesystem
	// Ino returns the node's inode number, unique within its filesystem.
	Ino() uint64
	// Type returns the node's file type, fixed at creation.
	Type() FileType

	Attr(ctx context.Context) (Attr, error)
	SetAttr(ctx context.Context, s SetAttr) (Attr, error)

	Lookup(ctx context.Context, name string) (Node, error)
	Create(ctx context.Context, name string, perm uint32) (Node, error)
	Mkdir(ctx context.Context, name string, perm uint32) (Node, error)
	Mknod(ctx context.Context, name string, typ FileType, perm, rdev uint32) (Node, error)
	Symlink(ctx context.Context, name, target string) (Node, error)
	Readlink(ctx context.Context) (string, error)
	Unlink(ctx context.Context, name string) error
	Rmdir(ctx context.Context, name string) error
	// Rename moves the entry name in this directory to newName in newDir.
	// newDir must belong to the same filesystem instance, otherwise the
	// call fails with ErrCrossDevice.
	Rename(ctx context.Context, name string, newDir Node, newName string) error

	// ReadAt reads from a regular file. Reads at or beyond the end of the
	// file return 0 bytes and no error.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// WriteAt writes to a regular file; writing past the end grows the file,
	// zero-filling any gap.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadDir returns at most count entries following cursor, in an order
	// that is stable absent intervening mutation. A cursor of 0 starts at the
	// beginning; an empty result marks the end of the directory.
	ReadDir(ctx context.Context, cursor uint64, count int) ([]Dirent, error)
}

// Handle is an open file description.
type Handle interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	ReadDir(ctx context.Context, cursor uint64, count int) ([]Dirent, error)
	Release(ctx context.Context) error
}

// OpenFlags are the access flags a node is opened with.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenExclusive
	OpenTruncate
	OpenAppend
	OpenDirectory
)

func (f OpenFlags) Writable() bool { return f&(OpenWrite|OpenAppend|OpenTruncate) != 0 }

// Opener is implemented by nodes that keep per-open state (remote file
// handles, for instance). Nodes that don't are opened through NodeHandle.
type Opener interface {
	Open(ctx context.Context, flags OpenFlags) (Handle, error)
}

// NodeHandle returns a Handle that forwards to n directly.
func NodeHandle(n Node) Handle { return nodeHandle{n} }

type nodeHandle struct{ n Node }

func (h nodeHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return h.n.ReadAt(ctx, p, off)
}

func (h nodeHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return h.n.WriteAt(ctx, p, off)
}

func (h nodeHandle) ReadDir(ctx context.Context, cursor uint64, count int) ([]Dirent, error) {
	return h.n.ReadDir(ctx, cursor, count)
}

func (h nodeHandle) Release(context.Context) error { return nil }

// OpenNode opens n, through Opener when n implements it.
func OpenNode(ctx context.Context, n Node, flags OpenFlags) (Handle, error) {
	if o, ok := n.(Opener); ok {
		return o.Open(ctx, flags)
	}
	return NodeHandle(n), nil
}

// Filesystem is one filesystem instance, rooted at exactly one node.
type Filesystem interface {
	// Name returns the type name the instance was registered under.
	Name() string
	Root() Node
}

// Unmounter is implemented by filesystems that need to be told when their
// last mount goes away.
type Unmounter interface {
	Unmount(ctx context.Context) error
}

// Superblock carries the per-instance state common to concrete filesystems.
// It is meant to be embedded.
type Superblock struct {
	nodes int64
}

// NodeAllocated records the allocation of a node.
func (s *Superblock) NodeAllocated() { atomic.AddInt64(&s.nodes, 1) }

// NodeFreed records that a node has been released.
func (s *Superblock) NodeFreed() { atomic.AddInt64(&s.nodes, -1) }

// LiveNodes returns the number of nodes allocated and not yet freed.
func (s *Superblock) LiveNodes() int64 { return atomic.LoadInt64(&s.nodes) }

// ReadDirAll reads every entry of directory n.
func ReadDirAll(ctx context.Context, n Node) ([]Dirent, error) {
	var all []Dirent
	s := NewDirStream(n)
	for {
		d, ok := s.Next(ctx)
		if !ok {
			break
		}
		all = append(all, d)
	}
	return all, s.Err()
}

// DirStream lazily iterates over a directory, fetching entries in batches.
type DirStream struct {
	r interface {
		ReadDir(ctx context.Context, cursor uint64, count int) ([]Dirent, error)
	}
	cursor uint64
	buf    []Dirent
	done   bool
	err    error
}

const dirStreamBatch = 64

// NewDirStream returns a stream positioned at the start of dir.
func NewDirStream(dir Node) *DirStream { return &DirStream{r: dir} }

// NewHandleDirStream returns a stream reading through an open handle.
func NewHandleDirStream(h Handle) *DirStream { return &DirStream{r: h} }

// Next returns the next entry. It returns false at the end of the directory
// or on error; check Err to tell them apart.
func (s *DirStream) Next(ctx context.Context) (Dirent, bool) {
	if len(s.buf) == 0 {
		if s.done {
			return Dirent{}, false
		}
		ents, err := s.r.ReadDir(ctx, s.cursor, dirStreamBatch)
		if err != nil {
			s.err, s.done = err, true
			return Dirent{}, false
		}
		if len(ents) == 0 {
			s.done = true
			return Dirent{}, false
		}
		s.buf = ents
	}
	d := s.buf[0]
	s.buf = s.buf[1:]
	s.cursor = d.Next
	return d, true
}

// Cursor returns the position after the last entry returned by Next.
func (s *DirStream) Cursor() uint64 { return s.cursor }

// Err returns the error, if any, that ended the stream.
func (s *DirStream) Err() error { return s.err }
