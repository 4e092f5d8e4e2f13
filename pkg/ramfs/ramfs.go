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

// Package ramfs implements an in-memory filesystem. Directory entries are
// kept in B-trees ordered by name, which gives readdir a stable order and a
// positional cursor.
package ramfs

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/kurafs/mountfs/pkg/vfs"
)

const (
	// TypeName is the name ramfs registers under; it is also available as
	// "tmpfs".
	TypeName = "ramfs"

	rootIno      = 1
	btreeDegree  = 16
	maxNameLen   = 255
	blockSize    = 4096
	defaultPerms = 0755
)

// Config configures a new FS.
type Config struct {
	Perm uint32 // Permissions of the root directory
	Uid  uint32
	Gid  uint32

	// SizeLimit caps the bytes of file content the instance holds; writes
	// beyond it fail with vfs.ErrNoSpace. Zero means no limit.
	SizeLimit uint64
}

// FS is an in-memory filesystem instance.
type FS struct {
	vfs.Superblock

	name  string
	limit uint64
	used  int64 // Bytes of file content, accessed atomically.

	nextIno uint64 // Accessed atomically.

	// mu guards the directory structure: entries, parent pointers and link
	// counts. It is acquired before any node's mutex.
	mu   sync.RWMutex
	root *node
}

var _ vfs.Filesystem = (*FS)(nil)

// New returns an empty filesystem.
func New(cfg Config) *FS {
	return newFS(TypeName, cfg)
}

func newFS(name string, cfg Config) *FS {
	if cfg.Perm == 0 {
		cfg.Perm = defaultPerms
	}
	fs := &FS{name: name, limit: cfg.SizeLimit, nextIno: rootIno}
	fs.root = fs.newNode(vfs.TypeDir, cfg.Perm, cfg.Uid, cfg.Gid)
	fs.root.ino = rootIno
	fs.root.parent = fs.root
	fs.root.attr.Nlink = 2
	return fs
}

// Register adds the ramfs and tmpfs types to r. Both accept the mode, uid,
// gid and size mount options.
func Register(r *vfs.Registry) error {
	for _, name := range []string{TypeName, "tmpfs"} {
		name := name
		err := r.Register(name, func(ctx context.Context, data *vfs.MountData) (vfs.Filesystem, error) {
			cfg, err := configFromOptions(data.Options)
			if err != nil {
				return nil, err
			}
			return newFS(name, cfg), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func configFromOptions(opts vfs.Options) (Config, error) {
	var cfg Config
	perm, err := opts.Uint("mode", 8, defaultPerms)
	if err != nil {
		return cfg, err
	}
	uid, err := opts.Uint("uid", 10, 0)
	if err != nil {
		return cfg, err
	}
	gid, err := opts.Uint("gid", 10, 0)
	if err != nil {
		return cfg, err
	}
	size, err := opts.Size("size", 0)
	if err != nil {
		return cfg, err
	}
	cfg.Perm, cfg.Uid, cfg.Gid, cfg.SizeLimit = uint32(perm), uint32(uid), uint32(gid), size
	return cfg, nil
}

func (fs *FS) Name() string   { return fs.name }
func (fs *FS) Root() vfs.Node { return fs.root }

// Used returns the number of content bytes held by the instance.
func (fs *FS) Used() uint64 { return uint64(atomic.LoadInt64(&fs.used)) }

func (fs *FS) newNode(typ vfs.FileType, perm, uid, gid uint32) *node {
	now := time.Now()
	n := &node{
		fs:  fs,
		ino: atomic.AddUint64(&fs.nextIno, 1),
		attr: vfs.Attr{
			Type:      typ,
			Perm:      perm & vfs.PermMask,
			Nlink:     1,
			Uid:       uid,
			Gid:       gid,
			BlockSize: blockSize,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
		},
	}
	if typ == vfs.TypeDir {
		n.entries = btree.New(btreeDegree)
		n.attr.Nlink = 2
	}
	fs.NodeAllocated()
	return n
}

// reserve accounts for delta bytes of content, failing if that would exceed
// the size limit.
func (fs *FS) reserve(delta int64) error {
	if delta <= 0 {
		atomic.AddInt64(&fs.used, delta)
		return nil
	}
	for {
		used := atomic.LoadInt64(&fs.used)
		if fs.limit != 0 && uint64(used+delta) > fs.limit {
			return vfs.ErrNoSpace
		}
		if atomic.CompareAndSwapInt64(&fs.used, used, used+delta) {
			return nil
		}
	}
}

// dirent is a directory entry as stored in a directory's B-tree.
type dirent struct {
	name  string
	child *node
}

func (d *dirent) Less(than btree.Item) bool { return d.name < than.(*dirent).name }

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.IndexByte(name, '/') >= 0 {
		return vfs.ErrInvalid
	}
	if len(name) > maxNameLen {
		return vfs.ErrInvalid
	}
	return nil
}
