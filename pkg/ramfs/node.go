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

package ramfs

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/kurafs/mountfs/pkg/vfs"
)

type node struct {
	fs  *FS
	ino uint64

	// Guarded by fs.mu.
	parent  *node
	entries *btree.BTree // Directories only

	mu     sync.RWMutex
	attr   vfs.Attr
	data   []byte // Regular files only
	target string // Symlinks only
}

var _ vfs.Node = (*node)(nil)

func (n *node) Filesystem() vfs.Filesystem { return n.fs }
func (n *node) Ino() uint64                { return n.ino }
func (n *node) Type() vfs.FileType         { return n.attr.Type }

func (n *node) Attr(ctx context.Context) (vfs.Attr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a := n.attr
	a.Ino = n.ino
	switch a.Type {
	case vfs.TypeRegular:
		a.Size = uint64(len(n.data))
	case vfs.TypeSymlink:
		a.Size = uint64(len(n.target))
	case vfs.TypeDir:
		a.Size = blockSize
	}
	a.Blocks = (a.Size + 511) / 512
	return a, nil
}

func (n *node) SetAttr(ctx context.Context, s vfs.SetAttr) (vfs.Attr, error) {
	if s.Valid&vfs.SetSize != 0 {
		if n.attr.Type == vfs.TypeDir {
			return vfs.Attr{}, vfs.ErrIsADirectory
		}
		if n.attr.Type != vfs.TypeRegular {
			return vfs.Attr{}, vfs.ErrInvalid
		}
		if s.Size > maxFileSize {
			return vfs.Attr{}, vfs.ErrFileTooLarge
		}
	}
	n.mu.Lock()
	if s.Valid&vfs.SetSize != 0 {
		if err := n.resize(int(s.Size)); err != nil {
			n.mu.Unlock()
			return vfs.Attr{}, err
		}
	}
	s.Apply(&n.attr, time.Now())
	n.mu.Unlock()
	return n.Attr(ctx)
}

// maxFileSize bounds file content, which is held in one slice.
const maxFileSize = math.MaxInt32

// resize sets the length of the file content. n.mu is held.
func (n *node) resize(size int) error {
	if err := n.fs.reserve(int64(size - len(n.data))); err != nil {
		return err
	}
	if size <= len(n.data) {
		n.data = n.data[:size]
		return nil
	}
	if size <= cap(n.data) {
		old := len(n.data)
		n.data = n.data[:size]
		for i := old; i < size; i++ {
			n.data[i] = 0
		}
		return nil
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (n *node) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	if n.attr.Type != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	n.fs.mu.RLock()
	defer n.fs.mu.RUnlock()
	switch name {
	case ".":
		return n, nil
	case "..":
		if n.parent == nil {
			return nil, vfs.ErrNotFound
		}
		return n.parent, nil
	}
	child := n.child(name)
	if child == nil {
		return nil, vfs.ErrNotFound
	}
	return child, nil
}

// child returns the entry name. fs.mu is held.
func (n *node) child(name string) *node {
	item := n.entries.Get(&dirent{name: name})
	if item == nil {
		return nil
	}
	return item.(*dirent).child
}

// link adds a new entry for typ under n. It returns the created node.
func (n *node) link(name string, typ vfs.FileType, perm uint32, init func(*node)) (vfs.Node, error) {
	if n.attr.Type != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.child(name) != nil {
		return nil, vfs.ErrAlreadyExists
	}
	if n.parent == nil {
		return nil, vfs.ErrNotFound // Removed directory.
	}

	n.mu.RLock()
	uid, gid := n.attr.Uid, n.attr.Gid
	n.mu.RUnlock()
	child := n.fs.newNode(typ, perm, uid, gid)
	child.parent = n
	if init != nil {
		init(child)
	}
	n.entries.ReplaceOrInsert(&dirent{name: name, child: child})

	n.mu.Lock()
	now := time.Now()
	n.attr.Mtime, n.attr.Ctime = now, now
	if typ == vfs.TypeDir {
		n.attr.Nlink++
	}
	n.mu.Unlock()
	return child, nil
}

func (n *node) Create(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.link(name, vfs.TypeRegular, perm, nil)
}

func (n *node) Mkdir(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.link(name, vfs.TypeDir, perm, nil)
}

func (n *node) Mknod(ctx context.Context, name string, typ vfs.FileType, perm, rdev uint32) (vfs.Node, error) {
	switch typ {
	case vfs.TypeDir, vfs.TypeSymlink, vfs.TypeUnknown:
		return nil, vfs.ErrInvalid
	}
	return n.link(name, typ, perm, func(c *node) { c.attr.Rdev = rdev })
}

func (n *node) Symlink(ctx context.Context, name, target string) (vfs.Node, error) {
	return n.link(name, vfs.TypeSymlink, 0777, func(c *node) { c.target = target })
}

func (n *node) Readlink(ctx context.Context) (string, error) {
	if n.attr.Type != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.target, nil
}

// unlinkChild removes the entry name from n. fs.mu is held for writing.
func (n *node) unlinkChild(name string, child *node) {
	n.entries.Delete(&dirent{name: name})
	now := time.Now()
	n.mu.Lock()
	n.attr.Mtime, n.attr.Ctime = now, now
	if child.attr.Type == vfs.TypeDir {
		n.attr.Nlink--
	}
	n.mu.Unlock()
	child.drop()
}

// drop releases the link a directory entry held on n. fs.mu is held.
func (n *node) drop() {
	n.mu.Lock()
	if n.attr.Type == vfs.TypeDir {
		n.attr.Nlink = 0
		n.parent = nil
	} else if n.attr.Nlink > 0 {
		n.attr.Nlink--
	}
	freed := n.attr.Nlink == 0
	n.attr.Ctime = time.Now()
	n.mu.Unlock()
	if freed {
		n.fs.NodeFreed()
	}
}

func (n *node) Unlink(ctx context.Context, name string) error {
	if n.attr.Type != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	child := n.child(name)
	if child == nil {
		return vfs.ErrNotFound
	}
	if child.attr.Type == vfs.TypeDir {
		return vfs.ErrIsADirectory
	}
	n.unlinkChild(name, child)
	return nil
}

func (n *node) Rmdir(ctx context.Context, name string) error {
	if n.attr.Type != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if name == "." {
		return vfs.ErrInvalid
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	child := n.child(name)
	if child == nil {
		return vfs.ErrNotFound
	}
	if child.attr.Type != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if child.entries.Len() > 0 {
		return vfs.ErrNotEmpty
	}
	n.unlinkChild(name, child)
	return nil
}

func (n *node) Rename(ctx context.Context, name string, newDir vfs.Node, newName string) error {
	dst, ok := newDir.(*node)
	if !ok || dst.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	if n.attr.Type != vfs.TypeDir || dst.attr.Type != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if err := validName(newName); err != nil {
		return err
	}

	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	src := n.child(name)
	if src == nil {
		return vfs.ErrNotFound
	}
	if dst.parent == nil {
		return vfs.ErrNotFound
	}
	if src.attr.Type == vfs.TypeDir {
		// A directory cannot move beneath itself.
		for p := dst; ; p = p.parent {
			if p == src {
				return vfs.ErrInvalid
			}
			if p == p.parent {
				break
			}
		}
	}

	if old := dst.child(newName); old != nil {
		if old == src {
			return nil
		}
		switch {
		case src.attr.Type == vfs.TypeDir && old.attr.Type != vfs.TypeDir:
			return vfs.ErrNotADirectory
		case src.attr.Type != vfs.TypeDir && old.attr.Type == vfs.TypeDir:
			return vfs.ErrIsADirectory
		case old.attr.Type == vfs.TypeDir && old.entries.Len() > 0:
			return vfs.ErrNotEmpty
		}
		dst.unlinkChild(newName, old)
	}

	n.entries.Delete(&dirent{name: name})
	dst.entries.ReplaceOrInsert(&dirent{name: newName, child: src})
	src.parent = dst

	now := time.Now()
	for _, d := range []*node{n, dst} {
		d.mu.Lock()
		d.attr.Mtime, d.attr.Ctime = now, now
		d.mu.Unlock()
	}
	if src.attr.Type == vfs.TypeDir && n != dst {
		n.mu.Lock()
		n.attr.Nlink--
		n.mu.Unlock()
		dst.mu.Lock()
		dst.attr.Nlink++
		dst.mu.Unlock()
	}
	src.mu.Lock()
	src.attr.Ctime = now
	src.mu.Unlock()
	return nil
}

func (n *node) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	switch n.attr.Type {
	case vfs.TypeRegular:
	case vfs.TypeDir:
		return 0, vfs.ErrIsADirectory
	default:
		return 0, vfs.ErrInvalid
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(p, n.data[off:]), nil
}

func (n *node) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	switch n.attr.Type {
	case vfs.TypeRegular:
	case vfs.TypeDir:
		return 0, vfs.ErrIsADirectory
	default:
		return 0, vfs.ErrInvalid
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	if off > maxFileSize-int64(len(p)) {
		return 0, vfs.ErrFileTooLarge
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if end := int(off) + len(p); end > len(n.data) {
		if err := n.resize(end); err != nil {
			return 0, err
		}
	}
	copy(n.data[off:], p)
	now := time.Now()
	n.attr.Mtime, n.attr.Ctime = now, now
	return len(p), nil
}

// ReadDir returns entries in name order. The cursor is the position of the
// next entry.
func (n *node) ReadDir(ctx context.Context, cursor uint64, count int) ([]vfs.Dirent, error) {
	if n.attr.Type != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	n.fs.mu.RLock()
	defer n.fs.mu.RUnlock()
	var ents []vfs.Dirent
	pos := uint64(0)
	n.entries.Ascend(func(i btree.Item) bool {
		pos++
		if pos <= cursor {
			return true
		}
		d := i.(*dirent)
		ents = append(ents, vfs.Dirent{Name: d.name, Type: d.child.attr.Type, Ino: d.child.ino, Next: pos})
		return count <= 0 || len(ents) < count
	})
	return ents, nil
}
