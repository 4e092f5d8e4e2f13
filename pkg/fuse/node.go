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

package fuse

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

// node is a daemon-backed node, identified by the node ID the daemon gave
// it in a lookup reply.
type node struct {
	fs  *FS
	id  uint64
	typ vfs.FileType

	// Guarded by fs.mu.
	nlookup  uint64
	handles  int
	parent   *node
	name     string
	unlinked bool

	linkMu sync.Mutex
	target string // Cached symlink target, under CACHE_SYMLINKS.
	cached bool
}

var _ vfs.Node = (*node)(nil)
var _ vfs.Opener = (*node)(nil)

func (n *node) Filesystem() vfs.Filesystem { return n.fs }
func (n *node) Ino() uint64                { return n.id }
func (n *node) Type() vfs.FileType         { return n.typ }

func (n *node) call(ctx context.Context, op wire.Opcode, args ...interface{}) ([]byte, error) {
	return n.fs.conn.call(ctx, n.fs.header(op, n), args...)
}

func attrReply(payload []byte) (vfs.Attr, error) {
	var out wire.AttrOut
	if _, err := wire.Unmarshal(payload, &out); err != nil {
		return vfs.Attr{}, err
	}
	return out.Attr.VFS(), nil
}

func (n *node) Attr(ctx context.Context) (vfs.Attr, error) {
	payload, err := n.call(ctx, wire.OpGetattr, &wire.GetattrIn{})
	if err != nil {
		return vfs.Attr{}, err
	}
	return attrReply(payload)
}

func (n *node) SetAttr(ctx context.Context, s vfs.SetAttr) (vfs.Attr, error) {
	in := wire.SetattrFrom(s)
	payload, err := n.call(ctx, wire.OpSetattr, &in)
	if err != nil {
		return vfs.Attr{}, err
	}
	return attrReply(payload)
}

func (n *node) dir() error {
	if n.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	return nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.IndexByte(name, '/') >= 0 ||
		strings.IndexByte(name, 0) >= 0 {
		return vfs.ErrInvalid
	}
	return nil
}

func (n *node) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	if err := n.dir(); err != nil {
		return nil, err
	}
	switch name {
	case ".":
		return n, nil
	case "..":
		n.fs.mu.Lock()
		parent := n.parent
		n.fs.mu.Unlock()
		if parent == nil {
			return n, nil
		}
		return parent, nil
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	payload, err := n.call(ctx, wire.OpLookup, name)
	if err != nil {
		return nil, err
	}
	return n.fs.entry(n, name, payload)
}

// mk runs an entry-creating request for name.
func (n *node) mk(ctx context.Context, op wire.Opcode, name string, args ...interface{}) (vfs.Node, error) {
	if err := n.dir(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	payload, err := n.call(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	return n.fs.entry(n, name, payload)
}

// Create creates a regular file with CREATE, falling back to MKNOD for
// daemons that do not implement it. The handle CREATE opens is released
// straight away.
func (n *node) Create(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	if err := n.dir(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	if !flag(&n.fs.noCreate) {
		in := wire.CreateIn{
			Flags: unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL,
			Mode:  unix.S_IFREG | perm&vfs.PermMask,
		}
		payload, err := n.call(ctx, wire.OpCreate, &in, name)
		switch {
		case err == nil:
			c, err := n.fs.entry(n, name, payload)
			if err != nil {
				return nil, err
			}
			var open wire.OpenOut
			if _, err := wire.Unmarshal(payload[wire.EntryOutSize:], &open); err != nil {
				return nil, err
			}
			h := &handle{n: c, fh: open.Fh, flags: in.Flags}
			c.opened()
			if err := h.Release(ctx); err != nil {
				n.fs.logger.Warnf("releasing handle of created %s: %v", name, err)
			}
			return c, nil
		case errors.Is(err, vfs.ErrNotSupported):
			n.fs.logger.Infof("CREATE not implemented, using MKNOD")
			setFlag(&n.fs.noCreate)
		default:
			return nil, err
		}
	}
	return n.Mknod(ctx, name, vfs.TypeRegular, perm, 0)
}

func (n *node) Mkdir(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.mk(ctx, wire.OpMkdir, name, &wire.MkdirIn{Mode: unix.S_IFDIR | perm&vfs.PermMask}, name)
}

func (n *node) Mknod(ctx context.Context, name string, typ vfs.FileType, perm, rdev uint32) (vfs.Node, error) {
	switch typ {
	case vfs.TypeDir, vfs.TypeSymlink, vfs.TypeUnknown:
		return nil, vfs.ErrInvalid
	}
	return n.mk(ctx, wire.OpMknod, name, &wire.MknodIn{Mode: typ.Mode() | perm&vfs.PermMask, Rdev: rdev}, name)
}

func (n *node) Symlink(ctx context.Context, name, target string) (vfs.Node, error) {
	if target == "" {
		return nil, vfs.ErrInvalid
	}
	return n.mk(ctx, wire.OpSymlink, name, name, target)
}

// Readlink returns the link target. Targets are cached once read when the
// daemon negotiated CACHE_SYMLINKS.
func (n *node) Readlink(ctx context.Context) (string, error) {
	if n.typ != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	cache := n.fs.conn.Flags()&wire.InitCacheSymlinks != 0
	if cache {
		n.linkMu.Lock()
		defer n.linkMu.Unlock()
		if n.cached {
			return n.target, nil
		}
	}
	payload, err := n.call(ctx, wire.OpReadlink)
	if err != nil {
		return "", err
	}
	if cache {
		n.target, n.cached = string(payload), true
	}
	return string(payload), nil
}

func (n *node) remove(ctx context.Context, op wire.Opcode, name string) error {
	if err := n.dir(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		if name == "." {
			return vfs.ErrInvalid
		}
		return err
	}
	if _, err := n.call(ctx, op, name); err != nil {
		return err
	}
	n.fs.removed(n, name)
	return nil
}

func (n *node) Unlink(ctx context.Context, name string) error {
	return n.remove(ctx, wire.OpUnlink, name)
}

func (n *node) Rmdir(ctx context.Context, name string) error {
	return n.remove(ctx, wire.OpRmdir, name)
}

// Rename moves an entry between directories of the same mount. Anything
// else is a cross-device rename.
func (n *node) Rename(ctx context.Context, name string, newDir vfs.Node, newName string) error {
	dst, ok := newDir.(*node)
	if !ok || dst.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	if err := n.dir(); err != nil {
		return err
	}
	if err := dst.dir(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}
	if _, err := n.call(ctx, wire.OpRename, &wire.RenameIn{Newdir: dst.id}, name, newName); err != nil {
		return err
	}
	n.fs.renamed(n, name, dst, newName)
	return nil
}

func (n *node) opened() {
	n.fs.mu.Lock()
	n.handles++
	n.fs.mu.Unlock()
}

func (n *node) closed() {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	n.handles--
	n.fs.release(n)
}

// Open opens the node with OPEN or OPENDIR. Once the daemon has answered
// ENOSYS under NO_OPEN_SUPPORT (NO_OPENDIR_SUPPORT for directories), opens
// and releases no longer reach it.
func (n *node) Open(ctx context.Context, flags vfs.OpenFlags) (vfs.Handle, error) {
	op, support, skip := wire.OpOpen, wire.InitNoOpenSupport, &n.fs.noOpen
	if n.typ == vfs.TypeDir {
		op, support, skip = wire.OpOpendir, wire.InitNoOpendirSupport, &n.fs.noOpendir
		flags &^= vfs.OpenTruncate | vfs.OpenCreate | vfs.OpenExclusive
	}
	in := wire.OpenIn{Flags: wire.OpenFlags(flags) &^ (unix.O_CREAT | unix.O_EXCL)}
	h := &handle{n: n, flags: in.Flags, dir: n.typ == vfs.TypeDir}
	if flag(skip) {
		h.stateless = true
		n.opened()
		return h, nil
	}
	payload, err := n.call(ctx, op, &in)
	switch {
	case err == nil:
		var out wire.OpenOut
		if _, err := wire.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
		h.fh = out.Fh
	case errors.Is(err, vfs.ErrNotSupported) && n.fs.conn.Flags()&support != 0:
		n.fs.logger.Infof("%v not implemented, handles are stateless", op)
		setFlag(skip)
		h.stateless = true
	default:
		return nil, err
	}
	n.opened()
	return h, nil
}

// withHandle runs fn against a temporary handle.
func (n *node) withHandle(ctx context.Context, flags vfs.OpenFlags, fn func(h vfs.Handle) error) error {
	h, err := n.Open(ctx, flags)
	if err != nil {
		return err
	}
	err = fn(h)
	if rerr := h.Release(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (n *node) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	switch n.typ {
	case vfs.TypeRegular:
	case vfs.TypeDir:
		return 0, vfs.ErrIsADirectory
	default:
		return 0, vfs.ErrInvalid
	}
	var read int
	err := n.withHandle(ctx, vfs.OpenRead, func(h vfs.Handle) (err error) {
		read, err = h.ReadAt(ctx, p, off)
		return err
	})
	return read, err
}

func (n *node) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	switch n.typ {
	case vfs.TypeRegular:
	case vfs.TypeDir:
		return 0, vfs.ErrIsADirectory
	default:
		return 0, vfs.ErrInvalid
	}
	var written int
	err := n.withHandle(ctx, vfs.OpenWrite, func(h vfs.Handle) (err error) {
		written, err = h.WriteAt(ctx, p, off)
		return err
	})
	return written, err
}

func (n *node) ReadDir(ctx context.Context, cursor uint64, count int) ([]vfs.Dirent, error) {
	if err := n.dir(); err != nil {
		return nil, err
	}
	var ents []vfs.Dirent
	err := n.withHandle(ctx, vfs.OpenRead|vfs.OpenDirectory, func(h vfs.Handle) (err error) {
		ents, err = h.ReadDir(ctx, cursor, count)
		return err
	})
	return ents, err
}
