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

package overlayfs

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/kurafs/mountfs/pkg/vfs"
)

// copyUp makes sure n exists in the upper layer, copying its ancestors
// first. Concurrent callers for the same node wait for a single copy.
func (n *node) copyUp(ctx context.Context) error {
	if n.fs.upper == nil {
		return vfs.ErrReadOnly
	}
	parent, name := n.location()
	if parent == nil {
		return nil // The root is backed by the upper directory itself.
	}
	if err := parent.copyUp(ctx); err != nil {
		return err
	}
	dir, _, _ := parent.layers()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.upper != nil {
		return nil
	}
	src := n.lower
	if src == nil {
		src = n.lowers[0]
	}
	upper, err := n.fs.stage(ctx, src, dir, name)
	if err != nil {
		n.fs.logger.Debugf("copy-up of %s failed: %v", name, err)
		return err
	}
	n.upper = upper
	atomic.AddInt64(&n.fs.copyUps, 1)
	n.fs.logger.Debugf("copied up %s (inode %d)", name, n.ino)
	return nil
}

// stage copies src into the upper directory dir as name. The copy is built
// under a temporary name, in the work directory if there is one, and renamed
// into place once complete; on failure the temporary entry is removed and
// the error returned as is.
func (fs *FS) stage(ctx context.Context, src, dir vfs.Node, name string) (vfs.Node, error) {
	attr, err := src.Attr(ctx)
	if err != nil {
		return nil, err
	}
	staging := dir
	if fs.work != nil {
		staging = fs.work
	}
	tmp := fs.stagingName()

	var staged vfs.Node
	switch attr.Type {
	case vfs.TypeDir:
		staged, err = staging.Mkdir(ctx, tmp, attr.Perm)
	case vfs.TypeRegular:
		staged, err = staging.Create(ctx, tmp, attr.Perm)
	case vfs.TypeSymlink:
		var target string
		if target, err = src.Readlink(ctx); err == nil {
			staged, err = staging.Symlink(ctx, tmp, target)
		}
	default:
		staged, err = staging.Mknod(ctx, tmp, attr.Type, attr.Perm, attr.Rdev)
	}
	if err != nil {
		return nil, err
	}

	rollback := func(err error) (vfs.Node, error) {
		var rerr error
		if attr.Type == vfs.TypeDir {
			rerr = staging.Rmdir(ctx, tmp)
		} else {
			rerr = staging.Unlink(ctx, tmp)
		}
		if rerr != nil && !errors.Is(rerr, vfs.ErrNotFound) {
			fs.logger.Errorf("removing staged copy %s: %v", tmp, rerr)
		}
		return nil, err
	}

	if attr.Type == vfs.TypeRegular {
		if err := copyContent(ctx, src, staged); err != nil {
			return rollback(err)
		}
	}
	set := vfs.SetAttr{
		Valid: vfs.SetMode | vfs.SetUid | vfs.SetGid | vfs.SetAtime | vfs.SetMtime,
		Perm:  attr.Perm,
		Uid:   attr.Uid,
		Gid:   attr.Gid,
		Atime: attr.Atime,
		Mtime: attr.Mtime,
	}
	if attr.Type == vfs.TypeSymlink {
		set.Valid &^= vfs.SetMode
	}
	if _, err := staged.SetAttr(ctx, set); err != nil {
		return rollback(err)
	}
	if err := staging.Rename(ctx, tmp, dir, name); err != nil {
		return rollback(err)
	}
	return staged, nil
}

func copyContent(ctx context.Context, src, dst vfs.Node) error {
	buf := make([]byte, copyBufSize)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.ReadAt(ctx, buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := dst.WriteAt(ctx, buf[:n], off); err != nil {
			return err
		}
		off += int64(n)
	}
}
