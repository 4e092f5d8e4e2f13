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

	"github.com/kurafs/mountfs/pkg/vfs"
)

// clearWhiteout removes a whiteout for name from the upper directory dir,
// reporting whether there was one.
func clearWhiteout(ctx context.Context, dir vfs.Node, name string) (bool, error) {
	c, err := dir.Lookup(ctx, name)
	if errors.Is(err, vfs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !isWhiteout(ctx, c) {
		return false, vfs.ErrAlreadyExists
	}
	return true, dir.Unlink(ctx, name)
}

// create adds a new upper-only entry to directory n. A directory created
// where a whiteout stood is made opaque so nothing beneath it shows through.
func (n *node) create(ctx context.Context, name string, mk func(dir vfs.Node) (vfs.Node, error)) (vfs.Node, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	if internal(name) {
		return nil, vfs.ErrInvalid
	}
	n.dir.Lock()
	defer n.dir.Unlock()
	if _, err := n.child(ctx, name); err == nil {
		return nil, vfs.ErrAlreadyExists
	} else if !errors.Is(err, vfs.ErrNotFound) {
		return nil, err
	}
	if err := n.copyUp(ctx); err != nil {
		return nil, err
	}
	upper, _, _ := n.layers()
	whiteout, err := clearWhiteout(ctx, upper, name)
	if err != nil {
		return nil, err
	}
	u, err := mk(upper)
	if err != nil {
		if whiteout {
			makeWhiteout(ctx, upper, name)
		}
		return nil, err
	}
	if whiteout && u.Type() == vfs.TypeDir {
		if err := makeOpaque(ctx, u); err != nil {
			return nil, err
		}
	}
	c := n.adopt(&node{fs: n.fs, parent: n, name: name, typ: u.Type(), upper: u})
	n.cache(name, c)
	return c, nil
}

func (n *node) Create(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.create(ctx, name, func(dir vfs.Node) (vfs.Node, error) { return dir.Create(ctx, name, perm) })
}

func (n *node) Mkdir(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.create(ctx, name, func(dir vfs.Node) (vfs.Node, error) { return dir.Mkdir(ctx, name, perm) })
}

func (n *node) Mknod(ctx context.Context, name string, typ vfs.FileType, perm, rdev uint32) (vfs.Node, error) {
	return n.create(ctx, name, func(dir vfs.Node) (vfs.Node, error) { return dir.Mknod(ctx, name, typ, perm, rdev) })
}

func (n *node) Symlink(ctx context.Context, name, target string) (vfs.Node, error) {
	return n.create(ctx, name, func(dir vfs.Node) (vfs.Node, error) { return dir.Symlink(ctx, name, target) })
}

// remove deletes the entry name, node c, from directory n: the upper entry
// goes away and a whiteout takes its place if a lower layer still has the
// name. n.dir is held and n is in the upper layer.
func (n *node) remove(ctx context.Context, name string, c *node) error {
	upper, _, _ := n.layers()
	if err := n.removeUpper(ctx, name, c); err != nil {
		return err
	}
	if c.inLower() {
		if err := makeWhiteout(ctx, upper, name); err != nil {
			return err
		}
	}
	n.forget(name)
	return nil
}

// removeUpper deletes the upper entry of c, if it has one.
func (n *node) removeUpper(ctx context.Context, name string, c *node) error {
	upper, _, _ := n.layers()
	cu, _, _ := c.layers()
	if cu == nil {
		return nil
	}
	if c.typ != vfs.TypeDir {
		return upper.Unlink(ctx, name)
	}
	// Only whiteouts and markers remain in an empty merged directory.
	ents, err := vfs.ReadDirAll(ctx, cu)
	if err != nil {
		return err
	}
	for _, d := range ents {
		if err := cu.Unlink(ctx, d.Name); err != nil {
			return err
		}
	}
	return upper.Rmdir(ctx, name)
}

// forget drops the cached child name of n after its removal.
func (n *node) forget(name string) {
	delete(n.children, name)
	n.fs.dropIno(n.ino, name)
	n.fs.NodeFreed()
}

func (n *node) Unlink(ctx context.Context, name string) error {
	if n.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	n.dir.Lock()
	defer n.dir.Unlock()
	c, err := n.child(ctx, name)
	if err != nil {
		return err
	}
	if c.typ == vfs.TypeDir {
		return vfs.ErrIsADirectory
	}
	if err := n.copyUp(ctx); err != nil {
		return err
	}
	return n.remove(ctx, name, c)
}

func (n *node) Rmdir(ctx context.Context, name string) error {
	if n.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if name == "." {
		return vfs.ErrInvalid
	}
	n.dir.Lock()
	defer n.dir.Unlock()
	c, err := n.child(ctx, name)
	if err != nil {
		return err
	}
	if c.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if ok, err := c.empty(ctx); err != nil {
		return err
	} else if !ok {
		return vfs.ErrNotEmpty
	}
	if err := n.copyUp(ctx); err != nil {
		return err
	}
	return n.remove(ctx, name, c)
}

// Rename moves an entry within the overlay. Directories provided by a lower
// layer cannot be moved and fail with ErrCrossDevice, leaving callers such
// as mv to fall back to copying.
func (n *node) Rename(ctx context.Context, name string, newDir vfs.Node, newName string) error {
	dst, ok := newDir.(*node)
	if !ok || dst.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	if n.typ != vfs.TypeDir || dst.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if internal(newName) {
		return vfs.ErrInvalid
	}

	// Lock both directories, in inode order.
	first, second := n, dst
	if second.ino < first.ino {
		first, second = second, first
	}
	first.dir.Lock()
	defer first.dir.Unlock()
	if second != first {
		second.dir.Lock()
		defer second.dir.Unlock()
	}

	src, err := n.child(ctx, name)
	if err != nil {
		return err
	}
	if src.typ == vfs.TypeDir && src.inLower() {
		return vfs.ErrCrossDevice
	}
	old, err := dst.child(ctx, newName)
	switch {
	case err == nil:
		if old == src {
			return nil
		}
		switch {
		case src.typ == vfs.TypeDir && old.typ != vfs.TypeDir:
			return vfs.ErrNotADirectory
		case src.typ != vfs.TypeDir && old.typ == vfs.TypeDir:
			return vfs.ErrIsADirectory
		}
		if old.typ == vfs.TypeDir {
			if ok, err := old.empty(ctx); err != nil {
				return err
			} else if !ok {
				return vfs.ErrNotEmpty
			}
		}
	case !errors.Is(err, vfs.ErrNotFound):
		return err
	}

	if err := src.copyUp(ctx); err != nil {
		return err
	}
	if err := dst.copyUp(ctx); err != nil {
		return err
	}
	srcUpper, _, _ := n.layers()
	dstUpper, _, _ := dst.layers()

	// The source is first moved aside under an internal name in the target
	// directory. Until the final rename, failures move it back and leave the
	// target untouched.
	tmp := n.fs.stagingName()
	if err := srcUpper.Rename(ctx, name, dstUpper, tmp); err != nil {
		return err
	}
	restore := func(err error) error {
		if rerr := dstUpper.Rename(ctx, tmp, srcUpper, name); rerr != nil {
			n.fs.logger.Errorf("overlay: restoring %s after failed rename: %v", name, rerr)
		}
		return err
	}
	var covered, cleared bool
	if old != nil {
		covered = old.inLower()
		if err := dst.removeUpper(ctx, newName, old); err != nil {
			return restore(err)
		}
	} else {
		cleared, err = clearWhiteout(ctx, dstUpper, newName)
		if err != nil {
			return restore(err)
		}
		covered = cleared
	}
	if err := dstUpper.Rename(ctx, tmp, dstUpper, newName); err != nil {
		if cleared {
			makeWhiteout(ctx, dstUpper, newName)
		}
		return restore(err)
	}
	if old != nil {
		dst.forget(newName)
	}
	if src.inLower() {
		if err := makeWhiteout(ctx, srcUpper, name); err != nil {
			return err
		}
		// The lower copy stays behind under the old name.
		src.mu.Lock()
		src.lower = nil
		src.mu.Unlock()
	}
	if covered && src.typ == vfs.TypeDir {
		moved, _, _ := src.layers()
		if err := makeOpaque(ctx, moved); err != nil {
			return err
		}
	}

	delete(n.children, name)
	dst.cache(newName, src)
	n.fs.moveIno(n.ino, name, dst.ino, newName)
	n.fs.tree.Lock()
	src.parent, src.name = dst, newName
	n.fs.tree.Unlock()
	return nil
}
