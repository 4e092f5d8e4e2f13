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
	"sort"
	"sync"

	"github.com/kurafs/mountfs/pkg/vfs"
)

// node is a logical overlay node. It records the layer nodes backing it: the
// upper node once the entry exists in the upper layer, the lower node a
// non-directory was found in, or, for directories, every lower directory
// merged into it.
type node struct {
	fs  *FS
	ino uint64
	typ vfs.FileType

	// Guarded by fs.tree.
	parent *node // nil for the root
	name   string

	// mu serializes copy-up and guards the layer fields.
	mu     sync.Mutex
	upper  vfs.Node
	lower  vfs.Node   // Non-directories only
	lowers []vfs.Node // Directories only, topmost first

	// dir serializes namespace changes in a directory and guards children.
	dir      sync.Mutex
	children map[string]*node
}

var _ vfs.Node = (*node)(nil)

func (n *node) Filesystem() vfs.Filesystem { return n.fs }
func (n *node) Ino() uint64                { return n.ino }
func (n *node) Type() vfs.FileType         { return n.typ }

func (n *node) location() (*node, string) {
	n.fs.tree.Lock()
	defer n.fs.tree.Unlock()
	return n.parent, n.name
}

// layers returns the node's current backing nodes.
func (n *node) layers() (upper, lower vfs.Node, lowers []vfs.Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.upper, n.lower, n.lowers
}

// top returns the node that currently provides n's content and attributes.
func (n *node) top() vfs.Node {
	upper, lower, lowers := n.layers()
	switch {
	case upper != nil:
		return upper
	case lower != nil:
		return lower
	default:
		return lowers[0]
	}
}

// inLower reports whether some lower layer provides the node.
func (n *node) inLower() bool {
	_, lower, lowers := n.layers()
	return lower != nil || len(lowers) > 0
}

func (n *node) Attr(ctx context.Context) (vfs.Attr, error) {
	a, err := n.top().Attr(ctx)
	if err != nil {
		return vfs.Attr{}, err
	}
	a.Ino = n.ino
	return a, nil
}

func (n *node) SetAttr(ctx context.Context, s vfs.SetAttr) (vfs.Attr, error) {
	if err := n.copyUp(ctx); err != nil {
		return vfs.Attr{}, err
	}
	upper, _, _ := n.layers()
	a, err := upper.SetAttr(ctx, s)
	if err != nil {
		return vfs.Attr{}, err
	}
	a.Ino = n.ino
	return a, nil
}

func (n *node) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	switch name {
	case ".":
		return n, nil
	case "..":
		if parent, _ := n.location(); parent != nil {
			return parent, nil
		}
		return n, nil
	}
	n.dir.Lock()
	defer n.dir.Unlock()
	child, err := n.child(ctx, name)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// child returns the cached node for name, resolving it through the layers on
// a miss. n.dir is held.
func (n *node) child(ctx context.Context, name string) (*node, error) {
	if c, ok := n.children[name]; ok {
		return c, nil
	}
	if internal(name) {
		return nil, vfs.ErrNotFound
	}
	c, err := n.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	n.cache(name, c)
	return c, nil
}

func (n *node) cache(name string, c *node) {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	n.children[name] = c
}

// resolve looks name up through the layers of directory n.
func (n *node) resolve(ctx context.Context, name string) (*node, error) {
	upper, _, lowers := n.layers()
	c := &node{fs: n.fs, parent: n, name: name}

	if upper != nil {
		u, err := upper.Lookup(ctx, name)
		switch {
		case err == nil && isWhiteout(ctx, u):
			return nil, vfs.ErrNotFound
		case err == nil:
			c.upper, c.typ = u, u.Type()
			if c.typ != vfs.TypeDir || isOpaque(ctx, u) {
				return n.adopt(c), nil
			}
		case !errors.Is(err, vfs.ErrNotFound):
			return nil, err
		}
	}

	for _, l := range lowers {
		found, err := l.Lookup(ctx, name)
		if errors.Is(err, vfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if isWhiteout(ctx, found) {
			break
		}
		if found.Type() != vfs.TypeDir {
			if c.upper == nil && len(c.lowers) == 0 {
				c.lower, c.typ = found, found.Type()
			}
			break // A non-directory hides everything beneath it.
		}
		if c.upper == nil && len(c.lowers) == 0 {
			c.typ = vfs.TypeDir
		}
		c.lowers = append(c.lowers, found)
		if isOpaque(ctx, found) {
			break
		}
	}
	if c.upper == nil && c.lower == nil && len(c.lowers) == 0 {
		return nil, vfs.ErrNotFound
	}
	return n.adopt(c), nil
}

func (n *node) adopt(c *node) *node {
	c.ino = n.fs.ino(n.ino, c.name)
	n.fs.NodeAllocated()
	return c
}

func (n *node) Readlink(ctx context.Context) (string, error) {
	if n.typ != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	return n.top().Readlink(ctx)
}

func (n *node) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return n.top().ReadAt(ctx, p, off)
}

func (n *node) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	switch n.typ {
	case vfs.TypeRegular:
	case vfs.TypeDir:
		return 0, vfs.ErrIsADirectory
	default:
		return 0, vfs.ErrInvalid
	}
	if err := n.copyUp(ctx); err != nil {
		return 0, err
	}
	upper, _, _ := n.layers()
	return upper.WriteAt(ctx, p, off)
}

// ReadDir lists the union of the directory's layers in name order. Upper
// entries shadow lower ones, whiteouts hide the names they cover and
// overlay-internal names are left out.
func (n *node) ReadDir(ctx context.Context, cursor uint64, count int) ([]vfs.Dirent, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	merged, err := n.merge(ctx)
	if err != nil {
		return nil, err
	}
	var ents []vfs.Dirent
	for i := cursor; i < uint64(len(merged)); i++ {
		d := merged[i]
		d.Ino = n.fs.ino(n.ino, d.Name)
		d.Next = i + 1
		ents = append(ents, d)
		if count > 0 && len(ents) >= count {
			break
		}
	}
	return ents, nil
}

func (n *node) merge(ctx context.Context) ([]vfs.Dirent, error) {
	upper, _, lowers := n.layers()
	layers := lowers
	if upper != nil {
		layers = append([]vfs.Node{upper}, lowers...)
	}

	seen := make(map[string]bool)
	var merged []vfs.Dirent
	for _, layer := range layers {
		s := vfs.NewDirStream(layer)
		for {
			d, ok := s.Next(ctx)
			if !ok {
				break
			}
			if internal(d.Name) || seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			if d.Type == vfs.TypeCharDevice {
				if c, err := layer.Lookup(ctx, d.Name); err == nil && isWhiteout(ctx, c) {
					continue
				}
			}
			merged = append(merged, d)
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged, nil
}

// empty reports whether the merged directory n has no visible entries.
func (n *node) empty(ctx context.Context) (bool, error) {
	ents, err := n.ReadDir(ctx, 0, 1)
	return len(ents) == 0, err
}
