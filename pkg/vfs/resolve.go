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
	"strings"
)

// MaxSymlinkDepth bounds the number of symlinks followed while resolving a
// single path.
const MaxSymlinkDepth = 40

// Resolve walks path from start, or from root if path is absolute, and
// returns the node it names. Symlinks in intermediate components are always
// followed, the final component only if follow is set. A trailing slash
// forces the final component to be followed and requires it to be a
// directory. ".." never climbs above root.
func Resolve(ctx context.Context, root, start Node, path string, follow bool) (Node, error) {
	r := &resolver{root: root}
	return r.walk(ctx, start, path, follow)
}

// ResolveParent resolves every component of path but the last and returns
// the containing directory along with the final name. The final name is
// never "." or "..".
func ResolveParent(ctx context.Context, root, start Node, path string) (Node, string, error) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		if path == "" {
			return nil, "", ErrNotFound
		}
		return nil, "", ErrBusy // The root has no parent entry.
	}
	dirPath, name := ".", trimmed
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		dirPath, name = trimmed[:i+1], trimmed[i+1:]
	}
	if name == "." || name == ".." {
		return nil, "", ErrInvalid
	}
	r := &resolver{root: root}
	dir, err := r.walk(ctx, start, dirPath, true)
	if err != nil {
		return nil, "", err
	}
	if dir.Type() != TypeDir {
		return nil, "", ErrNotADirectory
	}
	return dir, name, nil
}

type resolver struct {
	root  Node
	links int
}

func (r *resolver) walk(ctx context.Context, cur Node, path string, follow bool) (Node, error) {
	if path == "" {
		return nil, ErrNotFound
	}
	if path[0] == '/' {
		cur = r.root
	}
	mustDir := strings.HasSuffix(path, "/")
	if mustDir {
		follow = true
	}

	comps := components(path)
	for i, name := range comps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.Type() != TypeDir {
			return nil, ErrNotADirectory
		}
		if name == "." || (name == ".." && sameNode(cur, r.root)) {
			continue
		}
		next, err := cur.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		last := i == len(comps)-1
		if next.Type() == TypeSymlink && (!last || follow) {
			if next, err = r.follow(ctx, cur, next); err != nil {
				return nil, err
			}
		}
		cur = next
	}
	if mustDir && cur.Type() != TypeDir {
		return nil, ErrNotADirectory
	}
	return cur, nil
}

// follow resolves the symlink link found in dir.
func (r *resolver) follow(ctx context.Context, dir, link Node) (Node, error) {
	r.links++
	if r.links > MaxSymlinkDepth {
		return nil, ErrTooManySymlinks
	}
	target, err := link.Readlink(ctx)
	if err != nil {
		return nil, err
	}
	return r.walk(ctx, dir, target, true)
}

func components(path string) []string {
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps
}

// sameNode reports whether a and b denote the same object as seen from the
// same mount.
func sameNode(a, b Node) bool {
	if a.Ino() != b.Ino() || a.Filesystem() != b.Filesystem() {
		return false
	}
	ma, aok := a.(*MountNode)
	mb, bok := b.(*MountNode)
	if aok != bok {
		return false
	}
	return !aok || ma.mnt == mb.mnt
}
