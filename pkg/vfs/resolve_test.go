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

package vfs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/ramfs"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// lookupDirect walks path with plain Lookup calls, bypassing the resolver
// and the mount layer.
func lookupDirect(ctx context.Context, root vfs.Node, path string) (vfs.Node, error) {
	cur := root
	for _, c := range strings.Split(path, "/") {
		if c == "" {
			continue
		}
		next, err := cur.Lookup(ctx, c)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func TestResolveMatchesDirectLookup(t *testing.T) {
	ctx := context.Background()
	fs := ramfs.New(ramfs.Config{})
	ns := vfs.NewNamespace(log.Discarder(), vfs.NewRegistry(), fs)
	for _, dir := range []string{"/a/b/c", "/a/d", "/e"} {
		if err := ns.MkdirAll(ctx, dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	ns.WriteFile(ctx, "/a/b/c/f", nil, 0644)
	ns.WriteFile(ctx, "/e/g", nil, 0644)

	paths := []string{"/", "/a", "/a/b", "/a/b/c", "/a/b/c/f", "/a/d", "/e/g",
		"/a/./b", "/a/b/../d", "/a/b/c/../../../e/g"}
	for _, p := range paths {
		plain, err := vfs.Resolve(ctx, fs.Root(), fs.Root(), p, true)
		if err != nil {
			t.Fatal(fmt.Sprintf("%s: %v", p, err))
		}
		mounted, err := ns.Lookup(ctx, p)
		if err != nil {
			t.Fatal(fmt.Sprintf("%s: %v", p, err))
		}
		if plain != mounted.Inner() {
			t.Error(fmt.Sprintf("%s: expected mount layer to be transparent off mount points", p))
		}
		if !strings.Contains(p, ".") {
			direct, err := lookupDirect(ctx, fs.Root(), p)
			if err != nil {
				t.Fatal(err)
			}
			if direct != plain {
				t.Error(fmt.Sprintf("%s: expected resolver to match direct lookups", p))
			}
		}
	}
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	fs := ramfs.New(ramfs.Config{})
	root := fs.Root()
	dir, _ := root.Mkdir(ctx, "dir", 0755)
	dir.Create(ctx, "file", 0644)

	cases := []struct {
		path string
		err  error
	}{
		{"/dir/missing", vfs.ErrNotFound},
		{"/dir/file/x", vfs.ErrNotADirectory},
		{"/dir/file/", vfs.ErrNotADirectory},
		{"", vfs.ErrNotFound},
		{"/missing/file", vfs.ErrNotFound},
	}
	for _, c := range cases {
		_, err := vfs.Resolve(ctx, root, root, c.path, true)
		if !errors.Is(err, c.err) {
			t.Error(fmt.Sprintf("%q: expected %v, got %v", c.path, c.err, err))
		}
	}
	if n, err := vfs.Resolve(ctx, root, root, "/dir/", false); err != nil || n.Type() != vfs.TypeDir {
		t.Error(fmt.Sprintf("expected trailing slash on a directory to resolve, got %v", err))
	}
}

func TestResolveSymlinks(t *testing.T) {
	ctx := context.Background()
	fs := ramfs.New(ramfs.Config{})
	root := fs.Root()
	dir, _ := root.Mkdir(ctx, "dir", 0755)
	target, _ := dir.Create(ctx, "target", 0644)
	dir.Symlink(ctx, "rel", "target")
	root.Symlink(ctx, "abs", "/dir")
	root.Symlink(ctx, "loop", "loop")

	n, err := vfs.Resolve(ctx, root, root, "/dir/rel", true)
	if err != nil || n != target {
		t.Error(fmt.Sprintf("expected relative link to resolve within its directory, got %v", err))
	}
	n, err = vfs.Resolve(ctx, root, root, "/dir/rel", false)
	if err != nil || n.Type() != vfs.TypeSymlink {
		t.Error(fmt.Sprintf("expected final link to stay unfollowed, got %v", err))
	}
	n, err = vfs.Resolve(ctx, root, dir, "../abs/rel", true)
	if err != nil || n != target {
		t.Error(fmt.Sprintf("expected intermediate links to be followed, got %v", err))
	}
	n, err = vfs.Resolve(ctx, root, root, "/abs/", false)
	if err != nil || n != dir {
		t.Error(fmt.Sprintf("expected trailing slash to force following, got %v", err))
	}
	if _, err := vfs.Resolve(ctx, root, root, "/loop", true); !errors.Is(err, vfs.ErrTooManySymlinks) {
		t.Error(fmt.Sprintf("expected ErrTooManySymlinks, got %v", err))
	}
}

func TestResolveSymlinkDepth(t *testing.T) {
	ctx := context.Background()
	fs := ramfs.New(ramfs.Config{})
	root := fs.Root()
	root.Create(ctx, "l0", 0644)
	for i := 1; i <= vfs.MaxSymlinkDepth+1; i++ {
		root.Symlink(ctx, fmt.Sprintf("l%d", i), fmt.Sprintf("l%d", i-1))
	}

	name := fmt.Sprintf("/l%d", vfs.MaxSymlinkDepth)
	if n, err := vfs.Resolve(ctx, root, root, name, true); err != nil || n.Type() != vfs.TypeRegular {
		t.Error(fmt.Sprintf("expected a chain of %d links to resolve, got %v", vfs.MaxSymlinkDepth, err))
	}
	name = fmt.Sprintf("/l%d", vfs.MaxSymlinkDepth+1)
	if _, err := vfs.Resolve(ctx, root, root, name, true); !errors.Is(err, vfs.ErrTooManySymlinks) {
		t.Error(fmt.Sprintf("expected ErrTooManySymlinks past the limit, got %v", err))
	}
}

func TestResolveParent(t *testing.T) {
	ctx := context.Background()
	fs := ramfs.New(ramfs.Config{})
	root := fs.Root()
	dir, _ := root.Mkdir(ctx, "dir", 0755)

	parent, name, err := vfs.ResolveParent(ctx, root, root, "/dir/new/")
	if err != nil {
		t.Fatal(err)
	}
	if parent != dir || name != "new" {
		t.Error(fmt.Sprintf("unexpected parent %v name %q", parent, name))
	}
	if _, _, err := vfs.ResolveParent(ctx, root, root, "/dir/.."); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected ErrInvalid for a dot-dot final name, got %v", err))
	}
	if _, _, err := vfs.ResolveParent(ctx, root, root, "/"); !errors.Is(err, vfs.ErrBusy) {
		t.Error(fmt.Sprintf("expected ErrBusy for the root, got %v", err))
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := vfs.NewRegistry()
	calls := 0
	c := func(ctx context.Context, data *vfs.MountData) (vfs.Filesystem, error) {
		calls++
		return ramfs.New(ramfs.Config{}), nil
	}
	if err := r.Register("memfs", c); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("memfs", c); !errors.Is(err, vfs.ErrFilesystemTypeExists) {
		t.Error(fmt.Sprintf("expected duplicate registration to fail, got %v", err))
	}
	if _, err := r.Instantiate(ctx, "memfs", nil); err != nil || calls != 1 {
		t.Error(fmt.Sprintf("expected constructor to run once, got %d calls (%v)", calls, err))
	}
	if _, err := r.Instantiate(ctx, "memf", nil); !errors.Is(err, vfs.ErrUnknownFilesystemType) {
		t.Error(fmt.Sprintf("expected ErrUnknownFilesystemType, got %v", err))
	}
	if fmt.Sprint(r.Types()) != "[memfs]" {
		t.Error(fmt.Sprintf("unexpected types %v", r.Types()))
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := vfs.ParseOptions("ro, upperdir=/u,lowerdir=/a:/b,size=2k")
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Has("ro") || opts.Get("upperdir", "") != "/u" || opts.Get("lowerdir", "") != "/a:/b" {
		t.Error(fmt.Sprintf("unexpected options %v", opts))
	}
	if size, err := opts.Size("size", 0); err != nil || size != 2048 {
		t.Error(fmt.Sprintf("expected 2048, got %d (%v)", size, err))
	}
	if _, err := vfs.ParseOptions("=x"); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected ErrInvalid, got %v", err))
	}
}

func TestErrno(t *testing.T) {
	wrapped := &vfs.PathError{Op: "open", Path: "/x", Err: fmt.Errorf("lookup: %w", vfs.ErrNotFound)}
	if vfs.ErrnoOf(wrapped) != vfs.ErrNotFound.Errno() {
		t.Error(fmt.Sprintf("expected ENOENT through wrapping, got %v", vfs.ErrnoOf(wrapped)))
	}
	if !errors.Is(vfs.FromErrno(vfs.ErrBusy.Errno()), vfs.ErrBusy) {
		t.Error("expected EBUSY to map back onto ErrBusy")
	}
	if vfs.ErrnoOf(errors.New("opaque")) != vfs.ErrIO.Errno() {
		t.Error("expected errors without an errno to map onto EIO")
	}
	if vfs.ErrnoOf(nil) != 0 {
		t.Error("expected nil to map onto 0")
	}
}
