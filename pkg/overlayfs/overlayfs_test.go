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
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/ramfs"
	"github.com/kurafs/mountfs/pkg/vfs"
)

func writeFile(t *testing.T, dir vfs.Node, name, content string) vfs.Node {
	ctx := context.Background()
	f, err := dir.Create(ctx, name, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(ctx, []byte(content), 0); err != nil {
		t.Fatal(err)
	}
	return f
}

func readFile(t *testing.T, dir vfs.Node, name string) string {
	ctx := context.Background()
	f, err := dir.Lookup(ctx, name)
	if err != nil {
		t.Fatal(fmt.Sprintf("lookup %s: %v", name, err))
	}
	buf := make([]byte, 1024)
	n, err := f.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func names(t *testing.T, dir vfs.Node) string {
	ents, err := vfs.ReadDirAll(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	var s []string
	for _, d := range ents {
		s = append(s, d.Name)
	}
	return strings.Join(s, ",")
}

func newOverlay(t *testing.T, upper *ramfs.FS, lowers ...*ramfs.FS) *FS {
	cfg := Config{Upper: upper.Root()}
	for _, l := range lowers {
		cfg.Lower = append(cfg.Lower, l.Root())
	}
	fs, err := New(log.Discarder(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestLookupPrecedence(t *testing.T) {
	upper, l1, l2 := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, l1.Root(), "a", "l1")
	writeFile(t, l2.Root(), "a", "l2")
	writeFile(t, l2.Root(), "b", "l2b")
	writeFile(t, upper.Root(), "c", "up")
	fs := newOverlay(t, upper, l1, l2)

	cases := map[string]string{"a": "l1", "b": "l2b", "c": "up"}
	for name, want := range cases {
		if got := readFile(t, fs.Root(), name); got != want {
			t.Error(fmt.Sprintf("%s: expected %q, got %q", name, want, got))
		}
	}
	if _, err := fs.Root().Lookup(context.Background(), "missing"); !errors.Is(err, vfs.ErrNotFound) {
		t.Error(fmt.Sprintf("expected ErrNotFound, got %v", err))
	}
}

func TestWriteCopiesUp(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	ldir, _ := lower.Root().Mkdir(ctx, "dir", 0750)
	writeFile(t, ldir, "f", "v1")
	fs := newOverlay(t, upper, lower)

	dir, err := fs.Root().Lookup(ctx, "dir")
	if err != nil {
		t.Fatal(err)
	}
	f, err := dir.Lookup(ctx, "f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(ctx, []byte("v2"), 0); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, dir, "f"); got != "v2" {
		t.Error(fmt.Sprintf("expected merged view to read v2, got %q", got))
	}
	if got := readFile(t, ldir, "f"); got != "v1" {
		t.Error(fmt.Sprintf("expected lower layer to keep v1, got %q", got))
	}
	udir, err := upper.Root().Lookup(ctx, "dir")
	if err != nil {
		t.Fatal(fmt.Sprintf("expected ancestor to be copied up: %v", err))
	}
	if got := readFile(t, udir, "f"); got != "v2" {
		t.Error(fmt.Sprintf("expected upper layer to hold v2, got %q", got))
	}
	if attr, _ := udir.Attr(ctx); attr.Perm != 0750 {
		t.Error(fmt.Sprintf("expected copied up directory to keep mode 0750, got %o", attr.Perm))
	}
	if fs.CopyUps() != 2 {
		t.Error(fmt.Sprintf("expected 2 copy-ups, got %d", fs.CopyUps()))
	}
	if names(t, upper.Root()) != "dir" {
		t.Error(fmt.Sprintf("expected no staging leftovers, got %s", names(t, upper.Root())))
	}
}

func TestWhiteout(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "f", "lower")
	writeFile(t, lower.Root(), "g", "lower")
	fs := newOverlay(t, upper, lower)
	root := fs.Root()

	if err := root.Unlink(ctx, "f"); err != nil {
		t.Fatal(err)
	}
	if _, err := root.Lookup(ctx, "f"); !errors.Is(err, vfs.ErrNotFound) {
		t.Error(fmt.Sprintf("expected ErrNotFound after unlink, got %v", err))
	}
	wh, err := upper.Root().Lookup(ctx, "f")
	if err != nil {
		t.Fatal(fmt.Sprintf("expected a whiteout in the upper layer: %v", err))
	}
	if attr, _ := wh.Attr(ctx); attr.Type != vfs.TypeCharDevice || attr.Rdev != 0 {
		t.Error(fmt.Sprintf("unexpected whiteout attributes %+v", attr))
	}
	if names(t, root) != "g" {
		t.Error(fmt.Sprintf("expected only g to be listed, got %s", names(t, root)))
	}
	if got := readFile(t, lower.Root(), "f"); got != "lower" {
		t.Error("expected the lower layer to be untouched")
	}

	writeFile(t, root, "f", "again")
	if got := readFile(t, root, "f"); got != "again" {
		t.Error(fmt.Sprintf("expected recreated file to read %q, got %q", "again", got))
	}
	if names(t, root) != "f,g" {
		t.Error(fmt.Sprintf("unexpected listing %s", names(t, root)))
	}
}

func TestUnlinkUpperOnly(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	fs := newOverlay(t, upper, lower)

	writeFile(t, fs.Root(), "new", "x")
	if err := fs.Root().Unlink(ctx, "new"); err != nil {
		t.Fatal(err)
	}
	if names(t, upper.Root()) != "" {
		t.Error(fmt.Sprintf("expected no whiteout for an upper-only file, got %s", names(t, upper.Root())))
	}
	if fs.CopyUps() != 0 {
		t.Error(fmt.Sprintf("expected no copy-ups, got %d", fs.CopyUps()))
	}
}

func TestConcurrentCopyUp(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "f", strings.Repeat("-", 16))
	fs := newOverlay(t, upper, lower)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := fs.Root().Lookup(ctx, "f")
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := f.WriteAt(ctx, []byte{'a' + byte(i)}, int64(i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if fs.CopyUps() != 1 {
		t.Error(fmt.Sprintf("expected exactly one copy-up, got %d", fs.CopyUps()))
	}
	if got := readFile(t, upper.Root(), "f"); got != "abcdefghijklmnop" {
		t.Error(fmt.Sprintf("expected every write to land in the single copy, got %q", got))
	}
}

func TestCopyUpNoSpace(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{SizeLimit: 4}), ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "big", strings.Repeat("x", 16))
	fs := newOverlay(t, upper, lower)

	f, _ := fs.Root().Lookup(ctx, "big")
	if _, err := f.WriteAt(ctx, []byte("y"), 0); !errors.Is(err, vfs.ErrNoSpace) {
		t.Error(fmt.Sprintf("expected ErrNoSpace, got %v", err))
	}
	if names(t, upper.Root()) != "" {
		t.Error(fmt.Sprintf("expected the staged copy to be removed, got %s", names(t, upper.Root())))
	}
	if upper.Used() != 0 {
		t.Error(fmt.Sprintf("expected no space in use, got %d", upper.Used()))
	}
	if got := readFile(t, fs.Root(), "big"); got != strings.Repeat("x", 16) {
		t.Error("expected the lower content to remain visible")
	}
	if fs.CopyUps() != 0 {
		t.Error(fmt.Sprintf("expected no completed copy-ups, got %d", fs.CopyUps()))
	}
}

func TestReadDirMerge(t *testing.T) {
	ctx := context.Background()
	upper, l1, l2 := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, upper.Root(), "a", "")
	upper.Root().Mknod(ctx, "b", vfs.TypeCharDevice, whiteoutPerm, 0)
	writeFile(t, upper.Root(), stagingPrefix+"7", "")
	writeFile(t, l1.Root(), "b", "")
	writeFile(t, l1.Root(), "c", "l1")
	l1.Root().Mkdir(ctx, "d", 0755)
	writeFile(t, l2.Root(), "c", "l2")
	writeFile(t, l2.Root(), "e", "")
	fs := newOverlay(t, upper, l1, l2)

	ents, err := vfs.ReadDirAll(ctx, fs.Root())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, d := range ents {
		got = append(got, d.Name)
	}
	if strings.Join(got, ",") != "a,c,d,e" {
		t.Fatal(fmt.Sprintf("unexpected listing %v", got))
	}
	if ents[2].Type != vfs.TypeDir {
		t.Error(fmt.Sprintf("expected d to be a directory, got %s", ents[2].Type))
	}
	for _, d := range ents {
		c, err := fs.Root().Lookup(ctx, d.Name)
		if err != nil {
			t.Fatal(err)
		}
		if c.Ino() != d.Ino {
			t.Error(fmt.Sprintf("%s: listing inode %d disagrees with lookup %d", d.Name, d.Ino, c.Ino()))
		}
	}
	if got := readFile(t, fs.Root(), "c"); got != "l1" {
		t.Error(fmt.Sprintf("expected the topmost lower copy of c, got %q", got))
	}

	page, _ := fs.Root().ReadDir(ctx, 1, 2)
	if len(page) != 2 || page[0].Name != "c" || page[1].Name != "d" {
		t.Error(fmt.Sprintf("unexpected page %v", page))
	}
}

func TestRmdirMkdirOpaque(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	ld, _ := lower.Root().Mkdir(ctx, "d", 0755)
	writeFile(t, ld, "x", "hidden")
	fs := newOverlay(t, upper, lower)
	root := fs.Root()

	if err := root.Rmdir(ctx, "d"); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Error(fmt.Sprintf("expected ErrNotEmpty, got %v", err))
	}
	d, _ := root.Lookup(ctx, "d")
	if err := d.Unlink(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := root.Rmdir(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if _, err := root.Lookup(ctx, "d"); !errors.Is(err, vfs.ErrNotFound) {
		t.Error(fmt.Sprintf("expected ErrNotFound after rmdir, got %v", err))
	}
	if _, err := root.Mkdir(ctx, "d", 0700); err != nil {
		t.Fatal(err)
	}
	d, _ = root.Lookup(ctx, "d")
	if got := names(t, d); got != "" {
		t.Error(fmt.Sprintf("expected the new directory to hide lower entries, got %s", got))
	}
	if _, err := d.Lookup(ctx, "x"); !errors.Is(err, vfs.ErrNotFound) {
		t.Error(fmt.Sprintf("expected ErrNotFound for x, got %v", err))
	}
	ud, _ := upper.Root().Lookup(ctx, "d")
	if !isOpaque(ctx, ud) {
		t.Error("expected the recreated directory to be opaque")
	}

	// A fresh overlay over the same layers sees the same state.
	again := newOverlay(t, upper, lower)
	d2, _ := again.Root().Lookup(ctx, "d")
	if got := names(t, d2); got != "" {
		t.Error(fmt.Sprintf("expected opacity to persist in the upper layer, got %s", got))
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "f", "content")
	lower.Root().Mkdir(ctx, "dir", 0755)
	fs := newOverlay(t, upper, lower)
	root := fs.Root()

	if err := root.Rename(ctx, "dir", root, "moved"); !errors.Is(err, vfs.ErrCrossDevice) {
		t.Error(fmt.Sprintf("expected ErrCrossDevice for a lower directory, got %v", err))
	}
	f, _ := root.Lookup(ctx, "f")
	if err := root.Rename(ctx, "f", root, "g"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, root, "g"); got != "content" {
		t.Error(fmt.Sprintf("expected renamed file to keep its content, got %q", got))
	}
	g, _ := root.Lookup(ctx, "g")
	if g.Ino() != f.Ino() {
		t.Error("expected the inode number to survive the rename")
	}
	if _, err := root.Lookup(ctx, "f"); !errors.Is(err, vfs.ErrNotFound) {
		t.Error(fmt.Sprintf("expected ErrNotFound for the old name, got %v", err))
	}
	if names(t, root) != "dir,g" {
		t.Error(fmt.Sprintf("unexpected listing %s", names(t, root)))
	}

	other := ramfs.New(ramfs.Config{})
	if err := root.Rename(ctx, "g", other.Root(), "g"); !errors.Is(err, vfs.ErrCrossDevice) {
		t.Error(fmt.Sprintf("expected ErrCrossDevice, got %v", err))
	}
}

func TestRenameFailureKeepsTarget(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	fs := newOverlay(t, upper, lower)
	root := fs.Root()

	d, err := root.Mkdir(ctx, "d", 0755)
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := d.Mkdir(ctx, "sub", 0755)
	if _, err := sub.Mkdir(ctx, "x", 0755); err != nil {
		t.Fatal(err)
	}

	// A directory cannot move beneath itself; the existing target survives.
	if err := root.Rename(ctx, "d", sub, "x"); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected ErrInvalid, got %v", err))
	}
	if _, err := sub.Lookup(ctx, "x"); err != nil {
		t.Error(fmt.Sprintf("expected d/sub/x to survive the failed rename: %v", err))
	}
	if _, err := root.Lookup(ctx, "d"); err != nil {
		t.Error(fmt.Sprintf("expected d to keep its name: %v", err))
	}
	if names(t, upper.Root()) != "d" || names(t, sub) != "x" {
		t.Error(fmt.Sprintf("unexpected upper listing %s, sub listing %s", names(t, upper.Root()), names(t, sub)))
	}
}

func TestRenameOverLowerFile(t *testing.T) {
	ctx := context.Background()
	upper, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "old", "lower")
	fs := newOverlay(t, upper, lower)
	root := fs.Root()
	writeFile(t, root, "new", "upper")

	if err := root.Rename(ctx, "new", root, "old"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, root, "old"); got != "upper" {
		t.Error(fmt.Sprintf("expected the renamed file, got %q", got))
	}
	if got := readFile(t, lower.Root(), "old"); got != "lower" {
		t.Error(fmt.Sprintf("expected the lower layer untouched, got %q", got))
	}
	if names(t, root) != "old" {
		t.Error(fmt.Sprintf("unexpected listing %s", names(t, root)))
	}
}

func TestWhiteoutLayerOrderings(t *testing.T) {
	ctx := context.Background()
	for _, holders := range [][]bool{{true, false}, {false, true}, {true, true}} {
		for _, reversed := range []bool{false, true} {
			upper, l1, l2 := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
			if holders[0] {
				writeFile(t, l1.Root(), "a", "l1")
			}
			if holders[1] {
				writeFile(t, l2.Root(), "a", "l2")
			}
			writeFile(t, l1.Root(), "b", "l1")
			writeFile(t, l2.Root(), "c", "l2")
			if err := makeWhiteout(ctx, upper.Root(), "a"); err != nil {
				t.Fatal(err)
			}

			lowers := []*ramfs.FS{l1, l2}
			if reversed {
				lowers = []*ramfs.FS{l2, l1}
			}
			fs := newOverlay(t, upper, lowers...)
			root := fs.Root()
			if _, err := root.Lookup(ctx, "a"); !errors.Is(err, vfs.ErrNotFound) {
				t.Error(fmt.Sprintf("holders=%v reversed=%t: expected ErrNotFound, got %v", holders, reversed, err))
			}
			if got := names(t, root); got != "b,c" {
				t.Error(fmt.Sprintf("holders=%v reversed=%t: expected b,c, got %s", holders, reversed, got))
			}
		}
	}
}

func TestWorkdir(t *testing.T) {
	ctx := context.Background()
	upperfs, lower := ramfs.New(ramfs.Config{}), ramfs.New(ramfs.Config{})
	up, _ := upperfs.Root().Mkdir(ctx, "upper", 0755)
	work, _ := upperfs.Root().Mkdir(ctx, "work", 0755)
	writeFile(t, lower.Root(), "f", "data")

	fs, err := New(log.Discarder(), Config{Upper: up, Lower: []vfs.Node{lower.Root()}, Work: work})
	if err != nil {
		t.Fatal(err)
	}
	f, _ := fs.Root().Lookup(ctx, "f")
	if _, err := f.SetAttr(ctx, vfs.SetAttr{Valid: vfs.SetMode, Perm: 0600}); err != nil {
		t.Fatal(err)
	}
	if names(t, up) != "f" || names(t, work) != "" {
		t.Error(fmt.Sprintf("expected f to move from work to upper, got upper=%s work=%s", names(t, up), names(t, work)))
	}
	if attr, _ := f.Attr(ctx); attr.Perm != 0600 {
		t.Error(fmt.Sprintf("expected mode 0600, got %o", attr.Perm))
	}

	elsewhere := ramfs.New(ramfs.Config{})
	_, err = New(log.Discarder(), Config{Upper: up, Lower: []vfs.Node{lower.Root()}, Work: elsewhere.Root()})
	if !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected ErrInvalid for a workdir on another filesystem, got %v", err))
	}
}

func TestReadOnlyOverlay(t *testing.T) {
	ctx := context.Background()
	lower := ramfs.New(ramfs.Config{})
	writeFile(t, lower.Root(), "f", "ro")
	fs, err := New(log.Discarder(), Config{Lower: []vfs.Node{lower.Root()}})
	if err != nil {
		t.Fatal(err)
	}
	f, _ := fs.Root().Lookup(ctx, "f")
	if _, err := f.WriteAt(ctx, []byte("x"), 0); !errors.Is(err, vfs.ErrReadOnly) {
		t.Error(fmt.Sprintf("expected ErrReadOnly, got %v", err))
	}
	if _, err := fs.Root().Create(ctx, "g", 0644); !errors.Is(err, vfs.ErrReadOnly) {
		t.Error(fmt.Sprintf("expected ErrReadOnly, got %v", err))
	}
}

func TestMountThroughNamespace(t *testing.T) {
	ctx := context.Background()
	reg := vfs.NewRegistry()
	if err := ramfs.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := Register(reg, log.Discarder()); err != nil {
		t.Fatal(err)
	}
	ns := vfs.NewNamespace(log.Discarder(), reg, ramfs.New(ramfs.Config{}))
	for _, dir := range []string{"/lower", "/upper", "/merged"} {
		if err := ns.Mkdir(ctx, dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ns.Mount(ctx, "lower", "/lower", "tmpfs", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := ns.Mount(ctx, "upper", "/upper", "tmpfs", ""); err != nil {
		t.Fatal(err)
	}
	ns.WriteFile(ctx, "/lower/f", []byte("v1"), 0644)

	if _, err := ns.Mount(ctx, "overlay", "/merged", TypeName, "lowerdir=/lower,upperdir=/upper"); err != nil {
		t.Fatal(err)
	}
	if err := ns.WriteFile(ctx, "/merged/f", []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	for p, want := range map[string]string{"/merged/f": "v2", "/lower/f": "v1", "/upper/f": "v2"} {
		got, err := ns.ReadFile(ctx, p)
		if err != nil || string(got) != want {
			t.Error(fmt.Sprintf("%s: expected %q, got %q (%v)", p, want, got, err))
		}
	}

	if err := ns.Unmount(ctx, "/lower"); !errors.Is(err, vfs.ErrBusy) {
		t.Error(fmt.Sprintf("expected a layer in use to be busy, got %v", err))
	}
	if err := ns.Unmount(ctx, "/merged"); err != nil {
		t.Fatal(err)
	}
	if err := ns.Unmount(ctx, "/lower"); err != nil {
		t.Error(fmt.Sprintf("expected the layer to be released, got %v", err))
	}

	if _, err := ns.Mount(ctx, "overlay", "/merged", TypeName, "upperdir=/upper"); !errors.Is(err, vfs.ErrInvalid) {
		t.Error(fmt.Sprintf("expected ErrInvalid without lowerdir, got %v", err))
	}
}
