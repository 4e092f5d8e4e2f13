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
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/kurafs/mountfs/pkg/log"
)

// Namespace is a mount tree together with the syscall-level operations that
// resolve paths through it.
type Namespace struct {
	logger   *log.Logger
	registry *Registry

	mu     sync.RWMutex // Guards the mount tree.
	root   *Mount
	mounts map[uint64]*Mount
	nextID uint64
}

// NewNamespace returns a namespace rooted at rootfs. Filesystem types named
// in Mount are looked up in registry.
func NewNamespace(logger *log.Logger, registry *Registry, rootfs Filesystem) *Namespace {
	ns := &Namespace{
		logger:   logger,
		registry: registry,
		mounts:   make(map[uint64]*Mount),
		nextID:   1,
	}
	ns.root = newMount(ns, ns.nextID, rootfs)
	ns.root.target = "/"
	ns.root.fstype = rootfs.Name()
	ns.mounts[ns.root.id] = ns.root
	ns.nextID++
	return ns
}

// Root returns the root directory of the namespace.
func (ns *Namespace) Root() *MountNode { return ns.root.root }

// Registry returns the registry used for mounts.
func (ns *Namespace) Registry() *Registry { return ns.registry }

func (ns *Namespace) resolve(ctx context.Context, p string, follow bool) (*MountNode, error) {
	n, err := Resolve(ctx, ns.root.root, ns.root.root, p, follow)
	if err != nil {
		return nil, err
	}
	return n.(*MountNode), nil
}

func (ns *Namespace) resolveParent(ctx context.Context, p string) (*MountNode, string, error) {
	dir, name, err := ResolveParent(ctx, ns.root.root, ns.root.root, p)
	if err != nil {
		return nil, "", err
	}
	return dir.(*MountNode), name, nil
}

// Lookup resolves p, following a final symlink.
func (ns *Namespace) Lookup(ctx context.Context, p string) (*MountNode, error) {
	n, err := ns.resolve(ctx, p, true)
	if err != nil {
		return nil, &PathError{Op: "lookup", Path: p, Err: err}
	}
	return n, nil
}

// Mount instantiates a filesystem of type fstype and attaches it at target.
func (ns *Namespace) Mount(ctx context.Context, source, target, fstype, options string) (*Mount, error) {
	opts, err := ParseOptions(options)
	if err != nil {
		return nil, &PathError{Op: "mount", Path: target, Err: err}
	}

	var deps []*Mount
	data := &MountData{
		Source:  source,
		Options: opts,
		Lookup: func(ctx context.Context, p string) (Node, error) {
			n, err := ns.resolve(ctx, p, true)
			if err != nil {
				return nil, err
			}
			deps = append(deps, n.mnt)
			return n, nil
		},
	}
	fs, err := ns.registry.Instantiate(ctx, fstype, data)
	if err != nil {
		return nil, &PathError{Op: "mount", Path: target, Err: err}
	}
	m, err := ns.mountFS(ctx, target, fs, source, fstype, opts, deps)
	if err != nil {
		if u, ok := fs.(Unmounter); ok {
			u.Unmount(ctx)
		}
		return nil, err
	}
	return m, nil
}

// MountFS attaches an already constructed filesystem at target.
func (ns *Namespace) MountFS(ctx context.Context, target string, fs Filesystem, source string, opts Options) (*Mount, error) {
	return ns.mountFS(ctx, target, fs, source, fs.Name(), opts, nil)
}

func (ns *Namespace) mountFS(ctx context.Context, target string, fs Filesystem, source, fstype string,
	opts Options, deps []*Mount) (*Mount, error) {
	dir, err := ns.resolve(ctx, target, true)
	if err != nil {
		return nil, &PathError{Op: "mount", Path: target, Err: err}
	}
	m, err := ns.mountAt(dir, path.Clean("/"+target), fs, source, fstype, opts, deps)
	if err != nil {
		return nil, &PathError{Op: "mount", Path: target, Err: err}
	}
	ns.logger.Infof("mounted %s (%s) at %s", source, fstype, m.target)
	return m, nil
}

// MountAt attaches fs on the directory dir. It fails with ErrBusy if dir
// already anchors a mount and with ErrNotADirectory if dir is not a
// directory.
func (ns *Namespace) MountAt(dir *MountNode, fs Filesystem) (*Mount, error) {
	return ns.mountAt(dir, "", fs, "", fs.Name(), nil, nil)
}

func (ns *Namespace) mountAt(dir *MountNode, target string, fs Filesystem, source, fstype string,
	opts Options, deps []*Mount) (*Mount, error) {
	if dir.mnt.ns != ns {
		return nil, ErrInvalid
	}
	ns.mu.Lock()
	id := ns.nextID
	ns.nextID++
	ns.mu.Unlock()

	m := newMount(ns, id, fs)
	m.source, m.fstype, m.options = source, fstype, opts
	m.target = target
	for _, dep := range deps {
		if err := dep.pin(); err != nil {
			m.unpinDeps()
			return nil, err
		}
		m.deps = append(m.deps, dep)
	}
	if err := ns.attach(dir, m); err != nil {
		m.unpinDeps()
		return nil, err
	}

	ns.mu.Lock()
	ns.mounts[m.id] = m
	ns.mu.Unlock()
	return m, nil
}

func (m *Mount) unpinDeps() {
	for _, dep := range m.deps {
		dep.unpin()
	}
	m.deps = nil
}

// Unmount detaches the mount whose root target resolves to. It fails with
// ErrBusy while the mount has open files or nested mounts, and with
// ErrInvalid if target is not a mount root.
func (ns *Namespace) Unmount(ctx context.Context, target string) error {
	n, err := ns.resolve(ctx, target, true)
	if err != nil {
		return &PathError{Op: "unmount", Path: target, Err: err}
	}
	if !n.IsMountRoot() {
		return &PathError{Op: "unmount", Path: target, Err: ErrInvalid}
	}
	return ns.UnmountMount(ctx, n.mnt)
}

// UnmountMount detaches m and notifies its filesystem. The mount is gone
// once detached; an error from the filesystem's own shutdown is still
// returned.
func (ns *Namespace) UnmountMount(ctx context.Context, m *Mount) error {
	if err := ns.detach(m); err != nil {
		return &PathError{Op: "unmount", Path: m.target, Err: err}
	}
	ns.mu.Lock()
	delete(ns.mounts, m.id)
	ns.mu.Unlock()
	m.unpinDeps()
	ns.logger.Infof("unmounted %s", m.target)

	if u, ok := m.fs.(Unmounter); ok {
		if err := u.Unmount(ctx); err != nil {
			ns.logger.Warnf("unmount %s: %v", m.target, err)
			return &PathError{Op: "unmount", Path: m.target, Err: err}
		}
	}
	return nil
}

// MountInfo describes an active mount.
type MountInfo struct {
	ID       uint64 `yaml:"id"`
	ParentID uint64 `yaml:"parent,omitempty"`
	Target   string `yaml:"target"`
	Type     string `yaml:"type"`
	Source   string `yaml:"source,omitempty"`
	Options  string `yaml:"options,omitempty"`
	Open     int64  `yaml:"open"`
}

// Mounts lists the active mounts ordered by ID.
func (ns *Namespace) Mounts() []MountInfo {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	infos := make([]MountInfo, 0, len(ns.mounts))
	for _, m := range ns.mounts {
		info := MountInfo{
			ID:      m.id,
			Target:  m.target,
			Type:    m.fstype,
			Source:  m.source,
			Options: m.options.String(),
			Open:    m.OpenHandles(),
		}
		if m.parent != nil {
			info.ParentID = m.parent.id
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Open opens the file at p. With OpenCreate the file is created with perm
// if missing.
func (ns *Namespace) Open(ctx context.Context, p string, flags OpenFlags, perm uint32) (*File, error) {
	n, err := ns.openNode(ctx, p, flags, perm)
	if err != nil {
		return nil, &PathError{Op: "open", Path: p, Err: err}
	}
	if err := n.mnt.pin(); err != nil {
		return nil, &PathError{Op: "open", Path: p, Err: err}
	}
	h, err := OpenNode(ctx, n.inner, flags)
	if err != nil {
		n.mnt.unpin()
		return nil, &PathError{Op: "open", Path: p, Err: err}
	}
	if flags&(OpenRead|OpenWrite|OpenAppend) == 0 {
		flags |= OpenRead
	}
	return &File{name: p, node: n, h: h, flags: flags}, nil
}

func (ns *Namespace) openNode(ctx context.Context, p string, flags OpenFlags, perm uint32) (*MountNode, error) {
	var n *MountNode
	if flags&OpenCreate != 0 {
		dir, name, err := ns.resolveParent(ctx, p)
		if err != nil {
			return nil, err
		}
		child, err := dir.Lookup(ctx, name)
		switch {
		case isNotFound(err):
			created, err := dir.Create(ctx, name, perm)
			if err != nil {
				return nil, err
			}
			return created.(*MountNode), nil
		case err != nil:
			return nil, err
		case flags&OpenExclusive != 0:
			return nil, ErrAlreadyExists
		}
		if child.Type() == TypeSymlink {
			if n, err = ns.resolve(ctx, p, true); err != nil {
				return nil, err
			}
		} else {
			n = child.(*MountNode)
		}
	} else {
		var err error
		if n, err = ns.resolve(ctx, p, true); err != nil {
			return nil, err
		}
	}

	switch n.Type() {
	case TypeDir:
		if flags.Writable() {
			return nil, ErrIsADirectory
		}
	case TypeRegular:
		if flags&OpenDirectory != 0 {
			return nil, ErrNotADirectory
		}
		if flags&OpenTruncate != 0 {
			if _, err := n.SetAttr(ctx, SetAttr{Valid: SetSize}); err != nil {
				return nil, err
			}
		}
	default:
		if flags&OpenDirectory != 0 {
			return nil, ErrNotADirectory
		}
	}
	return n, nil
}

// Create creates or truncates the file at p and opens it for writing.
func (ns *Namespace) Create(ctx context.Context, p string, perm uint32) (*File, error) {
	return ns.Open(ctx, p, OpenRead|OpenWrite|OpenCreate|OpenTruncate, perm)
}

// Mkdir creates the directory p.
func (ns *Namespace) Mkdir(ctx context.Context, p string, perm uint32) error {
	dir, name, err := ns.resolveParent(ctx, p)
	if err != nil {
		return &PathError{Op: "mkdir", Path: p, Err: err}
	}
	if _, err := dir.Mkdir(ctx, name, perm); err != nil {
		return &PathError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

// MkdirAll creates p along with any missing parents.
func (ns *Namespace) MkdirAll(ctx context.Context, p string, perm uint32) error {
	cur := Node(ns.root.root)
	walked := ""
	for _, name := range components(path.Clean("/" + p)) {
		walked += "/" + name
		next, err := Resolve(ctx, ns.root.root, cur, name, true)
		if isNotFound(err) {
			next, err = cur.Mkdir(ctx, name, perm)
		}
		if err != nil {
			return &PathError{Op: "mkdir", Path: walked, Err: err}
		}
		if next.Type() != TypeDir {
			return &PathError{Op: "mkdir", Path: walked, Err: ErrNotADirectory}
		}
		cur = next
	}
	return nil
}

// Remove removes the file or empty directory p.
func (ns *Namespace) Remove(ctx context.Context, p string) error {
	dir, name, err := ns.resolveParent(ctx, p)
	if err != nil {
		return &PathError{Op: "remove", Path: p, Err: err}
	}
	child, err := dir.Lookup(ctx, name)
	if err != nil {
		return &PathError{Op: "remove", Path: p, Err: err}
	}
	if child.Type() == TypeDir {
		err = dir.Rmdir(ctx, name)
	} else {
		err = dir.Unlink(ctx, name)
	}
	if err != nil {
		return &PathError{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// Rename moves oldpath to newpath. Both must be on the same mount.
func (ns *Namespace) Rename(ctx context.Context, oldpath, newpath string) error {
	odir, oname, err := ns.resolveParent(ctx, oldpath)
	if err != nil {
		return &PathError{Op: "rename", Path: oldpath, Err: err}
	}
	ndir, nname, err := ns.resolveParent(ctx, newpath)
	if err != nil {
		return &PathError{Op: "rename", Path: newpath, Err: err}
	}
	if err := odir.Rename(ctx, oname, ndir, nname); err != nil {
		return &PathError{Op: "rename", Path: oldpath, Err: err}
	}
	return nil
}

// Symlink creates newpath as a symbolic link to target.
func (ns *Namespace) Symlink(ctx context.Context, target, newpath string) error {
	dir, name, err := ns.resolveParent(ctx, newpath)
	if err != nil {
		return &PathError{Op: "symlink", Path: newpath, Err: err}
	}
	if _, err := dir.Symlink(ctx, name, target); err != nil {
		return &PathError{Op: "symlink", Path: newpath, Err: err}
	}
	return nil
}

// Readlink returns the target of the symbolic link p.
func (ns *Namespace) Readlink(ctx context.Context, p string) (string, error) {
	n, err := ns.resolve(ctx, p, false)
	if err != nil {
		return "", &PathError{Op: "readlink", Path: p, Err: err}
	}
	if n.Type() != TypeSymlink {
		return "", &PathError{Op: "readlink", Path: p, Err: ErrInvalid}
	}
	return n.Readlink(ctx)
}

// Stat returns the attributes of p, following a final symlink.
func (ns *Namespace) Stat(ctx context.Context, p string) (Attr, error) {
	return ns.stat(ctx, "stat", p, true)
}

// Lstat returns the attributes of p without following a final symlink.
func (ns *Namespace) Lstat(ctx context.Context, p string) (Attr, error) {
	return ns.stat(ctx, "lstat", p, false)
}

func (ns *Namespace) stat(ctx context.Context, op, p string, follow bool) (Attr, error) {
	n, err := ns.resolve(ctx, p, follow)
	if err != nil {
		return Attr{}, &PathError{Op: op, Path: p, Err: err}
	}
	attr, err := n.Attr(ctx)
	if err != nil {
		return Attr{}, &PathError{Op: op, Path: p, Err: err}
	}
	return attr, nil
}

// ReadDir lists the directory p.
func (ns *Namespace) ReadDir(ctx context.Context, p string) ([]Dirent, error) {
	n, err := ns.resolve(ctx, p, true)
	if err != nil {
		return nil, &PathError{Op: "readdir", Path: p, Err: err}
	}
	if n.Type() != TypeDir {
		return nil, &PathError{Op: "readdir", Path: p, Err: ErrNotADirectory}
	}
	ents, err := ReadDirAll(ctx, n)
	if err != nil {
		return nil, &PathError{Op: "readdir", Path: p, Err: err}
	}
	return ents, nil
}

// ReadFile returns the whole content of the file p.
func (ns *Namespace) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f, err := ns.Open(ctx, p, OpenRead, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []byte
	buf := make([]byte, 32<<10)
	for {
		n, err := f.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if isEOF(err) {
				return out, nil
			}
			return out, &PathError{Op: "read", Path: p, Err: err}
		}
	}
}

// WriteFile replaces the content of the file p, creating it with perm if
// missing.
func (ns *Namespace) WriteFile(ctx context.Context, p string, data []byte, perm uint32) error {
	f, err := ns.Create(ctx, p, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(ctx, data); err != nil {
		f.Close()
		return &PathError{Op: "write", Path: p, Err: err}
	}
	return f.Close()
}

// String renders the mount table, one mount per line.
func (ns *Namespace) String() string {
	var s string
	for _, m := range ns.Mounts() {
		s += fmt.Sprintf("%d %d %s %s %s %s\n", m.ID, m.ParentID, m.Source, m.Target, m.Type, m.Options)
	}
	return s
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func isEOF(err error) bool { return err == io.EOF }
