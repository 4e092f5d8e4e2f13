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
	"sync/atomic"
)

// Mount records one filesystem instance attached at a directory of its
// parent mount. The mount tree is guarded by the owning namespace's lock;
// parent and anchor are back-references used for ascent only.
type Mount struct {
	ns      *Namespace
	id      uint64
	fs      Filesystem
	source  string
	fstype  string
	options Options
	target  string

	rootIno uint64
	root    *MountNode

	parent   *Mount
	anchor   *MountNode        // Covered directory in parent.
	children map[uint64]*Mount // Keyed by the anchor's inode number.
	detached bool

	// deps are mounts this one holds busy, e.g. the layers of an overlay.
	deps []*Mount

	open int64 // Open handles, accessed atomically.
}

func newMount(ns *Namespace, id uint64, fs Filesystem) *Mount {
	m := &Mount{
		ns:       ns,
		id:       id,
		fs:       fs,
		children: make(map[uint64]*Mount),
	}
	root := fs.Root()
	m.rootIno = root.Ino()
	m.root = &MountNode{mnt: m, inner: root}
	return m
}

// ID returns the mount's identifier, unique within its namespace.
func (m *Mount) ID() uint64 { return m.id }

// Filesystem returns the mounted filesystem instance.
func (m *Mount) Filesystem() Filesystem { return m.fs }

// Root returns the mounted filesystem's root, as seen through the mount.
func (m *Mount) Root() *MountNode { return m.root }

// Target returns the path the mount was attached at.
func (m *Mount) Target() string { return m.target }

// Anchor returns the directory the mount covers, nil for the namespace root.
func (m *Mount) Anchor() *MountNode {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	return m.anchor
}

// OpenHandles returns the number of handles currently open on the mount.
func (m *Mount) OpenHandles() int64 { return atomic.LoadInt64(&m.open) }

// Parent returns the mount this one is attached to, nil for the namespace
// root or a detached mount.
func (m *Mount) Parent() *Mount {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	return m.parent
}

// pin records a new user of the mount; it fails once the mount is detached.
func (m *Mount) pin() error {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	if m.detached {
		return ErrNotFound
	}
	atomic.AddInt64(&m.open, 1)
	return nil
}

func (m *Mount) unpin() { atomic.AddInt64(&m.open, -1) }

// cover returns the mount whose root is stacked on top of ino, following
// mounts stacked on mount roots. Callers hold the namespace read lock.
func (m *Mount) cover(ino uint64) *Mount {
	cur := m
	for {
		next, ok := cur.children[ino]
		if !ok {
			return cur
		}
		cur, ino = next, next.rootIno
	}
}

// wrap decorates inner, a node of m's filesystem, substituting the root of
// any mount anchored on it.
func (m *Mount) wrap(inner Node) *MountNode {
	if inner.Type() != TypeDir {
		return &MountNode{mnt: m, inner: inner}
	}
	m.ns.mu.RLock()
	top := m.cover(inner.Ino())
	m.ns.mu.RUnlock()
	if top == m {
		return &MountNode{mnt: m, inner: inner}
	}
	return top.root
}

// isAnchor reports whether ino anchors a mount under m.
func (m *Mount) isAnchor(ino uint64) bool {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	_, ok := m.children[ino]
	return ok
}

// attach mounts fs on target. The target's mounted state and the child's
// back-references are published in one critical section.
func (ns *Namespace) attach(target *MountNode, child *Mount) error {
	if target.Type() != TypeDir {
		return ErrNotADirectory
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	parent := target.mnt
	if parent.detached {
		return ErrNotFound
	}
	ino := target.inner.Ino()
	if _, ok := parent.children[ino]; ok {
		return ErrBusy
	}
	child.parent = parent
	child.anchor = target
	parent.children[ino] = child
	return nil
}

// detach removes m from the mount tree. It fails with ErrBusy while m has
// open handles or nested mounts.
func (ns *Namespace) detach(m *Mount) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if m.parent == nil {
		if m.detached {
			return ErrInvalid
		}
		return ErrBusy // The namespace root stays mounted.
	}
	if len(m.children) > 0 || atomic.LoadInt64(&m.open) > 0 {
		return ErrBusy
	}
	delete(m.parent.children, m.anchor.inner.Ino())
	m.parent = nil
	m.detached = true
	return nil
}

// MountNode decorates the nodes of a mounted filesystem so that lookups
// cross into child mounts and ".." at a mount root climbs out to the covered
// directory's parent. Every node reached through a namespace is a MountNode.
type MountNode struct {
	mnt   *Mount
	inner Node
}

var _ Node = (*MountNode)(nil)

// Mount returns the mount the node was reached through.
func (n *MountNode) Mount() *Mount { return n.mnt }

// Inner returns the decorated node.
func (n *MountNode) Inner() Node { return n.inner }

// IsMountRoot reports whether n is the root of its mount.
func (n *MountNode) IsMountRoot() bool { return n.inner.Ino() == n.mnt.rootIno }

func (n *MountNode) Filesystem() Filesystem { return n.inner.Filesystem() }
func (n *MountNode) Ino() uint64            { return n.inner.Ino() }
func (n *MountNode) Type() FileType         { return n.inner.Type() }

func (n *MountNode) Attr(ctx context.Context) (Attr, error) { return n.inner.Attr(ctx) }

func (n *MountNode) SetAttr(ctx context.Context, s SetAttr) (Attr, error) {
	return n.inner.SetAttr(ctx, s)
}

func (n *MountNode) Lookup(ctx context.Context, name string) (Node, error) {
	switch name {
	case ".":
		return n, nil
	case "..":
		return n.parent(ctx)
	}
	child, err := n.inner.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(child), nil
}

// parent climbs one level. At a mount root it continues from the covered
// anchor, so ".." never stops at a filesystem boundary.
func (n *MountNode) parent(ctx context.Context) (Node, error) {
	if n.IsMountRoot() {
		n.mnt.ns.mu.RLock()
		parent, anchor := n.mnt.parent, n.mnt.anchor
		n.mnt.ns.mu.RUnlock()
		if parent == nil {
			return n, nil
		}
		return anchor.parent(ctx)
	}
	p, err := n.inner.Lookup(ctx, "..")
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(p), nil
}

func (n *MountNode) Create(ctx context.Context, name string, perm uint32) (Node, error) {
	child, err := n.inner.Create(ctx, name, perm)
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(child), nil
}

func (n *MountNode) Mkdir(ctx context.Context, name string, perm uint32) (Node, error) {
	child, err := n.inner.Mkdir(ctx, name, perm)
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(child), nil
}

func (n *MountNode) Mknod(ctx context.Context, name string, typ FileType, perm, rdev uint32) (Node, error) {
	child, err := n.inner.Mknod(ctx, name, typ, perm, rdev)
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(child), nil
}

func (n *MountNode) Symlink(ctx context.Context, name, target string) (Node, error) {
	child, err := n.inner.Symlink(ctx, name, target)
	if err != nil {
		return nil, err
	}
	return n.mnt.wrap(child), nil
}

func (n *MountNode) Readlink(ctx context.Context) (string, error) { return n.inner.Readlink(ctx) }

// anchored reports whether the entry name of n anchors a mount.
func (n *MountNode) anchored(ctx context.Context, name string) bool {
	child, err := n.inner.Lookup(ctx, name)
	if err != nil || child.Type() != TypeDir {
		return false
	}
	return n.mnt.isAnchor(child.Ino())
}

func (n *MountNode) Unlink(ctx context.Context, name string) error {
	if n.anchored(ctx, name) {
		return ErrBusy
	}
	return n.inner.Unlink(ctx, name)
}

func (n *MountNode) Rmdir(ctx context.Context, name string) error {
	if n.anchored(ctx, name) {
		return ErrBusy
	}
	return n.inner.Rmdir(ctx, name)
}

func (n *MountNode) Rename(ctx context.Context, name string, newDir Node, newName string) error {
	dst, ok := newDir.(*MountNode)
	if !ok || dst.mnt != n.mnt {
		return ErrCrossDevice
	}
	if n.anchored(ctx, name) || dst.anchored(ctx, newName) {
		return ErrBusy
	}
	return n.inner.Rename(ctx, name, dst.inner, newName)
}

func (n *MountNode) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return n.inner.ReadAt(ctx, p, off)
}

func (n *MountNode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return n.inner.WriteAt(ctx, p, off)
}

func (n *MountNode) ReadDir(ctx context.Context, cursor uint64, count int) ([]Dirent, error) {
	return n.inner.ReadDir(ctx, cursor, count)
}
