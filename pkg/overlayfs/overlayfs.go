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

// Package overlayfs implements a union filesystem: a writable upper
// directory stacked over one or more read-only lower directories, all of
// them nodes of other filesystems.
//
// Lookups consult the upper layer first, then each lower layer in order; the
// first hit wins. Deleting a name that a lower layer provides leaves a
// whiteout in the upper layer, a character device with device number 0/0. A
// directory holding the opaque marker hides everything beneath it in lower
// layers. Modifying a file that only exists in a lower layer first copies it
// up: its ancestors are copied, then the file is staged under a temporary
// name, given its attributes and renamed into place.
package overlayfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// TypeName is the name overlayfs registers under.
const TypeName = "overlay"

const (
	// internalPrefix marks names reserved by the overlay. Entries carrying
	// it never show up in listings or lookups.
	internalPrefix = ".wh."
	opaqueName     = ".wh..wh..opq"
	stagingPrefix  = ".wh..wh.copyup."

	whiteoutPerm = 0600
	copyBufSize  = 64 << 10
	rootIno      = 1
)

// Config describes the layers of an overlay.
type Config struct {
	// Upper is the writable layer. Without it the overlay is read-only.
	Upper vfs.Node
	// Lower lists the read-only layers, topmost first.
	Lower []vfs.Node
	// Work is an optional staging directory for copy-ups. It must belong
	// to the upper layer's filesystem.
	Work vfs.Node
}

// FS is an overlay filesystem instance.
type FS struct {
	vfs.Superblock

	logger *log.Logger
	upper  vfs.Node
	work   vfs.Node
	root   *node

	copyUps int64 // Accessed atomically.
	staged  uint64

	// tree guards the parent and name fields of every node.
	tree sync.Mutex

	inoMu   sync.Mutex
	inos    map[inoKey]uint64
	nextIno uint64
}

type inoKey struct {
	dir  uint64
	name string
}

var _ vfs.Filesystem = (*FS)(nil)

// New stacks the layers described by cfg.
func New(logger *log.Logger, cfg Config) (*FS, error) {
	if len(cfg.Lower) == 0 {
		return nil, fmt.Errorf("overlay: no lower layers: %w", vfs.ErrInvalid)
	}
	for _, l := range cfg.Lower {
		if l.Type() != vfs.TypeDir {
			return nil, vfs.ErrNotADirectory
		}
	}
	if cfg.Upper != nil && cfg.Upper.Type() != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	if cfg.Work != nil {
		if cfg.Upper == nil {
			return nil, fmt.Errorf("overlay: workdir without upperdir: %w", vfs.ErrInvalid)
		}
		if cfg.Work.Type() != vfs.TypeDir {
			return nil, vfs.ErrNotADirectory
		}
		if cfg.Work.Filesystem() != cfg.Upper.Filesystem() {
			return nil, fmt.Errorf("overlay: workdir and upperdir on different filesystems: %w", vfs.ErrInvalid)
		}
	}

	fs := &FS{
		logger:  logger,
		upper:   cfg.Upper,
		work:    cfg.Work,
		inos:    make(map[inoKey]uint64),
		nextIno: rootIno,
	}
	fs.root = &node{
		fs:     fs,
		ino:    rootIno,
		typ:    vfs.TypeDir,
		upper:  cfg.Upper,
		lowers: cfg.Lower,
	}
	fs.NodeAllocated()
	return fs, nil
}

// Register adds the overlay type to r. The layers are named by the
// upperdir, lowerdir (colon-separated, topmost first) and workdir options
// and resolved through the mount data; the namespace keeps the mounts
// holding them busy while the overlay is mounted.
func Register(r *vfs.Registry, logger *log.Logger) error {
	return r.Register(TypeName, func(ctx context.Context, data *vfs.MountData) (vfs.Filesystem, error) {
		if data.Lookup == nil {
			return nil, fmt.Errorf("overlay: layers cannot be resolved: %w", vfs.ErrInvalid)
		}
		lowerdir := data.Options.Get("lowerdir", "")
		if lowerdir == "" {
			return nil, fmt.Errorf("overlay: missing lowerdir: %w", vfs.ErrInvalid)
		}
		var cfg Config
		for _, p := range strings.Split(lowerdir, ":") {
			if p == "" {
				return nil, fmt.Errorf("overlay: empty lowerdir entry: %w", vfs.ErrInvalid)
			}
			n, err := data.Lookup(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("overlay: lowerdir %s: %w", p, err)
			}
			cfg.Lower = append(cfg.Lower, n)
		}
		if p := data.Options.Get("upperdir", ""); p != "" {
			n, err := data.Lookup(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("overlay: upperdir %s: %w", p, err)
			}
			cfg.Upper = n
		}
		if p := data.Options.Get("workdir", ""); p != "" {
			n, err := data.Lookup(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("overlay: workdir %s: %w", p, err)
			}
			cfg.Work = n
		}
		return New(logger, cfg)
	})
}

func (fs *FS) Name() string   { return TypeName }
func (fs *FS) Root() vfs.Node { return fs.root }

// CopyUps returns the number of nodes copied from a lower layer to the
// upper layer.
func (fs *FS) CopyUps() int64 { return atomic.LoadInt64(&fs.copyUps) }

// ino returns the inode number of the entry name in directory dir. Numbers
// are allocated on first use and stay fixed while the entry exists.
func (fs *FS) ino(dir uint64, name string) uint64 {
	fs.inoMu.Lock()
	defer fs.inoMu.Unlock()
	k := inoKey{dir, name}
	if ino, ok := fs.inos[k]; ok {
		return ino
	}
	fs.nextIno++
	fs.inos[k] = fs.nextIno
	return fs.nextIno
}

// moveIno carries the inode number of an entry across a rename.
func (fs *FS) moveIno(dir uint64, name string, newDir uint64, newName string) {
	fs.inoMu.Lock()
	defer fs.inoMu.Unlock()
	if ino, ok := fs.inos[inoKey{dir, name}]; ok {
		delete(fs.inos, inoKey{dir, name})
		fs.inos[inoKey{newDir, newName}] = ino
	}
}

func (fs *FS) dropIno(dir uint64, name string) {
	fs.inoMu.Lock()
	delete(fs.inos, inoKey{dir, name})
	fs.inoMu.Unlock()
}

func (fs *FS) stagingName() string {
	return fmt.Sprintf("%s%d", stagingPrefix, atomic.AddUint64(&fs.staged, 1))
}

// isWhiteout reports whether n marks a deleted name.
func isWhiteout(ctx context.Context, n vfs.Node) bool {
	if n.Type() != vfs.TypeCharDevice {
		return false
	}
	a, err := n.Attr(ctx)
	return err == nil && a.Rdev == 0
}

// isOpaque reports whether directory n hides the layers beneath it.
func isOpaque(ctx context.Context, n vfs.Node) bool {
	_, err := n.Lookup(ctx, opaqueName)
	return err == nil
}

func internal(name string) bool { return strings.HasPrefix(name, internalPrefix) }

func makeWhiteout(ctx context.Context, dir vfs.Node, name string) error {
	_, err := dir.Mknod(ctx, name, vfs.TypeCharDevice, whiteoutPerm, 0)
	return err
}

func makeOpaque(ctx context.Context, dir vfs.Node) error {
	_, err := dir.Create(ctx, opaqueName, whiteoutPerm)
	return err
}
