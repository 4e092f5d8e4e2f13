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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

// TypeName is the name FUSE mounts register under.
const TypeName = "fuse"

const (
	defaultDestroyTimeout = 5 * time.Second
	defaultMaxRead        = 128 << 10
	readdirSize           = 4096
)

// Config holds the mount options of a FUSE filesystem.
type Config struct {
	RootMode           uint32 // rootmode=, in octal
	Uid, Gid           uint32 // user_id=, group_id=
	MaxRead            uint32 // max_read=
	AllowOther         bool
	DefaultPermissions bool
	// DestroyTimeout bounds both the grace period granted to in-flight
	// requests at unmount and the wait for the DESTROY reply.
	DestroyTimeout time.Duration
}

// ParseConfig extracts the descriptor and configuration from mount
// options. fd= is required.
func ParseConfig(opts vfs.Options) (int, Config, error) {
	cfg := Config{
		RootMode:       unix.S_IFDIR | 0755,
		MaxRead:        defaultMaxRead,
		DestroyTimeout: defaultDestroyTimeout,
	}
	if !opts.Has("fd") {
		return 0, cfg, fmt.Errorf("fuse: missing fd option: %w", vfs.ErrInvalid)
	}
	fd, err := opts.Uint("fd", 10, 0)
	if err != nil {
		return 0, cfg, err
	}
	mode, err := opts.Uint("rootmode", 8, uint64(cfg.RootMode))
	if err != nil {
		return 0, cfg, err
	}
	if vfs.FileTypeFromMode(uint32(mode)) != vfs.TypeDir {
		return 0, cfg, fmt.Errorf("fuse: rootmode %o is not a directory: %w", mode, vfs.ErrInvalid)
	}
	cfg.RootMode = uint32(mode)
	uid, err := opts.Uint("user_id", 10, 0)
	if err != nil {
		return 0, cfg, err
	}
	gid, err := opts.Uint("group_id", 10, 0)
	if err != nil {
		return 0, cfg, err
	}
	cfg.Uid, cfg.Gid = uint32(uid), uint32(gid)
	maxRead, err := opts.Uint("max_read", 10, defaultMaxRead)
	if err != nil {
		return 0, cfg, err
	}
	if maxRead == 0 || maxRead > 1<<32-1 {
		return 0, cfg, fmt.Errorf("fuse: max_read=%d: %w", maxRead, vfs.ErrInvalid)
	}
	cfg.MaxRead = uint32(maxRead)
	cfg.AllowOther = opts.Has("allow_other")
	cfg.DefaultPermissions = opts.Has("default_permissions")
	if v := opts.Get("destroy_timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return 0, cfg, fmt.Errorf("fuse: destroy_timeout=%q: %w", v, vfs.ErrInvalid)
		}
		cfg.DestroyTimeout = d
	}
	return int(fd), cfg, nil
}

// Register adds the fuse type to r. Mounts name their device with the fd
// option, a descriptor opened from devs.
func Register(r *vfs.Registry, devs *DeviceTable, logger *log.Logger) error {
	return r.Register(TypeName, func(ctx context.Context, data *vfs.MountData) (vfs.Filesystem, error) {
		fd, cfg, err := ParseConfig(data.Options)
		if err != nil {
			return nil, err
		}
		dev, err := devs.Get(fd)
		if err != nil {
			return nil, fmt.Errorf("fuse: fd=%d: %w", fd, err)
		}
		return Mount(logger, dev, cfg)
	})
}

// FS is a filesystem served by a daemon over a FUSE connection.
type FS struct {
	vfs.Superblock

	logger *log.Logger
	conn   *Conn
	cfg    Config
	root   *node

	// mu guards the node table and the lookup counts in it.
	mu    sync.Mutex
	nodes map[uint64]*node
	names map[nameKey]*node

	noOpen    int32 // Accessed atomically.
	noOpendir int32
	noCreate  int32
}

type nameKey struct {
	dir  uint64
	name string
}

var _ vfs.Filesystem = (*FS)(nil)
var _ vfs.Unmounter = (*FS)(nil)

// Mount binds the connection behind dev to a new filesystem and queues the
// INIT request. Operations issued before the daemon answers INIT wait for
// it.
func Mount(logger *log.Logger, dev *Dev, cfg Config) (*FS, error) {
	if err := dev.conn.bind(); err != nil {
		return nil, fmt.Errorf("fuse: fd=%d: %w", dev.fd, err)
	}
	fs := &FS{
		logger: logger.With("fuse", dev.conn.id),
		conn:   dev.conn,
		cfg:    cfg,
		nodes:  make(map[uint64]*node),
		names:  make(map[nameKey]*node),
	}
	fs.root = &node{fs: fs, id: wire.RootID, typ: vfs.TypeDir}
	fs.nodes[wire.RootID] = fs.root
	fs.NodeAllocated()
	fs.logger.Infof("mounted on fd %d", dev.fd)
	return fs, nil
}

func (fs *FS) Name() string   { return TypeName }
func (fs *FS) Root() vfs.Node { return fs.root }

// Conn returns the connection the filesystem is served over.
func (fs *FS) Conn() *Conn { return fs.conn }

// Config returns the mount options.
func (fs *FS) Config() Config { return fs.cfg }

// Unmount runs the connection's unmount sequence, forgetting every node the
// daemon still counts lookups for.
func (fs *FS) Unmount(ctx context.Context) error {
	fs.conn.shutdown(ctx, fs.cfg.DestroyTimeout, fs.forgetAll)
	if err := fs.conn.Err(); err != nil && err != vfs.ErrConnectionClosed {
		return err
	}
	return nil
}

func (fs *FS) forgetAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, n := range fs.nodes {
		if n == fs.root {
			continue
		}
		if n.nlookup > 0 {
			fs.conn.forget(id, n.nlookup)
			n.nlookup = 0
		}
		delete(fs.nodes, id)
		fs.NodeFreed()
	}
	fs.names = make(map[nameKey]*node)
}

// header returns a request header for an operation on node n.
func (fs *FS) header(op wire.Opcode, n *node) wire.InHeader {
	return wire.InHeader{Opcode: op, Nodeid: n.id, Uid: fs.cfg.Uid, Gid: fs.cfg.Gid}
}

// entry records a successful lookup of name in dir, returning the node for
// the entry. A zero node ID is a negative entry.
func (fs *FS) entry(dir *node, name string, payload []byte) (*node, error) {
	var out wire.EntryOut
	if _, err := wire.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	if out.Nodeid == 0 {
		return nil, vfs.ErrNotFound
	}
	typ := vfs.FileTypeFromMode(out.Attr.Mode)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if out.Nodeid == wire.RootID {
		return fs.root, nil
	}
	n, ok := fs.nodes[out.Nodeid]
	switch {
	case !ok:
		n = &node{fs: fs, id: out.Nodeid, typ: typ}
		fs.nodes[out.Nodeid] = n
		fs.NodeAllocated()
	case n.typ != typ:
		// The daemon reused the ID for a different object; its lookup count
		// carries over.
		fs.logger.Warnf("node %d changed type from %v to %v", out.Nodeid, n.typ, typ)
		fs.unname(n)
		n = &node{fs: fs, id: out.Nodeid, typ: typ, nlookup: n.nlookup}
		fs.nodes[out.Nodeid] = n
	}
	n.unlinked = false
	n.nlookup++
	fs.unname(n)
	n.parent, n.name = dir, name
	fs.names[nameKey{dir.id, name}] = n
	return n, nil
}

func (fs *FS) unname(n *node) {
	if n.parent == nil {
		return
	}
	k := nameKey{n.parent.id, n.name}
	if fs.names[k] == n {
		delete(fs.names, k)
	}
}

// removed drops the entry name of dir after an unlink or rmdir. The node is
// forgotten now, or when its last handle is released.
func (fs *FS) removed(dir *node, name string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.names[nameKey{dir.id, name}]
	if !ok {
		return
	}
	delete(fs.names, nameKey{dir.id, name})
	n.parent, n.unlinked = nil, true
	fs.release(n)
}

// release forgets n if it is unlinked and unused. fs.mu is held.
func (fs *FS) release(n *node) {
	if !n.unlinked || n.handles > 0 || n == fs.root {
		return
	}
	if fs.nodes[n.id] == n {
		delete(fs.nodes, n.id)
		fs.NodeFreed()
	}
	if n.nlookup > 0 {
		fs.conn.forget(n.id, n.nlookup)
		n.nlookup = 0
	}
}

// renamed moves the entry name of dir to newName of newDir.
func (fs *FS) renamed(dir *node, name string, newDir *node, newName string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if old, ok := fs.names[nameKey{newDir.id, newName}]; ok {
		delete(fs.names, nameKey{newDir.id, newName})
		old.parent, old.unlinked = nil, true
		fs.release(old)
	}
	n, ok := fs.names[nameKey{dir.id, name}]
	if !ok {
		return
	}
	delete(fs.names, nameKey{dir.id, name})
	n.parent, n.name = newDir, newName
	fs.names[nameKey{newDir.id, newName}] = n
}

// Lookups returns the lookup count the kernel side holds for node id.
func (fs *FS) Lookups(id uint64) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n, ok := fs.nodes[id]; ok {
		return n.nlookup
	}
	return 0
}

func flag(p *int32) bool { return atomic.LoadInt32(p) != 0 }
func setFlag(p *int32)   { atomic.StoreInt32(p, 1) }
