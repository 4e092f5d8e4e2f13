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

// Package boltfs implements a persistent filesystem stored in a single bolt
// database file. Inodes, directory entries and file content live in separate
// buckets; file content is checksummed with BLAKE2b-256 and verified on every
// read.
package boltfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/golang/protobuf/proto"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// TypeName is the name boltfs registers under.
const TypeName = "boltfs"

const (
	rootIno      = 1
	maxNameLen   = 255
	blockSize    = 4096
	defaultPerms = 0755
	openTimeout  = time.Second
)

var (
	bucketInodes  = []byte("inodes")
	bucketDirents = []byte("dirents")
	bucketData    = []byte("data")
)

// Config configures Open.
type Config struct {
	// Perm, Uid and Gid apply to the root directory of a new database.
	Perm uint32
	Uid  uint32
	Gid  uint32

	ReadOnly bool
}

// FS is a filesystem instance backed by a bolt database.
type FS struct {
	vfs.Superblock

	logger   *log.Logger
	db       *bolt.DB
	path     string
	readOnly bool

	// nodes hands out one *node per live inode so callers can compare
	// nodes by identity.
	mu    sync.Mutex
	nodes map[uint64]*node
}

var _ vfs.Filesystem = (*FS)(nil)
var _ vfs.Unmounter = (*FS)(nil)

// Open opens the database at path, creating it and the root directory if
// needed.
func Open(logger *log.Logger, path string, cfg Config) (*FS, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout, ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, err
	}
	fs := &FS{
		logger:   logger.With("boltfs", path),
		db:       db,
		path:     path,
		readOnly: cfg.ReadOnly,
		nodes:    make(map[uint64]*node),
	}
	if !cfg.ReadOnly {
		if err := db.Update(func(tx *bolt.Tx) error { return fs.format(tx, cfg) }); err != nil {
			db.Close()
			return nil, err
		}
	}

	var live int
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInodes)
		if b == nil {
			return fmt.Errorf("%s: not a boltfs database: %w", path, vfs.ErrInvalid)
		}
		live = b.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	for i := 0; i < live; i++ {
		fs.NodeAllocated()
	}
	fs.logger.Debugf("opened with %d inodes", live)
	return fs, nil
}

// format creates the buckets and the root directory of an empty database.
func (fs *FS) format(tx *bolt.Tx, cfg Config) error {
	for _, name := range [][]byte{bucketInodes, bucketDirents, bucketData} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("create bucket %s: %v", name, err)
		}
	}
	b := tx.Bucket(bucketInodes)
	if b.Get(inoKey(rootIno)) != nil {
		return nil
	}
	ino, err := b.NextSequence()
	if err != nil {
		return err
	}
	if ino != rootIno {
		return fmt.Errorf("root inode allocated as %d: %w", ino, vfs.ErrIO)
	}
	if cfg.Perm == 0 {
		cfg.Perm = defaultPerms
	}
	root := newInode(vfs.TypeDir, cfg.Perm, cfg.Uid, cfg.Gid, time.Now())
	root.Parent = rootIno
	return putInode(tx, rootIno, root)
}

// Register adds the boltfs type to r. The mount source names the database
// file; the mode, uid, gid and ro options are honoured.
func Register(r *vfs.Registry, logger *log.Logger) error {
	return r.Register(TypeName, func(ctx context.Context, data *vfs.MountData) (vfs.Filesystem, error) {
		if data.Source == "" {
			return nil, fmt.Errorf("boltfs: no database path given: %w", vfs.ErrInvalid)
		}
		var cfg Config
		perm, err := data.Options.Uint("mode", 8, defaultPerms)
		if err != nil {
			return nil, err
		}
		uid, err := data.Options.Uint("uid", 10, 0)
		if err != nil {
			return nil, err
		}
		gid, err := data.Options.Uint("gid", 10, 0)
		if err != nil {
			return nil, err
		}
		cfg.Perm, cfg.Uid, cfg.Gid = uint32(perm), uint32(uid), uint32(gid)
		cfg.ReadOnly = data.Options.Has("ro")
		return Open(logger, data.Source, cfg)
	})
}

func (fs *FS) Name() string { return TypeName }

func (fs *FS) Root() vfs.Node { return fs.node(rootIno, vfs.TypeDir) }

// Path returns the database file.
func (fs *FS) Path() string { return fs.path }

// Unmount closes the database.
func (fs *FS) Unmount(ctx context.Context) error {
	fs.logger.Debug("closing database")
	return fs.db.Close()
}

func (fs *FS) node(ino uint64, typ vfs.FileType) *node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n, ok := fs.nodes[ino]; ok {
		return n
	}
	n := &node{fs: fs, ino: ino, typ: typ}
	fs.nodes[ino] = n
	return n
}

func (fs *FS) forget(ino uint64) {
	fs.mu.Lock()
	delete(fs.nodes, ino)
	fs.mu.Unlock()
	fs.NodeFreed()
}

func (fs *FS) update(fn func(tx *bolt.Tx) error) error {
	if fs.readOnly {
		return vfs.ErrReadOnly
	}
	return fs.db.Update(fn)
}

// inode is the stored form of a node's metadata.
type inode struct {
	Type   uint32 `protobuf:"varint,1,opt,name=type,proto3"`
	Perm   uint32 `protobuf:"varint,2,opt,name=perm,proto3"`
	Uid    uint32 `protobuf:"varint,3,opt,name=uid,proto3"`
	Gid    uint32 `protobuf:"varint,4,opt,name=gid,proto3"`
	Rdev   uint32 `protobuf:"varint,5,opt,name=rdev,proto3"`
	Nlink  uint32 `protobuf:"varint,6,opt,name=nlink,proto3"`
	Size   uint64 `protobuf:"varint,7,opt,name=size,proto3"`
	Atime  int64  `protobuf:"varint,8,opt,name=atime,proto3"`
	Mtime  int64  `protobuf:"varint,9,opt,name=mtime,proto3"`
	Ctime  int64  `protobuf:"varint,10,opt,name=ctime,proto3"`
	Parent uint64 `protobuf:"varint,11,opt,name=parent,proto3"` // Directories only
	Target string `protobuf:"bytes,12,opt,name=target,proto3"`  // Symlinks only
	Sum    []byte `protobuf:"bytes,13,opt,name=sum,proto3"`     // BLAKE2b-256 of the content
}

func (m *inode) Reset()         { *m = inode{} }
func (m *inode) String() string { return proto.CompactTextString(m) }
func (*inode) ProtoMessage()    {}

func newInode(typ vfs.FileType, perm, uid, gid uint32, now time.Time) *inode {
	rec := &inode{
		Type:  uint32(typ),
		Perm:  perm & vfs.PermMask,
		Uid:   uid,
		Gid:   gid,
		Nlink: 1,
		Atime: now.UnixNano(),
		Mtime: now.UnixNano(),
		Ctime: now.UnixNano(),
	}
	if typ == vfs.TypeDir {
		rec.Nlink = 2
	}
	return rec
}

func (m *inode) attr(ino uint64) vfs.Attr {
	a := vfs.Attr{
		Ino:       ino,
		Type:      vfs.FileType(m.Type),
		Perm:      m.Perm,
		Size:      m.Size,
		BlockSize: blockSize,
		Nlink:     m.Nlink,
		Uid:       m.Uid,
		Gid:       m.Gid,
		Rdev:      m.Rdev,
		Atime:     time.Unix(0, m.Atime),
		Mtime:     time.Unix(0, m.Mtime),
		Ctime:     time.Unix(0, m.Ctime),
	}
	switch a.Type {
	case vfs.TypeSymlink:
		a.Size = uint64(len(m.Target))
	case vfs.TypeDir:
		a.Size = blockSize
	}
	a.Blocks = (a.Size + 511) / 512
	return a
}

func (m *inode) setAttr(a vfs.Attr) {
	m.Perm, m.Uid, m.Gid, m.Size = a.Perm, a.Uid, a.Gid, a.Size
	m.Atime, m.Mtime, m.Ctime = a.Atime.UnixNano(), a.Mtime.UnixNano(), a.Ctime.UnixNano()
}

func (m *inode) touch(now time.Time) {
	m.Mtime, m.Ctime = now.UnixNano(), now.UnixNano()
}

func inoKey(ino uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, ino)
	return k
}

// direntKey orders a directory's entries contiguously, by name.
func direntKey(dir uint64, name string) []byte {
	k := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(k, dir)
	copy(k[8:], name)
	return k
}

func direntValue(ino uint64, typ vfs.FileType) []byte {
	v := make([]byte, 9)
	binary.BigEndian.PutUint64(v, ino)
	v[8] = byte(typ)
	return v
}

func parseDirent(v []byte) (uint64, vfs.FileType) {
	return binary.BigEndian.Uint64(v), vfs.FileType(v[8])
}

func getInode(tx *bolt.Tx, ino uint64) (*inode, error) {
	v := tx.Bucket(bucketInodes).Get(inoKey(ino))
	if v == nil {
		return nil, vfs.ErrNotFound
	}
	rec := &inode{}
	if err := proto.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("inode %d: %v: %w", ino, err, vfs.ErrIO)
	}
	return rec, nil
}

func putInode(tx *bolt.Tx, ino uint64, rec *inode) error {
	v, err := proto.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketInodes).Put(inoKey(ino), v)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.IndexByte(name, '/') >= 0 {
		return vfs.ErrInvalid
	}
	if len(name) > maxNameLen {
		return vfs.ErrInvalid
	}
	return nil
}
