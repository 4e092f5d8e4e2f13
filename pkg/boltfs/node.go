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

package boltfs

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/kurafs/mountfs/pkg/vfs"
	"golang.org/x/crypto/blake2b"
)

// node is a handle on an inode; all of its state lives in the database.
type node struct {
	fs  *FS
	ino uint64
	typ vfs.FileType
}

var _ vfs.Node = (*node)(nil)

func (n *node) Filesystem() vfs.Filesystem { return n.fs }
func (n *node) Ino() uint64                { return n.ino }
func (n *node) Type() vfs.FileType         { return n.typ }

func (n *node) Attr(ctx context.Context) (vfs.Attr, error) {
	var a vfs.Attr
	err := n.fs.db.View(func(tx *bolt.Tx) error {
		rec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		a = rec.attr(n.ino)
		return nil
	})
	return a, err
}

func (n *node) SetAttr(ctx context.Context, s vfs.SetAttr) (vfs.Attr, error) {
	if s.Valid&vfs.SetSize != 0 {
		if n.typ == vfs.TypeDir {
			return vfs.Attr{}, vfs.ErrIsADirectory
		}
		if n.typ != vfs.TypeRegular {
			return vfs.Attr{}, vfs.ErrInvalid
		}
		if s.Size > maxFileSize {
			return vfs.Attr{}, vfs.ErrFileTooLarge
		}
	}
	var a vfs.Attr
	err := n.fs.update(func(tx *bolt.Tx) error {
		rec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		if s.Valid&vfs.SetSize != 0 {
			data, err := n.content(tx, rec)
			if err != nil {
				return err
			}
			if err := n.store(tx, rec, resize(data, int(s.Size))); err != nil {
				return err
			}
		}
		a = rec.attr(n.ino)
		s.Apply(&a, time.Now())
		rec.setAttr(a)
		a = rec.attr(n.ino)
		return putInode(tx, n.ino, rec)
	})
	return a, err
}

// content returns a copy of the file's data, verified against its checksum.
func (n *node) content(tx *bolt.Tx, rec *inode) ([]byte, error) {
	stored := tx.Bucket(bucketData).Get(inoKey(n.ino))
	if len(rec.Sum) > 0 {
		sum := blake2b.Sum256(stored)
		if !bytes.Equal(sum[:], rec.Sum) {
			n.fs.logger.Errorf("inode %d: content checksum mismatch", n.ino)
			return nil, vfs.ErrIO
		}
	}
	data := make([]byte, len(stored))
	copy(data, stored)
	return data, nil
}

// store replaces the file's data and refreshes size and checksum in rec. The
// caller writes rec back.
func (n *node) store(tx *bolt.Tx, rec *inode, data []byte) error {
	if err := tx.Bucket(bucketData).Put(inoKey(n.ino), data); err != nil {
		return err
	}
	sum := blake2b.Sum256(data)
	rec.Sum = sum[:]
	rec.Size = uint64(len(data))
	rec.touch(time.Now())
	return nil
}

// maxFileSize bounds file content, which is stored as a single bolt value.
const maxFileSize = bolt.MaxValueSize

func resize(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

func (n *node) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	if name == "." {
		return n, nil
	}
	var child *node
	err := n.fs.db.View(func(tx *bolt.Tx) error {
		if name == ".." {
			rec, err := getInode(tx, n.ino)
			if err != nil {
				return err
			}
			if rec.Nlink == 0 {
				return vfs.ErrNotFound
			}
			child = n.fs.node(rec.Parent, vfs.TypeDir)
			return nil
		}
		v := tx.Bucket(bucketDirents).Get(direntKey(n.ino, name))
		if v == nil {
			return vfs.ErrNotFound
		}
		ino, typ := parseDirent(v)
		child = n.fs.node(ino, typ)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// link adds a new entry for typ under n. It returns the created node.
func (n *node) link(name string, typ vfs.FileType, perm uint32, init func(*inode)) (vfs.Node, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	var ino uint64
	err := n.fs.update(func(tx *bolt.Tx) error {
		parent, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		if parent.Nlink == 0 {
			return vfs.ErrNotFound // Removed directory.
		}
		dirents := tx.Bucket(bucketDirents)
		key := direntKey(n.ino, name)
		if dirents.Get(key) != nil {
			return vfs.ErrAlreadyExists
		}
		if ino, err = tx.Bucket(bucketInodes).NextSequence(); err != nil {
			return err
		}

		now := time.Now()
		rec := newInode(typ, perm, parent.Uid, parent.Gid, now)
		if typ == vfs.TypeDir {
			rec.Parent = n.ino
			parent.Nlink++
		}
		if init != nil {
			init(rec)
		}
		if err := putInode(tx, ino, rec); err != nil {
			return err
		}
		if err := dirents.Put(key, direntValue(ino, typ)); err != nil {
			return err
		}
		parent.touch(now)
		return putInode(tx, n.ino, parent)
	})
	if err != nil {
		return nil, err
	}
	n.fs.NodeAllocated()
	return n.fs.node(ino, typ), nil
}

func (n *node) Create(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.link(name, vfs.TypeRegular, perm, nil)
}

func (n *node) Mkdir(ctx context.Context, name string, perm uint32) (vfs.Node, error) {
	return n.link(name, vfs.TypeDir, perm, nil)
}

func (n *node) Mknod(ctx context.Context, name string, typ vfs.FileType, perm, rdev uint32) (vfs.Node, error) {
	switch typ {
	case vfs.TypeDir, vfs.TypeSymlink, vfs.TypeUnknown:
		return nil, vfs.ErrInvalid
	}
	return n.link(name, typ, perm, func(rec *inode) { rec.Rdev = rdev })
}

func (n *node) Symlink(ctx context.Context, name, target string) (vfs.Node, error) {
	return n.link(name, vfs.TypeSymlink, 0777, func(rec *inode) { rec.Target = target })
}

func (n *node) Readlink(ctx context.Context) (string, error) {
	if n.typ != vfs.TypeSymlink {
		return "", vfs.ErrInvalid
	}
	var target string
	err := n.fs.db.View(func(tx *bolt.Tx) error {
		rec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		target = rec.Target
		return nil
	})
	return target, err
}

// entry returns the inode number and type of the entry name of n.
func (n *node) entry(tx *bolt.Tx, name string) (uint64, vfs.FileType, error) {
	v := tx.Bucket(bucketDirents).Get(direntKey(n.ino, name))
	if v == nil {
		return 0, 0, vfs.ErrNotFound
	}
	ino, typ := parseDirent(v)
	return ino, typ, nil
}

// empty reports whether directory ino has no entries.
func empty(tx *bolt.Tx, ino uint64) bool {
	prefix := inoKey(ino)
	k, _ := tx.Bucket(bucketDirents).Cursor().Seek(prefix)
	return k == nil || !bytes.HasPrefix(k, prefix)
}

// unlinkEntry removes the entry name, of inode ino, from directory n and
// drops the link it held. It returns whether the inode was freed.
func (n *node) unlinkEntry(tx *bolt.Tx, parent *inode, name string, ino uint64, typ vfs.FileType, now time.Time) (bool, error) {
	if err := tx.Bucket(bucketDirents).Delete(direntKey(n.ino, name)); err != nil {
		return false, err
	}
	parent.touch(now)
	child, err := getInode(tx, ino)
	if err != nil {
		return false, err
	}
	if typ == vfs.TypeDir {
		parent.Nlink--
		child.Nlink = 0
	} else if child.Nlink > 0 {
		child.Nlink--
	}
	if child.Nlink > 0 {
		child.Ctime = now.UnixNano()
		return false, putInode(tx, ino, child)
	}
	if err := tx.Bucket(bucketInodes).Delete(inoKey(ino)); err != nil {
		return false, err
	}
	return true, tx.Bucket(bucketData).Delete(inoKey(ino))
}

func (n *node) remove(name string, dir bool) error {
	if n.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	var freed uint64
	err := n.fs.update(func(tx *bolt.Tx) error {
		ino, typ, err := n.entry(tx, name)
		if err != nil {
			return err
		}
		switch {
		case dir && typ != vfs.TypeDir:
			return vfs.ErrNotADirectory
		case !dir && typ == vfs.TypeDir:
			return vfs.ErrIsADirectory
		case dir && !empty(tx, ino):
			return vfs.ErrNotEmpty
		}
		parent, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		ok, err := n.unlinkEntry(tx, parent, name, ino, typ, time.Now())
		if err != nil {
			return err
		}
		if ok {
			freed = ino
		}
		return putInode(tx, n.ino, parent)
	})
	if err == nil && freed != 0 {
		n.fs.forget(freed)
	}
	return err
}

func (n *node) Unlink(ctx context.Context, name string) error { return n.remove(name, false) }

func (n *node) Rmdir(ctx context.Context, name string) error {
	if name == "." {
		return vfs.ErrInvalid
	}
	return n.remove(name, true)
}

func (n *node) Rename(ctx context.Context, name string, newDir vfs.Node, newName string) error {
	dst, ok := newDir.(*node)
	if !ok || dst.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	if n.typ != vfs.TypeDir || dst.typ != vfs.TypeDir {
		return vfs.ErrNotADirectory
	}
	if err := validName(newName); err != nil {
		return err
	}

	var freed uint64
	err := n.fs.update(func(tx *bolt.Tx) error {
		ino, typ, err := n.entry(tx, name)
		if err != nil {
			return err
		}
		dstRec, err := getInode(tx, dst.ino)
		if err != nil {
			return err
		}
		if dstRec.Nlink == 0 {
			return vfs.ErrNotFound
		}
		if typ == vfs.TypeDir {
			// A directory cannot move beneath itself.
			for p := dst.ino; ; {
				if p == ino {
					return vfs.ErrInvalid
				}
				if p == rootIno {
					break
				}
				rec, err := getInode(tx, p)
				if err != nil {
					return err
				}
				p = rec.Parent
			}
		}

		now := time.Now()
		if oldIno, oldTyp, err := dst.entry(tx, newName); err == nil {
			if oldIno == ino {
				return nil
			}
			switch {
			case typ == vfs.TypeDir && oldTyp != vfs.TypeDir:
				return vfs.ErrNotADirectory
			case typ != vfs.TypeDir && oldTyp == vfs.TypeDir:
				return vfs.ErrIsADirectory
			case oldTyp == vfs.TypeDir && !empty(tx, oldIno):
				return vfs.ErrNotEmpty
			}
			ok, err := dst.unlinkEntry(tx, dstRec, newName, oldIno, oldTyp, now)
			if err != nil {
				return err
			}
			if ok {
				freed = oldIno
			}
		}

		dirents := tx.Bucket(bucketDirents)
		if err := dirents.Delete(direntKey(n.ino, name)); err != nil {
			return err
		}
		if err := dirents.Put(direntKey(dst.ino, newName), direntValue(ino, typ)); err != nil {
			return err
		}
		dstRec.touch(now)
		if n.ino == dst.ino {
			return putInode(tx, dst.ino, dstRec)
		}

		srcRec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		srcRec.touch(now)
		if typ == vfs.TypeDir {
			srcRec.Nlink--
			dstRec.Nlink++
			moved, err := getInode(tx, ino)
			if err != nil {
				return err
			}
			moved.Parent = dst.ino
			moved.Ctime = now.UnixNano()
			if err := putInode(tx, ino, moved); err != nil {
				return err
			}
		}
		if err := putInode(tx, n.ino, srcRec); err != nil {
			return err
		}
		return putInode(tx, dst.ino, dstRec)
	})
	if err == nil && freed != 0 {
		n.fs.forget(freed)
	}
	return err
}

func (n *node) checkRegular() error {
	switch n.typ {
	case vfs.TypeRegular:
		return nil
	case vfs.TypeDir:
		return vfs.ErrIsADirectory
	default:
		return vfs.ErrInvalid
	}
}

func (n *node) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := n.checkRegular(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	var read int
	err := n.fs.db.View(func(tx *bolt.Tx) error {
		rec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		data, err := n.content(tx, rec)
		if err != nil {
			return err
		}
		if off < int64(len(data)) {
			read = copy(p, data[off:])
		}
		return nil
	})
	return read, err
}

func (n *node) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := n.checkRegular(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	if off > maxFileSize-int64(len(p)) {
		return 0, vfs.ErrFileTooLarge
	}
	err := n.fs.update(func(tx *bolt.Tx) error {
		rec, err := getInode(tx, n.ino)
		if err != nil {
			return err
		}
		data, err := n.content(tx, rec)
		if err != nil {
			return err
		}
		if end := int(off) + len(p); end > len(data) {
			data = resize(data, end)
		}
		copy(data[off:], p)
		if err := n.store(tx, rec, data); err != nil {
			return err
		}
		return putInode(tx, n.ino, rec)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadDir returns entries in name order. The cursor is the position of the
// next entry.
func (n *node) ReadDir(ctx context.Context, cursor uint64, count int) ([]vfs.Dirent, error) {
	if n.typ != vfs.TypeDir {
		return nil, vfs.ErrNotADirectory
	}
	var ents []vfs.Dirent
	err := n.fs.db.View(func(tx *bolt.Tx) error {
		prefix := inoKey(n.ino)
		c := tx.Bucket(bucketDirents).Cursor()
		pos := uint64(0)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			pos++
			if pos <= cursor {
				continue
			}
			ino, typ := parseDirent(v)
			ents = append(ents, vfs.Dirent{Name: string(k[len(prefix):]), Type: typ, Ino: ino, Next: pos})
			if count > 0 && len(ents) >= count {
				break
			}
		}
		return nil
	})
	return ents, err
}
