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
	"sync/atomic"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/streaming"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// handle is an open file or directory on the daemon.
type handle struct {
	n     *node
	fh    uint64
	flags uint32
	dir   bool
	// stateless handles were never opened on the daemon and are not
	// released there.
	stateless bool
	released  int32
}

var _ vfs.Handle = (*handle)(nil)

func (h *handle) call(ctx context.Context, op wire.Opcode, args ...interface{}) ([]byte, error) {
	if atomic.LoadInt32(&h.released) != 0 {
		return nil, vfs.ErrBadHandle
	}
	return h.n.call(ctx, op, args...)
}

// ReadAt reads with as many READ requests as max_read requires. A short
// reply marks the end of the file.
func (h *handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if h.dir {
		return 0, vfs.ErrIsADirectory
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	var read int
	chunks := streaming.NewChunker(p, int(h.n.fs.cfg.MaxRead))
	for chunks.Next() {
		chunk := chunks.Value()
		data, err := h.call(ctx, wire.OpRead, &wire.ReadIn{
			Fh:     h.fh,
			Offset: uint64(off) + uint64(chunks.Offset()),
			Size:   uint32(len(chunk)),
			Flags:  h.flags,
		})
		if err != nil {
			return read, err
		}
		if len(data) > len(chunk) {
			return read, vfs.ErrIO
		}
		read += copy(chunk, data)
		if len(data) < len(chunk) {
			break
		}
	}
	return read, nil
}

// WriteAt splits p into WRITE requests of at most max_write bytes.
func (h *handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if h.dir {
		return 0, vfs.ErrIsADirectory
	}
	if off < 0 {
		return 0, vfs.ErrInvalid
	}
	var written int
	chunks := streaming.NewChunker(p, int(h.n.fs.conn.MaxWrite()))
	for chunks.Next() {
		chunk := chunks.Value()
		payload, err := h.call(ctx, wire.OpWrite, &wire.WriteIn{
			Fh:     h.fh,
			Offset: uint64(off) + uint64(chunks.Offset()),
			Size:   uint32(len(chunk)),
			Flags:  h.flags,
		}, chunk)
		if err != nil {
			return written, err
		}
		var out wire.WriteOut
		if _, err := wire.Unmarshal(payload, &out); err != nil {
			return written, err
		}
		if int(out.Size) > len(chunk) {
			return written, vfs.ErrIO
		}
		written += int(out.Size)
		if int(out.Size) < len(chunk) {
			break
		}
	}
	return written, nil
}

// ReadDir reads entries with READDIR. Cursors are the offsets the daemon
// attaches to each entry; "." and ".." are left out.
func (h *handle) ReadDir(ctx context.Context, cursor uint64, count int) ([]vfs.Dirent, error) {
	if !h.dir {
		return nil, vfs.ErrNotADirectory
	}
	var ents []vfs.Dirent
	for count <= 0 || len(ents) < count {
		payload, err := h.call(ctx, wire.OpReaddir, &wire.ReadIn{
			Fh:     h.fh,
			Offset: cursor,
			Size:   readdirSize,
			Flags:  h.flags,
		})
		if err != nil {
			return nil, err
		}
		batch, err := wire.ParseDirents(payload)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			cursor = d.Off
			if d.Name == "." || d.Name == ".." {
				continue
			}
			ents = append(ents, vfs.Dirent{
				Name: d.Name,
				Type: wire.FileType(d.Type),
				Ino:  d.Ino,
				Next: d.Off,
			})
			if count > 0 && len(ents) == count {
				break
			}
		}
	}
	return ents, nil
}

// Release closes the handle with RELEASE or RELEASEDIR.
func (h *handle) Release(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return vfs.ErrBadHandle
	}
	defer h.n.closed()
	if h.stateless {
		return nil
	}
	op := wire.OpRelease
	if h.dir {
		op = wire.OpReleasedir
	}
	_, err := h.n.call(ctx, op, &wire.ReleaseIn{Fh: h.fh, Flags: h.flags})
	return err
}
