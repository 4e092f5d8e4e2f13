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

package daemon

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kurafs/mountfs/pkg/fuse/wire"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/vfs"
)

// Server exports a vfs.Filesystem over an initialized connection. It
// hands out node IDs, keeps the kernel's lookup count for each, and tracks
// open handles.
type Server struct {
	logger *log.Logger
	conn   *Conn
	fs     vfs.Filesystem

	mu         sync.Mutex
	nodes      map[NodeID]*served
	byIno      map[uint64]NodeID
	nextNode   NodeID
	handles    map[HandleID]*openHandle
	nextHandle HandleID
	inflight   map[RequestID]context.CancelFunc

	wg sync.WaitGroup
}

type served struct {
	node    vfs.Node
	nlookup uint64
}

type openHandle struct {
	h   vfs.Handle
	dir bool
}

// NewServer returns a server for fs on conn.
func NewServer(logger *log.Logger, conn *Conn, fs vfs.Filesystem) *Server {
	s := &Server{
		logger:     logger,
		conn:       conn,
		fs:         fs,
		nodes:      make(map[NodeID]*served),
		byIno:      make(map[uint64]NodeID),
		nextNode:   RootID + 1,
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
		inflight:   make(map[RequestID]context.CancelFunc),
	}
	root := fs.Root()
	s.nodes[RootID] = &served{node: root}
	s.byIno[root.Ino()] = RootID
	return s
}

// Serve initializes the connection on dev and serves fs until the kernel
// sends DESTROY or the connection goes away.
func Serve(ctx context.Context, logger *log.Logger, dev Device, fs vfs.Filesystem, options ...Option) error {
	conn, err := Init(ctx, logger, dev, options...)
	if err != nil {
		return err
	}
	return NewServer(logger, conn, fs).Serve(ctx)
}

// Serve reads and dispatches requests. Each request runs on its own
// goroutine, except FORGET and INTERRUPT which are applied in order.
func (s *Server) Serve(ctx context.Context) error {
	defer s.releaseAll()
	for {
		req, err := s.conn.ReadRequest(ctx)
		if err != nil {
			s.wg.Wait()
			if err == io.EOF {
				s.logger.Infof("connection closed")
				return nil
			}
			return err
		}
		s.logger.Debugf("<- %v", req)

		switch r := req.(type) {
		case *ForgetRequest:
			s.forget(r.Node, r.N)
			r.Respond()
			continue
		case *InterruptRequest:
			s.interrupt(r.IntrID)
			r.Respond()
			continue
		case *DestroyRequest:
			s.wg.Wait()
			r.Respond()
			s.logger.Infof("destroyed")
			return nil
		}

		rctx, cancel := context.WithCancel(ctx)
		id := req.Hdr().ID
		s.mu.Lock()
		s.inflight[id] = cancel
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inflight, id)
				s.mu.Unlock()
				cancel()
			}()
			if err := s.handle(rctx, req); err != nil {
				if rctx.Err() != nil {
					err = vfs.ErrInterrupted
				}
				s.logger.Debugf("-> %v error %v", req.Hdr().ID, err)
				req.RespondError(err)
			}
		}()
	}
}

func (s *Server) interrupt(id RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[id]; ok {
		s.logger.Debugf("interrupting %v", id)
		cancel()
	}
}

// node returns the node behind id.
func (s *Server) node(id NodeID) (vfs.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.nodes[id]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return sn.node, nil
}

// track records one more kernel lookup of n and returns its node ID. The
// root is never counted; the kernel does not forget it.
func (s *Server) track(n vfs.Node) NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIno[n.Ino()]; ok {
		sn := s.nodes[id]
		if id != RootID {
			sn.node = n
			sn.nlookup++
		}
		return id
	}
	id := s.nextNode
	s.nextNode++
	s.nodes[id] = &served{node: n, nlookup: 1}
	s.byIno[n.Ino()] = id
	return id
}

func (s *Server) forget(id NodeID, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.nodes[id]
	if !ok || id == RootID {
		s.logger.Warnf("forget of unknown node %v", id)
		return
	}
	if n > sn.nlookup {
		s.logger.Warnf("node %v forgotten %d times with %d lookups", id, n, sn.nlookup)
		n = sn.nlookup
	}
	sn.nlookup -= n
	if sn.nlookup == 0 {
		delete(s.nodes, id)
		if s.byIno[sn.node.Ino()] == id {
			delete(s.byIno, sn.node.Ino())
		}
	}
}

// Nodes returns the lookup count of every node the kernel knows about,
// the root excluded.
func (s *Server) Nodes() map[NodeID]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[NodeID]uint64, len(s.nodes))
	for id, sn := range s.nodes {
		if id != RootID {
			m[id] = sn.nlookup
		}
	}
	return m
}

// Handles returns the number of open handles.
func (s *Server) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Server) addHandle(h vfs.Handle, dir bool) HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandle
	s.nextHandle++
	s.handles[id] = &openHandle{h: h, dir: dir}
	return id
}

func (s *Server) getHandle(id HandleID, dir bool) (vfs.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oh, ok := s.handles[id]
	if !ok || oh.dir != dir {
		return nil, vfs.ErrBadHandle
	}
	return oh.h, nil
}

func (s *Server) releaseAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[HandleID]*openHandle)
	s.mu.Unlock()
	for id, oh := range handles {
		if err := oh.h.Release(context.Background()); err != nil {
			s.logger.Warnf("releasing handle %v: %v", id, err)
		}
	}
}

func (s *Server) entry(ctx context.Context, n vfs.Node) (*LookupResponse, error) {
	a, err := n.Attr(ctx)
	if err != nil {
		return nil, err
	}
	return &LookupResponse{Node: s.track(n), Attr: AttrResponse{Attr: a}}, nil
}

// handle serves one request. A returned error is sent as the reply.
func (s *Server) handle(ctx context.Context, req Request) error {
	hdr := req.Hdr()
	n, err := s.node(hdr.Node)
	if err != nil {
		return err
	}

	switch r := req.(type) {
	default:
		return vfs.ErrNotSupported

	case *InitRequest:
		return vfs.ErrInvalid

	case *StatfsRequest:
		r.Respond(&StatfsResponse{Bsize: 4096, Frsize: 4096, Namelen: 255})

	case *AccessRequest:
		r.Respond()

	case *GetattrRequest:
		a, err := n.Attr(ctx)
		if err != nil {
			return err
		}
		r.Respond(&AttrResponse{Attr: a})

	case *SetattrRequest:
		a, err := n.SetAttr(ctx, r.Set)
		if err != nil {
			return err
		}
		r.Respond(&AttrResponse{Attr: a})

	case *LookupRequest:
		c, err := n.Lookup(ctx, r.Name)
		if err != nil {
			return err
		}
		resp, err := s.entry(ctx, c)
		if err != nil {
			return err
		}
		r.Respond(resp)

	case *ReadlinkRequest:
		target, err := n.Readlink(ctx)
		if err != nil {
			return err
		}
		r.Respond(target)

	case *SymlinkRequest:
		c, err := n.Symlink(ctx, r.NewName, r.Target)
		if err != nil {
			return err
		}
		resp, err := s.entry(ctx, c)
		if err != nil {
			return err
		}
		r.Respond(resp)

	case *MknodRequest:
		c, err := n.Mknod(ctx, r.Name, r.Type, r.Perm&^r.Umask, r.Rdev)
		if err != nil {
			return err
		}
		resp, err := s.entry(ctx, c)
		if err != nil {
			return err
		}
		r.Respond(resp)

	case *MkdirRequest:
		c, err := n.Mkdir(ctx, r.Name, r.Perm&^r.Umask)
		if err != nil {
			return err
		}
		resp, err := s.entry(ctx, c)
		if err != nil {
			return err
		}
		r.Respond(resp)

	case *RemoveRequest:
		if r.Dir {
			err = n.Rmdir(ctx, r.Name)
		} else {
			err = n.Unlink(ctx, r.Name)
		}
		if err != nil {
			return err
		}
		r.Respond()

	case *RenameRequest:
		newDir, err := s.node(r.NewDir)
		if err != nil {
			return err
		}
		if err := n.Rename(ctx, r.OldName, newDir, r.NewName); err != nil {
			return err
		}
		r.Respond()

	case *OpenRequest:
		flags := wire.VFSOpenFlags(r.Flags)
		if r.Dir {
			flags = vfs.OpenRead | vfs.OpenDirectory
		}
		h, err := vfs.OpenNode(ctx, n, flags)
		if err != nil {
			return err
		}
		r.Respond(&OpenResponse{Handle: s.addHandle(h, r.Dir)})

	case *CreateRequest:
		c, err := n.Create(ctx, r.Name, r.Perm&^r.Umask)
		if err != nil {
			return err
		}
		flags := wire.VFSOpenFlags(r.Flags) &^ (vfs.OpenCreate | vfs.OpenExclusive)
		h, err := vfs.OpenNode(ctx, c, flags)
		if err != nil {
			return err
		}
		resp, err := s.entry(ctx, c)
		if err != nil {
			h.Release(ctx)
			return err
		}
		r.Respond(&CreateResponse{
			LookupResponse: *resp,
			OpenResponse:   OpenResponse{Handle: s.addHandle(h, false)},
		})

	case *ReadRequest:
		h, err := s.getHandle(r.Handle, r.Dir)
		if err != nil {
			return err
		}
		if r.Dir {
			data, err := readdir(ctx, h, uint64(r.Offset), r.Size)
			if err != nil {
				return err
			}
			r.Respond(data)
			break
		}
		buf := make([]byte, r.Size)
		read, err := h.ReadAt(ctx, buf, r.Offset)
		if err != nil && err != io.EOF {
			return err
		}
		r.Respond(buf[:read])

	case *WriteRequest:
		h, err := s.getHandle(r.Handle, false)
		if err != nil {
			return err
		}
		written, err := h.WriteAt(ctx, r.Data, r.Offset)
		if err != nil && written == 0 {
			return err
		}
		r.Respond(written)

	case *ReleaseRequest:
		s.mu.Lock()
		oh, ok := s.handles[r.Handle]
		if ok && oh.dir == r.Dir {
			delete(s.handles, r.Handle)
		}
		s.mu.Unlock()
		if !ok || oh.dir != r.Dir {
			return vfs.ErrBadHandle
		}
		if err := oh.h.Release(ctx); err != nil && !errors.Is(err, vfs.ErrBadHandle) {
			return err
		}
		r.Respond()

	case *FlushRequest:
		r.Respond()

	case *FsyncRequest:
		r.Respond()
	}
	return nil
}

// readdir encodes as many entries from cursor on as fit in size bytes.
func readdir(ctx context.Context, h vfs.Handle, cursor uint64, size int) ([]byte, error) {
	count := size / wire.DirentSize("")
	if count < 1 {
		count = 1
	}
	ents, err := h.ReadDir(ctx, cursor, count)
	if err != nil {
		return nil, err
	}
	var buf []byte
	for _, d := range ents {
		if len(buf)+wire.DirentSize(d.Name) > size {
			break
		}
		buf = wire.AppendDirent(buf, wire.Dirent{
			Ino:  d.Ino,
			Off:  d.Next,
			Type: wire.DirentType(d.Type),
			Name: d.Name,
		})
	}
	return buf, nil
}
