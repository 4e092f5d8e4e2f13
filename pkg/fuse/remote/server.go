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

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/protobuf/ptypes/empty"
	"github.com/golang/protobuf/ptypes/wrappers"
	"github.com/kurafs/mountfs/pkg/fuse"
	"github.com/kurafs/mountfs/pkg/log"
	"github.com/kurafs/mountfs/pkg/proquint"
	"github.com/kurafs/mountfs/pkg/vfs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	yaml "gopkg.in/yaml.v3"
)

// frameSize fits the largest request the kernel side sends: a WRITE of the
// biggest max_write it accepts plus its headers.
const frameSize = 1<<20 + 8192

// Server implements the Channel service on top of a namespace. Attached
// daemons are mounted with the fuse filesystem type, which must be
// registered with the namespace's registry over devs.
type Server struct {
	logger *log.Logger
	ns     *vfs.Namespace
	devs   *fuse.DeviceTable
}

var _ ChannelServer = (*Server)(nil)

func NewServer(logger *log.Logger, ns *vfs.Namespace, devs *fuse.DeviceTable) *Server {
	return &Server{logger: logger, ns: ns, devs: devs}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Attach mounts a new FUSE connection at the target named in the call
// metadata and relays it over the stream until either side goes away. A
// daemon that hangs up loses the connection, and the mount is detached
// unless files on it are still open.
func (s *Server) Attach(stream grpc.ServerStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	target := first(md, TargetKey)
	if target == "" {
		return status.Error(codes.InvalidArgument, "missing mount target")
	}
	dev := s.devs.Open()
	source := first(md, SourceKey)
	if source == "" {
		source = defaultSource + "-" + proquint.Uint32(uint32(dev.Conn().ID()))
	}
	options := fmt.Sprintf("fd=%d", dev.Fd())
	if o := first(md, OptionsKey); o != "" {
		options += "," + o
	}
	m, err := s.ns.Mount(ctx, source, target, fuse.TypeName, options)
	if err != nil {
		dev.Close()
		s.logger.Warnf("attach %s: %v", target, err)
		return statusError(err)
	}
	logger := s.logger.With("attach", target)
	logger.Infof("attached %s on fd %d", source, dev.Fd())

	if err := stream.SendHeader(metadata.Pairs(mountKey, strconv.FormatUint(m.ID(), 10))); err != nil {
		dev.Close()
		s.detach(logger, m)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sent := make(chan error, 1)
	go func() { sent <- s.toDaemon(ctx, dev, stream) }()
	received := make(chan error, 1)
	go func() { received <- s.fromDaemon(logger, dev, stream) }()

	hungUp := false
	select {
	case err = <-sent:
		// The connection was destroyed, normally by an unmount.
	case err = <-received:
		hungUp = true
	}
	cancel()
	dev.Close()
	if hungUp {
		<-sent
	}
	s.detach(logger, m)

	if err == io.EOF || errors.Is(err, vfs.ErrConnectionClosed) || errors.Is(err, vfs.ErrConnectionLost) ||
		errors.Is(err, context.Canceled) {
		logger.Infof("detached")
		return nil
	}
	logger.Warnf("detached: %v", err)
	return statusError(err)
}

// toDaemon forwards requests from dev to the client.
func (s *Server) toDaemon(ctx context.Context, dev *fuse.Dev, stream grpc.ServerStream) error {
	buf := make([]byte, frameSize)
	for {
		n, err := dev.Read(ctx, buf)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(&wrappers.BytesValue{Value: buf[:n]}); err != nil {
			return err
		}
	}
}

// fromDaemon writes the client's replies to dev.
func (s *Server) fromDaemon(logger *log.Logger, dev *fuse.Dev, stream grpc.ServerStream) error {
	for {
		var frame wrappers.BytesValue
		if err := stream.RecvMsg(&frame); err != nil {
			return err
		}
		if _, err := dev.Write(frame.Value); err != nil {
			if errors.Is(err, vfs.ErrConnectionClosed) || errors.Is(err, vfs.ErrBadHandle) {
				return err
			}
			// A reply the connection rejects only costs the request it
			// answered.
			logger.Warnf("reply rejected: %v", err)
		}
	}
}

func (s *Server) detach(logger *log.Logger, m *vfs.Mount) {
	err := s.ns.UnmountMount(context.Background(), m)
	switch {
	case err == nil:
	case errors.Is(err, vfs.ErrInvalid):
		// Already unmounted.
	case errors.Is(err, vfs.ErrConnectionLost):
		logger.Infof("unmounted after the daemon went away")
	default:
		logger.Warnf("leaving %s mounted: %v", m.Target(), err)
	}
}

// Mounts returns the mount table as YAML.
func (s *Server) Mounts(ctx context.Context, req *empty.Empty) (*wrappers.StringValue, error) {
	out, err := yaml.Marshal(s.ns.Mounts())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &wrappers.StringValue{Value: string(out)}, nil
}
