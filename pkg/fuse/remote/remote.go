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

// Package remote carries a FUSE connection over gRPC so that a daemon can
// serve a mount from another process or host.
//
// The Channel service has two methods. Attach is a bidirectional stream:
// the server opens a FUSE device, mounts it at the target named in the
// call metadata and forwards every request frame to the client as a
// BytesValue, while each message the client sends is written to the device
// as one reply. The mount lives as long as the stream. Mounts returns the
// server's mount table rendered as YAML.
package remote

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"github.com/golang/protobuf/ptypes/wrappers"
	"google.golang.org/grpc"
)

// Metadata keys of an Attach call.
const (
	TargetKey  = "mountfs-target"
	SourceKey  = "mountfs-source"
	OptionsKey = "mountfs-options"

	// mountKey is the response header naming the mount an Attach created.
	mountKey = "mountfs-mount"
)

const (
	serviceName   = "mountfs.fuse.Channel"
	attachMethod  = "/" + serviceName + "/Attach"
	mountsMethod  = "/" + serviceName + "/Mounts"
	defaultSource = "remote"
)

// ChannelServer is the server API of the Channel service.
type ChannelServer interface {
	Attach(stream grpc.ServerStream) error
	Mounts(ctx context.Context, req *empty.Empty) (*wrappers.StringValue, error)
}

// RegisterChannelServer registers srv with s.
func RegisterChannelServer(s *grpc.Server, srv ChannelServer) {
	s.RegisterService(&channelServiceDesc, srv)
}

func attachHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Attach(stream)
}

func mountsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChannelServer).Mounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: mountsMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ChannelServer).Mounts(ctx, req.(*empty.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Mounts",
			Handler:    mountsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mountfs/fuse/channel.proto",
}
