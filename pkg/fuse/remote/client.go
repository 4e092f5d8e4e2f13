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
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/golang/protobuf/ptypes/empty"
	"github.com/golang/protobuf/ptypes/wrappers"
	"github.com/kurafs/mountfs/pkg/fuse/daemon"
	"github.com/kurafs/mountfs/pkg/vfs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	yaml "gopkg.in/yaml.v3"
)

// closeTimeout bounds how long Close waits for the server to end the stream.
const closeTimeout = 5 * time.Second

// Client is the client API of the Channel service.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

var attachStreamDesc = &channelServiceDesc.Streams[0]

// Attach asks the server to mount a FUSE connection at target and returns
// the daemon's end of it. options are extra fuse mount options, such as
// "max_read=65536,allow_other".
func (c *Client) Attach(ctx context.Context, target, source, options string) (*Device, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx,
		TargetKey, target, SourceKey, source, OptionsKey, options)
	stream, err := c.cc.NewStream(ctx, attachStreamDesc, attachMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	md, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	ids := md.Get(mountKey)
	if len(ids) == 0 {
		// The server failed the call before mounting; the status follows.
		err := stream.RecvMsg(new(wrappers.BytesValue))
		cancel()
		if err == nil || err == io.EOF {
			return nil, vfs.ErrIO
		}
		return nil, fromStatus(err)
	}
	id, err := strconv.ParseUint(ids[0], 10, 64)
	if err != nil {
		cancel()
		return nil, vfs.ErrIO
	}

	d := &Device{
		stream: stream,
		cancel: cancel,
		mount:  id,
		frames: make(chan []byte),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go d.recv()
	return d, nil
}

// Mounts returns the server's mount table.
func (c *Client) Mounts(ctx context.Context) ([]vfs.MountInfo, error) {
	out := new(wrappers.StringValue)
	if err := c.cc.Invoke(ctx, mountsMethod, new(empty.Empty), out); err != nil {
		return nil, fromStatus(err)
	}
	var mounts []vfs.MountInfo
	if err := yaml.Unmarshal([]byte(out.Value), &mounts); err != nil {
		return nil, err
	}
	return mounts, nil
}

// Device is the daemon's end of an attached FUSE connection. It satisfies
// daemon.Device, so daemon.Serve can export a filesystem over it.
type Device struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	mount  uint64

	frames chan []byte
	done   chan struct{}
	err    error // Set before done is closed.

	wmu       sync.Mutex
	quit      chan struct{}
	closeOnce sync.Once
}

var _ daemon.Device = (*Device)(nil)

// Mount returns the ID of the mount on the server.
func (d *Device) Mount() uint64 { return d.mount }

func (d *Device) recv() {
	defer close(d.done)
	for {
		var frame wrappers.BytesValue
		if err := d.stream.RecvMsg(&frame); err != nil {
			if err == io.EOF || status.Code(err) == codes.Canceled {
				d.err = vfs.ErrConnectionClosed
			} else {
				d.err = vfs.ErrConnectionLost
			}
			return
		}
		select {
		case d.frames <- frame.Value:
		case <-d.quit:
			d.err = vfs.ErrConnectionClosed
			return
		}
	}
}

// Read returns the next request frame.
func (d *Device) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case frame := <-d.frames:
		if len(frame) > len(p) {
			return 0, vfs.ErrInvalid
		}
		return copy(p, frame), nil
	case <-d.done:
		return 0, d.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Write sends one reply.
func (d *Device) Write(p []byte) (int, error) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	select {
	case <-d.quit:
		return 0, vfs.ErrBadHandle
	default:
	}
	if err := d.stream.SendMsg(&wrappers.BytesValue{Value: p}); err != nil {
		if err == io.EOF {
			return 0, vfs.ErrConnectionClosed
		}
		return 0, fromStatus(err)
	}
	return len(p), nil
}

// Close hangs up. The server loses the connection and detaches the mount.
// Frames already written are delivered before the stream is torn down, so a
// daemon may reply to DESTROY and close straight away.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.wmu.Lock()
		close(d.quit)
		d.stream.CloseSend()
		d.wmu.Unlock()

		t := time.NewTimer(closeTimeout)
		defer t.Stop()
		select {
		case <-d.done:
		case <-t.C:
		}
		d.cancel()
	})
	return nil
}
